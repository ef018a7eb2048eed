// Copyright 2025 UMH Systems GmbH
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package protocontrol

import (
	"context"
	"errors"
	"net/http"
	"path"
	"strings"
	"sync"
	"time"

	"github.com/united-manufacturing-hub/syncengine/pkg/command"
	"github.com/united-manufacturing-hub/syncengine/pkg/metrics"
	"github.com/united-manufacturing-hub/syncengine/pkg/pending"
	"github.com/united-manufacturing-hub/syncengine/pkg/statemachine"
	"github.com/united-manufacturing-hub/syncengine/pkg/transport"
)

// reply is the body a protocol endpoint answers with. An empty body means ok.
type reply struct {
	Status      string `json:"status"`
	WaitSeconds int    `json:"waitSeconds,omitempty"`
	PolicyKey   string `json:"policyKey,omitempty"`
	Subject     string `json:"subject,omitempty"`
	Reason      string `json:"reason,omitempty"`
}

func (r *reply) wait() time.Duration { return time.Duration(r.WaitSeconds) * time.Second }

var commonStatus = map[string]statemachine.EventType{
	"ok":       statemachine.EventSuccess,
	"tempfail": statemachine.EventTempFail,
	"hardfail": statemachine.EventHardFail,
}

// envelope is the request body of every exchange.
type envelope struct {
	AccountID string       `json:"accountId"`
	Server    ServerConfig `json:"server"`
	Params    any          `json:"params,omitempty"`
}

type opParams struct {
	Token   string       `json:"token"`
	Kind    pending.Kind `json:"kind"`
	Attempt int          `json:"attempt"`
	Payload rawJSON      `json:"payload,omitempty"`
}

// rawJSON embeds an already encoded payload.
type rawJSON []byte

func (r rawJSON) MarshalJSON() ([]byte, error) {
	if len(r) == 0 {
		return []byte("null"), nil
	}

	return r, nil
}

func replyOf(res *command.Result) *reply {
	if res == nil {
		return nil
	}

	r, _ := res.Value.(*reply)

	return r
}

// reasonOf turns a result into an error for retry bookkeeping.
func reasonOf(res *command.Result) error {
	switch {
	case res == nil:
		return errors.New("no result")
	case res.Err != nil:
		return res.Err
	default:
		return errors.New(strings.ToLower(res.Message))
	}
}

func (c *Control) classifier() command.Classifier {
	return classifierFor(c.proto.status)
}

// classifierFor maps the reply status to an event, status adds the
// protocol specific ones to the common set.
func classifierFor(status map[string]statemachine.EventType) command.Classifier {
	return func(resp *transport.Response) *command.Result {
		if len(resp.Body) == 0 {
			return &command.Result{Event: statemachine.EventSuccess, Message: "OK"}
		}

		var r reply
		if err := resp.DecodeJSON(&r); err != nil {
			return &command.Result{Event: statemachine.EventHardFail, Message: "DECODE", Err: err}
		}

		name := strings.ToLower(r.Status)
		if name == "" {
			name = "ok"
		}

		ev, ok := commonStatus[name]
		if !ok {
			ev, ok = status[name]
		}

		if !ok {
			return &command.Result{Event: statemachine.EventHardFail, Message: "BADSTATUS", Value: &r}
		}

		return &command.Result{Event: ev, Message: strings.ToUpper(name), Value: &r}
	}
}

func (c *Control) request(verb string, params any) func() (*transport.Request, error) {
	return func() (*transport.Request, error) {
		server, cred := c.endpoint()

		return newRequest(c.proto.name, verb, c.cfg.AccountID, server, cred, params)
	}
}

// newRequest builds the exchange for verb, POST /{protocol}/{verb}.
func newRequest(protocol, verb, accountID string, server ServerConfig, cred Credentials, params any) (*transport.Request, error) {
	req, err := transport.NewJSONRequest(http.MethodPost, path.Join("/", protocol, verb), envelope{
		AccountID: accountID,
		Server:    server,
		Params:    params,
	})
	if err != nil {
		return nil, err
	}

	cred.apply(req)

	return req, nil
}

func (c *Control) commandConfig(name string, poster command.Poster, retries int) command.Config {
	return command.Config{
		Name:       c.proto.name + "." + name,
		Poster:     poster,
		RetriesMax: retries,
		Policy:     c.cfg.RetryPolicy,
		Timeout:    c.cfg.CommandTimeout,
		Logger:     c.logger,
	}
}

// exchange builds a command that posts the classified server reply to the
// controller's machine. Build it inside an action, it captures the epoch.
func (c *Control) exchange(verb string, params any, retries int) *command.Async {
	return c.exchangeFor(c.sm, verb, params, retries)
}

func (c *Control) exchangeFor(poster command.Poster, verb string, params any, retries int) *command.Async {
	return command.NewTransport(command.TransportConfig{
		Config:    c.commandConfig(verb, poster, retries),
		Transport: c.transport,
		Request:   c.request(verb, params),
		Classify:  c.classifier(),
		Rules:     c.rules,
	})
}

func (c *Control) wait(d time.Duration, message string) *command.Async {
	return command.NewWait(c.commandConfig("wait", c.sm, 0), d, statemachine.EventSuccess, message)
}

// opState is shared by every attempt of one pending operation, so the
// operation is resolved exactly once whichever attempt ends it.
type opState struct {
	op *pending.Operation

	mu      sync.Mutex
	result  *command.Result
	settled bool
}

func (s *opState) record(res *command.Result) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.result = res
}

// nextAttempt forgets the previous attempt's outcome, so an attempt that
// is interrupted before it ends settles as requeued.
func (s *opState) nextAttempt() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.result = nil
}

// opCommand runs one pending operation.
type opCommand struct {
	*command.Async

	st *opState
}

func (c *Control) newOpCommand(op *pending.Operation, poster command.Poster) *opCommand {
	st := &opState{op: op}

	cfg := c.commandConfig("op."+string(op.Kind), poster, 0)
	cfg.Cleanup = func() { c.settle(st, nil) }

	return &opCommand{
		Async: command.NewAsync(cfg, c.opWork(st)),
		st:    st,
	}
}

func (c *Control) opWork(st *opState) command.Work {
	send := c.request("op/"+string(st.op.Kind), opParams{
		Token:   st.op.Token,
		Kind:    st.op.Kind,
		Attempt: st.op.Attempts,
		Payload: rawJSON(st.op.Payload),
	})

	return func(ctx context.Context) *command.Result {
		req, err := send()
		if err != nil {
			res := &command.Result{Event: statemachine.EventHardFail, Message: "REQUEST", Err: err}
			st.record(res)

			return res
		}

		resp, err := c.transport.Execute(ctx, req)
		res := command.Classify(resp, err, c.classifier(), c.rules)

		// an interrupted exchange has no outcome, cleanup requeues it
		if ctx.Err() == nil || res.Event == statemachine.EventSuccess {
			st.record(res)
		}

		return res
	}
}

// Retry keeps the shared operation state across attempts.
func (o *opCommand) Retry(reason error) (command.Command, bool) {
	next, ok := o.Async.Retry(reason)
	if !ok {
		return nil, false
	}

	o.st.nextAttempt()

	async, ok := next.(*command.Async)
	if !ok {
		return next, true
	}

	return &opCommand{Async: async, st: o.st}, true
}

// settle resolves the operation from res, or from the last recorded
// attempt when res is nil. Later calls are no-ops.
func (c *Control) settle(st *opState, res *command.Result) {
	st.mu.Lock()
	if st.settled {
		st.mu.Unlock()

		return
	}

	st.settled = true

	if res == nil {
		res = st.result
	}
	st.mu.Unlock()

	ctx := context.Background()
	token := st.op.Token

	var (
		err     error
		outcome string
	)

	switch {
	case res == nil:
		err, outcome = c.cfg.Pending.Requeue(ctx, token), "requeued"
	case res.Event == statemachine.EventSuccess:
		err, outcome = c.cfg.Pending.ResolveAsSuccess(ctx, token), "success"
	case res.Event == statemachine.EventHardFail:
		err, outcome = c.cfg.Pending.ResolveAsHardFail(ctx, token, reasonOf(res).Error()), "hardfail"
	case res.Event == statemachine.EventTempFail:
		err, outcome = c.cfg.Pending.ResolveAsDeferred(ctx, token, reasonOf(res).Error()), "deferred"
	default:
		// the protocol needs attention first, the operation itself is fine
		err, outcome = c.cfg.Pending.Requeue(ctx, token), "requeued"
	}

	if err != nil {
		if errors.Is(err, pending.ErrNotFound) || errors.Is(err, pending.ErrInvalidState) {
			c.logger.Debugf("Operation %s already resolved: %v", token, err)

			return
		}

		c.logger.Errorf("Failed to resolve operation %s as %s: %v", token, outcome, err)

		return
	}

	c.logger.Debugf("Operation %s (%s) resolved as %s", token, st.op.Kind, outcome)
	metrics.IncPendingResolved(outcome)
}

func (c *Control) requeue(op *pending.Operation) {
	if err := c.cfg.Pending.Requeue(context.Background(), op.Token); err != nil {
		c.logger.Errorf("Failed to requeue operation %s: %v", op.Token, err)
	}
}

// settleCurrent resolves the operation of the running command from the
// event that ended it.
func (c *Control) settleCurrent(ev statemachine.Event) {
	op, ok := c.cmd.(*opCommand)
	if !ok {
		return
	}

	res, ok := command.ResultOf(ev)
	if !ok || res.CommandID != op.ID() {
		return
	}

	c.settle(op.st, res)
}
