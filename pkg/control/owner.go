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

package control

import (
	"fmt"
	"time"

	"github.com/united-manufacturing-hub/syncengine/pkg/protocontrol"
)

// RequestKind is the question a controller is waiting on.
type RequestKind string

const (
	RequestCredentials  RequestKind = "credentials"
	RequestServerConfig RequestKind = "server_config"
	RequestCertificate  RequestKind = "certificate"
)

// UserRequest is an open question of a controller to the user.
type UserRequest struct {
	Kind    RequestKind `json:"kind"`
	Reason  string      `json:"reason,omitempty"`
	Subject string      `json:"subject,omitempty"`
	Since   time.Time   `json:"since"`
}

// The engine is the Owner of every controller. The callbacks only record
// the question, the API serves it and routes the answer back.

func (e *Engine) CredReq(accountID, protocol string) {
	e.ask(accountID, protocol, UserRequest{Kind: RequestCredentials})
}

func (e *Engine) ServConfReq(accountID, protocol string, reason protocontrol.AutoDFailure) {
	e.ask(accountID, protocol, UserRequest{Kind: RequestServerConfig, Reason: string(reason)})
}

func (e *Engine) CertAskReq(accountID, protocol string, subject string) {
	e.ask(accountID, protocol, UserRequest{Kind: RequestCertificate, Subject: subject})
}

func (e *Engine) ask(accountID, protocol string, r UserRequest) {
	r.Since = time.Now()

	e.mu.Lock()
	e.requests[key{accountID, protocol}] = r
	e.mu.Unlock()

	e.logger.Warnf("%s/%s waits for %s", accountID, protocol, r.Kind)
}

// answer clears the open question if it is of the expected kind.
func (e *Engine) answer(accountID, protocol string, kind RequestKind) (Controller, error) {
	k := key{accountID, protocol}

	e.mu.Lock()
	defer e.mu.Unlock()

	en, ok := e.entries[k]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNoController, k)
	}

	if r, open := e.requests[k]; open && r.Kind == kind {
		delete(e.requests, k)
	}

	return en.ctrl, nil
}

// Request returns the open question of an account protocol.
func (e *Engine) Request(accountID, protocol string) (UserRequest, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	r, ok := e.requests[key{accountID, protocol}]

	return r, ok
}

func (e *Engine) CredResp(accountID, protocol string, cred protocontrol.Credentials) error {
	c, err := e.answer(accountID, protocol, RequestCredentials)
	if err != nil {
		return err
	}

	e.logger.Infof("New credentials for %s/%s (%s)", accountID, protocol, cred.Fingerprint())
	c.CredResp(cred)

	return nil
}

func (e *Engine) ServerConfResp(accountID, protocol string, server protocontrol.ServerConfig, force bool) error {
	c, err := e.answer(accountID, protocol, RequestServerConfig)
	if err != nil {
		return err
	}

	c.ServerConfResp(server, force)

	return nil
}

func (e *Engine) CertAskResp(accountID, protocol string, accept bool) error {
	c, err := e.answer(accountID, protocol, RequestCertificate)
	if err != nil {
		return err
	}

	c.CertAskResp(accept)

	return nil
}

// onStatus is the StatusFunc of every controller.
func (e *Engine) onStatus(accountID, protocol string, state protocontrol.BackEndState) {
	e.logger.Infof("%s/%s is %s", accountID, protocol, state)

	if state == protocontrol.BackEndRunning || state == protocontrol.BackEndPostAutoDPreInboxSync ||
		state == protocontrol.BackEndPostAutoDPostInboxSync {
		e.mu.Lock()
		delete(e.requests, key{accountID, protocol})
		e.mu.Unlock()
	}
}
