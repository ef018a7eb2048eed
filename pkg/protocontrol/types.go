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
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"fmt"

	"go.uber.org/zap"
	"golang.org/x/crypto/sha3"

	"github.com/united-manufacturing-hub/syncengine/pkg/statemachine"
	"github.com/united-manufacturing-hub/syncengine/pkg/transport"
)

// Events every protocol controller understands on top of the reserved ones.
const (
	// EventPendQ announces new background work in the pending queue.
	EventPendQ statemachine.EventType = statemachine.EventLast + 1 + iota
	// EventPendQHot announces work a user is waiting for.
	EventPendQHot
	// EventPark asks the controller to stop working and disconnect.
	EventPark
	EventLast = EventPark
)

var baseEvents = map[statemachine.EventType]string{
	EventPendQ:    "PendQ",
	EventPendQHot: "PendQHot",
	EventPark:     "Park",
}

// BackEndState is the coarse account status shown to the user.
type BackEndState int

const (
	BackEndNotYetStarted BackEndState = iota
	BackEndRunning
	BackEndCredWait
	BackEndServerConfWait
	BackEndCertAskWait
	BackEndPostAutoDPreInboxSync
	BackEndPostAutoDPostInboxSync
)

func (s BackEndState) String() string {
	switch s {
	case BackEndNotYetStarted:
		return "not_yet_started"
	case BackEndRunning:
		return "running"
	case BackEndCredWait:
		return "cred_wait"
	case BackEndServerConfWait:
		return "server_conf_wait"
	case BackEndCertAskWait:
		return "cert_ask_wait"
	case BackEndPostAutoDPreInboxSync:
		return "post_autod_pre_inbox_sync"
	case BackEndPostAutoDPostInboxSync:
		return "post_autod_post_inbox_sync"
	default:
		return fmt.Sprintf("backend_state_%d", int(s))
	}
}

// AutoDFailure tells the user why server settings are needed.
type AutoDFailure string

const (
	AutoDCannotFindServer AutoDFailure = "cannot_find_server"
	AutoDCannotConnect    AutoDFailure = "cannot_connect"
	AutoDServerRejected   AutoDFailure = "server_rejected"
)

// stateClass groups protocol states for BackEndState.
type stateClass int

const (
	classRunning stateClass = iota
	classStart
	classDiscovery
	classCredWait
	classServerConfWait
	classCertAskWait
)

// Credentials authenticate an account against its server.
type Credentials struct {
	Username string `json:"username" yaml:"username"`
	Password string `json:"-"        yaml:"password"`
}

// Fingerprint identifies the credentials in logs without revealing them.
func (c Credentials) Fingerprint() string {
	sum := sha3.Sum256([]byte(c.Username + "\x00" + c.Password))

	return hex.EncodeToString(sum[:8])
}

// Equal compares in constant time.
func (c Credentials) Equal(o Credentials) bool {
	return subtle.ConstantTimeCompare([]byte(c.Username), []byte(o.Username)) == 1 &&
		subtle.ConstantTimeCompare([]byte(c.Password), []byte(o.Password)) == 1
}

func (c Credentials) apply(req *transport.Request) {
	if c.Username == "" {
		return
	}

	token := base64.StdEncoding.EncodeToString([]byte(c.Username + ":" + c.Password))
	req.Header.Set("Authorization", "Basic "+token)
}

// ServerConfig is where an account's server lives.
type ServerConfig struct {
	Host string `json:"host" yaml:"host"`
	Port int    `json:"port" yaml:"port"`
	TLS  bool   `json:"tls"  yaml:"tls"`
}

// StatusFunc is told about every BackEndState change of a controller.
type StatusFunc func(accountID, protocol string, state BackEndState)

// Owner answers the questions a controller cannot answer itself. The
// callbacks run on the dispatching goroutine and must not block; answers
// come back through CredResp, ServerConfResp and CertAskResp.
type Owner interface {
	CredReq(accountID, protocol string)
	ServConfReq(accountID, protocol string, reason AutoDFailure)
	CertAskReq(accountID, protocol string, subject string)
}

type logOwner struct {
	logger *zap.SugaredLogger
}

func (o logOwner) CredReq(accountID, protocol string) {
	o.logger.Warnf("%s needs new credentials for %s", accountID, protocol)
}

func (o logOwner) ServConfReq(accountID, protocol string, reason AutoDFailure) {
	o.logger.Warnf("%s needs server settings for %s: %s", accountID, protocol, reason)
}

func (o logOwner) CertAskReq(accountID, protocol string, subject string) {
	o.logger.Warnf("%s must confirm the server certificate %q for %s", accountID, subject, protocol)
}
