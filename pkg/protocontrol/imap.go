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
	"github.com/united-manufacturing-hub/syncengine/pkg/logger"
	"github.com/united-manufacturing-hub/syncengine/pkg/pending"
	sm "github.com/united-manufacturing-hub/syncengine/pkg/statemachine"
)

const ProtocolImap = "imap"

// IMAP states.
const (
	ImapDiscW sm.State = sm.StateLast + 1 + iota
	ImapUiCrdW
	ImapUiServConfW
	ImapFSyncW
	ImapSyncW
	ImapPingW
	ImapQOpW
	ImapHotQOpW
	ImapFetchW
	ImapIdleW
	ImapParked
)

// IMAP events.
const (
	ImapAuthFail sm.EventType = EventLast + 1 + iota
	ImapGetServConf
	ImapReDisc
	ImapReFSync
	ImapWait
	ImapUiSetCred
	ImapUiSetServConf
)

var imapProtocol = protocol{
	name:      ProtocolImap,
	component: logger.ComponentImapControl,
	caps:      []pending.Capability{pending.CapabilityEmailReaderWriter},
	states: map[sm.State]string{
		ImapDiscW:       "DiscW",
		ImapUiCrdW:      "UiCrdW",
		ImapUiServConfW: "UiServConfW",
		ImapFSyncW:      "FSyncW",
		ImapSyncW:       "SyncW",
		ImapPingW:       "PingW",
		ImapQOpW:        "QOpW",
		ImapHotQOpW:     "HotQOpW",
		ImapFetchW:      "FetchW",
		ImapIdleW:       "IdleW",
		ImapParked:      ParkedName,
	},
	events: map[sm.EventType]string{
		ImapAuthFail:      "AuthFail",
		ImapGetServConf:   "GetServConf",
		ImapReDisc:        "ReDisc",
		ImapReFSync:       "ReFSync",
		ImapWait:          "Wait",
		ImapUiSetCred:     "UiSetCred",
		ImapUiSetServConf: "UiSetServConf",
	},
	status: map[string]sm.EventType{
		"authfail": ImapAuthFail,
		"servconf": ImapGetServConf,
		"redisc":   ImapReDisc,
		"refsync":  ImapReFSync,
		"wait":     ImapWait,
	},
	authFail:    ImapAuthFail,
	getServConf: ImapGetServConf,
	parked:      ImapParked,
	idle:        ImapIdleW,
	qop:         ImapQOpW,
	hotQop:      ImapHotQOpW,
	fetch:       ImapFetchW,
	fsync:       ImapFSyncW,
	sync:        ImapSyncW,
	ping:        ImapPingW,
	classes: map[sm.State]stateClass{
		ImapDiscW:       classDiscovery,
		ImapUiCrdW:      classCredWait,
		ImapUiServConfW: classServerConfWait,
	},
	resume: map[sm.State]sm.State{
		ImapUiCrdW:      ImapDiscW,
		ImapUiServConfW: ImapDiscW,
	},
}

// Imap reads and manages a mailbox: discovery, folder sync, inbox sync,
// queued operations and push through a long poll.
type Imap struct {
	*Control
}

func NewImap(cfg Config) (*Imap, error) {
	p := imapProtocol
	p.nodes = imapNodes

	c, err := newControl(cfg, &p)
	if err != nil {
		return nil, err
	}

	return &Imap{Control: c}, nil
}

func imapNodes(c *Control) []sm.Node {
	p := c.proto
	disc := c.doDisc("discover")
	reach := p.pickReach()
	with := func(s sm.State) []sm.State { return append([]sm.State{s}, reach...) }

	// events that mean the same wherever a connection is up
	connected := func(extra ...sm.Trans) []sm.Trans {
		return append(extra,
			sm.To(ImapAuthFail, c.doUiCredReq, ImapUiCrdW),
			sm.To(ImapReDisc, disc, ImapDiscW),
			sm.To(ImapReFSync, c.doReFSync, ImapFSyncW),
			sm.To(ImapWait, c.doWait, ImapIdleW),
			c.park(),
		)
	}

	opNode := func(state sm.State, launch sm.Trans) sm.Node {
		return sm.Node{
			State:   state,
			Drop:    events(EventPendQ, ImapUiSetCred, ImapUiSetServConf),
			Invalid: events(ImapGetServConf),
			On: connected(
				launch,
				sm.Dyn(sm.EventSuccess, c.doPick, reach...),
				sm.Dyn(sm.EventHardFail, c.doPick, reach...),
				sm.Dyn(sm.EventTempFail, c.doOpTempFail, with(state)...),
				sm.Dyn(EventPendQHot, c.doExtraOrDont, with(state)...),
			),
		}
	}

	return seal(p.allEvents(),
		sm.Node{
			State: sm.StateStart,
			Drop:  events(EventPendQ, EventPendQHot, ImapUiSetCred, ImapUiSetServConf, ImapGetServConf),
			On: []sm.Trans{
				sm.To(sm.EventLaunch, disc, ImapDiscW),
				sm.To(ImapReDisc, disc, ImapDiscW),
				c.park(),
			},
		},
		sm.Node{
			State:   ImapDiscW,
			Drop:    events(EventPendQ, EventPendQHot),
			Invalid: events(ImapReDisc, ImapReFSync, ImapWait),
			On: []sm.Trans{
				sm.To(sm.EventLaunch, disc, ImapDiscW),
				sm.To(sm.EventSuccess, c.doFSync, ImapFSyncW),
				sm.To(sm.EventTempFail, c.doDiscTempFail, ImapDiscW),
				sm.To(sm.EventHardFail, c.doDiscHardFail, ImapDiscW),
				sm.To(ImapAuthFail, c.doUiCredReq, ImapUiCrdW),
				sm.To(ImapGetServConf, c.doUiServConfReq, ImapUiServConfW),
				sm.To(ImapUiSetCred, disc, ImapDiscW),
				sm.To(ImapUiSetServConf, disc, ImapDiscW),
				c.park(),
			},
		},
		sm.Node{
			State: ImapUiCrdW,
			Drop:  events(EventPendQ, EventPendQHot),
			On: []sm.Trans{
				sm.To(sm.EventLaunch, c.doUiCredReq, ImapUiCrdW),
				sm.To(ImapUiSetCred, disc, ImapDiscW),
				sm.To(ImapUiSetServConf, disc, ImapDiscW),
				c.park(),
			},
		},
		sm.Node{
			State: ImapUiServConfW,
			Drop:  events(EventPendQ, EventPendQHot),
			On: []sm.Trans{
				sm.To(sm.EventLaunch, c.doUiServConfReq, ImapUiServConfW),
				sm.To(ImapUiSetServConf, disc, ImapDiscW),
				sm.To(ImapUiSetCred, disc, ImapDiscW),
				c.park(),
			},
		},
		sm.Node{
			State:   ImapFSyncW,
			Drop:    events(EventPendQ),
			Invalid: events(ImapGetServConf),
			On: []sm.Trans{
				sm.To(sm.EventLaunch, c.doFSync, ImapFSyncW),
				sm.Dyn(sm.EventSuccess, c.doFSyncDone, reach...),
				sm.To(sm.EventTempFail, c.doRetryOrFail, ImapFSyncW),
				sm.To(sm.EventHardFail, disc, ImapDiscW),
				sm.To(ImapAuthFail, c.doUiCredReq, ImapUiCrdW),
				sm.To(ImapReDisc, disc, ImapDiscW),
				sm.To(ImapReFSync, c.doReFSync, ImapFSyncW),
				sm.To(ImapWait, c.doWait, ImapIdleW),
				sm.Dyn(EventPendQHot, c.doExtraOrDont, with(ImapFSyncW)...),
				sm.To(ImapUiSetCred, disc, ImapDiscW),
				sm.To(ImapUiSetServConf, disc, ImapDiscW),
				c.park(),
			},
		},
		sm.Node{
			State:   ImapSyncW,
			Drop:    events(EventPendQ, ImapUiSetCred, ImapUiSetServConf),
			Invalid: events(ImapGetServConf),
			On: connected(
				sm.Dyn(sm.EventLaunch, c.doPick, reach...),
				sm.Dyn(sm.EventSuccess, c.doSyncDone, reach...),
				sm.Dyn(sm.EventTempFail, c.doPick, reach...),
				sm.Dyn(sm.EventHardFail, c.doPick, reach...),
				sm.Dyn(EventPendQHot, c.doExtraOrDont, with(ImapSyncW)...),
			),
		},
		sm.Node{
			State:   ImapPingW,
			Drop:    events(ImapUiSetCred, ImapUiSetServConf),
			Invalid: events(ImapGetServConf),
			On: connected(
				sm.Dyn(sm.EventLaunch, c.doPick, reach...),
				sm.Dyn(sm.EventSuccess, c.doPick, reach...),
				sm.Dyn(sm.EventTempFail, c.doPick, reach...),
				sm.Dyn(sm.EventHardFail, c.doPick, reach...),
				sm.Dyn(EventPendQ, c.doPick, reach...),
				sm.Dyn(EventPendQHot, c.doPick, reach...),
			),
		},
		opNode(ImapQOpW, sm.Dyn(sm.EventLaunch, c.doPick, reach...)),
		opNode(ImapHotQOpW, sm.Dyn(sm.EventLaunch, c.doNopOrPick, with(ImapHotQOpW)...)),
		opNode(ImapFetchW, sm.Dyn(sm.EventLaunch, c.doPick, reach...)),
		sm.Node{
			State:   ImapIdleW,
			Drop:    events(ImapUiSetCred, ImapUiSetServConf),
			Invalid: events(sm.EventHardFail, ImapAuthFail, ImapWait, ImapGetServConf),
			On: []sm.Trans{
				sm.Dyn(sm.EventLaunch, c.doPick, reach...),
				sm.Dyn(sm.EventSuccess, c.doPick, reach...),
				sm.Dyn(sm.EventTempFail, c.doPick, reach...),
				sm.Dyn(EventPendQ, c.doPick, reach...),
				sm.Dyn(EventPendQHot, c.doPick, reach...),
				sm.To(ImapReDisc, disc, ImapDiscW),
				sm.To(ImapReFSync, c.doReFSync, ImapFSyncW),
				c.park(),
			},
		},
		sm.Node{
			State: ImapParked,
			Drop: events(sm.EventTempFail, sm.EventHardFail, EventPendQ, EventPendQHot,
				ImapAuthFail, ImapGetServConf, ImapReDisc, ImapReFSync, ImapWait, ImapUiSetCred, ImapUiSetServConf),
			On: []sm.Trans{
				sm.Dyn(sm.EventLaunch, c.doDrive, p.driveReach()...),
				sm.To(sm.EventSuccess, c.doParkFinish, ImapParked),
				sm.To(EventPark, c.doReparked, ImapParked),
			},
		},
	)
}
