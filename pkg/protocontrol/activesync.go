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
	"sync/atomic"

	"github.com/united-manufacturing-hub/syncengine/pkg/command"
	"github.com/united-manufacturing-hub/syncengine/pkg/constants"
	"github.com/united-manufacturing-hub/syncengine/pkg/logger"
	"github.com/united-manufacturing-hub/syncengine/pkg/pending"
	sm "github.com/united-manufacturing-hub/syncengine/pkg/statemachine"
)

const ProtocolActiveSync = "activesync"

// ActiveSync states.
const (
	AsDiscW sm.State = sm.StateLast + 1 + iota
	AsUiDCrdW
	AsUiPCrdW
	AsUiServConfW
	AsUiCertOkW
	AsOptW
	AsProvW
	AsSettingsW
	AsFSyncW
	AsFSync2W
	AsSyncW
	AsPingW
	AsQOpW
	AsHotQOpW
	AsFetchW
	AsIdleW
	AsParked
)

// ActiveSync events.
const (
	AsAuthFail sm.EventType = EventLast + 1 + iota
	AsGetServConf
	AsGetCertOk
	AsReDisc
	AsReProv
	AsReSync
	AsReFSync
	AsWait
	AsWipe
	AsUiSetCred
	AsUiSetServConf
	AsUiCertOkYes
	AsUiCertOkNo
)

var activeSyncProtocol = protocol{
	name:      ProtocolActiveSync,
	component: logger.ComponentAsControl,
	caps:      []pending.Capability{pending.CapabilityEmailReaderWriter, pending.CapabilityEmailSender},
	states: map[sm.State]string{
		AsDiscW:       "DiscW",
		AsUiDCrdW:     "UiDCrdW",
		AsUiPCrdW:     "UiPCrdW",
		AsUiServConfW: "UiServConfW",
		AsUiCertOkW:   "UiCertOkW",
		AsOptW:        "OptW",
		AsProvW:       "ProvW",
		AsSettingsW:   "SettingsW",
		AsFSyncW:      "FSyncW",
		AsFSync2W:     "FSync2W",
		AsSyncW:       "SyncW",
		AsPingW:       "PingW",
		AsQOpW:        "QOpW",
		AsHotQOpW:     "HotQOpW",
		AsFetchW:      "FetchW",
		AsIdleW:       "IdleW",
		AsParked:      ParkedName,
	},
	events: map[sm.EventType]string{
		AsAuthFail:      "AuthFail",
		AsGetServConf:   "GetServConf",
		AsGetCertOk:     "GetCertOk",
		AsReDisc:        "ReDisc",
		AsReProv:        "ReProv",
		AsReSync:        "ReSync",
		AsReFSync:       "ReFSync",
		AsWait:          "Wait",
		AsWipe:          "Wipe",
		AsUiSetCred:     "UiSetCred",
		AsUiSetServConf: "UiSetServConf",
		AsUiCertOkYes:   "UiCertOkYes",
		AsUiCertOkNo:    "UiCertOkNo",
	},
	status: map[string]sm.EventType{
		"authfail": AsAuthFail,
		"servconf": AsGetServConf,
		"certask":  AsGetCertOk,
		"redisc":   AsReDisc,
		"reprov":   AsReProv,
		"resync":   AsReSync,
		"refsync":  AsReFSync,
		"wait":     AsWait,
		"wipe":     AsWipe,
	},
	authFail:    AsAuthFail,
	getServConf: AsGetServConf,
	parked:      AsParked,
	idle:        AsIdleW,
	qop:         AsQOpW,
	hotQop:      AsHotQOpW,
	fetch:       AsFetchW,
	fsync:       AsFSyncW,
	sync:        AsSyncW,
	ping:        AsPingW,
	classes: map[sm.State]stateClass{
		AsDiscW:       classDiscovery,
		AsOptW:        classDiscovery,
		AsProvW:       classDiscovery,
		AsSettingsW:   classDiscovery,
		AsUiDCrdW:     classCredWait,
		AsUiPCrdW:     classCredWait,
		AsUiServConfW: classServerConfWait,
		AsUiCertOkW:   classCertAskWait,
	},
	resume: map[sm.State]sm.State{
		AsUiDCrdW:     AsDiscW,
		AsUiPCrdW:     AsOptW,
		AsUiServConfW: AsDiscW,
		AsUiCertOkW:   AsDiscW,
	},
}

// ActiveSync speaks to an Exchange style server: discovery, options,
// provisioning and settings come before the first folder sync.
type ActiveSync struct {
	*Control

	certAccepted atomic.Bool
}

func NewActiveSync(cfg Config) (*ActiveSync, error) {
	a := &ActiveSync{}

	p := activeSyncProtocol
	p.nodes = a.nodes

	c, err := newControl(cfg, &p)
	if err != nil {
		return nil, err
	}

	a.Control = c

	return a, nil
}

func (a *ActiveSync) doDisc(m *sm.Machine, ev sm.Event) (sm.State, bool) {
	a.presetBackEnd(BackEndRunning)
	a.run(a.exchange("discover", asDiscoverParams{
		discoverParams:    discoverParams{SkipAutodiscovery: a.forceServer.Load()},
		AcceptCertificate: a.certAccepted.Load(),
	}, constants.DiscoveryRetries))

	return 0, false
}

type asDiscoverParams struct {
	discoverParams

	AcceptCertificate bool `json:"acceptCertificate,omitempty"`
}

func (a *ActiveSync) doUiCertOkReq(_ *sm.Machine, ev sm.Event) (sm.State, bool) {
	var subject string

	res, _ := command.ResultOf(ev)
	if r := replyOf(res); r != nil {
		subject = r.Subject
	}

	a.CancelCmd()
	a.presetBackEnd(BackEndCertAskWait)
	a.cfg.Owner.CertAskReq(a.cfg.AccountID, a.proto.name, subject)

	return 0, false
}

func (a *ActiveSync) doCertOkYes(m *sm.Machine, ev sm.Event) (sm.State, bool) {
	a.certAccepted.Store(true)

	return a.doDisc(m, ev)
}

func (a *ActiveSync) doCertOkNo(m *sm.Machine, _ sm.Event) (sm.State, bool) {
	return a.doUiServConfReq(m, sm.Event{Type: AsUiCertOkNo, Arg: AutoDServerRejected})
}

func (a *ActiveSync) doOpt(*sm.Machine, sm.Event) (sm.State, bool) {
	a.run(a.exchange("options", nil, 0))

	return 0, false
}

func (a *ActiveSync) doProv(*sm.Machine, sm.Event) (sm.State, bool) {
	a.run(a.newProvision())

	return 0, false
}

func (a *ActiveSync) doSettings(*sm.Machine, sm.Event) (sm.State, bool) {
	a.run(a.exchange("settings", nil, 0))

	return 0, false
}

// doFSync2Done finishes the folder sync the server asked to repeat and
// goes straight to the inbox.
func (a *ActiveSync) doFSync2Done(m *sm.Machine, ev sm.Event) (sm.State, bool) {
	a.needFSync = false

	return a.doSync(m, ev)
}

func (a *ActiveSync) nodes(c *Control) []sm.Node {
	p := c.proto
	disc := a.doDisc
	reach := p.pickReach()
	with := func(s sm.State) []sm.State { return append([]sm.State{s}, reach...) }

	connected := func(extra ...sm.Trans) []sm.Trans {
		return append(extra,
			sm.To(AsAuthFail, c.doUiCredReq, AsUiPCrdW),
			sm.To(AsReDisc, disc, AsDiscW),
			sm.To(AsReProv, a.doProv, AsProvW),
			sm.To(AsReSync, c.doSync, AsSyncW),
			sm.To(AsReFSync, c.doReFSync, AsFSyncW),
			sm.To(AsWait, c.doWait, AsIdleW),
			c.park(),
		)
	}

	opNode := func(state sm.State, launch sm.Trans) sm.Node {
		return sm.Node{
			State: state,
			Drop:  events(EventPendQ, AsUiSetCred, AsUiSetServConf),
			On: connected(
				launch,
				sm.Dyn(sm.EventSuccess, c.doPick, reach...),
				sm.Dyn(sm.EventHardFail, c.doPick, reach...),
				sm.Dyn(sm.EventTempFail, c.doOpTempFail, with(state)...),
				sm.Dyn(EventPendQHot, c.doExtraOrDont, with(state)...),
			),
		}
	}

	// setup states run before the account is usable, user input restarts them
	setup := func(state sm.State, launch sm.Action, on ...sm.Trans) sm.Node {
		return sm.Node{
			State: state,
			Drop:  events(EventPendQ, EventPendQHot, AsUiSetCred, AsUiSetServConf),
			On: append(on,
				sm.To(sm.EventLaunch, launch, state),
				sm.To(AsAuthFail, c.doUiCredReq, AsUiPCrdW),
				sm.To(AsReDisc, disc, AsDiscW),
				c.park(),
			),
		}
	}

	userWait := func(state sm.State, launch sm.Action, on ...sm.Trans) sm.Node {
		return sm.Node{
			State: state,
			Drop:  events(EventPendQ, EventPendQHot),
			On: append(on,
				sm.To(sm.EventLaunch, launch, state),
				sm.To(AsUiSetServConf, disc, AsDiscW),
				c.park(),
			),
		}
	}

	return seal(p.allEvents(),
		sm.Node{
			State: sm.StateStart,
			Drop: events(EventPendQ, EventPendQHot, AsUiSetCred, AsUiSetServConf,
				AsUiCertOkYes, AsUiCertOkNo, AsGetServConf),
			On: []sm.Trans{
				sm.To(sm.EventLaunch, disc, AsDiscW),
				sm.To(AsReDisc, disc, AsDiscW),
				c.park(),
			},
		},
		sm.Node{
			State: AsDiscW,
			Drop:  events(EventPendQ, EventPendQHot),
			On: []sm.Trans{
				sm.To(sm.EventLaunch, disc, AsDiscW),
				sm.To(sm.EventSuccess, a.doOpt, AsOptW),
				sm.To(sm.EventTempFail, c.doDiscTempFail, AsDiscW),
				sm.To(sm.EventHardFail, c.doDiscHardFail, AsDiscW),
				sm.To(AsAuthFail, c.doUiCredReq, AsUiDCrdW),
				sm.To(AsGetServConf, c.doUiServConfReq, AsUiServConfW),
				sm.To(AsGetCertOk, a.doUiCertOkReq, AsUiCertOkW),
				sm.To(AsReDisc, disc, AsDiscW),
				sm.To(AsUiSetCred, disc, AsDiscW),
				sm.To(AsUiSetServConf, disc, AsDiscW),
				c.park(),
			},
		},
		userWait(AsUiDCrdW, c.doUiCredReq, sm.To(AsUiSetCred, disc, AsDiscW)),
		userWait(AsUiPCrdW, c.doUiCredReq, sm.To(AsUiSetCred, a.doOpt, AsOptW)),
		userWait(AsUiServConfW, c.doUiServConfReq, sm.To(AsUiSetCred, disc, AsDiscW)),
		userWait(AsUiCertOkW, a.doUiCertOkReq,
			sm.To(AsUiSetCred, disc, AsDiscW),
			sm.To(AsUiCertOkYes, a.doCertOkYes, AsDiscW),
			sm.To(AsUiCertOkNo, a.doCertOkNo, AsUiServConfW),
		),
		setup(AsOptW, a.doOpt,
			sm.To(sm.EventSuccess, a.doProv, AsProvW),
			sm.To(sm.EventTempFail, c.doRetryOrFail, AsOptW),
			// servers too old for options go straight to provisioning
			sm.To(sm.EventHardFail, a.doProv, AsProvW),
		),
		setup(AsProvW, a.doProv,
			sm.To(sm.EventSuccess, a.doSettings, AsSettingsW),
			sm.To(sm.EventTempFail, a.doProv, AsProvW),
			sm.To(sm.EventHardFail, disc, AsDiscW),
			sm.To(AsReProv, a.doProv, AsProvW),
			sm.To(AsReSync, a.doProv, AsProvW),
		),
		setup(AsSettingsW, a.doSettings,
			sm.To(sm.EventSuccess, c.doFSync, AsFSyncW),
			sm.To(sm.EventTempFail, c.doRetryOrFail, AsSettingsW),
			// settings are informational, a refusal does not block sync
			sm.To(sm.EventHardFail, c.doFSync, AsFSyncW),
			sm.To(AsReProv, a.doProv, AsProvW),
		),
		sm.Node{
			State: AsFSyncW,
			Drop:  events(EventPendQ, AsUiSetCred, AsUiSetServConf),
			On: []sm.Trans{
				sm.To(sm.EventLaunch, c.doFSync, AsFSyncW),
				sm.Dyn(sm.EventSuccess, c.doFSyncDone, reach...),
				sm.To(sm.EventTempFail, c.doRetryOrFail, AsFSyncW),
				sm.To(sm.EventHardFail, disc, AsDiscW),
				sm.To(AsReSync, c.doFSync, AsFSync2W),
				sm.To(AsAuthFail, c.doUiCredReq, AsUiPCrdW),
				sm.To(AsReDisc, disc, AsDiscW),
				sm.To(AsReProv, a.doProv, AsProvW),
				sm.To(AsReFSync, c.doReFSync, AsFSyncW),
				sm.To(AsWait, c.doWait, AsIdleW),
				sm.Dyn(EventPendQHot, c.doExtraOrDont, with(AsFSyncW)...),
				c.park(),
			},
		},
		sm.Node{
			State: AsFSync2W,
			Drop:  events(EventPendQ, AsUiSetCred, AsUiSetServConf),
			On: []sm.Trans{
				sm.To(sm.EventLaunch, c.doFSync, AsFSync2W),
				sm.To(sm.EventSuccess, a.doFSync2Done, AsSyncW),
				sm.To(sm.EventTempFail, c.doRetryOrFail, AsFSync2W),
				sm.To(sm.EventHardFail, disc, AsDiscW),
				sm.To(AsReSync, c.doFSync, AsFSync2W),
				sm.To(AsAuthFail, c.doUiCredReq, AsUiPCrdW),
				sm.To(AsReDisc, disc, AsDiscW),
				sm.To(AsReProv, a.doProv, AsProvW),
				sm.To(AsReFSync, c.doReFSync, AsFSyncW),
				sm.To(AsWait, c.doWait, AsIdleW),
				sm.Dyn(EventPendQHot, c.doExtraOrDont, with(AsFSync2W)...),
				c.park(),
			},
		},
		sm.Node{
			State: AsSyncW,
			Drop:  events(EventPendQ, AsUiSetCred, AsUiSetServConf),
			On: []sm.Trans{
				sm.Dyn(sm.EventLaunch, c.doPick, reach...),
				sm.Dyn(sm.EventSuccess, c.doSyncDone, reach...),
				sm.Dyn(sm.EventTempFail, c.doPick, reach...),
				sm.Dyn(sm.EventHardFail, c.doPick, reach...),
				sm.Dyn(EventPendQHot, c.doExtraOrDont, with(AsSyncW)...),
				sm.To(AsAuthFail, c.doUiCredReq, AsUiPCrdW),
				sm.To(AsReDisc, disc, AsDiscW),
				sm.To(AsReProv, a.doProv, AsProvW),
				sm.To(AsReSync, c.doSync, AsSyncW),
				sm.To(AsReFSync, c.doReFSync, AsFSyncW),
				sm.To(AsWait, c.doWait, AsIdleW),
				c.park(),
			},
		},
		sm.Node{
			State: AsPingW,
			Drop:  events(AsUiSetCred, AsUiSetServConf),
			On: connected(
				sm.Dyn(sm.EventLaunch, c.doPick, reach...),
				sm.Dyn(sm.EventSuccess, c.doPick, reach...),
				sm.Dyn(sm.EventTempFail, c.doPick, reach...),
				sm.Dyn(sm.EventHardFail, c.doPick, reach...),
				sm.Dyn(EventPendQ, c.doPick, reach...),
				sm.Dyn(EventPendQHot, c.doPick, reach...),
			),
		},
		opNode(AsQOpW, sm.Dyn(sm.EventLaunch, c.doPick, reach...)),
		opNode(AsHotQOpW, sm.Dyn(sm.EventLaunch, c.doNopOrPick, with(AsHotQOpW)...)),
		opNode(AsFetchW, sm.Dyn(sm.EventLaunch, c.doPick, reach...)),
		sm.Node{
			State:   AsIdleW,
			Drop:    events(AsUiSetCred, AsUiSetServConf),
			Invalid: events(sm.EventHardFail, AsAuthFail, AsWait, AsGetServConf),
			On: []sm.Trans{
				sm.Dyn(sm.EventLaunch, c.doPick, reach...),
				sm.Dyn(sm.EventSuccess, c.doPick, reach...),
				sm.Dyn(sm.EventTempFail, c.doPick, reach...),
				sm.Dyn(EventPendQ, c.doPick, reach...),
				sm.Dyn(EventPendQHot, c.doPick, reach...),
				sm.To(AsReDisc, disc, AsDiscW),
				sm.To(AsReProv, a.doProv, AsProvW),
				sm.To(AsReSync, c.doSync, AsSyncW),
				sm.To(AsReFSync, c.doReFSync, AsFSyncW),
				c.park(),
			},
		},
		sm.Node{
			State: AsParked,
			Drop: events(sm.EventTempFail, sm.EventHardFail, EventPendQ, EventPendQHot,
				AsAuthFail, AsGetServConf, AsGetCertOk, AsReDisc, AsReProv, AsReSync, AsReFSync,
				AsWait, AsWipe, AsUiSetCred, AsUiSetServConf, AsUiCertOkYes, AsUiCertOkNo),
			On: []sm.Trans{
				sm.Dyn(sm.EventLaunch, c.doDrive, p.driveReach()...),
				sm.To(sm.EventSuccess, c.doParkFinish, AsParked),
				sm.To(EventPark, c.doReparked, AsParked),
			},
		},
	)
}
