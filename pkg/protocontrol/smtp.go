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

const ProtocolSmtp = "smtp"

// SMTP states.
const (
	SmtpDiscW sm.State = sm.StateLast + 1 + iota
	SmtpConnW
	SmtpUiCrdW
	SmtpUiServConfW
	SmtpQOpW
	SmtpHotQOpW
	SmtpIdleW
	SmtpParked
)

// SMTP events.
const (
	SmtpAuthFail sm.EventType = EventLast + 1 + iota
	SmtpGetServConf
	SmtpReDisc
	SmtpUiSetCred
	SmtpUiSetServConf
)

var smtpProtocol = protocol{
	name:      ProtocolSmtp,
	component: logger.ComponentSmtpControl,
	caps:      []pending.Capability{pending.CapabilityEmailSender},
	states: map[sm.State]string{
		SmtpDiscW:       "DiscW",
		SmtpConnW:       "ConnW",
		SmtpUiCrdW:      "UiCrdW",
		SmtpUiServConfW: "UiServConfW",
		SmtpQOpW:        "QOpW",
		SmtpHotQOpW:     "HotQOpW",
		SmtpIdleW:       "IdleW",
		SmtpParked:      ParkedName,
	},
	events: map[sm.EventType]string{
		SmtpAuthFail:      "AuthFail",
		SmtpGetServConf:   "GetServConf",
		SmtpReDisc:        "ReDisc",
		SmtpUiSetCred:     "UiSetCred",
		SmtpUiSetServConf: "UiSetServConf",
	},
	status: map[string]sm.EventType{
		"authfail": SmtpAuthFail,
		"servconf": SmtpGetServConf,
		"redisc":   SmtpReDisc,
	},
	authFail:    SmtpAuthFail,
	getServConf: SmtpGetServConf,
	parked:      SmtpParked,
	idle:        SmtpIdleW,
	qop:         SmtpQOpW,
	hotQop:      SmtpHotQOpW,
	classes: map[sm.State]stateClass{
		SmtpDiscW:       classDiscovery,
		SmtpConnW:       classDiscovery,
		SmtpUiCrdW:      classCredWait,
		SmtpUiServConfW: classServerConfWait,
	},
	resume: map[sm.State]sm.State{
		SmtpUiCrdW:      SmtpDiscW,
		SmtpUiServConfW: SmtpDiscW,
	},
}

// Smtp sends mail. It has no folders to sync: once connected it only runs
// queued sends and otherwise idles.
type Smtp struct {
	*Control
}

func NewSmtp(cfg Config) (*Smtp, error) {
	p := smtpProtocol
	p.nodes = smtpNodes

	c, err := newControl(cfg, &p)
	if err != nil {
		return nil, err
	}

	return &Smtp{Control: c}, nil
}

func smtpNodes(c *Control) []sm.Node {
	p := c.proto
	disc := c.doDisc("discover")
	reach := p.pickReach()
	opReach := append([]sm.State{SmtpQOpW}, reach...)
	hotReach := append([]sm.State{SmtpHotQOpW}, reach...)

	return seal(p.allEvents(),
		sm.Node{
			State: sm.StateStart,
			Drop:  events(EventPendQ, EventPendQHot, SmtpGetServConf),
			On: []sm.Trans{
				sm.To(sm.EventLaunch, disc, SmtpDiscW),
				sm.To(SmtpReDisc, disc, SmtpDiscW),
				sm.To(SmtpUiSetCred, disc, SmtpDiscW),
				sm.To(SmtpUiSetServConf, disc, SmtpDiscW),
				c.park(),
			},
		},
		sm.Node{
			State: SmtpDiscW,
			Drop:  events(EventPendQ, EventPendQHot),
			On: []sm.Trans{
				sm.To(sm.EventLaunch, disc, SmtpDiscW),
				sm.To(sm.EventSuccess, c.doConn, SmtpConnW),
				sm.To(sm.EventTempFail, c.doDiscTempFail, SmtpDiscW),
				sm.To(sm.EventHardFail, c.doDiscHardFail, SmtpDiscW),
				sm.To(SmtpAuthFail, c.doUiCredReq, SmtpUiCrdW),
				sm.To(SmtpGetServConf, c.doUiServConfReq, SmtpUiServConfW),
				sm.To(SmtpReDisc, disc, SmtpDiscW),
				sm.To(SmtpUiSetCred, disc, SmtpDiscW),
				sm.To(SmtpUiSetServConf, disc, SmtpDiscW),
				c.park(),
			},
		},
		sm.Node{
			State: SmtpConnW,
			Drop:  events(EventPendQ, EventPendQHot),
			On: []sm.Trans{
				sm.To(sm.EventLaunch, c.doConn, SmtpConnW),
				sm.Dyn(sm.EventSuccess, c.doPick, reach...),
				sm.To(sm.EventTempFail, c.doRetryOrFail, SmtpConnW),
				sm.To(sm.EventHardFail, c.doUiServConfReq, SmtpUiServConfW),
				sm.To(SmtpAuthFail, c.doUiCredReq, SmtpUiCrdW),
				sm.To(SmtpGetServConf, c.doUiServConfReq, SmtpUiServConfW),
				sm.To(SmtpReDisc, disc, SmtpDiscW),
				sm.To(SmtpUiSetCred, disc, SmtpDiscW),
				sm.To(SmtpUiSetServConf, disc, SmtpDiscW),
				c.park(),
			},
		},
		sm.Node{
			State: SmtpUiCrdW,
			Drop:  events(EventPendQ, EventPendQHot),
			On: []sm.Trans{
				sm.To(sm.EventLaunch, c.doUiCredReq, SmtpUiCrdW),
				sm.To(SmtpUiSetCred, disc, SmtpDiscW),
				sm.To(SmtpUiSetServConf, disc, SmtpDiscW),
				c.park(),
			},
		},
		sm.Node{
			State: SmtpUiServConfW,
			Drop:  events(EventPendQ, EventPendQHot),
			On: []sm.Trans{
				sm.To(sm.EventLaunch, c.doUiServConfReq, SmtpUiServConfW),
				sm.To(SmtpUiSetServConf, disc, SmtpDiscW),
				sm.To(SmtpUiSetCred, disc, SmtpDiscW),
				c.park(),
			},
		},
		smtpOpNode(c, SmtpQOpW, sm.Dyn(sm.EventLaunch, c.doPick, reach...), opReach, hotReach),
		smtpOpNode(c, SmtpHotQOpW, sm.Dyn(sm.EventLaunch, c.doNopOrPick, hotReach...), hotReach, hotReach),
		sm.Node{
			State: SmtpIdleW,
			Drop:  events(SmtpUiSetCred, SmtpUiSetServConf),
			On: []sm.Trans{
				sm.Dyn(sm.EventLaunch, c.doPick, reach...),
				sm.Dyn(sm.EventSuccess, c.doPick, reach...),
				sm.Dyn(sm.EventTempFail, c.doPick, reach...),
				sm.Dyn(EventPendQ, c.doPick, reach...),
				sm.Dyn(EventPendQHot, c.doPick, reach...),
				sm.To(SmtpReDisc, disc, SmtpDiscW),
				c.park(),
			},
		},
		sm.Node{
			State: SmtpParked,
			Drop: events(sm.EventTempFail, sm.EventHardFail, EventPendQ, EventPendQHot,
				SmtpAuthFail, SmtpGetServConf, SmtpReDisc, SmtpUiSetCred, SmtpUiSetServConf),
			On: []sm.Trans{
				sm.Dyn(sm.EventLaunch, c.doDrive, p.driveReach()...),
				sm.To(sm.EventSuccess, c.doParkFinish, SmtpParked),
				sm.To(EventPark, c.doReparked, SmtpParked),
			},
		},
	)
}

func smtpOpNode(c *Control, state sm.State, launch sm.Trans, tempReach, extraReach []sm.State) sm.Node {
	reach := c.proto.pickReach()

	return sm.Node{
		State: state,
		Drop:  events(EventPendQ, SmtpUiSetCred, SmtpUiSetServConf),
		On: []sm.Trans{
			launch,
			sm.Dyn(sm.EventSuccess, c.doPick, reach...),
			sm.Dyn(sm.EventHardFail, c.doPick, reach...),
			sm.Dyn(sm.EventTempFail, c.doOpTempFail, tempReach...),
			sm.Dyn(EventPendQHot, c.doExtraOrDont, extraReach...),
			sm.To(SmtpAuthFail, c.doUiCredReq, SmtpUiCrdW),
			sm.To(SmtpGetServConf, c.doUiServConfReq, SmtpUiServConfW),
			sm.To(SmtpReDisc, c.doDisc("discover"), SmtpDiscW),
			c.park(),
		},
	}
}
