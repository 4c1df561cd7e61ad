// SPDX-FileCopyrightText: 2024 Streamloft Ltd.
//
// SPDX-License-Identifier: GPL-3.0-or-later

package settings

import (
	"time"

	"github.com/linuxdeepin/go-lib/strv"
	"github.com/streamloft/displayd/display"
	"golang.org/x/xerrors"
)

// fakeDevice is one display device of the fake platform. hdr is the
// state the device reports while active; HdrStateUnknown marks a device
// without HDR support.
type fakeDevice struct {
	mode    display.DisplayMode
	hdr     display.HdrState
	active  bool
	primary bool
}

type appliedHdr struct {
	states display.HdrStateMap
	at     time.Time
}

// fakePlatform implements display.Platform with in-memory state and a
// log of mutating calls.
type fakePlatform struct {
	devices  map[string]*fakeDevice
	topology display.Topology

	calls      []string
	hdrApplied []appliedHdr

	failApplyTopology bool
	failApplyModes    bool
	failApplyHdr      bool
	failSetPrimary    bool
}

func defaultMode(width, height uint32) display.DisplayMode {
	return display.DisplayMode{
		Resolution:  display.Resolution{Width: width, Height: height},
		RefreshRate: display.RefreshRate{Numerator: 60, Denominator: 1},
	}
}

func (p *fakePlatform) EnumDevices() (display.DeviceInfoMap, error) {
	devices := make(display.DeviceInfoMap, len(p.devices))
	for deviceID, device := range p.devices {
		info := display.DeviceInfo{FriendlyName: deviceID}
		switch {
		case device.primary && device.active:
			info.State = display.DeviceStatePrimary
		case device.active:
			info.State = display.DeviceStateActive
		default:
			info.State = display.DeviceStateInactive
		}
		if device.active {
			info.DisplayName = deviceID
			info.HdrState = device.hdr
		} else {
			info.HdrState = display.HdrStateUnknown
		}
		devices[deviceID] = info
	}
	return devices, nil
}

func (p *fakePlatform) CurrentTopology() (display.Topology, error) {
	return p.topology.Clone(), nil
}

func (p *fakePlatform) ApplyTopology(topology display.Topology) error {
	p.calls = append(p.calls, "ApplyTopology")
	if p.failApplyTopology {
		return xerrors.New("topology failure injected")
	}

	active := display.TopologyDeviceIds(topology)
	for deviceID, device := range p.devices {
		device.active = active.Contains(deviceID)
	}
	p.topology = topology.Clone()
	return nil
}

func (p *fakePlatform) DisplayModes(deviceIDs []string) (display.ModeMap, error) {
	modes := make(display.ModeMap, len(deviceIDs))
	for _, deviceID := range deviceIDs {
		device, ok := p.devices[deviceID]
		if !ok || !device.active {
			return nil, xerrors.Errorf("device %s is not active", deviceID)
		}
		modes[deviceID] = device.mode
	}
	return modes, nil
}

func (p *fakePlatform) ApplyDisplayModes(modes display.ModeMap, allowChanges bool) error {
	p.calls = append(p.calls, "ApplyDisplayModes")
	if p.failApplyModes {
		return xerrors.New("modes failure injected")
	}
	for deviceID, mode := range modes {
		if device, ok := p.devices[deviceID]; ok && device.active {
			device.mode = mode
		}
	}
	return nil
}

func (p *fakePlatform) SetPrimary(deviceID string) error {
	p.calls = append(p.calls, "SetPrimary:"+deviceID)
	if p.failSetPrimary {
		return xerrors.New("primary failure injected")
	}

	group := strv.Strv{deviceID}
	for _, candidates := range p.topology {
		if strv.Strv(candidates).Contains(deviceID) {
			group = candidates
			break
		}
	}
	for id, device := range p.devices {
		device.primary = group.Contains(id)
	}
	return nil
}

func (p *fakePlatform) HdrStates(deviceIDs []string) (display.HdrStateMap, error) {
	states := make(display.HdrStateMap, len(deviceIDs))
	for _, deviceID := range deviceIDs {
		device, ok := p.devices[deviceID]
		if ok && device.active {
			states[deviceID] = device.hdr
		} else {
			states[deviceID] = display.HdrStateUnknown
		}
	}
	return states, nil
}

func (p *fakePlatform) ApplyHdrStates(states display.HdrStateMap) error {
	p.calls = append(p.calls, "ApplyHdrStates")
	applied := make(display.HdrStateMap, len(states))
	for deviceID, state := range states {
		applied[deviceID] = state
	}
	p.hdrApplied = append(p.hdrApplied, appliedHdr{states: applied, at: time.Now()})
	if p.failApplyHdr {
		return xerrors.New("HDR failure injected")
	}
	for deviceID, state := range states {
		if state == display.HdrStateUnknown {
			continue
		}
		if device, ok := p.devices[deviceID]; ok && device.active {
			device.hdr = state
		}
	}
	return nil
}

func (p *fakePlatform) mutationCount() int {
	return len(p.calls)
}
