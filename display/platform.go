// SPDX-FileCopyrightText: 2024 Streamloft Ltd.
//
// SPDX-License-Identifier: GPL-3.0-or-later

package display

import (
	"github.com/linuxdeepin/go-lib/log"
)

var logger = log.NewLogger("displayd/display")

// SetLogLevel adjusts the verbosity of the package logger.
func SetLogLevel(level log.Priority) {
	logger.SetLogLevel(level)
}

// Platform is the low level display configuration backend of the host
// system. Implementations query and mutate the live device state and are
// not expected to be reentrant; callers must serialize access.
//
// Device ids handed out and accepted here are stable per physical
// connector across reboots (best effort: a driver reinstall may change
// the derivation and invalidate persisted state).
type Platform interface {
	// EnumDevices lists all known devices, active or not.
	EnumDevices() (DeviceInfoMap, error)

	// CurrentTopology returns the active duplicate groups.
	CurrentTopology() (Topology, error)

	// ApplyTopology activates exactly the given topology. Prefer the
	// SetTopology wrapper which re-verifies the outcome.
	ApplyTopology(topology Topology) error

	// DisplayModes returns the current mode of every listed device.
	// Fails if any of them is inactive.
	DisplayModes(deviceIDs []string) (ModeMap, error)

	// ApplyDisplayModes sets new modes. With allowChanges the platform
	// may adjust the requested modes to the nearest supported ones;
	// without it the modes are applied verbatim or not at all. Duplicate
	// groups must be covered completely, the shared frame buffer forces
	// one resolution on the whole group.
	ApplyDisplayModes(modes ModeMap, allowChanges bool) error

	// SetPrimary makes the device the primary display. All members of
	// its duplicate group become primary with it.
	SetPrimary(deviceID string) error

	// HdrStates reads the HDR state of the listed devices. Inactive or
	// incapable devices report HdrStateUnknown.
	HdrStates(deviceIDs []string) (HdrStateMap, error)

	// ApplyHdrStates switches HDR for the listed devices. Entries with
	// HdrStateUnknown are skipped.
	ApplyHdrStates(states HdrStateMap) error
}
