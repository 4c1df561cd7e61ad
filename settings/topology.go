// SPDX-FileCopyrightText: 2024 Streamloft Ltd.
//
// SPDX-License-Identifier: GPL-3.0-or-later

package settings

import (
	"github.com/davecgh/go-spew/spew"
	"github.com/linuxdeepin/go-lib/strv"
	"github.com/streamloft/displayd/display"
	"golang.org/x/xerrors"
)

// topologyData records the topology switch of one configuration episode:
// the topology we started from and the one we changed to. They can be
// equal. The initial topology is what a full revert goes back to.
type topologyData struct {
	Initial  display.Topology `json:"initial"`
	Modified display.Topology `json:"modified"`
}

// topologyMetadata carries everything the mode/HDR/primary handlers need
// to know about the topology switch that was just taken care of.
type topologyMetadata struct {
	currentTopology display.Topology
	newlyEnabled    strv.Strv
	// primaryRequested is set when no device id was specified and the
	// request therefore targets whatever is primary.
	primaryRequested bool
	// duplicatedDevices is the requested device's duplicate set with the
	// requested device itself at the front (the canonical device).
	duplicatedDevices []string
}

type handledTopology struct {
	topology topologyData
	metadata topologyMetadata
}

// findAvailableDevice verifies that the requested (or, for an empty id,
// the primary) device exists and returns its id.
func findAvailableDevice(p display.Platform, deviceID string) (string, error) {
	devices, err := p.EnumDevices()
	if err != nil || len(devices) == 0 {
		return "", xerrors.Errorf("display device list is empty: %w", err)
	}
	logger.Debug("available display devices:", spew.Sdump(devices))

	for id, info := range devices {
		if deviceID == "" {
			if info.State == display.DeviceStatePrimary {
				return id, nil
			}
		} else if id == deviceID {
			return id, nil
		}
	}

	if deviceID == "" {
		deviceID = "PRIMARY"
	}
	return "", xerrors.Errorf("device %s not found in the list of available devices", deviceID)
}

// duplicateDevices collects the duplicate set of the device in the given
// topology, the device itself first. An inactive device that is not in
// the topology yet yields a singleton set.
func duplicateDevices(deviceID string, topology display.Topology) []string {
	duplicated := []string{deviceID}
	for _, group := range topology {
		if !strv.Strv(group).Contains(deviceID) {
			continue
		}
		for _, id := range group {
			if id != deviceID {
				duplicated = append(duplicated, id)
			}
		}
		break
	}
	return duplicated
}

// determineFinalTopology computes the target topology for the request.
// It is a pure function of its inputs and never fails; validity of the
// result is checked by the caller before applying.
func determineFinalTopology(devicePrep DevicePrep, primaryRequested bool, duplicatedDevices []string, current display.Topology) display.Topology {
	var final display.Topology

	if devicePrep == DevicePrepNoOperation {
		return current
	}

	if devicePrep == DevicePrepEnsureOnlyDisplay {
		// The device has to end up as the only active one, or for a
		// primary request the whole primary duplicate group.
		if primaryRequested {
			if len(current) > 1 {
				// Other groups are active besides the primary one.
				final = display.Topology{duplicatedDevices}
			}
		} else {
			canonical := duplicatedDevices[0]
			if display.DeviceInTopology(canonical, current) {
				if len(duplicatedDevices) > 1 || len(current) > 1 {
					// Shed the duplicates and the other groups.
					final = display.Topology{{canonical}}
				}
			} else {
				// The device is inactive, activate it and only it.
				final = display.Topology{{canonical}}
			}
		}
	} else {
		// The device merely needs to be active.
		canonical := duplicatedDevices[0]
		if !primaryRequested && !display.DeviceInTopology(canonical, current) {
			// Extend the current topology, that is probably what makes
			// the most sense.
			final = append(current.Clone(), []string{canonical})
		}
	}

	if final == nil {
		return current
	}
	return final
}

// determineInitialTopology reconciles the episode's initial topology with
// a previous configuration. If the previous episode's modified topology
// matches what we observe now, the user did not rearrange anything since
// and the old initial topology is still the one to restore; otherwise the
// user changed topology out-of-band and the current one becomes initial.
func determineInitialTopology(previous *topologyData, current display.Topology) display.Topology {
	if previous != nil && display.SameTopology(previous.Modified, current) {
		return previous.Initial
	}
	return current
}

// handleTopologyConfiguration resolves and, when needed, applies the
// target topology for the request. revertSettings is invoked when the
// previously configured topology is incompatible with the new target and
// the earlier episode has to be fully undone first; it reports whether
// the revert succeeded.
func (s *Settings) handleTopologyConfiguration(config *parsedConfig, previous *topologyData, revertSettings func() bool) (*handledTopology, error) {
	primaryRequested := config.deviceID == ""
	requestedDeviceID, err := findAvailableDevice(s.platform, config.deviceID)
	if err != nil {
		return nil, err
	}

	current, err := s.currentValidTopology()
	if err != nil {
		return nil, err
	}

	// The requested device can belong to a duplicated display, in which
	// case every member of the pair has to be taken into account.
	duplicated := duplicateDevices(requestedDeviceID, current)
	final := determineFinalTopology(config.devicePrep, primaryRequested, duplicated, current)

	if previous != nil && !display.SameTopology(previous.Modified, final) {
		// The topology this request resolves to is not the one the
		// previous episode set up. Mixing the two would tangle the
		// snapshots, so the previous changes are fully reverted first.
		logger.Warning("previous topology does not match the new one, reverting previous changes")
		if !revertSettings() {
			return nil, errRevertFailed
		}
		previous = nil

		// The revert may have landed us on a different topology, redo
		// the resolution against what is actually there now.
		current, err = s.currentValidTopology()
		if err != nil {
			return nil, err
		}
		duplicated = duplicateDevices(requestedDeviceID, current)
		final = determineFinalTopology(config.devicePrep, primaryRequested, duplicated, current)
	}

	if !display.SameTopology(current, final) {
		logger.Info("changing display topology to:", final)
		applied, err := display.SetTopology(s.platform, final)
		if err != nil {
			return nil, xerrors.Errorf("failed to change display topology: %w", err)
		}
		final = applied

		// The duplicate pairing may have changed with the topology.
		duplicated = duplicateDevices(requestedDeviceID, final)
	}

	// Mainly covers DevicePrepNoOperation where the device is never
	// activated by us, but double checking never hurts.
	if !display.DeviceInTopology(requestedDeviceID, final) {
		return nil, xerrors.Errorf("device %s is not active", requestedDeviceID)
	}

	return &handledTopology{
		topology: topologyData{
			Initial:  determineInitialTopology(previous, current),
			Modified: final,
		},
		metadata: topologyMetadata{
			currentTopology:   final,
			newlyEnabled:      display.NewlyEnabledDevices(current, final),
			primaryRequested:  primaryRequested,
			duplicatedDevices: duplicated,
		},
	}, nil
}

func (s *Settings) currentValidTopology() (display.Topology, error) {
	topology, err := s.platform.CurrentTopology()
	if err != nil {
		return nil, xerrors.Errorf("failed to get current topology: %w", err)
	}
	if !display.ValidTopology(topology) {
		return nil, xerrors.New("display topology is invalid")
	}
	logger.Debug("current display topology:", topology)
	return topology, nil
}
