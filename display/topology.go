// SPDX-FileCopyrightText: 2024 Streamloft Ltd.
//
// SPDX-License-Identifier: GPL-3.0-or-later

package display

import (
	"github.com/linuxdeepin/go-lib/strv"
)

// maxGroupSize is a platform limitation. Larger duplicate groups can be
// set, but the system settings UI was not designed for them and breaks.
const maxGroupSize = 2

// ValidTopology reports whether the topology can be handed to the
// platform at all: non-empty, groups of 1-2 devices, no device listed
// in more than one group.
func ValidTopology(topology Topology) bool {
	if len(topology) == 0 {
		logger.Warning("topology input is empty!")
		return false
	}

	var seen strv.Strv
	for _, group := range topology {
		if len(group) == 0 || len(group) > maxGroupSize {
			logger.Warning("topology group is invalid!")
			return false
		}

		for _, deviceID := range group {
			if seen.Contains(deviceID) {
				logger.Warning("duplicate device ids found!")
				return false
			}
			seen = append(seen, deviceID)
		}
	}

	return true
}

// SameTopology reports whether two topologies are close enough for the
// system to consider them identical. Group order and device order within
// a group carry no meaning.
func SameTopology(a, b Topology) bool {
	if len(a) != len(b) {
		return false
	}

	aCopy := a.Clone()
	bCopy := b.Clone()
	sortTopology(aCopy)
	sortTopology(bCopy)

	for i := range aCopy {
		if !strv.Strv(aCopy[i]).Equal(strv.Strv(bCopy[i])) {
			return false
		}
	}
	return true
}

// TopologyDeviceIds flattens the topology into the set of device ids it
// contains.
func TopologyDeviceIds(topology Topology) strv.Strv {
	var ids strv.Strv
	for _, group := range topology {
		for _, deviceID := range group {
			ids, _ = ids.Add(deviceID)
		}
	}
	return ids
}

// NewlyEnabledDevices returns the device ids present in the new topology
// but absent from the previous one.
func NewlyEnabledDevices(previous, next Topology) strv.Strv {
	prevIds := TopologyDeviceIds(previous)
	var enabled strv.Strv
	for _, deviceID := range TopologyDeviceIds(next) {
		if !prevIds.Contains(deviceID) {
			enabled = append(enabled, deviceID)
		}
	}
	return enabled
}

// DeviceInTopology reports whether the device id is a member of any
// duplicate group of the topology.
func DeviceInTopology(deviceID string, topology Topology) bool {
	return TopologyDeviceIds(topology).Contains(deviceID)
}
