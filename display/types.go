// SPDX-FileCopyrightText: 2024 Streamloft Ltd.
//
// SPDX-License-Identifier: GPL-3.0-or-later

package display

import (
	"fmt"
	"sort"
	"strings"

	"golang.org/x/xerrors"
)

// DeviceState describes whether a device currently renders anything.
// A duplicated pair can contain more than one primary device.
type DeviceState int

const (
	DeviceStateInactive DeviceState = iota
	DeviceStateActive
	DeviceStatePrimary
)

func (s DeviceState) String() string {
	switch s {
	case DeviceStateInactive:
		return "inactive"
	case DeviceStateActive:
		return "active"
	case DeviceStatePrimary:
		return "primary"
	}
	return fmt.Sprintf("unknown state %d", int(s))
}

// HdrState is the HDR switch of one device. HdrStateUnknown means the
// state cannot be read, for example when the device is inactive, and
// must never be used as a requested end state.
type HdrState int

const (
	HdrStateUnknown HdrState = iota
	HdrStateDisabled
	HdrStateEnabled
)

func (s HdrState) String() string {
	switch s {
	case HdrStateDisabled:
		return "disabled"
	case HdrStateEnabled:
		return "enabled"
	default:
		return "unknown"
	}
}

func (s HdrState) MarshalJSON() ([]byte, error) {
	return []byte(`"` + s.String() + `"`), nil
}

func (s *HdrState) UnmarshalJSON(data []byte) error {
	switch strings.Trim(string(data), `"`) {
	case "disabled":
		*s = HdrStateDisabled
	case "enabled":
		*s = HdrStateEnabled
	case "unknown":
		*s = HdrStateUnknown
	default:
		return xerrors.Errorf("invalid HDR state %s", string(data))
	}
	return nil
}

// DeviceInfo is one entry of the device enumeration.
type DeviceInfo struct {
	// DisplayName is the logical output name the system assigned to the
	// device. Empty for inactive devices since they can map to several.
	DisplayName string
	// FriendlyName is the human readable monitor name.
	FriendlyName string
	State        DeviceState
	HdrState     HdrState
}

// DeviceInfoMap maps a stable device id to its info.
type DeviceInfoMap map[string]DeviceInfo

type Resolution struct {
	Width  uint32 `json:"width"`
	Height uint32 `json:"height"`
}

func (r Resolution) String() string {
	return fmt.Sprintf("%dx%d", r.Width, r.Height)
}

// RefreshRate keeps the rate in rational form so that rates like
// 59.995 (59995/1000) survive round trips exactly.
type RefreshRate struct {
	Numerator   uint32 `json:"numerator"`
	Denominator uint32 `json:"denominator"`
}

func (r RefreshRate) String() string {
	if r.Denominator == 0 {
		return fmt.Sprintf("%d/0", r.Numerator)
	}
	return fmt.Sprintf("%g", float64(r.Numerator)/float64(r.Denominator))
}

type DisplayMode struct {
	Resolution  Resolution  `json:"resolution"`
	RefreshRate RefreshRate `json:"refresh_rate"`
}

func (m DisplayMode) String() string {
	return m.Resolution.String() + "@" + m.RefreshRate.String()
}

// ModeMap maps a device id to its display mode.
type ModeMap map[string]DisplayMode

// HdrStateMap maps a device id to its HDR state.
type HdrStateMap map[string]HdrState

// Topology is the list of duplicate groups that are currently rendering.
// Each group holds 1-2 device ids sharing one output position. Group and
// device order carries no meaning.
type Topology [][]string

func (t Topology) String() string {
	groups := make([]string, 0, len(t))
	for _, group := range t {
		groups = append(groups, "["+strings.Join(group, " + ")+"]")
	}
	return "[" + strings.Join(groups, ", ") + "]"
}

// Clone returns a deep copy of the topology.
func (t Topology) Clone() Topology {
	dup := make(Topology, 0, len(t))
	for _, group := range t {
		dup = append(dup, append([]string(nil), group...))
	}
	return dup
}

func sortTopology(t Topology) {
	for _, group := range t {
		sort.Strings(group)
	}
	sort.Slice(t, func(i, j int) bool {
		return strings.Join(t[i], "\x00") < strings.Join(t[j], "\x00")
	})
}
