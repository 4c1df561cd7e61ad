// SPDX-FileCopyrightText: 2024 Streamloft Ltd.
//
// SPDX-License-Identifier: GPL-3.0-or-later

package settings

import (
	"testing"

	"github.com/streamloft/displayd/display"
	"github.com/stretchr/testify/assert"
)

func Test_duplicateDevices(t *testing.T) {
	topology := display.Topology{{"A", "B"}, {"C"}}

	// The requested device always leads the set.
	assert.Equal(t, []string{"B", "A"}, duplicateDevices("B", topology))
	assert.Equal(t, []string{"C"}, duplicateDevices("C", topology))

	// An undiscovered (inactive) device yields a singleton set.
	assert.Equal(t, []string{"D"}, duplicateDevices("D", topology))
}

func Test_determineFinalTopology(t *testing.T) {
	testdata := []struct {
		name             string
		devicePrep       DevicePrep
		primaryRequested bool
		duplicated       []string
		current          display.Topology
		expected         display.Topology
	}{
		{
			name:       "no operation keeps current",
			devicePrep: DevicePrepNoOperation,
			duplicated: []string{"B"},
			current:    display.Topology{{"A"}},
			expected:   display.Topology{{"A"}},
		},
		{
			name:       "only display for undiscovered duplicate",
			devicePrep: DevicePrepEnsureOnlyDisplay,
			duplicated: []string{"B"},
			current:    display.Topology{{"A"}},
			expected:   display.Topology{{"B"}},
		},
		{
			name:       "only display sheds other groups",
			devicePrep: DevicePrepEnsureOnlyDisplay,
			duplicated: []string{"A"},
			current:    display.Topology{{"A"}, {"C"}},
			expected:   display.Topology{{"A"}},
		},
		{
			name:       "only display sheds duplicate partner",
			devicePrep: DevicePrepEnsureOnlyDisplay,
			duplicated: []string{"A", "B"},
			current:    display.Topology{{"A", "B"}},
			expected:   display.Topology{{"A"}},
		},
		{
			name:       "only display already sole",
			devicePrep: DevicePrepEnsureOnlyDisplay,
			duplicated: []string{"A"},
			current:    display.Topology{{"A"}},
			expected:   display.Topology{{"A"}},
		},
		{
			name:             "only display collapses to primary group",
			devicePrep:       DevicePrepEnsureOnlyDisplay,
			primaryRequested: true,
			duplicated:       []string{"A", "B"},
			current:          display.Topology{{"A", "B"}, {"C"}},
			expected:         display.Topology{{"A", "B"}},
		},
		{
			name:             "only display primary group already sole",
			devicePrep:       DevicePrepEnsureOnlyDisplay,
			primaryRequested: true,
			duplicated:       []string{"A", "B"},
			current:          display.Topology{{"A", "B"}},
			expected:         display.Topology{{"A", "B"}},
		},
		{
			name:       "ensure active extends topology",
			devicePrep: DevicePrepEnsureActive,
			duplicated: []string{"B"},
			current:    display.Topology{{"A"}},
			expected:   display.Topology{{"A"}, {"B"}},
		},
		{
			name:       "ensure active already active",
			devicePrep: DevicePrepEnsureActive,
			duplicated: []string{"B", "A"},
			current:    display.Topology{{"A", "B"}},
			expected:   display.Topology{{"A", "B"}},
		},
		{
			name:             "ensure active for primary is no change",
			devicePrep:       DevicePrepEnsureActive,
			primaryRequested: true,
			duplicated:       []string{"A", "B"},
			current:          display.Topology{{"A", "B"}},
			expected:         display.Topology{{"A", "B"}},
		},
		{
			name:       "ensure primary extends topology",
			devicePrep: DevicePrepEnsurePrimary,
			duplicated: []string{"C"},
			current:    display.Topology{{"A", "B"}},
			expected:   display.Topology{{"A", "B"}, {"C"}},
		},
	}

	for _, data := range testdata {
		t.Run(data.name, func(t *testing.T) {
			final := determineFinalTopology(data.devicePrep, data.primaryRequested,
				data.duplicated, data.current)
			assert.True(t, display.SameTopology(data.expected, final),
				"expected %v, got %v", data.expected, final)
		})
	}
}

func Test_determineInitialTopology(t *testing.T) {
	previous := &topologyData{
		Initial:  display.Topology{{"A"}},
		Modified: display.Topology{{"B"}},
	}

	// The user did not touch the topology since the last episode: keep
	// restoring to the very first one.
	initial := determineInitialTopology(previous, display.Topology{{"B"}})
	assert.True(t, display.SameTopology(display.Topology{{"A"}}, initial))

	// The user rearranged displays out-of-band: the current topology is
	// the new baseline.
	initial = determineInitialTopology(previous, display.Topology{{"C"}})
	assert.True(t, display.SameTopology(display.Topology{{"C"}}, initial))

	initial = determineInitialTopology(nil, display.Topology{{"C"}})
	assert.True(t, display.SameTopology(display.Topology{{"C"}}, initial))
}
