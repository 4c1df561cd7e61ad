// SPDX-FileCopyrightText: 2024 Streamloft Ltd.
//
// SPDX-License-Identifier: GPL-3.0-or-later

package display

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/xerrors"
)

// verifyPlatform scripts just enough of a Platform for the verified
// wrapper tests.
type verifyPlatform struct {
	topology Topology
	// applyHook maps a requested topology to the one the platform
	// actually ends up with; nil means the request is honored.
	applyHook     func(Topology) Topology
	applyErr      error
	appliedTopos  []Topology
	modes         ModeMap
	applyModesErr error
	// modesHook applies a mode request to the live modes; nil means the
	// request is honored exactly.
	modesHook    func(ModeMap, bool)
	appliedModes []ModeMap
}

func (p *verifyPlatform) EnumDevices() (DeviceInfoMap, error) { return nil, nil }

func (p *verifyPlatform) CurrentTopology() (Topology, error) {
	return p.topology.Clone(), nil
}

func (p *verifyPlatform) ApplyTopology(topology Topology) error {
	p.appliedTopos = append(p.appliedTopos, topology.Clone())
	if p.applyErr != nil {
		return p.applyErr
	}
	if p.applyHook != nil {
		p.topology = p.applyHook(topology)
	} else {
		p.topology = topology.Clone()
	}
	return nil
}

func (p *verifyPlatform) DisplayModes(deviceIDs []string) (ModeMap, error) {
	result := make(ModeMap)
	for _, deviceID := range deviceIDs {
		mode, ok := p.modes[deviceID]
		if !ok {
			return nil, xerrors.Errorf("no mode for %s", deviceID)
		}
		result[deviceID] = mode
	}
	return result, nil
}

func (p *verifyPlatform) ApplyDisplayModes(modes ModeMap, allowChanges bool) error {
	applied := make(ModeMap, len(modes))
	for deviceID, mode := range modes {
		applied[deviceID] = mode
	}
	p.appliedModes = append(p.appliedModes, applied)
	if p.applyModesErr != nil {
		return p.applyModesErr
	}
	if p.modesHook != nil {
		p.modesHook(modes, allowChanges)
	} else {
		for deviceID, mode := range modes {
			p.modes[deviceID] = mode
		}
	}
	return nil
}

func (p *verifyPlatform) SetPrimary(deviceID string) error { return nil }

func (p *verifyPlatform) HdrStates(deviceIDs []string) (HdrStateMap, error) {
	return nil, nil
}

func (p *verifyPlatform) ApplyHdrStates(states HdrStateMap) error { return nil }

func Test_SetTopology_NoChange(t *testing.T) {
	p := &verifyPlatform{topology: Topology{{"A"}}}

	applied, err := SetTopology(p, Topology{{"A"}})
	require.NoError(t, err)
	assert.True(t, SameTopology(Topology{{"A"}}, applied))
	assert.Empty(t, p.appliedTopos)
}

func Test_SetTopology_Applies(t *testing.T) {
	p := &verifyPlatform{topology: Topology{{"A"}}}

	applied, err := SetTopology(p, Topology{{"B"}})
	require.NoError(t, err)
	assert.True(t, SameTopology(Topology{{"B"}}, applied))
	require.Len(t, p.appliedTopos, 1)
}

func Test_SetTopology_InvalidInput(t *testing.T) {
	p := &verifyPlatform{topology: Topology{{"A"}}}

	_, err := SetTopology(p, Topology{{"A", "B", "C"}})
	assert.Error(t, err)
	assert.Empty(t, p.appliedTopos)
}

func Test_SetTopology_SilentSubstitution(t *testing.T) {
	// The platform cannot pair AM with IDD2 and silently falls back to
	// IDD1 while reporting success, unless IDD1 is kept busy elsewhere
	// in the topology.
	p := &verifyPlatform{topology: Topology{{"AM"}}}
	p.applyHook = func(requested Topology) Topology {
		if DeviceInTopology("IDD2", requested) && !DeviceInTopology("IDD1", requested) {
			return Topology{{"AM", "IDD1"}}
		}
		return requested.Clone()
	}

	applied, err := SetTopology(p, Topology{{"AM", "IDD2"}})
	require.NoError(t, err)
	assert.True(t, SameTopology(Topology{{"AM", "IDD2"}, {"IDD1"}}, applied))
	// First the plain request, then the compensated one.
	require.Len(t, p.appliedTopos, 2)
	assert.True(t, SameTopology(Topology{{"AM", "IDD2"}}, p.appliedTopos[0]))
}

func Test_SetTopology_RestoresOnFailure(t *testing.T) {
	// The platform insists on its own pairing even with compensation;
	// the previous topology must be restored.
	p := &verifyPlatform{topology: Topology{{"AM"}}}
	p.applyHook = func(Topology) Topology {
		return Topology{{"AM", "IDD1"}}
	}

	_, err := SetTopology(p, Topology{{"AM", "IDD2"}})
	require.Error(t, err)
	last := p.appliedTopos[len(p.appliedTopos)-1]
	assert.True(t, SameTopology(Topology{{"AM"}}, last))
}

func Test_FuzzyModeEqual(t *testing.T) {
	base := DisplayMode{
		Resolution:  Resolution{Width: 1920, Height: 1080},
		RefreshRate: RefreshRate{Numerator: 60, Denominator: 1},
	}

	near := base
	near.RefreshRate = RefreshRate{Numerator: 59995, Denominator: 1000}
	assert.True(t, FuzzyModeEqual(base, near))

	far := base
	far.RefreshRate = RefreshRate{Numerator: 120, Denominator: 1}
	assert.False(t, FuzzyModeEqual(base, far))

	otherRes := base
	otherRes.Resolution = Resolution{Width: 1280, Height: 720}
	assert.False(t, FuzzyModeEqual(base, otherRes))

	zeroDenominator := base
	zeroDenominator.RefreshRate = RefreshRate{Numerator: 60, Denominator: 0}
	assert.False(t, FuzzyModeEqual(base, zeroDenominator))
}

func Test_SetDisplayModes_NoChange(t *testing.T) {
	mode := DisplayMode{
		Resolution:  Resolution{Width: 1920, Height: 1080},
		RefreshRate: RefreshRate{Numerator: 60, Denominator: 1},
	}
	p := &verifyPlatform{
		topology: Topology{{"A"}},
		modes:    ModeMap{"A": mode},
	}

	require.NoError(t, SetDisplayModes(p, ModeMap{"A": mode}))
	assert.Empty(t, p.appliedModes)
}

func Test_SetDisplayModes_IncompleteDuplicateGroup(t *testing.T) {
	mode := DisplayMode{
		Resolution:  Resolution{Width: 1920, Height: 1080},
		RefreshRate: RefreshRate{Numerator: 60, Denominator: 1},
	}
	p := &verifyPlatform{
		topology: Topology{{"A", "B"}},
		modes:    ModeMap{"A": mode, "B": mode},
	}

	newMode := mode
	newMode.Resolution = Resolution{Width: 1280, Height: 720}
	err := SetDisplayModes(p, ModeMap{"A": newMode})
	require.Error(t, err)
	assert.Empty(t, p.appliedModes)
}

func Test_SetDisplayModes_Applies(t *testing.T) {
	mode := DisplayMode{
		Resolution:  Resolution{Width: 2560, Height: 1440},
		RefreshRate: RefreshRate{Numerator: 60, Denominator: 1},
	}
	p := &verifyPlatform{
		topology: Topology{{"A"}},
		modes:    ModeMap{"A": mode},
	}

	newMode := mode
	newMode.Resolution = Resolution{Width: 1920, Height: 1080}
	require.NoError(t, SetDisplayModes(p, ModeMap{"A": newMode}))
	assert.Equal(t, newMode, p.modes["A"])
}

func Test_SetDisplayModes_StrictFallbackAndRestore(t *testing.T) {
	original := DisplayMode{
		Resolution:  Resolution{Width: 2560, Height: 1440},
		RefreshRate: RefreshRate{Numerator: 60, Denominator: 1},
	}
	p := &verifyPlatform{
		topology: Topology{{"A"}},
		modes:    ModeMap{"A": original},
	}
	// The platform treats every request merely as a suggestion and
	// keeps the old mode, except when restoring the original.
	p.modesHook = func(modes ModeMap, allowChanges bool) {
		if FuzzyModeEqual(modes["A"], original) {
			p.modes["A"] = modes["A"]
		}
	}

	requested := original
	requested.Resolution = Resolution{Width: 1920, Height: 1080}
	err := SetDisplayModes(p, ModeMap{"A": requested})
	require.Error(t, err)

	// Relaxed attempt, strict attempt, then the best effort restore.
	require.Len(t, p.appliedModes, 3)
	assert.Equal(t, original, p.appliedModes[2]["A"])
	assert.Equal(t, original, p.modes["A"])
}
