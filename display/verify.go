// SPDX-FileCopyrightText: 2024 Streamloft Ltd.
//
// SPDX-License-Identifier: GPL-3.0-or-later

package display

import (
	"math"

	"github.com/linuxdeepin/go-lib/strv"
	"golang.org/x/xerrors"
)

// maxRefreshRateDiff is the tolerance when comparing a requested refresh
// rate against the one the platform actually selected.
const maxRefreshRateDiff = 1.0

// FuzzyRefreshRateEqual compares two rational refresh rates by their
// floating point ratio with a tolerance of maxRefreshRateDiff.
func FuzzyRefreshRateEqual(a, b RefreshRate) bool {
	if a.Denominator == 0 || b.Denominator == 0 {
		return false
	}
	aF := float64(a.Numerator) / float64(a.Denominator)
	bF := float64(b.Numerator) / float64(b.Denominator)
	return math.Abs(aF-bF) <= maxRefreshRateDiff
}

// FuzzyModeEqual reports whether a selected mode satisfies a requested
// one. Resolutions must match exactly, refresh rates only approximately.
func FuzzyModeEqual(a, b DisplayMode) bool {
	return a.Resolution == b.Resolution &&
		FuzzyRefreshRateEqual(a.RefreshRate, b.RefreshRate)
}

// SetTopology switches the system to the target topology and re-verifies
// the switch by reading the topology back.
//
// The re-read is not paranoia. The platform is known to silently select a
// different, nearly identical device pairing than the requested one while
// still reporting success: with an actual monitor AM and two virtual
// displays IDD1/IDD2, requesting [[AM, IDD2]] can yield [[AM, IDD1]].
// Keeping the substituted device occupied elsewhere in the topology works
// around it, so on a silent mismatch one compensating attempt is made
// with the substitute isolated into its own singleton group.
//
// The returned topology is the one actually in effect afterwards; with
// the compensating grouping it can be a superset of the target. On
// failure the previous topology is restored best effort.
func SetTopology(p Platform, target Topology) (Topology, error) {
	if !ValidTopology(target) {
		return nil, xerrors.New("topology input is invalid")
	}

	current, err := p.CurrentTopology()
	if err != nil || len(current) == 0 {
		return nil, xerrors.Errorf("failed to get current topology: %w", err)
	}

	if SameTopology(current, target) {
		logger.Debug("same topology provided")
		return current, nil
	}

	applied, err := applyAndVerify(p, target)
	if err == nil {
		return applied, nil
	}
	logger.Warning("failed to change topology:", err)

	// Revert back to the original topology, outcome does not matter.
	if restoreErr := p.ApplyTopology(current); restoreErr != nil {
		logger.Warning("failed to restore previous topology:", restoreErr)
	}
	return nil, err
}

func applyAndVerify(p Platform, target Topology) (Topology, error) {
	if err := p.ApplyTopology(target); err != nil {
		return nil, xerrors.Errorf("failed to apply topology: %w", err)
	}

	updated, err := p.CurrentTopology()
	if err != nil || len(updated) == 0 {
		return nil, xerrors.Errorf("failed to get updated topology: %w", err)
	}

	if SameTopology(updated, target) {
		return updated, nil
	}

	compensated := compensatedTopology(target, updated)
	if compensated == nil {
		return nil, xerrors.New("platform selected a different topology and no compensation is possible")
	}

	logger.Warningf("platform silently selected topology %v instead of %v, retrying with %v",
		updated, target, compensated)
	if err := p.ApplyTopology(compensated); err != nil {
		return nil, xerrors.Errorf("failed to apply compensated topology: %w", err)
	}

	updated, err = p.CurrentTopology()
	if err != nil || len(updated) == 0 {
		return nil, xerrors.Errorf("failed to get updated topology: %w", err)
	}
	if !SameTopology(updated, compensated) {
		return nil, xerrors.New("compensated topology was not accepted either")
	}
	return updated, nil
}

// compensatedTopology builds the one-shot retry topology for the silent
// pairing substitution: every device the platform swapped in gets its own
// singleton group appended, keeping it occupied so the platform cannot
// fall back to it again. Returns nil when the mismatch does not look like
// a substitution.
func compensatedTopology(target, updated Topology) Topology {
	targetIds := TopologyDeviceIds(target)

	var substitutes strv.Strv
	for _, deviceID := range TopologyDeviceIds(updated) {
		if !targetIds.Contains(deviceID) {
			substitutes = append(substitutes, deviceID)
		}
	}
	if len(substitutes) == 0 {
		return nil
	}

	compensated := append(Topology(nil), target...)
	for _, deviceID := range substitutes {
		compensated = append(compensated, []string{deviceID})
	}
	if !ValidTopology(compensated) {
		return nil
	}
	return compensated
}

// SetDisplayModes applies the given modes and verifies the outcome with a
// fuzzy comparison, since the platform treats the requested modes merely
// as a suggestion. If the relaxed attempt converges to something else, a
// strict attempt without platform adjustments follows (needed for custom
// modes the platform does not advertise). On failure the original modes
// are restored best effort.
func SetDisplayModes(p Platform, modes ModeMap) error {
	if len(modes) == 0 {
		return xerrors.New("modes map is empty")
	}

	deviceIDs := make([]string, 0, len(modes))
	for deviceID := range modes {
		if deviceID == "" {
			return xerrors.New("device id is empty")
		}
		deviceIDs = append(deviceIDs, deviceID)
	}

	// Duplicated devices share one frame buffer, setting a mode for only
	// half of a group fails with an ambiguous platform error. Validate
	// instead of silently extending the request.
	if err := verifyDuplicateCoverage(p, deviceIDs); err != nil {
		return err
	}

	originalModes, err := p.DisplayModes(deviceIDs)
	if err != nil {
		return xerrors.Errorf("failed to get current display modes: %w", err)
	}
	if modesSatisfied(modes, originalModes) {
		logger.Debug("no changes were made to display modes")
		return nil
	}

	allowChanges := true
	if err := p.ApplyDisplayModes(modes, allowChanges); err != nil {
		return xerrors.Errorf("failed to set display modes: %w", err)
	}
	if modesMatch(p, modes, deviceIDs) {
		return nil
	}

	logger.Info("failed to change display modes using platform recommended modes, trying to set modes strictly")
	if err := p.ApplyDisplayModes(modes, !allowChanges); err == nil {
		if modesMatch(p, modes, deviceIDs) {
			return nil
		}
	}

	if restoreErr := p.ApplyDisplayModes(originalModes, allowChanges); restoreErr != nil {
		logger.Warning("failed to restore original display modes:", restoreErr)
	}
	return xerrors.New("failed to set display modes completely")
}

func verifyDuplicateCoverage(p Platform, deviceIDs []string) error {
	topology, err := p.CurrentTopology()
	if err != nil {
		return xerrors.Errorf("failed to get current topology: %w", err)
	}

	requested := strv.Strv(deviceIDs)
	for _, group := range topology {
		if len(group) < 2 {
			continue
		}
		for _, deviceID := range group {
			if !requested.Contains(deviceID) {
				continue
			}
			for _, partner := range group {
				if !requested.Contains(partner) {
					return xerrors.Errorf("not all modes for duplicate displays were provided: missing %s", partner)
				}
			}
			break
		}
	}
	return nil
}

func modesMatch(p Platform, requested ModeMap, deviceIDs []string) bool {
	currentModes, err := p.DisplayModes(deviceIDs)
	if err != nil {
		return false
	}
	return modesSatisfied(requested, currentModes)
}

func modesSatisfied(requested, current ModeMap) bool {
	for deviceID, mode := range requested {
		currentMode, ok := current[deviceID]
		if !ok || !FuzzyModeEqual(currentMode, mode) {
			return false
		}
	}
	return true
}
