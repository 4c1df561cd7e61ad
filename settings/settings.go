// SPDX-FileCopyrightText: 2024 Streamloft Ltd.
//
// SPDX-License-Identifier: GPL-3.0-or-later

package settings

import (
	"time"

	"github.com/davecgh/go-spew/spew"
	"github.com/linuxdeepin/go-lib/log"
	"github.com/linuxdeepin/go-lib/strv"
	"github.com/linuxdeepin/go-lib/utils"
	"github.com/streamloft/displayd/display"
	"golang.org/x/xerrors"
)

var logger = log.NewLogger("displayd/settings")

// SetLogLevel adjusts the verbosity of the package logger.
func SetLogLevel(level log.Priority) {
	logger.SetLogLevel(level)
}

// hdrBlankDelay is how long a freshly activated display gets to settle
// between the toggled and the final HDR state. Variable so tests can
// shorten it.
var hdrBlankDelay = 1500 * time.Millisecond

var errRevertFailed = xerrors.New("failed to revert previous settings")

// ApplyResult tells the caller whether the configuration was applied and
// which facet failed otherwise. The numeric values are stable and exposed
// to clients.
type ApplyResult int

const (
	ResultSuccess            ApplyResult = 0
	ResultConfigParseFail    ApplyResult = 700
	ResultTopologyFail       ApplyResult = 701
	ResultPrimaryDisplayFail ApplyResult = 702
	ResultModesFail          ApplyResult = 703
	ResultHdrStatesFail      ApplyResult = 704
	ResultFileSaveFail       ApplyResult = 705
	ResultRevertFail         ApplyResult = 706
)

// Ok reports whether the configuration was fully applied.
func (r ApplyResult) Ok() bool {
	return r == ResultSuccess
}

func (r ApplyResult) String() string {
	switch r {
	case ResultSuccess:
		return "success"
	case ResultConfigParseFail:
		return "failed to parse the configuration"
	case ResultTopologyFail:
		return "failed to change the display topology"
	case ResultPrimaryDisplayFail:
		return "failed to change the primary display"
	case ResultModesFail:
		return "failed to change the display modes"
	case ResultHdrStatesFail:
		return "failed to change the HDR states"
	case ResultFileSaveFail:
		return "failed to save the settings snapshot"
	case ResultRevertFail:
		return "failed to revert the previous settings"
	}
	return "unknown result"
}

// AudioCapture is an opaque hold on the current audio sink. The engine
// grabs one around display changes that are likely to make the default
// audio device disappear and releases it once the change is undone.
type AudioCapture interface {
	Release()
}

// AudioCapturer produces an AudioCapture. May return nil when there is
// nothing to hold on to.
type AudioCapturer func() AudioCapture

// Settings applies display configuration as a layered diff over a
// captured original state and knows how to undo it completely, even
// across a process restart.
//
// The engine never mutates the platform straight from user input; it
// always computes the new value from the original value plus the request
// and applies that, so repeated applies never accumulate drift and
// anything no longer requested reverts automatically.
//
// Settings is not safe for concurrent use, the session façade serializes
// access.
type Settings struct {
	platform     display.Platform
	captureAudio AudioCapturer
	path         string
	data         *settingsData
	audio        AudioCapture
	watcher      *snapshotWatcher
}

// New creates an engine on top of the given platform backend.
func New(platform display.Platform) *Settings {
	return &Settings{platform: platform}
}

// SetFilePath sets where the settings snapshot is persisted. Must be set
// before the first Apply for crash recovery to work.
func (s *Settings) SetFilePath(path string) {
	if s.watcher != nil {
		s.watcher.close()
		s.watcher = nil
	}
	s.path = path
	if path == "" {
		return
	}

	watcher, err := newSnapshotWatcher(path)
	if err != nil {
		logger.Warning("failed to watch settings snapshot:", err)
		return
	}
	s.watcher = watcher
}

// SetAudioCapturer installs the audio sink capture hook. Optional.
func (s *Settings) SetAudioCapturer(capture AudioCapturer) {
	s.captureAudio = capture
}

// Close releases the snapshot watcher. It does not revert anything.
func (s *Settings) Close() {
	if s.watcher != nil {
		s.watcher.close()
		s.watcher = nil
	}
}

// Apply parses the configuration and session parameters and tries to
// apply them to the display devices.
func (s *Settings) Apply(config VideoConfig, session SessionInfo) ApplyResult {
	logger.Info("applying configuration to the display device")
	parsed, err := makeParsedConfig(config, session)
	if err != nil {
		logger.Warning("failed to parse display device configuration:", err)
		return ResultConfigParseFail
	}

	displayMayChange := parsed.devicePrep == DevicePrepEnsureOnlyDisplay
	if displayMayChange && s.audio == nil && s.captureAudio != nil {
		// The current default audio device very likely belongs to a
		// display that is about to be turned off. Hold on to the sink
		// until the change is reverted.
		logger.Debug("capturing audio sink before changing display")
		s.audio = s.captureAudio()
	}

	result := s.applyParsed(parsed)
	if result.Ok() {
		if !displayMayChange {
			s.releaseAudio()
		}
		logger.Info("display device configuration applied")
	}
	return result
}

// applyParsed is the layered-diff state machine.
//
// The original settings are the base: either the ones captured when a
// configuration was first applied, or, lacking those, the current state.
// The new settings are computed over that base, which keeps repeated
// applies from accumulating and automatically reverts whatever the new
// request no longer configures.
func (s *Settings) applyParsed(config *parsedConfig) ApplyResult {
	var previous *topologyData
	if s.data != nil {
		topology := s.data.Topology
		previous = &topology
	}

	handled, err := s.handleTopologyConfiguration(config, previous, s.revertForReconfiguration)
	if err != nil {
		logger.Warning(err)
		if xerrors.Is(err, errRevertFailed) {
			return ResultRevertFail
		}
		return ResultTopologyFail
	}

	newData := &settingsData{Topology: handled.topology}
	current := s.data
	if current == nil {
		current = newData
	}

	// Persisting must happen even on a facet failure: the platform was
	// already mutated and the snapshot is the only recovery record.
	persist := func() ApplyResult {
		if current.containsModifications() {
			if s.data == nil {
				s.data = newData
			}
			if err := s.save(); err != nil {
				logger.Warning("failed to save display settings:", err)
				// Mutated platform state without a recovery record is
				// the one thing that must never linger. Undo the whole
				// episode best effort right away.
				if ok, _ := s.tryRevert(current); ok {
					s.removeFile()
					s.data = nil
					s.releaseAudio()
				}
				return ResultFileSaveFail
			}
		} else if s.data != nil {
			// Nothing is modified anymore, drop the stale snapshot.
			if !s.Revert() {
				return ResultRevertFail
			}
		}
		return ResultSuccess
	}

	originalPrimary, err := s.handlePrimaryDisplay(config.devicePrep, current.OriginalPrimaryDisplay, handled.metadata)
	if err != nil {
		logger.Warning(err)
		persist()
		return ResultPrimaryDisplayFail
	}
	current.OriginalPrimaryDisplay = originalPrimary

	originalModes, err := s.handleDisplayModes(config.resolution, config.refreshRate, current.OriginalModes, handled.metadata)
	if err != nil {
		logger.Warning(err)
		persist()
		return ResultModesFail
	}
	current.OriginalModes = originalModes

	originalHdrStates, err := s.handleHdrStates(config.changeHdrState, current.OriginalHdrStates, handled.metadata)
	if err != nil {
		logger.Warning(err)
		persist()
		return ResultHdrStatesFail
	}
	current.OriginalHdrStates = originalHdrStates

	return persist()
}

// revertForReconfiguration fully reverts the previous episode when its
// topology turned out to be incompatible with a new request, keeping the
// audio sink captured across the revert.
func (s *Settings) revertForReconfiguration() bool {
	audioWasCaptured := s.audio != nil
	if !s.Revert() {
		return false
	}
	if audioWasCaptured && s.audio == nil && s.captureAudio != nil {
		s.audio = s.captureAudio()
	}
	return true
}

// currentPrimaryDisplay finds the first primary device in the topology.
// With duplicated displays the whole group is primary; the first member
// is as good a representative as any.
func (s *Settings) currentPrimaryDisplay(metadata topologyMetadata) string {
	devices, err := s.platform.EnumDevices()
	if err != nil {
		logger.Warning("failed to enumerate devices:", err)
		return ""
	}

	for _, group := range metadata.currentTopology {
		for _, deviceID := range group {
			if devices[deviceID].State == display.DeviceStatePrimary {
				return deviceID
			}
		}
	}
	return ""
}

func (s *Settings) handlePrimaryDisplay(devicePrep DevicePrep, previousPrimary string, metadata topologyMetadata) (string, error) {
	if devicePrep == DevicePrepEnsurePrimary {
		currentPrimary := s.currentPrimaryDisplay(metadata)
		originalPrimary := previousPrimary
		if originalPrimary == "" {
			originalPrimary = currentPrimary
		}

		newPrimary := originalPrimary
		if !metadata.primaryRequested {
			// Setting one member of a duplicate group is enough, the
			// whole group becomes primary with it.
			newPrimary = metadata.duplicatedDevices[0]
		}

		if newPrimary != currentPrimary {
			logger.Debug("changing primary display to:", newPrimary)
			if err := s.platform.SetPrimary(newPrimary); err != nil {
				return "", xerrors.Errorf("failed to set primary display %s: %w", newPrimary, err)
			}
		}
		return originalPrimary, nil
	}

	if previousPrimary != "" {
		logger.Debug("changing primary display back to:", previousPrimary)
		if err := s.platform.SetPrimary(previousPrimary); err != nil {
			return "", xerrors.Errorf("failed to set primary display %s: %w", previousPrimary, err)
		}
	}
	return "", nil
}

func determineNewModes(resolution *display.Resolution, refreshRate *display.RefreshRate, originalModes display.ModeMap, metadata topologyMetadata) display.ModeMap {
	newModes := make(display.ModeMap, len(originalModes))
	for deviceID, mode := range originalModes {
		newModes[deviceID] = mode
	}

	if resolution != nil {
		// Duplicated devices share a frame buffer, the resolution must
		// match across the whole group no matter what.
		for _, deviceID := range metadata.duplicatedDevices {
			mode := newModes[deviceID]
			mode.Resolution = *resolution
			newModes[deviceID] = mode
		}
	}

	if refreshRate != nil {
		if metadata.primaryRequested {
			// No specific device was requested, the whole primary group
			// gets the new rate.
			for _, deviceID := range metadata.duplicatedDevices {
				mode := newModes[deviceID]
				mode.RefreshRate = *refreshRate
				newModes[deviceID] = mode
			}
		} else {
			// Duplicated devices may run different refresh rates, so a
			// specific request only touches the requested device.
			deviceID := metadata.duplicatedDevices[0]
			mode := newModes[deviceID]
			mode.RefreshRate = *refreshRate
			newModes[deviceID] = mode
		}
	}

	return newModes
}

func (s *Settings) handleDisplayModes(resolution *display.Resolution, refreshRate *display.RefreshRate, previousModes display.ModeMap, metadata topologyMetadata) (display.ModeMap, error) {
	if resolution != nil || refreshRate != nil {
		originalModes := previousModes
		if len(originalModes) == 0 {
			var err error
			originalModes, err = s.platform.DisplayModes(display.TopologyDeviceIds(metadata.currentTopology))
			if err != nil {
				return nil, xerrors.Errorf("failed to get current display modes: %w", err)
			}
		}

		newModes := determineNewModes(resolution, refreshRate, originalModes, metadata)
		logger.Debug("changing display modes to:", spew.Sdump(newModes))
		if err := display.SetDisplayModes(s.platform, newModes); err != nil {
			return nil, err
		}
		return originalModes, nil
	}

	if len(previousModes) > 0 {
		logger.Debug("changing display modes back to:", spew.Sdump(previousModes))
		if err := display.SetDisplayModes(s.platform, previousModes); err != nil {
			return nil, err
		}
	}
	return nil, nil
}

// blankHdrStates works around displays that render HDR incorrectly for a
// short while right after activation (virtual displays notably). Every
// newly enabled device is first flipped to the opposite of its final HDR
// state; after a settle delay the caller applies the real states.
func (s *Settings) blankHdrStates(states display.HdrStateMap, newlyEnabled strv.Strv) error {
	if hdrBlankDelay <= 0 {
		return nil
	}

	toggled := make(display.HdrStateMap, len(states))
	for deviceID, state := range states {
		toggled[deviceID] = state
	}

	changed := false
	for _, deviceID := range newlyEnabled {
		switch toggled[deviceID] {
		case display.HdrStateEnabled:
			toggled[deviceID] = display.HdrStateDisabled
			changed = true
		case display.HdrStateDisabled:
			toggled[deviceID] = display.HdrStateEnabled
			changed = true
		}
	}
	if !changed {
		return nil
	}

	logger.Debugf("toggling HDR states for newly enabled devices and waiting %v before applying the final states", hdrBlankDelay)
	if err := s.platform.ApplyHdrStates(toggled); err != nil {
		return err
	}
	time.Sleep(hdrBlankDelay)
	return nil
}

func determineNewHdrStates(changeHdrState *bool, originalStates display.HdrStateMap, metadata topologyMetadata) display.HdrStateMap {
	newStates := make(display.HdrStateMap, len(originalStates))
	for deviceID, state := range originalStates {
		newStates[deviceID] = state
	}

	if changeHdrState != nil {
		endState := display.HdrStateDisabled
		if *changeHdrState {
			endState = display.HdrStateEnabled
		}
		tryUpdate := func(deviceID string) {
			// An unknown state cannot be forced to anything.
			if newStates[deviceID] == display.HdrStateUnknown {
				return
			}
			newStates[deviceID] = endState
		}

		if metadata.primaryRequested {
			for _, deviceID := range metadata.duplicatedDevices {
				tryUpdate(deviceID)
			}
		} else {
			// Duplicated devices may have different HDR states, only
			// the requested device is touched.
			tryUpdate(metadata.duplicatedDevices[0])
		}
	}

	return newStates
}

func (s *Settings) handleHdrStates(changeHdrState *bool, previousStates display.HdrStateMap, metadata topologyMetadata) (display.HdrStateMap, error) {
	if changeHdrState != nil {
		originalStates := previousStates
		if len(originalStates) == 0 {
			var err error
			originalStates, err = s.platform.HdrStates(display.TopologyDeviceIds(metadata.currentTopology))
			if err != nil {
				return nil, xerrors.Errorf("failed to get current HDR states: %w", err)
			}
		}

		newStates := determineNewHdrStates(changeHdrState, originalStates, metadata)
		// The skip is only safe when no device was just activated;
		// freshly enabled devices need the blanking toggle even when
		// their reported state already matches.
		if len(metadata.newlyEnabled) == 0 {
			if current, err := s.platform.HdrStates(display.TopologyDeviceIds(metadata.currentTopology)); err == nil &&
				hdrStatesEqual(newStates, current) {
				logger.Debug("no changes were made to HDR states")
				return originalStates, nil
			}
		}

		logger.Debug("changing HDR states to:", spew.Sdump(newStates))
		if err := s.blankHdrStates(newStates, metadata.newlyEnabled); err != nil {
			return nil, err
		}
		if err := s.platform.ApplyHdrStates(newStates); err != nil {
			return nil, xerrors.Errorf("failed to set HDR states: %w", err)
		}
		return originalStates, nil
	}

	if len(previousStates) > 0 {
		logger.Debug("changing HDR states back to:", spew.Sdump(previousStates))
		if err := s.blankHdrStates(previousStates, metadata.newlyEnabled); err != nil {
			return nil, err
		}
		if err := s.platform.ApplyHdrStates(previousStates); err != nil {
			return nil, xerrors.Errorf("failed to set HDR states: %w", err)
		}
	}
	return nil, nil
}

// Revert undoes everything recorded in the snapshot, loading it from
// disk when there is no in-memory copy (crash recovery). On full success
// the snapshot is deleted; on partial success the remaining fields are
// persisted so a later retry only handles what is left. Returns true
// when nothing is left to revert.
func (s *Settings) Revert() bool {
	if s.data == nil {
		logger.Info("loading persistent display device settings")
		data, err := loadSettingsData(s.path)
		if err != nil {
			logger.Warning("failed to load saved display settings:", err)
		}
		s.data = data
	}
	if s.data == nil {
		return true
	}

	logger.Info("reverting display device settings")
	ok, updated := s.tryRevert(s.data)
	if !ok {
		if updated {
			if err := s.save(); err != nil {
				logger.Warning("failed to save partially reverted settings:", err)
			}
		}
		logger.Warning("failed to revert display device settings")
		return false
	}

	s.removeFile()
	s.data = nil
	s.releaseAudio()
	logger.Info("display device configuration reset")
	return true
}

// tryRevert walks the snapshot in reverse apply order. Facets are bound
// to the topology they were changed in, so the modified topology is
// restored first, then HDR, modes and primary are reverted (each cleared
// from the snapshot on individual success), and finally the initial
// topology is brought back.
func (s *Settings) tryRevert(data *settingsData) (ok, updated bool) {
	if !data.containsModifications() {
		return true, false
	}

	partiallyFailed := false
	var newlyEnabled strv.Strv
	current, err := s.platform.CurrentTopology()
	if err != nil {
		logger.Warning("failed to get current topology:", err)
		partiallyFailed = true
	}

	if data.hasTopologyChanges() {
		applied, err := display.SetTopology(s.platform, data.Topology.Modified)
		if err != nil {
			logger.Warning("cannot switch to the topology to undo changes:", err)
			partiallyFailed = true
		} else {
			newlyEnabled = mergeDeviceIds(newlyEnabled, display.NewlyEnabledDevices(current, applied))
			current = applied

			if len(data.OriginalHdrStates) > 0 {
				logger.Debug("changing back the HDR states to:", spew.Sdump(data.OriginalHdrStates))
				if err := s.platform.ApplyHdrStates(data.OriginalHdrStates); err != nil {
					logger.Warning("failed to revert HDR states:", err)
					partiallyFailed = true
				} else {
					data.OriginalHdrStates = nil
					updated = true
				}
			}

			if len(data.OriginalModes) > 0 {
				logger.Debug("changing back the display modes to:", spew.Sdump(data.OriginalModes))
				if err := display.SetDisplayModes(s.platform, data.OriginalModes); err != nil {
					logger.Warning("failed to revert display modes:", err)
					partiallyFailed = true
				} else {
					data.OriginalModes = nil
					updated = true
				}
			}

			if data.OriginalPrimaryDisplay != "" {
				logger.Debug("changing back the primary display to:", data.OriginalPrimaryDisplay)
				if err := s.platform.SetPrimary(data.OriginalPrimaryDisplay); err != nil {
					logger.Warning("failed to revert primary display:", err)
					partiallyFailed = true
				} else {
					data.OriginalPrimaryDisplay = ""
					updated = true
				}
			}
		}
	}

	applied, err := display.SetTopology(s.platform, data.Topology.Initial)
	if err != nil {
		logger.Warning("failed to switch back to the initial topology:", err)
		partiallyFailed = true
	} else {
		newlyEnabled = mergeDeviceIds(newlyEnabled, display.NewlyEnabledDevices(current, applied))
		current = applied
	}

	if len(newlyEnabled) > 0 {
		// Cosmetic only: displays that just lit up may render HDR
		// incorrectly, run the blanking workaround on their current
		// states and ignore failures.
		states, err := s.platform.HdrStates(display.TopologyDeviceIds(current))
		if err == nil {
			logger.Debug("trying to fix HDR states (if needed)")
			_ = s.blankHdrStates(states, newlyEnabled)
			_ = s.platform.ApplyHdrStates(states)
		}
	}

	return !partiallyFailed, updated
}

// ResetPersistence force-discards the snapshot after one last best
// effort revert.
func (s *Settings) ResetPersistence() {
	logger.Info("purging persistent display device data (trying to reset settings one last time)")
	if s.data != nil && !s.Revert() {
		logger.Info("failed to revert settings, proceeding to reset persistence")
	}
	s.removeFile()
	s.data = nil
	s.releaseAudio()
}

func (s *Settings) releaseAudio() {
	if s.audio == nil {
		return
	}
	logger.Debug("releasing captured audio sink")
	s.audio.Release()
	s.audio = nil
}

func (s *Settings) save() error {
	if s.watcher != nil {
		s.watcher.markOwnChange()
	}
	return saveSettingsData(s.path, s.data)
}

func (s *Settings) removeFile() {
	if s.watcher != nil && utils.IsFileExist(s.path) {
		s.watcher.markOwnChange()
	}
	removeSettingsData(s.path)
}

func hdrStatesEqual(a, b display.HdrStateMap) bool {
	if len(a) != len(b) {
		return false
	}
	for deviceID, state := range a {
		if b[deviceID] != state {
			return false
		}
	}
	return true
}

func mergeDeviceIds(a, b strv.Strv) strv.Strv {
	for _, deviceID := range b {
		a, _ = a.Add(deviceID)
	}
	return a
}
