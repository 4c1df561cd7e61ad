// SPDX-FileCopyrightText: 2024 Streamloft Ltd.
//
// SPDX-License-Identifier: GPL-3.0-or-later

package settings

import (
	"encoding/json"
	"os"
	"path/filepath"

	"github.com/davecgh/go-spew/spew"
	"github.com/linuxdeepin/go-lib/log"
	"github.com/linuxdeepin/go-lib/utils"
	"github.com/streamloft/displayd/display"
	"golang.org/x/xerrors"
)

// settingsData is the persisted snapshot of one configuration episode:
// the topology switch plus the pre-change values of everything we
// touched. The original values belong to the modified topology. A facet
// that was never touched stays empty. The snapshot is all that is needed
// to fully undo the episode, including after a crash.
type settingsData struct {
	Topology               topologyData        `json:"topology"`
	OriginalPrimaryDisplay string              `json:"original_primary_display"`
	OriginalModes          display.ModeMap     `json:"original_modes"`
	OriginalHdrStates      display.HdrStateMap `json:"original_hdr_states"`
}

// containsModifications reports whether the snapshot records anything
// that would need undoing.
func (d *settingsData) containsModifications() bool {
	return !display.SameTopology(d.Topology.Initial, d.Topology.Modified) ||
		d.OriginalPrimaryDisplay != "" ||
		len(d.OriginalModes) > 0 ||
		len(d.OriginalHdrStates) > 0
}

// hasTopologyChanges reports whether any facet was changed on top of the
// modified topology. Those facets can only be reverted from that same
// topology.
func (d *settingsData) hasTopologyChanges() bool {
	return d.OriginalPrimaryDisplay != "" ||
		len(d.OriginalModes) > 0 ||
		len(d.OriginalHdrStates) > 0
}

func saveSettingsData(path string, data *settingsData) error {
	if path == "" {
		return xerrors.New("no settings snapshot path configured")
	}
	if logger.GetLogLevel() == log.LevelDebug {
		logger.Debug("saveSettingsData", spew.Sdump(data))
	}

	content, err := json.MarshalIndent(data, "", "    ")
	if err != nil {
		return err
	}

	err = os.MkdirAll(filepath.Dir(path), 0755)
	if err != nil {
		return err
	}

	tmpFile := path + ".new"
	err = os.WriteFile(tmpFile, content, 0644)
	if err != nil {
		return err
	}
	return os.Rename(tmpFile, path)
}

// loadSettingsData returns nil without error when no snapshot file
// exists.
func loadSettingsData(path string) (*settingsData, error) {
	if path == "" || !utils.IsFileExist(path) {
		return nil, nil
	}

	// #nosec G304
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var data settingsData
	err = json.Unmarshal(content, &data)
	if err != nil {
		return nil, err
	}
	return &data, nil
}

func removeSettingsData(path string) {
	if path == "" {
		return
	}
	err := os.Remove(path)
	if err != nil && !os.IsNotExist(err) {
		logger.Warningf("failed to remove %s: %v", path, err)
	}
}
