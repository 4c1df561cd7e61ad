// SPDX-FileCopyrightText: 2024 Streamloft Ltd.
//
// SPDX-License-Identifier: GPL-3.0-or-later

// Package session owns the display device state for one streaming host
// process: it serializes configuration and reversion, recovers from
// crashes on startup and keeps retrying a failed revert in the
// background.
package session

import (
	"path/filepath"
	"sync"
	"time"

	"github.com/davecgh/go-spew/spew"
	"github.com/linuxdeepin/go-lib/log"
	"github.com/streamloft/displayd/display"
	"github.com/streamloft/displayd/settings"
)

var logger = log.NewLogger("displayd/session")

// SetLogLevel adjusts the verbosity of the package logger.
func SetLogLevel(level log.Priority) {
	logger.SetLogLevel(level)
}

// snapshotFileName is the persisted snapshot file inside the data
// directory.
const snapshotFileName = "original_display_settings.json"

// retryInterval is how long the monitor waits between revert retries.
const retryInterval = 30 * time.Second

// Config carries the construction parameters of a Session.
type Config struct {
	// DataDir is where the settings snapshot is persisted. Applying a
	// configuration that modifies anything fails without it; better to
	// fail loudly than to mutate displays with no recovery record.
	DataDir string
	// AudioCapturer optionally captures the audio sink around display
	// changes that may disturb default audio routing.
	AudioCapturer settings.AudioCapturer
}

// Session is the façade in front of the settings engine. One mutex
// serializes every entry point, including the background retry, so a
// retry firing and a foreground Configure can never interleave.
type Session struct {
	mu       sync.Mutex
	settings *settings.Settings
	monitor  *retryMonitor
}

// New creates a session and immediately attempts to revert whatever a
// previous process instance may have left behind (crash recovery). If
// that revert cannot complete, the retry monitor keeps trying in the
// background.
func New(platform display.Platform, config Config) *Session {
	if devices, err := platform.EnumDevices(); err == nil && len(devices) > 0 {
		logger.Info("available display devices:", spew.Sdump(devices))
	}

	s := &Session{settings: settings.New(platform)}
	if config.DataDir != "" {
		s.settings.SetFilePath(filepath.Join(config.DataDir, snapshotFileName))
	}
	if config.AudioCapturer != nil {
		s.settings.SetAudioCapturer(config.AudioCapturer)
	}
	s.monitor = newRetryMonitor(s.retryRevert)

	s.Restore()
	return s
}

// Configure prepares the display device for the given client session.
// The result tells the caller whether streaming can proceed. On failure
// the retry monitor is armed so a partially applied change does not
// linger forever.
func (s *Session) Configure(config settings.VideoConfig, info settings.SessionInfo) settings.ApplyResult {
	s.mu.Lock()
	defer s.mu.Unlock()

	result := s.settings.Apply(config, info)
	if result.Ok() {
		s.monitor.Disable()
	} else {
		s.monitor.Enable(retryInterval)
	}
	return result
}

// Restore tries to bring the display devices back to their original
// state. Returns true when nothing is left to revert; otherwise the
// retry monitor is armed.
func (s *Session) Restore() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	ok := s.settings.Revert()
	if ok {
		s.monitor.Disable()
	} else {
		s.monitor.Enable(retryInterval)
	}
	return ok
}

// ResetPersistence force-discards the persisted snapshot after one last
// best effort revert. For when the user decides the recorded state is
// beyond saving.
func (s *Session) ResetPersistence() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.settings.ResetPersistence()
	s.monitor.Disable()
}

// Close restores the display state and shuts the session down. The
// retry monitor is joined deterministically; an incomplete revert at
// this point stays persisted for the next process start to pick up.
func (s *Session) Close() {
	s.Restore()
	s.monitor.Stop()

	s.mu.Lock()
	defer s.mu.Unlock()
	s.settings.Close()
}

// retryRevert runs under the session mutex like every other entry
// point; reporting success lets the monitor go idle.
func (s *Session) retryRevert() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	logger.Info("retrying to revert display device settings")
	return s.settings.Revert()
}
