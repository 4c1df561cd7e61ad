// SPDX-FileCopyrightText: 2024 Streamloft Ltd.
//
// SPDX-License-Identifier: GPL-3.0-or-later

package settings

import (
	"math"
	"regexp"
	"strconv"
	"strings"

	"github.com/streamloft/displayd/display"
	"golang.org/x/xerrors"
)

// DevicePrep selects how the target device is worked into the topology,
// ordered by how invasive the induced change is.
type DevicePrep int

const (
	// DevicePrepNoOperation leaves the topology alone, the user has to
	// make sure the device is active.
	DevicePrepNoOperation DevicePrep = iota
	// DevicePrepEnsureActive activates the device if needed.
	DevicePrepEnsureActive
	// DevicePrepEnsurePrimary activates the device if needed and makes
	// it the primary display.
	DevicePrepEnsurePrimary
	// DevicePrepEnsureOnlyDisplay deactivates every other display and
	// leaves only the device (with its duplicates) on.
	DevicePrepEnsureOnlyDisplay
)

// ParseDevicePrep maps a configuration string to a DevicePrep. Unknown
// values fall back to no operation.
func ParseDevicePrep(value string) DevicePrep {
	switch value {
	case "ensure_active":
		return DevicePrepEnsureActive
	case "ensure_primary":
		return DevicePrepEnsurePrimary
	case "ensure_only_display":
		return DevicePrepEnsureOnlyDisplay
	default:
		return DevicePrepNoOperation
	}
}

// ResolutionChange selects where the target resolution comes from.
type ResolutionChange int

const (
	// ResolutionChangeNone keeps the current resolution.
	ResolutionChangeNone ResolutionChange = iota
	// ResolutionChangeAutomatic takes the resolution the client asked for.
	ResolutionChangeAutomatic
	// ResolutionChangeManual takes the resolution from ManualResolution.
	ResolutionChangeManual
)

// ParseResolutionChange maps a configuration string to a ResolutionChange.
func ParseResolutionChange(value string) ResolutionChange {
	switch value {
	case "automatic":
		return ResolutionChangeAutomatic
	case "manual":
		return ResolutionChangeManual
	default:
		return ResolutionChangeNone
	}
}

// RefreshRateChange selects where the target refresh rate comes from.
type RefreshRateChange int

const (
	RefreshRateChangeNone RefreshRateChange = iota
	RefreshRateChangeAutomatic
	RefreshRateChangeManual
)

// ParseRefreshRateChange maps a configuration string to a RefreshRateChange.
func ParseRefreshRateChange(value string) RefreshRateChange {
	switch value {
	case "automatic":
		return RefreshRateChangeAutomatic
	case "manual":
		return RefreshRateChangeManual
	default:
		return RefreshRateChangeNone
	}
}

// HdrPrep selects whether the HDR state follows the client session.
type HdrPrep int

const (
	HdrPrepNoOperation HdrPrep = iota
	HdrPrepAutomatic
)

// ParseHdrPrep maps a configuration string to a HdrPrep.
func ParseHdrPrep(value string) HdrPrep {
	if value == "automatic" {
		return HdrPrepAutomatic
	}
	return HdrPrepNoOperation
}

// VideoConfig is the host-side configuration for preparing the display
// before a streaming session.
type VideoConfig struct {
	// OutputName is the stable id of the target device. Empty means
	// "whatever is primary right now".
	OutputName string

	DevicePrep DevicePrep

	ResolutionChange ResolutionChange
	// ManualResolution must match WIDTHxHEIGHT, e.g. "1920x1080".
	ManualResolution string

	RefreshRateChange RefreshRateChange
	// ManualRefreshRate must be a plain or decimal number, e.g. "60"
	// or "59.995".
	ManualRefreshRate string

	HdrPrep HdrPrep
}

// SessionInfo carries the client session parameters relevant to display
// preparation.
type SessionInfo struct {
	Width  int
	Height int
	FPS    int
	// EnableHDR is the client's wish for HDR streaming.
	EnableHDR bool
	// OptimizeDisplay reflects the client's "optimize game settings"
	// switch; automatic resolution is only honored when it is on.
	OptimizeDisplay bool
}

// parsedConfig is the immutable, validated input to the apply engine.
type parsedConfig struct {
	deviceID       string
	devicePrep     DevicePrep
	resolution     *display.Resolution
	refreshRate    *display.RefreshRate
	changeHdrState *bool
}

var (
	resolutionRegexp  = regexp.MustCompile(`^(\d+)x(\d+)$`)
	refreshRateRegexp = regexp.MustCompile(`^(\d+)(?:\.(\d+))?$`)
)

func parseResolutionOption(config VideoConfig, session SessionInfo, parsed *parsedConfig) error {
	switch config.ResolutionChange {
	case ResolutionChangeAutomatic:
		if !session.OptimizeDisplay {
			// The client did not ask for display optimization, leave
			// the resolution alone.
			return nil
		}
		if session.Width < 0 || session.Height < 0 {
			return xerrors.Errorf("resolution provided by client session is invalid: %dx%d",
				session.Width, session.Height)
		}
		parsed.resolution = &display.Resolution{
			Width:  uint32(session.Width),
			Height: uint32(session.Height),
		}
	case ResolutionChangeManual:
		trimmed := strings.TrimSpace(config.ManualResolution)
		match := resolutionRegexp.FindStringSubmatch(trimmed)
		if match == nil {
			return xerrors.Errorf("failed to parse manual resolution %q, it must match a WIDTHxHEIGHT pattern", trimmed)
		}
		width, err := strconv.ParseUint(match[1], 10, 32)
		if err != nil {
			return xerrors.Errorf("failed to parse manual resolution %q: %w", trimmed, err)
		}
		height, err := strconv.ParseUint(match[2], 10, 32)
		if err != nil {
			return xerrors.Errorf("failed to parse manual resolution %q: %w", trimmed, err)
		}
		parsed.resolution = &display.Resolution{
			Width:  uint32(width),
			Height: uint32(height),
		}
	}
	return nil
}

func parseRefreshRateOption(config VideoConfig, session SessionInfo, parsed *parsedConfig) error {
	switch config.RefreshRateChange {
	case RefreshRateChangeAutomatic:
		if session.FPS < 0 {
			return xerrors.Errorf("FPS value provided by client session is invalid: %d", session.FPS)
		}
		parsed.refreshRate = &display.RefreshRate{
			Numerator:   uint32(session.FPS),
			Denominator: 1,
		}
	case RefreshRateChangeManual:
		trimmed := strings.TrimSpace(config.ManualRefreshRate)
		match := refreshRateRegexp.FindStringSubmatch(trimmed)
		if match == nil {
			return xerrors.Errorf("failed to parse manual refresh rate %q, it must match a \"123\" or \"123.456\" pattern", trimmed)
		}
		if match[2] == "" {
			numerator, err := strconv.ParseUint(match[1], 10, 32)
			if err != nil {
				return xerrors.Errorf("failed to parse manual refresh rate %q: %w", trimmed, err)
			}
			parsed.refreshRate = &display.RefreshRate{
				Numerator:   uint32(numerator),
				Denominator: 1,
			}
			return nil
		}

		// A decimal rate is kept exact by dropping the decimal point and
		// using a power-of-ten denominator: 59.995 -> 59995/1000.
		numerator, err := strconv.ParseUint(match[1]+match[2], 10, 32)
		if err != nil {
			return xerrors.Errorf("failed to parse manual refresh rate %q: %w", trimmed, err)
		}
		denominator := uint64(math.Pow10(len(match[2])))
		if denominator > math.MaxUint32 {
			return xerrors.Errorf("failed to parse manual refresh rate %q: too many decimal places", trimmed)
		}
		parsed.refreshRate = &display.RefreshRate{
			Numerator:   uint32(numerator),
			Denominator: uint32(denominator),
		}
	}
	return nil
}

func parseHdrOption(config VideoConfig, session SessionInfo) *bool {
	if config.HdrPrep == HdrPrepAutomatic {
		enable := session.EnableHDR
		return &enable
	}
	return nil
}

// makeParsedConfig validates the configuration and session parameters
// into an immutable request. Nothing is mutated on failure.
func makeParsedConfig(config VideoConfig, session SessionInfo) (*parsedConfig, error) {
	parsed := &parsedConfig{
		deviceID:       config.OutputName,
		devicePrep:     config.DevicePrep,
		changeHdrState: parseHdrOption(config, session),
	}

	if err := parseResolutionOption(config, session, parsed); err != nil {
		return nil, err
	}
	if err := parseRefreshRateOption(config, session, parsed); err != nil {
		return nil, err
	}
	return parsed, nil
}
