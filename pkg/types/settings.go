package types

import (
	"errors"
	"fmt"
	"time"
)

// CurrentSettingsVersion is the current version of the settings struct.
// Increment this value when adding new fields that require default values.
const CurrentSettingsVersion = 4

// MaxHoldSeconds bounds how long an optimistic hold may mask confirmed state.
const MaxHoldSeconds = 90

// Settings represents the per-site configuration stored in the database.
// These are dynamic settings that can be changed without redeploying.
type Settings struct {
	// Pause polling for this site entirely
	Pause bool `json:"pause"`

	// Cadences
	PollSlowSeconds          int  `json:"pollSlowSeconds"`
	PollFastSeconds          int  `json:"pollFastSeconds"`
	PostCommandBurstSeconds  int  `json:"postCommandBurstSeconds"`
	LiveStreamSeconds        int  `json:"liveStreamSeconds"`
	PreferLiveStreamFastPoll bool `json:"preferLiveStreamFastPoll"`
	// Consecutive idle observations before dropping back to the slow cadence
	IdleDebounceCount int `json:"idleDebounceCount"`

	// Upstream calls
	APITimeoutMs     int `json:"apiTimeoutMs"`
	CommandTimeoutMs int `json:"commandTimeoutMs"`

	// Only poll site level sources (energy, battery, inventory)
	SiteOnly bool `json:"siteOnly"`

	// Used to estimate power when the charger doesn't report an operating voltage
	NominalVoltage float64 `json:"nominalVoltage"`

	// Consecutive successful polls a serial may be missing before it's removed
	MissingSerialPolls int `json:"missingSerialPolls"`
	HoldSeconds        int `json:"holdSeconds"`

	BackoffBaseSeconds    int `json:"backoffBaseSeconds"`
	BackoffCeilingSeconds int `json:"backoffCeilingSeconds"`

	// Energy counter reset classification (kWh)
	ResetJitterKWh           float64 `json:"resetJitterKWh"`
	ResetDropThresholdKWh    float64 `json:"resetDropThresholdKWh"`
	ResetFloorKWh            float64 `json:"resetFloorKWh"`
	ResetRatio               float64 `json:"resetRatio"`
	ResetConfirmToleranceKWh float64 `json:"resetConfirmToleranceKWh"`
	ResetConfirmCount        int     `json:"resetConfirmCount"`

	// A pending reset older than this is confirmed on its next matching sample
	ResetConfirmWindowSeconds int `json:"resetConfirmWindowSeconds"`

	// Credentials for the cloud account (encrypted)
	EncryptedCredentials []byte `json:"encryptedCredentials,omitempty"`
}

// DefaultSettings returns settings with every default applied.
func DefaultSettings() Settings {
	s, _, _ := MigrateSettings(Settings{}, 0)
	return s
}

// MigrateSettings migrates the settings to the current version.
// It returns the migrated settings, a boolean indicating if changes were made, and an error if migration failed.
func MigrateSettings(s Settings, currentVersion int) (Settings, bool, error) {
	if currentVersion >= CurrentSettingsVersion {
		return s, false, nil
	}

	migrated := false
	setInt := func(v *int, def int) {
		if *v == 0 {
			*v = def
			migrated = true
		}
	}
	setFloat := func(v *float64, def float64) {
		if *v == 0 {
			*v = def
			migrated = true
		}
	}
	for version := currentVersion + 1; version <= CurrentSettingsVersion; version++ {
		switch version {
		case 1:
			// version 1: cadences and timeouts
			setInt(&s.PollSlowSeconds, 30)
			setInt(&s.PollFastSeconds, 10)
			setInt(&s.PostCommandBurstSeconds, 60)
			setInt(&s.APITimeoutMs, 10000)
			setInt(&s.CommandTimeoutMs, 15000)
			setFloat(&s.NominalVoltage, 240)
			setInt(&s.IdleDebounceCount, 3)
			setInt(&s.MissingSerialPolls, 3)
			setInt(&s.HoldSeconds, MaxHoldSeconds)
			setInt(&s.BackoffBaseSeconds, 5)
			setInt(&s.BackoffCeilingSeconds, 900)
		case 2:
			// version 2: energy reset classification
			setFloat(&s.ResetJitterKWh, 0.02)
			setFloat(&s.ResetDropThresholdKWh, 0.5)
			setFloat(&s.ResetFloorKWh, 5.0)
			setFloat(&s.ResetRatio, 0.5)
			setFloat(&s.ResetConfirmToleranceKWh, 0.05)
			setInt(&s.ResetConfirmCount, 2)
		case 3:
			// version 3: live stream window, fast polling while streaming is the default
			if s.LiveStreamSeconds == 0 {
				s.LiveStreamSeconds = 900
				s.PreferLiveStreamFastPoll = true
				migrated = true
			}
		case 4:
			// version 4: time based reset confirmation
			setInt(&s.ResetConfirmWindowSeconds, 180)
		default:
			return s, false, fmt.Errorf("unknown settings version: %d", version)
		}
	}

	return s, migrated, nil
}

// Validate checks the settings for values the coordinator can't run with.
func (s Settings) Validate() error {
	if s.PollSlowSeconds <= 0 || s.PollFastSeconds <= 0 || s.PostCommandBurstSeconds <= 0 {
		return errors.New("poll cadences must be positive")
	}
	if s.PollFastSeconds > s.PollSlowSeconds {
		return fmt.Errorf("pollFastSeconds (%d) must not exceed pollSlowSeconds (%d)", s.PollFastSeconds, s.PollSlowSeconds)
	}
	if s.APITimeoutMs <= 0 || s.CommandTimeoutMs <= 0 {
		return errors.New("timeouts must be positive")
	}
	if s.NominalVoltage < 100 || s.NominalVoltage > 480 {
		return fmt.Errorf("nominalVoltage out of range: %v", s.NominalVoltage)
	}
	if s.HoldSeconds <= 0 || s.HoldSeconds > MaxHoldSeconds {
		return fmt.Errorf("holdSeconds must be between 1 and %d", MaxHoldSeconds)
	}
	if s.ResetConfirmCount < 2 {
		return errors.New("resetConfirmCount must be at least 2")
	}
	if s.ResetConfirmWindowSeconds < 0 {
		return errors.New("resetConfirmWindowSeconds must not be negative")
	}
	if s.BackoffBaseSeconds <= 0 || s.BackoffCeilingSeconds < s.BackoffBaseSeconds {
		return errors.New("invalid backoff bounds")
	}
	return nil
}

func (s Settings) PollSlow() time.Duration { return time.Duration(s.PollSlowSeconds) * time.Second }
func (s Settings) PollFast() time.Duration { return time.Duration(s.PollFastSeconds) * time.Second }
func (s Settings) PostCommandBurst() time.Duration {
	return time.Duration(s.PostCommandBurstSeconds) * time.Second
}
func (s Settings) LiveStream() time.Duration { return time.Duration(s.LiveStreamSeconds) * time.Second }
func (s Settings) APITimeout() time.Duration {
	return time.Duration(s.APITimeoutMs) * time.Millisecond
}
func (s Settings) CommandTimeout() time.Duration {
	return time.Duration(s.CommandTimeoutMs) * time.Millisecond
}
func (s Settings) ResetConfirmWindow() time.Duration {
	return time.Duration(s.ResetConfirmWindowSeconds) * time.Second
}
func (s Settings) Hold() time.Duration { return time.Duration(s.HoldSeconds) * time.Second }
func (s Settings) BackoffBase() time.Duration {
	return time.Duration(s.BackoffBaseSeconds) * time.Second
}
func (s Settings) BackoffCeiling() time.Duration {
	return time.Duration(s.BackoffCeilingSeconds) * time.Second
}
