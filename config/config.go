// Package config manages persistent netplay/replay preferences for the
// emulator host, stored as JSON at os.UserConfigDir()/jimmi/config.json.
package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"time"
)

// Config holds the recognized CLI & config surface: playback, recording,
// and the netplay start parameters.
type Config struct {
	Playback     bool   `json:"playback"`
	PlaybackPath string `json:"playback_path"`

	Record     bool   `json:"record"`
	RecordPath string `json:"record_path"`

	Netplay NetplayParams `json:"netplay"`
}

// NetplayParams are the three required netplay start parameters; there
// is no default for any of them, unlike the rest of Config.
type NetplayParams struct {
	RelayHost string `json:"relay_host"`
	Token     string `json:"token"`
	IsHost    bool   `json:"is_host"`
}

// Complete reports whether RelayHost and Token are both non-empty.
// IsHost is a bool and is not checked.
func (n NetplayParams) Complete() bool {
	return n.RelayHost != "" && n.Token != ""
}

// Default returns a Config with recording/playback disabled and no
// netplay parameters.
func Default() Config {
	return Config{
		RecordPath: "./replays",
	}
}

// Path returns the absolute path to the config file.
func Path() (string, error) {
	dir, err := os.UserConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "jimmi", "config.json"), nil
}

// Load reads the config file and returns it. If the file is missing or
// unreadable, the default config is returned, never an error: an
// emulator host should never fail to start over a missing preferences
// file.
func Load() Config {
	path, err := Path()
	if err != nil {
		return Default()
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return Default()
	}
	cfg := Default()
	if err := json.Unmarshal(data, &cfg); err != nil {
		return Default()
	}
	return cfg
}

// Save writes cfg to disk, creating the directory if needed.
func Save(cfg Config) error {
	path, err := Path()
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return err
	}
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o600)
}

// ReplayPathFor generates the timestamped sub-path a recording session
// writes into: ./replays/{remix|vanilla}/YYYY-MM-DDTHH.MM.SS/.
func ReplayPathFor(base string, remix bool, at time.Time) string {
	variant := "vanilla"
	if remix {
		variant = "remix"
	}
	return filepath.Join(base, variant, at.Format("2006-01-02T15.04.05"))
}
