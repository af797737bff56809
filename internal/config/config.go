// Package config reads the global and per-account TOML settings.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
)

// Global is ~/.courier/config.toml.
type Global struct {
	DefaultAccount string `toml:"default_account"`
}

// Load reads the global config. A missing file is an error.
func Load(path string) (*Global, error) {
	var cfg Global
	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Save writes v as TOML with owner-only permissions, creating parent dirs.
func Save(path string, v any) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return err
	}
	encErr := toml.NewEncoder(f).Encode(v)
	if closeErr := f.Close(); closeErr != nil && encErr == nil {
		return closeErr
	}
	return encErr
}

// Duration is a time.Duration written as a string such as "30s".
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

// Remote kinds.
const (
	RemoteWS       = "ws"
	RemoteWhatsApp = "whatsapp"
)

// Account is accounts/<name>/account.toml.
type Account struct {
	OwnerID  string   `toml:"owner_id"`
	Remote   Remote   `toml:"remote"`
	Sync     Sync     `toml:"sync"`
	Retry    Retry    `toml:"retry"`
	Uploader Uploader `toml:"uploader"`
}

// Remote selects and configures the server backend.
type Remote struct {
	Kind string `toml:"kind"`
	URL  string `toml:"url"`
	// Token is sent as a bearer token on the WebSocket handshake.
	Token string `toml:"token"`
}

// Sync holds page sizes and network timeouts.
type Sync struct {
	PageSize        int      `toml:"page_size"`
	CatchUpPageSize int      `toml:"catch_up_page_size"`
	SendTimeout     Duration `toml:"send_timeout"`
	FetchTimeout    Duration `toml:"fetch_timeout"`
	MarkerTimeout   Duration `toml:"marker_timeout"`
	UploadTimeout   Duration `toml:"upload_timeout"`
	ReconnectMin    Duration `toml:"reconnect_min"`
	ReconnectMax    Duration `toml:"reconnect_max"`
}

// Retry is the send retry policy.
type Retry struct {
	Base         Duration `toml:"base"`
	Multiplier   float64  `toml:"multiplier"`
	Cap          Duration `toml:"cap"`
	MaxAttempts  int      `toml:"max_attempts"`
	ClaimTTL     Duration `toml:"claim_ttl"`
	WakeInterval Duration `toml:"wake_interval"`
}

// Uploader configures S3-compatible attachment storage. An empty bucket
// disables uploads.
type Uploader struct {
	Bucket        string   `toml:"bucket"`
	Region        string   `toml:"region"`
	Endpoint      string   `toml:"endpoint"`
	AccessKey     string   `toml:"access_key"`
	SecretKey     string   `toml:"secret_key"`
	PublicBaseURL string   `toml:"public_base_url"`
	KeyPrefix     string   `toml:"key_prefix"`
	PathStyle     bool     `toml:"path_style"`
	Timeout       Duration `toml:"timeout"`
}

// Defaults returns an account config with every field set.
func Defaults() Account {
	return Account{
		Remote: Remote{Kind: RemoteWS},
		Sync: Sync{
			PageSize:        50,
			CatchUpPageSize: 100,
			SendTimeout:     Duration{30 * time.Second},
			FetchTimeout:    Duration{30 * time.Second},
			MarkerTimeout:   Duration{10 * time.Second},
			UploadTimeout:   Duration{2 * time.Minute},
			ReconnectMin:    Duration{time.Second},
			ReconnectMax:    Duration{time.Minute},
		},
		Retry: Retry{
			Base:         Duration{2 * time.Second},
			Multiplier:   2,
			Cap:          Duration{5 * time.Minute},
			MaxAttempts:  8,
			ClaimTTL:     Duration{3 * time.Minute},
			WakeInterval: Duration{time.Minute},
		},
		Uploader: Uploader{
			Region:    "us-east-1",
			KeyPrefix: "attachments/",
			Timeout:   Duration{2 * time.Minute},
		},
	}
}

// LoadAccount overlays the file at path on Defaults. A missing file yields
// the defaults.
func LoadAccount(path string) (Account, error) {
	cfg := Defaults()
	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return cfg, nil
		}
		return cfg, fmt.Errorf("load %s: %w", path, err)
	}
	return cfg, nil
}

// Validate checks the fields the daemon cannot run without.
func (a Account) Validate() error {
	switch a.Remote.Kind {
	case RemoteWS:
		if a.Remote.URL == "" {
			return errors.New("remote.url is required for the ws remote")
		}
		if a.OwnerID == "" {
			return errors.New("owner_id is required for the ws remote")
		}
	case RemoteWhatsApp:
	default:
		return fmt.Errorf("unknown remote.kind %q", a.Remote.Kind)
	}
	if a.Retry.Multiplier < 1 {
		return fmt.Errorf("retry.multiplier must be at least 1, got %v", a.Retry.Multiplier)
	}
	return nil
}
