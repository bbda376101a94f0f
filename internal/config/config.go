// Package config loads the broker's YAML configuration.
//
// Grounded on the teacher's config.Load: defaults constructed first, then
// overlaid by gopkg.in/yaml.v3 unmarshalling of the file on disk.
package config

import (
	"encoding/base64"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the top-level broker configuration.
type Config struct {
	Provider ListenerConfig `yaml:"provider"`
	Probe    ListenerConfig `yaml:"probe"`
	Rest     RestConfig     `yaml:"rest"`
	Auth     AuthConfig     `yaml:"auth"`
	Log      LogConfig      `yaml:"log"`
}

// ListenerConfig describes one of the two tunnel TCP listeners (§4.7, §6).
type ListenerConfig struct {
	BindAddr string     `yaml:"bind_addr"`
	Port     int        `yaml:"port"`
	TLS      *TLSConfig `yaml:"tls"`
}

// TLSConfig names certificate material for the (optional, provider-side)
// TLS listener (§4.7, §6).
type TLSConfig struct {
	CertFile     string `yaml:"cert_file"`
	KeyFile      string `yaml:"key_file"`
	ClientCAFile string `yaml:"client_ca_file"` // optional client-auth trust anchor
	RequireClientCert bool `yaml:"require_client_cert"`
}

// RestConfig describes the REST admin surface (§4.8).
type RestConfig struct {
	BindAddr string `yaml:"bind_addr"`
	Port     int    `yaml:"port"`
}

// AuthConfig carries the admin bearer token and session token lifetime.
type AuthConfig struct {
	// AdminTokenBase64 is the pre-shared admin credential (25 raw bytes,
	// standard base64), accepted by POST /admin/login.
	AdminTokenBase64 string        `yaml:"admin_token"`
	SessionTTL       time.Duration `yaml:"session_ttl"`
}

// LogConfig controls logrus output.
type LogConfig struct {
	Level string `yaml:"level"`
}

// AdminTokenBytes decodes AdminTokenBase64, validating its length.
func (a AuthConfig) AdminTokenBytes() ([]byte, error) {
	b, err := base64.StdEncoding.DecodeString(a.AdminTokenBase64)
	if err != nil {
		return nil, fmt.Errorf("config: invalid admin_token: %w", err)
	}
	if len(b) != 25 {
		return nil, fmt.Errorf("config: admin_token must decode to 25 bytes, got %d", len(b))
	}
	return b, nil
}

// Load reads path, applying defaults first and letting the file override
// them — matching the teacher's config.Load shape.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	cfg := &Config{
		Provider: ListenerConfig{BindAddr: "::", Port: 6666},
		Probe:    ListenerConfig{BindAddr: "::", Port: 5555},
		Rest:     RestConfig{BindAddr: "::", Port: 8080},
		Auth:     AuthConfig{SessionTTL: 12 * time.Hour},
		Log:      LogConfig{Level: "info"},
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}
