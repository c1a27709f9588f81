package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"

	pavlovia "github.com/st-keller/pavlovia-client"
	"github.com/st-keller/pavlovia-client/logging"
	"github.com/st-keller/pavlovia-client/manifest"
	"github.com/st-keller/pavlovia-client/transport"
)

type fileConfig struct {
	PageURL        string              `toml:"page_url" yaml:"page_url"`
	ConfigURL      string              `toml:"config_url" yaml:"config_url"`
	Participant    string              `toml:"participant" yaml:"participant"`
	Results        string              `toml:"results" yaml:"results"`
	DefaultBaseURL string              `toml:"default_base_url" yaml:"default_base_url"`
	LogLevel       string              `toml:"log_level" yaml:"log_level"`
	Transport      fileTransportConfig `toml:"transport" yaml:"transport"`
}

type fileTransportConfig struct {
	CAFile   string `toml:"ca_file" yaml:"ca_file"`
	CertFile string `toml:"cert_file" yaml:"cert_file"`
	KeyFile  string `toml:"key_file" yaml:"key_file"`
	HTTP2    bool   `toml:"http2" yaml:"http2"`
}

type hostConfig struct {
	PageURL        string
	ConfigURL      string
	Participant    string
	ResultsPath    string
	DefaultBaseURL string
	LogLevel       zerolog.Level
	LogLevelSet    bool
	Transport      transport.Config
}

func defaultHostConfig() hostConfig {
	return hostConfig{
		ConfigURL:      manifest.DefaultURL,
		Participant:    pavlovia.DefaultParticipantID,
		DefaultBaseURL: manifest.DefaultBaseURL,
		LogLevel:       zerolog.InfoLevel,
	}
}

// loadHostConfig reads a .toml or .yaml host file over the defaults. Only keys
// present in the file override a default. An empty path returns the defaults.
func loadHostConfig(path string) (hostConfig, error) {
	cfg := defaultHostConfig()
	if strings.TrimSpace(path) == "" {
		return cfg, nil
	}

	var raw fileConfig
	var isDefined func(keys ...string) bool
	switch strings.ToLower(filepath.Ext(path)) {
	case ".toml":
		meta, err := toml.DecodeFile(path, &raw)
		if err != nil {
			return hostConfig{}, fmt.Errorf("load host config: %w", err)
		}
		isDefined = meta.IsDefined
	case ".yaml", ".yml":
		data, err := os.ReadFile(path)
		if err != nil {
			return hostConfig{}, fmt.Errorf("load host config: %w", err)
		}
		isDefined, err = decodeYAML(data, &raw)
		if err != nil {
			return hostConfig{}, fmt.Errorf("load host config: %w", err)
		}
	default:
		return hostConfig{}, fmt.Errorf("load host config: unsupported format %q", filepath.Ext(path))
	}

	if isDefined("page_url") {
		cfg.PageURL = strings.TrimSpace(raw.PageURL)
	}
	if isDefined("config_url") {
		if v := strings.TrimSpace(raw.ConfigURL); v != "" {
			cfg.ConfigURL = v
		}
	}
	if isDefined("participant") {
		if v := strings.TrimSpace(raw.Participant); v != "" {
			cfg.Participant = v
		}
	}
	if isDefined("results") {
		cfg.ResultsPath = strings.TrimSpace(raw.Results)
	}
	if isDefined("default_base_url") {
		if v := strings.TrimSpace(raw.DefaultBaseURL); v != "" {
			cfg.DefaultBaseURL = v
		}
	}
	if isDefined("log_level") {
		lvl, ok := logging.ParseLevel(raw.LogLevel)
		if !ok {
			return hostConfig{}, fmt.Errorf("parse log_level: unknown level %q", raw.LogLevel)
		}
		cfg.LogLevel = lvl
		cfg.LogLevelSet = true
	}

	if isDefined("transport", "ca_file") {
		cfg.Transport.CAFile = strings.TrimSpace(raw.Transport.CAFile)
	}
	if isDefined("transport", "cert_file") {
		cfg.Transport.CertFile = strings.TrimSpace(raw.Transport.CertFile)
	}
	if isDefined("transport", "key_file") {
		cfg.Transport.KeyFile = strings.TrimSpace(raw.Transport.KeyFile)
	}
	if isDefined("transport", "http2") {
		cfg.Transport.HTTP2 = raw.Transport.HTTP2
	}

	if err := cfg.Transport.Validate(); err != nil {
		return hostConfig{}, fmt.Errorf("validate transport: %w", err)
	}
	return cfg, nil
}

func decodeYAML(data []byte, raw *fileConfig) (func(keys ...string) bool, error) {
	var doc yaml.Node
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, err
	}
	if len(doc.Content) == 0 {
		return func(...string) bool { return false }, nil
	}
	if err := doc.Decode(raw); err != nil {
		return nil, err
	}
	return func(keys ...string) bool { return yamlHasPath(doc.Content[0], keys) }, nil
}

func yamlHasPath(n *yaml.Node, keys []string) bool {
	for _, key := range keys {
		if n.Kind != yaml.MappingNode {
			return false
		}
		var next *yaml.Node
		for i := 0; i+1 < len(n.Content); i += 2 {
			if n.Content[i].Value == key {
				next = n.Content[i+1]
				break
			}
		}
		if next == nil {
			return false
		}
		n = next
	}
	return true
}
