// Package manifest reads and validates the experiment configuration file
// (config.json) that the server places next to every experiment.
package manifest

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/st-keller/pavlovia-client/chain"
)

// DefaultBaseURL is the server that legacy manifests implicitly point at.
const DefaultBaseURL = "https://pavlovia.org"

// SaveFormat is how the server stores uploaded results.
type SaveFormat string

const (
	SaveFormatCSV      SaveFormat = "CSV"
	SaveFormatDatabase SaveFormat = "DATABASE"
)

// Known reports whether f is one of the formats the server documents.
func (f SaveFormat) Known() bool {
	return f == SaveFormatCSV || f == SaveFormatDatabase
}

// Manifest is the validated, canonical configuration.
type Manifest struct {
	Experiment Experiment `json:"experiment"`
	Endpoint   Endpoint   `json:"endpoint"`
}

type Experiment struct {
	Name       string     `json:"name"`
	FullPath   string     `json:"fullpath"`
	Token      string     `json:"token,omitempty"`
	Status     string     `json:"status,omitempty"`
	SaveFormat SaveFormat `json:"saveFormat,omitempty"`
}

type Endpoint struct {
	BaseURL string `json:"baseUrl"`
}

const (
	keyExperiment = "experiment"
	keyEndpoint   = "endpoint"
	keyServer     = "pavlovia"
	keyLegacy     = "psychoJsManager"
)

// Parse decodes, migrates and validates a manifest. Shape failures are
// KindConfigShape terminals naming the missing field; a body that is not a
// JSON object is a KindConfigFetch terminal.
func Parse(data []byte, defaultBaseURL string) (*Manifest, error) {
	if defaultBaseURL == "" {
		defaultBaseURL = DefaultBaseURL
	}

	var blocks map[string]json.RawMessage
	if err := json.Unmarshal(data, &blocks); err != nil {
		return nil, chain.FromError(chain.KindConfigFetch, fmt.Errorf("invalid JSON: %w", err))
	}
	if blocks == nil {
		return nil, chain.New(chain.KindConfigFetch, "invalid JSON: configuration is not an object")
	}

	// Legacy experiments had a psychoJsManager block and implicitly used the
	// default server.
	if _, ok := blocks[keyLegacy]; ok {
		delete(blocks, keyLegacy)
		delete(blocks, keyServer)
		blocks[keyEndpoint] = mustMarshal(map[string]string{"baseUrl": defaultBaseURL})
	}

	var m Manifest

	experiment, err := object(blocks, keyExperiment, "missing experiment block in configuration")
	if err != nil {
		return nil, err
	}
	if m.Experiment.Name, err = field(experiment, "name", "missing name in experiment block in configuration"); err != nil {
		return nil, err
	}
	if m.Experiment.FullPath, err = field(experiment, "fullpath", "missing fullpath in experiment block in configuration"); err != nil {
		return nil, err
	}
	m.Experiment.Token = optional(experiment, "token")
	m.Experiment.Status = optional(experiment, "status")
	m.Experiment.SaveFormat = SaveFormat(optional(experiment, "saveFormat"))

	m.Endpoint.BaseURL, err = endpointURL(blocks)
	if err != nil {
		return nil, err
	}
	m.Endpoint.BaseURL = strings.TrimRight(m.Endpoint.BaseURL, "/")

	return &m, nil
}

// endpointURL reads the canonical endpoint block, falling back to the
// server-generated pavlovia block.
func endpointURL(blocks map[string]json.RawMessage) (string, error) {
	if _, ok := blocks[keyEndpoint]; ok {
		endpoint, err := object(blocks, keyEndpoint, "missing endpoint block in configuration")
		if err != nil {
			return "", err
		}
		return field(endpoint, "baseUrl", "missing baseUrl in endpoint block in configuration")
	}
	if _, ok := blocks[keyServer]; ok {
		server, err := object(blocks, keyServer, "missing endpoint block in configuration")
		if err != nil {
			return "", err
		}
		return field(server, "URL", "missing URL in pavlovia block in configuration")
	}
	return "", chain.New(chain.KindConfigShape, "missing endpoint block in configuration")
}

func object(blocks map[string]json.RawMessage, key, missing string) (map[string]json.RawMessage, error) {
	raw, ok := blocks[key]
	if !ok {
		return nil, chain.New(chain.KindConfigShape, missing)
	}
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(raw, &obj); err != nil || obj == nil {
		return nil, chain.New(chain.KindConfigShape, missing)
	}
	return obj, nil
}

func field(obj map[string]json.RawMessage, key, missing string) (string, error) {
	v := optional(obj, key)
	if strings.TrimSpace(v) == "" {
		return "", chain.New(chain.KindConfigShape, missing)
	}
	return v, nil
}

func optional(obj map[string]json.RawMessage, key string) string {
	raw, ok := obj[key]
	if !ok {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return ""
	}
	return s
}

func mustMarshal(v any) json.RawMessage {
	data, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return data
}
