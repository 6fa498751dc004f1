// Package config holds the agent configuration: where to connect, which
// metadata document to announce, and the ambient knobs.
package config

import (
	"encoding/json"
	"fmt"
	"net"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/nelyj/fwdtun/internal/transport"
)

// DefaultConnect is the upstream address used when none is configured.
const DefaultConnect = "127.0.0.1:9000"

// defaultPort is appended to bare-host connect addresses.
const defaultPort = "9000"

// Config stores all agent parameters after merging CLI flags over an
// optional YAML config file.
type Config struct {
	Connect       string `yaml:"connect"`        // upstream host:port or ws(s):// URL
	MetadataPath  string `yaml:"metadata"`       // path to the JSON metadata document
	Debug         bool   `yaml:"debug"`          // verbose logging
	MetricsListen string `yaml:"metrics_listen"` // Prometheus endpoint address, empty = off
}

// Load reads a YAML agent config file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
	}
	return cfg, nil
}

// NormalizeConnect validates an upstream address and fills in the default
// port when only a host is given. Websocket URLs pass through untouched.
func NormalizeConnect(raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return DefaultConnect, nil
	}
	if transport.IsWebsocket(raw) {
		return raw, nil
	}
	if !strings.Contains(raw, ":") {
		return net.JoinHostPort(raw, defaultPort), nil
	}
	host, port, err := net.SplitHostPort(raw)
	if err != nil || host == "" || port == "" {
		return "", fmt.Errorf("invalid connect address: %s", raw)
	}
	return net.JoinHostPort(host, port), nil
}

// Metadata returns the serialized metadata document announced during the
// handshake. With no path configured the document is an empty object. The
// file must hold a single JSON object; it is re-encoded compact so the
// document always fits on one handshake line.
func Metadata(path string) ([]byte, error) {
	if path == "" {
		return []byte("{}"), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read metadata file: %w", err)
	}
	var doc map[string]interface{}
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("metadata file %s is not a JSON object: %w", path, err)
	}
	if doc == nil {
		return nil, fmt.Errorf("metadata file %s is not a JSON object", path)
	}
	out, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("failed to encode metadata: %w", err)
	}
	return out, nil
}
