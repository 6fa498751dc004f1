package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestNormalizeConnect(t *testing.T) {
	testCases := []struct {
		name    string
		raw     string
		want    string
		wantErr bool
	}{
		{"empty uses default", "", "127.0.0.1:9000", false},
		{"bare host gets default port", "tunnel.example.com", "tunnel.example.com:9000", false},
		{"host and port pass through", "10.1.2.3:7777", "10.1.2.3:7777", false},
		{"whitespace trimmed", "  127.0.0.1:9000 ", "127.0.0.1:9000", false},
		{"websocket url untouched", "wss://tunnel.example.com/agent", "wss://tunnel.example.com/agent", false},
		{"missing host", ":9000", "", true},
		{"trailing colon", "host:", "", true},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := NormalizeConnect(tc.raw)
			if tc.wantErr {
				if err == nil {
					t.Fatalf("NormalizeConnect(%q) succeeded with %q, want error", tc.raw, got)
				}
				return
			}
			if err != nil {
				t.Fatalf("NormalizeConnect(%q) failed: %v", tc.raw, err)
			}
			if got != tc.want {
				t.Errorf("NormalizeConnect(%q) = %q, want %q", tc.raw, got, tc.want)
			}
		})
	}
}

func TestMetadataDefault(t *testing.T) {
	doc, err := Metadata("")
	if err != nil {
		t.Fatalf("Metadata failed: %v", err)
	}
	if string(doc) != "{}" {
		t.Errorf("default metadata = %q, want {}", doc)
	}
}

func TestMetadataFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "meta.json")
	// Pretty-printed on purpose: the loader must flatten it to one line.
	content := "{\n  \"role\": \"a\",\n  \"zone\": \"eu\"\n}\n"
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}

	doc, err := Metadata(path)
	if err != nil {
		t.Fatalf("Metadata failed: %v", err)
	}
	for _, b := range doc {
		if b == '\n' {
			t.Fatalf("metadata contains a newline: %q", doc)
		}
	}
	if string(doc) != `{"role":"a","zone":"eu"}` {
		t.Errorf("metadata = %s", doc)
	}
}

func TestMetadataRejectsNonObject(t *testing.T) {
	path := filepath.Join(t.TempDir(), "meta.json")
	if err := os.WriteFile(path, []byte(`["not", "an", "object"]`), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, err := Metadata(path); err == nil {
		t.Fatal("expected error for non-object metadata")
	}
}

func TestMetadataMissingFile(t *testing.T) {
	if _, err := Metadata(filepath.Join(t.TempDir(), "absent.json")); err == nil {
		t.Fatal("expected error for missing metadata file")
	}
}

func TestLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "agent.yml")
	content := "connect: tunnel.example.com:9100\nmetadata: /etc/fwdtun/meta.json\ndebug: true\nmetrics_listen: 127.0.0.1:2112\n"
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Connect != "tunnel.example.com:9100" {
		t.Errorf("Connect = %q", cfg.Connect)
	}
	if cfg.MetadataPath != "/etc/fwdtun/meta.json" {
		t.Errorf("MetadataPath = %q", cfg.MetadataPath)
	}
	if !cfg.Debug {
		t.Error("Debug not set")
	}
	if cfg.MetricsListen != "127.0.0.1:2112" {
		t.Errorf("MetricsListen = %q", cfg.MetricsListen)
	}
}

func TestLoadBadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "agent.yml")
	if err := os.WriteFile(path, []byte(":\tnot yaml"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, err := Load(path); err == nil {
		t.Fatal("expected error for malformed config file")
	}
}
