package hv

import (
	"strings"
	"testing"
)

func TestParseConfig(t *testing.T) {
	cfg, err := ParseConfig(strings.NewReader("name: testvm\nmax_vcpus: 4\n"))
	if err != nil {
		t.Fatalf("ParseConfig: %v", err)
	}
	if cfg.Name != "testvm" || cfg.MaxVCPUs != 4 {
		t.Fatalf("cfg = %+v", cfg)
	}
}

func TestParseConfigDefaults(t *testing.T) {
	cfg, err := ParseConfig(strings.NewReader("name: testvm\n"))
	if err != nil {
		t.Fatalf("ParseConfig: %v", err)
	}
	if cfg.MaxVCPUs != DefaultMaxVCPUs {
		t.Fatalf("MaxVCPUs = %d, want default %d", cfg.MaxVCPUs, DefaultMaxVCPUs)
	}
	if cfg.Name == "" {
		t.Fatal("empty name not defaulted")
	}
}

func TestParseConfigRejectsUnknownFields(t *testing.T) {
	_, err := ParseConfig(strings.NewReader("name: testvm\nmemory_mb: 512\n"))
	wantKind(t, err, KindInvalidArgument)
}

func TestParseConfigRejectsNegativeVCPUs(t *testing.T) {
	_, err := ParseConfig(strings.NewReader("max_vcpus: -1\n"))
	wantKind(t, err, KindInvalidArgument)
}
