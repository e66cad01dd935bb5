package util

import (
	"testing"
	"time"

	"gopkg.in/yaml.v3"
)

func TestDurationUnmarshalString(t *testing.T) {
	var doc struct {
		TTL Duration `yaml:"ttl"`
	}
	if err := yaml.Unmarshal([]byte("ttl: 1h30m\n"), &doc); err != nil {
		t.Fatalf("unmarshal failed: %v", err)
	}
	if doc.TTL.Std() != 90*time.Minute {
		t.Errorf("got %v, want 90m", doc.TTL.Std())
	}
}

func TestDurationUnmarshalInteger(t *testing.T) {
	var doc struct {
		TTL Duration `yaml:"ttl"`
	}
	if err := yaml.Unmarshal([]byte("ttl: 5000000000\n"), &doc); err != nil {
		t.Fatalf("unmarshal failed: %v", err)
	}
	if doc.TTL.Std() != 5*time.Second {
		t.Errorf("got %v, want 5s", doc.TTL.Std())
	}
}

func TestDurationUnmarshalInvalid(t *testing.T) {
	var doc struct {
		TTL Duration `yaml:"ttl"`
	}
	if err := yaml.Unmarshal([]byte("ttl: soon\n"), &doc); err == nil {
		t.Fatal("expected error for unparseable duration")
	}
}

func TestDurationRoundTrip(t *testing.T) {
	type doc struct {
		TTL Duration `yaml:"ttl"`
	}
	out, err := yaml.Marshal(doc{TTL: Duration(45 * time.Second)})
	if err != nil {
		t.Fatalf("marshal failed: %v", err)
	}
	if string(out) != "ttl: 45s\n" {
		t.Errorf("got %q, want %q", out, "ttl: 45s\n")
	}

	var back doc
	if err := yaml.Unmarshal(out, &back); err != nil {
		t.Fatalf("unmarshal failed: %v", err)
	}
	if back.TTL.Std() != 45*time.Second {
		t.Errorf("round trip lost value: %v", back.TTL.Std())
	}
}
