package telemetry

import (
	"context"
	"testing"
)

func TestChannelAttributesOmitEmptyState(t *testing.T) {
	attrs := ChannelAttributes("dev", "portfolio", "")
	if len(attrs) != 2 {
		t.Fatalf("expected 2 attributes without state, got %d", len(attrs))
	}
	attrs = ChannelAttributes("dev", "portfolio", StateAuthenticated)
	if len(attrs) != 3 || attrs[2].Value.AsString() != StateAuthenticated {
		t.Fatalf("expected state attribute, got %v", attrs)
	}
}

func TestEnvironmentDefaultsAndNormalises(t *testing.T) {
	SetEnvironment("")
	if Environment() != "development" {
		t.Fatalf("expected development default, got %q", Environment())
	}
	SetEnvironment("  PROD ")
	if Environment() != "prod" {
		t.Fatalf("expected prod, got %q", Environment())
	}
	SetEnvironment("")
}

func TestDisabledProviderIsNoop(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Enabled = false
	p, err := NewProvider(context.Background(), cfg)
	if err != nil {
		t.Fatalf("NewProvider: %v", err)
	}
	if p.Meter("test") == nil {
		t.Fatal("expected global meter fallback")
	}
	if err := p.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
}

func TestStripScheme(t *testing.T) {
	if got := stripScheme("https://collector:4318"); got != "collector:4318" {
		t.Fatalf("unexpected %q", got)
	}
}
