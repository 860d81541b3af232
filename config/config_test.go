package config

import (
	"testing"

	"github.com/spf13/viper"
)

// viper is a package-level singleton, so each test resets it rather than
// risking state bleeding in from Load/ApplyOverrides calls elsewhere.
func resetViper(t *testing.T) {
	t.Cleanup(func() { viper.Reset() })
	viper.Reset()
}

func TestApplyOverridesSetsValue(t *testing.T) {
	resetViper(t)

	if err := ApplyOverrides([]string{"listen=:9999"}); err != nil {
		t.Fatalf("ApplyOverrides: %v", err)
	}
	if got := Listen(); got != ":9999" {
		t.Fatalf("Listen() = %q; want %q", got, ":9999")
	}
}

func TestApplyOverridesRejectsMalformedPair(t *testing.T) {
	resetViper(t)

	if err := ApplyOverrides([]string{"not-a-kv-pair"}); err == nil {
		t.Fatal("expected an error for a pair with no '='")
	}
}

func TestSharesEmptyWhenUnset(t *testing.T) {
	resetViper(t)

	entries, err := Shares()
	if err != nil {
		t.Fatalf("Shares: %v", err)
	}
	if len(entries) != 0 {
		t.Fatalf("got %d entries; want 0", len(entries))
	}
}

func TestSharesDecodesList(t *testing.T) {
	resetViper(t)

	viper.Set("shares", []map[string]any{
		{"bus_id": "1-2", "guid": "00000000-0000-0000-0000-000000000001", "friendly_name": "Widget"},
	})

	entries, err := Shares()
	if err != nil {
		t.Fatalf("Shares: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("got %d entries; want 1", len(entries))
	}
	if entries[0].BusID != "1-2" || entries[0].FriendlyName != "Widget" {
		t.Fatalf("unexpected entry: %+v", entries[0])
	}
}
