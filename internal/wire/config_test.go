package wire

import "testing"

func TestEncodeDecodeConfigRoundTrip(t *testing.T) {
	parent := "9b6f7f0e-1c9c-4b0a-9a5b-000000000001"
	deadline := 300
	sub := "alice"
	cfg := Config{
		V:             1,
		AppID:         "9b6f7f0e-1c9c-4b0a-9a5b-000000000002",
		ParentID:      &parent,
		AppName:       "nightly-etl",
		ServerEP:      "wss://trails.example.com/ws",
		SecLevel:      "open",
		StartDeadline: &deadline,
		Originator:    &Originator{Sub: &sub},
		RoleRefs:      []string{"etl", "batch"},
	}

	encoded, err := EncodeConfig(cfg)
	if err != nil {
		t.Fatalf("EncodeConfig: %v", err)
	}

	decoded, err := DecodeConfig(encoded)
	if err != nil {
		t.Fatalf("DecodeConfig: %v", err)
	}

	if decoded.AppID != cfg.AppID {
		t.Errorf("AppID = %q, want %q", decoded.AppID, cfg.AppID)
	}
	if decoded.AppName != cfg.AppName {
		t.Errorf("AppName = %q, want %q", decoded.AppName, cfg.AppName)
	}
	if decoded.ParentID == nil || *decoded.ParentID != parent {
		t.Errorf("ParentID = %v, want %q", decoded.ParentID, parent)
	}
	if len(decoded.RoleRefs) != 2 {
		t.Errorf("RoleRefs = %v, want 2 entries", decoded.RoleRefs)
	}
}

func TestDecodeConfigDefaultsSecLevel(t *testing.T) {
	cfg, err := EncodeConfig(Config{V: 1, AppID: "a", AppName: "n", ServerEP: "ws://x/ws"})
	if err != nil {
		t.Fatalf("EncodeConfig: %v", err)
	}
	decoded, err := DecodeConfig(cfg)
	if err != nil {
		t.Fatalf("DecodeConfig: %v", err)
	}
	if decoded.SecLevel != DefaultSecLevel {
		t.Errorf("SecLevel = %q, want %q", decoded.SecLevel, DefaultSecLevel)
	}
}

func TestDecodeConfigInvalidBase64(t *testing.T) {
	if _, err := DecodeConfig("not-valid-base64!!"); err == nil {
		t.Fatal("expected error decoding invalid base64")
	}
}

func TestNormalizeWSURL(t *testing.T) {
	cases := map[string]string{
		"ws://localhost:8443/ws":    "ws://localhost:8443/ws",
		"http://localhost:8443":     "ws://localhost:8443/ws",
		"https://trails.svc:8443/ws": "wss://trails.svc:8443/ws",
	}
	for in, want := range cases {
		if got := NormalizeWSURL(in); got != want {
			t.Errorf("NormalizeWSURL(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestStatusIsTerminal(t *testing.T) {
	terminal := []Status{StatusDone, StatusError, StatusCrashed, StatusCancelled, StatusStartFailed, StatusLostContact}
	for _, s := range terminal {
		if !s.IsTerminal() {
			t.Errorf("%q should be terminal", s)
		}
	}
	nonTerminal := []Status{StatusScheduled, StatusConnected, StatusRunning, StatusReconnecting}
	for _, s := range nonTerminal {
		if s.IsTerminal() {
			t.Errorf("%q should not be terminal", s)
		}
	}
}
