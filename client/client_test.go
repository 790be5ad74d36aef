package client

import (
	"os"
	"testing"

	"github.com/trailsd/trails/internal/wire"
)

func TestInitWithoutEnvIsQuiescent(t *testing.T) {
	t.Setenv(envConfigVar, "")
	os.Unsetenv(envConfigVar)

	h, err := Init()
	if err != nil {
		t.Fatalf("Init: %v", err)
	}
	if h.IsActive() {
		t.Fatal("expected a quiescent handle when TRAILS_INFO is absent")
	}
	if h.IsConnected() {
		t.Fatal("a quiescent handle can never be connected")
	}

	// Every method on a quiescent handle must be a silent no-op.
	h.Status(map[string]any{"x": 1})
	h.Result(map[string]any{"x": 1})
	h.Error("boom", nil)
	h.Shutdown()

	if _, err := h.CreateChild("child"); err == nil {
		t.Fatal("expected CreateChild to fail on a quiescent handle")
	}
}

func TestInitWithUndecodableEnvIsQuiescent(t *testing.T) {
	t.Setenv(envConfigVar, "not-valid-base64-json!!")

	h, err := Init()
	if err != nil {
		t.Fatalf("Init: %v", err)
	}
	if h.IsActive() {
		t.Fatal("expected a quiescent handle when TRAILS_INFO is undecodable")
	}
}

func TestCreateChildInheritsParentFields(t *testing.T) {
	parentID := "parent-1"
	parent := wire.Config{
		V:             1,
		AppID:         parentID,
		AppName:       "parent",
		ServerEP:      "ws://localhost:8443",
		SecLevel:      "open",
		StartDeadline: intPtr(120),
		RoleRefs:      []string{"role-a"},
	}

	h := &Handle{active: true, cfg: parent}
	child, err := h.CreateChild("child")
	if err != nil {
		t.Fatalf("CreateChild: %v", err)
	}

	if child.ParentID == nil || *child.ParentID != parentID {
		t.Fatalf("ParentID = %v, want %q", child.ParentID, parentID)
	}
	if child.AppID == "" || child.AppID == parentID {
		t.Fatal("expected a fresh app id distinct from the parent's")
	}
	if child.AppName != "child" {
		t.Fatalf("AppName = %q, want child", child.AppName)
	}
	if child.ServerEP != parent.ServerEP || child.SecLevel != parent.SecLevel {
		t.Fatal("expected server endpoint and security level to be inherited")
	}
	if child.StartDeadline == nil || *child.StartDeadline != 120 {
		t.Fatal("expected start deadline to be inherited")
	}
}

func intPtr(v int) *int { return &v }
