package wire

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"
)

// Originator carries identity context passed through from whatever created
// the app (spec §6.2 "originator").
type Originator struct {
	Sub    *string  `json:"sub,omitempty"`
	Groups []string `json:"groups,omitempty"`
}

// Config is the decoded TRAILS_INFO envelope (spec §6.2). Field names use
// camelCase on the wire, matching the client-side config blob convention —
// distinct from the snake_case used by the register/message frames.
type Config struct {
	V             int             `json:"v"`
	AppID         string          `json:"appId"`
	ParentID      *string         `json:"parentId,omitempty"`
	AppName       string          `json:"appName"`
	ServerEP      string          `json:"serverEp"`
	ServerPubKey  *string         `json:"serverPubKey,omitempty"`
	SecLevel      string          `json:"secLevel"`
	ScheduledAt   *int64          `json:"scheduledAt,omitempty"`
	StartDeadline *int            `json:"startDeadline,omitempty"`
	Originator    *Originator     `json:"originator,omitempty"`
	RoleRefs      []string        `json:"roleRefs"`
	Tags          json.RawMessage `json:"tags,omitempty"`
}

// DefaultSecLevel is applied when a decoded config omits secLevel.
const DefaultSecLevel = "open"

// EncodeConfig serializes cfg to the base64(JSON) TRAILS_INFO form.
func EncodeConfig(cfg Config) (string, error) {
	if cfg.RoleRefs == nil {
		cfg.RoleRefs = []string{}
	}
	if cfg.SecLevel == "" {
		cfg.SecLevel = DefaultSecLevel
	}
	data, err := json.Marshal(cfg)
	if err != nil {
		return "", fmt.Errorf("wire: encode config: %w", err)
	}
	return base64.StdEncoding.EncodeToString(data), nil
}

// DecodeConfig parses a base64(JSON) TRAILS_INFO string.
func DecodeConfig(b64 string) (Config, error) {
	data, err := base64.StdEncoding.DecodeString(strings.TrimSpace(b64))
	if err != nil {
		return Config{}, fmt.Errorf("wire: decode config: base64: %w", err)
	}
	var cfg Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("wire: decode config: json: %w", err)
	}
	if cfg.SecLevel == "" {
		cfg.SecLevel = DefaultSecLevel
	}
	if cfg.RoleRefs == nil {
		cfg.RoleRefs = []string{}
	}
	return cfg, nil
}

// NormalizeWSURL rewrites an http(s) endpoint to ws(s) and appends the
// default "/ws" path if none is present (spec §6.1).
func NormalizeWSURL(ep string) string {
	url := strings.ReplaceAll(ep, "https://", "wss://")
	url = strings.ReplaceAll(url, "http://", "ws://")
	if !strings.Contains(url, "/ws") {
		return url + "/ws"
	}
	return url
}
