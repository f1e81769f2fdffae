// Package envelope normalises provider events into the canonical ingress
// envelope and derives a stable session key,
// grounded on _examples/original_source's
// crates/greentic-runner-host/src/ingress.rs default-filling order.
package envelope

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Envelope is the canonical, tenant-scoped ingress payload.
type Envelope struct {
	Tenant      string          `json:"tenant"`
	Env         string          `json:"env"`
	FlowID      string          `json:"flow_id"`
	FlowType    string          `json:"flow_type,omitempty"`
	Action      string          `json:"action,omitempty"`
	SessionHint string          `json:"session_hint,omitempty"`
	Provider    string          `json:"provider,omitempty"`
	Channel     string          `json:"channel,omitempty"`
	Conversation string         `json:"conversation,omitempty"`
	User        string          `json:"user,omitempty"`
	ActivityID  string          `json:"activity_id,omitempty"`
	Timestamp   string          `json:"timestamp,omitempty"`
	Payload     json.RawMessage `json:"payload,omitempty"`
	Metadata    json.RawMessage `json:"metadata,omitempty"`
}

// ErrMissingTenant indicates the envelope did not name a tenant.
var ErrMissingTenant = fmt.Errorf("envelope: tenant is required")

// ErrMissingFlowID indicates the envelope did not name a flow.
var ErrMissingFlowID = fmt.Errorf("envelope: flow_id is required")

// Canonicalize fills in missing fields with stable defaults and computes
// session_hint if the provider did not supply one.
// now is injected for determinism; callers pass time.Now().
func Canonicalize(raw []byte, now time.Time) (*Envelope, error) {
	var e Envelope
	if err := json.Unmarshal(raw, &e); err != nil {
		return nil, fmt.Errorf("envelope: decode: %w", err)
	}
	if e.Tenant == "" {
		return nil, ErrMissingTenant
	}
	if e.FlowID == "" {
		return nil, ErrMissingFlowID
	}
	if e.Env == "" {
		e.Env = "local"
	}
	if e.Timestamp == "" {
		e.Timestamp = now.UTC().Format(time.RFC3339)
	}
	if e.SessionHint == "" {
		e.SessionHint = CanonicalSessionHint(e.Tenant, e.Provider, e.Channel, e.Conversation, e.User)
	}
	if e.Metadata == nil {
		e.Metadata = json.RawMessage("null")
	}
	return &e, nil
}

// CanonicalSessionHint is a pure function of its five inputs: tenant:provider:channel:conversation:user.
func CanonicalSessionHint(tenant, provider, channel, conversation, user string) string {
	parts := []string{tenant, provider, channel, conversation, user}
	for i, p := range parts {
		if p == "" {
			parts[i] = "-"
		}
	}
	return strings.Join(parts, ":")
}
