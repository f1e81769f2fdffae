// Package session implements the session state machine: cursor position,
// outbox dedup, wait/resume, and CAS-guarded persistence.
package session

import (
	"encoding/json"
	"time"

	"github.com/flowforge/flowhost/internal/flowir"
)

type (
	// Key uniquely identifies a conversation's persisted state.
	Key struct {
		TenantKey   string // "env::tenant"
		FlowID      flowir.FlowID
		SessionHint string
	}

	// Cursor tracks the next step index and the next adapter-call sequence
	// number within a session.
	Cursor struct {
		Position   int
		OutboxSeq  uint64
		ResumeNode string
	}

	// OutboxKey identifies a dedup entry by sequence number and payload
	// hash: the outbox maps (outbox_seq, payload_hash) to the cached
	// response produced the first time that pair was seen.
	OutboxKey struct {
		Seq  uint64
		Hash string
	}

	// OutboxEntry is the recorded result of a successful adapter call,
	// replayed verbatim on duplicate delivery.
	OutboxEntry struct {
		Response json.RawMessage
	}

	// Waiting records that a flow is suspended at an await-input node.
	Waiting struct {
		Reason     string
		RecordedAt time.Time
	}

	// Snapshot is the full persisted state of one session.
	Snapshot struct {
		Key         Key
		SessionID   string
		Revision    uint64
		Cursor      Cursor
		State       json.RawMessage // opaque flow-visible scratchpad
		Outbox      map[OutboxKey]OutboxEntry
		Waiting     *Waiting
		LastOutcome json.RawMessage
		TTL         time.Duration
	}
)

// IsNew reports whether the snapshot represents a session that has never
// been persisted").
func (s *Snapshot) IsNew() bool {
	return s.Revision == 0 && len(s.Outbox) == 0
}

// Clone returns a deep-enough copy for in-memory mutation during one step:
// the outbox map and scratchpad bytes are copied so a failed step does not
// mutate state visible to a concurrent reader of the original snapshot.
func (s *Snapshot) Clone() *Snapshot {
	c := *s
	c.State = append(json.RawMessage(nil), s.State...)
	c.LastOutcome = append(json.RawMessage(nil), s.LastOutcome...)
	c.Outbox = make(map[OutboxKey]OutboxEntry, len(s.Outbox))
	for k, v := range s.Outbox {
		c.Outbox[k] = v
	}
	if s.Waiting != nil {
		w := *s.Waiting
		c.Waiting = &w
	}
	return &c
}
