package mongo

import (
	"encoding/json"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"

	"github.com/flowforge/flowhost/internal/flowir"
	"github.com/flowforge/flowhost/internal/session"
)

// snapshotDocument is the bson-mapped projection of a session.Snapshot.
// Kept distinct from the domain type so wire/storage schema changes never
// leak into session package types.
type snapshotDocument struct {
	DocKey           string               `bson:"doc_key"`
	TenantKey        string               `bson:"tenant_key"`
	FlowID           string               `bson:"flow_id"`
	SessionHint      string               `bson:"session_hint"`
	SessionID        string               `bson:"session_id"`
	Revision         uint64               `bson:"revision"`
	CursorPosition   int                  `bson:"cursor_position"`
	CursorOutboxSeq  uint64               `bson:"cursor_outbox_seq"`
	CursorResumeNode string               `bson:"cursor_resume_node"`
	State            []byte               `bson:"state"`
	Outbox           []outboxEntryDoc     `bson:"outbox"`
	Waiting          *waitingDoc          `bson:"waiting,omitempty"`
	LastOutcome      []byte               `bson:"last_outcome"`
	TTLSeconds       int64                `bson:"ttl_seconds"`
	UpdatedAt        time.Time            `bson:"updated_at"`
}

type outboxEntryDoc struct {
	Seq      uint64 `bson:"seq"`
	Hash     string `bson:"hash"`
	Response []byte `bson:"response"`
}

type waitingDoc struct {
	Reason     string    `bson:"reason"`
	RecordedAt time.Time `bson:"recorded_at"`
}

func fromSnapshot(snap *session.Snapshot) snapshotDocument {
	doc := snapshotDocument{
		DocKey:           docKey(snap.Key),
		TenantKey:        snap.Key.TenantKey,
		FlowID:           string(snap.Key.FlowID),
		SessionHint:      snap.Key.SessionHint,
		SessionID:        snap.SessionID,
		Revision:         snap.Revision,
		CursorPosition:   snap.Cursor.Position,
		CursorOutboxSeq:  snap.Cursor.OutboxSeq,
		CursorResumeNode: snap.Cursor.ResumeNode,
		State:            append([]byte(nil), snap.State...),
		LastOutcome:      append([]byte(nil), snap.LastOutcome...),
		TTLSeconds:       int64(snap.TTL / time.Second),
		UpdatedAt:        time.Now().UTC(),
	}
	for k, v := range snap.Outbox {
		doc.Outbox = append(doc.Outbox, outboxEntryDoc{
			Seq:      k.Seq,
			Hash:     k.Hash,
			Response: append([]byte(nil), v.Response...),
		})
	}
	if snap.Waiting != nil {
		doc.Waiting = &waitingDoc{Reason: snap.Waiting.Reason, RecordedAt: snap.Waiting.RecordedAt}
	}
	return doc
}

func (doc snapshotDocument) toSnapshot() *session.Snapshot {
	snap := &session.Snapshot{
		Key: session.Key{
			TenantKey:   doc.TenantKey,
			FlowID:      flowir.FlowID(doc.FlowID),
			SessionHint: doc.SessionHint,
		},
		SessionID: doc.SessionID,
		Revision:  doc.Revision,
		Cursor: session.Cursor{
			Position:   doc.CursorPosition,
			OutboxSeq:  doc.CursorOutboxSeq,
			ResumeNode: doc.CursorResumeNode,
		},
		State:       json.RawMessage(doc.State),
		Outbox:      make(map[session.OutboxKey]session.OutboxEntry, len(doc.Outbox)),
		LastOutcome: json.RawMessage(doc.LastOutcome),
		TTL:         time.Duration(doc.TTLSeconds) * time.Second,
	}
	for _, e := range doc.Outbox {
		snap.Outbox[session.OutboxKey{Seq: e.Seq, Hash: e.Hash}] = session.OutboxEntry{Response: json.RawMessage(e.Response)}
	}
	if doc.Waiting != nil {
		snap.Waiting = &session.Waiting{Reason: doc.Waiting.Reason, RecordedAt: doc.Waiting.RecordedAt}
	}
	return snap
}

// asBSON renders the document through bson.Marshal/Unmarshal into a
// generic map, so $set/$setOnInsert updates carry exactly the struct's
// bson tags without re-listing every field by hand.
func (doc snapshotDocument) asBSON() bson.M {
	raw, err := bson.Marshal(doc)
	if err != nil {
		return bson.M{}
	}
	var m bson.M
	if err := bson.Unmarshal(raw, &m); err != nil {
		return bson.M{}
	}
	delete(m, "_id")
	return m
}
