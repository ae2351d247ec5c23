// Package store implements the governance event store: an append-only log
// partitioned by execution id. Ordering is total within a partition and each
// partition is hash chained so tampering is detectable.
package store

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/HansC-anafter/mindscape-ai-local-core-sub015/pkg/contracts"
)

var (
	ErrChainBroken        = errors.New("hash chain is broken")
	ErrMissingExecutionID = errors.New("execution id is required")
	ErrUnknownKind        = errors.New("unknown entry kind")
)

// Genesis is the previous-hash of the first entry in every partition.
const Genesis = "genesis"

// Kind categorizes entries.
type Kind string

const (
	KindPolicy        Kind = "policy"
	KindQuality       Kind = "quality"
	KindOrchestration Kind = "orchestration"
	KindLifecycle     Kind = "lifecycle"
)

// Valid reports whether k is a known entry kind.
func (k Kind) Valid() bool {
	switch k {
	case KindPolicy, KindQuality, KindOrchestration, KindLifecycle:
		return true
	}
	return false
}

// Entry is a single immutable record in an execution partition.
type Entry struct {
	EntryID          string          `json:"entry_id"`
	ExecutionID      string          `json:"execution_id"`
	Sequence         uint64          `json:"sequence"`
	Kind             Kind            `json:"kind"`
	Timestamp        time.Time       `json:"timestamp"`
	PostCancellation bool            `json:"post_cancellation"`
	Payload          json.RawMessage `json:"payload"`
	PayloadHash      string          `json:"payload_hash"`
	PreviousHash     string          `json:"previous_hash"`
	EntryHash        string          `json:"entry_hash"`
}

// Record is the input to Append.
type Record struct {
	ExecutionID      string
	Kind             Kind
	PostCancellation bool
	Payload          any
}

// EntryHandler is called after an entry is appended, in partition order.
type EntryHandler func(entry *Entry)

// QueryFilter narrows a partition query.
type QueryFilter struct {
	Kinds      []Kind
	StartSeq   uint64
	EndSeq     uint64
	MaxResults int
}

func (f QueryFilter) matches(e *Entry) bool {
	if len(f.Kinds) > 0 {
		ok := false
		for _, k := range f.Kinds {
			if e.Kind == k {
				ok = true
				break
			}
		}
		if !ok {
			return false
		}
	}
	if f.StartSeq > 0 && e.Sequence < f.StartSeq {
		return false
	}
	if f.EndSeq > 0 && e.Sequence > f.EndSeq {
		return false
	}
	return true
}

// EventStore is the append-only audit log shared by every governance
// component. Appends to different executions never contend with each other.
type EventStore interface {
	Append(ctx context.Context, rec Record) (*Entry, error)
	Query(ctx context.Context, executionID string, filter QueryFilter) ([]*Entry, error)
	Verify(ctx context.Context, executionID string) error
	AddHandler(h EntryHandler)
}

// Decode returns the typed payload: contracts.PolicyEvent,
// contracts.QualityGateResult, contracts.OrchestrationEvent or
// contracts.LifecycleEvent.
func (e *Entry) Decode() (any, error) {
	var (
		v   any
		err error
	)
	switch e.Kind {
	case KindPolicy:
		var p contracts.PolicyEvent
		err = json.Unmarshal(e.Payload, &p)
		v = p
	case KindQuality:
		var q contracts.QualityGateResult
		err = json.Unmarshal(e.Payload, &q)
		v = q
	case KindOrchestration:
		var o contracts.OrchestrationEvent
		err = json.Unmarshal(e.Payload, &o)
		v = o
	case KindLifecycle:
		var l contracts.LifecycleEvent
		err = json.Unmarshal(e.Payload, &l)
		v = l
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnknownKind, e.Kind)
	}
	if err != nil {
		return nil, fmt.Errorf("decode %s entry %d: %w", e.Kind, e.Sequence, err)
	}
	return v, nil
}

func (e *Entry) clone() *Entry {
	c := *e
	c.Payload = append(json.RawMessage(nil), e.Payload...)
	return &c
}

// newEntry builds the next entry of a partition whose current head is prev
// at sequence seq.
func newEntry(id string, rec Record, seq uint64, prev string, ts time.Time) (*Entry, error) {
	if rec.ExecutionID == "" {
		return nil, ErrMissingExecutionID
	}
	if !rec.Kind.Valid() {
		return nil, fmt.Errorf("%w: %q", ErrUnknownKind, rec.Kind)
	}
	payload, err := json.Marshal(rec.Payload)
	if err != nil {
		return nil, fmt.Errorf("failed to serialize payload: %w", err)
	}
	e := &Entry{
		EntryID:          id,
		ExecutionID:      rec.ExecutionID,
		Sequence:         seq,
		Kind:             rec.Kind,
		Timestamp:        ts.UTC(),
		PostCancellation: rec.PostCancellation,
		Payload:          payload,
		PayloadHash:      computeHash(payload),
		PreviousHash:     prev,
	}
	h, err := computeEntryHash(e)
	if err != nil {
		return nil, err
	}
	e.EntryHash = h
	return e, nil
}

func computeHash(data []byte) string {
	hash := sha256.Sum256(data)
	return "sha256:" + hex.EncodeToString(hash[:])
}

func computeEntryHash(e *Entry) (string, error) {
	hashable := struct {
		ExecutionID      string    `json:"execution_id"`
		Sequence         uint64    `json:"sequence"`
		Kind             Kind      `json:"kind"`
		Timestamp        time.Time `json:"timestamp"`
		PostCancellation bool      `json:"post_cancellation"`
		PayloadHash      string    `json:"payload_hash"`
		PreviousHash     string    `json:"previous_hash"`
	}{
		ExecutionID:      e.ExecutionID,
		Sequence:         e.Sequence,
		Kind:             e.Kind,
		Timestamp:        e.Timestamp,
		PostCancellation: e.PostCancellation,
		PayloadHash:      e.PayloadHash,
		PreviousHash:     e.PreviousHash,
	}
	data, err := json.Marshal(hashable)
	if err != nil {
		return "", fmt.Errorf("failed to marshal entry for hashing: %w", err)
	}
	return computeHash(data), nil
}

// VerifyEntries checks sequence continuity, payload hashes and hash links of
// a full partition in order.
func VerifyEntries(entries []*Entry) error {
	expectedPrev := Genesis
	for i, entry := range entries {
		if entry.Sequence != uint64(i+1) {
			return fmt.Errorf("%w: entry %d has sequence %d", ErrChainBroken, i, entry.Sequence)
		}
		if entry.PreviousHash != expectedPrev {
			return fmt.Errorf("%w: entry %d has previous_hash %s but expected %s",
				ErrChainBroken, entry.Sequence, entry.PreviousHash, expectedPrev)
		}
		if computeHash(entry.Payload) != entry.PayloadHash {
			return fmt.Errorf("%w: entry %d payload hash mismatch", ErrChainBroken, entry.Sequence)
		}
		computed, err := computeEntryHash(entry)
		if err != nil {
			return fmt.Errorf("%w: entry %d hash computation failed: %w", ErrChainBroken, entry.Sequence, err)
		}
		if computed != entry.EntryHash {
			return fmt.Errorf("%w: entry %d hash mismatch (computed %s, stored %s)",
				ErrChainBroken, entry.Sequence, computed, entry.EntryHash)
		}
		expectedPrev = entry.EntryHash
	}
	return nil
}
