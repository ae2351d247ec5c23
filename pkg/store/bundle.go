package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// EvidenceBundle is an exportable snapshot of one execution partition.
type EvidenceBundle struct {
	BundleID    string    `json:"bundle_id"`
	Version     string    `json:"version"`
	ExecutionID string    `json:"execution_id"`
	CreatedAt   time.Time `json:"created_at"`
	StartSeq    uint64    `json:"start_sequence"`
	EndSeq      uint64    `json:"end_sequence"`
	EntryCount  int       `json:"entry_count"`
	Entries     []*Entry  `json:"entries"`
	ChainHead   string    `json:"chain_head"`
	BundleHash  string    `json:"bundle_hash"`
}

// ExportBundle verifies the partition and packages it as a bundle.
func ExportBundle(ctx context.Context, s EventStore, executionID string) (*EvidenceBundle, error) {
	if err := s.Verify(ctx, executionID); err != nil {
		return nil, err
	}
	entries, err := s.Query(ctx, executionID, QueryFilter{})
	if err != nil {
		return nil, err
	}
	if len(entries) == 0 {
		return nil, fmt.Errorf("no entries for execution %s", executionID)
	}

	bundle := &EvidenceBundle{
		BundleID:    uuid.New().String(),
		Version:     "1.0.0",
		ExecutionID: executionID,
		CreatedAt:   time.Now().UTC(),
		StartSeq:    entries[0].Sequence,
		EndSeq:      entries[len(entries)-1].Sequence,
		EntryCount:  len(entries),
		Entries:     entries,
		ChainHead:   entries[len(entries)-1].EntryHash,
	}
	data, err := json.Marshal(bundle.Entries)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal bundle entries: %w", err)
	}
	bundle.BundleHash = computeHash(data)
	return bundle, nil
}

// VerifyBundle checks a bundle's hash and the full chain it carries.
func VerifyBundle(bundle *EvidenceBundle) error {
	if len(bundle.Entries) == 0 {
		return fmt.Errorf("bundle is empty")
	}
	data, err := json.Marshal(bundle.Entries)
	if err != nil {
		return err
	}
	if computeHash(data) != bundle.BundleHash {
		return fmt.Errorf("%w: bundle hash mismatch", ErrChainBroken)
	}
	if err := VerifyEntries(bundle.Entries); err != nil {
		return err
	}
	if bundle.Entries[len(bundle.Entries)-1].EntryHash != bundle.ChainHead {
		return fmt.Errorf("%w: bundle chain head mismatch", ErrChainBroken)
	}
	return nil
}
