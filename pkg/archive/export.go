package archive

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"path"

	"github.com/HansC-anafter/mindscape-ai-local-core-sub015/pkg/store"
)

// Exporter writes evidence bundles to a Sink under a key prefix.
type Exporter struct {
	sink   Sink
	prefix string
	logger *slog.Logger
}

func NewExporter(sink Sink, prefix string) *Exporter {
	return &Exporter{
		sink:   sink,
		prefix: prefix,
		logger: slog.Default().With("component", "archive"),
	}
}

// Key returns "<prefix><execution_id>/<bundle_id>.json".
func Key(prefix, executionID, bundleID string) string {
	return prefix + path.Join(executionID, bundleID+".json")
}

// Export verifies the execution's partition, packages it as a bundle and
// stores it. It returns the bundle and the object key.
func (e *Exporter) Export(ctx context.Context, events store.EventStore, executionID string) (*store.EvidenceBundle, string, error) {
	bundle, err := store.ExportBundle(ctx, events, executionID)
	if err != nil {
		return nil, "", fmt.Errorf("export %s: %w", executionID, err)
	}
	data, err := json.Marshal(bundle)
	if err != nil {
		return nil, "", fmt.Errorf("marshal bundle: %w", err)
	}
	key := Key(e.prefix, executionID, bundle.BundleID)
	if err := e.sink.Put(ctx, key, data, "application/json"); err != nil {
		return nil, "", err
	}
	e.logger.InfoContext(ctx, "evidence bundle archived",
		"execution_id", executionID, "key", key, "entries", bundle.EntryCount, "chain_head", bundle.ChainHead)
	return bundle, key, nil
}

// Export is a convenience wrapper writing one bundle with the given prefix.
func Export(ctx context.Context, events store.EventStore, executionID string, sink Sink, prefix string) (*store.EvidenceBundle, string, error) {
	return NewExporter(sink, prefix).Export(ctx, events, executionID)
}

// Load reads an archived bundle back and verifies it.
func Load(ctx context.Context, sink Sink, key string) (*store.EvidenceBundle, error) {
	data, err := sink.Get(ctx, key)
	if err != nil {
		return nil, err
	}
	var bundle store.EvidenceBundle
	if err := json.Unmarshal(data, &bundle); err != nil {
		return nil, fmt.Errorf("corrupt bundle %s: %w", key, err)
	}
	if err := store.VerifyBundle(&bundle); err != nil {
		return nil, err
	}
	return &bundle, nil
}
