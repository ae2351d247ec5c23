package archive

import (
	"context"
	"fmt"
	"strings"

	"github.com/HansC-anafter/mindscape-ai-local-core-sub015/pkg/config"
)

// NewSink builds the sink selected by cfg. An empty sink type returns nil.
func NewSink(ctx context.Context, cfg config.ArchiveConfig) (Sink, error) {
	switch cfg.Sink {
	case "":
		return nil, nil
	case config.SinkFS:
		return NewFileSink(cfg.Bucket)
	case config.SinkS3:
		return NewS3Sink(ctx, S3Config{Bucket: cfg.Bucket, Region: cfg.Region, Endpoint: cfg.Endpoint})
	case config.SinkGCS:
		return NewGCSSink(ctx, cfg.Bucket)
	case config.SinkMinIO:
		endpoint := cfg.Endpoint
		secure := strings.HasPrefix(endpoint, "https://")
		endpoint = strings.TrimPrefix(strings.TrimPrefix(endpoint, "https://"), "http://")
		return NewMinIOSink(ctx, MinIOConfig{Endpoint: endpoint, Bucket: cfg.Bucket, Region: cfg.Region, UseSSL: secure})
	default:
		return nil, fmt.Errorf("unsupported archive sink: %s", cfg.Sink)
	}
}
