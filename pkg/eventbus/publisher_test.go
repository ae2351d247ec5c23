package eventbus

import (
	"context"
	"encoding/json"
	"os"
	"testing"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/HansC-anafter/mindscape-ai-local-core-sub015/pkg/contracts"
	"github.com/HansC-anafter/mindscape-ai-local-core-sub015/pkg/store"
)

func natsURL() string {
	if u := os.Getenv("NATS_URL"); u != "" {
		return u
	}
	return nats.DefaultURL
}

func TestPublisherFansOutEntries(t *testing.T) {
	pub, err := Connect(natsURL(), WithSubject("test.governance."))
	if err != nil {
		t.Skipf("nats not available: %v", err)
	}
	defer func() { _ = pub.Close() }()

	sub, err := pub.conn.SubscribeSync("test.governance.exec-1")
	require.NoError(t, err)
	require.NoError(t, pub.conn.Flush())

	events := store.NewMemoryStore()
	pub.Attach(events)
	_, err = events.Append(context.Background(), store.Record{
		ExecutionID: "exec-1",
		Kind:        store.KindPolicy,
		Payload:     contracts.PolicyEvent{ExecutionID: "exec-1", ToolID: "fs.read_file", Decision: contracts.DecisionAllow},
	})
	require.NoError(t, err)

	msg, err := sub.NextMsg(2 * time.Second)
	require.NoError(t, err)
	var entry store.Entry
	require.NoError(t, json.Unmarshal(msg.Data, &entry))
	assert.Equal(t, "exec-1", entry.ExecutionID)
	assert.Equal(t, store.KindPolicy, entry.Kind)

	published, failed := pub.Stats()
	assert.Equal(t, int64(1), published)
	assert.Zero(t, failed)
}

func TestSubject(t *testing.T) {
	p := New(nil, WithSubject("audit."))
	assert.Equal(t, "audit.abc", p.Subject("abc"))
	assert.Equal(t, DefaultSubject+".x", New(nil).Subject("x"))
}

func TestConnectRequiresURL(t *testing.T) {
	_, err := Connect("")
	assert.Error(t, err)
}
