package tooling

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"regexp"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/HansC-anafter/mindscape-ai-local-core-sub015/pkg/contracts"
)

type failingRegistry struct{}

func (failingRegistry) Lookup(context.Context, string) (ToolRegistryEntry, bool, error) {
	return ToolRegistryEntry{}, false, errors.New("connection refused")
}

func TestResolve_RegisteredEntry(t *testing.T) {
	r := NewResolver(NewMemoryRegistry(ToolRegistryEntry{
		ToolID: "fs.write", CapabilityCode: "filesystem", RiskClass: "HIGH",
	}))

	res := r.Resolve(context.Background(), "fs.write")
	assert.Equal(t, "filesystem", res.CapabilityCode)
	assert.Equal(t, contracts.RiskHigh, res.RiskClass)
	assert.True(t, res.Registered)
	assert.False(t, res.Inferred())
}

func TestResolve_UnregisteredLegacyTool(t *testing.T) {
	r := NewResolver(NewMemoryRegistry())

	res := r.Resolve(context.Background(), "legacy.unregistered_tool")
	assert.Equal(t, "legacy", res.CapabilityCode)
	assert.Equal(t, contracts.RiskUnknown, res.RiskClass)
	assert.False(t, res.Registered)
	assert.True(t, res.Inferred())
}

func TestResolve_BlankFieldsOnLegacyEntry(t *testing.T) {
	r := NewResolver(NewMemoryRegistry(ToolRegistryEntry{ToolID: "crm/contacts.export"}))

	res := r.Resolve(context.Background(), "crm/contacts.export")
	assert.True(t, res.Registered)
	assert.Equal(t, "crm", res.CapabilityCode)
	assert.Equal(t, contracts.RiskUnknown, res.RiskClass)
	assert.Len(t, res.Notes, 2)
}

func TestResolve_UnrecognisedRisk(t *testing.T) {
	r := NewResolver(NewMemoryRegistry(ToolRegistryEntry{ToolID: "x.y", CapabilityCode: "x", RiskClass: "critical"}))

	res := r.Resolve(context.Background(), "x.y")
	assert.Equal(t, contracts.RiskUnknown, res.RiskClass)
	assert.Contains(t, res.Notes[0], "critical")
}

func TestResolve_NoSeparatorOrEmpty(t *testing.T) {
	r := NewResolver(nil)
	for _, id := range []string{"", "   ", "shell", ".hidden"} {
		res := r.Resolve(context.Background(), id)
		assert.Equal(t, contracts.UnknownCapability, res.CapabilityCode, "id %q", id)
		assert.Equal(t, contracts.RiskUnknown, res.RiskClass, "id %q", id)
	}
}

func TestResolve_RegistryFailureIsNotFatal(t *testing.T) {
	r := NewResolver(failingRegistry{})

	res := r.Resolve(context.Background(), "net:fetch")
	assert.Equal(t, "net", res.CapabilityCode)
	assert.Equal(t, contracts.RiskUnknown, res.RiskClass)
	assert.Contains(t, res.Notes[0], "connection refused")
}

func TestMemoryRegistry_NormalizedLookup(t *testing.T) {
	r := NewMemoryRegistry(ToolRegistryEntry{ToolID: "Email.Send", CapabilityCode: "email", RiskClass: "medium"})

	e, ok, err := r.Lookup(context.Background(), "  EMAIL.SEND ")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "email", e.CapabilityCode)

	// fullwidth forms fold under NFKC
	_, ok, _ = r.Lookup(context.Background(), "ｅｍａｉｌ.send")
	assert.True(t, ok)
}

func TestLoadRegistryFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tools.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
tools:
  - tool_id: fs.write
    capability_code: filesystem
    risk_class: high
  - tool_id: search.web
`), 0o600))

	r, err := LoadRegistryFile(path)
	require.NoError(t, err)
	assert.Equal(t, 2, r.Len())

	res := NewResolver(r).Resolve(context.Background(), "search.web")
	assert.Equal(t, "search", res.CapabilityCode)
	assert.Equal(t, contracts.RiskUnknown, res.RiskClass)

	require.NoError(t, os.WriteFile(path, []byte("tools:\n  - capability_code: x\n"), 0o600))
	_, err = LoadRegistryFile(path)
	assert.ErrorContains(t, err, "tool_id is required")
}

func TestSQLRegistry_Lookup(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	reg := NewSQLRegistry(db, false)
	query := regexp.QuoteMeta("SELECT tool_id, COALESCE(capability_code, ''), COALESCE(risk_class, '') FROM tool_registry WHERE tool_key = $1")

	mock.ExpectQuery(query).WithArgs("db.drop_table").
		WillReturnRows(sqlmock.NewRows([]string{"tool_id", "capability_code", "risk_class"}).AddRow("db.drop_table", "database", "high"))
	e, ok, err := reg.Lookup(context.Background(), "DB.drop_table")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "high", e.RiskClass)

	mock.ExpectQuery(query).WithArgs("missing.tool").
		WillReturnRows(sqlmock.NewRows([]string{"tool_id", "capability_code", "risk_class"}))
	_, ok, err = reg.Lookup(context.Background(), "missing.tool")
	require.NoError(t, err)
	assert.False(t, ok)

	mock.ExpectQuery(query).WithArgs("x.y").WillReturnError(errors.New("timeout"))
	_, _, err = reg.Lookup(context.Background(), "x.y")
	assert.Error(t, err)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCallFingerprint(t *testing.T) {
	a, err := CallFingerprint("exec-1", "fs.write", map[string]any{"path": "/tmp/a", "mode": 420, "opts": map[string]any{"b": 1, "a": 2}})
	require.NoError(t, err)
	b, err := CallFingerprint("exec-1", "FS.Write", map[string]any{"opts": map[string]any{"a": 2, "b": 1}, "mode": 420.0, "path": "/tmp/a"})
	require.NoError(t, err)
	assert.Equal(t, a, b, "key order, number form and id case do not matter")

	c, err := CallFingerprint("exec-2", "fs.write", map[string]any{"path": "/tmp/a", "mode": 420, "opts": map[string]any{"b": 1, "a": 2}})
	require.NoError(t, err)
	assert.NotEqual(t, a, c)

	d, err := CallFingerprint("exec-1", "fs.write", map[string]any{"path": "/tmp/b"})
	require.NoError(t, err)
	assert.NotEqual(t, a, d)

	empty, err := CallFingerprint("exec-1", "fs.write", nil)
	require.NoError(t, err)
	empty2, err := CallFingerprint("exec-1", "fs.write", map[string]any{})
	require.NoError(t, err)
	assert.Equal(t, empty, empty2)
}
