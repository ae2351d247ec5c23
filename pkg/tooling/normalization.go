package tooling

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/gowebpki/jcs"
	"golang.org/x/text/cases"
	"golang.org/x/text/unicode/norm"
)

// NormalizeToolID returns the lookup key for a tool id: NFKC-normalized,
// case-folded and trimmed. Registry keys and lookups both go through it.
func NormalizeToolID(toolID string) string {
	// Casers are stateful and cannot be shared between goroutines.
	return cases.Fold().String(norm.NFKC.String(strings.TrimSpace(toolID)))
}

// CanonicalArgs produces RFC 8785 canonical JSON for call arguments.
// Nil arguments canonicalize to "{}".
func CanonicalArgs(args map[string]any) ([]byte, error) {
	if args == nil {
		args = map[string]any{}
	}
	raw, err := json.Marshal(args)
	if err != nil {
		return nil, fmt.Errorf("marshal args: %w", err)
	}
	canonical, err := jcs.Transform(raw)
	if err != nil {
		return nil, fmt.Errorf("canonicalize args: %w", err)
	}
	return canonical, nil
}

// CallFingerprint identifies a logical call: the same tool with the same
// arguments in the same execution always yields the same fingerprint,
// regardless of map ordering.
func CallFingerprint(executionID, toolID string, args map[string]any) (string, error) {
	canonical, err := CanonicalArgs(args)
	if err != nil {
		return "", err
	}
	h := sha256.New()
	h.Write([]byte(executionID))
	h.Write([]byte{0})
	h.Write([]byte(NormalizeToolID(toolID)))
	h.Write([]byte{0})
	h.Write(canonical)
	return hex.EncodeToString(h.Sum(nil)), nil
}
