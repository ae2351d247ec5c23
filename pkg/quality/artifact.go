package quality

import (
	"bytes"
	"encoding/json"
	"fmt"
	"mime"
	"strings"
)

// Artifact is the output of a step as seen by the quality gates. Gates
// never modify it.
type Artifact struct {
	ContentType string
	Body        []byte
	Fields      map[string]any
}

// NewJSONArtifact marshals v as the artifact body. When v encodes to a JSON
// object its members become the artifact fields.
func NewJSONArtifact(v any) (Artifact, error) {
	body, err := json.Marshal(v)
	if err != nil {
		return Artifact{}, fmt.Errorf("marshal artifact: %w", err)
	}
	a := Artifact{ContentType: "application/json", Body: body}
	a.Fields = decodeFields(body)
	return a, nil
}

// NewTextArtifact wraps plain text.
func NewTextArtifact(contentType, text string) Artifact {
	return Artifact{ContentType: contentType, Body: []byte(text)}
}

// fields returns the artifact fields, decoding a JSON body when Fields was
// not supplied.
func (a Artifact) fields() map[string]any {
	if a.Fields != nil {
		return a.Fields
	}
	if isJSON(a.ContentType) {
		return decodeFields(a.Body)
	}
	return nil
}

// MediaType returns the lower-cased content type without parameters.
func (a Artifact) MediaType() string {
	mt, _, err := mime.ParseMediaType(a.ContentType)
	if err != nil {
		return strings.ToLower(strings.TrimSpace(a.ContentType))
	}
	return mt
}

// celValue is the "artifact" variable of cel gates.
func (a Artifact) celValue() map[string]any {
	f := a.fields()
	if f == nil {
		f = map[string]any{}
	}
	return map[string]any{
		"content_type": a.MediaType(),
		"size":         int64(len(a.Body)),
		"fields":       f,
		"body":         string(a.Body),
	}
}

func isJSON(contentType string) bool {
	mt, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		return false
	}
	return mt == "application/json" || strings.HasSuffix(mt, "+json")
}

func decodeFields(body []byte) map[string]any {
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return nil
	}
	var m map[string]any
	if err := json.Unmarshal(trimmed, &m); err != nil {
		return nil
	}
	return m
}

// lookup resolves a dotted path in fields.
func lookup(fields map[string]any, path string) (any, bool) {
	var cur any = fields
	for _, part := range strings.Split(path, ".") {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		if cur, ok = m[part]; !ok {
			return nil, false
		}
	}
	return cur, true
}

func isEmpty(v any) bool {
	switch x := v.(type) {
	case nil:
		return true
	case string:
		return strings.TrimSpace(x) == ""
	case []any:
		return len(x) == 0
	case map[string]any:
		return len(x) == 0
	default:
		return false
	}
}
