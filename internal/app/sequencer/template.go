package sequencer

import (
	"bytes"
	"encoding/json"
	"log"
	"strings"

	"github.com/jmespath/go-jmespath"
	"github.com/xeipuuv/gojsonpointer"
)

// Marker keys. A JSON object whose keys are all marker keys and whose "step"
// is a string is a step reference:
//
//	{"step": "fetch"}                       → the whole result of step fetch
//	{"step": "fetch", "path": "/body/id"}   → a JSON pointer into it
//	{"step": "fetch", "query": "items[0]"}  → a JMESPath query over it
//
// A path without a leading slash is read as dot-separated keys, so
// "body.id" and "/body/id" address the same value.
const (
	markerStep  = "step"
	markerPath  = "path"
	markerQuery = "query"
)

// ResolveTemplate substitutes every step-reference marker in template with
// the referenced result from results. References to unknown steps or
// addresses that do not resolve become null. A template that is not JSON is
// returned unchanged.
func ResolveTemplate(template json.RawMessage, results map[string]json.RawMessage) (json.RawMessage, error) {
	if len(bytes.TrimSpace(template)) == 0 {
		return template, nil
	}
	doc, err := decode(template)
	if err != nil {
		return template, nil
	}
	return json.Marshal(resolveValue(doc, results))
}

func decode(raw []byte) (any, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, err
	}
	return v, nil
}

func resolveValue(v any, results map[string]json.RawMessage) any {
	switch t := v.(type) {
	case map[string]any:
		if ref, ok := asMarker(t); ok {
			return ref.resolve(results)
		}
		out := make(map[string]any, len(t))
		for k, child := range t {
			out[k] = resolveValue(child, results)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, child := range t {
			out[i] = resolveValue(child, results)
		}
		return out
	default:
		return v
	}
}

type stepRef struct {
	step  string
	path  string
	query string
}

func asMarker(m map[string]any) (stepRef, bool) {
	var ref stepRef
	step, ok := m[markerStep].(string)
	if !ok {
		return ref, false
	}
	ref.step = step
	for k, v := range m {
		switch k {
		case markerStep:
		case markerPath, markerQuery:
			s, ok := v.(string)
			if !ok {
				return ref, false
			}
			if k == markerPath {
				ref.path = s
			} else {
				ref.query = s
			}
		default:
			return ref, false
		}
	}
	return ref, true
}

func (r stepRef) resolve(results map[string]json.RawMessage) any {
	raw, ok := results[r.step]
	if !ok || len(raw) == 0 {
		return nil
	}
	switch {
	case r.query != "":
		var doc any
		if err := json.Unmarshal(raw, &doc); err != nil {
			return nil
		}
		v, err := jmespath.Search(r.query, doc)
		if err != nil {
			log.Printf("[sequencer] query %q on step %s: %v", r.query, r.step, err)
			return nil
		}
		return v
	case r.path != "":
		doc, err := decode(raw)
		if err != nil {
			return nil
		}
		ptr, err := gojsonpointer.NewJsonPointer(pointerOf(r.path))
		if err != nil {
			return nil
		}
		v, _, err := ptr.Get(doc)
		if err != nil {
			return nil
		}
		return v
	default:
		doc, err := decode(raw)
		if err != nil {
			return nil
		}
		return doc
	}
}

func pointerOf(path string) string {
	if strings.HasPrefix(path, "/") {
		return path
	}
	return "/" + strings.ReplaceAll(path, ".", "/")
}
