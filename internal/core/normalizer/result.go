// Package normalizer digs the structured extraction payload out of the
// envelopes the worker has wrapped it in over time.
package normalizer

import (
	"bytes"
	"encoding/json"
	"maps"
	"slices"
	"strings"
)

const (
	// CanonicalKey holds the current extraction shape: numeric-string
	// indices mapping to arrays of terms.
	CanonicalKey = "judge_ner_terms"
	// LegacyKey is an older container with the same shape as CanonicalKey.
	LegacyKey = "judged_structured_information"
	// EntitiesKey is the oldest shape, keyed by entity type.
	EntitiesKey = "entities"
)

// Result is a normalized extraction payload. Exactly one field is set.
type Result struct {
	JudgeNERTerms any `json:"judge_ner_terms,omitempty"`
	Entities      any `json:"entities,omitempty"`
}

// candidatePaths are probed in order when the canonical key is not found
// directly. The empty path is the value itself.
var candidatePaths = [][]string{
	{"data"},
	{"message"},
	{"data", "message"},
	{"data", "data"},
	{EntitiesKey},
	{"data", EntitiesKey},
	{CanonicalKey},
	{"data", CanonicalKey},
	{LegacyKey},
	{"data", LegacyKey},
	{},
}

// Normalize returns the extraction payload contained in raw, or nil when no
// usable data is present. A nil result means "no data", never "empty data".
func Normalize(raw []byte) *Result {
	v, ok := decode(raw)
	if !ok {
		return nil
	}
	return NormalizeValue(v)
}

// NormalizeValue is Normalize for an already decoded value.
func NormalizeValue(v any) *Result {
	if !present(v) {
		return nil
	}

	if terms, ok := findKey(v, CanonicalKey); ok {
		return &Result{JudgeNERTerms: terms}
	}

	for _, path := range candidatePaths {
		node, ok := lookup(v, path)
		if !ok {
			continue
		}
		node = decodeString(node)
		if r := match(node); r != nil {
			return r
		}
		if obj, ok := node.(map[string]any); ok {
			if msg, ok := obj["message"].(string); ok {
				if r := match(decodeString(msg)); r != nil {
					return r
				}
			}
		}
	}

	if c, ok := findKey(v, LegacyKey); ok && isIndexedContainer(c) {
		return &Result{JudgeNERTerms: c}
	}
	return nil
}

// match checks one candidate node for any of the known shapes.
func match(v any) *Result {
	if terms, ok := findKey(v, CanonicalKey); ok {
		return &Result{JudgeNERTerms: terms}
	}
	if c, ok := findKey(v, LegacyKey); ok && isIndexedContainer(c) {
		return &Result{JudgeNERTerms: c}
	}
	if ents, ok := findKey(v, EntitiesKey); ok {
		return &Result{Entities: ents}
	}
	return nil
}

// findKey searches v depth-first for a present value under key. Object keys
// are visited in sorted order so the search is deterministic.
func findKey(v any, key string) (any, bool) {
	switch node := v.(type) {
	case map[string]any:
		if found, ok := node[key]; ok && present(found) {
			return found, true
		}
		for _, k := range slices.Sorted(maps.Keys(node)) {
			if found, ok := findKey(node[k], key); ok {
				return found, true
			}
		}
	case []any:
		for _, item := range node {
			if found, ok := findKey(item, key); ok {
				return found, true
			}
		}
	}
	return nil, false
}

func lookup(v any, path []string) (any, bool) {
	for _, k := range path {
		obj, ok := decodeString(v).(map[string]any)
		if !ok {
			return nil, false
		}
		if v, ok = obj[k]; !ok {
			return nil, false
		}
	}
	return v, present(v)
}

// isIndexedContainer reports whether v is a non-empty object whose keys are
// all decimal indices and whose values are all arrays.
func isIndexedContainer(v any) bool {
	obj, ok := v.(map[string]any)
	if !ok || len(obj) == 0 {
		return false
	}
	for k, val := range obj {
		if k == "" || strings.Trim(k, "0123456789") != "" {
			return false
		}
		if _, ok := val.([]any); !ok {
			return false
		}
	}
	return true
}

// decodeString parses v as JSON when it is a string that looks like an
// object or array. Anything else is returned unchanged.
func decodeString(v any) any {
	s, ok := v.(string)
	if !ok {
		return v
	}
	trimmed := strings.TrimSpace(s)
	if !strings.HasPrefix(trimmed, "{") && !strings.HasPrefix(trimmed, "[") {
		return v
	}
	if parsed, ok := decode([]byte(trimmed)); ok {
		return parsed
	}
	return v
}

func decode(raw []byte) (any, bool) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, false
	}
	return v, true
}

// present treats null, false, zero and the empty string as missing.
func present(v any) bool {
	switch x := v.(type) {
	case nil:
		return false
	case bool:
		return x
	case string:
		return x != ""
	case json.Number:
		f, err := x.Float64()
		return err != nil || f != 0
	}
	return true
}
