package core

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sort"
)

// WriteStableJSON writes a canonical JSON form of v into b. Map keys are
// sorted recursively so equal parameter bags always produce equal bytes.
func WriteStableJSON(b *bytes.Buffer, v any) {
	switch t := v.(type) {
	case map[string]any:
		keys := make([]string, 0, len(t))
		for k := range t {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		b.WriteByte('{')
		for i, k := range keys {
			if i > 0 {
				b.WriteByte(',')
			}
			kb, _ := json.Marshal(k)
			b.Write(kb)
			b.WriteByte(':')
			WriteStableJSON(b, t[k])
		}
		b.WriteByte('}')
	case []any:
		b.WriteByte('[')
		for i, e := range t {
			if i > 0 {
				b.WriteByte(',')
			}
			WriteStableJSON(b, e)
		}
		b.WriteByte(']')
	default:
		bs, err := json.Marshal(t)
		if err != nil {
			b.WriteString("null")
			return
		}
		// Round-trip through any so typed maps and numbers collapse to the
		// same shape as decoded JSON.
		var generic any
		if err := json.Unmarshal(bs, &generic); err == nil {
			if _, ok := generic.(map[string]any); ok {
				WriteStableJSON(b, generic)
				return
			}
			if _, ok := generic.([]any); ok {
				WriteStableJSON(b, generic)
				return
			}
		}
		b.Write(bs)
	}
}

// Fingerprint returns a deterministic SHA-256 hex digest of v's canonical JSON.
func Fingerprint(v any) string {
	var b bytes.Buffer
	WriteStableJSON(&b, v)
	sum := sha256.Sum256(b.Bytes())
	return hex.EncodeToString(sum[:])
}

// SameParams reports whether two parameter bags are equal after canonicalization.
func SameParams(a, b map[string]any) bool {
	if len(a) == 0 && len(b) == 0 {
		return true
	}
	return Fingerprint(normalizeNumbers(a)) == Fingerprint(normalizeNumbers(b))
}

// normalizeNumbers decodes through JSON so ints and float64s compare equal.
func normalizeNumbers(m map[string]any) any {
	if m == nil {
		return map[string]any{}
	}
	bs, err := json.Marshal(m)
	if err != nil {
		return m
	}
	var out any
	if err := json.Unmarshal(bs, &out); err != nil {
		return m
	}
	return out
}
