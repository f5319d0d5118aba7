// Package fingerprint hashes record contents into stable identifiers
package fingerprint

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"sort"
	"strings"
	"time"
)

// Generate creates a deterministic fingerprint for a field map.
// It is the SHA256 of a canonical, key-sorted encoding.
func Generate(data map[string]any) string {
	return GenerateWithExclusions(data, nil)
}

// GenerateWithExclusions fingerprints data ignoring the named fields.
// Exclusions are dot-notation paths; excluding "meta" excludes "meta.version".
func GenerateWithExclusions(data map[string]any, exclude map[string]bool) string {
	h := sha256.New()
	writeMap(h, data, exclude, "")
	return hex.EncodeToString(h.Sum(nil))
}

// Fields fingerprints record fields, skipping metadata fields that start
// with an underscore.
func Fields(fields map[string]any) string {
	exclude := map[string]bool{}
	for k := range fields {
		if strings.HasPrefix(k, "_") {
			exclude[k] = true
		}
	}
	return GenerateWithExclusions(fields, exclude)
}

// Bytes hashes an opaque document such as a configuration file
func Bytes(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// Key hashes an ordered tuple. Parts are length-prefixed so ("ab","c") and
// ("a","bc") differ.
func Key(parts ...string) string {
	h := sha256.New()
	for _, p := range parts {
		writeString(h, p)
	}
	return hex.EncodeToString(h.Sum(nil))
}

func writeValue(w io.Writer, v any, exclude map[string]bool, path string) {
	switch t := v.(type) {
	case map[string]any:
		writeMap(w, t, exclude, path)
	case []any:
		io.WriteString(w, "[")
		for i, item := range t {
			if i > 0 {
				io.WriteString(w, ",")
			}
			writeValue(w, item, exclude, path)
		}
		io.WriteString(w, "]")
	case time.Time:
		writeString(w, t.UTC().Format(time.RFC3339Nano))
	default:
		b, err := json.Marshal(t)
		if err != nil {
			b = []byte("null")
		}
		w.Write(b)
	}
}

func writeMap(w io.Writer, m map[string]any, exclude map[string]bool, path string) {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	io.WriteString(w, "{")
	first := true
	for _, k := range keys {
		fieldPath := k
		if path != "" {
			fieldPath = path + "." + k
		}
		if excluded(fieldPath, exclude) {
			continue
		}
		if !first {
			io.WriteString(w, ",")
		}
		first = false
		writeString(w, k)
		io.WriteString(w, ":")
		writeValue(w, m[k], exclude, fieldPath)
	}
	io.WriteString(w, "}")
}

func writeString(w io.Writer, s string) {
	b, _ := json.Marshal(s)
	w.Write(b)
}

func excluded(path string, exclude map[string]bool) bool {
	if len(exclude) == 0 {
		return false
	}
	if exclude[path] {
		return true
	}
	for parent := range exclude {
		if strings.HasPrefix(path, parent+".") {
			return true
		}
	}
	return false
}
