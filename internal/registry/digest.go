package registry

import (
	"bytes"
	_ "crypto/sha256" // registers SHA-256 for go-digest
	"encoding/json"
	"fmt"
	"sort"
	"unicode"

	"github.com/opencontainers/go-digest"
)

// CanonicalIndexDigest computes the content digest of an image index.
// Attestation entries are dropped, the remaining entries are sorted by
// digest, and the document is re-serialized with sorted keys and all
// whitespace removed before hashing. Registries that reorder the manifest
// list or attach attestations therefore yield the same digest.
func CanonicalIndexDigest(raw []byte) (digest.Digest, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()

	var doc map[string]interface{}
	if err := dec.Decode(&doc); err != nil {
		return "", fmt.Errorf("parsing index: %w", err)
	}

	entries, _ := doc["manifests"].([]interface{})
	kept := make([]interface{}, 0, len(entries))
	for _, e := range entries {
		entry, ok := e.(map[string]interface{})
		if !ok {
			continue
		}
		if annotations, ok := entry["annotations"].(map[string]interface{}); ok {
			if _, isRef := annotations[AnnotationReferenceType]; isRef {
				continue
			}
		}
		kept = append(kept, entry)
	}
	sort.SliceStable(kept, func(i, j int) bool {
		return entryDigest(kept[i]) < entryDigest(kept[j])
	})
	doc["manifests"] = kept

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(doc); err != nil {
		return "", fmt.Errorf("encoding index: %w", err)
	}

	return digest.FromBytes(stripWhitespace(buf.Bytes())), nil
}

func entryDigest(e interface{}) string {
	m, _ := e.(map[string]interface{})
	s, _ := m["digest"].(string)
	return s
}

func stripWhitespace(b []byte) []byte {
	return bytes.Map(func(r rune) rune {
		if unicode.IsSpace(r) {
			return -1
		}
		return r
	}, b)
}
