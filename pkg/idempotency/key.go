// Package idempotency derives stable fingerprints from request
// parameters so duplicate submissions collapse onto one job.
package idempotency

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
)

// KeyLength is the length of a derived key: 16 hex characters (~2^64
// namespace).
const KeyLength = 16

// MaxClientKeyLength bounds client-supplied keys.
const MaxClientKeyLength = 64

var clientKeyPattern = regexp.MustCompile(`^[a-zA-Z0-9-]+$`)

// SanitizeClientKey validates a client-supplied idempotency key.
func SanitizeClientKey(key string) (string, error) {
	if len(key) > MaxClientKeyLength {
		return "", fmt.Errorf("idempotency key exceeds %d characters", MaxClientKeyLength)
	}
	if !clientKeyPattern.MatchString(key) {
		return "", fmt.Errorf("idempotency key must contain only alphanumerics and dashes")
	}
	return key, nil
}

// DeriveKey fingerprints the canonical subset of request parameters:
// serialize the canonical map with sorted keys, SHA-256, first 16 hex
// characters. Two parameter objects share a key exactly when their
// canonical maps are byte-identical.
func DeriveKey(args map[string]any) (string, error) {
	canonical := Canonicalize(args)

	// json.Marshal emits map keys in sorted order, which makes the
	// serialization deterministic.
	serialized, err := json.Marshal(canonical)
	if err != nil {
		return "", fmt.Errorf("serializing canonical params: %w", err)
	}

	sum := sha256.Sum256(serialized)
	return hex.EncodeToString(sum[:])[:KeyLength], nil
}

// Canonicalize reduces request parameters to the canonical map used for
// fingerprinting. Only the recognized fields participate; requestId,
// notify URLs, the async flag, client context, timestamps, and any
// underscore-prefixed field are excluded by construction.
func Canonicalize(args map[string]any) map[string]any {
	canonical := map[string]any{
		"query":          strings.ToLower(strings.TrimSpace(asString(args["query"]))),
		"costPreference": stringOrDefault(args["costPreference"], "low"),
		"audienceLevel":  stringOrDefault(args["audienceLevel"], "intermediate"),
		"outputFormat":   stringOrDefault(args["outputFormat"], "report"),
		"includeSources": boolOrDefault(args["includeSources"], true),
		"maxLength":      args["maxLength"],
	}

	// A follow-up on a prior report must never collapse onto a plain
	// research submission of the same query.
	if v, ok := args["contextReportId"]; ok && v != nil {
		canonical["contextReportId"] = v
	}

	if v, ok := args["images"]; ok {
		canonical["images"] = reduceAttachments(v, imageSerialization)
	}
	if v, ok := args["textDocuments"]; ok {
		canonical["textDocuments"] = reduceAttachments(v, textDocSerialization)
	}
	if v, ok := args["structuredData"]; ok {
		canonical["structuredData"] = reduceAttachments(v, structuredSerialization)
	}

	return canonical
}

// reduceAttachments collapses an attachment array to {count, firstHash},
// where firstHash is a 16-char SHA-256 prefix over the first element's
// canonical serialization.
func reduceAttachments(v any, serialize func(any) string) map[string]any {
	list, ok := v.([]any)
	if !ok || len(list) == 0 {
		return map[string]any{"count": 0, "firstHash": ""}
	}
	sum := sha256.Sum256([]byte(serialize(list[0])))
	return map[string]any{
		"count":     len(list),
		"firstHash": hex.EncodeToString(sum[:])[:KeyLength],
	}
}

// imageSerialization canonicalizes an image attachment as its URL.
func imageSerialization(el any) string {
	if s, ok := el.(string); ok {
		return s
	}
	if m, ok := el.(map[string]any); ok {
		return asString(m["url"])
	}
	return ""
}

// textDocSerialization canonicalizes a text document as its first 1000
// characters.
func textDocSerialization(el any) string {
	var text string
	switch v := el.(type) {
	case string:
		text = v
	case map[string]any:
		text = asString(v["content"])
		if text == "" {
			text = asString(v["text"])
		}
	}
	if len(text) > 1000 {
		text = text[:1000]
	}
	return text
}

// structuredSerialization canonicalizes structured data as sorted-key JSON.
func structuredSerialization(el any) string {
	b, err := json.Marshal(el)
	if err != nil {
		return ""
	}
	return string(b)
}

func asString(v any) string {
	s, _ := v.(string)
	return s
}

func stringOrDefault(v any, def string) string {
	if s, ok := v.(string); ok && s != "" {
		return s
	}
	return def
}

func boolOrDefault(v any, def bool) bool {
	if b, ok := v.(bool); ok {
		return b
	}
	return def
}
