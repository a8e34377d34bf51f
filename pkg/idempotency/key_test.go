package idempotency

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDeriveKey_Stable(t *testing.T) {
	args := map[string]any{"query": "What is BM25?"}

	k1, err := DeriveKey(args)
	require.NoError(t, err)
	k2, err := DeriveKey(args)
	require.NoError(t, err)

	assert.Equal(t, k1, k2)
	assert.Len(t, k1, KeyLength)
}

func TestDeriveKey_QueryNormalization(t *testing.T) {
	k1, err := DeriveKey(map[string]any{"query": "  What is BM25?  "})
	require.NoError(t, err)
	k2, err := DeriveKey(map[string]any{"query": "what is bm25?"})
	require.NoError(t, err)

	assert.Equal(t, k1, k2, "trimming and lowercasing should collapse onto one key")
}

func TestDeriveKey_DefaultsMatchExplicit(t *testing.T) {
	k1, err := DeriveKey(map[string]any{"query": "q"})
	require.NoError(t, err)
	k2, err := DeriveKey(map[string]any{
		"query":          "q",
		"costPreference": "low",
		"audienceLevel":  "intermediate",
		"outputFormat":   "report",
		"includeSources": true,
	})
	require.NoError(t, err)

	assert.Equal(t, k1, k2, "explicit defaults must not change the key")
}

func TestDeriveKey_ExcludedFieldsIgnored(t *testing.T) {
	k1, err := DeriveKey(map[string]any{"query": "q"})
	require.NoError(t, err)
	k2, err := DeriveKey(map[string]any{
		"query":         "q",
		"requestId":     "r-123",
		"async":         true,
		"notifyUrl":     "https://example.com/hook",
		"clientContext": map[string]any{"ua": "test"},
		"_internal":     "x",
	})
	require.NoError(t, err)

	assert.Equal(t, k1, k2)
}

func TestDeriveKey_ContextReportSeparatesFollowUps(t *testing.T) {
	plain, err := DeriveKey(map[string]any{"query": "q"})
	require.NoError(t, err)

	followUp, err := DeriveKey(map[string]any{"query": "q", "contextReportId": float64(42)})
	require.NoError(t, err)
	assert.NotEqual(t, plain, followUp,
		"a follow-up must not collide with plain research on the same query")

	other, err := DeriveKey(map[string]any{"query": "q", "contextReportId": float64(43)})
	require.NoError(t, err)
	assert.NotEqual(t, followUp, other)

	same, err := DeriveKey(map[string]any{"query": "q", "contextReportId": float64(42)})
	require.NoError(t, err)
	assert.Equal(t, followUp, same)
}

func TestDeriveKey_DifferentParamsDiffer(t *testing.T) {
	k1, err := DeriveKey(map[string]any{"query": "q", "costPreference": "low"})
	require.NoError(t, err)
	k2, err := DeriveKey(map[string]any{"query": "q", "costPreference": "high"})
	require.NoError(t, err)

	assert.NotEqual(t, k1, k2)
}

func TestDeriveKey_AttachmentsReduced(t *testing.T) {
	k1, err := DeriveKey(map[string]any{
		"query":  "q",
		"images": []any{"https://example.com/a.png", "https://example.com/b.png"},
	})
	require.NoError(t, err)

	// Same first element and count → same key even if later elements differ.
	k2, err := DeriveKey(map[string]any{
		"query":  "q",
		"images": []any{"https://example.com/a.png", "https://example.com/c.png"},
	})
	require.NoError(t, err)
	assert.Equal(t, k1, k2)

	// Different first element → different key.
	k3, err := DeriveKey(map[string]any{
		"query":  "q",
		"images": []any{"https://example.com/z.png", "https://example.com/b.png"},
	})
	require.NoError(t, err)
	assert.NotEqual(t, k1, k3)
}

func TestDeriveKey_TextDocFirst1000Chars(t *testing.T) {
	long := strings.Repeat("a", 2000)
	k1, err := DeriveKey(map[string]any{
		"query":         "q",
		"textDocuments": []any{long},
	})
	require.NoError(t, err)

	// Divergence past char 1000 is invisible to the fingerprint.
	k2, err := DeriveKey(map[string]any{
		"query":         "q",
		"textDocuments": []any{long[:1000] + strings.Repeat("b", 1000)},
	})
	require.NoError(t, err)
	assert.Equal(t, k1, k2)
}

func TestSanitizeClientKey(t *testing.T) {
	key, err := SanitizeClientKey("my-key-123")
	require.NoError(t, err)
	assert.Equal(t, "my-key-123", key)

	_, err = SanitizeClientKey(strings.Repeat("a", 65))
	require.Error(t, err)

	_, err = SanitizeClientKey("bad key!")
	require.Error(t, err)
}
