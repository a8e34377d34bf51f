package research

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParsePlan(t *testing.T) {
	t.Run("bare json array", func(t *testing.T) {
		subs := parsePlan(`[{"tag":"a","query":"first"},{"tag":"b","query":"second","domain":"infra"}]`, 8)
		require.Len(t, subs, 2)
		assert.Equal(t, "first", subs[0].Query)
		assert.Equal(t, "infra", subs[1].Domain)
	})

	t.Run("array wrapped in prose and fences", func(t *testing.T) {
		content := "Here is the plan:\n```json\n[{\"tag\":\"x\",\"query\":\"hybrid search\"}]\n```\nHope that helps!"
		subs := parsePlan(content, 8)
		require.Len(t, subs, 1)
		assert.Equal(t, "hybrid search", subs[0].Query)
	})

	t.Run("blank queries dropped, missing tags filled", func(t *testing.T) {
		subs := parsePlan(`[{"query":"  "},{"query":"real one"}]`, 8)
		require.Len(t, subs, 1)
		assert.Equal(t, "sub1", subs[0].Tag)
	})

	t.Run("truncated to the fan-out bound", func(t *testing.T) {
		subs := parsePlan(`[{"query":"a"},{"query":"b"},{"query":"c"}]`, 2)
		assert.Len(t, subs, 2)
	})

	t.Run("garbage returns nil", func(t *testing.T) {
		assert.Nil(t, parsePlan("I cannot produce a plan today.", 8))
		assert.Nil(t, parsePlan("", 8))
		assert.Nil(t, parsePlan("[not json]", 8))
	})
}

func TestParseParams(t *testing.T) {
	p, err := ParseParams([]byte(`{"query":"Q"}`))
	require.NoError(t, err)
	assert.Equal(t, "low", p.CostPreference)
	assert.Equal(t, "intermediate", p.AudienceLevel)
	assert.Equal(t, "report", p.OutputFormat)
	assert.True(t, p.IncludeSources)

	p, err = ParseParams([]byte(`{"query":"Q","includeSources":false,"costPreference":"high"}`))
	require.NoError(t, err)
	assert.False(t, p.IncludeSources)
	assert.Equal(t, "high", p.CostPreference)

	_, err = ParseParams([]byte(`{}`))
	assert.ErrorContains(t, err, "query must not be empty")

	_, err = ParseParams([]byte(`{broken`))
	assert.Error(t, err)
}

func TestDeriveSeed(t *testing.T) {
	a := DeriveSeed("job_1_abcdef")
	b := DeriveSeed("job_1_abcdef")
	c := DeriveSeed("job_2_abcdef")
	assert.Equal(t, a, b)
	assert.NotEqual(t, a, c)
	assert.GreaterOrEqual(t, a, int64(0))
}
