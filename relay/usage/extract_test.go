package usage

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExtractOpenAIWithDetails(t *testing.T) {
	body := []byte(`{"usage":{"prompt_tokens":1000,"completion_tokens":100,"total_tokens":1100,` +
		`"prompt_tokens_details":{"cached_tokens":800},"completion_tokens_details":{"reasoning_tokens":50}}}`)
	u := Extract(body)
	require.NotNil(t, u)
	assert.EqualValues(t, 1000, u.PromptTokens)
	assert.EqualValues(t, 100, u.CompletionTokens)
	assert.EqualValues(t, 1100, u.TotalTokens)
	assert.EqualValues(t, 800, u.CacheReadTokens)
	assert.EqualValues(t, 50, u.ReasoningTokens)
	assert.EqualValues(t, 0, u.CacheCreationTokens)
}

func TestExtractAnthropicCacheTokens(t *testing.T) {
	body := []byte(`{"usage":{"input_tokens":2000,"output_tokens":300,` +
		`"cache_creation_input_tokens":500,"cache_read_input_tokens":1200}}`)
	u := Extract(body)
	assert.EqualValues(t, 2000, u.PromptTokens)
	assert.EqualValues(t, 300, u.CompletionTokens)
	assert.EqualValues(t, 2300, u.TotalTokens)
	assert.EqualValues(t, 1200, u.CacheReadTokens)
	assert.EqualValues(t, 500, u.CacheCreationTokens)
	assert.EqualValues(t, 0, u.ReasoningTokens)
}

func TestExtractGoogleUsageMetadata(t *testing.T) {
	body := []byte(`{"usageMetadata":{"promptTokenCount":12,"candidatesTokenCount":34,` +
		`"totalTokenCount":46,"cachedContentTokenCount":8,"thoughtsTokenCount":5}}`)
	u := Extract(body)
	assert.EqualValues(t, 12, u.PromptTokens)
	assert.EqualValues(t, 34, u.CompletionTokens)
	assert.EqualValues(t, 46, u.TotalTokens)
	assert.EqualValues(t, 8, u.CacheReadTokens)
	assert.EqualValues(t, 5, u.ReasoningTokens)
}

func TestExtractTotalFallsBackToSum(t *testing.T) {
	u := Extract([]byte(`{"usage":{"prompt_tokens":10,"completion_tokens":5}}`))
	assert.EqualValues(t, 15, u.TotalTokens)

	u = Extract([]byte(`{"usage":{"input_tokens":7,"output_tokens":3}}`))
	assert.EqualValues(t, 10, u.TotalTokens)
}

func TestExtractResponseAPIDetails(t *testing.T) {
	body := []byte(`{"usage":{"input_tokens":100,"output_tokens":20,` +
		`"input_tokens_details":{"cached_tokens":64},"output_tokens_details":{"reasoning_tokens":12}}}`)
	u := Extract(body)
	assert.EqualValues(t, 64, u.CacheReadTokens)
	assert.EqualValues(t, 12, u.ReasoningTokens)
}

func TestExtractCoercion(t *testing.T) {
	// Numeric strings and floats coerce; floats floor; negatives clamp.
	body := []byte(`{"usage":{"prompt_tokens":"120","completion_tokens":4.9,"total_tokens":-1}}`)
	u := Extract(body)
	assert.EqualValues(t, 120, u.PromptTokens)
	assert.EqualValues(t, 4, u.CompletionTokens)
	assert.EqualValues(t, 124, u.TotalTokens)

	// Non-numeric garbage clamps to zero instead of failing extraction.
	u = Extract([]byte(`{"usage":{"prompt_tokens":{"a":1},"completion_tokens":true}}`))
	assert.EqualValues(t, 0, u.PromptTokens)
	assert.EqualValues(t, 0, u.CompletionTokens)
}

func TestExtractMissingAndInvalid(t *testing.T) {
	for _, body := range [][]byte{nil, {}, []byte(`{}`), []byte(`{"usage":null}`), []byte(`not json`)} {
		u := Extract(body)
		require.NotNil(t, u)
		assert.True(t, u.IsZero(), "body %q", body)
	}
}

func TestExtractIdempotent(t *testing.T) {
	body := []byte(`{"usage":{"prompt_tokens":1000,"completion_tokens":100,"total_tokens":1100}}`)
	first := Extract(body)
	second := Extract(body)
	assert.Equal(t, first, second)

	// Key order does not matter.
	reordered := []byte(`{"usage":{"total_tokens":1100,"completion_tokens":100,"prompt_tokens":1000}}`)
	assert.Equal(t, first, Extract(reordered))
}

func TestExtractMalformedBodyMarksParseFailed(t *testing.T) {
	u := Extract([]byte(`{"usage":{"prompt_tokens":`))
	assert.True(t, u.ParseFailed)
	assert.True(t, u.IsZero())

	// Valid JSON without usage is an absence, not a parse failure.
	assert.False(t, Extract([]byte(`{}`)).ParseFailed)
	assert.False(t, Extract(nil).ParseFailed)
}
