package model

// Usage holds the token counts extracted from an upstream response body or
// accumulated across a stream. All fields are non-negative; extraction clamps
// anything an upstream mis-reports below zero.
type Usage struct {
	PromptTokens     int64 `json:"prompt_tokens"`
	CompletionTokens int64 `json:"completion_tokens"`
	TotalTokens      int64 `json:"total_tokens"`

	// CacheReadTokens counts prompt tokens served from the provider's
	// prompt cache (OpenAI cached_tokens, Anthropic cache_read_input_tokens,
	// Google cachedContentTokenCount).
	CacheReadTokens int64 `json:"cache_read_tokens,omitempty"`
	// CacheCreationTokens counts tokens written into the provider's prompt
	// cache (Anthropic cache_creation_input_tokens).
	CacheCreationTokens int64 `json:"cache_creation_tokens,omitempty"`
	// ReasoningTokens counts hidden chain-of-thought tokens where the
	// provider reports them (OpenAI reasoning_tokens, Google
	// thoughtsTokenCount). Informational; they are already included in
	// CompletionTokens for billing.
	ReasoningTokens int64 `json:"reasoning_tokens,omitempty"`

	// ParseFailed marks a body that was not valid JSON, so any usage block
	// it carried is unreadable. Billing records parse_error instead of
	// no_usage when no counts were recovered.
	ParseFailed bool `json:"-"`
}

// IsZero reports whether no token counts were found at all, which the
// billing layer records as an unbilled "no_usage" outcome.
func (u *Usage) IsZero() bool {
	if u == nil {
		return true
	}
	return u.PromptTokens == 0 && u.CompletionTokens == 0 && u.TotalTokens == 0 &&
		u.CacheReadTokens == 0 && u.CacheCreationTokens == 0 && u.ReasoningTokens == 0
}

// Merge folds other into u, keeping the maximum of each counter. Streaming
// providers report usage incrementally (Anthropic sends prompt tokens in
// message_start and completion tokens in message_delta) so per-field max is
// the lossless combination.
func (u *Usage) Merge(other *Usage) {
	if other == nil {
		return
	}
	u.PromptTokens = maxInt64(u.PromptTokens, other.PromptTokens)
	u.CompletionTokens = maxInt64(u.CompletionTokens, other.CompletionTokens)
	u.TotalTokens = maxInt64(u.TotalTokens, other.TotalTokens)
	u.CacheReadTokens = maxInt64(u.CacheReadTokens, other.CacheReadTokens)
	u.CacheCreationTokens = maxInt64(u.CacheCreationTokens, other.CacheCreationTokens)
	u.ReasoningTokens = maxInt64(u.ReasoningTokens, other.ReasoningTokens)
	u.ParseFailed = u.ParseFailed || other.ParseFailed
}

func maxInt64(a, b int64) int64 {
	if a > b {
		return a
	}
	return b
}
