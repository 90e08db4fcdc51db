// Package usage parses provider usage blocks into the canonical token counts
// used for billing. Providers disagree on field names and occasionally on
// types (ints, floats, numeric strings), so every field goes through the same
// gjson coercion.
package usage

import (
	"math"

	"github.com/tidwall/gjson"

	relaymodel "github.com/causewayapi/causeway/relay/model"
)

// Extract parses the usage block of an upstream response body. It recognizes
// the OpenAI chat shape, the Anthropic / OpenAI Response shape and the Google
// usageMetadata shape, in that order. A body with no usage at all returns
// zeros, never nil; a body that is not JSON returns zeros with ParseFailed
// set so billing can tell "no usage reported" from "usage unreadable".
func Extract(body []byte) *relaymodel.Usage {
	u := &relaymodel.Usage{}
	if len(body) == 0 {
		return u
	}
	if !gjson.ValidBytes(body) {
		u.ParseFailed = true
		return u
	}
	root := gjson.ParseBytes(body)

	if usage := root.Get("usage"); usage.Exists() {
		if usage.Get("prompt_tokens").Exists() || usage.Get("completion_tokens").Exists() {
			extractOpenAI(usage, u)
			return u
		}
		if usage.Get("input_tokens").Exists() || usage.Get("output_tokens").Exists() {
			extractAnthropic(usage, u)
			return u
		}
	}
	if meta := root.Get("usageMetadata"); meta.Exists() {
		extractGoogle(meta, u)
	}
	return u
}

func extractOpenAI(usage gjson.Result, u *relaymodel.Usage) {
	u.PromptTokens = tokenCount(usage.Get("prompt_tokens"))
	u.CompletionTokens = tokenCount(usage.Get("completion_tokens"))
	u.TotalTokens = tokenCount(usage.Get("total_tokens"))
	if u.TotalTokens == 0 {
		u.TotalTokens = u.PromptTokens + u.CompletionTokens
	}
	u.CacheReadTokens = tokenCount(usage.Get("prompt_tokens_details.cached_tokens"))
	u.ReasoningTokens = tokenCount(usage.Get("completion_tokens_details.reasoning_tokens"))
}

// extractAnthropic also covers the OpenAI Response API, which adopted the
// input/output naming with its own details sub-objects.
func extractAnthropic(usage gjson.Result, u *relaymodel.Usage) {
	u.PromptTokens = tokenCount(usage.Get("input_tokens"))
	u.CompletionTokens = tokenCount(usage.Get("output_tokens"))
	u.CacheCreationTokens = tokenCount(usage.Get("cache_creation_input_tokens"))
	u.CacheReadTokens = tokenCount(usage.Get("cache_read_input_tokens"))
	if u.CacheReadTokens == 0 {
		u.CacheReadTokens = tokenCount(usage.Get("input_tokens_details.cached_tokens"))
	}
	u.ReasoningTokens = tokenCount(usage.Get("output_tokens_details.reasoning_tokens"))
	u.TotalTokens = tokenCount(usage.Get("total_tokens"))
	if u.TotalTokens == 0 {
		u.TotalTokens = u.PromptTokens + u.CompletionTokens
	}
}

func extractGoogle(meta gjson.Result, u *relaymodel.Usage) {
	u.PromptTokens = tokenCount(meta.Get("promptTokenCount"))
	u.CompletionTokens = tokenCount(meta.Get("candidatesTokenCount"))
	u.TotalTokens = tokenCount(meta.Get("totalTokenCount"))
	if u.TotalTokens == 0 {
		u.TotalTokens = u.PromptTokens + u.CompletionTokens
	}
	u.CacheReadTokens = tokenCount(meta.Get("cachedContentTokenCount"))
	u.ReasoningTokens = tokenCount(meta.Get("thoughtsTokenCount"))
}

// tokenCount coerces a JSON number or numeric string into a non-negative
// token count. Floats are floored; negatives and garbage clamp to zero.
func tokenCount(v gjson.Result) int64 {
	if !v.Exists() {
		return 0
	}
	switch v.Type {
	case gjson.Number, gjson.String:
		f := v.Float()
		if math.IsNaN(f) || f <= 0 {
			return 0
		}
		return int64(math.Floor(f))
	default:
		return 0
	}
}
