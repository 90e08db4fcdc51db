// Package capability defines the closed set of (provider family, operation)
// tags a request requires and an upstream advertises. Routing intersects the
// two; the family part also selects the outbound auth scheme.
package capability

import (
	"strings"

	"github.com/Laisky/errors/v2"
)

// Family is the provider family half of a capability.
type Family string

const (
	FamilyOpenAI    Family = "openai"
	FamilyAnthropic Family = "anthropic"
	FamilyGoogle    Family = "google"
	FamilyCustom    Family = "custom"
)

// Capability is a "family.operation" tag, e.g. "openai.chat_completions".
type Capability string

const (
	OpenAIChatCompletions Capability = "openai.chat_completions"
	OpenAICompletions     Capability = "openai.completions"
	OpenAIEmbeddings      Capability = "openai.embeddings"
	OpenAIResponses       Capability = "openai.responses"

	AnthropicMessages Capability = "anthropic.messages"

	GoogleGenerateContent       Capability = "google.generate_content"
	GoogleStreamGenerateContent Capability = "google.stream_generate_content"

	// CustomProxy tunnels arbitrary paths to a custom upstream.
	CustomProxy Capability = "custom.proxy"
)

// wellKnown enumerates every non-custom capability. The custom family accepts
// any operation suffix, so it is validated structurally instead.
var wellKnown = map[Capability]bool{
	OpenAIChatCompletions:       true,
	OpenAICompletions:           true,
	OpenAIEmbeddings:            true,
	OpenAIResponses:             true,
	AnthropicMessages:           true,
	GoogleGenerateContent:       true,
	GoogleStreamGenerateContent: true,
}

// Family returns the provider family of c, or "" when c is malformed.
func (c Capability) Family() Family {
	i := strings.IndexByte(string(c), '.')
	if i <= 0 || i == len(c)-1 {
		return ""
	}
	switch f := Family(c[:i]); f {
	case FamilyOpenAI, FamilyAnthropic, FamilyGoogle, FamilyCustom:
		return f
	default:
		return ""
	}
}

// Operation returns the operation half of c.
func (c Capability) Operation() string {
	i := strings.IndexByte(string(c), '.')
	if i < 0 {
		return ""
	}
	return string(c[i+1:])
}

// Valid reports whether c is a well-known capability or a well-formed
// custom.* one.
func (c Capability) Valid() bool {
	if wellKnown[c] {
		return true
	}
	return c.Family() == FamilyCustom && c.Operation() != ""
}

// IsStreamingOnly reports whether the capability always produces a streamed
// response regardless of any body flag.
func (c Capability) IsStreamingOnly() bool {
	return c == GoogleStreamGenerateContent
}

// ValidateSet rejects empty sets, unknown members and sets that mix provider
// families. An upstream carries exactly one credential, so its capabilities
// must share one auth scheme.
func ValidateSet(caps []Capability) error {
	if len(caps) == 0 {
		return errors.New("at least one capability is required")
	}
	family := Family("")
	for _, c := range caps {
		if !c.Valid() {
			return errors.Errorf("unknown capability %q", c)
		}
		if family == "" {
			family = c.Family()
			continue
		}
		if c.Family() != family {
			return errors.Errorf("capability set mixes families %q and %q", family, c.Family())
		}
	}
	return nil
}
