package capability

import (
	"net/http"
	"strings"
)

// RouteMatch is the result of deriving a capability from an ingress request.
type RouteMatch struct {
	Capability Capability
	// Model is the model name parsed from the path, only set for the google
	// family where the model lives in the URL instead of the body.
	Model string
	// UpstreamPath is the path to replay against the upstream base URL. For
	// custom.proxy this is the path after the /proxy prefix; everything else
	// forwards the ingress path as-is, minus any family prefix the gateway
	// added for disambiguation.
	UpstreamPath string
}

// FromRequest derives the required capability from method and path. The
// second return value is false when the path is not a routed one.
func FromRequest(method, path string) (RouteMatch, bool) {
	if p, ok := strings.CutPrefix(path, "/proxy"); ok {
		if p == "" {
			p = "/"
		}
		return RouteMatch{Capability: CustomProxy, UpstreamPath: p}, true
	}

	if method != http.MethodPost {
		return RouteMatch{}, false
	}

	switch path {
	case "/v1/chat/completions":
		return RouteMatch{Capability: OpenAIChatCompletions, UpstreamPath: path}, true
	case "/v1/completions":
		return RouteMatch{Capability: OpenAICompletions, UpstreamPath: path}, true
	case "/v1/embeddings":
		return RouteMatch{Capability: OpenAIEmbeddings, UpstreamPath: path}, true
	case "/v1/responses":
		return RouteMatch{Capability: OpenAIResponses, UpstreamPath: path}, true
	case "/v1/messages":
		return RouteMatch{Capability: AnthropicMessages, UpstreamPath: path}, true
	case "/anthropic/v1/messages":
		return RouteMatch{Capability: AnthropicMessages, UpstreamPath: "/v1/messages"}, true
	}

	if p, ok := strings.CutPrefix(path, "/google/"); ok {
		return googleMatch("/" + p)
	}
	return RouteMatch{}, false
}

// googleMatch parses /v1beta/models/{model}:{op} paths. The model segment may
// itself contain dots and dashes but never a slash or colon.
func googleMatch(path string) (RouteMatch, bool) {
	const prefix = "/v1beta/models/"
	rest, ok := strings.CutPrefix(path, prefix)
	if !ok || rest == "" {
		return RouteMatch{}, false
	}
	model, op, found := strings.Cut(rest, ":")
	if !found || model == "" || strings.ContainsRune(model, '/') {
		return RouteMatch{}, false
	}
	switch op {
	case "generateContent":
		return RouteMatch{Capability: GoogleGenerateContent, Model: model, UpstreamPath: path}, true
	case "streamGenerateContent":
		return RouteMatch{Capability: GoogleStreamGenerateContent, Model: model, UpstreamPath: path}, true
	default:
		return RouteMatch{}, false
	}
}

// RewriteGoogleModel replaces the model segment of a google path after a
// model redirect. Paths that do not parse are returned unchanged.
func RewriteGoogleModel(path, newModel string) string {
	const marker = "/models/"
	i := strings.Index(path, marker)
	if i < 0 {
		return path
	}
	rest := path[i+len(marker):]
	colon := strings.IndexByte(rest, ':')
	if colon < 0 {
		return path
	}
	return path[:i+len(marker)] + newModel + rest[colon:]
}
