// Package proxy opens the outbound exchange for one attempt and pipes the
// upstream response back downstream, streaming or not, while capturing the
// bytes billing needs.
package proxy

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/Laisky/errors/v2"

	"github.com/causewayapi/causeway/model"
	"github.com/causewayapi/causeway/relay/capability"
	"github.com/causewayapi/causeway/relay/meta"
)

// BuildRequest assembles the outbound request for one upstream attempt:
// joined URL, rewritten model, compensated headers and the upstream
// credential attached per the family profile.
func BuildRequest(ctx context.Context, m *meta.Meta, up *model.Upstream, outboundModel string,
	headers http.Header, body []byte) (*http.Request, error) {

	path := m.UpstreamPath
	if m.Capability.Family() == capability.FamilyGoogle && outboundModel != "" && outboundModel != m.RequestModel {
		path = capability.RewriteGoogleModel(path, outboundModel)
	}

	outBody := body
	if outboundModel != "" && outboundModel != m.RequestModel && m.Capability.Family() != capability.FamilyGoogle {
		rewritten, err := rewriteBodyModel(body, outboundModel)
		if err != nil {
			return nil, err
		}
		outBody = rewritten
	}

	url := strings.TrimRight(up.BaseURL, "/") + path
	if q := capability.StripCredentialQuery(m.RawQuery); q != "" {
		url += "?" + q
	}

	req, err := http.NewRequestWithContext(ctx, m.Method, url, bytes.NewReader(outBody))
	if err != nil {
		return nil, errors.Wrapf(err, "build outbound request for upstream %q", up.Name)
	}
	for name, values := range headers {
		req.Header[name] = values
	}
	if req.Header.Get("Content-Type") == "" && len(outBody) > 0 {
		req.Header.Set("Content-Type", "application/json")
	}

	credential, err := up.Credential()
	if err != nil {
		return nil, err
	}
	capability.ProfileFor(m.Capability).ApplyCredential(req, credential)
	return req, nil
}

// AttemptTimeout returns the context deadline for one outbound attempt.
func AttemptTimeout(up *model.Upstream) time.Duration {
	return time.Duration(up.TimeoutSeconds()) * time.Second
}

// rewriteBodyModel replaces the top-level "model" field, leaving every other
// byte of the client's JSON untouched.
func rewriteBodyModel(body []byte, newModel string) ([]byte, error) {
	if len(body) == 0 {
		return body, nil
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(body, &fields); err != nil {
		// Non-object bodies pass through unmodified.
		return body, nil
	}
	if _, ok := fields["model"]; !ok {
		return body, nil
	}
	raw, err := json.Marshal(newModel)
	if err != nil {
		return nil, errors.Wrap(err, "marshal model name")
	}
	fields["model"] = raw
	out, err := json.Marshal(fields)
	if err != nil {
		return nil, errors.Wrap(err, "re-encode request body")
	}
	return out, nil
}
