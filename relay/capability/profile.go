package capability

import (
	"net/http"
	"net/url"
)

// Profile is the per-family function table: how to attach the upstream
// credential and which headers the family expects by default. Dispatch goes
// through this table instead of per-provider types; the gateway never
// translates between dialects.
type Profile struct {
	// AuthHeader names the header carrying the credential, empty when the
	// family authenticates through the query string instead.
	AuthHeader string
	// ApplyCredential attaches credential to an outbound request.
	ApplyCredential func(req *http.Request, credential string)
	// DefaultHeaders are compensated onto the outbound request when the
	// client did not send them.
	DefaultHeaders map[string]string
	// UsesStreamFlag reports whether the request body carries a "stream"
	// boolean that decides streaming.
	UsesStreamFlag bool
}

var profiles = map[Family]Profile{
	FamilyOpenAI: {
		AuthHeader: "Authorization",
		ApplyCredential: func(req *http.Request, credential string) {
			req.Header.Set("Authorization", "Bearer "+credential)
		},
		UsesStreamFlag: true,
	},
	FamilyAnthropic: {
		AuthHeader: "x-api-key",
		ApplyCredential: func(req *http.Request, credential string) {
			req.Header.Set("x-api-key", credential)
		},
		DefaultHeaders: map[string]string{
			"anthropic-version": "2023-06-01",
		},
		UsesStreamFlag: true,
	},
	FamilyGoogle: {
		ApplyCredential: func(req *http.Request, credential string) {
			q := req.URL.Query()
			q.Set("key", credential)
			req.URL.RawQuery = q.Encode()
		},
	},
	FamilyCustom: {
		AuthHeader: "Authorization",
		ApplyCredential: func(req *http.Request, credential string) {
			req.Header.Set("Authorization", "Bearer "+credential)
		},
	},
}

// ProfileFor returns the function table of c's family. Unknown families fall
// back to the custom profile so a misconfigured upstream still gets a sane
// bearer scheme instead of leaking the downstream credential.
func ProfileFor(c Capability) Profile {
	if p, ok := profiles[c.Family()]; ok {
		return p
	}
	return profiles[FamilyCustom]
}

// StripCredentialQuery removes the google-style key parameter from an
// inbound query string so the downstream credential never reaches the
// upstream.
func StripCredentialQuery(rawQuery string) string {
	if rawQuery == "" {
		return ""
	}
	q, err := url.ParseQuery(rawQuery)
	if err != nil {
		return rawQuery
	}
	if _, ok := q["key"]; !ok {
		return rawQuery
	}
	q.Del("key")
	return q.Encode()
}
