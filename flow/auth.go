package flow

import (
	"context"
	"crypto/md5"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"golang.org/x/oauth2/clientcredentials"
)

// AuthSpec is a resolved authentication policy attached to an HTTP
// call. Exactly one scheme is populated.
type AuthSpec struct {
	Basic  *BasicAuth
	Bearer *BearerAuth
	Digest *DigestAuth
	OAuth2 *OAuth2Auth
	OIDC   *OAuth2Auth
}

// BasicAuth carries RFC 7617 credentials.
type BasicAuth struct {
	Username string
	Password string
}

// BearerAuth carries a pre-issued bearer token.
type BearerAuth struct {
	Token string
}

// DigestAuth carries RFC 7616 credentials; the executor completes the
// challenge-response exchange.
type DigestAuth struct {
	Username string
	Password string
}

// OAuth2Auth configures the client-credentials grant. For OIDC the
// token endpoint is discovered from the authority's well-known
// configuration document.
type OAuth2Auth struct {
	Authority    string
	ClientID     string
	ClientSecret string
	Scopes       []string
}

// parseAuthSpec decodes the authentication block of a call's with
// clause after expression evaluation.
func parseAuthSpec(v any, pos Position) (*AuthSpec, error) {
	m, ok := v.(map[string]any)
	if !ok {
		return nil, NewConfigurationError(fmt.Sprintf("%s: authentication must be an object", pos))
	}
	spec := &AuthSpec{}
	schemes := 0

	if b, ok := m["basic"].(map[string]any); ok {
		spec.Basic = &BasicAuth{
			Username: stringField(b, "username"),
			Password: stringField(b, "password"),
		}
		schemes++
	}
	if b, ok := m["bearer"].(map[string]any); ok {
		spec.Bearer = &BearerAuth{Token: stringField(b, "token")}
		schemes++
	}
	if b, ok := m["digest"].(map[string]any); ok {
		spec.Digest = &DigestAuth{
			Username: stringField(b, "username"),
			Password: stringField(b, "password"),
		}
		schemes++
	}
	if b, ok := m["oauth2"].(map[string]any); ok {
		spec.OAuth2 = parseOAuth2(b)
		schemes++
	}
	if b, ok := m["oidc"].(map[string]any); ok {
		spec.OIDC = parseOAuth2(b)
		schemes++
	}

	if schemes != 1 {
		return nil, NewConfigurationError(fmt.Sprintf("%s: authentication requires exactly one scheme", pos))
	}
	return spec, nil
}

func parseOAuth2(m map[string]any) *OAuth2Auth {
	a := &OAuth2Auth{Authority: stringField(m, "authority")}
	if c, ok := m["client"].(map[string]any); ok {
		a.ClientID = stringField(c, "id")
		a.ClientSecret = stringField(c, "secret")
	}
	switch s := m["scopes"].(type) {
	case []any:
		for _, v := range s {
			if str, ok := v.(string); ok {
				a.Scopes = append(a.Scopes, str)
			}
		}
	case string:
		a.Scopes = strings.Fields(s)
	}
	return a
}

func stringField(m map[string]any, key string) string {
	s, _ := m[key].(string)
	return s
}

// applyAuth attaches the policy's credentials to the request. Digest is
// applied lazily by the executor on the 401 challenge.
func (e *HTTPExecutor) applyAuth(ctx context.Context, req *http.Request, auth *AuthSpec) error {
	switch {
	case auth.Basic != nil:
		req.SetBasicAuth(auth.Basic.Username, auth.Basic.Password)
	case auth.Bearer != nil:
		if auth.Bearer.Token == "" {
			return NewAuthenticationError("bearer authentication requires a token")
		}
		req.Header.Set("Authorization", "Bearer "+auth.Bearer.Token)
	case auth.OAuth2 != nil:
		return e.applyClientCredentials(ctx, req, auth.OAuth2, auth.OAuth2.Authority+"/oauth2/token")
	case auth.OIDC != nil:
		endpoint, err := e.discoverTokenEndpoint(ctx, auth.OIDC.Authority)
		if err != nil {
			return err
		}
		return e.applyClientCredentials(ctx, req, auth.OIDC, endpoint)
	}
	return nil
}

// applyClientCredentials obtains a token via the client-credentials
// grant and attaches it as a bearer token.
func (e *HTTPExecutor) applyClientCredentials(ctx context.Context, req *http.Request, auth *OAuth2Auth, tokenURL string) error {
	if auth.ClientID == "" {
		return NewAuthenticationError("oauth2 authentication requires client.id")
	}
	cfg := clientcredentials.Config{
		ClientID:     auth.ClientID,
		ClientSecret: auth.ClientSecret,
		TokenURL:     tokenURL,
		Scopes:       auth.Scopes,
	}
	tok, err := cfg.Token(ctx)
	if err != nil {
		return NewAuthenticationError(fmt.Sprintf("token request to %s failed: %v", tokenURL, err))
	}
	tok.SetAuthHeader(req)
	return nil
}

// discoverTokenEndpoint resolves the token endpoint from the OIDC
// authority's well-known configuration document.
func (e *HTTPExecutor) discoverTokenEndpoint(ctx context.Context, authority string) (string, error) {
	wellKnown := strings.TrimSuffix(authority, "/") + "/.well-known/openid-configuration"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, wellKnown, nil)
	if err != nil {
		return "", NewAuthenticationError(fmt.Sprintf("oidc discovery: %v", err))
	}
	resp, err := e.client.Do(req)
	if err != nil {
		return "", NewAuthenticationError(fmt.Sprintf("oidc discovery at %s failed: %v", wellKnown, err))
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		return "", NewAuthenticationError(fmt.Sprintf("oidc discovery at %s: status %d", wellKnown, resp.StatusCode))
	}
	var doc struct {
		TokenEndpoint string `json:"token_endpoint"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&doc); err != nil {
		return "", NewAuthenticationError(fmt.Sprintf("oidc discovery at %s: %v", wellKnown, err))
	}
	if doc.TokenEndpoint == "" {
		return "", NewAuthenticationError(fmt.Sprintf("oidc discovery at %s: no token_endpoint", wellKnown))
	}
	return doc.TokenEndpoint, nil
}

// digestAuthorization computes the Authorization header answering an
// RFC 7616 MD5 challenge.
func digestAuthorization(auth *DigestAuth, method, uri, challenge string) (string, error) {
	if !strings.HasPrefix(challenge, "Digest ") {
		return "", NewAuthenticationError("server did not offer a digest challenge")
	}
	params := parseDigestChallenge(strings.TrimPrefix(challenge, "Digest "))
	realm := params["realm"]
	nonce := params["nonce"]
	qop := params["qop"]
	opaque := params["opaque"]
	if nonce == "" {
		return "", NewAuthenticationError("digest challenge missing nonce")
	}

	ha1 := md5Hex(auth.Username + ":" + realm + ":" + auth.Password)
	ha2 := md5Hex(method + ":" + uri)

	var response, cnonce string
	nc := "00000001"
	if strings.Contains(qop, "auth") {
		qop = "auth"
		cnonce = randomCnonce()
		response = md5Hex(ha1 + ":" + nonce + ":" + nc + ":" + cnonce + ":" + qop + ":" + ha2)
	} else {
		response = md5Hex(ha1 + ":" + nonce + ":" + ha2)
	}

	var b strings.Builder
	fmt.Fprintf(&b, `Digest username=%q, realm=%q, nonce=%q, uri=%q, response=%q`,
		auth.Username, realm, nonce, uri, response)
	if qop == "auth" {
		fmt.Fprintf(&b, `, qop=auth, nc=%s, cnonce=%q`, nc, cnonce)
	}
	if opaque != "" {
		fmt.Fprintf(&b, `, opaque=%q`, opaque)
	}
	return b.String(), nil
}

func parseDigestChallenge(s string) map[string]string {
	params := map[string]string{}
	for _, part := range strings.Split(s, ",") {
		kv := strings.SplitN(strings.TrimSpace(part), "=", 2)
		if len(kv) != 2 {
			continue
		}
		params[kv[0]] = strings.Trim(kv[1], `"`)
	}
	return params
}

func md5Hex(s string) string {
	sum := md5.Sum([]byte(s))
	return hex.EncodeToString(sum[:])
}

func randomCnonce() string {
	var b [8]byte
	_, _ = rand.Read(b[:])
	return hex.EncodeToString(b[:])
}
