// Package auth implements the Docker/OCI token challenge protocol as an
// HTTP middleware: it intercepts 401 responses, parses the
// WWW-Authenticate challenge, acquires a Basic or Bearer token, caches
// it, and retries the request once.
package auth

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"golang.org/x/oauth2"

	"github.com/rancher/ociclient/errdef"
	"github.com/rancher/ociclient/internal/log"
)

// defaultClientID is sent as client_id in OAuth2 token requests when the
// client has none configured.
const defaultClientID = "ociclient"

// maxTokenResponseBytes caps how much of a token endpoint response is
// read.
const maxTokenResponseBytes = 128 * 1024

// DefaultClient is an auth client with anonymous credentials and a
// process-wide token cache, used by registry/remote when no client is
// configured.
var DefaultClient = &Client{
	Cache: NewCache(),
}

// Client is an HTTP client that authenticates to registries. It wraps an
// inner http.Client; every request flows through Do, which handles the
// 401 challenge/retry cycle. The zero value is usable: anonymous, no
// cache.
//
// Client is safe for concurrent use.
type Client struct {
	// Client is the underlying HTTP client. Defaults to
	// http.DefaultClient.
	Client *http.Client

	// Header is attached to every outgoing request (e.g. User-Agent).
	Header http.Header

	// Credential resolves the credential for a registry host. Defaults
	// to anonymous.
	Credential CredentialFunc

	// Cache stores acquired tokens. With no cache every 401 costs a
	// token round trip.
	Cache Cache

	// ClientID is sent as client_id in OAuth2 token requests. Defaults
	// to "ociclient".
	ClientID string

	// ForceAttemptOAuth2 selects the OAuth2 POST flow for Bearer
	// challenges even when no refresh token is present, using the
	// password grant.
	ForceAttemptOAuth2 bool

	// ScopeManager carries per-host scope hints merged into every Bearer
	// token request. Optional.
	ScopeManager *ScopeManager
}

func (c *Client) client() *http.Client {
	if c.Client == nil {
		return http.DefaultClient
	}
	return c.Client
}

func (c *Client) credential(ctx context.Context, registry string) (Credential, error) {
	if c.Credential == nil {
		return EmptyCredential, nil
	}
	return c.Credential(ctx, registry)
}

func (c *Client) cache() Cache {
	if c.Cache == nil {
		return noCache{}
	}
	return c.Cache
}

// send attaches the configured headers and dispatches req on the inner
// client.
func (c *Client) send(req *http.Request) (*http.Response, error) {
	for key, values := range c.Header {
		req.Header[key] = append(req.Header[key], values...)
	}
	return c.client().Do(req)
}

// scopes gathers the scopes applying to a request for host: the client's
// per-host hints plus any attached to the request context.
func (c *Client) scopes(ctx context.Context, host string) []string {
	var scopes []string
	if c.ScopeManager != nil {
		scopes = c.ScopeManager.Scopes(host)
	}
	return CleanScopes(append(scopes, GetScopes(ctx)...))
}

// Do sends originalReq, negotiating authentication as needed. The
// original request is never mutated: the retry after a token fetch is a
// clone. A request already carrying Authorization is forwarded unchanged.
func (c *Client) Do(originalReq *http.Request) (*http.Response, error) {
	if originalReq.Header.Get("Authorization") != "" {
		return c.send(originalReq.Clone(originalReq.Context()))
	}

	ctx := originalReq.Context()
	req := originalReq.Clone(ctx)
	host := originalReq.Host
	if host == "" {
		host = originalReq.URL.Host
	}
	cache := c.cache()

	// Attach any token cached from earlier exchanges with this host.
	scheme, err := cache.GetScheme(ctx, host)
	if err == nil {
		switch scheme {
		case SchemeBasic:
			if token, err := cache.GetToken(ctx, host, SchemeBasic, ""); err == nil {
				req.Header.Set("Authorization", "Basic "+token)
			}
		case SchemeBearer:
			scopes := c.scopes(ctx, host)
			if token, err := cache.GetToken(ctx, host, SchemeBearer, strings.Join(scopes, " ")); err == nil {
				req.Header.Set("Authorization", "Bearer "+token)
			}
		}
	}

	resp, err := c.send(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusUnauthorized {
		return resp, nil
	}

	challenge := resp.Header.Get("Www-Authenticate")
	challengeScheme, params, err := parseChallenge(challenge)
	if err != nil {
		resp.Body.Close()
		return nil, fmt.Errorf("parsing challenge %q: %w", challenge, err)
	}

	var token string
	switch challengeScheme {
	case SchemeBasic:
		resp.Body.Close()
		token, err = cache.Set(ctx, host, SchemeBasic, "", func(ctx context.Context) (string, error) {
			return c.fetchBasicAuth(ctx, host)
		})
		if err != nil {
			return nil, fmt.Errorf("%s %q: %w", resp.Request.Method, resp.Request.URL, err)
		}
		token = "Basic " + token

	case SchemeBearer:
		resp.Body.Close()
		realm, service := params["realm"], params["service"]
		if realm == "" {
			return nil, fmt.Errorf("challenge %q: realm: %w", challenge, errdef.ErrMissingAuthParameter)
		}
		if service == "" {
			return nil, fmt.Errorf("challenge %q: service: %w", challenge, errdef.ErrMissingAuthParameter)
		}
		scopes := c.scopes(ctx, host)
		if paramScope := params["scope"]; paramScope != "" {
			scopes = CleanScopes(append(scopes, strings.Split(paramScope, " ")...))
		}
		key := strings.Join(scopes, " ")

		// The token was attached from the cache and still rejected;
		// refetch unconditionally.
		token, err = cache.Set(ctx, host, SchemeBearer, key, func(ctx context.Context) (string, error) {
			return c.fetchBearerToken(ctx, host, realm, service, scopes)
		})
		if err != nil {
			return nil, fmt.Errorf("%s %q: %w", resp.Request.Method, resp.Request.URL, err)
		}
		token = "Bearer " + token

	default:
		// Unknown scheme: nothing this client can do, surface the 401.
		return resp, nil
	}

	req = originalReq.Clone(ctx)
	req.Header.Set("Authorization", token)
	if req.Body != nil && req.GetBody != nil {
		// The first send consumed the body; rewind for the retry.
		body, err := req.GetBody()
		if err != nil {
			return nil, err
		}
		req.Body = body
	}
	return c.send(req)
}

// fetchBasicAuth resolves the credential for registry and renders it as
// a Basic token.
func (c *Client) fetchBasicAuth(ctx context.Context, registry string) (string, error) {
	cred, err := c.credential(ctx, registry)
	if err != nil {
		return "", fmt.Errorf("failed to resolve credential: %w", err)
	}
	if cred == EmptyCredential {
		return "", fmt.Errorf("no credential for %s: %w", registry, errdef.ErrMissingCredentials)
	}
	if cred.Username == "" || cred.Password == "" {
		return "", fmt.Errorf("missing username or password for %s: %w", registry, errdef.ErrMissingCredentials)
	}
	return base64.StdEncoding.EncodeToString([]byte(cred.Username + ":" + cred.Password)), nil
}

// fetchBearerToken acquires a Bearer token for the given scopes, picking
// the distribution token flow or the OAuth2 flow based on the resolved
// credential.
func (c *Client) fetchBearerToken(ctx context.Context, registry, realm, service string, scopes []string) (string, error) {
	cred, err := c.credential(ctx, registry)
	if err != nil {
		return "", err
	}
	if cred.AccessToken != "" {
		return cred.AccessToken, nil
	}
	if cred == EmptyCredential || (cred.RefreshToken == "" && !c.ForceAttemptOAuth2) {
		return c.fetchDistributionToken(ctx, realm, service, scopes, cred.Username, cred.Password)
	}
	return c.fetchOAuth2Token(ctx, realm, service, scopes, cred)
}

// fetchDistributionToken requests a token via the distribution token
// protocol: a GET against the realm with service and scope query
// parameters, optionally authenticated with Basic.
// Reference: https://distribution.github.io/distribution/spec/auth/token/
func (c *Client) fetchDistributionToken(ctx context.Context, realm, service string, scopes []string, username, password string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, realm, nil)
	if err != nil {
		return "", err
	}
	if username != "" || password != "" {
		req.SetBasicAuth(username, password)
	}
	q := req.URL.Query()
	if service != "" {
		q.Set("service", service)
	}
	for _, scope := range scopes {
		q.Add("scope", scope)
	}
	req.URL.RawQuery = q.Encode()

	resp, err := c.send(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("%s %q: status %d: %w", resp.Request.Method, resp.Request.URL, resp.StatusCode, errdef.ErrAuthenticationFailed)
	}

	// As specified in https://distribution.github.io/distribution/spec/auth/token/
	// the response is `token`, but some implementations serve
	// `access_token`; either is accepted.
	var result struct {
		Token       string `json:"token"`
		AccessToken string `json:"access_token"`
	}
	lr := io.LimitReader(resp.Body, maxTokenResponseBytes)
	if err := json.NewDecoder(lr).Decode(&result); err != nil {
		return "", fmt.Errorf("%s %q: failed to decode response: %w", resp.Request.Method, resp.Request.URL, err)
	}
	if result.AccessToken != "" {
		return result.AccessToken, nil
	}
	if result.Token != "" {
		return result.Token, nil
	}
	return "", fmt.Errorf("%s %q: empty token returned: %w", resp.Request.Method, resp.Request.URL, errdef.ErrAuthenticationFailed)
}

// fetchOAuth2Token requests a token via the OAuth2 flow: a form POST
// against the realm using the refresh_token grant when a refresh token
// is present, the password grant otherwise.
// Reference: https://distribution.github.io/distribution/spec/auth/oauth/
func (c *Client) fetchOAuth2Token(ctx context.Context, realm, service string, scopes []string, cred Credential) (string, error) {
	form := url.Values{}
	if cred.RefreshToken != "" {
		form.Set("grant_type", "refresh_token")
		form.Set("refresh_token", cred.RefreshToken)
	} else if cred.Username != "" && cred.Password != "" {
		form.Set("grant_type", "password")
		form.Set("username", cred.Username)
		form.Set("password", cred.Password)
	} else {
		return "", fmt.Errorf("missing username or password for OAuth2: %w", errdef.ErrMissingCredentials)
	}
	form.Set("service", service)
	clientID := c.ClientID
	if clientID == "" {
		clientID = defaultClientID
	}
	form.Set("client_id", clientID)
	if len(scopes) > 0 {
		form.Set("scope", strings.Join(scopes, " "))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, realm, strings.NewReader(form.Encode()))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.send(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("%s %q: status %d: %w", resp.Request.Method, resp.Request.URL, resp.StatusCode, errdef.ErrAuthenticationFailed)
	}

	var token oauth2.Token
	lr := io.LimitReader(resp.Body, maxTokenResponseBytes)
	if err := json.NewDecoder(lr).Decode(&token); err != nil {
		return "", fmt.Errorf("%s %q: failed to decode response: %w", resp.Request.Method, resp.Request.URL, err)
	}
	if token.AccessToken == "" {
		return "", fmt.Errorf("%s %q: empty access_token returned: %w", resp.Request.Method, resp.Request.URL, errdef.ErrAuthenticationFailed)
	}
	log.Log(ctx, slog.LevelDebug, "acquired OAuth2 token", slog.String("realm", realm), slog.String("service", service))
	return token.AccessToken, nil
}

// noCache satisfies Cache by never storing anything, so a Client with no
// cache still works, at the cost of a token fetch per 401.
type noCache struct{}

func (noCache) GetScheme(ctx context.Context, registry string) (Scheme, error) {
	return SchemeUnknown, fmt.Errorf("caching disabled: %w", errdef.ErrNotFound)
}

func (noCache) GetToken(ctx context.Context, registry string, scheme Scheme, key string) (string, error) {
	return "", fmt.Errorf("caching disabled: %w", errdef.ErrNotFound)
}

func (noCache) Set(ctx context.Context, registry string, scheme Scheme, key string, fetch func(ctx context.Context) (string, error)) (string, error) {
	return fetch(ctx)
}
