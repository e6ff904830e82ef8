package auth

import (
	"context"
	"encoding/base64"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rancher/ociclient/errdef"
)

func Test_Client_bearerDistributionFlow(t *testing.T) {
	var tokenRequests atomic.Int64
	var gotService, gotScope string
	authServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tokenRequests.Add(1)
		gotService = r.URL.Query().Get("service")
		gotScope = r.URL.Query().Get("scope")
		fmt.Fprint(w, `{"access_token":"tkn"}`)
	}))
	defer authServer.Close()

	var registryHost string
	registryServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer tkn" {
			challenge := fmt.Sprintf(`Bearer realm=%q,service="r.io",scope="repository:x:pull"`, authServer.URL)
			w.Header().Set("Www-Authenticate", challenge)
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer registryServer.Close()
	registryURL, err := url.Parse(registryServer.URL)
	require.NoError(t, err)
	registryHost = registryURL.Host

	client := &Client{Cache: NewCache()}

	req, err := http.NewRequestWithContext(context.Background(), http.MethodGet, registryServer.URL+"/v2/", nil)
	require.NoError(t, err)
	resp, err := client.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "r.io", gotService)
	assert.Equal(t, "repository:x:pull", gotScope)
	assert.Equal(t, int64(1), tokenRequests.Load())

	// the token is cached under (host, scope key): the next request with
	// the same scope attaches it without another token round trip
	ctx := WithScopes(context.Background(), "repository:x:pull")
	req, err = http.NewRequestWithContext(ctx, http.MethodGet, registryServer.URL+"/v2/", nil)
	require.NoError(t, err)
	resp, err = client.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, int64(1), tokenRequests.Load())

	_, err = client.Cache.GetToken(context.Background(), registryHost, SchemeBearer, "repository:x:pull")
	assert.NoError(t, err)
}

func Test_Client_basicFlow(t *testing.T) {
	want := "Basic " + base64.StdEncoding.EncodeToString([]byte("user:pass"))
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != want {
			w.Header().Set("Www-Authenticate", `Basic realm="registry"`)
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()
	serverURL, err := url.Parse(server.URL)
	require.NoError(t, err)

	client := &Client{
		Credential: StaticCredential(serverURL.Host, Credential{Username: "user", Password: "pass"}),
		Cache:      NewCache(),
	}
	req, err := http.NewRequestWithContext(context.Background(), http.MethodGet, server.URL+"/v2/", nil)
	require.NoError(t, err)
	resp, err := client.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func Test_Client_basicMissingCredentials(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Www-Authenticate", `Basic realm="registry"`)
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer server.Close()

	client := &Client{}
	req, err := http.NewRequestWithContext(context.Background(), http.MethodGet, server.URL+"/v2/", nil)
	require.NoError(t, err)
	_, err = client.Do(req)
	assert.ErrorIs(t, err, errdef.ErrMissingCredentials)
}

func Test_Client_oauth2RefreshTokenFlow(t *testing.T) {
	authServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		assert.Equal(t, "refresh_token", r.PostForm.Get("grant_type"))
		assert.Equal(t, "refresh", r.PostForm.Get("refresh_token"))
		assert.Equal(t, "r.io", r.PostForm.Get("service"))
		assert.Equal(t, "ociclient", r.PostForm.Get("client_id"))
		fmt.Fprint(w, `{"access_token":"tkn"}`)
	}))
	defer authServer.Close()

	registryServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer tkn" {
			challenge := fmt.Sprintf(`Bearer realm=%q,service="r.io"`, authServer.URL)
			w.Header().Set("Www-Authenticate", challenge)
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer registryServer.Close()
	registryURL, err := url.Parse(registryServer.URL)
	require.NoError(t, err)

	client := &Client{
		Credential: StaticCredential(registryURL.Host, Credential{RefreshToken: "refresh"}),
		Cache:      NewCache(),
	}
	req, err := http.NewRequestWithContext(context.Background(), http.MethodGet, registryServer.URL+"/v2/", nil)
	require.NoError(t, err)
	resp, err := client.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func Test_Client_accessTokenUsedDirectly(t *testing.T) {
	registryServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer direct" {
			w.Header().Set("Www-Authenticate", `Bearer realm="https://unreachable.invalid/token",service="r.io"`)
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer registryServer.Close()
	registryURL, err := url.Parse(registryServer.URL)
	require.NoError(t, err)

	client := &Client{
		Credential: StaticCredential(registryURL.Host, Credential{AccessToken: "direct"}),
		Cache:      NewCache(),
	}
	req, err := http.NewRequestWithContext(context.Background(), http.MethodGet, registryServer.URL+"/v2/", nil)
	require.NoError(t, err)
	resp, err := client.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func Test_Client_secondUnauthorizedSurfaced(t *testing.T) {
	authServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"access_token":"tkn"}`)
	}))
	defer authServer.Close()

	registryServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		challenge := fmt.Sprintf(`Bearer realm=%q,service="r.io"`, authServer.URL)
		w.Header().Set("Www-Authenticate", challenge)
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer registryServer.Close()

	client := &Client{Cache: NewCache()}
	req, err := http.NewRequestWithContext(context.Background(), http.MethodGet, registryServer.URL+"/v2/", nil)
	require.NoError(t, err)
	resp, err := client.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	// the retry is attempted once; a second 401 comes back as-is
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func Test_Client_existingAuthorizationForwarded(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer preset", r.Header.Get("Authorization"))
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	client := &Client{Cache: NewCache()}
	req, err := http.NewRequestWithContext(context.Background(), http.MethodGet, server.URL+"/v2/", nil)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer preset")
	resp, err := client.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func Test_Client_missingAuthParameter(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Www-Authenticate", `Bearer service="r.io"`)
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer server.Close()

	client := &Client{Cache: NewCache()}
	req, err := http.NewRequestWithContext(context.Background(), http.MethodGet, server.URL+"/v2/", nil)
	require.NoError(t, err)
	_, err = client.Do(req)
	assert.ErrorIs(t, err, errdef.ErrMissingAuthParameter)
}
