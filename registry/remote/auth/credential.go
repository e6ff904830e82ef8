package auth

import "context"

// Credential holds what a caller knows about authenticating to a single
// registry host. Any subset of the fields may be set.
type Credential struct {
	// Username for Basic auth and the OAuth2 password grant.
	Username string
	// Password for Basic auth and the OAuth2 password grant.
	Password string
	// RefreshToken (also called an identity token) selects the OAuth2
	// refresh_token grant when set.
	RefreshToken string
	// AccessToken is a pre-acquired registry token, used directly when
	// set.
	AccessToken string
}

// EmptyCredential is the zero credential, meaning anonymous access.
var EmptyCredential Credential

// CredentialFunc resolves the credential for a registry host. Returning
// EmptyCredential with a nil error means anonymous access.
type CredentialFunc func(ctx context.Context, registry string) (Credential, error)

// StaticCredential returns a CredentialFunc that serves cred for exactly
// the given registry host and EmptyCredential for every other host;
// "docker.io" is taken to mean registry-1.docker.io.
func StaticCredential(registry string, cred Credential) CredentialFunc {
	if registry == "docker.io" {
		// the resolved host for docker.io is registry-1.docker.io
		registry = "registry-1.docker.io"
	}
	return func(_ context.Context, host string) (Credential, error) {
		if host == registry {
			return cred, nil
		}
		return EmptyCredential, nil
	}
}
