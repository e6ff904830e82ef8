package remote

import (
	"fmt"
	"net/url"

	"github.com/rancher/ociclient/registry"
)

// buildScheme returns the URL scheme selected by the PlainHTTP flag.
func buildScheme(plainHTTP bool) string {
	if plainHTTP {
		return "http"
	}
	return "https"
}

// buildRegistryBaseURL builds the URL for the base v2 endpoint, used for
// pinging the registry.
// Format: <scheme>://<registry>/v2/
func buildRegistryBaseURL(plainHTTP bool, ref registry.Reference) string {
	return fmt.Sprintf("%s://%s/v2/", buildScheme(plainHTTP), ref.Registry)
}

// buildRegistryCatalogURL builds the URL for the catalog endpoint.
// Format: <scheme>://<registry>/v2/_catalog
func buildRegistryCatalogURL(plainHTTP bool, ref registry.Reference) string {
	return fmt.Sprintf("%s://%s/v2/_catalog", buildScheme(plainHTTP), ref.Registry)
}

// buildRepositoryBaseURL builds the base URL of the repository's API
// endpoints.
// Format: <scheme>://<registry>/v2/<repository>
func buildRepositoryBaseURL(plainHTTP bool, ref registry.Reference) string {
	return fmt.Sprintf("%s://%s/v2/%s", buildScheme(plainHTTP), ref.Registry, ref.Repository)
}

// buildRepositoryTagListURL builds the URL for the tag list endpoint.
// Format: <scheme>://<registry>/v2/<repository>/tags/list
func buildRepositoryTagListURL(plainHTTP bool, ref registry.Reference) string {
	return buildRepositoryBaseURL(plainHTTP, ref) + "/tags/list"
}

// buildRepositoryManifestURL builds the URL for a manifest addressed by
// the tag or digest in ref.Reference.
// Format: <scheme>://<registry>/v2/<repository>/manifests/<tag|digest>
func buildRepositoryManifestURL(plainHTTP bool, ref registry.Reference) string {
	return buildRepositoryBaseURL(plainHTTP, ref) + "/manifests/" + ref.Reference
}

// buildRepositoryBlobURL builds the URL for the blob addressed by the
// digest in ref.Reference.
// Format: <scheme>://<registry>/v2/<repository>/blobs/<digest>
func buildRepositoryBlobURL(plainHTTP bool, ref registry.Reference) string {
	return buildRepositoryBaseURL(plainHTTP, ref) + "/blobs/" + ref.Reference
}

// buildRepositoryBlobUploadURL builds the URL that starts a blob upload.
// Format: <scheme>://<registry>/v2/<repository>/blobs/uploads/
func buildRepositoryBlobUploadURL(plainHTTP bool, ref registry.Reference) string {
	return buildRepositoryBaseURL(plainHTTP, ref) + "/blobs/uploads/"
}

// buildReferrersURL builds the URL for the referrers API, addressed by
// the digest in ref.Reference, with an optional artifactType filter.
// Format: <scheme>://<registry>/v2/<repository>/referrers/<digest>?artifactType=…
func buildReferrersURL(plainHTTP bool, ref registry.Reference, artifactType string) string {
	var query string
	if artifactType != "" {
		query = "?artifactType=" + url.QueryEscape(artifactType)
	}
	return buildRepositoryBaseURL(plainHTTP, ref) + "/referrers/" + ref.Reference + query
}
