package registry

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func Test_ParseReference(t *testing.T) {
	tests := []struct {
		name    string
		raw     string
		want    Reference
		wantErr bool
	}{
		{
			name: "registry only",
			raw:  "localhost:5000",
			want: Reference{Registry: "localhost:5000"},
		},
		{
			name: "registry and repository",
			raw:  "localhost:5000/hello-world",
			want: Reference{Registry: "localhost:5000", Repository: "hello-world"},
		},
		{
			name: "registry, repository, and tag",
			raw:  "localhost:5000/hello-world:latest",
			want: Reference{Registry: "localhost:5000", Repository: "hello-world", Reference: "latest"},
		},
		{
			name: "registry, repository, and digest",
			raw:  "localhost:5000/hello-world@sha256:b94d27b9934d3e08a52e52d7da7dabfac484efe37a5380ee9088f7ace2efcde9",
			want: Reference{Registry: "localhost:5000", Repository: "hello-world", Reference: "sha256:b94d27b9934d3e08a52e52d7da7dabfac484efe37a5380ee9088f7ace2efcde9"},
		},
		{
			name: "docker hub normalization",
			raw:  "docker.io/library/alpine:3.19",
			want: Reference{Registry: registryOne, Repository: "library/alpine", Reference: "3.19"},
		},
		{
			name: "nested repository path",
			raw:  "example.com/a/b/c:v1",
			want: Reference{Registry: "example.com", Repository: "a/b/c", Reference: "v1"},
		},
		{
			name:    "empty raw",
			raw:     "",
			wantErr: true,
		},
		{
			name:    "empty registry",
			raw:     "/repo",
			wantErr: true,
		},
		{
			name:    "invalid tag characters",
			raw:     "example.com/repo:in valid",
			wantErr: true,
		},
		{
			name:    "invalid repository uppercase",
			raw:     "example.com/Repo",
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseReference(tt.raw)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func Test_Reference_IsTag(t *testing.T) {
	assert.True(t, Reference{Reference: "latest"}.IsTag())
	assert.False(t, Reference{Reference: "sha256:aaaa"}.IsTag())
	assert.False(t, Reference{}.IsTag())
}

func Test_Reference_String(t *testing.T) {
	assert.Equal(t, "example.com/repo", Reference{Registry: "example.com", Repository: "repo"}.String())
	assert.Equal(t, "example.com/repo:v1", Reference{Registry: "example.com", Repository: "repo", Reference: "v1"}.String())
	assert.Equal(t, "example.com/repo@sha256:a", Reference{Registry: "example.com", Repository: "repo", Reference: "sha256:a"}.String())
}
