package auth

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func Test_parseChallenge(t *testing.T) {
	type test struct {
		name    string
		header  string
		scheme  Scheme
		params  map[string]string
		wantErr bool
	}
	tests := []test{
		{
			name:   "bearer with quoted params",
			header: `Bearer realm="https://auth.example.io/token",service="registry.example.io",scope="repository:library/hello-world:pull"`,
			scheme: SchemeBearer,
			params: map[string]string{
				"realm":   "https://auth.example.io/token",
				"service": "registry.example.io",
				"scope":   "repository:library/hello-world:pull",
			},
		},
		{
			name:   "basic",
			header: `Basic realm="Registry"`,
			scheme: SchemeBasic,
			params: map[string]string{"realm": "Registry"},
		},
		{
			name:   "scheme is case-insensitive",
			header: `bEaReR realm="r"`,
			scheme: SchemeBearer,
			params: map[string]string{"realm": "r"},
		},
		{
			name:   "token params without quotes",
			header: `Bearer realm=r,service=s`,
			scheme: SchemeBearer,
			params: map[string]string{"realm": "r", "service": "s"},
		},
		{
			name:   "whitespace around separators",
			header: `Bearer realm = "r" , service = "s"`,
			scheme: SchemeBearer,
			params: map[string]string{"realm": "r", "service": "s"},
		},
		{
			name:   "escaped quotes",
			header: `Bearer realm="a\"b"`,
			scheme: SchemeBearer,
			params: map[string]string{"realm": `a"b`},
		},
		{
			name:   "unknown scheme",
			header: `Negotiate`,
			scheme: SchemeUnknown,
		},
		{
			name:    "unterminated quoted string",
			header:  `Bearer realm="oops`,
			scheme:  SchemeBearer,
			wantErr: true,
		},
		{
			name:    "param without value",
			header:  `Bearer realm`,
			scheme:  SchemeBearer,
			wantErr: true,
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			scheme, params, err := parseChallenge(tc.header)
			assert.Equal(t, tc.scheme, scheme)
			if tc.wantErr {
				require.Error(t, err)
				assert.ErrorIs(t, err, errInvalidChallengeFormat)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tc.params, params)
		})
	}
}

func Test_Scheme_String(t *testing.T) {
	assert.Equal(t, "Basic", SchemeBasic.String())
	assert.Equal(t, "Bearer", SchemeBearer.String())
	assert.Equal(t, "Unknown", SchemeUnknown.String())
}
