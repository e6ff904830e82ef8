package auth

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// Scheme identifies the authentication scheme named by a challenge.
type Scheme byte

const (
	// SchemeUnknown is any scheme this client does not speak.
	SchemeUnknown Scheme = iota
	// SchemeBasic is RFC 7617 Basic.
	SchemeBasic
	// SchemeBearer is the distribution Bearer token scheme.
	SchemeBearer
)

func (s Scheme) String() string {
	switch s {
	case SchemeBasic:
		return "Basic"
	case SchemeBearer:
		return "Bearer"
	default:
		return "Unknown"
	}
}

func parseScheme(scheme string) Scheme {
	switch {
	case strings.EqualFold(scheme, "basic"):
		return SchemeBasic
	case strings.EqualFold(scheme, "bearer"):
		return SchemeBearer
	default:
		return SchemeUnknown
	}
}

var errInvalidChallengeFormat = errors.New("invalid WWW-Authenticate challenge format")

// parseChallenge parses a single challenge from a WWW-Authenticate header
// per RFC 7235 section 2.1:
//
//	challenge  = auth-scheme [ 1*SP ( token68 / #auth-param ) ]
//	auth-param = token BWS "=" BWS ( token / quoted-string )
//
// Parameter names are lowercased. Only the parameter form is handled;
// a token68 challenge fails with errInvalidChallengeFormat.
func parseChallenge(header string) (Scheme, map[string]string, error) {
	schemeStr, rest := parseToken(header)
	scheme := parseScheme(schemeStr)
	if scheme == SchemeUnknown {
		return scheme, nil, nil
	}

	params := map[string]string{}
	rest = strings.TrimLeft(rest, " ")
	for rest != "" {
		var key string
		key, rest = parseToken(rest)
		if key == "" {
			return scheme, nil, fmt.Errorf("%w: expected auth-param name in %q", errInvalidChallengeFormat, header)
		}
		rest = skipOWS(rest)
		if !strings.HasPrefix(rest, "=") {
			return scheme, nil, fmt.Errorf("%w: auth-param %q has no value", errInvalidChallengeFormat, key)
		}
		rest = skipOWS(rest[1:])

		var value string
		if strings.HasPrefix(rest, `"`) {
			var err error
			value, rest, err = parseQuotedString(rest)
			if err != nil {
				return scheme, nil, err
			}
		} else {
			value, rest = parseToken(rest)
		}
		params[strings.ToLower(key)] = value

		rest = skipOWS(rest)
		if rest == "" {
			break
		}
		if !strings.HasPrefix(rest, ",") {
			return scheme, nil, fmt.Errorf("%w: unexpected %q after auth-param", errInvalidChallengeFormat, rest)
		}
		rest = skipOWS(rest[1:])
	}
	return scheme, params, nil
}

// isNotTokenChar reports whether r falls outside the RFC 7230 tchar set:
// alphanumerics plus !#$%&'*+-.^_`|~ .
func isNotTokenChar(r rune) bool {
	return (r < 'A' || r > 'Z') && (r < 'a' || r > 'z') &&
		(r < '0' || r > '9') && !strings.ContainsRune("!#$%&'*+-.^_`|~", r)
}

// parseToken consumes the leading token of s, returning it and the rest.
func parseToken(s string) (token, rest string) {
	if i := strings.IndexFunc(s, isNotTokenChar); i != -1 {
		return s[:i], s[i:]
	}
	return s, ""
}

// parseQuotedString consumes a leading RFC 7230 quoted-string, honoring
// backslash escaping. An unterminated string is a format error.
func parseQuotedString(s string) (value, rest string, err error) {
	var b strings.Builder
	escaped := false
	for i := 1; i < len(s); i++ {
		c := s[i]
		switch {
		case escaped:
			b.WriteByte(c)
			escaped = false
		case c == '\\':
			escaped = true
		case c == '"':
			return b.String(), s[i+1:], nil
		default:
			b.WriteByte(c)
		}
	}
	return "", "", fmt.Errorf("%w: unterminated quoted-string %s", errInvalidChallengeFormat, strconv.Quote(s))
}

func skipOWS(s string) string {
	return strings.TrimLeft(s, " \t")
}
