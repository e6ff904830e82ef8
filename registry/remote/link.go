package remote

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
)

// errNoLink signals the end of a paginated listing: the response carried
// no Link header, so the page just delivered was the last one.
var errNoLink = errors.New("no Link header in response")

// parseLink extracts the next-page URL from the response's Link header,
// resolving it against the request URL when relative.
// Format: Link: <url>; rel="next"
func parseLink(resp *http.Response) (string, error) {
	link := resp.Header.Get("Link")
	if link == "" {
		return "", errNoLink
	}
	if link[0] != '<' {
		return "", fmt.Errorf("invalid next link %q: missing '<'", link)
	}
	end := strings.IndexByte(link, '>')
	if end == -1 {
		return "", fmt.Errorf("invalid next link %q: missing '>'", link)
	}
	link = link[1:end]

	linkURL, err := resp.Request.URL.Parse(link)
	if err != nil {
		return "", err
	}
	return linkURL.String(), nil
}
