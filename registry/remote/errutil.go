package remote

import (
	"encoding/json"
	"io"
	"net/http"

	distspec "github.com/opencontainers/distribution-spec/specs-go/v1"

	"github.com/rancher/ociclient/errdef"
)

// maxErrorBytes caps how much of an error response body is read for the
// structured error payload.
const maxErrorBytes = 8 * 1024

// parseErrorResponse turns a non-2xx registry response into a
// *errdef.ResponseError, decoding the {"errors":[…]} payload when the
// registry sent one.
func parseErrorResponse(resp *http.Response) error {
	respErr := &errdef.ResponseError{
		Method:     resp.Request.Method,
		URL:        resp.Request.URL.String(),
		StatusCode: resp.StatusCode,
	}
	var body distspec.ErrorResponse
	lr := io.LimitReader(resp.Body, maxErrorBytes)
	if err := json.NewDecoder(lr).Decode(&body); err == nil {
		respErr.Errors = body.Detail()
	}
	return respErr
}
