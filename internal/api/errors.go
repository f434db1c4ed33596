package api

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"google.golang.org/grpc/codes"

	"github.com/yairfalse/tagops/internal/operation"
)

// errorBody is the JSON error envelope returned by Google REST APIs.
type errorBody struct {
	Error struct {
		Code    int        `json:"code"`
		Message string     `json:"message"`
		Status  codes.Code `json:"status"`
	} `json:"error"`
}

// decodeError turns a non-2xx response into a categorized error. The gRPC
// status name in the body wins; the HTTP status is the fallback.
func decodeError(resp *http.Response) error {
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))

	var body errorBody
	if err := json.Unmarshal(raw, &body); err == nil && body.Error.Message != "" {
		code := body.Error.Status
		if code == codes.OK {
			code = codeForHTTPStatus(resp.StatusCode)
		}
		return operation.FromCode(code, body.Error.Message, nil)
	}

	msg := fmt.Sprintf("HTTP %d", resp.StatusCode)
	if len(raw) > 0 {
		msg = fmt.Sprintf("%s: %s", msg, raw)
	}
	return operation.FromCode(codeForHTTPStatus(resp.StatusCode), msg, nil)
}

func codeForHTTPStatus(status int) codes.Code {
	switch status {
	case http.StatusBadRequest:
		return codes.InvalidArgument
	case http.StatusUnauthorized:
		return codes.Unauthenticated
	case http.StatusForbidden:
		return codes.PermissionDenied
	case http.StatusNotFound:
		return codes.NotFound
	case http.StatusConflict:
		return codes.AlreadyExists
	case http.StatusPreconditionFailed:
		return codes.FailedPrecondition
	case http.StatusTooManyRequests:
		return codes.ResourceExhausted
	case http.StatusNotImplemented:
		return codes.Unimplemented
	case http.StatusServiceUnavailable:
		return codes.Unavailable
	case http.StatusGatewayTimeout:
		return codes.DeadlineExceeded
	default:
		if status >= 500 {
			return codes.Internal
		}
		return codes.Unknown
	}
}
