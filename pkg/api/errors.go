package api

import (
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/replyloop/replyloop/pkg/faults"
)

// errorBody is the uniform error envelope. Only the stable code and a safe
// message cross the wire; wrapped causes stay in the logs.
type errorBody struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
	RequestID string `json:"request_id,omitempty"`
}

// respondError maps a classified error to an HTTP response.
func respondError(c *gin.Context, err error) {
	code := faults.CodeOf(err)
	status := statusFor(err, code)

	if status >= 500 {
		slog.Error("Request failed", "path", c.FullPath(), "code", code, "error", err)
	} else {
		slog.Warn("Request rejected", "path", c.FullPath(), "code", code)
	}

	var body errorBody
	body.Error.Code = code
	body.Error.Message = publicMessage(code)
	body.RequestID = c.GetString(ctxRequestID)
	c.AbortWithStatusJSON(status, body)
}

func statusFor(err error, code string) int {
	switch faults.KindOf(err) {
	case faults.KindValidation:
		if code == faults.CodePayloadTooLarge {
			return http.StatusRequestEntityTooLarge
		}
		return http.StatusBadRequest
	case faults.KindAuth:
		return http.StatusUnauthorized
	case faults.KindTenant:
		if code == faults.CodeTenantSuspended {
			return http.StatusForbidden
		}
		return http.StatusNotFound
	case faults.KindPolicy:
		return http.StatusUnprocessableEntity
	case faults.KindUpstreamTransient:
		if code == faults.CodeRateLimited {
			return http.StatusTooManyRequests
		}
		return http.StatusServiceUnavailable
	case faults.KindUpstreamTerminal:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// publicMessage keeps responses terse and stable; details live in logs.
func publicMessage(code string) string {
	switch code {
	case faults.CodeMissingSignature, faults.CodeInvalidSignature:
		return "signature verification failed"
	case faults.CodeMalformedPayload:
		return "request body could not be parsed"
	case faults.CodePayloadTooLarge:
		return "request body exceeds the size limit"
	case faults.CodeUnknownTenant:
		return "no tenant registered for this account"
	case faults.CodeTenantSuspended:
		return "tenant is suspended"
	case faults.CodeTemplateRequired:
		return "reply window closed and no approved template matches"
	case faults.CodeUpstreamOpen:
		return "upstream temporarily unavailable"
	case faults.CodeRateLimited:
		return "rate limited, retry later"
	default:
		return "request could not be completed"
	}
}
