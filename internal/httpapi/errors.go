package httpapi

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"attendguard/internal/credential"
	"attendguard/internal/model"
	"attendguard/internal/notify"
	"attendguard/internal/ratelimit"
)

var errForbidden = errors.New("FORBIDDEN")

// statusFor maps the error taxonomy onto HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, model.ErrMalformedEvidence),
		errors.Is(err, notify.ErrInvalidMessage),
		errors.Is(err, credential.ErrInvalidWindow):
		return http.StatusBadRequest
	case errors.Is(err, errForbidden):
		return http.StatusForbidden
	case errors.Is(err, model.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, model.ErrCredentialExpired):
		return http.StatusGone
	case errors.Is(err, model.ErrAttemptLimitExceeded), errors.Is(err, model.ErrRateLimited):
		return http.StatusTooManyRequests
	case errors.Is(err, model.ErrDuplicateAttempt), errors.Is(err, model.ErrInvalidTransition):
		return http.StatusConflict
	case errors.Is(err, model.ErrChannelUnavailable):
		return http.StatusUnprocessableEntity
	case errors.Is(err, model.ErrDeliveryTimeout):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

func codeFor(err error, status int) string {
	if code := model.Code(err); code != "" {
		return code
	}
	switch status {
	case http.StatusBadRequest:
		return "BAD_REQUEST"
	case http.StatusForbidden:
		return errForbidden.Error()
	default:
		return "INTERNAL"
	}
}

func (s *Server) fail(c *gin.Context, err error, extra gin.H) {
	status := statusFor(err)
	body := gin.H{"error": codeFor(err, status), "message": err.Error()}
	if status == http.StatusInternalServerError {
		s.Log.Error("request failed", zap.String("path", c.FullPath()), zap.Error(err))
		body["message"] = "internal error"
	}
	for k, v := range extra {
		body[k] = v
	}
	c.JSON(status, body)
}

func badRequest(c *gin.Context, msg string) {
	c.JSON(http.StatusBadRequest, gin.H{"error": "BAD_REQUEST", "message": msg})
}

func newIPLimiter(perMinute int) gin.HandlerFunc {
	return ratelimit.NewKeyed(perMinute, perMinute, clockwork.NewRealClock()).GinMiddleware()
}
