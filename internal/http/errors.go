package http

import (
	"net/http"

	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"github.com/ShalakaSonawane1/vendorscope/internal/apperr"
)

// statusOf maps an error kind to its HTTP status.
func statusOf(kind apperr.Kind) int {
	switch kind {
	case apperr.KindValidation:
		return http.StatusBadRequest
	case apperr.KindNotFound:
		return http.StatusNotFound
	case apperr.KindConflict, apperr.KindPrecondition:
		return http.StatusConflict
	case apperr.KindUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// fail converts err into an HTTP error with a human-readable message.
// Internal details are logged, never returned.
func (s *Server) fail(c echo.Context, err error) error {
	kind := apperr.KindOf(err)
	status := statusOf(kind)

	msg := apperr.Message(err)
	switch kind {
	case apperr.KindUnavailable:
		msg = "system unavailable: " + msg
		s.logger.Warn("request degraded to unavailable",
			zap.String("path", c.Path()),
			zap.Error(err))
	case apperr.KindInternal:
		s.logger.Error("request failed",
			zap.String("path", c.Path()),
			zap.Error(err))
	}
	return echo.NewHTTPError(status, msg)
}
