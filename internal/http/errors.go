package http

import (
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/regcycle/internal/faults"
)

// statusFor maps an error kind to its HTTP status.
func statusFor(err error) int {
	switch faults.KindOf(err) {
	case faults.KindValidation:
		return http.StatusBadRequest
	case faults.KindAuthorization:
		return http.StatusForbidden
	case faults.KindNotFound:
		return http.StatusNotFound
	case faults.KindDependency, faults.KindAttestation, faults.KindCriticalIssue, faults.KindInvalidTransition:
		return http.StatusConflict
	case faults.KindActionExpired:
		return http.StatusGone
	case faults.KindToolExecution:
		return http.StatusBadGateway
	case faults.KindTimeout:
		return http.StatusGatewayTimeout
	case faults.KindServiceDegraded:
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

// fail writes err as an ErrorResponse.
func (s *Server) fail(c echo.Context, err error) error {
	status := statusFor(err)
	resp := ErrorResponse{
		Error: err.Error(),
		Kind:  string(faults.KindOf(err)),
	}
	kind := resp.Kind
	if kind == "" {
		kind = "internal"
	}
	c.Set(errorKindKey, kind)
	var fe *faults.Error
	if errors.As(err, &fe) {
		resp.Code = fe.Code
	}

	if status >= http.StatusInternalServerError {
		s.logger.Error("request failed",
			zap.String("path", c.Path()),
			zap.Int("status", status),
			zap.Error(err),
		)
	} else {
		s.logger.Debug("request rejected",
			zap.String("path", c.Path()),
			zap.Int("status", status),
			zap.Error(err),
		)
	}
	return c.JSON(status, resp)
}
