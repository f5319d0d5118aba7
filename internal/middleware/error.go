package middleware

import (
	"errors"
	"net/http"

	"github.com/Gobusters/ectoerror/httperror"
	"github.com/Gobusters/ectologger"
	"github.com/labstack/echo/v4"

	appctx "github.com/Ramsey-B/fern/pkg/context"
	"github.com/Ramsey-B/fern/pkg/dlq"
	qualityerrors "github.com/Ramsey-B/fern/pkg/errors"
	"github.com/Ramsey-B/fern/pkg/output"
	"github.com/Ramsey-B/fern/pkg/recovery"
	"github.com/Ramsey-B/fern/pkg/tracing"
)

type ErrorResponse struct {
	Message   string         `json:"message"`
	RequestID string         `json:"request_id"`
	TraceID   string         `json:"trace_id"`
	Meta      map[string]any `json:"meta"`
}

func Error(logger ectologger.Logger) echo.HTTPErrorHandler {
	return func(err error, c echo.Context) {
		ctx := c.Request().Context()
		if c.Response().Committed {
			return
		}

		code := http.StatusInternalServerError
		message := "Internal Server Error"
		meta := map[string]any{}

		var he *echo.HTTPError
		var qe *qualityerrors.QualityError
		switch {
		case errors.As(err, &he):
			code = he.Code
			if msg, ok := he.Message.(string); ok {
				message = msg
			}
		case httperror.IsHTTPError(err):
			httperr := httperror.ToHTTPError(err)
			code = httperror.GetStatusCode(err)
			message = httperr.Error()
			meta = httperr.Meta
		case errors.As(err, &qe):
			httperr := qe.ToHTTPError()
			code = httperror.GetStatusCode(httperr)
			message = httperr.Error()
			meta = httperr.Meta
		default:
			if status, ok := domainStatus(err); ok {
				code = status
				message = err.Error()
			}
		}

		log := logger.WithContext(ctx).WithError(err).WithFields(map[string]any{
			"status": code,
			"method": appctx.GetMethod(ctx),
			"path":   appctx.GetRoute(ctx),
		})
		if code >= http.StatusInternalServerError {
			log.Error("api is returning an error")
		} else {
			log.Warn("api is returning an error")
		}

		_ = c.JSON(code, ErrorResponse{
			Message:   message,
			RequestID: appctx.GetRequestID(ctx),
			TraceID:   tracing.GetTraceID(ctx),
			Meta:      meta,
		})
	}
}

func domainStatus(err error) (int, bool) {
	switch {
	case errors.Is(err, dlq.ErrNotFound), errors.Is(err, output.ErrNotFound):
		return http.StatusNotFound, true
	case errors.Is(err, dlq.ErrTerminal), errors.Is(err, recovery.ErrReplayAborted):
		return http.StatusConflict, true
	case errors.Is(err, recovery.ErrScopeRequired):
		return http.StatusBadRequest, true
	}
	return 0, false
}
