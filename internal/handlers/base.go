package handlers

import (
	"net/http"
	"strconv"

	"github.com/Gobusters/ectoerror/httperror"
	"github.com/labstack/echo/v4"

	appctx "github.com/Ramsey-B/fern/pkg/context"
)

// Operator returns the acting operator, from the token or the operator
// header, falling back to the one named in the request body.
func Operator(c echo.Context, fromBody string) (string, error) {
	if operator := appctx.GetOperator(c.Request().Context()); operator != "" {
		return operator, nil
	}
	if fromBody != "" {
		return fromBody, nil
	}
	return "", httperror.NewHTTPError(http.StatusBadRequest, "operator is required")
}

// QueryInt parses an optional positive integer query parameter
func QueryInt(c echo.Context, name string, def int) (int, error) {
	raw := c.QueryParam(name)
	if raw == "" {
		return def, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, httperror.NewHTTPErrorf(http.StatusBadRequest, "invalid %s: must be a non-negative integer", name)
	}
	return n, nil
}

// Bind decodes the request body
func Bind(c echo.Context, dst any) error {
	if err := c.Bind(dst); err != nil {
		return BadRequest("invalid request body")
	}
	return nil
}

func SuccessResponse(c echo.Context, data any) error {
	return c.JSON(http.StatusOK, data)
}

func NoContentResponse(c echo.Context) error {
	return c.NoContent(http.StatusNoContent)
}

func BadRequest(message string) error {
	return httperror.NewHTTPError(http.StatusBadRequest, message)
}
