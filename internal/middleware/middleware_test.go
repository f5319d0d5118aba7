package middleware

import (
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/Gobusters/ectologger"
	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type captured struct {
	mu       sync.Mutex
	messages []ectologger.EctoLogMessage
}

func (c *captured) log(msg ectologger.EctoLogMessage) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.messages = append(c.messages, msg)
}

func (c *captured) find(message string) (ectologger.EctoLogMessage, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, m := range c.messages {
		if m.Message == message {
			return m, true
		}
	}
	return ectologger.EctoLogMessage{}, false
}

func TestLogger_UsesRequestContext(t *testing.T) {
	logs := &captured{}
	logger := ectologger.NewEctoLogger(logs.log)

	e := echo.New()
	e.HTTPErrorHandler = Error(logger)
	e.Use(Context())
	e.Use(Logger(logger))
	e.GET("/api/v1/dlq/:id", func(c echo.Context) error {
		return echo.NewHTTPError(http.StatusNotFound, "error record not found")
	})

	req := httptest.NewRequest(http.MethodGet, "/api/v1/dlq/e1", nil)
	req.Header.Set(echo.HeaderXRequestID, "req-1")
	req.Header.Set(HeaderOperator, "ops@example.com")
	req.Header.Set(echo.HeaderXRealIP, "10.0.0.7")
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "req-1", rec.Header().Get(echo.HeaderXRequestID))

	access, ok := logs.find("Request")
	require.True(t, ok)
	assert.Equal(t, "req-1", access.Fields["request_id"])
	assert.Equal(t, "ops@example.com", access.Fields["operator"])
	assert.Equal(t, http.MethodGet, access.Fields["method"])
	assert.Equal(t, "/api/v1/dlq/e1", access.Fields["path"])
	assert.Equal(t, "/api/v1/dlq/:id", access.Fields["route"])
	assert.Equal(t, "10.0.0.7", access.Fields["remote_ip"])

	failed, ok := logs.find("api is returning an error")
	require.True(t, ok)
	assert.Equal(t, http.StatusNotFound, failed.Fields["status"])
	assert.Equal(t, http.MethodGet, failed.Fields["method"])
	assert.Equal(t, "/api/v1/dlq/e1", failed.Fields["path"])
}
