package api

import (
	"bytes"
	"compress/gzip"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/labstack/echo/v4"
)

func gzipBody(t *testing.T, payload string) *bytes.Buffer {
	t.Helper()
	var buf bytes.Buffer
	gw := gzip.NewWriter(&buf)
	if _, err := gw.Write([]byte(payload)); err != nil {
		t.Fatalf("compress payload: %v", err)
	}
	if err := gw.Close(); err != nil {
		t.Fatalf("close gzip writer: %v", err)
	}
	return &buf
}

func echoBodyHandler(c echo.Context) error {
	data, err := io.ReadAll(c.Request().Body)
	if err != nil {
		return err
	}
	return c.String(http.StatusOK, string(data))
}

func TestGzipRequestMiddlewareDecompresses(t *testing.T) {
	e := echo.New()
	payload := `{"events":[{"id":"e1"}]}`
	req := httptest.NewRequest(http.MethodPost, "/api/sync", gzipBody(t, payload))
	req.Header.Set(echo.HeaderContentEncoding, "gzip")
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	h := GzipRequestMiddleware()(echoBodyHandler)
	if err := h(c); err != nil {
		t.Fatalf("handler error: %v", err)
	}
	if rec.Body.String() != payload {
		t.Fatalf("expected decompressed body %q, got %q", payload, rec.Body.String())
	}
	if got := c.Request().Header.Get(echo.HeaderContentEncoding); got != "" {
		t.Fatalf("expected content encoding cleared, got %q", got)
	}
}

func TestGzipRequestMiddlewareInvalidBody(t *testing.T) {
	e := echo.New()
	req := httptest.NewRequest(http.MethodPost, "/api/sync", strings.NewReader("not gzip at all"))
	req.Header.Set(echo.HeaderContentEncoding, "gzip")
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	h := GzipRequestMiddleware()(echoBodyHandler)
	err := h(c)
	httpErr, ok := err.(*echo.HTTPError)
	if !ok {
		t.Fatalf("expected HTTP error, got %v", err)
	}
	if httpErr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", httpErr.Code)
	}
}

func TestGzipRequestMiddlewarePassThrough(t *testing.T) {
	e := echo.New()
	payload := `{"events":[]}`
	req := httptest.NewRequest(http.MethodPost, "/api/sync", strings.NewReader(payload))
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	h := GzipRequestMiddleware()(echoBodyHandler)
	if err := h(c); err != nil {
		t.Fatalf("handler error: %v", err)
	}
	if rec.Body.String() != payload {
		t.Fatalf("expected untouched body %q, got %q", payload, rec.Body.String())
	}
}

func TestHasGzipEncoding(t *testing.T) {
	tests := []struct {
		header string
		want   bool
	}{
		{header: "", want: false},
		{header: "gzip", want: true},
		{header: "GZIP", want: true},
		{header: "br, gzip", want: true},
		{header: "identity", want: false},
	}
	for _, tt := range tests {
		if got := hasGzipEncoding(tt.header); got != tt.want {
			t.Fatalf("hasGzipEncoding(%q) = %v, want %v", tt.header, got, tt.want)
		}
	}
}
