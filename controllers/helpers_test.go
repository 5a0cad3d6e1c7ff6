package controller

import (
	"net/http"
	"net/http/httptest"
	"testing"
)

// newTestRequest builds an httptest request carrying the given headers,
// the shared fixture every controller test in this package uses to drive
// fiber's app.Test without spinning up a real listener.
func newTestRequest(t *testing.T, method, path string, headers map[string]string) *http.Request {
	t.Helper()
	req := httptest.NewRequest(method, path, nil)
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	return req
}
