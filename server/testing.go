/*
	This file contains functions useful for testing labelmerge in other packages.
	Unfortunately, due to the way Go handles compilation of *_test.go files,
	these functions cannot be in server_test.go since they will be unavailable
	to test files in external packages.  So these functions are exported and
	contain the "Test" keyword.
*/

package server

import (
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
)

// TestHTTPResponse returns a response from a test run of the server.
// Use TestHTTP if you just want the response body bytes.
func TestHTTPResponse(t *testing.T, method, urlStr string, payload io.Reader) *httptest.ResponseRecorder {
	req, err := http.NewRequest(method, urlStr, payload)
	if err != nil {
		t.Fatalf("Unsuccessful %s on %q: %v\n", method, urlStr, err)
	}
	return TestHTTPRequest(req)
}

// TestHTTPRequest serves a prepared request, e.g., one with custom headers.
func TestHTTPRequest(req *http.Request) *httptest.ResponseRecorder {
	resp := httptest.NewRecorder()
	ServeSingleHTTP(resp, req)
	return resp
}

// TestHTTP returns the response body bytes for a test request, making sure any response has
// status OK.
func TestHTTP(t *testing.T, method, urlStr string, payload io.Reader) []byte {
	resp := TestHTTPResponse(t, method, urlStr, payload)
	if resp.Code != http.StatusOK {
		t.Fatalf("Bad server response (%d) to %s on %q: %s\n", resp.Code, method, urlStr, resp.Body.String())
	}
	return resp.Body.Bytes()
}

// TestBadHTTP expects a HTTP response with an error status code.
func TestBadHTTP(t *testing.T, method, urlStr string, payload io.Reader) {
	resp := TestHTTPResponse(t, method, urlStr, payload)
	if resp.Code == http.StatusOK {
		t.Fatalf("Expected bad server response to %s on %q, got %d instead.\n", method, urlStr, resp.Code)
	}
}

// OpenTest loads the given TOML configuration, with relative paths taken
// from a fresh temporary directory, and initializes the server without
// listening.  Call CloseTest when done.
func OpenTest(t *testing.T, config string) {
	dir := t.TempDir()
	filename := filepath.Join(dir, "config.toml")
	if err := os.WriteFile(filename, []byte(config), 0644); err != nil {
		t.Fatalf("unable to write test config: %v\n", err)
	}
	if err := LoadConfig(filename); err != nil {
		t.Fatalf("unable to load test config: %v\n", err)
	}
	if err := Initialize(); err != nil {
		t.Fatalf("unable to initialize test server: %v\n", err)
	}
}

// CloseTest shuts down a server opened with OpenTest.
func CloseTest() {
	Shutdown()
}
