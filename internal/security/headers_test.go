package security

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func serve(h gin.HandlerFunc, req *http.Request) *httptest.ResponseRecorder {
	router := gin.New()
	router.Use(h)
	router.Any("/test", func(c *gin.Context) {
		c.String(http.StatusOK, "ok")
	})
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func TestHeadersMiddleware(t *testing.T) {
	w := serve(HeadersMiddleware(Options{}), httptest.NewRequest(http.MethodGet, "/test", nil))

	headers := map[string]string{
		"X-Content-Type-Options": "nosniff",
		"X-Frame-Options":        "DENY",
		"Referrer-Policy":        "no-referrer",
		"Cache-Control":          "no-store",
	}
	for header, expected := range headers {
		if got := w.Header().Get(header); got != expected {
			t.Errorf("%s = %q, want %q", header, got, expected)
		}
	}
	if csp := w.Header().Get("Content-Security-Policy"); !strings.HasPrefix(csp, "default-src 'none'") {
		t.Errorf("Content-Security-Policy = %q", csp)
	}
	if hsts := w.Header().Get("Strict-Transport-Security"); hsts != "" {
		t.Errorf("HSTS should be off by default, got %q", hsts)
	}
}

func TestHeadersMiddleware_HSTS(t *testing.T) {
	w := serve(HeadersMiddleware(Options{HSTS: true}), httptest.NewRequest(http.MethodGet, "/test", nil))
	if got := w.Header().Get("Strict-Transport-Security"); got != hstsValue {
		t.Errorf("Strict-Transport-Security = %q, want %q", got, hstsValue)
	}
}

func TestCORSMiddleware(t *testing.T) {
	tests := []struct {
		name           string
		allowedOrigins []string
		requestOrigin  string
		expectHeader   bool
		expectCreds    bool
	}{
		{"allowed origin", []string{"https://ops.example.com"}, "https://ops.example.com", true, true},
		{"wildcard allows all", []string{"*"}, "https://anything.com", true, false},
		{"disallowed origin", []string{"https://ops.example.com"}, "https://evil.com", false, false},
		{"no origin header", []string{"*"}, "", false, false},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/test", nil)
			if tc.requestOrigin != "" {
				req.Header.Set("Origin", tc.requestOrigin)
			}
			w := serve(CORSMiddleware(tc.allowedOrigins), req)

			if w.Code != http.StatusOK {
				t.Errorf("simple request status = %d, want 200", w.Code)
			}
			if got := w.Header().Get("Access-Control-Allow-Origin") != ""; got != tc.expectHeader {
				t.Errorf("Allow-Origin present = %v, want %v", got, tc.expectHeader)
			}
			if got := w.Header().Get("Access-Control-Allow-Credentials") == "true"; got != tc.expectCreds {
				t.Errorf("Allow-Credentials = %v, want %v", got, tc.expectCreds)
			}
			if w.Header().Get("Vary") != "Origin" {
				t.Error("expected Vary: Origin")
			}
		})
	}
}

func TestCORSPreflight(t *testing.T) {
	req := httptest.NewRequest(http.MethodOptions, "/test", nil)
	req.Header.Set("Origin", "https://ops.example.com")
	w := serve(CORSMiddleware([]string{"*"}), req)

	if w.Code != http.StatusNoContent {
		t.Errorf("Preflight status = %d, want %d", w.Code, http.StatusNoContent)
	}
	if methods := w.Header().Get("Access-Control-Allow-Methods"); !strings.Contains(methods, "PATCH") {
		t.Errorf("Access-Control-Allow-Methods = %q, want PATCH included", methods)
	}
	if hdrs := w.Header().Get("Access-Control-Allow-Headers"); !strings.Contains(hdrs, "X-Admin-Secret") {
		t.Errorf("Access-Control-Allow-Headers = %q", hdrs)
	}
}

func TestCORSPreflight_DisallowedOrigin(t *testing.T) {
	req := httptest.NewRequest(http.MethodOptions, "/test", nil)
	req.Header.Set("Origin", "https://evil.com")
	w := serve(CORSMiddleware([]string{"https://ops.example.com"}), req)

	if w.Code != http.StatusForbidden {
		t.Errorf("Preflight status = %d, want %d", w.Code, http.StatusForbidden)
	}
}

func TestRequireJSON(t *testing.T) {
	tests := []struct {
		name        string
		method      string
		body        string
		contentType string
		want        int
	}{
		{"json post", http.MethodPost, `{"a":1}`, "application/json", http.StatusOK},
		{"json with charset", http.MethodPatch, `{"a":1}`, "application/json; charset=utf-8", http.StatusOK},
		{"empty post", http.MethodPost, "", "", http.StatusOK},
		{"get ignores type", http.MethodGet, "", "text/plain", http.StatusOK},
		{"form post", http.MethodPost, "a=1", "application/x-www-form-urlencoded", http.StatusUnsupportedMediaType},
		{"missing type", http.MethodPost, `{"a":1}`, "", http.StatusUnsupportedMediaType},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest(tc.method, "/test", strings.NewReader(tc.body))
			if tc.contentType != "" {
				req.Header.Set("Content-Type", tc.contentType)
			}
			w := serve(RequireJSON(), req)
			if w.Code != tc.want {
				t.Errorf("status = %d, want %d", w.Code, tc.want)
			}
		})
	}
}
