package worker

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestSecurityHeaders(t *testing.T) {
	handler := SecurityHeaders(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest("GET", "/test", nil)
	rr := httptest.NewRecorder()

	handler.ServeHTTP(rr, req)

	tests := []struct {
		header   string
		expected string
	}{
		{"X-Frame-Options", "DENY"},
		{"X-Content-Type-Options", "nosniff"},
		{"Referrer-Policy", "no-referrer"},
		{"Content-Security-Policy", "default-src 'none'"},
	}

	for _, tt := range tests {
		if got := rr.Header().Get(tt.header); got != tt.expected {
			t.Errorf("SecurityHeaders() %s = %q, want %q", tt.header, got, tt.expected)
		}
	}

	// JSON-only API: no cross-origin allowance, whatever the Origin header says
	req = httptest.NewRequest("GET", "/test", nil)
	req.Header.Set("Origin", "http://localhost:3000")
	rr = httptest.NewRecorder()

	handler.ServeHTTP(rr, req)

	if got := rr.Header().Get("Access-Control-Allow-Origin"); got != "" {
		t.Errorf("Expected no CORS header, got %q", got)
	}
}

func TestMaxBodySize(t *testing.T) {
	maxSize := int64(100)
	handler := MaxBodySize(maxSize)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	tests := []struct {
		name           string
		contentLength  int64
		expectedStatus int
	}{
		{
			name:           "within limit",
			contentLength:  50,
			expectedStatus: http.StatusOK,
		},
		{
			name:           "at limit",
			contentLength:  100,
			expectedStatus: http.StatusOK,
		},
		{
			name:           "exceeds limit",
			contentLength:  150,
			expectedStatus: http.StatusRequestEntityTooLarge,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest("POST", "/test", nil)
			req.ContentLength = tt.contentLength
			rr := httptest.NewRecorder()

			handler.ServeHTTP(rr, req)

			if rr.Code != tt.expectedStatus {
				t.Errorf("MaxBodySize() status = %d, want %d", rr.Code, tt.expectedStatus)
			}
		})
	}
}

func TestTokenAuth(t *testing.T) {
	t.Run("disabled auth allows all requests", func(t *testing.T) {
		ta, err := NewTokenAuth(false)
		if err != nil {
			t.Fatalf("NewTokenAuth() error = %v", err)
		}

		handler := ta.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusOK)
		}))

		req := httptest.NewRequest("GET", "/test", nil)
		rr := httptest.NewRecorder()

		handler.ServeHTTP(rr, req)

		if rr.Code != http.StatusOK {
			t.Errorf("Expected OK with disabled auth, got %d", rr.Code)
		}
	})

	t.Run("enabled auth requires token", func(t *testing.T) {
		ta, err := NewTokenAuth(true)
		if err != nil {
			t.Fatalf("NewTokenAuth() error = %v", err)
		}

		handler := ta.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusOK)
		}))

		// Without token
		req := httptest.NewRequest("GET", "/test", nil)
		rr := httptest.NewRecorder()
		handler.ServeHTTP(rr, req)

		if rr.Code != http.StatusUnauthorized {
			t.Errorf("Expected Unauthorized without token, got %d", rr.Code)
		}

		// With correct token in X-Auth-Token header
		req = httptest.NewRequest("GET", "/test", nil)
		req.Header.Set("X-Auth-Token", ta.Token())
		rr = httptest.NewRecorder()
		handler.ServeHTTP(rr, req)

		if rr.Code != http.StatusOK {
			t.Errorf("Expected OK with correct token, got %d", rr.Code)
		}

		// With correct token in Authorization header
		req = httptest.NewRequest("GET", "/test", nil)
		req.Header.Set("Authorization", "Bearer "+ta.Token())
		rr = httptest.NewRecorder()
		handler.ServeHTTP(rr, req)

		if rr.Code != http.StatusOK {
			t.Errorf("Expected OK with Bearer token, got %d", rr.Code)
		}

		// With wrong token
		req = httptest.NewRequest("GET", "/test", nil)
		req.Header.Set("X-Auth-Token", "wrong")
		rr = httptest.NewRecorder()
		handler.ServeHTTP(rr, req)

		if rr.Code != http.StatusUnauthorized {
			t.Errorf("Expected Unauthorized with wrong token, got %d", rr.Code)
		}
	})

	t.Run("exempt paths skip auth", func(t *testing.T) {
		ta, err := NewTokenAuth(true)
		if err != nil {
			t.Fatalf("NewTokenAuth() error = %v", err)
		}

		handler := ta.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusOK)
		}))

		exemptPaths := []string{"/health", "/api/ready", "/api/version"}
		for _, path := range exemptPaths {
			req := httptest.NewRequest("GET", path, nil)
			rr := httptest.NewRecorder()
			handler.ServeHTTP(rr, req)

			if rr.Code != http.StatusOK {
				t.Errorf("Expected OK for exempt path %s, got %d", path, rr.Code)
			}
		}
	})
}

func TestRequestID(t *testing.T) {
	handler := RequestID(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Verify request ID is in context
		id := GetRequestID(r.Context())
		if id == "" {
			t.Error("Request ID should be set in context")
		}
		w.WriteHeader(http.StatusOK)
	}))

	t.Run("generates new request ID", func(t *testing.T) {
		req := httptest.NewRequest("GET", "/test", nil)
		rr := httptest.NewRecorder()

		handler.ServeHTTP(rr, req)

		if rr.Header().Get("X-Request-ID") == "" {
			t.Error("X-Request-ID header should be set")
		}
	})

	t.Run("uses existing request ID", func(t *testing.T) {
		req := httptest.NewRequest("GET", "/test", nil)
		req.Header.Set("X-Request-ID", "test-id-12345")
		rr := httptest.NewRecorder()

		handler.ServeHTTP(rr, req)

		if rr.Header().Get("X-Request-ID") != "test-id-12345" {
			t.Errorf("Expected X-Request-ID to be test-id-12345, got %s", rr.Header().Get("X-Request-ID"))
		}
	})
}

func TestRequireJSONContentType(t *testing.T) {
	handler := RequireJSONContentType(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	tests := []struct {
		name           string
		method         string
		contentType    string
		expectedStatus int
	}{
		{
			name:           "GET request without content-type",
			method:         "GET",
			contentType:    "",
			expectedStatus: http.StatusOK,
		},
		{
			name:           "POST with application/json",
			method:         "POST",
			contentType:    "application/json",
			expectedStatus: http.StatusOK,
		},
		{
			name:           "POST with application/json; charset=utf-8",
			method:         "POST",
			contentType:    "application/json; charset=utf-8",
			expectedStatus: http.StatusOK,
		},
		{
			name:           "POST without content-type (empty body)",
			method:         "POST",
			contentType:    "",
			expectedStatus: http.StatusOK,
		},
		{
			name:           "POST with text/plain rejected",
			method:         "POST",
			contentType:    "text/plain",
			expectedStatus: http.StatusUnsupportedMediaType,
		},
		{
			name:           "PUT with application/xml rejected",
			method:         "PUT",
			contentType:    "application/xml",
			expectedStatus: http.StatusUnsupportedMediaType,
		},
		{
			name:           "PATCH with form-urlencoded rejected",
			method:         "PATCH",
			contentType:    "application/x-www-form-urlencoded",
			expectedStatus: http.StatusUnsupportedMediaType,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(tt.method, "/test", nil)
			if tt.contentType != "" {
				req.Header.Set("Content-Type", tt.contentType)
			}
			rr := httptest.NewRecorder()

			handler.ServeHTTP(rr, req)

			if rr.Code != tt.expectedStatus {
				t.Errorf("Expected status %d, got %d", tt.expectedStatus, rr.Code)
			}
		})
	}
}

func TestValidateSourceType(t *testing.T) {
	tests := []struct {
		name       string
		sourceType string
		wantError  bool
	}{
		{
			name:       "empty allowed",
			sourceType: "",
			wantError:  false,
		},
		{
			name:       "builtin types",
			sourceType: "upload",
			wantError:  false,
		},
		{
			name:       "custom type with separators",
			sourceType: "crm.export-v2",
			wantError:  false,
		},
		{
			name:       "uppercase rejected",
			sourceType: "Upload",
			wantError:  true,
		},
		{
			name:       "spaces rejected",
			sourceType: "my uploads",
			wantError:  true,
		},
		{
			name:       "path traversal rejected",
			sourceType: "../etc/passwd",
			wantError:  true,
		},
		{
			name:       "shell injection rejected",
			sourceType: "note; rm -rf /",
			wantError:  true,
		},
		{
			name:       "too long rejected",
			sourceType: strings.Repeat("a", 65),
			wantError:  true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateSourceType(tt.sourceType)
			if tt.wantError && err == nil {
				t.Errorf("Expected error for source type %q, got nil", tt.sourceType)
			}
			if !tt.wantError && err != nil {
				t.Errorf("Unexpected error for source type %q: %v", tt.sourceType, err)
			}
		})
	}
}
