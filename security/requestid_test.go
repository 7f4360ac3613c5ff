package security

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestGenerateRequestID(t *testing.T) {
	first := GenerateRequestID()
	second := GenerateRequestID()

	// 16 bytes as unpadded base64url
	if len(first) != 22 {
		t.Errorf("len = %d, want 22", len(first))
	}
	if first == second {
		t.Error("two generated IDs are identical")
	}
	if !validRequestID.MatchString(first) {
		t.Errorf("generated ID %q fails its own validation", first)
	}
}

func TestRequestIDContext(t *testing.T) {
	ctx := WithRequestID(context.Background(), "req-123")
	if got := GetRequestID(ctx); got != "req-123" {
		t.Errorf("GetRequestID() = %q, want req-123", got)
	}

	if got := GetRequestID(context.Background()); got != "" {
		t.Errorf("GetRequestID() on empty context = %q, want empty", got)
	}
}

func TestRequestIDMiddleware(t *testing.T) {
	tests := []struct {
		name       string
		incoming   string
		wantKept   bool
	}{
		{"missing ID is generated", "", false},
		{"valid upstream ID is kept", "alb-request-4711_x", true},
		{"header injection is replaced", "evil\r\nSet-Cookie: x", false},
		{"oversized ID is replaced", strings.Repeat("a", 129), false},
		{"ID with spaces is replaced", "not a valid id", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var seenInContext string
			handler := RequestIDMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				seenInContext = GetRequestID(r.Context())
			}))

			r := httptest.NewRequest(http.MethodGet, "/", nil)
			if tt.incoming != "" {
				r.Header.Set(RequestIDHeader, tt.incoming)
			}
			w := httptest.NewRecorder()
			handler.ServeHTTP(w, r)

			echoed := w.Header().Get(RequestIDHeader)
			if echoed == "" {
				t.Fatal("response carries no request ID")
			}
			if echoed != seenInContext {
				t.Errorf("response ID %q != context ID %q", echoed, seenInContext)
			}

			if tt.wantKept && echoed != tt.incoming {
				t.Errorf("upstream ID %q was replaced with %q", tt.incoming, echoed)
			}
			if !tt.wantKept && echoed == tt.incoming {
				t.Errorf("unacceptable upstream ID %q was kept", tt.incoming)
			}
			if !validRequestID.MatchString(echoed) {
				t.Errorf("emitted ID %q is not valid", echoed)
			}
		})
	}
}

func TestRequestIDMiddleware_FreshIDPerRequest(t *testing.T) {
	var ids []string
	handler := RequestIDMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ids = append(ids, GetRequestID(r.Context()))
	}))

	for i := 0; i < 2; i++ {
		w := httptest.NewRecorder()
		handler.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/", nil))
	}

	if len(ids) != 2 || ids[0] == ids[1] {
		t.Errorf("requests without upstream IDs shared an ID: %v", ids)
	}
}
