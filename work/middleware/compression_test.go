package middleware

import (
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/klauspost/compress/gzip"
)

func TestGzip(t *testing.T) {
	body := `{"active":0,"requests":[]}`
	h := Gzip(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		io.WriteString(w, body)
	}))

	tests := []struct {
		name           string
		acceptEncoding string
		wantGzip       bool
	}{
		{"gzip accepted", "gzip, deflate", true},
		{"identity only", "", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/status", nil)
			if tt.acceptEncoding != "" {
				req.Header.Set("Accept-Encoding", tt.acceptEncoding)
			}
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, req)

			var got []byte
			if tt.wantGzip {
				if rec.Header().Get("Content-Encoding") != "gzip" {
					t.Fatalf("Content-Encoding = %q", rec.Header().Get("Content-Encoding"))
				}
				zr, err := gzip.NewReader(rec.Body)
				if err != nil {
					t.Fatal(err)
				}
				got, err = io.ReadAll(zr)
				if err != nil {
					t.Fatal(err)
				}
			} else {
				if rec.Header().Get("Content-Encoding") != "" {
					t.Errorf("unexpected Content-Encoding %q", rec.Header().Get("Content-Encoding"))
				}
				got = rec.Body.Bytes()
			}
			if string(got) != body {
				t.Errorf("body = %q, want %q", got, body)
			}
		})
	}
}

func TestServerHeader(t *testing.T) {
	h := ServerHeader("NVPN Proxy v1.0.0")(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	if got := rec.Header().Get("Server"); got != "NVPN Proxy v1.0.0" {
		t.Errorf("Server = %q", got)
	}
}
