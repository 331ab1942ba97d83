package handlers

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"nvpn-proxy/work/client"
	"nvpn-proxy/work/config"
	"nvpn-proxy/work/proxy"
)

func newRouterServer(t *testing.T) *httptest.Server {
	t.Helper()
	cfg := config.Default()
	upstream, err := client.NewUpstreamClient(cfg)
	if err != nil {
		t.Fatal(err)
	}
	srv := httptest.NewServer(NewRouter(proxy.NewRelay(cfg, upstream), "NVPN Proxy v1.0.0"))
	t.Cleanup(srv.Close)
	return srv
}

func TestRouterBanner(t *testing.T) {
	srv := newRouterServer(t)

	resp, err := http.Get(srv.URL + "/")
	if err != nil {
		t.Fatal(err)
	}
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()

	if string(body) != "NVPN Proxy v1.0.0 Web Service" {
		t.Errorf("banner = %q", body)
	}
	if resp.Header.Get("Server") != "NVPN Proxy v1.0.0" || resp.Header.Get("Content-Type") != "text/plain" {
		t.Errorf("headers = %v", resp.Header)
	}
}

func TestRouterKeepsEmbeddedURL(t *testing.T) {
	var gotPath, gotQuery string
	up := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath, gotQuery = r.URL.Path, r.URL.RawQuery
		w.Header().Set("Content-Type", "application/dash+xml")
		io.WriteString(w, "<MPD/>")
	}))
	defer up.Close()

	srv := newRouterServer(t)

	// a doubled slash inside the target must not be collapsed or redirected
	resp, err := http.Get(srv.URL + "/proxy/" + up.URL + "/PT/https://cdn.example//live/manifest.mpd?t=1")
	if err != nil {
		t.Fatal(err)
	}
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()

	if resp.StatusCode != http.StatusOK || string(body) != "<MPD/>" {
		t.Fatalf("status = %d body = %q", resp.StatusCode, body)
	}
	if gotPath != "/PT/https://cdn.example//live/manifest.mpd" || gotQuery != "t=1" {
		t.Errorf("upstream saw path=%q query=%q", gotPath, gotQuery)
	}
}

func TestRouterStatus(t *testing.T) {
	srv := newRouterServer(t)

	resp, err := http.Get(srv.URL + "/status")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()

	var st Status
	if err := json.NewDecoder(resp.Body).Decode(&st); err != nil {
		t.Fatal(err)
	}
	if st.Service != "NVPN Proxy v1.0.0" || st.Active != 0 || st.LastActivity != nil {
		t.Errorf("status = %+v", st)
	}
}

func TestRouterRoutes(t *testing.T) {
	srv := newRouterServer(t)

	tests := []struct {
		method string
		path   string
		want   int
	}{
		{http.MethodGet, "/proxy/", http.StatusBadRequest},
		{http.MethodPost, "/proxy/https://cdn.example/x", http.StatusMethodNotAllowed},
		{http.MethodGet, "/metrics", http.StatusOK},
		{http.MethodGet, "/nope", http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.method+" "+tt.path, func(t *testing.T) {
			req, _ := http.NewRequest(tt.method, srv.URL+tt.path, strings.NewReader(""))
			resp, err := http.DefaultClient.Do(req)
			if err != nil {
				t.Fatal(err)
			}
			resp.Body.Close()
			if resp.StatusCode != tt.want {
				t.Errorf("status = %d, want %d", resp.StatusCode, tt.want)
			}
		})
	}
}
