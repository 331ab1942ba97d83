package player

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"nvpn-proxy/work/client"
	"nvpn-proxy/work/config"
	"nvpn-proxy/work/lifecycle"
	"nvpn-proxy/work/portal"
	"nvpn-proxy/work/types"
)

var testHeaders = map[string]string{
	"User-Agent": "UA",
	"Referer":    "https://ref",
	"Cookie":     "SID=1",
}

const encodedTestHeaders = "Cookie=SID%3D1&Referer=https%3A%2F%2Fref&User-Agent=UA"

func hls() *types.StreamDescriptor {
	return &types.StreamDescriptor{Channel: "mtv1live", MediaType: types.MediaTypeHLS, URL: "https://cdn/live/index.m3u8"}
}

func dash(customData string) *types.StreamDescriptor {
	d := &types.StreamDescriptor{Channel: "mtv4live", MediaType: types.MediaTypeDASH, URL: "https://cdn/live/manifest.mpd"}
	if customData != "" {
		d.DRM = &types.DRMInfo{KeySystem: "com.widevine.alpha", CustomData: customData}
	}
	return d
}

func TestBuildPlan(t *testing.T) {
	relayHeader := "h=" + url.QueryEscape(`{"Cookie":"SID=1","Referer":"https://ref","User-Agent":"UA"}`)

	tests := []struct {
		name      string
		desc      *types.StreamDescriptor
		opts      Options
		wantURL   string
		relayed   bool
		fallback  bool
		wantProps map[string]string
	}{
		{
			name:    "old host plays directly",
			desc:    hls(),
			opts:    Options{PlayerVersion: 18, AdaptiveAvailable: true, RelayBaseURL: "http://127.0.0.1:8090"},
			wantURL: "https://cdn/live/index.m3u8|" + encodedTestHeaders,
		},
		{
			name:    "hls on the built-in player",
			desc:    hls(),
			opts:    Options{PlayerVersion: 21, AdaptiveAvailable: true, RelayBaseURL: "http://127.0.0.1:8090"},
			wantURL: "https://cdn/live/index.m3u8|" + encodedTestHeaders,
		},
		{
			name:    "hls through the relay",
			desc:    hls(),
			opts:    Options{PlayerVersion: 21, AdaptiveAvailable: true, UseAdaptive: true, RelayBaseURL: "http://127.0.0.1:8090"},
			wantURL: "http://127.0.0.1:8090/proxy/https://cdn/live/index.m3u8",
			relayed: true,
			wantProps: map[string]string{
				"inputstream":                           "inputstream.adaptive",
				"inputstream.adaptive.manifest_headers": relayHeader,
				"inputstream.adaptive.stream_headers":   relayHeader,
			},
		},
		{
			name:    "adaptive hls on a v19 host",
			desc:    hls(),
			opts:    Options{PlayerVersion: 19, AdaptiveAvailable: true, UseAdaptive: true},
			wantURL: "https://cdn/live/index.m3u8|" + encodedTestHeaders,
			wantProps: map[string]string{
				"inputstream":                           "inputstream.adaptive",
				"inputstream.adaptive.manifest_type":    "hls",
				"inputstream.adaptive.manifest_headers": encodedTestHeaders,
				"inputstream.adaptive.stream_headers":   encodedTestHeaders,
			},
		},
		{
			name: "drm dash through the relay",
			desc: dash("tok=="),
			opts: Options{
				PlayerVersion: 21, AdaptiveAvailable: true, RelayBaseURL: "http://127.0.0.1:8090",
				LicenseURL: "https://lic/", UserAgent: "UA", Referer: "https://ref",
			},
			wantURL: "http://127.0.0.1:8090/proxy/https://cdn/live/manifest.mpd",
			relayed: true,
			wantProps: map[string]string{
				"inputstream":                           "inputstream.adaptive",
				"inputstream.adaptive.manifest_headers": relayHeader,
				"inputstream.adaptive.stream_headers":   relayHeader,
				"inputstream.adaptive.license_type":     "com.widevine.alpha",
				"inputstream.adaptive.license_key":      "https://lic/|Content-Type=&Referer=https%3A%2F%2Fref&User-Agent=UA&customdata=tok%3D%3D|R{SSM}|",
			},
		},
		{
			name:    "no adaptive player",
			desc:    dash("tok=="),
			opts:    Options{PlayerVersion: 21, RelayBaseURL: "http://127.0.0.1:8090"},
			wantURL: "https://cdn/live/manifest.mpd|" + encodedTestHeaders,
		},
		{
			name:     "relay wanted but unavailable",
			desc:     dash(""),
			opts:     Options{PlayerVersion: 21, AdaptiveAvailable: true},
			wantURL:  "https://cdn/live/manifest.mpd|" + encodedTestHeaders,
			fallback: true,
			wantProps: map[string]string{
				"inputstream":                           "inputstream.adaptive",
				"inputstream.adaptive.manifest_headers": encodedTestHeaders,
				"inputstream.adaptive.stream_headers":   encodedTestHeaders,
			},
		},
		{
			name: "drm dash without a relay keeps its license",
			desc: dash("tok=="),
			opts: Options{
				PlayerVersion: 21, AdaptiveAvailable: true,
				LicenseURL: "https://lic/", UserAgent: "UA", Referer: "https://ref",
			},
			wantURL:  "https://cdn/live/manifest.mpd|" + encodedTestHeaders,
			fallback: true,
			wantProps: map[string]string{
				"inputstream":                           "inputstream.adaptive",
				"inputstream.adaptive.manifest_headers": encodedTestHeaders,
				"inputstream.adaptive.stream_headers":   encodedTestHeaders,
				"inputstream.adaptive.license_type":     "com.widevine.alpha",
				"inputstream.adaptive.license_key":      "https://lic/|Content-Type=&Referer=https%3A%2F%2Fref&User-Agent=UA&customdata=tok%3D%3D|R{SSM}|",
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			plan, err := BuildPlan(tt.desc, testHeaders, tt.opts)
			if err != nil {
				t.Fatal(err)
			}
			if plan.URL != tt.wantURL {
				t.Errorf("URL = %q\n want %q", plan.URL, tt.wantURL)
			}
			if plan.Relayed != tt.relayed || plan.Fallback != tt.fallback {
				t.Errorf("Relayed = %v Fallback = %v", plan.Relayed, plan.Fallback)
			}
			if len(plan.Properties) != len(tt.wantProps) {
				t.Errorf("Properties = %v, want %v", plan.Properties, tt.wantProps)
			}
			for k, want := range tt.wantProps {
				if got := plan.Properties[k]; got != want {
					t.Errorf("%s = %q\n want %q", k, got, want)
				}
			}
		})
	}
}

type fakeResolver struct {
	desc *types.StreamDescriptor
	err  error
}

func (f *fakeResolver) Resolve(ctx context.Context, handle string) (*types.StreamDescriptor, *portal.Session, error) {
	if f.err != nil {
		return nil, nil, f.err
	}
	return f.desc, &portal.Session{Cookies: map[string]string{"SID": "1"}, Authenticated: true}, nil
}

func newTestService(t *testing.T, desc *types.StreamDescriptor) (*Service, *lifecycle.Controller, *config.Config) {
	t.Helper()
	cfg := config.Default()
	cfg.RelayAddress = "127.0.0.1"
	cfg.RelayPort = 0
	cfg.RelayShutdownGrace = 50 * time.Millisecond
	cfg.PlaybackPollInterval = time.Millisecond
	cfg.PlaybackStartPolls = 3
	cfg.PlayerVersion = 21
	cfg.AdaptiveAvailable = true
	cfg.UseAdaptive = true

	upstream, err := client.NewUpstreamClient(cfg)
	if err != nil {
		t.Fatal(err)
	}
	ctrl := lifecycle.NewController(cfg, upstream, "NVPN Proxy test")
	t.Cleanup(ctrl.Stop)
	return NewService(cfg, &fakeResolver{desc: desc}, ctrl), ctrl, cfg
}

func TestServicePlayRelayed(t *testing.T) {
	svc, ctrl, _ := newTestService(t, hls())

	plan, err := svc.Play(context.Background(), "mtv1live")
	if err != nil {
		t.Fatal(err)
	}
	if !plan.Relayed || ctrl.State() != lifecycle.Starting {
		t.Fatalf("plan = %+v, state = %v", plan, ctrl.State())
	}
	want := fmt.Sprintf("http://127.0.0.1:%d/proxy/https://cdn/live/index.m3u8", ctrl.Handle().BoundPort)
	if plan.URL != want {
		t.Errorf("URL = %q, want %q", plan.URL, want)
	}

	// nobody fetches through the relay, so supervision gives up and stops it
	if got := svc.Supervise(context.Background(), plan); got != lifecycle.PlaybackNeverStarted {
		t.Errorf("Supervise() = %v", got)
	}
	if ctrl.State() != lifecycle.Idle {
		t.Errorf("state = %v", ctrl.State())
	}
}

func TestServicePlayFallsBackWhenPortBusy(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer ln.Close()

	svc, ctrl, cfg := newTestService(t, dash(""))
	cfg.RelayPort = ln.Addr().(*net.TCPAddr).Port

	plan, err := svc.Play(context.Background(), "mtv4live")
	if err != nil {
		t.Fatalf("a busy relay port must not fail playback: %v", err)
	}
	if plan.Relayed || !plan.Fallback || !strings.HasPrefix(plan.URL, "https://cdn/live/manifest.mpd|") {
		t.Errorf("plan = %+v", plan)
	}
	if ctrl.State() != lifecycle.Idle {
		t.Errorf("state = %v", ctrl.State())
	}
	if got := svc.Supervise(context.Background(), plan); got != lifecycle.PlaybackEnded {
		t.Errorf("Supervise(direct) = %v", got)
	}
}

func TestServicePlayDirectDoesNotStartRelay(t *testing.T) {
	svc, ctrl, cfg := newTestService(t, hls())
	cfg.UseAdaptive = false

	plan, err := svc.Play(context.Background(), "mtv1live")
	if err != nil {
		t.Fatal(err)
	}
	if plan.Relayed || plan.Fallback || ctrl.State() != lifecycle.Idle {
		t.Errorf("plan = %+v, state = %v", plan, ctrl.State())
	}
}

func TestServicePlayResolveError(t *testing.T) {
	svc, ctrl, _ := newTestService(t, nil)
	svc.resolver = &fakeResolver{err: types.Errorf(types.ProtocolError, "resolve", "no supported stream")}

	if _, err := svc.Play(context.Background(), "mtv1live"); !errors.Is(err, types.ProtocolError) {
		t.Errorf("err = %v", err)
	}
	if ctrl.State() != lifecycle.Idle {
		t.Errorf("state = %v", ctrl.State())
	}
}

func TestRelayActivityHost(t *testing.T) {
	if playing, _ := NewRelayActivityHost(nil, time.Minute).IsPlaying(context.Background()); playing {
		t.Error("nil relay reported playing")
	}
}

func TestKodiHost(t *testing.T) {
	tests := []struct {
		name     string
		replies  []string
		status   []int
		want     bool
		wantErr  bool
		attempts int32
	}{
		{"active player", []string{`{"id":1,"jsonrpc":"2.0","result":[{"playerid":1,"type":"video"}]}`}, []int{200}, true, false, 1},
		{"idle", []string{`{"id":1,"jsonrpc":"2.0","result":[]}`}, []int{200}, false, false, 1},
		{"rpc error is not retried", []string{`{"id":1,"jsonrpc":"2.0","error":{"code":-32601,"message":"Method not found."}}`}, []int{200}, false, true, 1},
		{"transient failure retried", []string{"", `{"id":1,"jsonrpc":"2.0","result":[{"playerid":1}]}`}, []int{500, 200}, true, false, 2},
		{"persistent failure", []string{""}, []int{503}, false, true, 3},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var calls atomic.Int32
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				if r.Method != http.MethodPost {
					t.Errorf("method = %s", r.Method)
				}
				i := min(int(calls.Add(1))-1, len(tt.replies)-1)
				w.WriteHeader(tt.status[i])
				fmt.Fprint(w, tt.replies[i])
			}))
			defer srv.Close()

			playing, err := NewKodiHost(srv.URL, time.Second).IsPlaying(context.Background())
			if (err != nil) != tt.wantErr {
				t.Fatalf("err = %v, wantErr %v", err, tt.wantErr)
			}
			if playing != tt.want {
				t.Errorf("playing = %v, want %v", playing, tt.want)
			}
			if got := calls.Load(); got != tt.attempts {
				t.Errorf("attempts = %d, want %d", got, tt.attempts)
			}
		})
	}
}
