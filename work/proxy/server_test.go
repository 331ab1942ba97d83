package proxy

import (
	"errors"
	"io"
	"net"
	"net/http"
	"strconv"
	"testing"
	"time"

	"nvpn-proxy/work/config"
	"nvpn-proxy/work/types"
)

func testServerConfig() *config.Config {
	cfg := config.Default()
	cfg.RelayAddress = "127.0.0.1"
	cfg.RelayPort = 0
	cfg.RelayShutdownGrace = 100 * time.Millisecond
	return cfg
}

func TestServerStartServeStop(t *testing.T) {
	s := NewServer(testServerConfig(), http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, "ok")
	}))
	if err := s.Start(); err != nil {
		t.Fatal(err)
	}

	h := s.Handle()
	if !h.Running || h.BoundPort == 0 || h.BoundAddress != "127.0.0.1" {
		t.Fatalf("Handle() = %+v", h)
	}

	resp, err := http.Get(s.BaseURL() + "/")
	if err != nil {
		t.Fatal(err)
	}
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	if string(body) != "ok" {
		t.Errorf("body = %q", body)
	}

	if err := s.Start(); !errors.Is(err, types.ResourceBusy) {
		t.Errorf("second Start: err = %v, want ResourceBusy", err)
	}

	s.Stop()
	s.Stop()
	select {
	case <-s.Done():
	default:
		t.Fatal("Done not closed after Stop")
	}
	if s.Running() {
		t.Error("still running after Stop")
	}
	if _, err := net.Dial("tcp", net.JoinHostPort(h.BoundAddress, strconv.Itoa(h.BoundPort))); err == nil {
		t.Error("port still accepting after Stop")
	}
}

func TestServerPortBusy(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer ln.Close()

	cfg := testServerConfig()
	cfg.RelayPort = ln.Addr().(*net.TCPAddr).Port

	s := NewServer(cfg, http.NotFoundHandler())
	err = s.Start()
	if !errors.Is(err, types.ResourceBusy) {
		t.Fatalf("err = %v, want ResourceBusy", err)
	}
	if s.Running() {
		t.Error("server reports running after a failed bind")
	}
	s.Stop()
}

func TestServerStopWithoutStart(t *testing.T) {
	s := NewServer(testServerConfig(), http.NotFoundHandler())
	s.Stop()
	s.Stop()
	select {
	case <-s.Done():
	default:
		t.Fatal("Done not closed")
	}
}

func TestServerStopCutsLongStreams(t *testing.T) {
	entered := make(chan struct{})
	s := NewServer(testServerConfig(), http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("x"))
		w.(http.Flusher).Flush()
		close(entered)
		<-r.Context().Done()
	}))
	if err := s.Start(); err != nil {
		t.Fatal(err)
	}

	resp, err := http.Get(s.BaseURL() + "/live")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	<-entered

	stopped := make(chan struct{})
	go func() {
		s.Stop()
		close(stopped)
	}()

	select {
	case <-stopped:
	case <-time.After(5 * time.Second):
		t.Fatal("Stop did not return with a stream in flight")
	}
}
