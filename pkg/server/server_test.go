package server

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"testing"
	"time"

	"manifest-proxy-go/pkg/config"
	"manifest-proxy-go/pkg/logging"
)

func testServer(t *testing.T, port int) *Server {
	t.Helper()
	cfg := &config.Config{
		Host:         "127.0.0.1",
		Port:         port,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 5 * time.Second,
		IdleTimeout:  5 * time.Second,
	}
	return New(cfg, logging.New("error", false, nil))
}

func TestListenEphemeralPort(t *testing.T) {
	s := testServer(t, 0)
	if err := s.Listen(); err != nil {
		t.Fatalf("Listen() error: %v", err)
	}
	defer s.listener.Close()

	if s.Port() <= 0 {
		t.Errorf("Port() = %d, want a bound port", s.Port())
	}
}

func TestListenFallsBackWhenPortTaken(t *testing.T) {
	blocker, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer blocker.Close()
	taken := blocker.Addr().(*net.TCPAddr).Port

	s := testServer(t, taken)
	if err := s.Listen(); err != nil {
		t.Fatalf("Listen() error: %v", err)
	}
	defer s.listener.Close()

	if s.Port() == taken || s.Port() <= 0 {
		t.Errorf("Port() = %d, want an ephemeral port distinct from %d", s.Port(), taken)
	}
}

func TestServeAndShutdown(t *testing.T) {
	s := testServer(t, 0)
	s.Router().HandleFunc("/ping", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})

	if err := s.Listen(); err != nil {
		t.Fatalf("Listen() error: %v", err)
	}

	errCh := make(chan error, 1)
	go func() { errCh <- s.Start() }()

	url := fmt.Sprintf("http://127.0.0.1:%d/ping", s.Port())
	var resp *http.Response
	var err error
	for i := 0; i < 50; i++ {
		resp, err = http.Get(url)
		if err == nil {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	if err != nil {
		t.Fatalf("server never came up: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent {
		t.Errorf("status %d, want 204", resp.StatusCode)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown() error: %v", err)
	}

	select {
	case err := <-errCh:
		if err != nil {
			t.Errorf("Start() returned error: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Start() did not return after shutdown")
	}
}
