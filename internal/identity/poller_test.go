package identity

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/hitoshi/linkpay/internal/model"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewJSONHandler(io.Discard, nil))
}

func TestPoller_RunOnce_UpdatesSource(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"isConnected": true, "isLoading": false, "embedded": {"isConnected": true, "userId": "u-9"}}`))
	}))
	defer srv.Close()

	src := NewSource(model.ProviderState{IsLoading: true})
	p := NewPoller(src, srv.Client(), srv.URL, time.Second, discardLogger())

	if err := p.RunOnce(context.Background()); err != nil {
		t.Fatalf("RunOnce() error = %v", err)
	}

	sig := src.Snapshot().Signal()
	if !sig.FullyAuthenticated() || sig.UserID != "u-9" {
		t.Errorf("source not updated: %+v", sig)
	}
}

func TestPoller_RunOnce_KeepsStateOnError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	initial := model.ProviderState{IsConnected: true}
	src := NewSource(initial)
	p := NewPoller(src, srv.Client(), srv.URL, time.Second, discardLogger())

	if err := p.RunOnce(context.Background()); err == nil {
		t.Fatal("expected error for 503")
	}
	if !src.Snapshot().IsConnected {
		t.Error("previous state should be kept on error")
	}
}

func TestPoller_Start_StopsOnCancel(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"isConnected": false, "isLoading": false}`))
	}))
	defer srv.Close()

	src := NewSource(model.ProviderState{IsLoading: true})
	p := NewPoller(src, srv.Client(), srv.URL, 10*time.Millisecond, discardLogger())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		p.Start(ctx)
		close(done)
	}()

	select {
	case <-src.Changes():
	case <-time.After(2 * time.Second):
		t.Fatal("poller did not update source")
	}

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("poller did not stop after cancel")
	}
}
