package signals

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/rs/zerolog"
)

func TestFetchIdeas(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/ideas" || r.Method != http.MethodGet {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`[
			{"ticker":"AAPL","signal":"BUY","conviction":0.8,"entry":185,"stop":176,"target":200,"reason":"breakout"},
			{"ticker":"TSLA","signal":"SELL","conviction":0.65}
		]`))
	}))
	defer srv.Close()

	c := NewClient(srv.URL, zerolog.Nop())
	ideas, err := c.FetchIdeas(context.Background())
	if err != nil {
		t.Fatalf("FetchIdeas() error = %v", err)
	}
	if len(ideas) != 2 {
		t.Fatalf("FetchIdeas() returned %d ideas, want 2", len(ideas))
	}
	if ideas[0].Ticker != "AAPL" || ideas[0].Conviction != 0.8 || ideas[0].Target != 200 {
		t.Fatalf("first idea = %+v", ideas[0])
	}
	if ideas[1].Signal != "SELL" || ideas[1].Entry != 0 {
		t.Fatalf("second idea = %+v", ideas[1])
	}
}

func TestFetchIdeasErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, zerolog.Nop())
	if _, err := c.FetchIdeas(context.Background()); err == nil {
		t.Fatal("FetchIdeas() accepted a 500 response")
	}
}

func TestFetchIdeasWithoutSource(t *testing.T) {
	c := NewClient("", zerolog.Nop())
	if _, err := c.FetchIdeas(context.Background()); !errors.Is(err, ErrNoSource) {
		t.Fatalf("FetchIdeas() err = %v, want ErrNoSource", err)
	}
	if err := c.TriggerDiscovery(context.Background()); !errors.Is(err, ErrNoSource) {
		t.Fatalf("TriggerDiscovery() err = %v, want ErrNoSource", err)
	}
}

func TestTriggerDiscovery(t *testing.T) {
	var gotPath string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.Method + " " + r.URL.Path
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, zerolog.Nop())
	if err := c.TriggerDiscovery(context.Background()); err != nil {
		t.Fatalf("TriggerDiscovery() error = %v", err)
	}
	if gotPath != "POST /api/ideas/refresh" {
		t.Fatalf("request = %q", gotPath)
	}
}

func TestTriggerDiscoveryHonorsContext(t *testing.T) {
	started := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		close(started)
		<-r.Context().Done()
	}))
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	c := NewClient(srv.URL, zerolog.Nop())

	errCh := make(chan error, 1)
	go func() { errCh <- c.TriggerDiscovery(ctx) }()

	<-started
	cancel()
	if err := <-errCh; err == nil {
		t.Fatal("TriggerDiscovery() ignored context cancellation")
	}
}
