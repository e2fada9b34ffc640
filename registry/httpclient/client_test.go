package httpclient

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/skylattice/fleetd/registry"
	"github.com/skylattice/fleetd/types"
)

func newTestServer(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	c, err := New(srv.URL)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	return c
}

func TestGetAgent(t *testing.T) {
	c := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/agents/agent1" {
			t.Errorf("unexpected path %q", r.URL.Path)
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(registry.AgentState{
			AgentID:  "agent1",
			Position: types.Position{X: 2, Y: 3},
			LastTick: 42,
		})
	})

	got, err := c.Get(context.Background(), "agent1")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got.AgentID != "agent1" || got.Position.X != 2 || got.LastTick != 42 {
		t.Fatalf("unexpected state: %#v", got)
	}
}

func TestGetUnknownAgent(t *testing.T) {
	c := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":"unknown agent"}`, http.StatusNotFound)
	})

	if _, err := c.Get(context.Background(), "ghost"); !errors.Is(err, registry.ErrUnknownAgent) {
		t.Fatalf("expected ErrUnknownAgent, got %v", err)
	}
}

func TestListAgents(t *testing.T) {
	c := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/agents" {
			t.Errorf("unexpected path %q", r.URL.Path)
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode([]registry.AgentState{
			{AgentID: "agent1"},
			{AgentID: "agent2"},
		})
	})

	got, err := c.List(context.Background())
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 agents, got %d", len(got))
	}
}

func TestServerErrorIsUnavailable(t *testing.T) {
	c := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	})

	if _, err := c.List(context.Background()); !errors.Is(err, registry.ErrUnavailable) {
		t.Fatalf("expected ErrUnavailable, got %v", err)
	}
}

func TestUnreachableServerIsUnavailable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	c, err := New(url)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	if _, err := c.List(context.Background()); !errors.Is(err, registry.ErrUnavailable) {
		t.Fatalf("expected ErrUnavailable for connection failure, got %v", err)
	}
}

func TestNewRequiresBaseURL(t *testing.T) {
	if _, err := New("   "); err == nil {
		t.Fatal("expected error for empty base url")
	}
}
