package client_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/xraph/escrow"
	"github.com/xraph/escrow/api"
	"github.com/xraph/escrow/backoff"
	"github.com/xraph/escrow/client"
	"github.com/xraph/escrow/engine"
	"github.com/xraph/escrow/feed"
	"github.com/xraph/escrow/store/memory"
)

// ── Test Helpers ──────────────────────────────────────

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestServer(t *testing.T, opts ...api.Option) (*httptest.Server, *engine.Engine) {
	t.Helper()
	tr, err := escrow.New(escrow.WithStore(memory.New()), escrow.WithLogger(testLogger()))
	if err != nil {
		t.Fatalf("escrow.New: %v", err)
	}
	eng, err := engine.Build(tr)
	if err != nil {
		t.Fatalf("engine.Build: %v", err)
	}
	srv := httptest.NewServer(api.New(eng, opts...).Handler())
	t.Cleanup(func() {
		srv.Close()
		_ = eng.Stop(context.Background())
	})
	return srv, eng
}

func newClient(srv *httptest.Server, opts ...client.Option) *client.Client {
	opts = append([]client.Option{client.WithLogger(testLogger()), client.WithCallerID("U1")}, opts...)
	return client.New(srv.URL, opts...)
}

func next(t *testing.T, ch <-chan *feed.Message) *feed.Message {
	t.Helper()
	select {
	case m, ok := <-ch:
		if !ok {
			t.Fatal("feed closed")
		}
		return m
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for feed message")
		return nil
	}
}

// ── HTTP ──────────────────────────────────────────────

func TestClient_TransitionAndBlocked(t *testing.T) {
	srv, _ := newTestServer(t)
	c := newClient(srv)
	ctx := context.Background()

	rec, err := c.AddDependency(ctx, "task", "TSK-1", api.DependencyRequest{
		EntityType: "contract", EntityID: "CNT-1", RequiredStatus: "Complete",
	})
	if err != nil {
		t.Fatalf("AddDependency: %v", err)
	}
	if !rec.IsBlocked {
		t.Fatalf("record should be blocked: %+v", rec)
	}

	_, err = c.RequestTransition(ctx, "task", "TSK-1", api.TransitionRequest{NewStatus: "Done"})
	if !errors.Is(err, escrow.ErrBlocked) {
		t.Fatalf("expected ErrBlocked, got %v", err)
	}
	var apiErr *client.Error
	if !errors.As(err, &apiErr) || apiErr.StatusCode != 400 || apiErr.RequestID == "" {
		t.Fatalf("unexpected error detail: %#v", err)
	}

	if _, err := c.RequestTransition(ctx, "contract", "CNT-1", api.TransitionRequest{NewStatus: "Complete"}); err != nil {
		t.Fatalf("RequestTransition(contract): %v", err)
	}

	rec, err = c.RequestTransition(ctx, "task", "TSK-1", api.TransitionRequest{NewStatus: "Done", Reason: "unblocked"})
	if err != nil {
		t.Fatalf("RequestTransition(task): %v", err)
	}
	if rec.CurrentStatus != "Done" || rec.StatusHistory[0].ChangedBy != "U1" {
		t.Errorf("unexpected record: %+v", rec)
	}

	history, err := c.GetHistory(ctx, "task", "TSK-1")
	if err != nil {
		t.Fatalf("GetHistory: %v", err)
	}
	if len(history) != 1 || history[0].Reason != "unblocked" {
		t.Errorf("history = %+v", history)
	}
}

func TestClient_ErrorsMatchSentinels(t *testing.T) {
	srv, _ := newTestServer(t)
	c := newClient(srv)
	ctx := context.Background()

	if _, err := c.GetRecord(ctx, "task", "TSK-404"); !errors.Is(err, escrow.ErrRecordNotFound) {
		t.Errorf("GetRecord: expected ErrRecordNotFound, got %v", err)
	}
	if _, err := c.RequestTransition(ctx, "widget", "W-1", api.TransitionRequest{NewStatus: "Open"}); !errors.Is(err, escrow.ErrInvalidEntityType) {
		t.Errorf("RequestTransition: expected ErrInvalidEntityType, got %v", err)
	}
	if _, err := c.AddDependency(ctx, "task", "TSK-1", api.DependencyRequest{EntityType: "task", EntityID: "TSK-1", RequiredStatus: "Done"}); !errors.Is(err, escrow.ErrInvalidInput) {
		t.Errorf("AddDependency: expected ErrInvalidInput, got %v", err)
	}
}

func TestClient_Forbidden(t *testing.T) {
	srv, _ := newTestServer(t, api.WithAuthorizer(api.RequireRole("workflow")))
	ctx := context.Background()

	if _, err := newClient(srv).RequestTransition(ctx, "task", "TSK-1", api.TransitionRequest{NewStatus: "Open"}); !errors.Is(err, escrow.ErrForbidden) {
		t.Fatalf("expected ErrForbidden, got %v", err)
	}
	c := newClient(srv, client.WithCallerID("U1", "workflow"))
	if _, err := c.RequestTransition(ctx, "task", "TSK-1", api.TransitionRequest{NewStatus: "Open"}); err != nil {
		t.Fatalf("with role: %v", err)
	}
}

func TestClient_EntitiesAndDependencies(t *testing.T) {
	srv, _ := newTestServer(t)
	c := newClient(srv)
	ctx := context.Background()

	if _, err := c.SeedEntity(ctx, "signature", "SIG-1", "Pending"); err != nil {
		t.Fatalf("SeedEntity: %v", err)
	}
	rec, err := c.AddDependency(ctx, "contract", "CNT-1", api.DependencyRequest{
		EntityType: "signature", EntityID: "SIG-1", RequiredStatus: "Signed",
	})
	if err != nil {
		t.Fatalf("AddDependency: %v", err)
	}
	if !rec.IsBlocked {
		t.Fatal("contract should be blocked on SIG-1")
	}

	rec, err = c.RemoveDependency(ctx, "contract", "CNT-1", "signature", "SIG-1")
	if err != nil {
		t.Fatalf("RemoveDependency: %v", err)
	}
	if rec == nil || rec.IsBlocked {
		t.Fatalf("contract should be unblocked: %+v", rec)
	}

	if err := c.DeleteEntity(ctx, "signature", "SIG-1"); err != nil {
		t.Fatalf("DeleteEntity: %v", err)
	}
	var apiErr *client.Error
	if _, err := c.GetEntity(ctx, "signature", "SIG-1"); !errors.As(err, &apiErr) || apiErr.StatusCode != 404 {
		t.Errorf("GetEntity after delete: %v", err)
	}

	stats, err := c.Stats(ctx)
	if err != nil {
		t.Fatalf("Stats: %v", err)
	}
	if stats.Broker.TotalPublished == 0 {
		t.Errorf("stats = %+v", stats)
	}
}

// ── Feed ──────────────────────────────────────────────

func TestClient_WatchEntity(t *testing.T) {
	for _, format := range []string{"json", "msgpack"} {
		t.Run(format, func(t *testing.T) {
			srv, _ := newTestServer(t)
			c := newClient(srv, client.WithFormat(format))
			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()

			if _, err := c.RequestTransition(ctx, "task", "TSK-1", api.TransitionRequest{NewStatus: "Open"}); err != nil {
				t.Fatalf("RequestTransition: %v", err)
			}

			msgs, err := c.Watch(ctx, client.WatchOptions{EntityType: "task", EntityID: "TSK-1", Scope: feed.ScopeEntity})
			if err != nil {
				t.Fatalf("Watch: %v", err)
			}

			m := next(t, msgs)
			if m.Type != "initial_status" || m.CurrentStatus != "Open" {
				t.Fatalf("first message = %+v", m)
			}

			if _, err := c.RequestTransition(ctx, "task", "TSK-1", api.TransitionRequest{NewStatus: "Done"}); err != nil {
				t.Fatalf("RequestTransition: %v", err)
			}
			m = next(t, msgs)
			if m.Type != "status_change" || m.CurrentStatus != "Done" {
				t.Fatalf("second message = %+v", m)
			}

			cancel()
			deadline := time.After(5 * time.Second)
			for {
				select {
				case _, ok := <-msgs:
					if !ok {
						return
					}
				case <-deadline:
					t.Fatal("feed not closed after cancel")
				}
			}
		})
	}
}

func TestClient_WatchChannels(t *testing.T) {
	srv, _ := newTestServer(t)
	c := newClient(srv)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	msgs, err := c.Watch(ctx, client.WatchOptions{Channels: []string{"document_updates"}})
	if err != nil {
		t.Fatalf("Watch: %v", err)
	}

	if _, err := c.RequestTransition(ctx, "task", "TSK-1", api.TransitionRequest{NewStatus: "Open"}); err != nil {
		t.Fatalf("RequestTransition: %v", err)
	}
	if _, err := c.RequestTransition(ctx, "document", "DOC-1", api.TransitionRequest{NewStatus: "Uploaded"}); err != nil {
		t.Fatalf("RequestTransition: %v", err)
	}

	if m := next(t, msgs); m.EntityID != "DOC-1" {
		t.Fatalf("expected only document events, got %+v", m)
	}
}

func TestClient_WatchBadKind(t *testing.T) {
	srv, _ := newTestServer(t)
	if _, err := newClient(srv).Watch(context.Background(), client.WatchOptions{EntityType: "widget", EntityID: "W-1"}); err == nil {
		t.Fatal("expected dial to fail for an unknown kind")
	}
}

func TestClient_WatchClosesOnShutdown(t *testing.T) {
	srv, eng := newTestServer(t)
	c := newClient(srv)

	msgs, err := c.Watch(context.Background(), client.WatchOptions{})
	if err != nil {
		t.Fatalf("Watch: %v", err)
	}
	if err := eng.Stop(context.Background()); err != nil {
		t.Fatalf("Stop: %v", err)
	}

	select {
	case _, ok := <-msgs:
		if ok {
			t.Fatal("expected no message before close")
		}
	case <-time.After(5 * time.Second):
		t.Fatal("feed not closed after shutdown")
	}
}

func TestClient_ReconnectGivesUp(t *testing.T) {
	srv, eng := newTestServer(t)
	c := newClient(srv, client.WithReconnect(2, backoff.NewConstant(10*time.Millisecond)))

	msgs, err := c.Watch(context.Background(), client.WatchOptions{})
	if err != nil {
		t.Fatalf("Watch: %v", err)
	}

	// Stop accepting connections, then drop the live one.
	srv.Close()
	_ = eng.Stop(context.Background())

	select {
	case _, ok := <-msgs:
		if ok {
			t.Fatal("expected no message")
		}
	case <-time.After(5 * time.Second):
		t.Fatal("feed not closed after reconnect attempts")
	}
}
