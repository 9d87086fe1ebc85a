package middleware_test

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/xraph/escrow"
	"github.com/xraph/escrow/entity"
	"github.com/xraph/escrow/middleware"
)

func newTestOp() *middleware.Op {
	return &middleware.Op{
		Name:      middleware.OpTransition,
		Key:       entity.Key{Kind: entity.Contract, ID: "CNT-1"},
		NewStatus: "Complete",
		ChangedBy: "U1",
	}
}

func TestChain_ExecutionOrder(t *testing.T) {
	var order []string

	mw1 := func(ctx context.Context, _ *middleware.Op, next middleware.Handler) error {
		order = append(order, "mw1-before")
		err := next(ctx)
		order = append(order, "mw1-after")
		return err
	}

	mw2 := func(ctx context.Context, _ *middleware.Op, next middleware.Handler) error {
		order = append(order, "mw2-before")
		err := next(ctx)
		order = append(order, "mw2-after")
		return err
	}

	chain := middleware.Chain(mw1, mw2)
	err := chain(context.Background(), newTestOp(), func(_ context.Context) error {
		order = append(order, "handler")
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	expected := []string{"mw1-before", "mw2-before", "handler", "mw2-after", "mw1-after"}
	if strings.Join(order, ",") != strings.Join(expected, ",") {
		t.Fatalf("order = %v, want %v", order, expected)
	}
}

func TestChain_Empty(t *testing.T) {
	called := false
	err := middleware.Chain()(context.Background(), newTestOp(), func(_ context.Context) error {
		called = true
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !called {
		t.Fatal("handler not called with empty chain")
	}
}

func TestChain_PropagatesError(t *testing.T) {
	pass := func(ctx context.Context, _ *middleware.Op, next middleware.Handler) error {
		return next(ctx)
	}
	want := errors.New("handler error")

	err := middleware.Chain(pass, pass)(context.Background(), newTestOp(), func(_ context.Context) error {
		return want
	})
	if !errors.Is(err, want) {
		t.Fatalf("expected %v, got %v", want, err)
	}
}

func TestRecover_ConvertsPanic(t *testing.T) {
	m := middleware.Recover(slog.Default())

	err := m(context.Background(), newTestOp(), func(_ context.Context) error {
		panic("kaboom")
	})
	if err == nil {
		t.Fatal("expected error from recovered panic")
	}
	if !strings.Contains(err.Error(), "kaboom") || !strings.Contains(err.Error(), "contract:CNT-1") {
		t.Errorf("error = %q, want panic value and entity", err.Error())
	}
}

func TestTimeout_SetsDeadline(t *testing.T) {
	m := middleware.Timeout(50 * time.Millisecond)

	err := m(context.Background(), newTestOp(), func(ctx context.Context) error {
		if _, ok := ctx.Deadline(); !ok {
			t.Error("expected a deadline on the context")
		}
		<-ctx.Done()
		return ctx.Err()
	})
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected DeadlineExceeded, got %v", err)
	}
}

func TestTimeout_ZeroDisables(t *testing.T) {
	m := middleware.Timeout(0)
	_ = m(context.Background(), newTestOp(), func(ctx context.Context) error {
		if _, ok := ctx.Deadline(); ok {
			t.Error("expected no deadline")
		}
		return nil
	})
}

func TestLogging_LevelsByOutcome(t *testing.T) {
	tests := []struct {
		name    string
		err     error
		level   string
		message string
	}{
		{"ok", nil, "INFO", "operation completed"},
		{"blocked", &escrow.BlockedError{EntityType: "task", EntityID: "TSK-1", Reason: "waiting"}, "INFO", "operation rejected"},
		{"failure", errors.New("db down"), "ERROR", "operation failed"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			m := middleware.Logging(slog.New(slog.NewTextHandler(&buf, nil)))

			_ = m(context.Background(), newTestOp(), func(_ context.Context) error { return tt.err })

			out := buf.String()
			if !strings.Contains(out, "level="+tt.level) || !strings.Contains(out, tt.message) {
				t.Errorf("log output = %q, want level %s and %q", out, tt.level, tt.message)
			}
			if !strings.Contains(out, "entity_id=CNT-1") {
				t.Errorf("log output missing entity_id: %q", out)
			}
		})
	}
}

func TestOutcome(t *testing.T) {
	tests := []struct {
		err  error
		want string
	}{
		{nil, "ok"},
		{&escrow.BlockedError{Reason: "r"}, "blocked"},
		{fmt.Errorf("lock: %w", escrow.ErrContention), "contention"},
		{escrow.ErrInvalidEntityType, "invalid"},
		{escrow.ErrSelfDependency, "invalid"},
		{errors.New("other"), "error"},
	}
	for _, tt := range tests {
		if got := middleware.Outcome(tt.err); got != tt.want {
			t.Errorf("Outcome(%v) = %q, want %q", tt.err, got, tt.want)
		}
	}
}
