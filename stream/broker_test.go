package stream

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/xraph/escrow"
	"github.com/xraph/escrow/entity"
	"github.com/xraph/escrow/status"
	"github.com/xraph/escrow/store/memory"
)

var (
	cnt1 = entity.Key{Kind: entity.Contract, ID: "CNT-1"}
	tsk1 = entity.Key{Kind: entity.Task, ID: "TSK-1"}
	tsk2 = entity.Key{Kind: entity.Task, ID: "TSK-2"}
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func record(key entity.Key, current string, version int64) *status.Record {
	r := status.NewRecord(key, current, time.Now())
	r.Version = version
	return r
}

func update(key entity.Key, current string, version int64) *status.Update {
	return &status.Update{Record: record(key, current, version), Cause: key}
}

func receive(t *testing.T, sub *Subscriber) *Event {
	t.Helper()
	select {
	case evt, ok := <-sub.C():
		if !ok {
			t.Fatal("subscriber channel closed")
		}
		return evt
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
	}
	return nil
}

func expectNone(t *testing.T, sub *Subscriber) {
	t.Helper()
	select {
	case evt, ok := <-sub.C():
		if ok {
			t.Fatalf("unexpected event: %+v", evt)
		}
	case <-time.After(50 * time.Millisecond):
	}
}

func TestBrokerKindTopicReceivesPropagatedUpdate(t *testing.T) {
	t.Parallel()

	b := NewBroker(memory.New(), testLogger())
	sub, err := b.Subscribe(context.Background(), []string{KindTopic(entity.Task)}, nil)
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	_ = b.OnStatusChanged(context.Background(), &status.Update{
		Record: record(tsk1, "Done", 3),
		Cause:  cnt1,
	})

	evt := receive(t, sub)
	if evt.Type != EventStatusChange {
		t.Errorf("Type = %q, want %q", evt.Type, EventStatusChange)
	}
	if evt.EntityType != "task" || evt.EntityID != "TSK-1" || evt.CurrentStatus != "Done" {
		t.Errorf("unexpected event: %+v", evt)
	}
	if evt.Cause != "contract:CNT-1" {
		t.Errorf("Cause = %q, want contract:CNT-1", evt.Cause)
	}
	if evt.IsBlocked || evt.BlockingReason != nil {
		t.Errorf("expected unblocked event with nil reason, got %v %v", evt.IsBlocked, evt.BlockingReason)
	}

	// Contract events are not on the task channel.
	_ = b.OnStatusChanged(context.Background(), update(cnt1, "Complete", 2))
	expectNone(t, sub)
}

func TestBrokerGlobalTopicAlias(t *testing.T) {
	t.Parallel()

	b := NewBroker(memory.New(), testLogger())
	sub, err := b.Subscribe(context.Background(), []string{TopicAllAlias}, nil)
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	_ = b.OnStatusChanged(context.Background(), update(cnt1, "Preparation", 1))
	_ = b.OnStatusChanged(context.Background(), update(tsk1, "Open", 1))

	if got := receive(t, sub).EntityID; got != "CNT-1" {
		t.Errorf("first event for %q, want CNT-1", got)
	}
	if got := receive(t, sub).EntityID; got != "TSK-1" {
		t.Errorf("second event for %q, want TSK-1", got)
	}
}

func TestBrokerEntityTopicIsolation(t *testing.T) {
	t.Parallel()

	b := NewBroker(memory.New(), testLogger())
	sub, err := b.Subscribe(context.Background(), []string{EntityTopic(tsk1)}, nil)
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	_ = b.OnStatusChanged(context.Background(), update(tsk2, "Open", 1))
	expectNone(t, sub)

	_ = b.OnStatusChanged(context.Background(), update(tsk1, "Open", 1))
	if got := receive(t, sub).EntityID; got != "TSK-1" {
		t.Errorf("event for %q, want TSK-1", got)
	}
}

func TestBrokerInitialSnapshot(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s := memory.New()
	r := status.NewRecord(tsk1, "Open", time.Now())
	status.AddDependency(r, status.Dependency{EntityType: entity.Contract, EntityID: "CNT-1", RequiredStatus: "Complete"})
	err := s.RunInTx(ctx, func(ctx context.Context, tx status.Tx) error {
		return tx.PutRecord(ctx, r)
	})
	if err != nil {
		t.Fatalf("RunInTx: %v", err)
	}

	b := NewBroker(s, testLogger())
	sub, err := b.Subscribe(ctx, []string{KindTopic(entity.Task)}, &tsk1)
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	evt := receive(t, sub)
	if evt.Type != EventInitialStatus {
		t.Fatalf("Type = %q, want %q", evt.Type, EventInitialStatus)
	}
	if !evt.IsBlocked || evt.BlockingReason == nil {
		t.Fatalf("expected blocked snapshot, got %+v", evt)
	}
	if *evt.BlockingReason != "Waiting for contract CNT-1 to reach status Complete" {
		t.Errorf("BlockingReason = %q", *evt.BlockingReason)
	}

	// A live event for the same version as the snapshot is skipped.
	_ = b.OnStatusChanged(ctx, update(tsk1, "Open", 1))
	expectNone(t, sub)

	_ = b.OnStatusChanged(ctx, update(tsk1, "Done", 2))
	if got := receive(t, sub); got.Version != 2 {
		t.Errorf("Version = %d, want 2", got.Version)
	}
}

func TestBrokerNoSnapshotForUntrackedEntity(t *testing.T) {
	t.Parallel()

	b := NewBroker(memory.New(), testLogger())
	sub, err := b.Subscribe(context.Background(), []string{EntityTopic(tsk1)}, &tsk1)
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	expectNone(t, sub)
}

type failingReader struct{}

func (failingReader) GetRecord(context.Context, entity.Key) (*status.Record, error) {
	return nil, errors.New("connection refused")
}

func TestBrokerSnapshotErrorRemovesSubscriber(t *testing.T) {
	t.Parallel()

	b := NewBroker(failingReader{}, testLogger())
	if _, err := b.Subscribe(context.Background(), []string{TopicAll}, &tsk1); err == nil {
		t.Fatal("expected snapshot error")
	}
	if stats := b.Stats(); stats.SubscriberCount != 0 || stats.TopicCount != 0 {
		t.Errorf("subscriber left behind: %+v", stats)
	}
}

func TestBrokerRejectsInvalidTopics(t *testing.T) {
	t.Parallel()

	b := NewBroker(memory.New(), testLogger())
	for _, topics := range [][]string{nil, {"invoice_updates"}, {"task:"}, {"nonsense"}} {
		if _, err := b.Subscribe(context.Background(), topics, nil); !errors.Is(err, escrow.ErrInvalidInput) {
			t.Errorf("Subscribe(%v) = %v, want ErrInvalidInput", topics, err)
		}
	}
}

func TestBrokerStaleVersionSkipped(t *testing.T) {
	t.Parallel()

	b := NewBroker(memory.New(), testLogger())
	sub, _ := b.Subscribe(context.Background(), []string{TopicAll}, nil)

	_ = b.OnStatusChanged(context.Background(), update(tsk1, "Done", 5))
	_ = b.OnStatusChanged(context.Background(), update(tsk1, "Open", 4))

	if got := receive(t, sub); got.Version != 5 {
		t.Fatalf("Version = %d, want 5", got.Version)
	}
	expectNone(t, sub)
}

func TestBrokerSlowSubscriberDroppedOthersUnaffected(t *testing.T) {
	t.Parallel()

	b := NewBroker(memory.New(), testLogger(), WithBufferSize(1))
	slow, _ := b.Subscribe(context.Background(), []string{TopicAll}, nil)

	_ = b.OnStatusChanged(context.Background(), update(tsk1, "Open", 1))

	// The slow subscriber's buffer is now full. A fresh one joins.
	fast, _ := b.Subscribe(context.Background(), []string{TopicAll}, nil)
	if n := b.Publish(NewUpdateEvent(update(tsk1, "Done", 2))); n != 1 {
		t.Errorf("delivered = %d, want 1", n)
	}

	if got := receive(t, fast); got.CurrentStatus != "Done" {
		t.Errorf("fast subscriber got %q", got.CurrentStatus)
	}
	if _, ok := b.GetSubscriber(slow.ID()); ok {
		t.Error("slow subscriber still registered")
	}
	if !slow.Closed() {
		t.Error("slow subscriber not closed")
	}
	if got := b.Stats().TotalEvicted; got != 1 {
		t.Errorf("TotalEvicted = %d, want 1", got)
	}
}

func TestBrokerClosedSubscriberRemoved(t *testing.T) {
	t.Parallel()

	b := NewBroker(memory.New(), testLogger())
	sub, _ := b.Subscribe(context.Background(), []string{TopicAll}, nil)
	sub.Close()

	if n := b.Publish(NewUpdateEvent(update(cnt1, "Draft", 1))); n != 0 {
		t.Errorf("delivered = %d, want 0", n)
	}
	if b.Stats().SubscriberCount != 0 {
		t.Error("closed subscriber not removed")
	}
}

func TestBrokerEntityDeletedResetsVersion(t *testing.T) {
	t.Parallel()

	b := NewBroker(memory.New(), testLogger())
	sub, _ := b.Subscribe(context.Background(), []string{EntityTopic(tsk1)}, nil)

	_ = b.OnStatusChanged(context.Background(), update(tsk1, "Open", 3))
	_ = b.OnEntityDeleted(context.Background(), tsk1)
	_ = b.OnStatusChanged(context.Background(), update(tsk1, "Open", 1))

	want := []EventType{EventStatusChange, EventEntityDeleted, EventStatusChange}
	for i, typ := range want {
		if got := receive(t, sub).Type; got != typ {
			t.Errorf("event[%d] = %q, want %q", i, got, typ)
		}
	}
}

func TestBrokerUnsubscribeAndRemove(t *testing.T) {
	t.Parallel()

	b := NewBroker(memory.New(), testLogger())
	sub, _ := b.Subscribe(context.Background(), []string{TopicAll, KindTopic(entity.Task)}, nil)

	b.Unsubscribe(sub.ID(), TopicAllAlias)
	if got := sub.Topics(); len(got) != 1 || got[0] != "task_updates" {
		t.Errorf("Topics = %v, want [task_updates]", got)
	}

	b.RemoveSubscriber(sub.ID())
	select {
	case _, ok := <-sub.C():
		if ok {
			t.Fatal("channel should be closed after RemoveSubscriber")
		}
	case <-time.After(100 * time.Millisecond):
		t.Fatal("channel not closed")
	}
}

func TestBrokerShutdownClosesSubscribers(t *testing.T) {
	t.Parallel()

	b := NewBroker(memory.New(), testLogger())
	s1, _ := b.Subscribe(context.Background(), []string{TopicAll}, nil)
	s2, _ := b.Subscribe(context.Background(), []string{KindTopic(entity.Document)}, nil)

	_ = b.OnShutdown(context.Background())

	if !s1.Closed() || !s2.Closed() {
		t.Error("subscribers not closed on shutdown")
	}
	if stats := b.Stats(); stats.SubscriberCount != 0 || stats.TopicCount != 0 {
		t.Errorf("stats after shutdown = %+v", stats)
	}
}

func TestSubscriberPrimeOrdersSnapshotFirst(t *testing.T) {
	t.Parallel()

	sub := newSubscriber("prime-sub", 10)

	// Events published while the snapshot is being read are held.
	if got := sub.send(NewUpdateEvent(update(tsk1, "Open", 2))); got != sendQueued {
		t.Fatalf("send before prime = %v, want queued", got)
	}
	if got := sub.send(NewUpdateEvent(update(tsk1, "Done", 3))); got != sendQueued {
		t.Fatalf("send before prime = %v, want queued", got)
	}

	if !sub.prime(NewRecordEvent(EventInitialStatus, record(tsk1, "Open", 2))) {
		t.Fatal("prime failed")
	}

	first := receive(t, sub)
	if first.Type != EventInitialStatus || first.Version != 2 {
		t.Errorf("first = %s v%d, want initial_status v2", first.Type, first.Version)
	}
	second := receive(t, sub)
	if second.Type != EventStatusChange || second.Version != 3 {
		t.Errorf("second = %s v%d, want status_change v3", second.Type, second.Version)
	}
	expectNone(t, sub)
}

func TestSubscriberPendingOverflow(t *testing.T) {
	t.Parallel()

	sub := newSubscriber("overflow-sub", 1)
	if got := sub.send(NewUpdateEvent(update(tsk1, "Open", 1))); got != sendQueued {
		t.Fatalf("first send = %v, want queued", got)
	}
	if got := sub.send(NewUpdateEvent(update(tsk1, "Done", 2))); got != sendFailed {
		t.Fatalf("second send = %v, want failed", got)
	}
}

func TestNormalizeTopic(t *testing.T) {
	t.Parallel()

	tests := []struct {
		topic string
		want  string
		valid bool
	}{
		{"status_updates", "status_updates", true},
		{"all", "status_updates", true},
		{"task_updates", "task_updates", true},
		{"Contract_updates", "contract_updates", true},
		{"signature:SIG-9", "signature:SIG-9", true},
		{"DOCUMENT:DOC-1", "document:DOC-1", true},
		{"task:FOO_updates", "task:FOO_updates", true},
		{"task_updates:X", "", false},
		{"invoice_updates", "", false},
		{"invoice:INV-1", "", false},
		{"task:", "", false},
		{"firehose", "", false},
		{"", "", false},
	}

	for _, tt := range tests {
		t.Run(tt.topic, func(t *testing.T) {
			got, err := NormalizeTopic(tt.topic)
			if tt.valid && err != nil {
				t.Fatalf("NormalizeTopic(%q) returned error: %v", tt.topic, err)
			}
			if !tt.valid && err == nil {
				t.Fatalf("NormalizeTopic(%q) should return error", tt.topic)
			}
			if got != tt.want {
				t.Errorf("NormalizeTopic(%q) = %q, want %q", tt.topic, got, tt.want)
			}
		})
	}
}

func TestBroadcastDeduplication(t *testing.T) {
	t.Parallel()

	tr := NewTopicRegistry()
	sub := NewSubscriber("dedup-sub", 10)

	tr.Subscribe(TopicAll, sub)
	tr.Subscribe(KindTopic(entity.Task), sub)

	delivered, failed := tr.Broadcast(resolveTopics(NewUpdateEvent(update(tsk1, "Open", 1))), NewUpdateEvent(update(tsk1, "Open", 1)))
	if delivered != 1 || len(failed) != 0 {
		t.Errorf("Broadcast = (%d, %d), want (1, 0)", delivered, len(failed))
	}
}

func TestTopicRegistry(t *testing.T) {
	t.Parallel()

	tr := NewTopicRegistry()
	sub1 := NewSubscriber("s1", 10)
	sub2 := NewSubscriber("s2", 10)

	tr.Subscribe("topic-a", sub1)
	tr.Subscribe("topic-a", sub2)
	tr.Subscribe("topic-b", sub1)

	if tr.TopicCount() != 2 {
		t.Errorf("TopicCount = %d, want 2", tr.TopicCount())
	}
	if tr.SubscriberCount("topic-a") != 2 {
		t.Errorf("SubscriberCount(topic-a) = %d, want 2", tr.SubscriberCount("topic-a"))
	}

	tr.Unsubscribe("topic-a", "s2")
	if tr.SubscriberCount("topic-a") != 1 {
		t.Errorf("SubscriberCount(topic-a) = %d, want 1", tr.SubscriberCount("topic-a"))
	}

	tr.UnsubscribeAll("s1")
	if tr.TopicCount() != 0 {
		t.Errorf("TopicCount after UnsubscribeAll = %d, want 0", tr.TopicCount())
	}
}

func TestResolveTopics(t *testing.T) {
	t.Parallel()

	got := resolveTopics(NewDeletedEvent(entity.Key{Kind: entity.Signature, ID: "SIG-1"}))
	want := []string{"status_updates", "signature_updates", "signature:SIG-1"}
	if len(got) != len(want) {
		t.Fatalf("resolveTopics = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("topic[%d] = %q, want %q", i, got[i], want[i])
		}
	}
}
