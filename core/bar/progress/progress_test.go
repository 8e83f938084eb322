package progress

import (
	"context"
	"errors"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"

	"github.com/cordum/barkit/core/infra/config"
)

func TestTrackerPercentIsMonotonic(t *testing.T) {
	tr := NewTracker("box1", "id1", "arc1", 7)
	last := tr.Percent()
	for _, d := range []int64{1, 0, -3, 2, 1, 10} {
		tr.AddProcessed(d)
		p := tr.Percent()
		if p < last {
			t.Fatalf("percent went backwards: %d -> %d", last, p)
		}
		last = p
	}
	if last != 100 {
		t.Fatalf("expected clamp at 100, got %d", last)
	}
	if got := tr.Snapshot().Progress; got != "100%" {
		t.Fatalf("unexpected progress string %q", got)
	}
}

func TestTrackerZeroTotal(t *testing.T) {
	tr := NewTracker("b", "i", "a", 0)
	if tr.Percent() != 100 {
		t.Fatalf("expected 100 for empty install, got %d", tr.Percent())
	}
}

func TestTrackerPublishBuckets(t *testing.T) {
	tr := NewTracker("b", "i", "a", 100)
	if !tr.ShouldPublish() {
		t.Fatalf("expected initial publish")
	}
	tr.MarkPublished()
	tr.AddProcessed(9)
	if tr.ShouldPublish() {
		t.Fatalf("9%% should not publish")
	}
	tr.AddProcessed(1)
	if !tr.ShouldPublish() {
		t.Fatalf("10%% should publish")
	}
	tr.MarkPublished()
	tr.AddProcessed(35)
	if !tr.ShouldPublish() {
		t.Fatalf("45%% should publish")
	}
}

func TestTrackerSnapshotIsCopy(t *testing.T) {
	tr := NewTracker("b", "i", "a", 1)
	tr.SetEndTime(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC))
	tr.SetMessage(CodeCompleted, "")
	snap := tr.Snapshot()
	*snap.EndedAt = time.Time{}
	if tr.Snapshot().EndedAt.IsZero() {
		t.Fatalf("snapshot should not alias tracker state")
	}
	if snap.Message.Message.Value != DefaultMessage(CodeCompleted) || snap.Process != ProcessInstall {
		t.Fatalf("unexpected snapshot %+v", snap)
	}
}

func TestMemoryCacheExpiry(t *testing.T) {
	c := NewMemoryCache(time.Minute)
	now := time.Now()
	c.now = func() time.Time { return now }
	ctx := context.Background()
	if err := c.Put(ctx, Key("b"), State{BoxName: "b"}); err != nil {
		t.Fatalf("put: %v", err)
	}
	if st, ok, _ := c.Get(ctx, "box-b"); !ok || st.BoxName != "b" {
		t.Fatalf("expected cached state")
	}
	now = now.Add(2 * time.Minute)
	if _, ok, _ := c.Get(ctx, "box-b"); ok {
		t.Fatalf("expected expired entry")
	}
}

func TestRedisCacheRoundTrip(t *testing.T) {
	mr := miniredis.RunT(t)
	c, err := NewRedisCache("redis://"+mr.Addr(), config.TLS{}, time.Hour)
	if err != nil {
		t.Fatalf("new cache: %v", err)
	}
	defer c.Close()
	ctx := context.Background()

	tr := NewTracker("b", "i", "a", 4)
	tr.AddProcessed(1)
	tr.SetStatus(StatusFailed)
	if err := c.Put(ctx, Key("b"), tr.Snapshot()); err != nil {
		t.Fatalf("put: %v", err)
	}
	if ttl := mr.TTL(redisKeyPrefix + "box-b"); ttl != time.Hour {
		t.Fatalf("expected ttl, got %v", ttl)
	}
	st, ok, err := c.Get(ctx, Key("b"))
	if err != nil || !ok {
		t.Fatalf("get: ok=%v err=%v", ok, err)
	}
	if st.Percent != 25 || st.Status != StatusFailed || st.Progress != "25%" {
		t.Fatalf("unexpected state %+v", st)
	}
	if _, ok, err := c.Get(ctx, Key("missing")); ok || err != nil {
		t.Fatalf("expected miss, ok=%v err=%v", ok, err)
	}
}

func TestRedisCacheTTLFromEnv(t *testing.T) {
	t.Setenv(envProgressTTL, "90s")
	mr := miniredis.RunT(t)
	c, err := NewRedisCache("redis://"+mr.Addr(), config.TLS{}, 0)
	if err != nil {
		t.Fatalf("new cache: %v", err)
	}
	defer c.Close()
	if c.ttl != 90*time.Second {
		t.Fatalf("expected env ttl, got %v", c.ttl)
	}
}

type failingCache struct{}

func (failingCache) Put(context.Context, string, State) error { return errors.New("down") }
func (failingCache) Get(context.Context, string) (State, bool, error) {
	return State{}, false, nil
}

func TestReporterPublishesOnBuckets(t *testing.T) {
	cache := NewMemoryCache(0)
	tr := NewTracker("b", "i", "a", 20)
	r := NewReporter(tr, cache, "b")
	ctx := context.Background()

	if !r.Publish(ctx, false) {
		t.Fatalf("expected first publish")
	}
	tr.AddProcessed(1)
	if r.Publish(ctx, false) {
		t.Fatalf("5%% should not publish")
	}
	if st, _, _ := cache.Get(ctx, Key("b")); st.Percent != 0 {
		t.Fatalf("cache should hold the 0%% snapshot, got %d", st.Percent)
	}
	if !r.Publish(ctx, true) {
		t.Fatalf("forced publish should write")
	}
	if st, _, _ := cache.Get(ctx, Key("b")); st.Percent != 5 {
		t.Fatalf("expected forced snapshot, got %d", st.Percent)
	}

	failing := NewReporter(NewTracker("c", "i", "a", 1), failingCache{}, "c")
	if failing.Publish(ctx, true) {
		t.Fatalf("expected failed publish to report false")
	}
}

func TestMultiSink(t *testing.T) {
	a, b := &MemorySink{}, &MemorySink{}
	sink := MultiSink{a, nil, b, NopSink{}}
	if err := sink.Emit(context.Background(), Event{Type: CodeStart}); err != nil {
		t.Fatalf("emit: %v", err)
	}
	if len(a.Types()) != 1 || b.Events()[0].Type != CodeStart {
		t.Fatalf("expected fan-out")
	}
}

type recordingPublisher struct {
	subjects []string
	ids      []string
	fail     bool
}

func (p *recordingPublisher) Publish(subject, msgID string, v any) error {
	if p.fail {
		return errors.New("bus down")
	}
	if _, ok := v.(Event); !ok {
		return errors.New("unexpected payload")
	}
	p.subjects = append(p.subjects, subject)
	p.ids = append(p.ids, msgID)
	return nil
}

func TestBusSink(t *testing.T) {
	pub := &recordingPublisher{}
	sink := BusSink{Publisher: pub, Subject: "barkit.events.install"}
	at := time.Unix(10, 0)
	if err := sink.Emit(context.Background(), Event{Type: CodeEntry, Object: "bar/x", ArchiveID: "a1", Time: at}); err != nil {
		t.Fatalf("emit: %v", err)
	}
	if pub.subjects[0] != "barkit.events.install" || pub.ids[0] != "a1:PL-BI-1003:bar/x:10000000000" {
		t.Fatalf("unexpected publish %v %v", pub.subjects, pub.ids)
	}
	pub.fail = true
	if err := sink.Emit(context.Background(), Event{Type: CodeEntry}); err == nil {
		t.Fatalf("expected publish error")
	}
	if err := (BusSink{}).Emit(context.Background(), Event{}); err != nil {
		t.Fatalf("nil publisher should be a no-op: %v", err)
	}
}
