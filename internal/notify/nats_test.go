package notify

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"crawlsched/internal/eventbus"
	"crawlsched/internal/events"
	logx "crawlsched/pkg/logx"
)

type recorder struct {
	mu   sync.Mutex
	msgs map[string][][]byte
	fail error
}

func (r *recorder) Publish(subject string, data []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.fail != nil {
		return r.fail
	}
	if r.msgs == nil {
		r.msgs = map[string][][]byte{}
	}
	r.msgs[subject] = append(r.msgs[subject], data)
	return nil
}

func (r *recorder) count(subject string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.msgs[subject])
}

func TestSubjectPrefix(t *testing.T) {
	t.Parallel()
	if got := NewForwarder(nil, "", logx.Nop()).Subject("crawl_post"); got != "crawlsched.tick.crawl_post" {
		t.Fatalf("default subject = %q", got)
	}
	if got := NewForwarder(nil, " ops.sched. ", logx.Nop()).Subject("delete_posts"); got != "ops.sched.tick.delete_posts" {
		t.Fatalf("subject = %q", got)
	}
}

func TestRunForwardsTickDoneOnly(t *testing.T) {
	t.Parallel()
	rec := &recorder{}
	f := NewForwarder(rec, "", logx.Nop())
	bus := eventbus.New()
	in, unsub := bus.Subscribe(8)
	defer unsub()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		f.Run(ctx, in)
	}()

	bus.Publish(eventbus.Event{Type: "timer.fired", Data: "ignored"})
	bus.Publish(eventbus.Event{Type: events.EventTickDone, Data: events.TickDone{ID: "t1", Event: "collect_urls", Outcome: "done", Runs: 2}})

	subject := "crawlsched.tick.collect_urls"
	deadline := time.Now().Add(time.Second)
	for rec.count(subject) == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	cancel()
	<-done

	if n := rec.count(subject); n != 1 {
		t.Fatalf("published %d messages, want 1", n)
	}
	var got events.TickDone
	if err := json.Unmarshal(rec.msgs[subject][0], &got); err != nil {
		t.Fatal(err)
	}
	if got.ID != "t1" || got.Runs != 2 {
		t.Fatalf("payload = %+v", got)
	}
	if len(rec.msgs) != 1 {
		t.Fatalf("unexpected subjects: %v", rec.msgs)
	}
}

func TestForwardReturnsPublishError(t *testing.T) {
	t.Parallel()
	f := NewForwarder(&recorder{fail: errors.New("no responders")}, "", logx.Nop())
	if err := f.Forward(events.TickDone{Event: "crawl_post"}); err == nil {
		t.Fatal("expected publish error")
	}
	if err := f.Close(); err != nil {
		t.Fatalf("Close without connection: %v", err)
	}
}

func TestDialRequiresURL(t *testing.T) {
	t.Parallel()
	if _, err := Dial(Config{}, logx.Nop()); err == nil {
		t.Fatal("expected error for empty url")
	}
}
