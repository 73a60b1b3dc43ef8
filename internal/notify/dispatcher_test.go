package notify

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/slack-go/slack"

	"github.com/ent0n29/tracerail/internal/reliability"
)

type recordingSender struct {
	mu    sync.Mutex
	sent  []Notification
	fails int
	err   error
}

func (s *recordingSender) Send(_ context.Context, n Notification) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fails > 0 {
		s.fails--
		return s.err
	}
	s.sent = append(s.sent, n)
	return nil
}

func (s *recordingSender) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sent)
}

func fastConfig() DispatcherConfig {
	return DispatcherConfig{
		QueueSize:   8,
		MaxAttempts: 3,
		Backoff:     reliability.Backoff{Base: time.Millisecond, Max: 2 * time.Millisecond},
	}
}

func closeDispatcher(t *testing.T, d *Dispatcher) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := d.Close(ctx); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
}

func TestDispatcherDeliversAndDedups(t *testing.T) {
	sender := &recordingSender{}
	d := NewDispatcher(fastConfig(), map[string]Sender{ChannelLog: sender})

	n := Notification{Channel: "LOG", Recipient: "manager", Subject: "escalated", DedupKey: "t1:1:log:manager"}
	if !d.Enqueue(n) {
		t.Fatalf("Enqueue() = false, want true")
	}
	closeDispatcher(t, d)

	if sender.count() != 1 {
		t.Fatalf("sent = %d, want 1", sender.count())
	}
	if !d.Delivered("t1:1:log:manager") {
		t.Fatalf("Delivered() = false")
	}
	if d.Enqueue(n) {
		t.Fatalf("Enqueue() after close = true")
	}
}

func TestDispatcherSkipsDeliveredKey(t *testing.T) {
	sender := &recordingSender{}
	d := NewDispatcher(fastConfig(), map[string]Sender{ChannelLog: sender})
	defer closeDispatcher(t, d)

	n := Notification{Channel: ChannelLog, Recipient: "a", DedupKey: "k"}
	d.Enqueue(n)
	deadline := time.Now().Add(2 * time.Second)
	for !d.Delivered("k") {
		if time.Now().After(deadline) {
			t.Fatalf("notification never delivered")
		}
		time.Sleep(time.Millisecond)
	}
	if d.Enqueue(n) {
		t.Fatalf("Enqueue(delivered key) = true, want false")
	}
}

func TestDispatcherRetriesTransientFailures(t *testing.T) {
	sender := &recordingSender{fails: 2, err: errors.New("connection reset")}
	d := NewDispatcher(fastConfig(), map[string]Sender{ChannelLog: sender})
	d.Enqueue(Notification{Channel: ChannelLog, Recipient: "a", DedupKey: "k"})
	closeDispatcher(t, d)

	if sender.count() != 1 {
		t.Fatalf("sent = %d, want 1 after two transient failures", sender.count())
	}
}

func TestDispatcherGivesUpAfterMaxAttempts(t *testing.T) {
	sender := &recordingSender{fails: 5, err: errors.New("timeout")}
	d := NewDispatcher(fastConfig(), map[string]Sender{ChannelLog: sender})
	d.Enqueue(Notification{Channel: ChannelLog, Recipient: "a", DedupKey: "k"})
	closeDispatcher(t, d)

	if sender.count() != 0 || d.Delivered("k") {
		t.Fatalf("delivered despite exhausted retries")
	}
	sender.mu.Lock()
	remaining := sender.fails
	sender.mu.Unlock()
	if remaining != 2 {
		t.Fatalf("remaining failures = %d, want 2 (three attempts)", remaining)
	}
}

func TestDispatcherPermanentFailureNotRetried(t *testing.T) {
	sender := &recordingSender{fails: 2, err: Permanent(errors.New("channel_not_found"))}
	d := NewDispatcher(fastConfig(), map[string]Sender{ChannelLog: sender})
	d.Enqueue(Notification{Channel: ChannelLog, Recipient: "a", DedupKey: "k"})
	closeDispatcher(t, d)

	sender.mu.Lock()
	remaining := sender.fails
	sender.mu.Unlock()
	if remaining != 1 {
		t.Fatalf("remaining failures = %d, want 1 (single attempt)", remaining)
	}
}

func TestDispatcherUnknownChannel(t *testing.T) {
	d := NewDispatcher(fastConfig(), map[string]Sender{ChannelLog: &recordingSender{}})
	if !d.Enqueue(Notification{Channel: "pager", Recipient: "a", DedupKey: "k"}) {
		t.Fatalf("Enqueue() = false")
	}
	closeDispatcher(t, d)
	if d.Delivered("k") {
		t.Fatalf("unknown channel marked delivered")
	}
}

func TestDispatcherDropsWhenQueueFull(t *testing.T) {
	release := make(chan struct{})
	blocking := SenderFunc(func(ctx context.Context, _ Notification) error {
		select {
		case <-release:
		case <-ctx.Done():
		}
		return nil
	})
	cfg := fastConfig()
	cfg.QueueSize = 1
	d := NewDispatcher(cfg, map[string]Sender{ChannelLog: blocking})

	accepted := 0
	for i := 0; i < 5; i++ {
		if d.Enqueue(Notification{Channel: ChannelLog, Recipient: "a", DedupKey: string(rune('a' + i))}) {
			accepted++
		}
	}
	close(release)
	closeDispatcher(t, d)
	// One in flight plus one queued at most.
	if accepted > 2 || accepted == 0 {
		t.Fatalf("accepted = %d, want 1 or 2 with queue size 1", accepted)
	}
}

func TestTransientDispatchErrorUnwraps(t *testing.T) {
	base := errors.New("boom")
	err := &TransientDispatchError{Channel: "slack", Recipient: "C1", Attempt: 2, Err: base}
	if !errors.Is(err, base) {
		t.Fatalf("errors.Is(TransientDispatchError, base) = false")
	}
	if !strings.Contains(err.Error(), "attempt 2") {
		t.Fatalf("Error() = %q", err.Error())
	}
}

func newSlackServer(t *testing.T, reply map[string]any) (*httptest.Server, *[]string) {
	t.Helper()
	var (
		mu       sync.Mutex
		channels []string
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.TrimPrefix(r.URL.Path, "/api/") != "chat.postMessage" {
			http.NotFound(w, r)
			return
		}
		_ = r.ParseForm()
		mu.Lock()
		channels = append(channels, r.FormValue("channel")+"|"+r.FormValue("text"))
		mu.Unlock()
		_ = json.NewEncoder(w).Encode(reply)
	}))
	t.Cleanup(srv.Close)
	return srv, &channels
}

func TestSlackSenderPostsMessage(t *testing.T) {
	srv, calls := newSlackServer(t, map[string]any{"ok": true, "channel": "C123", "ts": "1.2"})
	s, err := NewSlackSender("xoxb-test", slack.OptionAPIURL(srv.URL+"/api/"))
	if err != nil {
		t.Fatalf("NewSlackSender() error = %v", err)
	}
	err = s.Send(context.Background(), Notification{Channel: ChannelSlack, Recipient: "C123", Subject: "Task escalated", Body: "review refund"})
	if err != nil {
		t.Fatalf("Send() error = %v", err)
	}
	if len(*calls) != 1 {
		t.Fatalf("calls = %d, want 1", len(*calls))
	}
	if got := (*calls)[0]; !strings.HasPrefix(got, "C123|*Task escalated*") {
		t.Fatalf("posted = %q", got)
	}
}

func TestSlackSenderRedactsPersonalData(t *testing.T) {
	srv, calls := newSlackServer(t, map[string]any{"ok": true, "channel": "C123", "ts": "1.3"})
	s, _ := NewSlackSender("xoxb-test", slack.OptionAPIURL(srv.URL+"/api/"))
	err := s.Send(context.Background(), Notification{Recipient: "C123", Body: "customer jane@example.com asked for a refund"})
	if err != nil {
		t.Fatalf("Send() error = %v", err)
	}
	if got := (*calls)[0]; strings.Contains(got, "jane@example.com") || !strings.Contains(got, "[REDACTED_EMAIL]") {
		t.Fatalf("posted = %q, want redacted email", got)
	}
}

func TestSlackSenderPermanentAPIError(t *testing.T) {
	srv, _ := newSlackServer(t, map[string]any{"ok": false, "error": "channel_not_found"})
	s, _ := NewSlackSender("xoxb-test", slack.OptionAPIURL(srv.URL+"/api/"))
	err := s.Send(context.Background(), Notification{Recipient: "C404", Body: "x"})
	if err == nil || !IsPermanent(err) {
		t.Fatalf("Send() error = %v, want permanent", err)
	}
}

func TestSlackSenderRequiresToken(t *testing.T) {
	if _, err := NewSlackSender(" "); err == nil {
		t.Fatalf("NewSlackSender(\"\") error = nil")
	}
}
