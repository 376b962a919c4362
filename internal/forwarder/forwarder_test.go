package forwarder

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tracyhatemice/mailnotify/internal/config"
	"github.com/tracyhatemice/mailnotify/internal/mailparse"
	"github.com/tracyhatemice/mailnotify/internal/receiver"
	"github.com/tracyhatemice/mailnotify/internal/watcher"
)

type sent struct {
	raw string
	to  string
	id  string
}

type fakeRelay struct {
	mu   sync.Mutex
	sent []sent
	err  error
}

func (r *fakeRelay) Forward(raw []byte, to, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return r.err
	}
	r.sent = append(r.sent, sent{raw: string(raw), to: to, id: id})
	return nil
}

type memTracker map[string]bool

func (m memTracker) Seen(id string) bool { return m[id] }
func (m memTracker) MarkSeen(id string) error {
	m[id] = true
	return nil
}

func parsed(t *testing.T, raw string) *mailparse.Message {
	t.Helper()
	msg, err := mailparse.Parse(strings.NewReader(raw))
	require.NoError(t, err)
	return msg
}

func testLogger() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}

func TestHandleMailForwardsOnce(t *testing.T) {
	relay := &fakeRelay{}
	tracker := memTracker{}
	f := New(config.Account{Name: "work", ForwardTo: "me@example.com"}, relay, tracker, testLogger())

	raw := "Message-ID: <m1@example.com>\r\nFrom: ops@example.com\r\nSubject: alert\r\n\r\nbody"
	ev := watcher.Event{Kind: watcher.KindMail, Message: parsed(t, raw)}
	f.Handle(ev)
	f.Handle(ev)

	require.Len(t, relay.sent, 1)
	assert.Equal(t, sent{raw: raw, to: "me@example.com", id: "m1@example.com"}, relay.sent[0])
	assert.True(t, tracker["m1@example.com"])
}

func TestHandleMailWithoutForwardTo(t *testing.T) {
	relay := &fakeRelay{}
	f := New(config.Account{Name: "work"}, relay, memTracker{}, testLogger())

	f.Handle(watcher.Event{Kind: watcher.KindMail, Message: parsed(t, "Subject: x\r\n\r\nbody")})
	assert.Empty(t, relay.sent)
}

func TestHandleMailRelayFailureIsRetried(t *testing.T) {
	relay := &fakeRelay{err: errors.New("smtp dial: refused")}
	tracker := memTracker{}
	f := New(config.Account{ForwardTo: "me@example.com"}, relay, tracker, testLogger())

	msg := parsed(t, "Subject: no id\r\n\r\nbody")
	f.Handle(watcher.Event{Kind: watcher.KindMail, Message: msg})
	assert.Empty(t, tracker)

	relay.err = nil
	f.Handle(watcher.Event{Kind: watcher.KindMail, Message: msg})
	require.Len(t, relay.sent, 1)
	assert.True(t, strings.HasPrefix(relay.sent[0].id, "sha256-"))
	assert.Len(t, tracker, 1)
}

func TestNewWithoutLogger(t *testing.T) {
	relay := &fakeRelay{}
	f := New(config.Account{ForwardTo: "me@example.com"}, relay, memTracker{}, nil)

	require.NotPanics(t, func() {
		f.Handle(watcher.Event{Kind: watcher.KindError, Err: errors.New("imap search: BAD")})
		f.Handle(watcher.Event{Kind: watcher.KindMail, Message: parsed(t, "Subject: x\r\n\r\nbody")})
	})
	assert.Len(t, relay.sent, 1)
}

type dialFunc func(context.Context) (receiver.Session, error)

func (f dialFunc) Dial(ctx context.Context) (receiver.Session, error) { return f(ctx) }

func TestRunReturnsWhenSessionEnds(t *testing.T) {
	dialer := dialFunc(func(context.Context) (receiver.Session, error) {
		return nil, errors.New("imap connect: refused")
	})
	w := watcher.New(watcher.Config{}, dialer, testLogger())
	f := New(config.Account{Name: "work"}, nil, nil, testLogger())

	finished := make(chan struct{})
	go func() {
		f.Run(context.Background(), w)
		close(finished)
	}()

	select {
	case <-finished:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return")
	}
}
