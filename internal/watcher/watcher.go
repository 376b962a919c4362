// Package watcher relays new messages of one IMAP mailbox to subscribers.
//
// A Watcher connects through a receiver.Dialer, opens its mailbox, scans it
// once and then scans again every time the server reports new mail. Each
// scan searches the mailbox, fetches the matching messages and emits one
// KindMail event per message that parses.
package watcher

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/emersion/go-imap/v2"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/tracyhatemice/mailnotify/internal/mailparse"
	"github.com/tracyhatemice/mailnotify/internal/receiver"
)

// Config controls what a Watcher scans and how.
type Config struct {
	Mailbox string               // default "INBOX"
	Search  *imap.SearchCriteria // default unseen messages
	// MarkSeen flags fetched messages \Seen. nil means true.
	MarkSeen *bool
	// SerializeScans coalesces scans requested while one is running into a
	// single follow-up scan. By default scans may overlap.
	SerializeScans bool
	// ReportParseErrors emits KindParseError for messages that fail to
	// parse. Parse failures are always logged.
	ReportParseErrors bool
	ParseWorkers      int           // default 4
	Keepalive         time.Duration // default 5m
}

func (c Config) withDefaults() Config {
	if c.Mailbox == "" {
		c.Mailbox = "INBOX"
	}
	if c.Search == nil {
		c.Search = receiver.UnseenCriteria()
	}
	if c.ParseWorkers <= 0 {
		c.ParseWorkers = 4
	}
	if c.Keepalive <= 0 {
		c.Keepalive = 5 * time.Minute
	}
	return c
}

func (c Config) markSeen() bool {
	return c.MarkSeen == nil || *c.MarkSeen
}

// Watcher owns one mailbox session.
type Watcher struct {
	cfg    Config
	dialer receiver.Dialer
	logger *slog.Logger

	mu       sync.Mutex
	session  receiver.Session
	handlers map[int]Handler
	nextID   int
	gen      uint64 // bumped by every Start
	stopped  bool
	stop     chan struct{}
	done     chan struct{}

	scanGuard   *semaphore.Weighted
	scanPending atomic.Bool
}

// New creates a Watcher. A nil logger discards diagnostics.
func New(cfg Config, dialer receiver.Dialer, logger *slog.Logger) *Watcher {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	cfg = cfg.withDefaults()
	return &Watcher{
		cfg:       cfg,
		dialer:    dialer,
		logger:    logger.With("mailbox", cfg.Mailbox),
		handlers:  make(map[int]Handler),
		scanGuard: semaphore.NewWeighted(1),
	}
}

// Subscribe registers h for all events and returns a function that
// removes it.
func (w *Watcher) Subscribe(h Handler) (unsubscribe func()) {
	w.mu.Lock()
	defer w.mu.Unlock()
	id := w.nextID
	w.nextID++
	w.handlers[id] = h
	return func() {
		w.mu.Lock()
		defer w.mu.Unlock()
		delete(w.handlers, id)
	}
}

// live reports whether events of session gen may still be delivered.
func (w *Watcher) live(gen uint64) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return !w.stopped && gen == w.gen
}

// emit delivers ev of session gen to every handler. Delivery stops as soon
// as the watcher is stopped or restarted.
func (w *Watcher) emit(gen uint64, ev Event) {
	for _, h := range w.subscribers() {
		if !w.live(gen) {
			w.logger.Debug("dropping event after stop", "event", ev.Kind)
			return
		}
		h(ev)
	}
}

func (w *Watcher) dispatch(ev Event) {
	for _, h := range w.subscribers() {
		h(ev)
	}
}

func (w *Watcher) subscribers() []Handler {
	w.mu.Lock()
	defer w.mu.Unlock()
	handlers := make([]Handler, 0, len(w.handlers))
	for _, h := range w.handlers {
		handlers = append(handlers, h)
	}
	return handlers
}

// Start connects in the background and returns w. Success is reported by
// a KindConnected event, failure by KindError followed by KindEnd. A
// running session is stopped first.
func (w *Watcher) Start(ctx context.Context) *Watcher {
	w.Stop()

	w.mu.Lock()
	w.gen++
	w.stopped = false
	w.stop = make(chan struct{})
	w.done = make(chan struct{})
	gen, stop, done := w.gen, w.stop, w.done
	w.mu.Unlock()

	go w.run(ctx, gen, stop, done)
	return w
}

// Done is closed when the session started by the last Start has ended.
// It returns nil before the first Start.
func (w *Watcher) Done() <-chan struct{} {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.done
}

// Stop ends the session. Stopping a disconnected watcher is a no-op apart
// from suppressing further events. In-flight scans are not cancelled; their
// results are dropped.
func (w *Watcher) Stop() {
	w.mu.Lock()
	sess := w.session
	w.session = nil
	if !w.stopped && w.stop != nil {
		close(w.stop)
	}
	w.stopped = true
	w.mu.Unlock()

	if sess == nil || !sess.Connected() {
		w.logger.Debug("stop: already disconnected")
		return
	}
	if err := sess.Logout(); err != nil {
		w.logger.Warn("logout failed", "error", err)
	}
	w.logger.Info("watcher stopped")
}

// current returns the session of gen, or nil once another Start replaced it.
func (w *Watcher) current(gen uint64) receiver.Session {
	w.mu.Lock()
	defer w.mu.Unlock()
	if gen != w.gen {
		return nil
	}
	return w.session
}

func (w *Watcher) generation() uint64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.gen
}

func (w *Watcher) run(ctx context.Context, gen uint64, stop, done chan struct{}) {
	defer close(done)
	defer w.dispatch(Event{Kind: KindEnd})

	sess, err := w.dialer.Dial(ctx)
	if err != nil {
		w.logger.Error("connect failed", "error", err)
		w.emit(gen, Event{Kind: KindError, Err: fmt.Errorf("connect: %w", err)})
		return
	}

	w.mu.Lock()
	select {
	case <-stop:
		w.mu.Unlock()
		if err := sess.Logout(); err != nil {
			w.logger.Warn("logout failed", "error", err)
		}
		return
	default:
	}
	w.session = sess
	w.mu.Unlock()

	w.emit(gen, Event{Kind: KindConnected})

	listening := false
	if err := sess.Select(ctx, w.cfg.Mailbox); err != nil {
		w.logger.Error("unable to open mailbox", "error", err)
		w.emit(gen, Event{Kind: KindError, Err: fmt.Errorf("open mailbox %s: %w", w.cfg.Mailbox, err)})
	} else {
		w.scanGen(ctx, gen)
		if err := sess.Listen(ctx); err != nil {
			w.logger.Warn("idle unavailable, relying on keepalive polling", "error", err)
		}
		listening = true
	}

	ticker := time.NewTicker(w.cfg.Keepalive)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ctx.Done():
			if w.generation() == gen {
				w.Stop()
			}
			return
		case <-sess.Closed():
			if err := sess.Err(); err != nil {
				w.logger.Error("connection lost", "error", err)
				w.emit(gen, Event{Kind: KindError, Err: fmt.Errorf("connection: %w", err)})
			} else {
				w.logger.Info("connection closed")
			}
			w.mu.Lock()
			if w.session == sess {
				w.session = nil
			}
			w.mu.Unlock()
			return
		case n := <-sess.NewMail():
			if !listening {
				continue
			}
			w.logger.Debug("mail event", "messages", n)
			go w.scanGen(ctx, gen)
		case <-ticker.C:
			if err := sess.Keepalive(ctx); err != nil {
				w.logger.Warn("keepalive failed", "error", err)
				w.emit(gen, Event{Kind: KindError, Err: fmt.Errorf("keepalive: %w", err)})
			}
		}
	}
}

// Scan searches the mailbox with the configured filter, fetches the
// matches and emits one KindMail event per parsed message. Search and
// fetch failures are emitted as KindError. Scan returns once every fetched
// message has been parsed.
func (w *Watcher) Scan(ctx context.Context) {
	w.scanGen(ctx, w.generation())
}

func (w *Watcher) scanGen(ctx context.Context, gen uint64) {
	if !w.cfg.SerializeScans {
		w.scan(ctx, gen)
		return
	}

	// A request that finds a scan in flight leaves scanPending set; the
	// running scan picks it up after releasing the guard.
	w.scanPending.Store(true)
	for w.scanPending.Load() {
		if !w.scanGuard.TryAcquire(1) {
			w.logger.Debug("scan in flight, coalescing")
			return
		}
		w.scanPending.Store(false)
		w.scan(ctx, gen)
		w.scanGuard.Release(1)
	}
}

func (w *Watcher) scan(ctx context.Context, gen uint64) {
	sess := w.current(gen)
	if sess == nil {
		w.emit(gen, Event{Kind: KindError, Err: receiver.ErrNotConnected})
		return
	}

	w.logger.Debug("scanning", "filter", fmt.Sprintf("%+v", *w.cfg.Search))
	seqNums, err := sess.Search(ctx, w.cfg.Search)
	if err != nil {
		w.logger.Error("search failed", "error", err)
		w.emit(gen, Event{Kind: KindError, Err: fmt.Errorf("search %s: %w", w.cfg.Mailbox, err)})
		return
	}
	if len(seqNums) == 0 {
		w.logger.Debug("no new mail")
		return
	}
	w.logger.Info("found new messages", "count", len(seqNums))

	// Bodies are parsed once the fetch has returned, so handlers run
	// without the session busy and may call Stop.
	var fetched []fetchedMessage
	err = sess.Fetch(ctx, seqNums, w.cfg.markSeen(), func(seqNum uint32, body []byte) {
		fetched = append(fetched, fetchedMessage{seqNum: seqNum, body: body})
	})
	if err != nil {
		w.logger.Error("fetch failed", "error", err)
		w.emit(gen, Event{Kind: KindError, Err: fmt.Errorf("fetch %s: %w", w.cfg.Mailbox, err)})
	}

	g := new(errgroup.Group)
	g.SetLimit(w.cfg.ParseWorkers)
	for _, m := range fetched {
		g.Go(func() error {
			w.parse(gen, m.seqNum, m.body)
			return nil // one bad message must not fail the batch
		})
	}
	_ = g.Wait()
	w.logger.Debug("done fetching all messages")
}

type fetchedMessage struct {
	seqNum uint32
	body   []byte
}

func (w *Watcher) parse(gen uint64, seqNum uint32, body []byte) {
	msg, err := mailparse.Parse(bytes.NewReader(body))
	if err != nil {
		w.logger.Warn("parse message failed", "seq", seqNum, "error", err)
		if w.cfg.ReportParseErrors {
			w.emit(gen, Event{Kind: KindParseError, SeqNum: seqNum, Err: err})
		}
		return
	}
	w.emit(gen, Event{Kind: KindMail, Message: msg})
}
