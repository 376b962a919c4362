package forwarder

import (
	"context"
	"crypto/sha256"
	"fmt"
	"log/slog"
	"time"

	"github.com/tracyhatemice/mailnotify/internal/config"
	"github.com/tracyhatemice/mailnotify/internal/mailparse"
	"github.com/tracyhatemice/mailnotify/internal/watcher"
)

const stopTimeout = 30 * time.Second

// Relay sends a raw message to an address.
type Relay interface {
	Forward(rawEmail []byte, to string, originalID string) error
}

// Tracker remembers relayed Message-IDs.
type Tracker interface {
	Seen(id string) bool
	MarkSeen(id string) error
}

// Forwarder consumes the events of one account's watcher: every mail is
// logged and, when the account has forward_to, relayed once.
type Forwarder struct {
	account config.Account
	relay   Relay
	tracker Tracker
	logger  *slog.Logger
}

// New creates a Forwarder for the given account. relay and tracker may be
// nil when the account does not forward. A nil logger discards diagnostics.
func New(
	acct config.Account,
	relay Relay,
	tracker Tracker,
	logger *slog.Logger,
) *Forwarder {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Forwarder{
		account: acct,
		relay:   relay,
		tracker: tracker,
		logger:  logger.With("account", acct.GetName()),
	}
}

// Run starts w, handles its events until ctx is cancelled or the session
// ends, then stops it.
func (f *Forwarder) Run(ctx context.Context, w *watcher.Watcher) {
	f.logger.Info("starting watcher",
		"host", f.account.Host,
		"mailbox", f.account.GetBox(),
		"forward_to", f.account.ForwardTo,
	)

	unsubscribe := w.Subscribe(f.Handle)
	defer unsubscribe()

	done := w.Start(ctx).Done()
	select {
	case <-ctx.Done():
		w.Stop()
		select {
		case <-done:
		case <-time.After(stopTimeout):
			f.logger.Warn("watcher did not stop in time")
		}
	case <-done:
	}
	f.logger.Info("watcher finished")
}

// Handle processes a single watcher event.
func (f *Forwarder) Handle(ev watcher.Event) {
	switch ev.Kind {
	case watcher.KindConnected:
		f.logger.Info("connected")
	case watcher.KindMail:
		f.handleMail(ev.Message)
	case watcher.KindError:
		f.logger.Error("watcher error", "error", ev.Err)
	case watcher.KindParseError:
		f.logger.Warn("unparseable message", "seq", ev.SeqNum, "error", ev.Err)
	case watcher.KindEnd:
		f.logger.Info("session ended")
	}
}

func (f *Forwarder) handleMail(msg *mailparse.Message) {
	id := msg.MessageID
	if id == "" {
		sum := sha256.Sum256(msg.Raw)
		id = fmt.Sprintf("sha256-%x", sum[:12])
	}

	f.logger.Info("new mail",
		"msg_id", id,
		"from", msg.FromAddress(),
		"subject", msg.Subject,
		"attachments", len(msg.Attachments),
	)

	if f.account.ForwardTo == "" || f.relay == nil {
		return
	}

	if f.tracker != nil && f.tracker.Seen(id) {
		f.logger.Debug("already forwarded", "msg_id", id)
		return
	}

	if err := f.relay.Forward(msg.Raw, f.account.ForwardTo, id); err != nil {
		f.logger.Error("forward failed", "msg_id", id, "error", err)
		return
	}

	if f.tracker != nil {
		if err := f.tracker.MarkSeen(id); err != nil {
			f.logger.Error("mark seen failed", "msg_id", id, "error", err)
			return
		}
	}

	f.logger.Info("forwarded", "msg_id", id, "to", f.account.ForwardTo)
}
