package watcher

import (
	"fmt"

	"github.com/tracyhatemice/mailnotify/internal/mailparse"
)

// Kind identifies an event emitted by a Watcher.
type Kind int

const (
	// KindConnected fires once the session is authenticated, before the
	// mailbox is opened.
	KindConnected Kind = iota + 1
	// KindMail carries one parsed message.
	KindMail
	// KindError reports a connection, mailbox, search or fetch failure.
	KindError
	// KindEnd is the last event of a session.
	KindEnd
	// KindParseError reports a message that could not be parsed. Only
	// emitted when Config.ReportParseErrors is set.
	KindParseError
)

func (k Kind) String() string {
	switch k {
	case KindConnected:
		return "connected"
	case KindMail:
		return "mail"
	case KindError:
		return "error"
	case KindEnd:
		return "end"
	case KindParseError:
		return "parse_error"
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// Event is a notification from a Watcher. Message is set for KindMail,
// Err for KindError and KindParseError, SeqNum for KindParseError.
type Event struct {
	Kind    Kind
	Message *mailparse.Message
	Err     error
	SeqNum  uint32
}

// Handler receives events. Handlers may be called concurrently.
type Handler func(Event)
