package receiver

import (
	"context"
	"errors"

	"github.com/emersion/go-imap/v2"
)

var (
	ErrNotConnected = errors.New("receiver: not connected")
	ErrClosed       = errors.New("receiver: session closed")
)

// Dialer opens authenticated sessions to a mail server.
type Dialer interface {
	Dial(ctx context.Context) (Session, error)
}

// Session is a live, authenticated connection to a mail server.
type Session interface {
	// Select opens a mailbox read-write.
	Select(ctx context.Context, mailbox string) error

	// Search returns the sequence numbers matching criteria, in server order.
	Search(ctx context.Context, criteria *imap.SearchCriteria) ([]uint32, error)

	// Fetch retrieves the full body of each message and calls fn once per
	// message, in server order. Messages are flagged \Seen unless markSeen
	// is false. fn must not call back into the session.
	Fetch(ctx context.Context, seqNums []uint32, markSeen bool, fn func(seqNum uint32, body []byte)) error

	// Listen asks the server to push mailbox changes (IDLE) when supported.
	Listen(ctx context.Context) error

	// Keepalive refreshes IDLE or, without IDLE, polls the server.
	Keepalive(ctx context.Context) error

	// NewMail delivers the mailbox size each time the server reports new messages.
	NewMail() <-chan uint32

	// Closed is closed when the underlying connection ends.
	Closed() <-chan struct{}

	// Err reports why the connection ended once Closed is closed. It is nil
	// for a clean close and after Logout.
	Err() error

	Connected() bool
	Logout() error
}
