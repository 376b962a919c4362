package receiver

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/emersion/go-imap/v2"
	"github.com/emersion/go-imap/v2/imapclient"
	"github.com/emersion/go-sasl"
)

const dialTimeout = 30 * time.Second

// IMAPOptions holds the connection parameters of an IMAP account.
type IMAPOptions struct {
	Host               string
	Port               int
	Username           string
	Password           string
	Security           string // "tls", "starttls" or "none"
	InsecureSkipVerify bool
	Auth               string // "login" or "plain"
	Debug              io.Writer
}

// IMAPDialer connects to IMAP/IMAPS servers.
type IMAPDialer struct {
	opts   IMAPOptions
	logger *slog.Logger
}

// NewIMAP creates a new IMAP dialer.
func NewIMAP(opts IMAPOptions, logger *slog.Logger) *IMAPDialer {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &IMAPDialer{
		opts:   opts,
		logger: logger,
	}
}

// Dial connects, authenticates and returns a ready session.
func (d *IMAPDialer) Dial(ctx context.Context) (Session, error) {
	addr := net.JoinHostPort(d.opts.Host, strconv.Itoa(d.opts.Port))

	s := &imapSession{
		newMail: make(chan uint32, 1),
		logger:  d.logger,
	}

	options := &imapclient.Options{
		TLSConfig: &tls.Config{
			ServerName:         d.opts.Host,
			InsecureSkipVerify: d.opts.InsecureSkipVerify,
		},
		DebugWriter: d.opts.Debug,
		UnilateralDataHandler: &imapclient.UnilateralDataHandler{
			Mailbox: s.onMailbox,
			Expunge: func(seqNum uint32) {
				d.logger.Debug("message expunged", "seq", seqNum)
			},
		},
	}

	dialer := &net.Dialer{Timeout: dialTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("imap connect %s: %w", addr, err)
	}

	var client *imapclient.Client
	switch d.opts.Security {
	case "starttls":
		client, err = imapclient.NewStartTLS(conn, options)
		if err != nil {
			conn.Close()
			return nil, fmt.Errorf("imap starttls %s: %w", addr, err)
		}
	case "none":
		client = imapclient.New(conn, options)
	default:
		tlsConn := tls.Client(conn, options.TLSConfig)
		if err := tlsConn.HandshakeContext(ctx); err != nil {
			conn.Close()
			return nil, fmt.Errorf("imap tls handshake %s: %w", addr, err)
		}
		client = imapclient.New(tlsConn, options)
	}

	if d.opts.Auth == "plain" {
		err = client.Authenticate(sasl.NewPlainClient("", d.opts.Username, d.opts.Password))
	} else {
		err = client.Login(d.opts.Username, d.opts.Password).Wait()
	}
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("imap login %s: %w", d.opts.Username, err)
	}

	s.client = client
	d.logger.Info("imap session ready", "addr", addr, "user", d.opts.Username)
	return s, nil
}

// imapSession serialises commands on one imapclient.Client. IDLE is
// suspended around every command and resumed afterwards while listening.
type imapSession struct {
	client  *imapclient.Client
	newMail chan uint32
	logger  *slog.Logger

	mu        sync.Mutex
	idle      *imapclient.IdleCommand
	listening bool
	closed    bool

	loggedOut atomic.Bool
	closeOnce sync.Once
	closeErr  error
}

func (s *imapSession) onMailbox(data *imapclient.UnilateralDataMailbox) {
	if data.NumMessages == nil {
		return
	}
	select {
	case s.newMail <- *data.NumMessages:
	default:
	}
}

func (s *imapSession) do(ctx context.Context, fn func() error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || s.broken() {
		return ErrClosed
	}

	if err := s.stopIdle(); err != nil {
		s.logger.Warn("stop idle failed", "error", err)
	}
	err := fn()
	if s.listening {
		if ierr := s.startIdle(); ierr != nil {
			s.logger.Warn("resume idle failed", "error", ierr)
		}
	}
	return err
}

func (s *imapSession) startIdle() error {
	if s.idle != nil {
		return nil
	}
	cmd, err := s.client.Idle()
	if err != nil {
		return fmt.Errorf("imap idle: %w", err)
	}
	s.idle = cmd
	return nil
}

func (s *imapSession) stopIdle() error {
	if s.idle == nil {
		return nil
	}
	cmd := s.idle
	s.idle = nil
	if err := cmd.Close(); err != nil {
		return fmt.Errorf("imap idle done: %w", err)
	}
	if err := cmd.Wait(); err != nil {
		return fmt.Errorf("imap idle: %w", err)
	}
	return nil
}

func (s *imapSession) Select(ctx context.Context, mailbox string) error {
	return s.do(ctx, func() error {
		data, err := s.client.Select(mailbox, nil).Wait()
		if err != nil {
			return fmt.Errorf("imap select %s: %w", mailbox, err)
		}
		s.logger.Debug("mailbox selected", "mailbox", mailbox, "messages", data.NumMessages, "uid_validity", data.UIDValidity)
		return nil
	})
}

func (s *imapSession) Search(ctx context.Context, criteria *imap.SearchCriteria) ([]uint32, error) {
	var seqNums []uint32
	err := s.do(ctx, func() error {
		data, err := s.client.Search(criteria, nil).Wait()
		if err != nil {
			return fmt.Errorf("imap search: %w", err)
		}
		seqNums = data.AllSeqNums()
		return nil
	})
	return seqNums, err
}

func (s *imapSession) Fetch(ctx context.Context, seqNums []uint32, markSeen bool, fn func(uint32, []byte)) error {
	if len(seqNums) == 0 {
		return nil
	}
	return s.do(ctx, func() error {
		// BODY[] sets \Seen on the server, BODY.PEEK[] leaves flags untouched.
		fetchOptions := &imap.FetchOptions{
			BodySection: []*imap.FetchItemBodySection{
				{Peek: !markSeen},
			},
		}

		fetchCmd := s.client.Fetch(imap.SeqSetNum(seqNums...), fetchOptions)
		for {
			msg := fetchCmd.Next()
			if msg == nil {
				break
			}

			var body []byte
			for {
				item := msg.Next()
				if item == nil {
					break
				}
				section, ok := item.(imapclient.FetchItemDataBodySection)
				if !ok || section.Literal == nil {
					continue
				}
				b, err := io.ReadAll(section.Literal)
				if err != nil {
					s.logger.Warn("read message body failed", "seq", msg.SeqNum, "error", err)
					continue
				}
				body = b
			}

			if body == nil {
				s.logger.Warn("empty body, skipping", "seq", msg.SeqNum)
				continue
			}
			fn(msg.SeqNum, body)
		}

		if err := fetchCmd.Close(); err != nil {
			return fmt.Errorf("imap fetch: %w", err)
		}
		return nil
	})
}

func (s *imapSession) Listen(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || s.broken() {
		return ErrClosed
	}

	if !s.client.Caps().Has(imap.CapIdle) {
		s.logger.Info("server does not support IDLE, polling with NOOP")
		return nil
	}
	s.listening = true
	return s.startIdle()
}

func (s *imapSession) Keepalive(ctx context.Context) error {
	return s.do(ctx, func() error {
		if err := s.client.Noop().Wait(); err != nil {
			return fmt.Errorf("imap noop: %w", err)
		}
		return nil
	})
}

func (s *imapSession) NewMail() <-chan uint32 {
	return s.newMail
}

func (s *imapSession) Closed() <-chan struct{} {
	return s.client.Closed()
}

// broken reports whether the connection has already ended. Commands sent
// after that would never complete.
func (s *imapSession) broken() bool {
	select {
	case <-s.client.Closed():
		return true
	default:
		return false
	}
}

func (s *imapSession) Err() error {
	if !s.broken() || s.loggedOut.Load() {
		return nil
	}
	return s.close()
}

// close releases the connection and returns the error that ended the read
// loop, if any.
func (s *imapSession) close() error {
	s.closeOnce.Do(func() {
		s.closeErr = s.client.Close()
	})
	return s.closeErr
}

func (s *imapSession) Connected() bool {
	if s.broken() {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return !s.closed
}

func (s *imapSession) Logout() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	s.listening = false
	s.loggedOut.Store(true)
	if s.broken() {
		_ = s.close()
		return nil
	}

	idleErr := s.stopIdle()
	var logoutErr error
	if err := s.client.Logout().Wait(); err != nil {
		logoutErr = fmt.Errorf("imap logout: %w", err)
	}
	// The server drops the connection after LOGOUT; close only releases resources.
	_ = s.close()
	return errors.Join(idleErr, logoutErr)
}
