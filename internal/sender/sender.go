package sender

import (
	"bufio"
	"bytes"
	"crypto/tls"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/smtp"
	"strconv"
	"time"

	"github.com/emersion/go-message"
	"github.com/emersion/go-message/mail"
	"github.com/emersion/go-message/textproto"
)

// Sender relays raw email messages over SMTP.
type Sender struct {
	host     string
	port     int
	username string
	password string
	useTLS   bool
	logger   *slog.Logger
	now      func() time.Time
}

// New creates a new SMTP sender. A nil logger discards diagnostics.
func New(host string, port int, username, password string, useTLS bool, logger *slog.Logger) *Sender {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Sender{
		host:     host,
		port:     port,
		username: username,
		password: password,
		useTLS:   useTLS,
		logger:   logger,
		now:      time.Now,
	}
}

// Forward sends raw email content to the target address.
func (s *Sender) Forward(rawEmail []byte, to string, originalID string) error {
	addr := net.JoinHostPort(s.host, strconv.Itoa(s.port))

	from, msg, err := s.prepare(rawEmail, originalID)
	if err != nil {
		return err
	}

	var client *smtp.Client
	if s.useTLS {
		tlsConfig := &tls.Config{ServerName: s.host}
		conn, err := tls.Dial("tcp", addr, tlsConfig)
		if err != nil {
			return fmt.Errorf("smtp tls dial %s: %w", addr, err)
		}
		client, err = smtp.NewClient(conn, s.host)
		if err != nil {
			conn.Close()
			return fmt.Errorf("smtp new client: %w", err)
		}
	} else {
		client, err = smtp.Dial(addr)
		if err != nil {
			return fmt.Errorf("smtp dial %s: %w", addr, err)
		}
		if ok, _ := client.Extension("STARTTLS"); ok {
			tlsConfig := &tls.Config{ServerName: s.host}
			if err := client.StartTLS(tlsConfig); err != nil {
				s.logger.Warn("STARTTLS failed, continuing without TLS", "error", err)
			}
		}
	}
	defer client.Close()

	if s.username != "" && s.password != "" {
		auth := smtp.PlainAuth("", s.username, s.password, s.host)
		if err := client.Auth(auth); err != nil {
			return fmt.Errorf("smtp auth: %w", err)
		}
	}

	if err := client.Mail(from); err != nil {
		return fmt.Errorf("smtp MAIL FROM: %w", err)
	}
	if err := client.Rcpt(to); err != nil {
		return fmt.Errorf("smtp RCPT TO: %w", err)
	}

	w, err := client.Data()
	if err != nil {
		return fmt.Errorf("smtp DATA: %w", err)
	}
	if _, err := w.Write(msg); err != nil {
		return fmt.Errorf("smtp write: %w", err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("smtp close data: %w", err)
	}

	return client.Quit()
}

// prepare returns the envelope sender and the message with forwarding
// headers added on top of the original header block.
func (s *Sender) prepare(rawEmail []byte, originalID string) (string, []byte, error) {
	br := bufio.NewReader(bytes.NewReader(rawEmail))
	h, err := textproto.ReadHeader(br)
	if err != nil {
		return "", nil, fmt.Errorf("read message header: %w", err)
	}

	from := s.username
	mh := mail.Header{Header: message.Header{Header: h}}
	if addrs, err := mh.AddressList("From"); err == nil && len(addrs) > 0 {
		from = addrs[0].Address
	}

	h.Add("X-Forwarded-Time", s.now().UTC().Format(time.RFC3339))
	h.Add("X-Original-Message-ID", originalID)
	h.Add("X-Forwarded-By", "mailnotify")

	var buf bytes.Buffer
	if err := textproto.WriteHeader(&buf, h); err != nil {
		return "", nil, fmt.Errorf("write message header: %w", err)
	}
	if _, err := io.Copy(&buf, br); err != nil {
		return "", nil, fmt.Errorf("copy message body: %w", err)
	}
	return from, buf.Bytes(), nil
}
