// Package mailparse turns raw RFC 5322 messages into structured mail.
package mailparse

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/emersion/go-message"
	_ "github.com/emersion/go-message/charset"
	"github.com/emersion/go-message/mail"
)

// ErrEmpty is returned for zero-length input.
var ErrEmpty = errors.New("mailparse: empty message")

// Message is a parsed mail message.
type Message struct {
	MessageID  string
	Subject    string
	From       []*mail.Address
	To         []*mail.Address
	Cc         []*mail.Address
	Bcc        []*mail.Address
	ReplyTo    []*mail.Address
	Date       time.Time
	InReplyTo  []string
	References []string
	Header     mail.Header

	Text        string
	HTML        string
	Attachments []Attachment

	Raw []byte // original message bytes
}

// Attachment is a non-text part of a message.
type Attachment struct {
	Filename    string
	ContentType string
	ContentID   string
	Inline      bool
	Size        int
	Content     []byte
}

// Parse reads a full message from r and decodes its headers, text bodies
// and attachments. Unknown charsets and transfer encodings are tolerated:
// the affected part is kept undecoded.
func Parse(r io.Reader) (*Message, error) {
	raw, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("read message: %w", err)
	}
	if len(raw) == 0 {
		return nil, ErrEmpty
	}

	e, err := message.Read(bytes.NewReader(raw))
	if err != nil && (e == nil || !isUnknown(err)) {
		return nil, fmt.Errorf("read header: %w", err)
	}

	h := mail.Header{Header: e.Header}
	msg := &Message{
		Header: h,
		Raw:    raw,
	}
	readHeader(msg, h)

	var text, html []string
	err = e.Walk(func(_ []int, part *message.Entity, err error) error {
		if err != nil && !isUnknown(err) {
			return err
		}
		contentType, _, _ := part.Header.ContentType()
		if strings.HasPrefix(contentType, "multipart/") {
			return nil
		}

		// Parts with an unknown encoding or charset are read as is.
		body, err := io.ReadAll(part.Body)
		if err != nil {
			return fmt.Errorf("read part body: %w", err)
		}

		disposition, _, _ := part.Header.ContentDisposition()
		inline := disposition == "inline" ||
			(disposition != "attachment" && (contentType == "" || strings.HasPrefix(contentType, "text/")))
		if !inline {
			ah := mail.AttachmentHeader{Header: part.Header}
			filename, _ := ah.Filename()
			msg.Attachments = append(msg.Attachments, Attachment{
				Filename:    filename,
				ContentType: contentType,
				ContentID:   contentID(part.Header),
				Size:        len(body),
				Content:     body,
			})
			return nil
		}

		switch contentType {
		case "", "text/plain":
			text = append(text, string(body))
		case "text/html":
			html = append(html, string(body))
		default:
			// inline images and similar related parts
			msg.Attachments = append(msg.Attachments, Attachment{
				ContentType: contentType,
				ContentID:   contentID(part.Header),
				Inline:      true,
				Size:        len(body),
				Content:     body,
			})
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("read part: %w", err)
	}

	msg.Text = strings.Join(text, "\n")
	msg.HTML = strings.Join(html, "\n")
	return msg, nil
}

func readHeader(msg *Message, h mail.Header) {
	msg.MessageID, _ = h.MessageID()
	msg.Subject, _ = h.Subject()
	msg.From, _ = h.AddressList("From")
	msg.To, _ = h.AddressList("To")
	msg.Cc, _ = h.AddressList("Cc")
	msg.Bcc, _ = h.AddressList("Bcc")
	msg.ReplyTo, _ = h.AddressList("Reply-To")
	msg.Date, _ = h.Date()
	msg.InReplyTo, _ = h.MsgIDList("In-Reply-To")
	msg.References, _ = h.MsgIDList("References")
}

func contentID(h message.Header) string {
	return strings.Trim(h.Get("Content-Id"), "<>")
}

func isUnknown(err error) bool {
	return message.IsUnknownCharset(err) || message.IsUnknownEncoding(err)
}

// FromAddress returns the first From address, or "" when there is none.
func (m *Message) FromAddress() string {
	if len(m.From) == 0 {
		return ""
	}
	return m.From[0].Address
}
