package mailparse

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const plainMessage = "From: Alice <alice@example.com>\r\n" +
	"To: bob@example.com, Carol <carol@example.com>\r\n" +
	"Subject: Disk usage alert\r\n" +
	"Date: Tue, 05 Mar 2024 10:15:00 +0000\r\n" +
	"Message-ID: <alert-1@example.com>\r\n" +
	"In-Reply-To: <alert-0@example.com>\r\n" +
	"Content-Type: text/plain; charset=utf-8\r\n" +
	"\r\n" +
	"/var is 91% full\r\n"

const multipartMessage = "From: ops@example.com\r\n" +
	"To: team@example.com\r\n" +
	"Subject: =?utf-8?q?R=C3=A9sum=C3=A9?=\r\n" +
	"Message-ID: <report-7@example.com>\r\n" +
	"MIME-Version: 1.0\r\n" +
	"Content-Type: multipart/mixed; boundary=\"outer\"\r\n" +
	"\r\n" +
	"--outer\r\n" +
	"Content-Type: multipart/alternative; boundary=\"inner\"\r\n" +
	"\r\n" +
	"--inner\r\n" +
	"Content-Type: text/plain; charset=iso-8859-1\r\n" +
	"Content-Transfer-Encoding: quoted-printable\r\n" +
	"\r\n" +
	"caf=E9 report\r\n" +
	"--inner\r\n" +
	"Content-Type: text/html; charset=utf-8\r\n" +
	"\r\n" +
	"<p>report</p>\r\n" +
	"--inner--\r\n" +
	"--outer\r\n" +
	"Content-Type: text/csv\r\n" +
	"Content-Disposition: attachment; filename=\"usage.csv\"\r\n" +
	"Content-Transfer-Encoding: base64\r\n" +
	"\r\n" +
	"aG9zdCx1c2VkCmRiMSw5MQo=\r\n" +
	"--outer--\r\n"

func TestParsePlain(t *testing.T) {
	msg, err := Parse(strings.NewReader(plainMessage))
	require.NoError(t, err)

	assert.Equal(t, "alert-1@example.com", msg.MessageID)
	assert.Equal(t, "Disk usage alert", msg.Subject)
	assert.Equal(t, "alice@example.com", msg.FromAddress())
	require.Len(t, msg.From, 1)
	assert.Equal(t, "Alice", msg.From[0].Name)
	require.Len(t, msg.To, 2)
	assert.Equal(t, "carol@example.com", msg.To[1].Address)
	assert.Equal(t, []string{"alert-0@example.com"}, msg.InReplyTo)
	assert.True(t, msg.Date.Equal(time.Date(2024, 3, 5, 10, 15, 0, 0, time.UTC)))
	assert.Equal(t, "/var is 91% full\r\n", msg.Text)
	assert.Empty(t, msg.HTML)
	assert.Empty(t, msg.Attachments)
	assert.Equal(t, plainMessage, string(msg.Raw))
}

func TestParseMultipart(t *testing.T) {
	msg, err := Parse(strings.NewReader(multipartMessage))
	require.NoError(t, err)

	assert.Equal(t, "Résumé", msg.Subject)
	assert.Equal(t, "café report", msg.Text)
	assert.Equal(t, "<p>report</p>", msg.HTML)

	require.Len(t, msg.Attachments, 1)
	att := msg.Attachments[0]
	assert.Equal(t, "usage.csv", att.Filename)
	assert.Equal(t, "text/csv", att.ContentType)
	assert.False(t, att.Inline)
	assert.Equal(t, "host,used\ndb1,91\n", string(att.Content))
	assert.Equal(t, len(att.Content), att.Size)
}

func TestParseWithoutOptionalHeaders(t *testing.T) {
	msg, err := Parse(strings.NewReader("Subject: bare\r\n\r\nhello"))
	require.NoError(t, err)
	assert.Equal(t, "bare", msg.Subject)
	assert.Empty(t, msg.MessageID)
	assert.Empty(t, msg.FromAddress())
	assert.True(t, msg.Date.IsZero())
	assert.Equal(t, "hello", msg.Text)
}

func TestParseFailures(t *testing.T) {
	_, err := Parse(strings.NewReader(""))
	assert.ErrorIs(t, err, ErrEmpty)

	_, err = Parse(strings.NewReader("this is not a header line\r\n\r\nbody"))
	assert.Error(t, err)
}

func TestParseUnknownTransferEncoding(t *testing.T) {
	t.Run("single part", func(t *testing.T) {
		raw := "Subject: uu\r\n" +
			"Content-Type: text/plain\r\n" +
			"Content-Transfer-Encoding: x-uuencode\r\n" +
			"\r\n" +
			"begin 644 note.txt\r\n"
		msg, err := Parse(strings.NewReader(raw))
		require.NoError(t, err)
		assert.Equal(t, "uu", msg.Subject)
		assert.Equal(t, "begin 644 note.txt\r\n", msg.Text)
	})

	t.Run("multipart attachment", func(t *testing.T) {
		raw := "Subject: uu attachment\r\n" +
			"MIME-Version: 1.0\r\n" +
			"Content-Type: multipart/mixed; boundary=\"b\"\r\n" +
			"\r\n" +
			"--b\r\n" +
			"Content-Type: text/plain\r\n" +
			"\r\n" +
			"see attached\r\n" +
			"--b\r\n" +
			"Content-Type: application/octet-stream\r\n" +
			"Content-Disposition: attachment; filename=\"dump.bin\"\r\n" +
			"Content-Transfer-Encoding: x-uuencode\r\n" +
			"\r\n" +
			"begin 644 dump.bin\r\n" +
			"--b--\r\n"
		msg, err := Parse(strings.NewReader(raw))
		require.NoError(t, err)
		assert.Equal(t, "see attached", msg.Text)
		require.Len(t, msg.Attachments, 1)
		att := msg.Attachments[0]
		assert.Equal(t, "dump.bin", att.Filename)
		assert.Equal(t, "application/octet-stream", att.ContentType)
		assert.Equal(t, "begin 644 dump.bin", string(att.Content))
	})
}
