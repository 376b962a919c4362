package sender

import (
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPrepareAddsForwardingHeaders(t *testing.T) {
	s := New("smtp.example.com", 587, "relay@example.com", "secret", false, slog.New(slog.DiscardHandler))
	s.now = func() time.Time { return time.Date(2024, 3, 5, 10, 0, 0, 0, time.UTC) }

	raw := "From: Alice <alice@example.com>\r\nSubject: hi\r\n\r\nbody line\r\n"
	from, msg, err := s.prepare([]byte(raw), "m1@example.com")
	require.NoError(t, err)

	assert.Equal(t, "alice@example.com", from)
	out := string(msg)
	lower := strings.ToLower(out)
	assert.Contains(t, lower, "x-forwarded-by: mailnotify\r\n")
	assert.Contains(t, lower, "x-original-message-id: m1@example.com\r\n")
	assert.Contains(t, lower, "x-forwarded-time: 2024-03-05t10:00:00z\r\n")
	assert.Contains(t, out, "Subject: hi\r\n")
	assert.True(t, strings.HasSuffix(out, "\r\n\r\nbody line\r\n"))
}

func TestPrepareFallsBackToRelayUser(t *testing.T) {
	s := New("smtp.example.com", 587, "relay@example.com", "", false, slog.New(slog.DiscardHandler))

	from, _, err := s.prepare([]byte("Subject: no sender\r\n\r\nbody"), "id")
	require.NoError(t, err)
	assert.Equal(t, "relay@example.com", from)
}

func TestPrepareRejectsMalformedHeader(t *testing.T) {
	s := New("smtp.example.com", 587, "", "", false, slog.New(slog.DiscardHandler))

	_, _, err := s.prepare([]byte("not a header\r\n\r\nbody"), "id")
	assert.Error(t, err)
}

func TestNewWithoutLogger(t *testing.T) {
	s := New("smtp.example.com", 587, "", "", false, nil)
	require.NotNil(t, s.logger)
}
