package receiver

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/emersion/go-imap/v2"
)

var dateLayouts = []string{"2006-01-02", "02-Jan-2006", "2-Jan-2006"}

// UnseenCriteria selects messages without the \Seen flag.
func UnseenCriteria() *imap.SearchCriteria {
	return &imap.SearchCriteria{NotFlag: []imap.Flag{imap.FlagSeen}}
}

// ParseCriteria translates a flat list of search keys, such as
// ["UNSEEN", "FROM", "ops@example.com"], into IMAP search criteria.
// Keys are case-insensitive and combined with AND. An empty list selects
// unseen messages.
func ParseCriteria(tokens []string) (*imap.SearchCriteria, error) {
	if len(tokens) == 0 {
		return UnseenCriteria(), nil
	}

	c := &imap.SearchCriteria{}
	for i := 0; i < len(tokens); i++ {
		key := strings.ToUpper(strings.TrimSpace(tokens[i]))

		arg := func() (string, error) {
			if i+1 >= len(tokens) {
				return "", fmt.Errorf("search key %s: missing argument", key)
			}
			i++
			return tokens[i], nil
		}

		switch key {
		case "ALL":
		case "SEEN":
			c.Flag = append(c.Flag, imap.FlagSeen)
		case "UNSEEN", "NEW":
			c.NotFlag = append(c.NotFlag, imap.FlagSeen)
		case "FLAGGED":
			c.Flag = append(c.Flag, imap.FlagFlagged)
		case "UNFLAGGED":
			c.NotFlag = append(c.NotFlag, imap.FlagFlagged)
		case "ANSWERED":
			c.Flag = append(c.Flag, imap.FlagAnswered)
		case "UNANSWERED":
			c.NotFlag = append(c.NotFlag, imap.FlagAnswered)
		case "DELETED":
			c.Flag = append(c.Flag, imap.FlagDeleted)
		case "UNDELETED":
			c.NotFlag = append(c.NotFlag, imap.FlagDeleted)
		case "DRAFT":
			c.Flag = append(c.Flag, imap.FlagDraft)
		case "UNDRAFT":
			c.NotFlag = append(c.NotFlag, imap.FlagDraft)
		case "KEYWORD", "UNKEYWORD":
			v, err := arg()
			if err != nil {
				return nil, err
			}
			if key == "KEYWORD" {
				c.Flag = append(c.Flag, imap.Flag(v))
			} else {
				c.NotFlag = append(c.NotFlag, imap.Flag(v))
			}
		case "SINCE", "BEFORE", "ON", "SENTSINCE", "SENTBEFORE":
			v, err := arg()
			if err != nil {
				return nil, err
			}
			d, err := parseDate(v)
			if err != nil {
				return nil, fmt.Errorf("search key %s: %w", key, err)
			}
			switch key {
			case "SINCE":
				c.Since = d
			case "BEFORE":
				c.Before = d
			case "ON":
				c.Since = d
				c.Before = d.AddDate(0, 0, 1)
			case "SENTSINCE":
				c.SentSince = d
			case "SENTBEFORE":
				c.SentBefore = d
			}
		case "FROM", "TO", "CC", "BCC", "SUBJECT":
			v, err := arg()
			if err != nil {
				return nil, err
			}
			c.Header = append(c.Header, imap.SearchCriteriaHeaderField{
				Key:   headerName(key),
				Value: v,
			})
		case "HEADER":
			name, err := arg()
			if err != nil {
				return nil, err
			}
			v, err := arg()
			if err != nil {
				return nil, err
			}
			c.Header = append(c.Header, imap.SearchCriteriaHeaderField{Key: name, Value: v})
		case "BODY", "TEXT":
			v, err := arg()
			if err != nil {
				return nil, err
			}
			if key == "BODY" {
				c.Body = append(c.Body, v)
			} else {
				c.Text = append(c.Text, v)
			}
		case "LARGER", "SMALLER":
			v, err := arg()
			if err != nil {
				return nil, err
			}
			n, err := strconv.ParseInt(v, 10, 64)
			if err != nil || n < 0 {
				return nil, fmt.Errorf("search key %s: invalid size %q", key, v)
			}
			if key == "LARGER" {
				c.Larger = n
			} else {
				c.Smaller = n
			}
		default:
			return nil, fmt.Errorf("unsupported search key %q", tokens[i])
		}
	}
	return c, nil
}

func parseDate(s string) (time.Time, error) {
	for _, layout := range dateLayouts {
		if d, err := time.Parse(layout, s); err == nil {
			return d, nil
		}
	}
	return time.Time{}, fmt.Errorf("invalid date %q", s)
}

func headerName(key string) string {
	switch key {
	case "CC":
		return "Cc"
	case "BCC":
		return "Bcc"
	}
	return key[:1] + strings.ToLower(key[1:])
}
