// Package extract normalizes raw Slack messages into the records written
// to problem reports.
package extract

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/matsen/slackprobs/internal/slackapi"
)

// isoLayout matches JavaScript's Date.prototype.toISOString.
const isoLayout = "2006-01-02T15:04:05.000Z"

// maxEpochMillis is the largest magnitude a JavaScript Date can hold.
const maxEpochMillis = 8.64e15

// Message is a normalized message. Slices are never nil so that they
// serialize as [] rather than null.
type Message struct {
	Text        string            `json:"text"`
	Links       []string          `json:"links"`
	Attachments []json.RawMessage `json:"attachments"`
	Date        string            `json:"date"`
	Thread      []Message         `json:"thread"`
}

// Extract builds a Message from a raw message. Rich-text fragments are
// merged into the text unless the running text already contains them, and
// link elements contribute their URLs. Thread is left empty; see BuildThread.
func Extract(m slackapi.RawMessage) (Message, error) {
	date, err := ISOTime(m.TS)
	if err != nil {
		return Message{}, err
	}

	text := m.Text
	links := []string{}
	for _, block := range m.Blocks {
		if block.Type != slackapi.BlockTypeRichText {
			continue
		}
		for _, element := range block.Elements {
			if element.Type != slackapi.ElementTypeRichTextSection {
				continue
			}
			for _, sub := range element.Elements {
				switch sub.Type {
				case slackapi.SectionElementText:
					if !strings.Contains(text, sub.Text) {
						text += sub.Text
					}
				case slackapi.SectionElementLink:
					if sub.URL != "" {
						links = append(links, sub.URL)
					}
				}
			}
		}
	}

	attachments := m.Attachments
	if attachments == nil {
		attachments = []json.RawMessage{}
	}

	return Message{
		Text:        strings.TrimSpace(text),
		Links:       links,
		Attachments: attachments,
		Date:        date,
		Thread:      []Message{},
	}, nil
}

// BuildThread extracts the replies of root, skipping the root itself (by
// timestamp) and any reply that cannot be extracted. Order is preserved.
// It returns the number of replies skipped for extraction errors.
func BuildThread(root slackapi.RawMessage, replies []slackapi.RawMessage) ([]Message, int) {
	thread := []Message{}
	skipped := 0
	for _, reply := range replies {
		if reply.TS == root.TS {
			continue
		}
		msg, err := Extract(reply)
		if err != nil {
			skipped++
			continue
		}
		thread = append(thread, msg)
	}
	return thread, skipped
}

// ISOTime converts a Slack timestamp ("1700000000.123456") to an ISO-8601
// UTC string with millisecond precision. The arithmetic is done in float64
// and truncated toward zero, which is what new Date(ts * 1000) does.
func ISOTime(ts string) (string, error) {
	secs, err := strconv.ParseFloat(strings.TrimSpace(ts), 64)
	if err != nil {
		return "", fmt.Errorf("invalid timestamp %q: %w", ts, err)
	}

	ms := math.Trunc(secs * 1000)
	if math.IsNaN(ms) || math.Abs(ms) > maxEpochMillis {
		return "", fmt.Errorf("timestamp %q out of range", ts)
	}

	t := time.UnixMilli(int64(ms)).UTC()
	if y := t.Year(); y < 0 || y > 9999 {
		// Expanded years use a sign and six digits.
		sign := "+"
		if y < 0 {
			sign, y = "-", -y
		}
		return fmt.Sprintf("%s%06d%s", sign, y, t.Format("-01-02T15:04:05.000Z")), nil
	}
	return t.Format(isoLayout), nil
}
