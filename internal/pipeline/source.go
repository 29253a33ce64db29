package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/matsen/slackprobs/internal/slackapi"
)

// Source yields raw messages one at a time, in order. ok is false once the
// source is exhausted.
type Source interface {
	Next(ctx context.Context) (msg slackapi.RawMessage, ok bool, err error)
}

// HistoryReader fetches pages of channel history.
type HistoryReader interface {
	History(ctx context.Context, q slackapi.HistoryQuery) (slackapi.Page, error)
}

// ThreadReader fetches the messages of a thread, root included.
type ThreadReader interface {
	Replies(ctx context.Context, channel, threadTS string) ([]slackapi.RawMessage, error)
}

// SliceSource yields messages from memory.
type SliceSource struct {
	msgs []slackapi.RawMessage
	pos  int
}

// NewSliceSource yields msgs starting at index skip.
func NewSliceSource(msgs []slackapi.RawMessage, skip int) *SliceSource {
	if skip < 0 {
		skip = 0
	}
	if skip > len(msgs) {
		skip = len(msgs)
	}
	return &SliceSource{msgs: msgs, pos: skip}
}

// Next implements Source.
func (s *SliceSource) Next(context.Context) (slackapi.RawMessage, bool, error) {
	if s.pos >= len(s.msgs) {
		return slackapi.RawMessage{}, false, nil
	}
	msg := s.msgs[s.pos]
	s.pos++
	return msg, true, nil
}

// HistorySource pages through channel history lazily: the next page is
// only requested once the current one has been consumed.
type HistorySource struct {
	reader   HistoryReader
	query    slackapi.HistoryQuery
	maxPages int

	buf   []slackapi.RawMessage
	pages int
	done  bool
}

// NewHistorySource reads history matching q, stopping after maxPages
// pages (0 means until the cursor runs out).
func NewHistorySource(reader HistoryReader, q slackapi.HistoryQuery, maxPages int) *HistorySource {
	return &HistorySource{reader: reader, query: q, maxPages: maxPages}
}

// Next implements Source.
func (s *HistorySource) Next(ctx context.Context) (slackapi.RawMessage, bool, error) {
	for len(s.buf) == 0 {
		if s.done {
			return slackapi.RawMessage{}, false, nil
		}
		if err := s.fetch(ctx); err != nil {
			return slackapi.RawMessage{}, false, err
		}
	}
	msg := s.buf[0]
	s.buf = s.buf[1:]
	return msg, true, nil
}

// Pages returns how many pages have been fetched.
func (s *HistorySource) Pages() int {
	return s.pages
}

func (s *HistorySource) fetch(ctx context.Context) error {
	page, err := s.reader.History(ctx, s.query)
	if err != nil {
		s.done = true
		return err
	}
	s.pages++
	s.buf = page.Messages
	s.query.Cursor = page.NextCursor
	if page.NextCursor == "" || (s.maxPages > 0 && s.pages >= s.maxPages) {
		s.done = true
	}
	return nil
}

// ReadDump reads a raw history dump: a JSON array of message objects. Each
// message keeps its bytes in Raw so that it can be written back unchanged.
func ReadDump(path string) ([]slackapi.RawMessage, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading dump: %w", err)
	}

	var records []json.RawMessage
	if err := json.Unmarshal(data, &records); err != nil {
		return nil, fmt.Errorf("parsing dump %s: %w", path, err)
	}

	msgs := make([]slackapi.RawMessage, 0, len(records))
	for i, rec := range records {
		var m slackapi.RawMessage
		if err := json.Unmarshal(rec, &m); err != nil {
			return nil, fmt.Errorf("parsing dump message %d: %w", i, err)
		}
		msgs = append(msgs, m)
	}
	return msgs, nil
}
