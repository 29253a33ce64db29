package slackapi

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// RawMessage is a channel message as returned by the Slack Web API. The
// typed fields are the ones the pipeline reads; the message itself is
// carried in Raw and written back byte for byte.
type RawMessage struct {
	Type        string            `json:"type,omitempty"`
	Subtype     string            `json:"subtype,omitempty"`
	User        string            `json:"user,omitempty"`
	BotID       string            `json:"bot_id,omitempty"`
	Text        string            `json:"text"`
	TS          string            `json:"ts"`
	ThreadTS    string            `json:"thread_ts,omitempty"`
	ReplyCount  int               `json:"reply_count,omitempty"`
	Blocks      []Block           `json:"blocks,omitempty"`
	Attachments []json.RawMessage `json:"attachments,omitempty"`

	// Replies is populated by the raw dump for thread roots. It holds the
	// full conversations.replies result, root included.
	Replies []RawMessage `json:"replies,omitempty"`

	// Raw is the message's JSON as Slack sent it, or as it was read from a
	// dump. It is set whenever the message was decoded from JSON.
	Raw json.RawMessage `json:"-"`
}

// UnmarshalJSON decodes the typed fields and keeps data in Raw.
func (m *RawMessage) UnmarshalJSON(data []byte) error {
	type plain RawMessage
	var p plain
	if err := json.Unmarshal(data, &p); err != nil {
		return err
	}
	*m = RawMessage(p)
	m.Raw = append(json.RawMessage(nil), data...)
	return nil
}

// MarshalJSON writes Raw when it is set, so that fields the typed view does
// not know about survive. Messages built in code encode their typed fields.
func (m RawMessage) MarshalJSON() ([]byte, error) {
	if m.Raw != nil {
		return m.Raw, nil
	}
	type plain RawMessage
	return marshal(plain(m))
}

// WithReplies returns m with replies attached under the "replies" key. When
// m carries Raw, the key is added to it and every other field is kept.
func (m RawMessage) WithReplies(replies []RawMessage) (RawMessage, error) {
	m.Replies = replies
	if m.Raw == nil {
		return m, nil
	}

	var fields map[string]json.RawMessage
	if err := json.Unmarshal(m.Raw, &fields); err != nil {
		return RawMessage{}, fmt.Errorf("decoding message %s: %w", m.TS, err)
	}
	encoded, err := marshal(replies)
	if err != nil {
		return RawMessage{}, fmt.Errorf("encoding replies for %s: %w", m.TS, err)
	}
	fields["replies"] = encoded
	raw, err := marshal(fields)
	if err != nil {
		return RawMessage{}, fmt.Errorf("encoding message %s: %w", m.TS, err)
	}
	m.Raw = raw
	return m, nil
}

// marshal encodes v without escaping HTML, so message text keeps its
// literal "<", ">" and "&".
func marshal(v any) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	return bytes.TrimSuffix(buf.Bytes(), []byte("\n")), nil
}

// IsThread reports whether the message carries a thread marker.
func (m RawMessage) IsThread() bool {
	return m.ThreadTS != ""
}

// Block types and element types used by rich-text extraction.
const (
	BlockTypeRichText          = "rich_text"
	ElementTypeRichTextSection = "rich_text_section"
	SectionElementText         = "text"
	SectionElementLink         = "link"
)

// Block is a top-level layout block. Non rich-text blocks decode with
// whatever subset of fields they share.
type Block struct {
	Type     string         `json:"type"`
	BlockID  string         `json:"block_id,omitempty"`
	Elements []BlockElement `json:"elements,omitempty"`
}

// BlockElement is an element of a rich_text block, such as a section,
// list or quote.
type BlockElement struct {
	Type     string           `json:"type"`
	Elements []SectionElement `json:"elements,omitempty"`
}

// SectionElement is a leaf of a rich_text_section.
type SectionElement struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
	URL  string `json:"url,omitempty"`
}

// HistoryQuery selects a page of conversations.history.
type HistoryQuery struct {
	Channel string
	Cursor  string
	Limit   int
	Latest  string // upper bound ts, exclusive
	Oldest  string // lower bound ts, exclusive
}

// Page is one page of channel history.
type Page struct {
	Messages   []RawMessage
	NextCursor string
}
