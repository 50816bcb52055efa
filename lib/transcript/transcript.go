// Copyright 2026 The Vigil Authors
// SPDX-License-Identifier: Apache-2.0

// Package transcript reads agent session transcripts and reconciles
// them against hook-derived state.
//
// A transcript is an append-only JSONL file written by the monitored
// agent. The poller tails it with a byte-offset cursor per session,
// the parser extracts actor/text/timestamp from each structured line,
// and the reconciler matches the result against turns the hook path
// already recorded, upgrading their receipt timestamps to the
// transcript's authoritative ones.
package transcript

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"
)

// Entry is one parsed transcript line worth emitting: an actual user
// or agent utterance with text content.
type Entry struct {
	// Actor is event.ActorUser or event.ActorAgent.
	Actor string
	// Text is the concatenated text content of the message.
	Text string
	// Timestamp is the transcript's own authoritative time.
	Timestamp time.Time
	// UUID is the transcript record identifier, when present.
	UUID string
}

// rawLine is the transcript's on-disk record shape. Content is either
// a plain string or an array of typed blocks; only text blocks carry
// displayable content.
type rawLine struct {
	Type      string     `json:"type"`
	Timestamp string     `json:"timestamp"`
	UUID      string     `json:"uuid"`
	Cwd       string     `json:"cwd"`
	Message   rawMessage `json:"message"`
}

type rawMessage struct {
	Role    string          `json:"role"`
	Content json.RawMessage `json:"content"`
}

type rawBlock struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

// parseLine parses one JSONL record. Returns ok=false for records that
// are valid JSON but not utterances (tool results, summaries, empty
// content); a malformed line returns an error for the caller to log
// and skip.
func parseLine(line []byte) (Entry, bool, error) {
	var raw rawLine
	if err := json.Unmarshal(line, &raw); err != nil {
		return Entry{}, false, fmt.Errorf("transcript: malformed line: %w", err)
	}

	var actor string
	switch raw.Type {
	case "user":
		actor = "user"
	case "assistant":
		actor = "agent"
	default:
		return Entry{}, false, nil
	}

	text, err := contentText(raw.Message.Content)
	if err != nil {
		return Entry{}, false, fmt.Errorf("transcript: malformed content: %w", err)
	}
	if text == "" {
		return Entry{}, false, nil
	}

	timestamp, err := time.Parse(time.RFC3339, raw.Timestamp)
	if err != nil {
		return Entry{}, false, fmt.Errorf("transcript: malformed timestamp %q: %w", raw.Timestamp, err)
	}

	return Entry{
		Actor:     actor,
		Text:      text,
		Timestamp: timestamp,
		UUID:      raw.UUID,
	}, true, nil
}

// contentText flattens a message content field: either a bare string
// or an array of blocks, of which only "text" blocks contribute.
func contentText(content json.RawMessage) (string, error) {
	if len(content) == 0 {
		return "", nil
	}

	trimmed := bytes.TrimSpace(content)
	if len(trimmed) > 0 && trimmed[0] == '"' {
		var s string
		if err := json.Unmarshal(trimmed, &s); err != nil {
			return "", err
		}
		return s, nil
	}

	var blocks []rawBlock
	if err := json.Unmarshal(trimmed, &blocks); err != nil {
		return "", err
	}
	var buf bytes.Buffer
	for _, block := range blocks {
		if block.Type != "text" || block.Text == "" {
			continue
		}
		if buf.Len() > 0 {
			buf.WriteByte('\n')
		}
		buf.WriteString(block.Text)
	}
	return buf.String(), nil
}

// ReadResult is what one cursor read produced.
type ReadResult struct {
	// Entries are the parsed utterances, in file order.
	Entries []Entry
	// Cursor is the new byte offset, pointing past the last complete
	// line consumed.
	Cursor int64
	// Skipped counts malformed lines that were logged over.
	Skipped int
}

// ReadNew reads complete lines from path starting at cursor and parses
// them. A final line without a trailing newline is a write in progress
// and is left for the next read. When the file has shrunk below the
// cursor (truncated or replaced), the cursor resets to zero and the
// file is read from the top.
func ReadNew(path string, cursor int64) (ReadResult, error) {
	file, err := os.Open(path)
	if err != nil {
		return ReadResult{Cursor: cursor}, fmt.Errorf("transcript: open: %w", err)
	}
	defer file.Close()

	info, err := file.Stat()
	if err != nil {
		return ReadResult{Cursor: cursor}, fmt.Errorf("transcript: stat: %w", err)
	}
	if info.Size() < cursor {
		cursor = 0
	}
	if info.Size() == cursor {
		return ReadResult{Cursor: cursor}, nil
	}

	if _, err := file.Seek(cursor, io.SeekStart); err != nil {
		return ReadResult{Cursor: cursor}, fmt.Errorf("transcript: seek: %w", err)
	}

	data, err := io.ReadAll(file)
	if err != nil {
		return ReadResult{Cursor: cursor}, fmt.Errorf("transcript: read: %w", err)
	}

	result := ReadResult{Cursor: cursor}
	for len(data) > 0 {
		newline := bytes.IndexByte(data, '\n')
		if newline < 0 {
			break
		}
		line := data[:newline]
		data = data[newline+1:]
		result.Cursor += int64(newline + 1)

		if len(bytes.TrimSpace(line)) == 0 {
			continue
		}
		entry, ok, err := parseLine(line)
		if err != nil {
			result.Skipped++
			continue
		}
		if ok {
			result.Entries = append(result.Entries, entry)
		}
	}
	return result, nil
}
