// Package sseutil provides server-sent event frame splitting shared by the
// dialect transformers and the streaming engine.
package sseutil

import (
	"bufio"
	"io"
	"strings"
)

const maxLineSize = 1 << 20 // 1MB per SSE line; large tool args fit

// RawEvent is one complete SSE frame: an optional event name and the data
// payload with multi-line data fields joined by "\n".
type RawEvent struct {
	Name string
	Data string
}

// Splitter incrementally splits an SSE byte stream into frames. It ignores
// comment lines (leading ':'), joins consecutive data lines within one
// frame, and treats a blank line as the frame terminator. An incomplete
// frame at stream end is dropped.
type Splitter struct {
	scanner *bufio.Scanner

	name    string
	data    []string
	hasData bool
}

// NewSplitter returns a Splitter reading frames from r.
func NewSplitter(r io.Reader) *Splitter {
	s := bufio.NewScanner(r)
	s.Buffer(make([]byte, 4096), maxLineSize)
	return &Splitter{scanner: s}
}

// Next returns the next complete frame. It returns io.EOF when the stream
// ends, or the underlying read error.
func (sp *Splitter) Next() (RawEvent, error) {
	for sp.scanner.Scan() {
		line := sp.scanner.Text()

		if line == "" {
			if !sp.hasData && sp.name == "" {
				continue // stray blank line between frames
			}
			ev := RawEvent{Name: sp.name, Data: strings.Join(sp.data, "\n")}
			sp.name, sp.data, sp.hasData = "", sp.data[:0], false
			return ev, nil
		}
		if line[0] == ':' {
			continue
		}

		field, value, found := strings.Cut(line, ":")
		if !found {
			continue
		}
		value = strings.TrimPrefix(value, " ")
		switch field {
		case "event":
			sp.name = value
		case "data":
			sp.data = append(sp.data, value)
			sp.hasData = true
		}
	}
	if err := sp.scanner.Err(); err != nil {
		return RawEvent{}, err
	}
	return RawEvent{}, io.EOF
}

// Split parses a complete SSE document into frames. Used by stream
// reconstruction; pure and deterministic.
func Split(raw []byte) []RawEvent {
	sp := NewSplitter(strings.NewReader(string(raw)))
	var out []RawEvent
	for {
		ev, err := sp.Next()
		if err != nil {
			return out
		}
		out = append(out, ev)
	}
}
