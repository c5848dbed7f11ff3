package sseutil

import (
	"errors"
	"io"
	"strings"
	"testing"
)

func TestSplitterFrames(t *testing.T) {
	t.Parallel()

	raw := "event: message_start\ndata: {\"a\":1}\n\n" +
		": keep-alive comment\n\n" +
		"data: one\ndata: two\n\n" +
		"data: incomplete"

	sp := NewSplitter(strings.NewReader(raw))

	ev, err := sp.Next()
	if err != nil {
		t.Fatalf("first frame: %v", err)
	}
	if ev.Name != "message_start" || ev.Data != `{"a":1}` {
		t.Errorf("first frame = %+v", ev)
	}

	// Multi-line data joins with newlines; the comment is skipped.
	ev, err = sp.Next()
	if err != nil {
		t.Fatalf("second frame: %v", err)
	}
	if ev.Name != "" || ev.Data != "one\ntwo" {
		t.Errorf("second frame = %+v", ev)
	}

	// The unterminated trailing frame is dropped.
	if _, err = sp.Next(); !errors.Is(err, io.EOF) {
		t.Fatalf("want io.EOF, got %v", err)
	}
}

func TestSplitterStrayBlankLines(t *testing.T) {
	t.Parallel()

	sp := NewSplitter(strings.NewReader("\n\n\ndata: x\n\n"))
	ev, err := sp.Next()
	if err != nil {
		t.Fatalf("Next: %v", err)
	}
	if ev.Data != "x" {
		t.Errorf("frame = %+v", ev)
	}
}

func TestSplitterNoSpaceAfterColon(t *testing.T) {
	t.Parallel()

	sp := NewSplitter(strings.NewReader("data:{\"tight\":true}\n\n"))
	ev, err := sp.Next()
	if err != nil {
		t.Fatalf("Next: %v", err)
	}
	if ev.Data != `{"tight":true}` {
		t.Errorf("frame = %+v", ev)
	}
}

func TestSplit(t *testing.T) {
	t.Parallel()

	events := Split([]byte("event: a\ndata: 1\n\nevent: b\ndata: 2\n\n"))
	if len(events) != 2 {
		t.Fatalf("events = %+v", events)
	}
	if events[0].Name != "a" || events[1].Name != "b" || events[1].Data != "2" {
		t.Errorf("events = %+v", events)
	}
}

func TestSplitterReadError(t *testing.T) {
	t.Parallel()

	wantErr := errors.New("connection reset")
	sp := NewSplitter(io.MultiReader(strings.NewReader("data: x\n\n"), &failingReader{err: wantErr}))

	if _, err := sp.Next(); err != nil {
		t.Fatalf("first frame: %v", err)
	}
	if _, err := sp.Next(); !errors.Is(err, wantErr) {
		t.Fatalf("want read error, got %v", err)
	}
}

type failingReader struct{ err error }

func (r *failingReader) Read([]byte) (int, error) { return 0, r.err }
