package sse

import (
	"bufio"
	"bytes"
	"io"
	"strings"
)

// Frame is one server-sent event: an optional event name plus a data
// payload. Multi-line data is joined with newlines before it reaches the
// codec layer.
type Frame struct {
	Event string
	Data  string
}

// IsDone reports whether the frame is the OpenAI [DONE] sentinel.
func (f Frame) IsDone() bool {
	return strings.TrimSpace(f.Data) == "[DONE]"
}

// Render serializes the frame in text/event-stream format. Frames with no
// event name omit the event line, matching OpenAI and Gemini streams.
func (f Frame) Render() string {
	var b strings.Builder
	if f.Event != "" {
		b.WriteString("event: ")
		b.WriteString(f.Event)
		b.WriteString("\n")
	}
	b.WriteString("data: ")
	b.WriteString(f.Data)
	b.WriteString("\n\n")
	return b.String()
}

// DataFrame builds an event-less frame.
func DataFrame(data string) Frame {
	return Frame{Data: data}
}

// EventFrame builds a named frame.
func EventFrame(event, data string) Frame {
	return Frame{Event: event, Data: data}
}

// Scanner splits a text/event-stream body into frames at blank-line
// boundaries. It tolerates both \n\n and \r\n\r\n separators and ignores
// comment lines (leading colon).
type Scanner struct {
	scanner *bufio.Scanner
	err     error
}

// NewScanner wraps an upstream body reader.
func NewScanner(r io.Reader) *Scanner {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	sc.Split(splitFrames)
	return &Scanner{scanner: sc}
}

// Next returns the next frame. ok is false at end of stream or on error;
// check Err afterwards.
func (s *Scanner) Next() (Frame, bool) {
	for s.scanner.Scan() {
		frame, ok := parseFrame(s.scanner.Bytes())
		if ok {
			return frame, true
		}
	}
	s.err = s.scanner.Err()
	return Frame{}, false
}

// Err returns the first read error encountered, if any.
func (s *Scanner) Err() error {
	return s.err
}

// splitFrames is a bufio.SplitFunc cutting the stream at blank lines.
func splitFrames(data []byte, atEOF bool) (advance int, token []byte, err error) {
	if atEOF && len(data) == 0 {
		return 0, nil, nil
	}
	if i := bytes.Index(data, []byte("\n\n")); i >= 0 {
		return i + 2, data[:i], nil
	}
	if i := bytes.Index(data, []byte("\r\n\r\n")); i >= 0 {
		return i + 4, data[:i], nil
	}
	if atEOF {
		return len(data), data, nil
	}
	return 0, nil, nil
}

// parseFrame extracts event name and data from one raw frame block.
func parseFrame(raw []byte) (Frame, bool) {
	var frame Frame
	var dataLines []string
	for _, line := range strings.Split(string(raw), "\n") {
		line = strings.TrimSuffix(line, "\r")
		switch {
		case line == "" || strings.HasPrefix(line, ":"):
			continue
		case strings.HasPrefix(line, "event:"):
			frame.Event = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		case strings.HasPrefix(line, "data:"):
			dataLines = append(dataLines, strings.TrimPrefix(strings.TrimPrefix(line, "data:"), " "))
		}
	}
	if frame.Event == "" && len(dataLines) == 0 {
		return Frame{}, false
	}
	frame.Data = strings.Join(dataLines, "\n")
	return frame, true
}
