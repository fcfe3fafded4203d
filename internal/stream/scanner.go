package stream

import (
	"bufio"
	"io"
	"strings"
)

// sseScanner reads text/event-stream frames. Events end at a blank
// line; multiple data lines are joined with "\n"; comments and unknown
// fields are skipped. A frame without an event field is named "message".
// The id field applies to the frame it appears in.
type sseScanner struct {
	r       *bufio.Reader
	current Frame
	err     error
}

func newSSEScanner(r io.Reader) *sseScanner {
	return &sseScanner{r: bufio.NewReaderSize(r, 64*1024)}
}

// Next reads the next frame. It returns false at EOF or on error.
func (s *sseScanner) Next() bool {
	if s.err != nil {
		return false
	}

	var (
		data    []string
		event   string
		id      string
		hasData bool
	)
	emit := func() {
		if event == "" {
			event = "message"
		}
		s.current = Frame{ID: id, Event: event, Data: []byte(strings.Join(data, "\n"))}
	}

	for {
		line, err := s.r.ReadString('\n')
		if err != nil && line == "" {
			s.err = err
			if err == io.EOF && hasData {
				emit()
				return true
			}
			return false
		}
		line = strings.TrimRight(line, "\r\n")

		if line == "" {
			if hasData {
				emit()
				return true
			}
			event = ""
			id = ""
			continue
		}
		if strings.HasPrefix(line, ":") {
			continue
		}

		field, value, ok := strings.Cut(line, ":")
		if ok {
			value = strings.TrimPrefix(value, " ")
		}
		switch field {
		case "data":
			data = append(data, value)
			hasData = true
		case "event":
			event = value
		case "id":
			id = value
		}
	}
}

// Frame returns the frame read by the last successful Next.
func (s *sseScanner) Frame() Frame {
	return s.current
}

// Err returns the error that stopped the scanner, or nil at clean EOF.
func (s *sseScanner) Err() error {
	if s.err == io.EOF {
		return nil
	}
	return s.err
}
