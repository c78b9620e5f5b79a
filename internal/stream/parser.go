// Package stream turns the build service's event-stream body into typed frames.
//
// The body is a sequence of newline-delimited lines. A line starting with
// "data:" carries one JSON object, a line starting with "event:" labels the
// next data line. Blank lines and ":" comments carry nothing.
package stream

import (
	"encoding/json"
	"strings"

	"go.uber.org/zap"
)

const (
	dataPrefix  = "data:"
	eventPrefix = "event:"
)

// RawFrame is one complete protocol line: either an event label or a JSON payload
type RawFrame struct {
	Event string
	Data  json.RawMessage
}

// IsData reports whether the frame carries a JSON payload
func (f RawFrame) IsData() bool {
	return f.Data != nil
}

// Parser splits text fragments into RawFrames. Fragments may cut lines at any
// byte; the trailing partial line is held until the next Feed or Flush.
// A Parser is not safe for concurrent use.
type Parser struct {
	pending string
	logger  *zap.Logger
	dropped int
}

// NewParser creates a parser. A nil logger discards parse warnings.
func NewParser(logger *zap.Logger) *Parser {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Parser{logger: logger}
}

// Feed consumes one fragment and returns the frames completed by it, in order
func (p *Parser) Feed(fragment string) []RawFrame {
	if fragment == "" {
		return nil
	}
	buf := p.pending + fragment

	var frames []RawFrame
	for {
		idx := strings.IndexByte(buf, '\n')
		if idx < 0 {
			break
		}
		line := buf[:idx]
		buf = buf[idx+1:]
		if frame, ok := p.parseLine(line); ok {
			frames = append(frames, frame)
		}
	}
	p.pending = buf
	return frames
}

// Flush parses whatever unterminated line is left once the stream has ended
func (p *Parser) Flush() []RawFrame {
	line := p.pending
	p.pending = ""
	if frame, ok := p.parseLine(line); ok {
		return []RawFrame{frame}
	}
	return nil
}

// Dropped returns how many data lines were discarded as malformed
func (p *Parser) Dropped() int {
	return p.dropped
}

func (p *Parser) parseLine(line string) (RawFrame, bool) {
	line = strings.TrimSuffix(line, "\r")
	if strings.TrimSpace(line) == "" || strings.HasPrefix(line, ":") {
		return RawFrame{}, false
	}

	switch {
	case strings.HasPrefix(line, dataPrefix):
		payload := strings.TrimSpace(line[len(dataPrefix):])
		if !json.Valid([]byte(payload)) {
			p.dropped++
			p.logger.Warn("dropping malformed stream frame",
				zap.String("payload", truncate(payload, 256)),
			)
			return RawFrame{}, false
		}
		return RawFrame{Data: json.RawMessage(payload)}, true

	case strings.HasPrefix(line, eventPrefix):
		label := strings.TrimSpace(line[len(eventPrefix):])
		if label == "" {
			return RawFrame{}, false
		}
		return RawFrame{Event: label}, true
	}

	// id:, retry: and unknown fields carry nothing we use
	return RawFrame{}, false
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
