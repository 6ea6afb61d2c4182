package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/glfleet/backend/internal/clock"
)

const (
	// DefaultMaxFrameBytes rejects oversized frames before JSON decoding.
	DefaultMaxFrameBytes = 1 << 20

	// Timestamp freshness window: reject messages older than a day or from
	// more than five minutes in the future.
	maxTimestampAge  = 24 * time.Hour
	maxTimestampSkew = 5 * time.Minute
)

// Parser decodes one frame into a Message and applies structural checks.
// Malformed JSON and oversized frames are ParseErrors; a missing type or a
// stale/future timestamp is a ValidationError.
type Parser struct {
	maxFrameBytes int
	clock         clock.Clock
}

// NewParser builds a Parser. maxFrameBytes falls back to DefaultMaxFrameBytes
// when non-positive.
func NewParser(maxFrameBytes int, clk clock.Clock) *Parser {
	if maxFrameBytes <= 0 {
		maxFrameBytes = DefaultMaxFrameBytes
	}
	return &Parser{maxFrameBytes: maxFrameBytes, clock: clk}
}

// envelope is the raw wire shape before timestamp parsing.
type envelope struct {
	Type      string          `json:"type"`
	Timestamp string          `json:"timestamp"`
	JobID     string          `json:"job_id"`
	Data      json.RawMessage `json:"data"`
}

// ParseFrame decodes a single frame.
func (p *Parser) ParseFrame(frame []byte) (Message, error) {
	if len(frame) > p.maxFrameBytes {
		return Message{}, &ParseError{
			Reason: fmt.Sprintf("frame size %d exceeds maximum %d", len(frame), p.maxFrameBytes),
		}
	}
	var env envelope
	if err := json.Unmarshal(frame, &env); err != nil {
		return Message{}, &ParseError{Reason: "malformed JSON", Err: err}
	}
	if env.Type == "" {
		return Message{}, &ValidationError{Reason: "message type is required"}
	}
	if env.Timestamp == "" {
		return Message{}, &ValidationError{Type: Type(env.Type), Reason: "timestamp is required"}
	}
	ts, err := time.Parse(time.RFC3339, env.Timestamp)
	if err != nil {
		return Message{}, &ValidationError{
			Type:   Type(env.Type),
			Reason: fmt.Sprintf("timestamp %q is not RFC3339", env.Timestamp),
		}
	}
	now := p.clock.Now()
	if now.Sub(ts) > maxTimestampAge {
		return Message{}, &ValidationError{Type: Type(env.Type), Reason: "timestamp is older than 24h"}
	}
	if ts.Sub(now) > maxTimestampSkew {
		return Message{}, &ValidationError{Type: Type(env.Type), Reason: "timestamp is more than 5m in the future"}
	}
	return Message{
		Type:      Type(env.Type),
		Timestamp: ts,
		JobID:     env.JobID,
		Data:      env.Data,
		WireSize:  len(frame),
	}, nil
}

// ParseFrames parses each frame independently. A batch is partially
// successful: callers get every message that parsed plus the joined errors
// for the frames that did not.
func (p *Parser) ParseFrames(frames [][]byte) ([]Message, error) {
	var (
		msgs []Message
		errs []error
	)
	for i, frame := range frames {
		msg, err := p.ParseFrame(frame)
		if err != nil {
			errs = append(errs, fmt.Errorf("frame %d: %w", i, err))
			continue
		}
		msgs = append(msgs, msg)
	}
	return msgs, errors.Join(errs...)
}
