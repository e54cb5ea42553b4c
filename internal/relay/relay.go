// Package relay streams content deltas from an OpenAI-compatible chat
// completion service.
package relay

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/nichiyoo/open-webui-vanna/internal/chat"
	"github.com/nichiyoo/open-webui-vanna/internal/fault"
)

// Completer is the part of the chat client the relay needs.
type Completer interface {
	Chat(ctx context.Context, req chat.ChatRequest) (io.ReadCloser, error)
}

// StreamInterruptedError reports a stream that died before the service
// signaled completion. Fragments yielded before it are valid.
type StreamInterruptedError struct {
	Err error
}

func (e *StreamInterruptedError) Error() string {
	return fmt.Sprintf("stream interrupted: %v", e.Err)
}

func (e *StreamInterruptedError) Unwrap() error { return e.Err }

// Relay opens completion streams.
type Relay struct {
	client Completer
	logger *slog.Logger
}

// New returns a Relay over client. A nil logger uses slog.Default().
func New(client Completer, logger *slog.Logger) *Relay {
	if logger == nil {
		logger = slog.Default()
	}
	return &Relay{client: client, logger: logger}
}

// Open sends msgs as a streaming request. The returned Stream must be closed.
func (r *Relay) Open(ctx context.Context, msgs []chat.Message) (*Stream, error) {
	rc, err := r.client.Chat(ctx, chat.ChatRequest{Messages: msgs, Stream: true})
	if err != nil {
		return nil, err
	}
	return &Stream{body: rc, r: bufio.NewReader(rc), logger: r.logger}, nil
}

// Collect reads a whole stream and returns the concatenated content.
func (r *Relay) Collect(ctx context.Context, msgs []chat.Message) (string, error) {
	s, err := r.Open(ctx, msgs)
	if err != nil {
		return "", err
	}
	defer s.Close()

	var b strings.Builder
	for s.Next() {
		b.WriteString(s.Fragment())
	}
	return b.String(), s.Err()
}

// Stream is a forward-only sequence of content fragments. It is not safe for
// concurrent use.
type Stream struct {
	body    io.ReadCloser
	r       *bufio.Reader
	logger  *slog.Logger
	frag    string
	pending error
	err     error
	done    bool
}

// Next advances to the next fragment. It returns false once the stream ends,
// after which Err reports whether it ended normally.
func (s *Stream) Next() bool {
	s.frag = ""
	for !s.done {
		if s.pending != nil {
			if errors.Is(s.pending, io.EOF) {
				s.finish(nil)
			} else {
				s.finish(&StreamInterruptedError{Err: fault.Classify("completion service", s.pending)})
			}
			break
		}

		line, err := s.r.ReadBytes('\n')
		if err != nil {
			s.pending = err
		}
		if len(line) == 0 {
			continue
		}

		parsed := ParseLine(line)
		switch parsed.Kind {
		case LineFragment:
			s.frag = parsed.Fragment
			return true
		case LineDone:
			s.finish(nil)
		case LineError:
			s.finish(&StreamInterruptedError{Err: parsed.Err})
		case LineMalformed:
			s.logger.Warn("skipping malformed stream chunk", "error", parsed.Err)
		}
	}
	return false
}

// Fragment returns the fragment produced by the last successful Next.
func (s *Stream) Fragment() string {
	return s.frag
}

// Err returns nil when the stream ended on the sentinel or a clean EOF, and a
// *StreamInterruptedError otherwise.
func (s *Stream) Err() error {
	return s.err
}

// Close releases the connection. It is safe to call more than once.
func (s *Stream) Close() error {
	if s.body == nil {
		return nil
	}
	err := s.body.Close()
	s.body = nil
	s.done = true
	return err
}

func (s *Stream) finish(err error) {
	s.done = true
	s.err = err
	s.Close()
}
