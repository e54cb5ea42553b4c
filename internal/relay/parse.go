package relay

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/nichiyoo/open-webui-vanna/internal/fault"
)

// LineKind classifies one line of a server-sent event stream.
type LineKind int

const (
	// LineSkip is framing with no content: blank lines, comments, keep-alives,
	// non-data fields, and chunks whose delta carries no text.
	LineSkip LineKind = iota
	LineFragment
	LineDone
	// LineMalformed is a data line that does not decode as a completion chunk.
	LineMalformed
	// LineError is an in-band error object sent by the service.
	LineError
)

var sentinel = []byte("[DONE]")

// Line is the result of parsing a single SSE line.
type Line struct {
	Kind     LineKind
	Fragment string
	Err      error
}

type chunk struct {
	Choices *[]struct {
		Delta struct {
			Content *string `json:"content"`
		} `json:"delta"`
	} `json:"choices"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error"`
}

// ParseLine parses one line of an OpenAI-style completion stream. It yields at
// most one fragment per line.
func ParseLine(line []byte) Line {
	line = bytes.TrimSpace(line)
	if len(line) == 0 || line[0] == ':' {
		return Line{Kind: LineSkip}
	}
	data, ok := bytes.CutPrefix(line, []byte("data:"))
	if !ok {
		return Line{Kind: LineSkip}
	}
	data = bytes.TrimSpace(data)
	if len(data) == 0 {
		return Line{Kind: LineSkip}
	}
	if bytes.Equal(data, sentinel) {
		return Line{Kind: LineDone}
	}

	var c chunk
	if err := json.Unmarshal(data, &c); err != nil {
		return Line{Kind: LineMalformed, Err: err}
	}
	if c.Error != nil {
		return Line{Kind: LineError, Err: fmt.Errorf("completion service: %w: %s", fault.ErrRemoteUnavailable, c.Error.Message)}
	}
	if c.Choices == nil {
		return Line{Kind: LineMalformed, Err: errors.New("chunk has no choices")}
	}

	var b []byte
	for _, choice := range *c.Choices {
		if choice.Delta.Content != nil {
			b = append(b, *choice.Delta.Content...)
		}
	}
	if len(b) == 0 {
		return Line{Kind: LineSkip}
	}
	return Line{Kind: LineFragment, Fragment: string(b)}
}
