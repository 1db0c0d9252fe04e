package llm

import (
	"bytes"
	"encoding/json"
	"errors"

	"go.uber.org/zap"

	"github.com/mindful-ai/companion/pkg/logger"
	"github.com/mindful-ai/companion/pkg/metrics"
)

const doneSentinel = "[DONE]"

// streamChunk is one JSON payload of an OpenAI-compatible completion stream.
type streamChunk struct {
	Choices []struct {
		Delta struct {
			Content *string `json:"content"`
		} `json:"delta"`
	} `json:"choices"`
	Error *struct {
		Message string `json:"message"`
		Code    any    `json:"code"`
	} `json:"error"`
}

// Decoder turns an event-stream byte sequence into text deltas. Network reads
// need not align with frame boundaries: the trailing partial line of each
// Feed is buffered and prepended to the next one.
type Decoder struct {
	buf  []byte
	done bool
	err  error
	log  *logger.Logger
}

// NewDecoder creates a decoder. A nil logger discards skip diagnostics.
func NewDecoder(log *logger.Logger) *Decoder {
	if log == nil {
		log = logger.NewNop()
	}
	return &Decoder{log: log}
}

// Feed consumes p and returns the deltas completed by it, in order. Input
// after the terminal sentinel or a stream error is ignored.
func (d *Decoder) Feed(p []byte) []string {
	if d.done || d.err != nil {
		return nil
	}
	d.buf = append(d.buf, p...)

	var deltas []string
	for {
		i := bytes.IndexByte(d.buf, '\n')
		if i < 0 {
			break
		}
		line := d.buf[:i]
		d.buf = d.buf[i+1:]

		if delta, ok := d.frame(line); ok {
			deltas = append(deltas, delta)
		}
		if d.done || d.err != nil {
			d.buf = nil
			break
		}
	}
	return deltas
}

// Flush decodes whatever is left in the buffer as a final line. It is called
// once the body is exhausted.
func (d *Decoder) Flush() []string {
	if d.done || d.err != nil || len(d.buf) == 0 {
		return nil
	}
	line := d.buf
	d.buf = nil
	if delta, ok := d.frame(line); ok {
		return []string{delta}
	}
	return nil
}

// Done reports whether the terminal sentinel has been decoded.
func (d *Decoder) Done() bool {
	return d.done
}

// Err returns an error payload reported in-band by the backend.
func (d *Decoder) Err() error {
	return d.err
}

func (d *Decoder) frame(line []byte) (string, bool) {
	line = bytes.TrimSpace(line)
	if len(line) == 0 || !bytes.HasPrefix(line, []byte("data:")) {
		// blank separators, ": comments", event: and id: fields
		return "", false
	}
	data := bytes.TrimSpace(line[len("data:"):])
	if len(data) == 0 {
		return "", false
	}
	if string(data) == doneSentinel {
		d.done = true
		return "", false
	}

	var chunk streamChunk
	if err := json.Unmarshal(data, &chunk); err != nil {
		metrics.StreamFramesSkipped.Inc()
		d.log.Debug("skipping malformed stream frame",
			zap.Error(err),
			zap.ByteString("data", data),
		)
		return "", false
	}
	if chunk.Error != nil {
		d.err = errors.New("llm stream error: " + chunk.Error.Message)
		return "", false
	}
	if len(chunk.Choices) == 0 || chunk.Choices[0].Delta.Content == nil {
		return "", false
	}
	content := *chunk.Choices[0].Delta.Content
	if content == "" {
		return "", false
	}
	return content, true
}
