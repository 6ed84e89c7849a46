package inference

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
)

// ChunkParser incrementally extracts message fragments from the AI service's
// line-oriented streaming convention:
//
//	frame    = line* blank-line
//	line     = "data:" SP* json
//	json     = {"message": <fragment>} | {"done": true}
//
// The service's stream is not valid SSE from a client's point of view, so
// frames are reassembled here. A frame may straddle two read chunks; input is
// buffered until a blank-line terminator is seen. Lines may end in LF or
// CRLF.
type ChunkParser struct {
	buf []byte
}

// Feed appends a chunk and returns the fragments of every frame completed by
// it, in arrival order. Unparsable or non-message frames are skipped.
func (p *ChunkParser) Feed(chunk []byte) []string {
	p.buf = append(p.buf, chunk...)

	var fragments []string
	for {
		idx, end := frameEnd(p.buf)
		if idx < 0 {
			break
		}
		frame := p.buf[:idx]
		p.buf = p.buf[end:]
		fragments = append(fragments, parseFrame(frame)...)
	}
	return fragments
}

// Flush drains whatever is buffered as a final frame. Providers routinely
// omit the blank line after the last frame before closing the stream.
func (p *ChunkParser) Flush() []string {
	if len(p.buf) == 0 {
		return nil
	}
	frame := p.buf
	p.buf = nil
	return parseFrame(frame)
}

// frameEnd locates the first blank line ("\n\n" with optional CRs) and
// returns the frame length and the offset just past the separator.
func frameEnd(buf []byte) (int, int) {
	for i := 0; i < len(buf); i++ {
		if buf[i] != '\n' {
			continue
		}
		j := i + 1
		if j < len(buf) && buf[j] == '\r' {
			j++
		}
		if j < len(buf) && buf[j] == '\n' {
			return i, j + 1
		}
	}
	return -1, -1
}

func parseFrame(frame []byte) []string {
	var fragments []string
	for _, line := range bytes.Split(frame, []byte("\n")) {
		line = bytes.TrimSpace(line)
		if !bytes.HasPrefix(line, []byte("data:")) {
			continue
		}
		payload := bytes.TrimSpace(bytes.TrimPrefix(line, []byte("data:")))
		if len(payload) == 0 || bytes.Equal(payload, []byte("[DONE]")) {
			continue
		}
		var msg struct {
			Message string `json:"message"`
			Done    bool   `json:"done"`
		}
		if err := json.Unmarshal(payload, &msg); err != nil {
			continue
		}
		if msg.Message != "" {
			fragments = append(fragments, msg.Message)
		}
	}
	return fragments
}

// ConsumeMessageStream drains r through a ChunkParser, invoking onFragment for
// each text fragment in arrival order. The body is closed on every exit path;
// when ctx ends mid-stream a watcher goroutine closes the body so the blocked
// read unwinds and the upstream connection is released. A clean EOF flushes
// any unterminated final frame and resolves normally even when zero fragments
// were emitted.
func ConsumeMessageStream(ctx context.Context, r io.ReadCloser, onFragment func(string) error) error {
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			_ = r.Close()
		case <-done:
		}
	}()
	defer r.Close()

	var parser ChunkParser
	buf := make([]byte, 4096)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			for _, fragment := range parser.Feed(buf[:n]) {
				if cbErr := onFragment(fragment); cbErr != nil {
					return cbErr
				}
			}
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				for _, fragment := range parser.Flush() {
					if cbErr := onFragment(fragment); cbErr != nil {
						return cbErr
					}
				}
				return nil
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return err
		}
	}
}
