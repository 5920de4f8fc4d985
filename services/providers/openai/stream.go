package openai

import (
	"bufio"
	"bytes"
	"io"
	"sync"
)

const (
	maxEventSize = 8 << 20
	doneMarker   = "[DONE]"
)

var dataPrefix = []byte("data:")

// StreamReader reads the data payloads of a chat completions event stream.
// Recv returns io.EOF on the [DONE] marker or at the end of the body.
type StreamReader struct {
	body    io.ReadCloser
	scanner *bufio.Scanner

	closeOnce sync.Once
	closeErr  error
}

// NewStreamReader wraps an upstream response body
func NewStreamReader(body io.ReadCloser) *StreamReader {
	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64*1024), maxEventSize)
	return &StreamReader{body: body, scanner: scanner}
}

// Recv returns the next event's data. Multi-line data fields are joined
// with newlines; comments and other fields are skipped.
func (r *StreamReader) Recv() ([]byte, error) {
	var data []byte
	hasData := false

	for r.scanner.Scan() {
		line := r.scanner.Bytes()

		if len(line) == 0 {
			if hasData {
				return r.event(data)
			}
			continue
		}
		if !bytes.HasPrefix(line, dataPrefix) {
			continue
		}

		value := bytes.TrimPrefix(line, dataPrefix)
		value = bytes.TrimPrefix(value, []byte(" "))
		if hasData {
			data = append(data, '\n')
		}
		data = append(data, value...)
		hasData = true
	}

	if err := r.scanner.Err(); err != nil {
		return nil, err
	}
	if hasData {
		return r.event(data)
	}
	return nil, io.EOF
}

func (r *StreamReader) event(data []byte) ([]byte, error) {
	if string(bytes.TrimSpace(data)) == doneMarker {
		return nil, io.EOF
	}
	return data, nil
}

// Close closes the underlying body
func (r *StreamReader) Close() error {
	r.closeOnce.Do(func() {
		r.closeErr = r.body.Close()
	})
	return r.closeErr
}
