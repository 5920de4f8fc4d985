package dispatch

import (
	"context"
	"io"
	"sync"
)

// Fragment is one piece of a routed response body. A buffered response is
// a single fragment with Final set; a stream yields data fragments followed
// by one Final fragment without data.
type Fragment struct {
	Data  []byte
	Final bool
}

// Sequence is the lazy body of a routed response. Next returns io.EOF once
// the final fragment has been consumed. Close releases the upstream and may
// be called at any time, more than once.
type Sequence interface {
	Next(ctx context.Context) (Fragment, error)
	Close() error
}

// UsageReporter is implemented by sequences that saw token usage
type UsageReporter interface {
	Usage() (Usage, bool)
}

// bufferedSequence wraps a complete body
type bufferedSequence struct {
	mu    sync.Mutex
	body  []byte
	usage *Usage
	done  bool
}

// NewBufferedSequence returns a single-fragment sequence over body
func NewBufferedSequence(body []byte) Sequence {
	seq := &bufferedSequence{body: body}
	if info, err := inspectPayload(body); err == nil {
		seq.usage = info.Usage
	}
	return seq
}

func (s *bufferedSequence) Next(ctx context.Context) (Fragment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.done {
		return Fragment{}, io.EOF
	}
	s.done = true
	return Fragment{Data: s.body, Final: true}, nil
}

func (s *bufferedSequence) Close() error {
	s.mu.Lock()
	s.done = true
	s.mu.Unlock()
	return nil
}

func (s *bufferedSequence) Usage() (Usage, bool) {
	if s.usage == nil {
		return Usage{}, false
	}
	return *s.usage, true
}

// ReadAll drains a sequence and returns the concatenated data
func ReadAll(ctx context.Context, seq Sequence) ([]byte, error) {
	defer seq.Close()
	var out []byte
	for {
		frag, err := seq.Next(ctx)
		if err == io.EOF {
			return out, nil
		}
		if err != nil {
			return out, err
		}
		out = append(out, frag.Data...)
	}
}
