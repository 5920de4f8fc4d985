package dispatch

import (
	"bytes"
	"context"
	"errors"
	"io"
	"sync"
)

// Relay turns an upstream ChunkStream into a Sequence. It is primed with the
// first chunk before the executor declares the attempt successful; after
// that, failures are reported as *StreamInterruptedError.
type Relay struct {
	mu       sync.Mutex
	src      ChunkStream
	cancel   func() // cancels the attempt context
	provider string

	pending   *Fragment
	delivered int
	finished  bool // final fragment emitted
	closed    bool
	err       error // terminal error, repeated on later calls
	usage     *Usage
}

// NewRelay wraps src. cancel is invoked on Close and on terminal errors.
func NewRelay(src ChunkStream, provider string, cancel func()) *Relay {
	if cancel == nil {
		cancel = func() {}
	}
	return &Relay{src: src, provider: provider, cancel: cancel}
}

// Prime reads and validates the first chunk. An empty stream, a transport
// error, malformed JSON or an error member all fail the attempt with an
// error the executor can classify.
func (r *Relay) Prime() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	for {
		data, err := r.src.Recv()
		if err == io.EOF {
			return &AttemptError{Kind: KindBadResponse, Provider: r.provider, Message: "stream ended before first chunk"}
		}
		if err != nil {
			return err
		}
		if len(bytes.TrimSpace(data)) == 0 {
			continue
		}
		info, err := inspectPayload(data)
		if err != nil {
			return withProvider(err, r.provider)
		}
		r.track(info)
		r.pending = &Fragment{Data: data}
		return nil
	}
}

// Next returns the next fragment
func (r *Relay) Next(ctx context.Context) (Fragment, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.err != nil {
		return Fragment{}, r.err
	}
	if r.finished {
		return Fragment{}, io.EOF
	}
	if r.pending != nil {
		frag := *r.pending
		r.pending = nil
		r.delivered++
		return frag, nil
	}
	if r.closed {
		return Fragment{}, r.interrupt(errors.New("stream closed"))
	}
	if err := ctx.Err(); err != nil {
		return Fragment{}, r.interrupt(err)
	}

	for {
		data, err := r.src.Recv()
		if err == io.EOF {
			r.finished = true
			r.release()
			return Fragment{Final: true}, nil
		}
		if err != nil {
			return Fragment{}, r.interrupt(err)
		}
		if len(bytes.TrimSpace(data)) == 0 {
			continue
		}
		info, err := inspectPayload(data)
		if err != nil {
			return Fragment{}, r.interrupt(err)
		}
		r.track(info)
		r.delivered++
		return Fragment{Data: data}, nil
	}
}

// Close releases the upstream stream
func (r *Relay) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.release()
}

// Usage returns the last usage block seen on the stream
func (r *Relay) Usage() (Usage, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.usage == nil {
		return Usage{}, false
	}
	return *r.usage, true
}

func (r *Relay) track(info payloadInfo) {
	if info.Usage != nil {
		u := *info.Usage
		r.usage = &u
	}
}

// interrupt records a terminal mid-stream failure; caller holds mu
func (r *Relay) interrupt(cause error) error {
	r.err = &StreamInterruptedError{Provider: r.provider, Fragments: r.delivered, Err: cause}
	r.release()
	return r.err
}

// release closes the source once; caller holds mu
func (r *Relay) release() error {
	if r.closed {
		return nil
	}
	r.closed = true
	err := r.src.Close()
	r.cancel()
	return err
}

func withProvider(err error, provider string) error {
	var ae *AttemptError
	if errors.As(err, &ae) && ae.Provider == "" {
		cp := *ae
		cp.Provider = provider
		return &cp
	}
	return err
}
