package dispatch

import (
	"context"
	"errors"
	"io"
	"sync"
	"time"

	"github.com/stretchr/testify/mock"

	"github.com/upb/rainymodel/models"
	"github.com/upb/rainymodel/services/routing"
)

// MockBackend is a mock implementation of Backend
type MockBackend struct {
	mock.Mock
}

func (m *MockBackend) Complete(ctx context.Context, req Request) (*Completion, error) {
	args := m.Called(ctx, req)
	if fn, ok := args.Get(0).(func(context.Context) (*Completion, error)); ok {
		return fn(ctx)
	}
	var c *Completion
	if v := args.Get(0); v != nil {
		c = v.(*Completion)
	}
	return c, args.Error(1)
}

func (m *MockBackend) Stream(ctx context.Context, req Request) (ChunkStream, error) {
	args := m.Called(ctx, req)
	if fn, ok := args.Get(0).(func(context.Context) ChunkStream); ok {
		return fn(ctx), args.Error(1)
	}
	if fn, ok := args.Get(0).(func(context.Context) (ChunkStream, error)); ok {
		return fn(ctx)
	}
	var s ChunkStream
	if v := args.Get(0); v != nil {
		s = v.(ChunkStream)
	}
	return s, args.Error(1)
}

func forProvider(id string) interface{} {
	return mock.MatchedBy(func(r Request) bool { return r.Candidate.ProviderID() == id })
}

// blockUntilDone returns a Complete behaviour that waits for the attempt context
func blockUntilDone() func(context.Context) (*Completion, error) {
	return func(ctx context.Context) (*Completion, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}
}

func okCompletion(body string) *Completion {
	return &Completion{Body: []byte(body), StatusCode: 200}
}

// sliceStream replays chunks, then err (or io.EOF when err is nil)
type sliceStream struct {
	mu     sync.Mutex
	chunks []string
	err    error
	i      int
	closed bool
}

func newSliceStream(err error, chunks ...string) *sliceStream {
	return &sliceStream{chunks: chunks, err: err}
}

func (s *sliceStream) Recv() ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, errors.New("read on closed stream")
	}
	if s.i < len(s.chunks) {
		c := s.chunks[s.i]
		s.i++
		return []byte(c), nil
	}
	if s.err != nil {
		return nil, s.err
	}
	return nil, io.EOF
}

func (s *sliceStream) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func (s *sliceStream) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// ctxStream blocks on Recv until its context ends
type ctxStream struct {
	ctx context.Context
}

func (s *ctxStream) Recv() ([]byte, error) {
	<-s.ctx.Done()
	return nil, s.ctx.Err()
}

func (s *ctxStream) Close() error { return nil }

func candidate(id string, tier models.Tier, timeout time.Duration) routing.Candidate {
	return routing.Candidate{
		Deployment: models.Deployment{
			ModelName:  "rainymodel/auto",
			ProviderID: id,
			Model:      id + "-model",
			Timeout:    timeout,
		},
		Tier:     tier,
		Upstream: id,
	}
}

func planOf(cs ...routing.Candidate) routing.Plan {
	plan := routing.Order(routing.PolicyAuto, cs)
	plan.Alias = "rainymodel/auto"
	return plan
}
