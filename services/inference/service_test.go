package inference

import (
	"context"
	"errors"
	"io"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/upb/rainymodel/models"
	"github.com/upb/rainymodel/services"
	"github.com/upb/rainymodel/services/dispatch"
	"github.com/upb/rainymodel/services/routing"
)

// Mock implementations

type MockPlanner struct {
	mock.Mock
}

func (m *MockPlanner) NormalizeAlias(model string) string {
	args := m.Called(model)
	return args.String(0)
}

func (m *MockPlanner) PlanFor(alias, policy string) (routing.Plan, error) {
	args := m.Called(alias, policy)
	return args.Get(0).(routing.Plan), args.Error(1)
}

type MockDispatcher struct {
	mock.Mock
}

func (m *MockDispatcher) Dispatch(ctx context.Context, plan routing.Plan, body []byte, stream bool) (*dispatch.RoutedResponse, error) {
	args := m.Called(ctx, plan, body, stream)
	if resp := args.Get(0); resp != nil {
		return resp.(*dispatch.RoutedResponse), args.Error(1)
	}
	return nil, args.Error(1)
}

type MockRecorder struct {
	mock.Mock
}

func (m *MockRecorder) Record(rec models.RequestRecord) {
	m.Called(rec)
}

// fakeStream yields fragments then ends with err (io.EOF when nil)
type fakeStream struct {
	frags  []dispatch.Fragment
	err    error
	usage  *dispatch.Usage
	closed bool
}

func (f *fakeStream) Next(ctx context.Context) (dispatch.Fragment, error) {
	if len(f.frags) == 0 {
		if f.err != nil {
			return dispatch.Fragment{}, f.err
		}
		return dispatch.Fragment{}, io.EOF
	}
	frag := f.frags[0]
	f.frags = f.frags[1:]
	return frag, nil
}

func (f *fakeStream) Close() error {
	f.closed = true
	return nil
}

func (f *fakeStream) Usage() (dispatch.Usage, bool) {
	if f.usage == nil {
		return dispatch.Usage{}, false
	}
	return *f.usage, true
}

func candidate(id string, tier models.Tier) routing.Candidate {
	return routing.Candidate{
		Deployment: models.Deployment{ModelName: "rainymodel/auto", ProviderID: id, Model: id + "-model"},
		Tier:       tier,
		Upstream:   id,
	}
}

func testPlan() routing.Plan {
	plan := routing.Order(routing.PolicyAuto, []routing.Candidate{
		candidate("hf", models.TierFree),
		candidate("openrouter", models.TierPremium),
	})
	plan.Alias = "rainymodel/auto"
	return plan
}

func setupService() (*InferenceService, *MockPlanner, *MockDispatcher, *MockRecorder) {
	planner := new(MockPlanner)
	dispatcher := new(MockDispatcher)
	recorder := new(MockRecorder)
	return NewInferenceService(planner, dispatcher, recorder, zap.NewNop()), planner, dispatcher, recorder
}

func fallbackResponse(body dispatch.Sequence, streaming bool) *dispatch.RoutedResponse {
	plan := testPlan()
	trail := dispatch.Trail{
		{Candidate: plan.Candidates[0], Kind: dispatch.KindTimeout, Message: "timeout"},
		{Candidate: plan.Candidates[1], Success: true, StatusCode: http.StatusOK},
	}
	start := time.Now()
	return &dispatch.RoutedResponse{
		Metadata:  dispatch.BuildMetadata(start, trail, plan, start.Add(840*time.Millisecond)),
		Body:      body,
		Streaming: streaming,
		Trail:     trail,
	}
}

func TestParseRequest(t *testing.T) {
	svc, _, _, _ := setupService()

	tests := []struct {
		name    string
		body    string
		wantErr error
	}{
		{"valid", `{"model":"rainymodel/chat","messages":[{"role":"user","content":"hi"}]}`, nil},
		{"stream flag", `{"messages":[{"role":"user","content":"hi"}],"stream":true}`, nil},
		{"not json", `{"messages":`, services.ErrInvalidJSON},
		{"missing messages", `{"model":"rainymodel/chat"}`, services.ErrEmptyMessages},
		{"empty messages", `{"messages":[]}`, services.ErrEmptyMessages},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req, err := svc.ParseRequest([]byte(tt.body))
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				assert.True(t, services.IsValidationError(err))
				return
			}
			require.NoError(t, err)
			assert.NotEmpty(t, req.Messages)
		})
	}

	req, err := svc.ParseRequest([]byte(`{"messages":[{"role":"user","content":"hi"}],"stream":true}`))
	require.NoError(t, err)
	assert.True(t, req.Stream)
}

func TestRoute_BufferedSuccessRecordsFallback(t *testing.T) {
	svc, planner, dispatcher, recorder := setupService()
	ctx := context.Background()
	body := []byte(`{"messages":[{"role":"user","content":"hi"}]}`)
	upstream := []byte(`{"id":"x","usage":{"prompt_tokens":11,"completion_tokens":7,"total_tokens":18}}`)

	planner.On("NormalizeAlias", "gpt-4").Return("rainymodel/auto")
	planner.On("PlanFor", "rainymodel/auto", "auto").Return(testPlan(), nil)
	dispatcher.On("Dispatch", ctx, mock.AnythingOfType("routing.Plan"), body, false).
		Return(fallbackResponse(dispatch.NewBufferedSequence(upstream), false), nil)

	var got models.RequestRecord
	recorder.On("Record", mock.Anything).Run(func(args mock.Arguments) {
		got = args.Get(0).(models.RequestRecord)
	}).Once()

	resp, err := svc.Route(ctx, RouteRequest{Alias: "gpt-4", Policy: "auto", Body: body, RequestID: "req-1"})
	require.NoError(t, err)
	assert.Equal(t, "openrouter", resp.Metadata.ProviderID)

	recorder.AssertExpectations(t)
	assert.True(t, got.Success)
	assert.Equal(t, "req-1", got.RequestID)
	assert.Equal(t, "rainymodel/auto", got.Alias)
	assert.Equal(t, "openrouter", got.Upstream)
	assert.Equal(t, "premium", got.Route)
	assert.Equal(t, "openrouter-model", got.Model)
	assert.Equal(t, "hf", got.FallbackFrom)
	assert.Equal(t, "hf,openrouter", got.Tried)
	assert.Equal(t, 840, got.LatencyMs)
	assert.Equal(t, 11, got.InputTokens)
	assert.Equal(t, 7, got.OutputTokens)

	data, err := dispatch.ReadAll(ctx, resp.Body)
	require.NoError(t, err)
	assert.Equal(t, upstream, data)
}

func TestRoute_GeneratesRequestID(t *testing.T) {
	svc, planner, dispatcher, recorder := setupService()

	planner.On("NormalizeAlias", "").Return("rainymodel/auto")
	planner.On("PlanFor", "rainymodel/auto", "").Return(testPlan(), nil)
	dispatcher.On("Dispatch", mock.Anything, mock.Anything, mock.Anything, false).
		Return(fallbackResponse(dispatch.NewBufferedSequence([]byte(`{}`)), false), nil)
	recorder.On("Record", mock.MatchedBy(func(rec models.RequestRecord) bool {
		return rec.RequestID != "" && rec.Policy == "auto"
	})).Once()

	_, err := svc.Route(context.Background(), RouteRequest{})
	require.NoError(t, err)
	recorder.AssertExpectations(t)
}

func TestRoute_NoDeployments(t *testing.T) {
	svc, planner, dispatcher, recorder := setupService()

	planner.On("NormalizeAlias", "rainymodel/none").Return("rainymodel/none")
	planner.On("PlanFor", "rainymodel/none", "auto").
		Return(routing.Plan{}, services.ErrNoDeployments.WithDetail("alias", "rainymodel/none"))
	recorder.On("Record", mock.MatchedBy(func(rec models.RequestRecord) bool {
		return !rec.Success &&
			rec.ErrorType == ErrorTypeNoDeployments &&
			rec.StatusCode == http.StatusServiceUnavailable
	})).Once()

	_, err := svc.Route(context.Background(), RouteRequest{Alias: "rainymodel/none", Policy: "auto"})
	assert.ErrorIs(t, err, services.ErrNoDeployments)
	dispatcher.AssertNotCalled(t, "Dispatch", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
	recorder.AssertExpectations(t)
}

func TestRoute_AllUpstreamsFailed(t *testing.T) {
	svc, planner, dispatcher, recorder := setupService()
	plan := testPlan()

	allErr := &dispatch.AllUpstreamsFailedError{
		Alias:  plan.Alias,
		Policy: plan.Effective,
		Trail: dispatch.Trail{
			{Candidate: plan.Candidates[0], Kind: dispatch.KindTimeout},
			{Candidate: plan.Candidates[1], Kind: dispatch.KindConnection, StatusCode: 503},
		},
		Last: &dispatch.AttemptError{Kind: dispatch.KindConnection, Provider: "openrouter", StatusCode: 503},
	}

	planner.On("NormalizeAlias", "rainymodel/auto").Return("rainymodel/auto")
	planner.On("PlanFor", "rainymodel/auto", "auto").Return(plan, nil)
	dispatcher.On("Dispatch", mock.Anything, plan, mock.Anything, false).Return(nil, allErr)

	var got models.RequestRecord
	recorder.On("Record", mock.Anything).Run(func(args mock.Arguments) {
		got = args.Get(0).(models.RequestRecord)
	}).Once()

	_, err := svc.Route(context.Background(), RouteRequest{Alias: "rainymodel/auto", Policy: "auto"})
	require.Error(t, err)
	assert.ErrorIs(t, err, services.ErrAllUpstreamsFailed)

	assert.False(t, got.Success)
	assert.Equal(t, ErrorTypeConnection, got.ErrorType)
	assert.Equal(t, http.StatusBadGateway, got.StatusCode)
	assert.Equal(t, "openrouter", got.Upstream)
	assert.Equal(t, "hf,openrouter", got.Tried)
	assert.Contains(t, got.ErrorMessage, "all upstreams failed for rainymodel/auto")
}

func TestRoute_StreamRecordsOnEnd(t *testing.T) {
	svc, planner, dispatcher, recorder := setupService()
	ctx := context.Background()

	stream := &fakeStream{
		frags: []dispatch.Fragment{
			{Data: []byte(`{"choices":[{"delta":{"content":"a"}}]}`)},
			{Final: true},
		},
		usage: &dispatch.Usage{PromptTokens: 3, CompletionTokens: 9},
	}

	planner.On("NormalizeAlias", "rainymodel/chat").Return("rainymodel/chat")
	planner.On("PlanFor", "rainymodel/chat", "free").Return(testPlan(), nil)
	dispatcher.On("Dispatch", ctx, mock.Anything, mock.Anything, true).
		Return(fallbackResponse(stream, true), nil)

	resp, err := svc.Route(ctx, RouteRequest{Alias: "rainymodel/chat", Policy: "free", Stream: true})
	require.NoError(t, err)
	recorder.AssertNotCalled(t, "Record", mock.Anything)

	recorder.On("Record", mock.MatchedBy(func(rec models.RequestRecord) bool {
		return rec.Success && rec.Stream && rec.InputTokens == 3 && rec.OutputTokens == 9
	})).Once()

	frag, err := resp.Body.Next(ctx)
	require.NoError(t, err)
	assert.NotEmpty(t, frag.Data)

	frag, err = resp.Body.Next(ctx)
	require.NoError(t, err)
	assert.True(t, frag.Final)

	_, err = resp.Body.Next(ctx)
	assert.Equal(t, io.EOF, err)
	require.NoError(t, resp.Body.Close())

	recorder.AssertExpectations(t)
	assert.True(t, stream.closed)
}

func TestRoute_StreamInterruptedRecordsFailure(t *testing.T) {
	svc, planner, dispatcher, recorder := setupService()
	ctx := context.Background()

	interrupted := &dispatch.StreamInterruptedError{Provider: "openrouter", Fragments: 1, Err: errors.New("connection reset")}
	stream := &fakeStream{
		frags: []dispatch.Fragment{{Data: []byte(`{"choices":[]}`)}},
		err:   interrupted,
	}

	planner.On("NormalizeAlias", "rainymodel/auto").Return("rainymodel/auto")
	planner.On("PlanFor", "rainymodel/auto", "auto").Return(testPlan(), nil)
	dispatcher.On("Dispatch", ctx, mock.Anything, mock.Anything, true).
		Return(fallbackResponse(stream, true), nil)
	recorder.On("Record", mock.MatchedBy(func(rec models.RequestRecord) bool {
		return !rec.Success &&
			rec.ErrorType == ErrorTypeStreamBroken &&
			rec.Upstream == "openrouter"
	})).Once()

	resp, err := svc.Route(ctx, RouteRequest{Alias: "rainymodel/auto", Policy: "auto", Stream: true})
	require.NoError(t, err)

	_, err = dispatch.ReadAll(ctx, resp.Body)
	assert.ErrorIs(t, err, services.ErrStreamInterrupted)

	recorder.AssertExpectations(t)
}

func TestRoute_StreamClosedEarlyRecordsOnce(t *testing.T) {
	svc, planner, dispatcher, recorder := setupService()

	stream := &fakeStream{frags: []dispatch.Fragment{{Data: []byte(`{}`)}, {Final: true}}}

	planner.On("NormalizeAlias", "rainymodel/auto").Return("rainymodel/auto")
	planner.On("PlanFor", "rainymodel/auto", "auto").Return(testPlan(), nil)
	dispatcher.On("Dispatch", mock.Anything, mock.Anything, mock.Anything, true).
		Return(fallbackResponse(stream, true), nil)
	recorder.On("Record", mock.Anything).Once()

	resp, err := svc.Route(context.Background(), RouteRequest{Alias: "rainymodel/auto", Policy: "auto", Stream: true})
	require.NoError(t, err)

	require.NoError(t, resp.Body.Close())
	require.NoError(t, resp.Body.Close())

	recorder.AssertNumberOfCalls(t, "Record", 1)
}

func TestClassifyFailure(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		wantType   string
		wantStatus int
	}{
		{"cancelled", context.Canceled, ErrorTypeCancelled, statusClientClosed},
		{"no deployments", services.ErrNoDeployments, ErrorTypeNoDeployments, http.StatusServiceUnavailable},
		{"catalog not loaded", services.ErrCatalogNotLoaded, ErrorTypeNoDeployments, http.StatusServiceUnavailable},
		{"aborted", &dispatch.AllUpstreamsFailedError{Aborted: true, Cause: context.DeadlineExceeded}, ErrorTypeDeadline, http.StatusBadGateway},
		{"exhausted timeout", &dispatch.AllUpstreamsFailedError{Trail: dispatch.Trail{{Kind: dispatch.KindTimeout}}}, ErrorTypeTimeout, http.StatusBadGateway},
		{"exhausted with expired last attempt", &dispatch.AllUpstreamsFailedError{
			Trail: dispatch.Trail{{Kind: dispatch.KindTimeout}},
			Last:  &dispatch.AttemptError{Kind: dispatch.KindTimeout, Err: context.Canceled},
		}, ErrorTypeTimeout, http.StatusBadGateway},
		{"exhausted empty trail", &dispatch.AllUpstreamsFailedError{}, ErrorTypeBadResponse, http.StatusBadGateway},
		{"stream", &dispatch.StreamInterruptedError{Provider: "hf"}, ErrorTypeStreamBroken, http.StatusBadGateway},
		{"other", errors.New("boom"), ErrorTypeInternal, http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			errType, status := classifyFailure(tt.err)
			assert.Equal(t, tt.wantType, errType)
			assert.Equal(t, tt.wantStatus, status)
		})
	}
}
