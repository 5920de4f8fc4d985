package models

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseTier(t *testing.T) {
	tests := []struct {
		input   string
		want    Tier
		wantErr bool
	}{
		{input: "free", want: TierFree},
		{input: " Internal ", want: TierInternal},
		{input: "DIRECT", want: TierDirect},
		{input: "premium", want: TierPremium},
		{input: "gold", wantErr: true},
		{input: "", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			got, err := ParseTier(tt.input)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestTier_Valid(t *testing.T) {
	for _, tier := range AllTiers {
		assert.True(t, tier.Valid(), tier)
	}
	assert.False(t, Tier("unknown").Valid())
}

func TestDeployment_TierTag(t *testing.T) {
	d := Deployment{Tags: []string{"chat", "Tier:Internal"}}
	tier, ok := d.TierTag()
	assert.True(t, ok)
	assert.Equal(t, TierInternal, tier)

	d = Deployment{Tags: []string{"tier:bogus", "code"}}
	_, ok = d.TierTag()
	assert.False(t, ok)
}

func TestDeployment_UpstreamModel(t *testing.T) {
	tests := []struct {
		model string
		want  string
	}{
		{model: "openrouter/anthropic/claude-3.5-sonnet", want: "anthropic/claude-3.5-sonnet"},
		{model: "huggingface/Qwen/Qwen2.5-72B-Instruct", want: "Qwen/Qwen2.5-72B-Instruct"},
		{model: "ollama_chat/qwen2.5:7b", want: "qwen2.5:7b"},
		{model: "gpt-4o-mini", want: "gpt-4o-mini"},
		{model: "openai/", want: "openai/"},
	}

	for _, tt := range tests {
		t.Run(tt.model, func(t *testing.T) {
			assert.Equal(t, tt.want, Deployment{Model: tt.model}.UpstreamModel())
		})
	}
}

func TestDeployment_Key(t *testing.T) {
	a := Deployment{ModelName: "rainymodel/auto", ProviderID: "hf", Tags: []string{"a", "b"}}
	b := a
	b.Tags = []string{"a", "b"}
	assert.Equal(t, a.Key(), b.Key())

	b.Tags = []string{"ab"}
	assert.NotEqual(t, a.Key(), b.Key())

	// Timeout and key material are not part of the identity
	c := a
	c.Timeout = time.Second
	c.APIKey = "secret"
	assert.Equal(t, a.Key(), c.Key())
}

func TestNewRequestRecord(t *testing.T) {
	rec := NewRequestRecord("req-1", "rainymodel/chat", "auto", true)

	assert.NotEqual(t, uuid.Nil, rec.ID)
	assert.Equal(t, "req-1", rec.RequestID)
	assert.Equal(t, "rainymodel/chat", rec.Alias)
	assert.True(t, rec.Stream)
	assert.False(t, rec.Timestamp.IsZero())
	assert.Equal(t, "request_logs", rec.TableName())
}

func TestRequestRecord_Mark(t *testing.T) {
	rec := NewRequestRecord("req-2", "rainymodel/auto", "free", false)
	rec.MarkSucceeded("hf", "free", "Qwen/Qwen2.5-72B-Instruct", 420, 200)
	rec.InputTokens, rec.OutputTokens = 12, 30

	assert.True(t, rec.Success)
	assert.Equal(t, 42, rec.TotalTokens())
	assert.Equal(t, 200, rec.StatusCode)

	rec.MarkFailed("AllUpstreamsFailed", "boom", 900, 502)
	assert.False(t, rec.Success)
	assert.Equal(t, "AllUpstreamsFailed", rec.ErrorType)
	assert.Equal(t, 502, rec.StatusCode)
}
