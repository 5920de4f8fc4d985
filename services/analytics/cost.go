package analytics

import "math"

// Rate is an estimated price in USD per one million tokens
type Rate struct {
	Input  float64 `json:"input"`
	Output float64 `json:"output"`
}

var defaultRate = Rate{Input: 1.00, Output: 5.00}

// costPer1M is keyed by provider id and upstream label
var costPer1M = map[string]Rate{
	"openai":        {Input: 2.50, Output: 10.00},
	"anthropic":     {Input: 3.00, Output: 15.00},
	"claude":        {Input: 3.00, Output: 15.00},
	"xai":           {Input: 2.00, Output: 10.00},
	"deepseek":      {Input: 0.27, Output: 1.10},
	"gemini":        {Input: 0.10, Output: 0.40},
	"openrouter":    {Input: 1.00, Output: 5.00},
	"hf":            {Input: 0, Output: 0},
	"ollama":        {Input: 0, Output: 0},
	"ollamafreeapi": {Input: 0, Output: 0},
}

// RateFor returns the price table entry for an upstream
func RateFor(upstream string) Rate {
	if r, ok := costPer1M[upstream]; ok {
		return r
	}
	return defaultRate
}

// Cost estimates the USD cost of a request
func Cost(upstream string, inputTokens, outputTokens int) float64 {
	r := RateFor(upstream)
	return (float64(inputTokens)*r.Input + float64(outputTokens)*r.Output) / 1_000_000
}

func round(x float64, places int) float64 {
	p := math.Pow(10, float64(places))
	return math.Round(x*p) / p
}
