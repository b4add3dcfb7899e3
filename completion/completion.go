// Package completion wraps an llm.Client with per-model cost metering and
// wall-clock latency measurement.
package completion

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/somewheresy/discord-LLM-chatbot/llm"
)

// ErrUnknownModel means the requested model has no entry in the rate table.
// Unknown models fail the request rather than silently billing at some
// default rate.
var ErrUnknownModel = errors.New("unknown model: no cost rate configured")

type Result struct {
	Text    string
	Cost    float64
	Elapsed time.Duration
}

// Meter issues completion requests and computes their estimated cost from a
// rate table keyed by model identifier (USD per 1K tokens).
type Meter struct {
	Client llm.Client
	Rates  map[string]float64
	Logger *slog.Logger
}

func NewMeter(client llm.Client, rates map[string]float64, logger *slog.Logger) *Meter {
	if logger == nil {
		logger = slog.Default()
	}
	return &Meter{Client: client, Rates: rates, Logger: logger}
}

func (m *Meter) Complete(ctx context.Context, msgs []llm.Message, model string, temperature float64) (Result, error) {
	if m == nil || m.Client == nil {
		return Result{}, fmt.Errorf("completion meter is not initialized")
	}
	rate, ok := m.Rates[model]
	if !ok {
		return Result{}, fmt.Errorf("%w: %q", ErrUnknownModel, model)
	}

	start := time.Now()
	res, err := m.Client.Chat(ctx, llm.Request{
		Model:       model,
		Messages:    msgs,
		Temperature: temperature,
	})
	elapsed := time.Since(start)
	if err != nil {
		return Result{}, err
	}

	cost := rate * float64(res.Usage.TotalTokens) / 1000
	m.Logger.Info("completion_ok",
		"model", model,
		"total_tokens", res.Usage.TotalTokens,
		"cost_usd", cost,
		"elapsed_ms", elapsed.Milliseconds(),
	)
	return Result{Text: res.Text, Cost: cost, Elapsed: elapsed}, nil
}
