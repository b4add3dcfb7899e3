package scrape

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/somewheresy/discord-LLM-chatbot/internal/htmltext"
)

// State is a tracker's position in the fetch-job machine. Submission happens
// before a tracker exists; everything after lives here.
type State string

const (
	StatePolling         State = "polling"
	StateSummarizing     State = "summarizing"
	StateDelivered       State = "delivered"
	StatePollError       State = "poll_error"
	StateMalformedResult State = "malformed_result"
)

func (s State) Terminal() bool {
	switch s {
	case StateDelivered, StatePollError, StateMalformedResult:
		return true
	}
	return false
}

// SummarizeFunc turns fetched page text into a short summary.
type SummarizeFunc func(ctx context.Context, content string) (string, error)

// DeliverFunc sends text to the job's destination.
type DeliverFunc func(ctx context.Context, text string) error

// Tracker owns the poll-until-finished machine for submitted jobs. Unlike a
// fire-and-forget poll loop, every run is bounded by MaxAttempts and Timeout
// and returns a cancellation handle to its caller.
type Tracker struct {
	Client      *Client
	Interval    time.Duration
	MaxAttempts int
	Timeout     time.Duration
	Summarize   SummarizeFunc
	Deliver     DeliverFunc
	Logger      *slog.Logger

	// OnDone fires once per job when its run reaches a terminal state, so
	// the orchestrator can forget the handle.
	OnDone func(jobID string, state State)
}

const (
	DefaultInterval    = 10 * time.Second
	DefaultMaxAttempts = 60
	DefaultTimeout     = 15 * time.Minute
)

// Handle controls one running poll task.
type Handle struct {
	JobID string

	cancel context.CancelFunc
	done   chan struct{}

	mu    sync.Mutex
	state State
}

func (h *Handle) Cancel()               { h.cancel() }
func (h *Handle) Done() <-chan struct{} { return h.done }

func (h *Handle) State() State {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.state
}

func (h *Handle) setState(s State) {
	h.mu.Lock()
	h.state = s
	h.mu.Unlock()
}

// Start schedules the poll task for a job already submitted via SubmitJob
// and returns its handle.
func (t *Tracker) Start(jobID string) *Handle {
	interval := t.Interval
	if interval <= 0 {
		interval = DefaultInterval
	}
	maxAttempts := t.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = DefaultMaxAttempts
	}
	timeout := t.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	logger := t.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("job_id", jobID)

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	h := &Handle{
		JobID:  jobID,
		cancel: cancel,
		done:   make(chan struct{}),
		state:  StatePolling,
	}

	go func() {
		defer cancel()
		state := t.run(ctx, logger, jobID, interval, maxAttempts, h)
		h.setState(state)
		close(h.done)
		if t.OnDone != nil {
			t.OnDone(jobID, state)
		}
	}()
	return h
}

func (t *Tracker) run(ctx context.Context, logger *slog.Logger, jobID string, interval time.Duration, maxAttempts int, h *Handle) State {
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if err := sleepWithContext(ctx, interval); err != nil {
			logger.Warn("scrape_poll_canceled", "attempt", attempt, "error", err.Error())
			return StatePollError
		}

		status, err := t.Client.JobStatus(ctx, jobID)
		if err != nil {
			logger.Warn("scrape_poll_error", "attempt", attempt, "error", err.Error())
			continue
		}
		logger.Debug("scrape_poll_status", "attempt", attempt, "status", status)
		if status != StatusFinished {
			continue
		}

		raw, err := t.Client.JobResult(ctx, jobID)
		if err != nil {
			logger.Warn("scrape_result_error", "error", err.Error())
			return StatePollError
		}
		if len(raw) == 0 {
			logger.Warn("scrape_result_empty")
			return StatePollError
		}

		content, ok := resultContent(raw)
		if !ok {
			logger.Warn("scrape_result_malformed", "raw", string(raw))
			return StateMalformedResult
		}

		h.setState(StateSummarizing)
		summary, err := t.Summarize(ctx, content)
		if err != nil {
			logger.Warn("scrape_summarize_error", "error", err.Error())
			return StatePollError
		}
		if err := t.Deliver(ctx, summary); err != nil {
			logger.Warn("scrape_deliver_error", "error", err.Error())
			return StatePollError
		}
		logger.Info("scrape_delivered")
		return StateDelivered
	}
	logger.Warn("scrape_poll_exhausted", "max_attempts", maxAttempts)
	return StatePollError
}

// resultContent extracts summarizable text from a finished job's payload.
// The payload must be JSON; inside it, a response.body field holds the
// fetched page when the provider includes one.
func resultContent(raw []byte) (string, bool) {
	var payload struct {
		Response struct {
			Body string `json:"body"`
		} `json:"response"`
	}
	if err := json.Unmarshal(raw, &payload); err != nil {
		return "", false
	}
	if payload.Response.Body != "" {
		return htmltext.Extract(payload.Response.Body), true
	}
	return string(raw), true
}

func sleepWithContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
