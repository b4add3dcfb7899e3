// Package agent orchestrates one inbound chat message: directive parsing,
// routing, conversation bookkeeping, and chunked delivery.
package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/somewheresy/discord-LLM-chatbot/completion"
	"github.com/somewheresy/discord-LLM-chatbot/dialog"
	"github.com/somewheresy/discord-LLM-chatbot/directive"
	"github.com/somewheresy/discord-LLM-chatbot/internal/textchunk"
	"github.com/somewheresy/discord-LLM-chatbot/llm"
	"github.com/somewheresy/discord-LLM-chatbot/scrape"
	"github.com/somewheresy/discord-LLM-chatbot/search"
)

// SendTextFunc delivers one text segment to a destination channel. Segments
// for one reply are sent sequentially so reading order is preserved.
type SendTextFunc func(ctx context.Context, channelID, text string) error

// Message is one inbound chat message already filtered by the platform
// layer (not authored by the bot, addressed to the bot).
type Message struct {
	SenderID   string
	SenderName string
	ChannelID  string
	Text       string
}

// Searcher is the slice of the search client the handler needs.
type Searcher interface {
	Search(ctx context.Context, query string) ([]search.Result, error)
}

// Submitter is the slice of the scrape client the handler needs. Submission
// always yields a job id; fetched content only ever arrives via polling.
type Submitter interface {
	SubmitJob(ctx context.Context, url string) (string, error)
}

const (
	noticeDirectiveError = "Sorry, I couldn't read one of the directives in your message. Please check it and try again."
	noticeProviderError  = "Sorry, something went wrong while generating a reply. Please try again later."
	noticeSubmitFailed   = "Sorry, there was an issue starting the scraping job. Please try again later."

	summarizePrompt = "Please provide a brief summary of the following content: "
)

type Config struct {
	DefaultModel       string
	DefaultTemperature float64
	ChunkSize          int
	PersonaTemplate    string
	SearchMaxResults   int
}

// Handler routes inbound messages to the direct-reply, fetch, or search
// workflow. One Handler serves all senders; per-sender serialization is the
// caller's job (one worker per channel).
type Handler struct {
	cfg      Config
	store    *dialog.Store
	meter    *completion.Meter
	scraper  Submitter
	tracker  *scrape.Tracker
	searcher Searcher
	send     SendTextFunc
	logger   *slog.Logger

	mu      sync.Mutex
	handles map[string]*scrape.Handle
}

func NewHandler(cfg Config, store *dialog.Store, meter *completion.Meter, scraper Submitter, tracker *scrape.Tracker, searcher Searcher, send SendTextFunc, logger *slog.Logger) (*Handler, error) {
	if store == nil || meter == nil || send == nil {
		return nil, fmt.Errorf("store, meter and send func are required")
	}
	if cfg.DefaultModel == "" {
		return nil, fmt.Errorf("default model is required")
	}
	if cfg.DefaultTemperature == 0 {
		cfg.DefaultTemperature = 1.0
	}
	if cfg.ChunkSize <= 0 {
		cfg.ChunkSize = textchunk.DefaultMax
	}
	if cfg.SearchMaxResults <= 0 {
		cfg.SearchMaxResults = 3
	}
	if logger == nil {
		logger = slog.Default()
	}
	h := &Handler{
		cfg:      cfg,
		store:    store,
		meter:    meter,
		scraper:  scraper,
		tracker:  tracker,
		searcher: searcher,
		send:     send,
		logger:   logger,
		handles:  make(map[string]*scrape.Handle),
	}
	if tracker != nil {
		tracker.Summarize = h.summarize
		prev := tracker.OnDone
		tracker.OnDone = func(jobID string, state scrape.State) {
			h.forgetHandle(jobID)
			if prev != nil {
				prev(jobID, state)
			}
		}
	}
	return h, nil
}

// HandleMessage runs one inbound message to completion. Errors are handled
// inside: the sender gets a notice where the contract says so, and nothing
// escapes to take down sibling senders.
func (h *Handler) HandleMessage(ctx context.Context, msg Message) {
	logger := h.logger.With("request_id", uuid.NewString(), "sender_id", msg.SenderID, "channel_id", msg.ChannelID)
	logger.Info("message_received", "text_len", len(msg.Text))

	set, err := directive.Parse(msg.Text)
	if err != nil {
		var de *directive.Error
		if errors.As(err, &de) {
			logger.Warn("directive_error", "directive", de.Directive, "value", de.Value)
		} else {
			logger.Warn("directive_error", "error", err.Error())
		}
		h.deliver(ctx, logger, msg.ChannelID, noticeDirectiveError)
		return
	}

	model := set.Model
	if model == "" {
		model = h.cfg.DefaultModel
	}
	temperature := h.cfg.DefaultTemperature
	if set.HasTemperature {
		temperature = set.Temperature
	}

	switch {
	case set.URL != "":
		h.handleFetch(ctx, logger, msg.ChannelID, set.URL, true)
	case set.SearchQuery != "":
		h.handleSearch(ctx, logger, msg.ChannelID, set.SearchQuery)
	default:
		h.handleDirectReply(ctx, logger, msg, set.Cleaned, model, temperature)
	}
}

func (h *Handler) handleDirectReply(ctx context.Context, logger *slog.Logger, msg Message, text, model string, temperature float64) {
	if h.store.GetOrCreate(msg.SenderID, h.seedPrompt(msg.SenderName)) {
		logger.Info("context_created")
	}
	h.store.Append(msg.SenderID, llm.RoleUser, text)

	res, err := h.meter.Complete(ctx, h.store.Snapshot(msg.SenderID), model, temperature)
	if err != nil {
		// The user turn stays appended; rolling it back would hide what the
		// sender actually said from the next completion.
		logger.Warn("completion_error", "model", model, "error", err.Error())
		h.deliver(ctx, logger, msg.ChannelID, noticeProviderError)
		return
	}

	h.store.Append(msg.SenderID, llm.RoleAssistant, res.Text)
	h.deliver(ctx, logger, msg.ChannelID, res.Text)
}

// handleFetch submits a scrape job and schedules its poll task. With ack set,
// the sender hears about submission success or failure; search fan-out runs
// with ack so each result job is visible the same way.
func (h *Handler) handleFetch(ctx context.Context, logger *slog.Logger, channelID, url string, ack bool) {
	if h.scraper == nil || h.tracker == nil {
		logger.Warn("scrape_not_configured")
		h.deliver(ctx, logger, channelID, noticeSubmitFailed)
		return
	}
	jobID, err := h.scraper.SubmitJob(ctx, url)
	if err != nil {
		logger.Warn("scrape_submit_failed", "url", url, "error", err.Error())
		if ack {
			h.deliver(ctx, logger, channelID, noticeSubmitFailed)
		}
		return
	}
	logger.Info("scrape_submitted", "url", url, "job_id", jobID)
	if ack {
		notice := fmt.Sprintf("Received your request to scrape %s. I've started the job (ID: %s), and I'll let you know when it's completed.", url, jobID)
		h.deliver(ctx, logger, channelID, notice)
	}

	tr := *h.tracker
	tr.Deliver = func(ctx context.Context, text string) error {
		h.deliver(ctx, logger, channelID, text)
		return nil
	}
	handle := tr.Start(jobID)
	h.rememberHandle(handle)
	select {
	case <-handle.Done():
		// Terminated before we recorded it; don't leak the entry.
		h.forgetHandle(jobID)
	default:
	}
}

func (h *Handler) handleSearch(ctx context.Context, logger *slog.Logger, channelID, query string) {
	if h.searcher == nil {
		logger.Warn("search_not_configured")
		h.deliver(ctx, logger, channelID, noticeProviderError)
		return
	}
	results, err := h.searcher.Search(ctx, query)
	if err != nil {
		logger.Warn("search_error", "query", query, "error", err.Error())
		h.deliver(ctx, logger, channelID, noticeProviderError)
		return
	}
	if len(results) > h.cfg.SearchMaxResults {
		results = results[:h.cfg.SearchMaxResults]
	}
	logger.Info("search_ok", "query", query, "results", len(results))
	for _, r := range results {
		h.handleFetch(ctx, logger, channelID, r.URL, true)
	}
}

// summarize builds the stateless summarization turn for fetched content. It
// deliberately has no access to any sender's conversation context.
func (h *Handler) summarize(ctx context.Context, content string) (string, error) {
	msgs := []llm.Message{{Role: llm.RoleSystem, Content: summarizePrompt + content}}
	res, err := h.meter.Complete(ctx, msgs, h.cfg.DefaultModel, h.cfg.DefaultTemperature)
	if err != nil {
		return "", err
	}
	return res.Text, nil
}

// deliver chunks text and sends the segments in order. A failed segment
// aborts the rest so the destination never sees a gap mid-reply.
func (h *Handler) deliver(ctx context.Context, logger *slog.Logger, channelID, text string) {
	for _, chunk := range textchunk.Split(text, h.cfg.ChunkSize) {
		if err := h.send(ctx, channelID, chunk); err != nil {
			logger.Warn("send_error", "error", err.Error())
			return
		}
	}
}

func (h *Handler) seedPrompt(senderName string) string {
	now := time.Now().Format("2006-01-02, 15:04:05")
	return strings.NewReplacer("{{time}}", now, "{{name}}", senderName).Replace(h.cfg.PersonaTemplate)
}

func (h *Handler) rememberHandle(handle *scrape.Handle) {
	h.mu.Lock()
	h.handles[handle.JobID] = handle
	h.mu.Unlock()
}

func (h *Handler) forgetHandle(jobID string) {
	h.mu.Lock()
	delete(h.handles, jobID)
	h.mu.Unlock()
}

// PendingJobs reports the job ids whose poll tasks have not yet terminated.
func (h *Handler) PendingJobs() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	ids := make([]string, 0, len(h.handles))
	for id := range h.handles {
		ids = append(ids, id)
	}
	return ids
}

// CancelPending cancels every outstanding poll task, e.g. at shutdown.
func (h *Handler) CancelPending() {
	h.mu.Lock()
	handles := make([]*scrape.Handle, 0, len(h.handles))
	for _, handle := range h.handles {
		handles = append(handles, handle)
	}
	h.mu.Unlock()
	for _, handle := range handles {
		handle.Cancel()
	}
}
