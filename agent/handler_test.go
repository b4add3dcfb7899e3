package agent

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/somewheresy/discord-LLM-chatbot/completion"
	"github.com/somewheresy/discord-LLM-chatbot/dialog"
	"github.com/somewheresy/discord-LLM-chatbot/llm"
	"github.com/somewheresy/discord-LLM-chatbot/scrape"
	"github.com/somewheresy/discord-LLM-chatbot/search"
)

type fakeLLM struct {
	mu    sync.Mutex
	reply string
	err   error
	reqs  []llm.Request
}

func (f *fakeLLM) Chat(ctx context.Context, req llm.Request) (llm.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reqs = append(f.reqs, req)
	if f.err != nil {
		return llm.Result{}, f.err
	}
	return llm.Result{Text: f.reply, Usage: llm.Usage{TotalTokens: 100}}, nil
}

func (f *fakeLLM) requests() []llm.Request {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]llm.Request(nil), f.reqs...)
}

type sendRecorder struct {
	mu    sync.Mutex
	sends []string
	err   error
}

func (s *sendRecorder) send(ctx context.Context, channelID, text string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.sends = append(s.sends, text)
	return nil
}

func (s *sendRecorder) all() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.sends...)
}

type fakeSubmitter struct {
	mu   sync.Mutex
	err  error
	urls []string
	next int
}

func (f *fakeSubmitter) SubmitJob(ctx context.Context, url string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return "", f.err
	}
	f.urls = append(f.urls, url)
	f.next++
	return fmt.Sprintf("job-%d", f.next), nil
}

type fakeSearcher struct {
	results []search.Result
	err     error
	queries []string
}

func (f *fakeSearcher) Search(ctx context.Context, query string) ([]search.Result, error) {
	f.queries = append(f.queries, query)
	return f.results, f.err
}

func discard() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func newTestHandler(t *testing.T, fc *fakeLLM, rec *sendRecorder, sub Submitter, tr *scrape.Tracker, se Searcher) (*Handler, *dialog.Store) {
	t.Helper()
	store := dialog.NewStore(5)
	meter := completion.NewMeter(fc, map[string]float64{"gpt-4": 0.04, "gpt-3.5-turbo": 0.002}, discard())
	h, err := NewHandler(Config{
		DefaultModel:       "gpt-3.5-turbo",
		DefaultTemperature: 1.0,
		ChunkSize:          2000,
		PersonaTemplate:    "You are a helpful assistant. The current time is {{time}}, and the person messaging you is {{name}}.",
		SearchMaxResults:   3,
	}, store, meter, sub, tr, se, rec.send, discard())
	if err != nil {
		t.Fatalf("NewHandler() error = %v", err)
	}
	return h, store
}

func TestDirectReplyNewSender(t *testing.T) {
	fc := &fakeLLM{reply: "Hi Sam!"}
	rec := &sendRecorder{}
	h, store := newTestHandler(t, fc, rec, nil, nil, nil)

	h.HandleMessage(context.Background(), Message{
		SenderID:   "u1",
		SenderName: "Sam",
		ChannelID:  "c1",
		Text:       "hello ::model=gpt-4::",
	})

	reqs := fc.requests()
	if len(reqs) != 1 {
		t.Fatalf("completion calls = %d, want 1", len(reqs))
	}
	if reqs[0].Model != "gpt-4" {
		t.Fatalf("model = %q, want gpt-4", reqs[0].Model)
	}
	if len(reqs[0].Messages) != 2 {
		t.Fatalf("completion turns = %d, want 2 (system + user)", len(reqs[0].Messages))
	}
	if reqs[0].Messages[0].Role != llm.RoleSystem || !strings.Contains(reqs[0].Messages[0].Content, "Sam") {
		t.Fatalf("system turn = %+v", reqs[0].Messages[0])
	}
	if reqs[0].Messages[1] != (llm.Message{Role: llm.RoleUser, Content: "hello "}) {
		t.Fatalf("user turn = %+v", reqs[0].Messages[1])
	}
	if got := rec.all(); len(got) != 1 || got[0] != "Hi Sam!" {
		t.Fatalf("deliveries = %v", got)
	}
	if got := store.Len("u1"); got != 3 {
		t.Fatalf("context turns = %d, want 3", got)
	}
}

func TestDirectReplyAtCapacityEvicts(t *testing.T) {
	fc := &fakeLLM{reply: "reply"}
	rec := &sendRecorder{}
	h, store := newTestHandler(t, fc, rec, nil, nil, nil)

	store.GetOrCreate("u1", "persona")
	for i := 0; i < 4; i++ {
		store.Append("u1", llm.RoleUser, fmt.Sprintf("old-%d", i))
	}
	if store.Len("u1") != 5 {
		t.Fatalf("setup: len = %d", store.Len("u1"))
	}

	h.HandleMessage(context.Background(), Message{SenderID: "u1", SenderName: "Sam", ChannelID: "c1", Text: "newest"})

	turns := store.Snapshot("u1")
	if len(turns) != 5 {
		t.Fatalf("len = %d, want 5", len(turns))
	}
	last := turns[len(turns)-2:]
	if last[0] != (llm.Message{Role: llm.RoleUser, Content: "newest"}) {
		t.Fatalf("second-newest turn = %+v", last[0])
	}
	if last[1] != (llm.Message{Role: llm.RoleAssistant, Content: "reply"}) {
		t.Fatalf("newest turn = %+v", last[1])
	}
	if turns[0].Role == llm.RoleSystem {
		t.Fatalf("oldest turns were not evicted: %+v", turns)
	}
}

func TestDirectiveErrorDeliversNoticeWithoutStateChange(t *testing.T) {
	fc := &fakeLLM{reply: "x"}
	rec := &sendRecorder{}
	h, store := newTestHandler(t, fc, rec, nil, nil, nil)

	h.HandleMessage(context.Background(), Message{SenderID: "u1", ChannelID: "c1", Text: "::temperature=hot:: hi"})

	if got := rec.all(); len(got) != 1 || got[0] != noticeDirectiveError {
		t.Fatalf("deliveries = %v", got)
	}
	if len(fc.requests()) != 0 {
		t.Fatalf("completion was invoked for a malformed directive")
	}
	if store.Len("u1") != 0 {
		t.Fatalf("conversation state mutated on directive error")
	}
}

func TestProviderErrorKeepsUserTurn(t *testing.T) {
	fc := &fakeLLM{err: &llm.ProviderError{Provider: "openai", Status: 500, Message: "down"}}
	rec := &sendRecorder{}
	h, store := newTestHandler(t, fc, rec, nil, nil, nil)

	h.HandleMessage(context.Background(), Message{SenderID: "u1", SenderName: "Sam", ChannelID: "c1", Text: "hi"})

	if got := rec.all(); len(got) != 1 || got[0] != noticeProviderError {
		t.Fatalf("deliveries = %v", got)
	}
	turns := store.Snapshot("u1")
	if len(turns) != 2 {
		t.Fatalf("turns = %d, want 2 (system + user, no rollback)", len(turns))
	}
	if turns[1].Role != llm.RoleUser {
		t.Fatalf("turns[1] = %+v", turns[1])
	}
}

func TestUnknownModelFailsRequest(t *testing.T) {
	fc := &fakeLLM{reply: "x"}
	rec := &sendRecorder{}
	h, _ := newTestHandler(t, fc, rec, nil, nil, nil)

	h.HandleMessage(context.Background(), Message{SenderID: "u1", ChannelID: "c1", Text: "hi ::model=gpt-9000::"})

	if got := rec.all(); len(got) != 1 || got[0] != noticeProviderError {
		t.Fatalf("deliveries = %v", got)
	}
	if len(fc.requests()) != 0 {
		t.Fatalf("provider called despite unknown model")
	}
}

func TestFetchSubmitFailureDeliversOneApology(t *testing.T) {
	fc := &fakeLLM{reply: "x"}
	rec := &sendRecorder{}
	sub := &fakeSubmitter{err: fmt.Errorf("scrape submit http 500: nope")}
	tr := &scrape.Tracker{Client: scrape.NewClient(nil, "http://127.0.0.1:0", "k")}
	h, store := newTestHandler(t, fc, rec, sub, tr, nil)

	h.HandleMessage(context.Background(), Message{SenderID: "u1", ChannelID: "c1", Text: "check https://example.com/x"})

	if got := rec.all(); len(got) != 1 || got[0] != noticeSubmitFailed {
		t.Fatalf("deliveries = %v, want exactly one apology", got)
	}
	if pending := h.PendingJobs(); len(pending) != 0 {
		t.Fatalf("poll task scheduled after submit failure: %v", pending)
	}
	if store.Len("u1") != 0 {
		t.Fatalf("fetch branch touched conversation state")
	}
}

func TestFetchWorkflowDeliversSummary(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodPost:
			_, _ = w.Write([]byte(`{"id": "job-77"}`))
		default:
			_, _ = w.Write([]byte(`{"status": "finished", "response": {"body": "<p>breaking news</p>"}}`))
		}
	}))
	defer srv.Close()

	fc := &fakeLLM{reply: "a short summary"}
	rec := &sendRecorder{}
	client := scrape.NewClient(nil, srv.URL, "k")
	tr := &scrape.Tracker{
		Client:      client,
		Interval:    time.Millisecond,
		MaxAttempts: 10,
		Timeout:     5 * time.Second,
		Logger:      discard(),
	}
	h, _ := newTestHandler(t, fc, rec, client, tr, nil)

	h.HandleMessage(context.Background(), Message{SenderID: "u1", ChannelID: "c1", Text: "look at https://example.com/article"})

	deadline := time.After(5 * time.Second)
	for {
		if sends := rec.all(); len(sends) >= 2 {
			if !strings.Contains(sends[0], "job-77") {
				t.Fatalf("ack = %q, want job id mentioned", sends[0])
			}
			if sends[1] != "a short summary" {
				t.Fatalf("summary delivery = %q", sends[1])
			}
			break
		}
		select {
		case <-deadline:
			t.Fatalf("summary never delivered; sends = %v", rec.all())
		case <-time.After(5 * time.Millisecond):
		}
	}

	// Summarization must be stateless: one system turn, no sender context.
	reqs := fc.requests()
	if len(reqs) != 1 {
		t.Fatalf("completion calls = %d, want 1", len(reqs))
	}
	if len(reqs[0].Messages) != 1 || reqs[0].Messages[0].Role != llm.RoleSystem {
		t.Fatalf("summary request messages = %+v", reqs[0].Messages)
	}
	if !strings.Contains(reqs[0].Messages[0].Content, "breaking news") {
		t.Fatalf("summary prompt missing content: %q", reqs[0].Messages[0].Content)
	}
}

func TestURLTakesPrecedenceOverSearch(t *testing.T) {
	fc := &fakeLLM{reply: "x"}
	rec := &sendRecorder{}
	sub := &fakeSubmitter{}
	tr := &scrape.Tracker{
		Client:      scrape.NewClient(nil, "http://127.0.0.1:0", "k"),
		Interval:    time.Millisecond,
		MaxAttempts: 1,
		Timeout:     time.Second,
		Logger:      discard(),
	}
	se := &fakeSearcher{results: []search.Result{{URL: "https://other.example"}}}
	h, _ := newTestHandler(t, fc, rec, sub, tr, se)

	h.HandleMessage(context.Background(), Message{SenderID: "u1", ChannelID: "c1", Text: "::search both:: and https://example.com/page"})

	if len(se.queries) != 0 {
		t.Fatalf("search branch entered despite URL: %v", se.queries)
	}
	if len(sub.urls) != 1 || sub.urls[0] != "https://example.com/page" {
		t.Fatalf("submitted urls = %v", sub.urls)
	}
}

func TestSearchFansOutThroughSubmission(t *testing.T) {
	fc := &fakeLLM{reply: "x"}
	rec := &sendRecorder{}
	sub := &fakeSubmitter{}
	tr := &scrape.Tracker{
		Client:      scrape.NewClient(nil, "http://127.0.0.1:0", "k"),
		Interval:    time.Millisecond,
		MaxAttempts: 1,
		Timeout:     time.Second,
		Logger:      discard(),
	}
	se := &fakeSearcher{results: []search.Result{
		{URL: "https://a.example"},
		{URL: "https://b.example"},
		{URL: "https://c.example"},
		{URL: "https://d.example"},
	}}
	h, _ := newTestHandler(t, fc, rec, sub, tr, se)

	h.HandleMessage(context.Background(), Message{SenderID: "u1", ChannelID: "c1", Text: "::search golang::"})

	if len(se.queries) != 1 || se.queries[0] != "golang" {
		t.Fatalf("queries = %v", se.queries)
	}
	// Fan-out is capped at SearchMaxResults and every result goes through
	// job submission; none returns content directly.
	if len(sub.urls) != 3 {
		t.Fatalf("submitted urls = %v, want 3", sub.urls)
	}
}

func TestDeliveryChunksInOrder(t *testing.T) {
	long := strings.Repeat("a", 2000) + strings.Repeat("b", 2000) + "c"
	fc := &fakeLLM{reply: long}
	rec := &sendRecorder{}
	h, _ := newTestHandler(t, fc, rec, nil, nil, nil)

	h.HandleMessage(context.Background(), Message{SenderID: "u1", SenderName: "Sam", ChannelID: "c1", Text: "write a lot"})

	sends := rec.all()
	if len(sends) != 3 {
		t.Fatalf("sends = %d, want 3", len(sends))
	}
	if strings.Join(sends, "") != long {
		t.Fatalf("concatenated sends do not reproduce the reply")
	}
	if len(sends[0]) != 2000 || len(sends[1]) != 2000 || sends[2] != "c" {
		t.Fatalf("chunk sizes = %d, %d, %q", len(sends[0]), len(sends[1]), sends[2])
	}
}
