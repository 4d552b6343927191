package remote

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/generative-ai-go/genai"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/filetask/docchat/internal/logger"
)

func TestChatPDFAddFile(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/sources/add-file", r.URL.Path)
		assert.Equal(t, "secret-key", r.Header.Get("x-api-key"))

		file, header, err := r.FormFile("file")
		if !assert.NoError(t, err) {
			return
		}
		defer file.Close()
		data, _ := io.ReadAll(file)
		assert.Equal(t, "report.pdf", header.Filename)
		assert.Equal(t, "application/pdf", header.Header.Get("Content-Type"))
		assert.Equal(t, "%PDF-1.4", string(data))

		_ = json.NewEncoder(w).Encode(map[string]string{"sourceId": "src_123"})
	}))
	defer srv.Close()

	c := NewChatPDFClient(srv.URL+"/", "secret-key", 5*time.Second)
	ref, err := c.AddFile(context.Background(), NewFile("report.pdf", "application/pdf", []byte("%PDF-1.4")))
	require.NoError(t, err)
	assert.Equal(t, "src_123", ref)
}

func TestChatPDFMessage(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/chats/message", r.URL.Path)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))

		var in chatPDFMessageRequest
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&in))
		assert.Equal(t, "src_123", in.SourceID)
		assert.Equal(t, []chatPDFMessage{{Role: "user", Content: "What is this?"}}, in.Messages)

		_ = json.NewEncoder(w).Encode(map[string]string{"content": "A report."})
	}))
	defer srv.Close()

	c := NewChatPDFClient(srv.URL, "k", 0)
	out, err := c.Message(context.Background(), MessageRequest{ReferenceID: "src_123", Content: "What is this?"})
	require.NoError(t, err)
	assert.Equal(t, "A report.", out)
}

func TestChatPDFErrors(t *testing.T) {
	tests := []struct {
		name       string
		status     int
		body       string
		wantStatus int
		temporary  bool
	}{
		{name: "server error", status: http.StatusBadGateway, body: "upstream down", wantStatus: http.StatusBadGateway, temporary: true},
		{name: "rate limited", status: http.StatusTooManyRequests, body: "slow down", wantStatus: http.StatusTooManyRequests, temporary: true},
		{name: "bad request", status: http.StatusBadRequest, body: "bad file", wantStatus: http.StatusBadRequest},
		{name: "empty source id", status: http.StatusOK, body: `{"sourceId":""}`, wantStatus: http.StatusOK},
		{name: "not json", status: http.StatusOK, body: `<html>`, wantStatus: http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				_, _ = io.Copy(io.Discard, r.Body)
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(tt.body))
			}))
			defer srv.Close()

			c := NewChatPDFClient(srv.URL, "k", 5*time.Second)
			_, err := c.AddFile(context.Background(), NewFile("a.pdf", "application/pdf", []byte("x")))
			require.Error(t, err)
			assert.ErrorIs(t, err, ErrRemoteService)

			var remoteErr *Error
			require.ErrorAs(t, err, &remoteErr)
			assert.Equal(t, "chatpdf", remoteErr.Service)
			assert.Equal(t, "add-file", remoteErr.Op)
			assert.Equal(t, tt.wantStatus, remoteErr.StatusCode)
			assert.Equal(t, tt.temporary, remoteErr.Temporary())
		})
	}
}

func TestChatPDFUnreachable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	c := NewChatPDFClient(url, "k", time.Second)
	_, err := c.Message(context.Background(), MessageRequest{ReferenceID: "s", Content: "q"})
	require.ErrorIs(t, err, ErrRemoteService)
	assert.True(t, isTemporary(err))
}

func TestChatPDFZeroTimeoutFollowsContextDeadline(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	c := NewChatPDFClient(srv.URL, "k", 0)
	assert.Zero(t, c.api.http.Timeout)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := c.Message(ctx, MessageRequest{ReferenceID: "s", Content: "q"})
	require.ErrorIs(t, err, ErrRemoteService)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestSummarizerClient(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/upload":
			_, header, err := r.FormFile("file")
			if assert.NoError(t, err) {
				assert.Equal(t, "big.pdf", header.Filename)
			}
			_ = json.NewEncoder(w).Encode(map[string]string{"summary": "a long summary"})
		case "/chat":
			var in summarizerChatRequest
			assert.NoError(t, json.NewDecoder(r.Body).Decode(&in))
			assert.Equal(t, "a long summary", in.Context)
			assert.Equal(t, "who?", in.Prompt)
			_ = json.NewEncoder(w).Encode(map[string]string{"response": "them"})
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	c := NewSummarizerClient(srv.URL, time.Minute)
	summary, err := c.Summarize(context.Background(), NewFile("big.pdf", "application/pdf", []byte("data")))
	require.NoError(t, err)
	assert.Equal(t, "a long summary", summary)

	answer, err := c.Chat(context.Background(), ChatRequest{Context: summary, Prompt: "who?"})
	require.NoError(t, err)
	assert.Equal(t, "them", answer)
}

func TestSummarizerEmptyResponseIsMalformed(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]string{"response": "  "})
	}))
	defer srv.Close()

	_, err := NewSummarizerClient(srv.URL, time.Minute).Chat(context.Background(), ChatRequest{Context: "c", Prompt: "p"})
	require.ErrorIs(t, err, ErrRemoteService)
	assert.ErrorIs(t, err, errMalformedResponse)
}

func TestErrorTemporary(t *testing.T) {
	assert.False(t, (&Error{Err: context.Canceled}).Temporary())
	assert.True(t, (&Error{Err: context.DeadlineExceeded}).Temporary())
	assert.False(t, (&Error{Err: errors.New("boom")}).Temporary())
	assert.True(t, (&Error{StatusCode: 503, Err: errors.New("x")}).Temporary())
	assert.False(t, (&Error{StatusCode: 401, Err: errors.New("x")}).Temporary())
}

type scriptedSmall struct {
	errs  []error
	calls int
}

func (s *scriptedSmall) AddFile(ctx context.Context, f File) (string, error) {
	s.calls++
	if len(s.errs) > 0 {
		err := s.errs[0]
		s.errs = s.errs[1:]
		if err != nil {
			return "", err
		}
	}
	return "ref", nil
}

func (s *scriptedSmall) Message(ctx context.Context, req MessageRequest) (string, error) {
	return s.AddFile(ctx, File{})
}

func TestWithRetryRetriesTemporaryFailures(t *testing.T) {
	inner := &scriptedSmall{errs: []error{
		&Error{Service: "chatpdf", StatusCode: 503, Err: errors.New("busy")},
		&Error{Service: "chatpdf", StatusCode: 500, Err: errors.New("oops")},
	}}
	svc := WrapSmall(inner, WithRetry(3, time.Millisecond))

	ref, err := svc.AddFile(context.Background(), File{})
	require.NoError(t, err)
	assert.Equal(t, "ref", ref)
	assert.Equal(t, 3, inner.calls)
}

func TestWithRetryStopsOnPermanentFailure(t *testing.T) {
	inner := &scriptedSmall{errs: []error{&Error{Service: "chatpdf", StatusCode: 400, Err: errors.New("bad")}}}
	svc := WrapSmall(inner, WithRetry(3, time.Millisecond))

	_, err := svc.Message(context.Background(), MessageRequest{})
	require.ErrorIs(t, err, ErrRemoteService)
	assert.Equal(t, 1, inner.calls)
}

func TestWithRetryGivesUpAfterMax(t *testing.T) {
	busy := &Error{Service: "chatpdf", StatusCode: 503, Err: errors.New("busy")}
	inner := &scriptedSmall{errs: []error{busy, busy, busy, busy}}
	svc := WrapSmall(inner, WithRetry(2, time.Millisecond))

	_, err := svc.AddFile(context.Background(), File{})
	require.ErrorIs(t, err, ErrRemoteService)
	assert.Equal(t, 3, inner.calls)
}

func TestWithRetryHonoursCancellation(t *testing.T) {
	busy := &Error{Service: "chatpdf", StatusCode: 503, Err: errors.New("busy")}
	inner := &scriptedSmall{errs: []error{busy, busy, busy}}
	svc := WrapSmall(inner, WithRetry(5, time.Hour))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := svc.AddFile(ctx, File{})
	require.Error(t, err)
	assert.Equal(t, 1, inner.calls)
}

func TestWithRetryDisabledReturnsInner(t *testing.T) {
	inner := &scriptedSmall{}
	assert.Same(t, inner, WrapSmall(inner, WithRetry(0, 0)).(*scriptedSmall))
}

type stubLarge struct{ err error }

func (s stubLarge) Summarize(ctx context.Context, f File) (string, error) { return "summary", s.err }
func (s stubLarge) Chat(ctx context.Context, req ChatRequest) (string, error) {
	return "answer", s.err
}

func TestWithLogging(t *testing.T) {
	core, logs := observer.New(zap.DebugLevel)
	log := logger.FromCore(core)

	ok := WrapLarge(stubLarge{}, WithLogging(log))
	_, err := ok.Chat(context.Background(), ChatRequest{Context: "ctx", Prompt: "p"})
	require.NoError(t, err)

	failing := WrapLarge(stubLarge{err: &Error{Service: "summarizer", Err: errors.New("down")}}, WithLogging(log))
	_, err = failing.Summarize(context.Background(), NewFile("a.pdf", "", []byte("x")))
	require.Error(t, err)

	entries := logs.All()
	require.Len(t, entries, 2)
	assert.Equal(t, zap.DebugLevel, entries[0].Level)
	assert.Equal(t, "chat", entries[0].ContextMap()["op"])
	assert.Equal(t, zap.WarnLevel, entries[1].Level)
	assert.Equal(t, "large_doc", entries[1].ContextMap()["service"])
	assert.Equal(t, "a.pdf", entries[1].ContextMap()["file_name"])
}

func TestResponseText(t *testing.T) {
	_, err := responseText(nil)
	assert.ErrorIs(t, err, errMalformedResponse)

	resp := &genai.GenerateContentResponse{Candidates: []*genai.Candidate{{
		Content: &genai.Content{Parts: []genai.Part{genai.Text("Hello, "), genai.Text("world")}},
	}}}
	text, err := responseText(resp)
	require.NoError(t, err)
	assert.Equal(t, "Hello, world", text)

	blank := &genai.GenerateContentResponse{Candidates: []*genai.Candidate{{
		Content: &genai.Content{Parts: []genai.Part{genai.Text("  ")}},
	}}}
	_, err = responseText(blank)
	assert.ErrorIs(t, err, errMalformedResponse)
}

func TestContextPrompt(t *testing.T) {
	p := contextPrompt(" the summary ", "what? ")
	assert.Contains(t, p, "--- CONTEXT START ---\nthe summary\n--- CONTEXT END ---")
	assert.Contains(t, p, "please answer my question: what?")
}
