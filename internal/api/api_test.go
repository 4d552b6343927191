package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/filetask/docchat/internal/auth"
	"github.com/filetask/docchat/internal/blob"
	"github.com/filetask/docchat/internal/core"
	"github.com/filetask/docchat/internal/logger"
	"github.com/filetask/docchat/internal/remote"
	"github.com/filetask/docchat/internal/store"
)

type stubSmall struct {
	fail bool
}

func (s *stubSmall) AddFile(ctx context.Context, f remote.File) (string, error) {
	if s.fail {
		return "", &remote.Error{Service: "chatpdf", Op: "add-file", StatusCode: 500, Err: errors.New("down")}
	}
	return "src_" + f.Name, nil
}

func (s *stubSmall) Message(ctx context.Context, req remote.MessageRequest) (string, error) {
	if s.fail {
		return "", &remote.Error{Service: "chatpdf", Op: "message", StatusCode: 500, Err: errors.New("down")}
	}
	return "answer: " + req.Content, nil
}

type stubLarge struct{}

func (stubLarge) Summarize(ctx context.Context, f remote.File) (string, error) {
	return "summary", nil
}

func (stubLarge) Chat(ctx context.Context, req remote.ChatRequest) (string, error) {
	return "large answer", nil
}

type testServer struct {
	handler http.Handler
	small   *stubSmall
	logs    *observer.ObservedLogs
}

func newTestServer(t *testing.T, maxUpload int64) *testServer {
	t.Helper()
	return newSigningTestServer(t, maxUpload, nil)
}

func newSigningTestServer(t *testing.T, maxUpload int64, links blob.Signer) *testServer {
	t.Helper()
	st, err := store.Open("sqlite3", filepath.Join(t.TempDir(), "api.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	zcore, logs := observer.New(zap.DebugLevel)
	log := logger.FromCore(zcore)

	small := &stubSmall{}
	backends := core.Backends{Small: small, Large: stubLarge{}}
	ingest := core.NewIngestService(st, blob.NewMemoryStore("https://blobs.test"), backends, log)
	chats, err := core.NewChatService(st, backends, 8, log)
	require.NoError(t, err)

	h := NewAPIHandler(st, ingest, chats, links, auth.NewJWTManager("test-secret", time.Hour), maxUpload, log)
	return &testServer{handler: NewRouter(h, log), small: small, logs: logs}
}

func (s *testServer) do(t *testing.T, method, path, token string, body *bytes.Buffer, contentType string) *httptest.ResponseRecorder {
	t.Helper()
	if body == nil {
		body = &bytes.Buffer{}
	}
	req := httptest.NewRequest(method, path, body)
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	s.handler.ServeHTTP(rec, req)
	return rec
}

func (s *testServer) doJSON(t *testing.T, method, path, token string, v any) *httptest.ResponseRecorder {
	t.Helper()
	buf := &bytes.Buffer{}
	require.NoError(t, json.NewEncoder(buf).Encode(v))
	return s.do(t, method, path, token, buf, "application/json")
}

func (s *testServer) upload(t *testing.T, token, name string, data []byte) *httptest.ResponseRecorder {
	t.Helper()
	buf := &bytes.Buffer{}
	mw := multipart.NewWriter(buf)
	part, err := mw.CreateFormFile("file", name)
	require.NoError(t, err)
	_, err = part.Write(data)
	require.NoError(t, err)
	require.NoError(t, mw.Close())
	return s.do(t, http.MethodPost, "/api/chats", token, buf, mw.FormDataContentType())
}

func (s *testServer) login(t *testing.T, userID string) string {
	t.Helper()
	rec := s.doJSON(t, http.MethodPost, "/api/signup", "", SignupRequest{UserID: userID, Password: "pw-" + userID})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	assert.NotContains(t, rec.Body.String(), "pw-"+userID)

	rec = s.doJSON(t, http.MethodPost, "/api/login", "", LoginRequest{UserID: userID, Password: "pw-" + userID})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var out map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	require.NotEmpty(t, out["token"])
	return out["token"]
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

func TestHealth(t *testing.T) {
	s := newTestServer(t, 1<<20)
	rec := s.do(t, http.MethodGet, "/api/health/", "", nil, "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok"}`, rec.Body.String())
}

func TestSignupAndLogin(t *testing.T) {
	s := newTestServer(t, 1<<20)
	s.login(t, "luke")

	rec := s.doJSON(t, http.MethodPost, "/api/signup", "", SignupRequest{UserID: "luke", Password: "x"})
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = s.doJSON(t, http.MethodPost, "/api/login", "", LoginRequest{UserID: "luke", Password: "wrong"})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = s.doJSON(t, http.MethodPost, "/api/login", "", LoginRequest{UserID: "nobody", Password: "x"})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = s.doJSON(t, http.MethodPost, "/api/signup", "", SignupRequest{UserID: "", Password: "x"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = s.do(t, http.MethodPost, "/api/login", "", bytes.NewBufferString("{not json"), "application/json")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestChatRoutesRequireToken(t *testing.T) {
	s := newTestServer(t, 1<<20)

	rec := s.do(t, http.MethodGet, "/api/chats", "", nil, "")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = s.do(t, http.MethodGet, "/api/chats", "not-a-token", nil, "")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	// A valid signature for a user that does not exist.
	token, err := auth.NewJWTManager("test-secret", time.Hour).GenerateJWT("ghost")
	require.NoError(t, err)
	rec = s.do(t, http.MethodGet, "/api/chats", token, nil, "")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestUploadAndConverse(t *testing.T) {
	s := newTestServer(t, 1<<20)
	token := s.login(t, "luke")

	rec := s.upload(t, token, "report.pdf", []byte("%PDF-1.4"))
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	chat := decode[store.Chat](t, rec)
	assert.Equal(t, store.StrategySmall, chat.Strategy)
	assert.Equal(t, "src_report.pdf", chat.Reference)
	require.Len(t, chat.Documents, 1)

	rec = s.upload(t, token, "report.pdf", []byte("%PDF-1.4"))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, chat.ID, decode[store.Chat](t, rec).ID)

	rec = s.doJSON(t, http.MethodPost, "/api/chats/"+chat.ID+"/messages", token, PostMessageRequest{Content: "What is it?"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	reply := decode[store.Message](t, rec)
	assert.Equal(t, store.RoleAssistant, reply.Role)
	assert.Equal(t, "answer: What is it?", reply.Content)

	rec = s.do(t, http.MethodGet, "/api/chats/"+chat.ID+"/messages", token, nil, "")
	require.Equal(t, http.StatusOK, rec.Code)
	msgs := decode[[]store.Message](t, rec)
	require.Len(t, msgs, 2)
	assert.Equal(t, store.RoleUser, msgs[0].Role)

	rec = s.do(t, http.MethodGet, "/api/chats/"+chat.ID, token, nil, "")
	require.Equal(t, http.StatusOK, rec.Code)
	details := decode[GetChatDetailsResponse](t, rec)
	assert.Equal(t, chat.ID, details.ID)
	assert.Len(t, details.Messages, 2)

	rec = s.do(t, http.MethodGet, "/api/chats", token, nil, "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decode[[]store.Chat](t, rec), 1)
}

func TestUploadValidation(t *testing.T) {
	s := newTestServer(t, 1<<20)
	token := s.login(t, "luke")

	rec := s.upload(t, token, "notes.txt", []byte("hello"))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "unsupported extension")

	rec = s.upload(t, token, "empty.pdf", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	buf := &bytes.Buffer{}
	mw := multipart.NewWriter(buf)
	require.NoError(t, mw.WriteField("other", "value"))
	require.NoError(t, mw.Close())
	rec = s.do(t, http.MethodPost, "/api/chats", token, buf, mw.FormDataContentType())
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = s.do(t, http.MethodPost, "/api/chats", token, bytes.NewBufferString("plain"), "text/plain")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestUploadTooLarge(t *testing.T) {
	s := newTestServer(t, 512)
	token := s.login(t, "luke")

	rec := s.upload(t, token, "big.pdf", bytes.Repeat([]byte("x"), 4096))
	assert.GreaterOrEqual(t, rec.Code, 400)
	assert.NotEqual(t, http.StatusCreated, rec.Code)
}

func TestRemoteFailureMapsToBadGateway(t *testing.T) {
	s := newTestServer(t, 1<<20)
	token := s.login(t, "luke")

	rec := s.upload(t, token, "report.pdf", []byte("%PDF"))
	require.Equal(t, http.StatusCreated, rec.Code)
	chat := decode[store.Chat](t, rec)

	s.small.fail = true
	rec = s.doJSON(t, http.MethodPost, "/api/chats/"+chat.ID+"/messages", token, PostMessageRequest{Content: "hello"})
	assert.Equal(t, http.StatusBadGateway, rec.Code)

	rec = s.upload(t, token, "other.pdf", []byte("%PDF"))
	assert.Equal(t, http.StatusBadGateway, rec.Code)

	// The user turn is kept without an answer.
	rec = s.do(t, http.MethodGet, "/api/chats/"+chat.ID+"/messages", token, nil, "")
	require.Equal(t, http.StatusOK, rec.Code)
	msgs := decode[[]store.Message](t, rec)
	require.Len(t, msgs, 1)
	assert.Equal(t, "hello", msgs[0].Content)

	var warned bool
	for _, e := range s.logs.All() {
		if e.Message == "Remote service failure" {
			warned = true
		}
	}
	assert.True(t, warned)
}

func TestEmptyMessageIsBadRequest(t *testing.T) {
	s := newTestServer(t, 1<<20)
	token := s.login(t, "luke")
	rec := s.upload(t, token, "report.pdf", []byte("%PDF"))
	chat := decode[store.Chat](t, rec)

	rec = s.doJSON(t, http.MethodPost, "/api/chats/"+chat.ID+"/messages", token, PostMessageRequest{Content: "  "})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestOtherUsersChatsAreHidden(t *testing.T) {
	s := newTestServer(t, 1<<20)
	owner := s.login(t, "luke")
	intruder := s.login(t, "vader")

	rec := s.upload(t, owner, "plans.pdf", []byte("%PDF"))
	chat := decode[store.Chat](t, rec)

	for _, tc := range []struct{ method, path string }{
		{http.MethodGet, "/api/chats/" + chat.ID},
		{http.MethodGet, "/api/chats/" + chat.ID + "/messages"},
		{http.MethodDelete, "/api/chats/" + chat.ID},
	} {
		rec := s.do(t, tc.method, tc.path, intruder, nil, "")
		assert.Equal(t, http.StatusNotFound, rec.Code, tc.method+" "+tc.path)
	}
	rec = s.doJSON(t, http.MethodPost, "/api/chats/"+chat.ID+"/messages", intruder, PostMessageRequest{Content: "hi"})
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = s.do(t, http.MethodGet, "/api/chats", intruder, nil, "")
	assert.Empty(t, decode[[]store.Chat](t, rec))
}

func TestDeleteAndClearChats(t *testing.T) {
	s := newTestServer(t, 1<<20)
	token := s.login(t, "luke")

	a := decode[store.Chat](t, s.upload(t, token, "a.pdf", []byte("%PDF")))
	s.upload(t, token, "b.docx", []byte("PK"))
	s.upload(t, token, "c.pptx", []byte("PK"))

	rec := s.do(t, http.MethodDelete, "/api/chats/"+a.ID, token, nil, "")
	assert.Equal(t, http.StatusNoContent, rec.Code)
	rec = s.do(t, http.MethodDelete, "/api/chats/"+a.ID, token, nil, "")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = s.do(t, http.MethodDelete, "/api/chats", token, nil, "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"deleted":2}`, rec.Body.String())

	rec = s.do(t, http.MethodGet, "/api/chats", token, nil, "")
	assert.Equal(t, "[]", strings.TrimSpace(rec.Body.String()))
}

type pendingIngester struct{}

func (pendingIngester) Ingest(ctx context.Context, ownerID string, f remote.File) (*store.Chat, bool, error) {
	return nil, false, &core.UploadPendingError{ChatID: "c-42", Err: errors.New("bucket down")}
}

func TestUploadPendingMapsToServiceUnavailable(t *testing.T) {
	st, err := store.Open("sqlite3", filepath.Join(t.TempDir(), "pending.db"))
	require.NoError(t, err)
	defer st.Close()

	jwt := auth.NewJWTManager("k", time.Hour)
	u, err := st.CreateUser(context.Background(), "luke", "hash")
	require.NoError(t, err)
	token, err := jwt.GenerateJWT(u.ID)
	require.NoError(t, err)

	handler := NewRouter(NewAPIHandler(st, pendingIngester{}, nil, nil, jwt, 1<<20, nil), nil)
	s := &testServer{handler: handler}

	rec := s.upload(t, token, "a.pdf", []byte("%PDF"))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	body := decode[map[string]string](t, rec)
	assert.Equal(t, "c-42", body["chat_id"])
}

func TestRequestLoggerRecordsStatus(t *testing.T) {
	s := newTestServer(t, 1<<20)
	s.do(t, http.MethodGet, "/api/health", "", nil, "")

	var found bool
	for _, e := range s.logs.All() {
		if e.Message != "HTTP request" {
			continue
		}
		fields := e.ContextMap()
		if fields["path"] == "/api/health" {
			found = true
			assert.EqualValues(t, http.StatusOK, fields["status"])
			assert.NotEmpty(t, fields["request_id"])
		}
	}
	assert.True(t, found)
}

// querySigner appends a signature to URLs under its base.
type querySigner struct {
	base string
}

func (q querySigner) SignURL(ctx context.Context, storedURL string) (string, error) {
	if !strings.HasPrefix(storedURL, q.base) {
		return storedURL, nil
	}
	return storedURL + "?sig=fresh", nil
}

func TestDocumentLinksAreSignedOnRead(t *testing.T) {
	s := newSigningTestServer(t, 1<<20, querySigner{base: "https://blobs.test/"})
	token := s.login(t, "luke")

	rec := s.upload(t, token, "report.pdf", []byte("%PDF"))
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	chat := decode[store.Chat](t, rec)
	require.Len(t, chat.Documents, 1)
	want := "https://blobs.test/chats/" + chat.ID + "/report.pdf?sig=fresh"
	assert.Equal(t, want, chat.Documents[0].URL)

	rec = s.do(t, http.MethodGet, "/api/chats", token, nil, "")
	require.Equal(t, http.StatusOK, rec.Code)
	listed := decode[[]store.Chat](t, rec)
	require.Len(t, listed, 1)
	assert.Equal(t, want, listed[0].Documents[0].URL)

	rec = s.do(t, http.MethodGet, "/api/chats/"+chat.ID, token, nil, "")
	require.Equal(t, http.StatusOK, rec.Code)
	details := decode[GetChatDetailsResponse](t, rec)
	assert.Equal(t, want, details.Documents[0].URL)
}

// cancelledConversations fails every turn the way a dropped client does.
type cancelledConversations struct {
	Conversations
}

func (cancelledConversations) Send(ctx context.Context, ownerID, chatID, utterance string) (*store.Message, error) {
	return nil, fmt.Errorf("chat %s: %w", chatID, &remote.Error{Service: "small_doc", Op: "message", Err: context.Canceled})
}

func TestCancelledTurnIsNotReportedAsRemoteFailure(t *testing.T) {
	st, err := store.Open("sqlite3", filepath.Join(t.TempDir(), "cancel.db"))
	require.NoError(t, err)
	defer st.Close()

	zcore, logs := observer.New(zap.DebugLevel)
	jwt := auth.NewJWTManager("k", time.Hour)
	u, err := st.CreateUser(context.Background(), "luke", "hash")
	require.NoError(t, err)
	token, err := jwt.GenerateJWT(u.ID)
	require.NoError(t, err)

	handler := NewRouter(NewAPIHandler(st, nil, cancelledConversations{}, nil, jwt, 1<<20, logger.FromCore(zcore)), nil)
	s := &testServer{handler: handler}

	rec := s.doJSON(t, http.MethodPost, "/api/chats/c1/messages", token, PostMessageRequest{Content: "hi"})
	assert.NotEqual(t, http.StatusBadGateway, rec.Code)
	assert.Zero(t, logs.FilterMessage("Remote service failure").Len())
	assert.Equal(t, 1, logs.FilterMessage("Request cancelled").Len())
}
