package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/filetask/docchat/internal/auth"
	"github.com/filetask/docchat/internal/blob"
	"github.com/filetask/docchat/internal/core"
	"github.com/filetask/docchat/internal/logger"
	"github.com/filetask/docchat/internal/remote"
	"github.com/filetask/docchat/internal/store"
)

const (
	maxJSONBodyBytes = 1 << 20
	multipartMemory  = 32 << 20
)

type UserStore interface {
	CreateUser(ctx context.Context, externalUserID, passwordHash string) (*store.User, error)
	GetUserByExternalID(ctx context.Context, externalUserID string) (*store.User, error)
	GetUserByID(ctx context.Context, id string) (*store.User, error)
}

type Ingester interface {
	Ingest(ctx context.Context, ownerID string, f remote.File) (*store.Chat, bool, error)
}

type Conversations interface {
	Send(ctx context.Context, ownerID, chatID, utterance string) (*store.Message, error)
	Transcript(ctx context.Context, ownerID, chatID string) ([]store.Message, error)
	ListChats(ctx context.Context, ownerID string) ([]store.Chat, error)
	ChatDetails(ctx context.Context, ownerID, chatID string) (*store.Chat, []store.Message, error)
	DeleteChat(ctx context.Context, ownerID, chatID string) error
	ClearChats(ctx context.Context, ownerID string) (int64, error)
}

type APIHandler struct {
	users          UserStore
	ingest         Ingester
	chats          Conversations
	links          blob.Signer
	jwt            *auth.JWTManager
	log            *logger.Logger
	maxUploadBytes int64
}

// NewAPIHandler builds the handlers. links may be nil when stored document
// URLs are already fetchable as they are.
func NewAPIHandler(users UserStore, ingest Ingester, chats Conversations, links blob.Signer, jwt *auth.JWTManager, maxUploadBytes int64, log *logger.Logger) *APIHandler {
	if log == nil {
		log = logger.Nop()
	}
	return &APIHandler{
		users:          users,
		ingest:         ingest,
		chats:          chats,
		links:          links,
		jwt:            jwt,
		log:            log.With("component", "api"),
		maxUploadBytes: maxUploadBytes,
	}
}

type contextKey string

const userIDKey contextKey = "userID"

func userIDFrom(ctx context.Context) string {
	id, _ := ctx.Value(userIDKey).(string)
	return id
}

func (h *APIHandler) JWTAuthMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		authHeader := r.Header.Get("Authorization")
		if authHeader == "" {
			http.Error(w, "Authorization header is required", http.StatusUnauthorized)
			return
		}

		tokenString := strings.TrimSpace(strings.TrimPrefix(authHeader, "Bearer "))
		userID, err := h.jwt.ValidateJWT(tokenString)
		if err != nil {
			http.Error(w, "Invalid token", http.StatusUnauthorized)
			return
		}

		user, err := h.users.GetUserByID(r.Context(), userID)
		if err != nil {
			h.log.Error("Failed to load user for token", "user_id", userID, "error", err)
			http.Error(w, "Failed to process user identity", http.StatusInternalServerError)
			return
		}
		if user == nil {
			http.Error(w, "User not found", http.StatusUnauthorized)
			return
		}

		ctx := context.WithValue(r.Context(), userIDKey, user.ID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxJSONBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		http.Error(w, "Invalid request body: "+err.Error(), http.StatusBadRequest)
		return false
	}
	return true
}

// signLinks returns a copy of chat whose document URLs a client can fetch.
func (h *APIHandler) signLinks(ctx context.Context, chat *store.Chat) (*store.Chat, error) {
	if h.links == nil || chat == nil || len(chat.Documents) == 0 {
		return chat, nil
	}
	out := *chat
	out.Documents = make([]store.Document, len(chat.Documents))
	for i, doc := range chat.Documents {
		signed, err := h.links.SignURL(ctx, doc.URL)
		if err != nil {
			return nil, fmt.Errorf("sign document url for chat %s: %w", chat.ID, err)
		}
		doc.URL = signed
		out.Documents[i] = doc
	}
	return &out, nil
}

// writeError maps service errors onto HTTP statuses.
func (h *APIHandler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, core.ErrValidation):
		http.Error(w, err.Error(), http.StatusBadRequest)
	case errors.Is(err, core.ErrNotFound), errors.Is(err, store.ErrNotFound):
		http.Error(w, "Chat not found", http.StatusNotFound)
	case errors.Is(err, core.ErrUploadPending):
		var pending *core.UploadPendingError
		errors.As(err, &pending)
		h.log.Warn("Upload pending", "path", r.URL.Path, "error", err)
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"error":   "Document stored remotely but file upload failed; upload the same file again to retry",
			"chat_id": pending.ChatID,
		})
	case errors.Is(err, context.Canceled):
		// Client went away; nothing useful to send.
		h.log.Debug("Request cancelled", "path", r.URL.Path, "error", err)
	case errors.Is(err, remote.ErrRemoteService):
		h.log.Warn("Remote service failure", "path", r.URL.Path, "error", err)
		http.Error(w, "Document service request failed", http.StatusBadGateway)
	case errors.Is(err, store.ErrDuplicate):
		http.Error(w, "Resource already exists", http.StatusConflict)
	default:
		h.log.Error("Request failed", "path", r.URL.Path, "error", err)
		http.Error(w, "Internal server error", http.StatusInternalServerError)
	}
}

type SignupRequest struct {
	UserID   string `json:"user_id"`
	Password string `json:"password"`
}

func (h *APIHandler) SignupHandler(w http.ResponseWriter, r *http.Request) {
	var req SignupRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	req.UserID = strings.TrimSpace(req.UserID)
	if req.UserID == "" || req.Password == "" {
		http.Error(w, "User ID and password are required", http.StatusBadRequest)
		return
	}

	hashedPassword, err := auth.HashPassword(req.Password)
	if err != nil {
		h.log.Error("Error hashing password", "user_id", req.UserID, "error", err)
		http.Error(w, "Failed to process password", http.StatusInternalServerError)
		return
	}

	user, err := h.users.CreateUser(r.Context(), req.UserID, hashedPassword)
	if err != nil {
		if errors.Is(err, store.ErrDuplicate) {
			http.Error(w, "User already exists", http.StatusConflict)
			return
		}
		h.log.Error("Error creating user", "user_id", req.UserID, "error", err)
		http.Error(w, "Failed to create user", http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusCreated, user)
}

type LoginRequest struct {
	UserID   string `json:"user_id"`
	Password string `json:"password"`
}

func (h *APIHandler) LoginHandler(w http.ResponseWriter, r *http.Request) {
	var req LoginRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	if req.UserID == "" || req.Password == "" {
		http.Error(w, "User ID and password are required", http.StatusBadRequest)
		return
	}

	user, err := h.users.GetUserByExternalID(r.Context(), strings.TrimSpace(req.UserID))
	if err != nil {
		h.log.Error("Error getting user", "user_id", req.UserID, "error", err)
		http.Error(w, "Invalid credentials", http.StatusUnauthorized)
		return
	}
	if user == nil || !auth.CheckPasswordHash(req.Password, user.PasswordHash) {
		http.Error(w, "Invalid credentials", http.StatusUnauthorized)
		return
	}

	token, err := h.jwt.GenerateJWT(user.ID)
	if err != nil {
		h.log.Error("Error generating JWT", "user_id", req.UserID, "error", err)
		http.Error(w, "Failed to generate token", http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"token": token})
}

// CreateChatHandler ingests the multipart "file" field. It answers 201 for a
// new chat and 200 when the owner already has a chat for that file name.
func (h *APIHandler) CreateChatHandler(w http.ResponseWriter, r *http.Request) {
	userID := userIDFrom(r.Context())

	r.Body = http.MaxBytesReader(w, r.Body, h.maxUploadBytes)
	if err := r.ParseMultipartForm(multipartMemory); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			http.Error(w, "File is too large", http.StatusRequestEntityTooLarge)
			return
		}
		http.Error(w, "Invalid multipart body: "+err.Error(), http.StatusBadRequest)
		return
	}
	defer r.MultipartForm.RemoveAll()

	file, header, err := r.FormFile("file")
	if err != nil {
		h.writeError(w, r, &core.ValidationError{Field: "file", Reason: "is required"})
		return
	}
	file.Close()

	chat, created, err := h.ingest.Ingest(r.Context(), userID, uploadedFile(header))
	if err == nil {
		chat, err = h.signLinks(r.Context(), chat)
	}
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	writeJSON(w, status, chat)
}

func uploadedFile(header *multipart.FileHeader) remote.File {
	return remote.File{
		Name:        header.Filename,
		ContentType: header.Header.Get("Content-Type"),
		Size:        header.Size,
		Open: func() (io.ReadCloser, error) {
			return header.Open()
		},
	}
}

func (h *APIHandler) ListChatsHandler(w http.ResponseWriter, r *http.Request) {
	chats, err := h.chats.ListChats(r.Context(), userIDFrom(r.Context()))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	for i := range chats {
		signed, err := h.signLinks(r.Context(), &chats[i])
		if err != nil {
			h.writeError(w, r, err)
			return
		}
		chats[i] = *signed
	}
	writeJSON(w, http.StatusOK, chats)
}

func (h *APIHandler) ClearChatsHandler(w http.ResponseWriter, r *http.Request) {
	n, err := h.chats.ClearChats(r.Context(), userIDFrom(r.Context()))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int64{"deleted": n})
}

type GetChatDetailsResponse struct {
	*store.Chat
	Messages []store.Message `json:"messages"`
}

func (h *APIHandler) GetChatDetailsHandler(w http.ResponseWriter, r *http.Request) {
	chatID := chi.URLParam(r, "chatID")

	chat, messages, err := h.chats.ChatDetails(r.Context(), userIDFrom(r.Context()), chatID)
	if err == nil {
		chat, err = h.signLinks(r.Context(), chat)
	}
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, GetChatDetailsResponse{Chat: chat, Messages: messages})
}

func (h *APIHandler) DeleteChatHandler(w http.ResponseWriter, r *http.Request) {
	chatID := chi.URLParam(r, "chatID")

	if err := h.chats.DeleteChat(r.Context(), userIDFrom(r.Context()), chatID); err != nil {
		h.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *APIHandler) ListMessagesHandler(w http.ResponseWriter, r *http.Request) {
	chatID := chi.URLParam(r, "chatID")

	messages, err := h.chats.Transcript(r.Context(), userIDFrom(r.Context()), chatID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, messages)
}

type PostMessageRequest struct {
	Content string `json:"content"`
}

func (h *APIHandler) PostMessageHandler(w http.ResponseWriter, r *http.Request) {
	chatID := chi.URLParam(r, "chatID")

	var req PostMessageRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	reply, err := h.chats.Send(r.Context(), userIDFrom(r.Context()), chatID, req.Content)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, reply)
}
