package core

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"

	"golang.org/x/sync/singleflight"

	"github.com/filetask/docchat/internal/blob"
	"github.com/filetask/docchat/internal/logger"
	"github.com/filetask/docchat/internal/remote"
	"github.com/filetask/docchat/internal/store"
)

// AllowedContentTypes maps accepted file extensions to their content type.
var AllowedContentTypes = map[string]string{
	".pdf":  "application/pdf",
	".docx": "application/vnd.openxmlformats-officedocument.wordprocessingml.document",
	".pptx": "application/vnd.openxmlformats-officedocument.presentationml.presentation",
}

// IngestService turns an uploaded file into a chat: it sends the file to the
// backend picked by Classify, persists the chat with the returned artifact and
// stores the raw file in blob storage.
type IngestService struct {
	store    Store
	blobs    blob.Store
	backends Backends
	log      *logger.Logger
	inflight singleflight.Group
}

func NewIngestService(st Store, blobs blob.Store, backends Backends, log *logger.Logger) *IngestService {
	if log == nil {
		log = logger.Nop()
	}
	return &IngestService{
		store:    st,
		blobs:    blobs,
		backends: backends,
		log:      log.With("service", "IngestService"),
	}
}

// Ingest returns the chat for (ownerID, f.Name), creating it when it does not
// exist yet. created reports whether this call created the chat. An existing
// chat is returned unchanged and no remote call is made.
//
// If the chat was created but the file could not be stored, the error is an
// *UploadPendingError; calling Ingest again with the same file retries the
// upload alone.
//
// Concurrent calls for the same owner and file name in this process share one
// ingestion; only the call that ran it reports created.
func (s *IngestService) Ingest(ctx context.Context, ownerID string, f remote.File) (*store.Chat, bool, error) {
	f, err := s.validate(ownerID, f)
	if err != nil {
		return nil, false, err
	}

	type result struct {
		chat    *store.Chat
		created bool
	}
	ran := false
	v, err, _ := s.inflight.Do(ownerID+"\x00"+f.Name, func() (interface{}, error) {
		ran = true
		chat, created, err := s.ingest(ctx, ownerID, f)
		return result{chat: chat, created: created}, err
	})
	res, _ := v.(result)
	return res.chat, ran && res.created, err
}

func (s *IngestService) ingest(ctx context.Context, ownerID string, f remote.File) (chat *store.Chat, created bool, err error) {
	existing, err := s.store.FindChatByOwnerAndTitle(ctx, ownerID, f.Name)
	if err != nil {
		return nil, false, fmt.Errorf("failed to look up chat: %w", err)
	}
	if existing != nil {
		s.log.Info("Ingest matched existing chat", "chat_id", existing.ID, "owner_id", ownerID, "status", existing.Status)
		return s.resume(ctx, existing, f)
	}

	strategy := Classify(f.Size)
	be, err := s.backends.forStrategy(strategy)
	if err != nil {
		return nil, false, err
	}

	art, err := be.ingest(ctx, f)
	if err != nil {
		s.log.Warn("Remote ingestion failed", "owner_id", ownerID, "file_name", f.Name, "strategy", strategy, "error", err)
		return nil, false, fmt.Errorf("ingest %q: %w", f.Name, err)
	}

	chat, err = s.store.CreateChat(ctx, store.NewChat{
		OwnerID:   ownerID,
		Title:     f.Name,
		Strategy:  strategy,
		Reference: art.reference,
		Summary:   art.summary,
		Status:    store.ChatStatusUploadPending,
	})
	if errors.Is(err, store.ErrDuplicate) {
		// Another process won the insert and owns the upload.
		existing, findErr := s.store.FindChatByOwnerAndTitle(ctx, ownerID, f.Name)
		if findErr != nil {
			return nil, false, fmt.Errorf("failed to look up chat: %w", findErr)
		}
		if existing == nil {
			return nil, false, fmt.Errorf("failed to create chat: %w", err)
		}
		s.log.Info("Ingest lost creation race", "chat_id", existing.ID, "owner_id", ownerID, "status", existing.Status)
		return existing, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("failed to create chat: %w", err)
	}
	s.log.Info("Chat created", "chat_id", chat.ID, "owner_id", ownerID, "strategy", strategy, "file_size", f.Size)

	chat, err = s.attach(ctx, chat, f)
	if err != nil {
		return nil, true, err
	}
	return chat, true, nil
}

func (s *IngestService) resume(ctx context.Context, chat *store.Chat, f remote.File) (*store.Chat, bool, error) {
	if chat.Status != store.ChatStatusUploadPending {
		return chat, false, nil
	}
	chat, err := s.attach(ctx, chat, f)
	if err != nil {
		return nil, false, err
	}
	return chat, false, nil
}

// attach uploads the raw file, links it to the chat and marks the chat ready.
func (s *IngestService) attach(ctx context.Context, chat *store.Chat, f remote.File) (*store.Chat, error) {
	pending := func(err error) error {
		s.log.Warn("Document upload pending", "chat_id", chat.ID, "error", err)
		return &UploadPendingError{ChatID: chat.ID, Err: err}
	}

	src, err := f.Open()
	if err != nil {
		return nil, pending(fmt.Errorf("open file: %w", err))
	}
	url, err := s.blobs.Put(ctx, blob.ChatObjectKey(chat.ID, chat.Title), src, f.Size, f.ContentType)
	src.Close()
	if err != nil {
		return nil, pending(fmt.Errorf("upload document: %w", err))
	}

	doc := store.Document{Name: chat.Title, URL: url, ContentType: f.ContentType}
	if err := s.store.AppendDocument(ctx, chat.ID, doc); err != nil {
		return nil, pending(fmt.Errorf("attach document: %w", err))
	}
	if err := s.store.SetChatStatus(ctx, chat.ID, store.ChatStatusReady); err != nil {
		return nil, pending(fmt.Errorf("mark chat ready: %w", err))
	}

	updated, err := s.store.GetChat(ctx, chat.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to reload chat: %w", err)
	}
	if updated == nil {
		return nil, ErrNotFound
	}
	return updated, nil
}

func (s *IngestService) validate(ownerID string, f remote.File) (remote.File, error) {
	if strings.TrimSpace(ownerID) == "" {
		return f, invalid("owner_id", "is required")
	}
	f.Name = strings.TrimSpace(f.Name)
	if f.Name == "" {
		return f, invalid("file", "name is required")
	}
	if strings.ContainsAny(f.Name, `/\`) || f.Name == "." || f.Name == ".." {
		return f, invalid("file", "name must not contain a path")
	}
	if f.Open == nil {
		return f, invalid("file", "contents are missing")
	}
	ext := strings.ToLower(filepath.Ext(f.Name))
	contentType, ok := AllowedContentTypes[ext]
	if !ok {
		return f, invalid("file", fmt.Sprintf("unsupported extension %q; allowed: .pdf, .docx, .pptx", ext))
	}
	if f.Size <= 0 {
		return f, invalid("file", "is empty")
	}
	if f.ContentType == "" || f.ContentType == "application/octet-stream" {
		f.ContentType = contentType
	}
	return f, nil
}
