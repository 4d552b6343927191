package core

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/filetask/docchat/internal/logger"
	"github.com/filetask/docchat/internal/store"
)

// ChatService answers user messages against a chat's document and manages
// the owner's chats.
type ChatService struct {
	store    Store
	backends Backends
	routes   *routeCache
	log      *logger.Logger
	now      func() time.Time
}

func NewChatService(st Store, backends Backends, routeCacheSize int, log *logger.Logger) (*ChatService, error) {
	if log == nil {
		log = logger.Nop()
	}
	routes, err := newRouteCache(routeCacheSize)
	if err != nil {
		return nil, err
	}
	return &ChatService{
		store:    st,
		backends: backends,
		routes:   routes,
		log:      log.With("service", "ChatService"),
		now:      time.Now,
	}, nil
}

// loadRoute returns the routing fields of a chat owned by ownerID. A cached
// route still costs an existence check against the store.
func (s *ChatService) loadRoute(ctx context.Context, ownerID, chatID string) (route, error) {
	r, ok := s.routes.get(chatID)
	if ok {
		exists, err := s.store.ChatExists(ctx, chatID)
		if err != nil {
			return route{}, fmt.Errorf("failed to get chat: %w", err)
		}
		if !exists {
			s.routes.remove(chatID)
			return route{}, ErrNotFound
		}
	} else {
		chat, err := s.store.GetChat(ctx, chatID)
		if err != nil {
			return route{}, fmt.Errorf("failed to get chat: %w", err)
		}
		if chat == nil {
			return route{}, ErrNotFound
		}
		r = routeOf(chat)
		s.routes.add(chatID, r)
	}
	if r.ownerID != ownerID {
		return route{}, ErrNotFound
	}
	return r, nil
}

// Send records the user's utterance, asks the chat's backend for a reply and
// records the reply. If the backend fails the user message stays in the
// transcript without an answer and the error matches remote.ErrRemoteService.
func (s *ChatService) Send(ctx context.Context, ownerID, chatID, utterance string) (*store.Message, error) {
	content := strings.TrimSpace(utterance)
	if content == "" {
		return nil, invalid("content", "must not be empty")
	}

	r, err := s.loadRoute(ctx, ownerID, chatID)
	if err != nil {
		return nil, err
	}
	be, err := s.backends.forStrategy(r.strategy)
	if err != nil {
		return nil, err
	}

	userMsg := &store.Message{
		ChatID:    chatID,
		Role:      store.RoleUser,
		Content:   content,
		Timestamp: s.now(),
	}
	if err := s.store.CreateMessage(ctx, userMsg); err != nil {
		return nil, s.messageError(chatID, "user", err)
	}

	reply, err := be.converse(ctx, r, content)
	if err != nil {
		s.log.Warn("Remote reply failed", "chat_id", chatID, "strategy", r.strategy, "error", err)
		return nil, fmt.Errorf("chat %s: %w", chatID, err)
	}

	ts := s.now()
	if ts.Before(userMsg.Timestamp) {
		ts = userMsg.Timestamp
	}
	assistantMsg := &store.Message{
		ChatID:    chatID,
		Role:      store.RoleAssistant,
		Content:   reply,
		Timestamp: ts,
	}
	if err := s.store.CreateMessage(ctx, assistantMsg); err != nil {
		return nil, s.messageError(chatID, "assistant", err)
	}
	return assistantMsg, nil
}

// messageError reports a message insert that lost a race with DeleteChat as
// ErrNotFound.
func (s *ChatService) messageError(chatID, role string, err error) error {
	if errors.Is(err, store.ErrNotFound) {
		s.routes.remove(chatID)
		return ErrNotFound
	}
	return fmt.Errorf("failed to store %s message: %w", role, err)
}

// Transcript returns the chat's messages ordered by timestamp, then by
// insertion order.
func (s *ChatService) Transcript(ctx context.Context, ownerID, chatID string) ([]store.Message, error) {
	if _, err := s.loadRoute(ctx, ownerID, chatID); err != nil {
		return nil, err
	}
	return s.messages(ctx, chatID)
}

func (s *ChatService) messages(ctx context.Context, chatID string) ([]store.Message, error) {
	msgs, err := s.store.ListMessagesByChat(ctx, chatID)
	if err != nil {
		return nil, fmt.Errorf("failed to get messages for chat: %w", err)
	}
	sortTranscript(msgs)
	return msgs, nil
}

func sortTranscript(msgs []store.Message) {
	sort.SliceStable(msgs, func(i, j int) bool {
		if !msgs[i].Timestamp.Equal(msgs[j].Timestamp) {
			return msgs[i].Timestamp.Before(msgs[j].Timestamp)
		}
		return msgs[i].Seq < msgs[j].Seq
	})
}

// ListChats returns the owner's chats, newest first.
func (s *ChatService) ListChats(ctx context.Context, ownerID string) ([]store.Chat, error) {
	chats, err := s.store.ListChatsByOwner(ctx, ownerID)
	if err != nil {
		return nil, fmt.Errorf("failed to list chats: %w", err)
	}
	if chats == nil {
		chats = []store.Chat{}
	}
	return chats, nil
}

// ChatDetails loads a chat and its transcript concurrently.
func (s *ChatService) ChatDetails(ctx context.Context, ownerID, chatID string) (*store.Chat, []store.Message, error) {
	var chat *store.Chat
	var msgs []store.Message

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		c, err := s.store.GetChat(gctx, chatID)
		if err != nil {
			return fmt.Errorf("failed to get chat: %w", err)
		}
		chat = c
		return nil
	})
	g.Go(func() error {
		m, err := s.messages(gctx, chatID)
		msgs = m
		return err
	})
	if err := g.Wait(); err != nil {
		return nil, nil, err
	}

	if chat == nil || chat.OwnerID != ownerID {
		return nil, nil, ErrNotFound
	}
	s.routes.add(chatID, routeOf(chat))
	return chat, msgs, nil
}

// DeleteChat removes the chat with its messages and document descriptors.
func (s *ChatService) DeleteChat(ctx context.Context, ownerID, chatID string) error {
	if _, err := s.loadRoute(ctx, ownerID, chatID); err != nil {
		return err
	}
	s.routes.remove(chatID)
	if err := s.store.DeleteChat(ctx, chatID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return ErrNotFound
		}
		return fmt.Errorf("failed to delete chat: %w", err)
	}
	s.log.Info("Chat deleted", "chat_id", chatID, "owner_id", ownerID)
	return nil
}

// ClearChats deletes every chat of the owner and returns how many there were.
func (s *ChatService) ClearChats(ctx context.Context, ownerID string) (int64, error) {
	n, err := s.store.DeleteChatsByOwner(ctx, ownerID)
	s.routes.removeOwner(ownerID)
	if err != nil {
		return 0, fmt.Errorf("failed to clear chats: %w", err)
	}
	s.log.Info("Chats cleared", "owner_id", ownerID, "deleted", n)
	return n, nil
}
