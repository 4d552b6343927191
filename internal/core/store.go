package core

import (
	"context"
	"fmt"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/filetask/docchat/internal/store"
)

// Store is the persistence the orchestrators need. *store.SQLStore
// implements it.
type Store interface {
	GetChat(ctx context.Context, chatID string) (*store.Chat, error)
	ChatExists(ctx context.Context, chatID string) (bool, error)
	CreateChat(ctx context.Context, in store.NewChat) (*store.Chat, error)
	ListChatsByOwner(ctx context.Context, ownerID string) ([]store.Chat, error)
	FindChatByOwnerAndTitle(ctx context.Context, ownerID, title string) (*store.Chat, error)
	AppendDocument(ctx context.Context, chatID string, doc store.Document) error
	SetChatStatus(ctx context.Context, chatID string, status store.ChatStatus) error
	DeleteChat(ctx context.Context, chatID string) error
	DeleteChatsByOwner(ctx context.Context, ownerID string) (int64, error)
	CreateMessage(ctx context.Context, msg *store.Message) error
	ListMessagesByChat(ctx context.Context, chatID string) ([]store.Message, error)
}

// routeCache remembers the routing fields of recently used chats. Those
// fields never change after creation, but the chat may be deleted by another
// process, so a hit is only trusted after the row is confirmed to exist.
type routeCache struct {
	entries *lru.Cache[string, route]
}

// newRouteCache returns a disabled cache when size <= 0.
func newRouteCache(size int) (*routeCache, error) {
	if size <= 0 {
		return &routeCache{}, nil
	}
	entries, err := lru.New[string, route](size)
	if err != nil {
		return nil, fmt.Errorf("create route cache: %w", err)
	}
	return &routeCache{entries: entries}, nil
}

func (c *routeCache) get(chatID string) (route, bool) {
	if c.entries == nil {
		return route{}, false
	}
	return c.entries.Get(chatID)
}

func (c *routeCache) add(chatID string, r route) {
	if c.entries != nil {
		c.entries.Add(chatID, r)
	}
}

func (c *routeCache) remove(chatID string) {
	if c.entries != nil {
		c.entries.Remove(chatID)
	}
}

func (c *routeCache) removeOwner(ownerID string) {
	if c.entries == nil {
		return
	}
	for _, k := range c.entries.Keys() {
		if r, ok := c.entries.Peek(k); ok && r.ownerID == ownerID {
			c.entries.Remove(k)
		}
	}
}
