package core

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/filetask/docchat/internal/remote"
	"github.com/filetask/docchat/internal/store"
)

// Timeouts bounds each remote call made by the orchestrators. Zero means the
// call is bounded only by the caller's context.
type Timeouts struct {
	SmallIngest   time.Duration
	LargeIngest   time.Duration
	SmallConverse time.Duration
	LargeConverse time.Duration
}

// Backends are the two remote services a chat can be routed to.
type Backends struct {
	Small    remote.SmallDocService
	Large    remote.LargeDocService
	Timeouts Timeouts
}

// artifact is what ingestion yields: a reference for small documents or a
// summary for large ones.
type artifact struct {
	reference string
	summary   string
}

// route is the immutable part of a chat that conversation depends on.
type route struct {
	ownerID   string
	strategy  store.Strategy
	reference string
	summary   string
}

func routeOf(c *store.Chat) route {
	return route{ownerID: c.OwnerID, strategy: c.Strategy, reference: c.Reference, summary: c.Summary}
}

type backend interface {
	ingest(ctx context.Context, f remote.File) (artifact, error)
	converse(ctx context.Context, r route, utterance string) (string, error)
}

func (b Backends) forStrategy(s store.Strategy) (backend, error) {
	switch s {
	case store.StrategySmall:
		if b.Small == nil {
			return nil, fmt.Errorf("no small-document service configured")
		}
		return smallBackend{svc: b.Small, ingestTimeout: b.Timeouts.SmallIngest, converseTimeout: b.Timeouts.SmallConverse}, nil
	case store.StrategyLarge:
		if b.Large == nil {
			return nil, fmt.Errorf("no large-document service configured")
		}
		return largeBackend{svc: b.Large, ingestTimeout: b.Timeouts.LargeIngest, converseTimeout: b.Timeouts.LargeConverse}, nil
	default:
		return nil, fmt.Errorf("unknown strategy %q", s)
	}
}

func withTimeout(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if d <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, d)
}

// asRemoteError makes sure every failure of a remote call matches
// remote.ErrRemoteService.
func asRemoteError(service, op string, err error) error {
	if errors.Is(err, remote.ErrRemoteService) {
		return err
	}
	return &remote.Error{Service: service, Op: op, Err: err}
}

type smallBackend struct {
	svc             remote.SmallDocService
	ingestTimeout   time.Duration
	converseTimeout time.Duration
}

func (b smallBackend) ingest(ctx context.Context, f remote.File) (artifact, error) {
	ctx, cancel := withTimeout(ctx, b.ingestTimeout)
	defer cancel()

	ref, err := b.svc.AddFile(ctx, f)
	if err == nil && strings.TrimSpace(ref) == "" {
		err = errors.New("empty reference")
	}
	if err != nil {
		return artifact{}, asRemoteError("small_doc", "add_file", err)
	}
	return artifact{reference: ref}, nil
}

func (b smallBackend) converse(ctx context.Context, r route, utterance string) (string, error) {
	ctx, cancel := withTimeout(ctx, b.converseTimeout)
	defer cancel()

	out, err := b.svc.Message(ctx, remote.MessageRequest{
		ReferenceID: r.reference,
		Role:        string(store.RoleUser),
		Content:     utterance,
	})
	if err != nil {
		return "", asRemoteError("small_doc", "message", err)
	}
	return out, nil
}

type largeBackend struct {
	svc             remote.LargeDocService
	ingestTimeout   time.Duration
	converseTimeout time.Duration
}

func (b largeBackend) ingest(ctx context.Context, f remote.File) (artifact, error) {
	ctx, cancel := withTimeout(ctx, b.ingestTimeout)
	defer cancel()

	summary, err := b.svc.Summarize(ctx, f)
	if err == nil && strings.TrimSpace(summary) == "" {
		err = errors.New("empty summary")
	}
	if err != nil {
		return artifact{}, asRemoteError("large_doc", "summarize", err)
	}
	return artifact{summary: summary}, nil
}

func (b largeBackend) converse(ctx context.Context, r route, utterance string) (string, error) {
	ctx, cancel := withTimeout(ctx, b.converseTimeout)
	defer cancel()

	out, err := b.svc.Chat(ctx, remote.ChatRequest{Context: r.summary, Prompt: utterance})
	if err != nil {
		return "", asRemoteError("large_doc", "chat", err)
	}
	return out, nil
}
