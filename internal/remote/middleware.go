package remote

import (
	"context"
	"errors"
	"time"

	"github.com/filetask/docchat/internal/logger"
)

// Middleware decorates both service kinds with one cross-cutting concern.
type Middleware interface {
	Small(SmallDocService) SmallDocService
	Large(LargeDocService) LargeDocService
}

// WrapSmall applies middlewares in left-to-right order:
// WrapSmall(inner, A, B) => A(B(inner)).
func WrapSmall(inner SmallDocService, mws ...Middleware) SmallDocService {
	out := inner
	for i := len(mws) - 1; i >= 0; i-- {
		out = mws[i].Small(out)
	}
	return out
}

func WrapLarge(inner LargeDocService, mws ...Middleware) LargeDocService {
	out := inner
	for i := len(mws) - 1; i >= 0; i-- {
		out = mws[i].Large(out)
	}
	return out
}

// -------- Retry with exponential backoff --------

// WithRetry retries calls that fail with a temporary *Error up to maxRetries
// more times, sleeping baseDelay*2^attempt in between. Context cancellation
// stops it immediately. maxRetries <= 0 disables retrying.
func WithRetry(maxRetries int, baseDelay time.Duration) Middleware {
	if baseDelay <= 0 {
		baseDelay = 300 * time.Millisecond
	}
	return retryPolicy{max: maxRetries, base: baseDelay}
}

type retryPolicy struct {
	max  int
	base time.Duration
}

func (p retryPolicy) Small(next SmallDocService) SmallDocService {
	if p.max <= 0 {
		return next
	}
	return &retryingSmall{next: next, policy: p}
}

func (p retryPolicy) Large(next LargeDocService) LargeDocService {
	if p.max <= 0 {
		return next
	}
	return &retryingLarge{next: next, policy: p}
}

func (p retryPolicy) do(ctx context.Context, call func() (string, error)) (string, error) {
	var last error
	for attempt := 0; ; attempt++ {
		out, err := call()
		if err == nil {
			return out, nil
		}
		last = err
		if attempt >= p.max || !isTemporary(err) {
			return "", last
		}

		timer := time.NewTimer(p.base * time.Duration(1<<attempt))
		select {
		case <-ctx.Done():
			timer.Stop()
			return "", last
		case <-timer.C:
		}
	}
}

func isTemporary(err error) bool {
	var remoteErr *Error
	return errors.As(err, &remoteErr) && remoteErr.Temporary()
}

type retryingSmall struct {
	next   SmallDocService
	policy retryPolicy
}

func (r *retryingSmall) AddFile(ctx context.Context, f File) (string, error) {
	return r.policy.do(ctx, func() (string, error) { return r.next.AddFile(ctx, f) })
}

func (r *retryingSmall) Message(ctx context.Context, req MessageRequest) (string, error) {
	return r.policy.do(ctx, func() (string, error) { return r.next.Message(ctx, req) })
}

type retryingLarge struct {
	next   LargeDocService
	policy retryPolicy
}

func (r *retryingLarge) Summarize(ctx context.Context, f File) (string, error) {
	return r.policy.do(ctx, func() (string, error) { return r.next.Summarize(ctx, f) })
}

func (r *retryingLarge) Chat(ctx context.Context, req ChatRequest) (string, error) {
	return r.policy.do(ctx, func() (string, error) { return r.next.Chat(ctx, req) })
}

// -------- Logging --------

// WithLogging logs every call with its duration, and failures at warn level.
func WithLogging(log *logger.Logger) Middleware {
	if log == nil {
		log = logger.Nop()
	}
	return loggingPolicy{log: log}
}

type loggingPolicy struct {
	log *logger.Logger
}

func (p loggingPolicy) Small(next SmallDocService) SmallDocService {
	return &loggingSmall{next: next, log: p.log.With("service", "small_doc")}
}

func (p loggingPolicy) Large(next LargeDocService) LargeDocService {
	return &loggingLarge{next: next, log: p.log.With("service", "large_doc")}
}

func logCall(log *logger.Logger, op string, start time.Time, err error, kv ...interface{}) {
	kv = append(kv, "op", op, "duration", time.Since(start))
	if err != nil {
		log.Warn("remote call failed", append(kv, "error", err)...)
		return
	}
	log.Debug("remote call finished", kv...)
}

type loggingSmall struct {
	next SmallDocService
	log  *logger.Logger
}

func (l *loggingSmall) AddFile(ctx context.Context, f File) (string, error) {
	start := time.Now()
	ref, err := l.next.AddFile(ctx, f)
	logCall(l.log, "add_file", start, err, "file_name", f.Name, "file_size", f.Size)
	return ref, err
}

func (l *loggingSmall) Message(ctx context.Context, req MessageRequest) (string, error) {
	start := time.Now()
	out, err := l.next.Message(ctx, req)
	logCall(l.log, "message", start, err, "reference", req.ReferenceID, "prompt_bytes", len(req.Content))
	return out, err
}

type loggingLarge struct {
	next LargeDocService
	log  *logger.Logger
}

func (l *loggingLarge) Summarize(ctx context.Context, f File) (string, error) {
	start := time.Now()
	out, err := l.next.Summarize(ctx, f)
	logCall(l.log, "summarize", start, err, "file_name", f.Name, "file_size", f.Size, "summary_bytes", len(out))
	return out, err
}

func (l *loggingLarge) Chat(ctx context.Context, req ChatRequest) (string, error) {
	start := time.Now()
	out, err := l.next.Chat(ctx, req)
	logCall(l.log, "chat", start, err, "context_bytes", len(req.Context), "prompt_bytes", len(req.Prompt))
	return out, err
}
