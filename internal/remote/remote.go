// Package remote holds the clients for the two external document services:
// the small-document chat API that addresses an uploaded file by reference,
// and the large-document service that summarizes a file once and answers
// prompts against that summary.
package remote

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
)

// ErrRemoteService matches every *Error via errors.Is.
var ErrRemoteService = errors.New("remote service error")

// Error describes a failed call to a remote service.
type Error struct {
	Service    string
	Op         string
	StatusCode int // zero when no HTTP response was received
	Err        error
}

func (e *Error) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("%s %s: status %d: %v", e.Service, e.Op, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("%s %s: %v", e.Service, e.Op, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

func (e *Error) Is(target error) bool { return target == ErrRemoteService }

// Temporary reports whether retrying the call could succeed.
func (e *Error) Temporary() bool {
	if errors.Is(e.Err, context.Canceled) {
		return false
	}
	switch {
	case e.StatusCode == http.StatusTooManyRequests, e.StatusCode >= 500:
		return true
	case e.StatusCode != 0:
		return false
	}
	if errors.Is(e.Err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(e.Err, &netErr)
}

var errMalformedResponse = errors.New("malformed response")

// File is an uploaded document. Open may be called more than once; each call
// returns a fresh reader over the full contents.
type File struct {
	Name        string
	ContentType string
	Size        int64
	Open        func() (io.ReadCloser, error)
}

// NewFile wraps in-memory contents as a File.
func NewFile(name, contentType string, data []byte) File {
	return File{
		Name:        name,
		ContentType: contentType,
		Size:        int64(len(data)),
		Open: func() (io.ReadCloser, error) {
			return io.NopCloser(bytes.NewReader(data)), nil
		},
	}
}

type MessageRequest struct {
	ReferenceID string
	Role        string
	Content     string
}

type ChatRequest struct {
	Context string
	Prompt  string
}

// SmallDocService ingests a file into a hosted document-chat API and answers
// messages addressed by the returned reference.
type SmallDocService interface {
	AddFile(ctx context.Context, f File) (string, error)
	Message(ctx context.Context, req MessageRequest) (string, error)
}

// LargeDocService produces a summary of a file and answers prompts given that
// summary as context. Summarize can take minutes.
type LargeDocService interface {
	Summarize(ctx context.Context, f File) (string, error)
	Chat(ctx context.Context, req ChatRequest) (string, error)
}

// readErrorBody returns a short excerpt of a non-2xx response body.
func readErrorBody(resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
	msg := strings.TrimSpace(string(body))
	if msg == "" {
		msg = http.StatusText(resp.StatusCode)
	}
	return errors.New(msg)
}
