package remote

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"
)

const summarizerService = "summarizer"

// SummarizerClient talks to the HTTP summarization service: POST /upload with
// a multipart file returns {"summary"}, POST /chat with {"context","prompt"}
// returns {"response"}.
type SummarizerClient struct {
	api jsonClient
}

func NewSummarizerClient(baseURL string, timeout time.Duration) *SummarizerClient {
	return &SummarizerClient{api: jsonClient{
		service: summarizerService,
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: timeout},
	}}
}

type summarizerUploadResponse struct {
	Summary string `json:"summary"`
}

type summarizerChatRequest struct {
	Context string `json:"context"`
	Prompt  string `json:"prompt"`
}

type summarizerChatResponse struct {
	Response string `json:"response"`
}

func (c *SummarizerClient) Summarize(ctx context.Context, f File) (string, error) {
	var out summarizerUploadResponse
	if err := c.api.postMultipart(ctx, "upload", "/upload", f, &out); err != nil {
		return "", err
	}
	if strings.TrimSpace(out.Summary) == "" {
		return "", c.api.fail("upload", http.StatusOK, fmt.Errorf("%w: empty summary", errMalformedResponse))
	}
	return out.Summary, nil
}

func (c *SummarizerClient) Chat(ctx context.Context, req ChatRequest) (string, error) {
	var out summarizerChatResponse
	if err := c.api.postJSON(ctx, "chat", "/chat", summarizerChatRequest{Context: req.Context, Prompt: req.Prompt}, &out); err != nil {
		return "", err
	}
	if strings.TrimSpace(out.Response) == "" {
		return "", c.api.fail("chat", http.StatusOK, fmt.Errorf("%w: empty response", errMalformedResponse))
	}
	return out.Response, nil
}
