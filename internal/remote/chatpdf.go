package remote

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"
)

const chatPDFService = "chatpdf"

type ChatPDFClient struct {
	api jsonClient
}

// NewChatPDFClient returns a client for the ChatPDF API. A zero timeout
// leaves requests bounded only by their context.
func NewChatPDFClient(baseURL, apiKey string, timeout time.Duration) *ChatPDFClient {
	return &ChatPDFClient{api: jsonClient{
		service: chatPDFService,
		baseURL: strings.TrimRight(baseURL, "/"),
		headers: map[string]string{"x-api-key": apiKey},
		http:    &http.Client{Timeout: timeout},
	}}
}

type chatPDFSource struct {
	SourceID string `json:"sourceId"`
}

type chatPDFMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatPDFMessageRequest struct {
	SourceID string           `json:"sourceId"`
	Messages []chatPDFMessage `json:"messages"`
}

type chatPDFMessageResponse struct {
	Content string `json:"content"`
}

// AddFile uploads f and returns the source id that addresses it.
func (c *ChatPDFClient) AddFile(ctx context.Context, f File) (string, error) {
	var out chatPDFSource
	if err := c.api.postMultipart(ctx, "add-file", "/v1/sources/add-file", f, &out); err != nil {
		return "", err
	}
	if strings.TrimSpace(out.SourceID) == "" {
		return "", c.api.fail("add-file", http.StatusOK, fmt.Errorf("%w: empty sourceId", errMalformedResponse))
	}
	return out.SourceID, nil
}

func (c *ChatPDFClient) Message(ctx context.Context, req MessageRequest) (string, error) {
	role := req.Role
	if role == "" {
		role = "user"
	}
	in := chatPDFMessageRequest{
		SourceID: req.ReferenceID,
		Messages: []chatPDFMessage{{Role: role, Content: req.Content}},
	}
	var out chatPDFMessageResponse
	if err := c.api.postJSON(ctx, "message", "/v1/chats/message", in, &out); err != nil {
		return "", err
	}
	if strings.TrimSpace(out.Content) == "" {
		return "", c.api.fail("message", http.StatusOK, fmt.Errorf("%w: empty content", errMalformedResponse))
	}
	return out.Content, nil
}
