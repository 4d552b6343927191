package remote

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/generative-ai-go/genai"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"
)

const (
	geminiService       = "gemini"
	defaultGeminiModel  = "gemini-1.5-flash-latest"
	filePollingInterval = 2 * time.Second

	summarySystemInstruction = "You summarize documents for a question-answering assistant. " +
		"Produce a thorough, well-structured summary that keeps every fact, figure, name and section heading " +
		"a reader might later ask about. Do not add information that is not in the document."

	chatSystemInstruction = "You are a helpful assistant answering questions about a single document. " +
		"Answer only from the provided document summary. " +
		"If the answer is not in the summary, clearly state that the document does not contain that information. " +
		"Do not make up information."

	summaryPrompt = "Summarize the attached document."
)

// GeminiSummarizer is a LargeDocService backed by the Gemini File API and a
// generative model.
type GeminiSummarizer struct {
	client       *genai.Client
	modelName    string
	pollInterval time.Duration
}

func NewGeminiSummarizer(ctx context.Context, apiKey, modelName string) (*GeminiSummarizer, error) {
	if strings.TrimSpace(apiKey) == "" {
		return nil, fmt.Errorf("gemini api key is required")
	}
	if modelName == "" {
		modelName = defaultGeminiModel
	}
	client, err := genai.NewClient(ctx, option.WithAPIKey(apiKey))
	if err != nil {
		return nil, fmt.Errorf("failed to create GenAI client: %w", err)
	}
	return &GeminiSummarizer{
		client:       client,
		modelName:    modelName,
		pollInterval: filePollingInterval,
	}, nil
}

func (g *GeminiSummarizer) Close() error {
	if g.client == nil {
		return nil
	}
	return g.client.Close()
}

func (g *GeminiSummarizer) fail(op string, err error) error {
	e := &Error{Service: geminiService, Op: op, Err: err}
	var apiErr *googleapi.Error
	if errors.As(err, &apiErr) {
		e.StatusCode = apiErr.Code
	}
	return e
}

// Summarize uploads f, waits until Gemini has processed it, and asks the model
// for a summary. The uploaded file is deleted afterwards.
func (g *GeminiSummarizer) Summarize(ctx context.Context, f File) (string, error) {
	src, err := f.Open()
	if err != nil {
		return "", g.fail("upload", fmt.Errorf("open file: %w", err))
	}
	uploaded, err := g.client.UploadFile(ctx, "", src, &genai.UploadFileOptions{
		DisplayName: f.Name,
		MIMEType:    f.ContentType,
	})
	src.Close()
	if err != nil {
		return "", g.fail("upload", err)
	}
	defer func() {
		// Use a fresh context; ctx may already be done.
		cleanupCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		_ = g.client.DeleteFile(cleanupCtx, uploaded.Name)
	}()

	uploaded, err = g.waitForFile(ctx, uploaded)
	if err != nil {
		return "", err
	}

	model := g.client.GenerativeModel(g.modelName)
	model.SystemInstruction = &genai.Content{
		Parts: []genai.Part{genai.Text(summarySystemInstruction)},
	}
	resp, err := model.GenerateContent(ctx,
		genai.FileData{MIMEType: uploaded.MIMEType, URI: uploaded.URI},
		genai.Text(summaryPrompt),
	)
	if err != nil {
		return "", g.fail("summarize", err)
	}
	summary, err := responseText(resp)
	if err != nil {
		return "", g.fail("summarize", err)
	}
	return summary, nil
}

func (g *GeminiSummarizer) waitForFile(ctx context.Context, file *genai.File) (*genai.File, error) {
	ticker := time.NewTicker(g.pollInterval)
	defer ticker.Stop()
	for file.State == genai.FileStateProcessing {
		select {
		case <-ctx.Done():
			return nil, g.fail("upload", ctx.Err())
		case <-ticker.C:
		}
		var err error
		file, err = g.client.GetFile(ctx, file.Name)
		if err != nil {
			return nil, g.fail("upload", err)
		}
	}
	if file.State != genai.FileStateActive {
		return nil, g.fail("upload", fmt.Errorf("file %s ended in state %v", file.Name, file.State))
	}
	return file, nil
}

func (g *GeminiSummarizer) Chat(ctx context.Context, req ChatRequest) (string, error) {
	model := g.client.GenerativeModel(g.modelName)
	model.SystemInstruction = &genai.Content{
		Parts: []genai.Part{genai.Text(chatSystemInstruction)},
	}

	resp, err := model.GenerateContent(ctx, genai.Text(contextPrompt(req.Context, req.Prompt)))
	if err != nil {
		return "", g.fail("chat", err)
	}
	answer, err := responseText(resp)
	if err != nil {
		return "", g.fail("chat", err)
	}
	return answer, nil
}

func contextPrompt(summary, prompt string) string {
	return fmt.Sprintf("Here is the summary of the document:\n\n--- CONTEXT START ---\n%s\n--- CONTEXT END ---\n\nNow, please answer my question: %s",
		strings.TrimSpace(summary), strings.TrimSpace(prompt))
}

// responseText concatenates the text parts of the first candidate.
func responseText(resp *genai.GenerateContentResponse) (string, error) {
	if resp == nil || len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil || len(resp.Candidates[0].Content.Parts) == 0 {
		return "", fmt.Errorf("%w: no candidates in response", errMalformedResponse)
	}

	var text strings.Builder
	for _, part := range resp.Candidates[0].Content.Parts {
		if txt, ok := part.(genai.Text); ok {
			text.WriteString(string(txt))
		}
	}
	if strings.TrimSpace(text.String()) == "" {
		return "", fmt.Errorf("%w: response has no text", errMalformedResponse)
	}
	return text.String(), nil
}
