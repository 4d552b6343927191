package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"strings"
)

// jsonClient performs JSON and multipart requests against one base URL and
// converts every failure into *Error.
type jsonClient struct {
	service string
	baseURL string
	headers map[string]string
	http    *http.Client
}

func (c *jsonClient) fail(op string, status int, err error) error {
	return &Error{Service: c.service, Op: op, StatusCode: status, Err: err}
}

func (c *jsonClient) postJSON(ctx context.Context, op, path string, in, out any) error {
	payload, err := json.Marshal(in)
	if err != nil {
		return c.fail(op, 0, fmt.Errorf("encode request: %w", err))
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return c.fail(op, 0, err)
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(op, req, out)
}

// postMultipart streams f as the "file" form field.
func (c *jsonClient) postMultipart(ctx context.Context, op, path string, f File, out any) error {
	src, err := f.Open()
	if err != nil {
		return c.fail(op, 0, fmt.Errorf("open file: %w", err))
	}
	defer src.Close()

	pr, pw := io.Pipe()
	mw := multipart.NewWriter(pw)
	done := make(chan struct{})
	go func() {
		defer close(done)
		pw.CloseWithError(writeFilePart(mw, f, src))
	}()
	// The writer goroutine must finish before src is closed.
	defer func() {
		pr.Close()
		<-done
	}()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, pr)
	if err != nil {
		return c.fail(op, 0, err)
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())
	return c.do(op, req, out)
}

func writeFilePart(mw *multipart.Writer, f File, src io.Reader) error {
	h := make(textproto.MIMEHeader)
	h.Set("Content-Disposition", fmt.Sprintf(`form-data; name="file"; filename="%s"`, escapeQuotes(f.Name)))
	ct := f.ContentType
	if ct == "" {
		ct = "application/octet-stream"
	}
	h.Set("Content-Type", ct)

	part, err := mw.CreatePart(h)
	if err != nil {
		return err
	}
	if _, err := io.Copy(part, src); err != nil {
		return err
	}
	return mw.Close()
}

var quoteEscaper = strings.NewReplacer("\\", "\\\\", `"`, "\\\"")

func escapeQuotes(s string) string {
	return quoteEscaper.Replace(s)
}

func (c *jsonClient) do(op string, req *http.Request, out any) error {
	for k, v := range c.headers {
		req.Header.Set(k, v)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return c.fail(op, 0, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return c.fail(op, resp.StatusCode, readErrorBody(resp))
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return c.fail(op, resp.StatusCode, fmt.Errorf("%w: %v", errMalformedResponse, err))
	}
	return nil
}
