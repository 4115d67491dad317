package extraction

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"strings"
	"time"

	"github.com/zombor/gastos-import/internal/intake"
)

// ImportPath is the extraction endpoint relative to the API base URL
const ImportPath = "/api/v1/gastos/import-file"

// DefaultTimeout bounds a single upload so the spinner cannot run forever
const DefaultTimeout = 60 * time.Second

// maxResponseSize caps how much of a response body is read
const maxResponseSize = 8 << 20

// Client uploads documents to the extraction endpoint
type Client struct {
	baseURL string
	client  *http.Client
}

// NewClient creates a Client with its own http.Client
func NewClient(baseURL string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return NewClientWithHTTP(baseURL, &http.Client{Timeout: timeout})
}

// NewClientWithHTTP creates a Client using a custom http.Client for testing
func NewClientWithHTTP(baseURL string, httpClient *http.Client) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  httpClient,
	}
}

// importResponse is the envelope returned by the import endpoint
type importResponse struct {
	Success *bool           `json:"success"`
	Data    json.RawMessage `json:"data"`
	Message string          `json:"message"`
}

// Submit uploads f and waits for the extraction result. It makes exactly one
// request and never retries. Errors are ErrNoSession, *ServiceRejection or
// *TransportError.
func (c *Client) Submit(ctx context.Context, f intake.File, token string) (*Result, error) {
	if strings.TrimSpace(token) == "" {
		return nil, ErrNoSession
	}

	body, contentType, err := multipartBody(f)
	if err != nil {
		return nil, &TransportError{Err: fmt.Errorf("building request body: %w", err)}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+ImportPath, body)
	if err != nil {
		return nil, &TransportError{Err: fmt.Errorf("creating request: %w", err)}
	}
	req.Header.Set("Content-Type", contentType)
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Accept", "application/json")

	start := time.Now()
	resp, err := c.client.Do(req)
	if err != nil {
		slog.Error("Import request failed", "filename", f.Name, "error", err)
		return nil, &TransportError{Err: fmt.Errorf("calling import endpoint: %w", err)}
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return nil, &TransportError{StatusCode: resp.StatusCode, Err: fmt.Errorf("reading response: %w", err)}
	}

	slog.Debug("Import endpoint responded",
		"filename", f.Name,
		"status", resp.StatusCode,
		"duration", time.Since(start),
	)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &TransportError{
			StatusCode: resp.StatusCode,
			Detail:     parseDetail(raw),
			Err:        fmt.Errorf("unexpected status: %s", http.StatusText(resp.StatusCode)),
		}
	}

	return decodeImportResponse(resp.StatusCode, raw)
}

func decodeImportResponse(status int, raw []byte) (*Result, error) {
	var envelope importResponse
	if err := json.Unmarshal(raw, &envelope); err != nil {
		return nil, &TransportError{StatusCode: status, Err: fmt.Errorf("decoding response: %w", err)}
	}
	if envelope.Success == nil {
		return nil, &TransportError{
			StatusCode: status,
			Detail:     parseDetail(raw),
			Err:        errors.New("response has no success field"),
		}
	}
	if !*envelope.Success {
		return nil, &ServiceRejection{Message: strings.TrimSpace(envelope.Message)}
	}
	if len(envelope.Data) == 0 || bytes.Equal(envelope.Data, []byte("null")) {
		return nil, &TransportError{StatusCode: status, Err: errors.New("successful response without data")}
	}

	var result Result
	if err := json.Unmarshal(envelope.Data, &result); err != nil {
		return nil, &TransportError{StatusCode: status, Err: fmt.Errorf("decoding extraction data: %w", err)}
	}
	if raw := result.Date.Unparsed(); raw != "" {
		slog.Warn("Ignoring unreadable extracted date", "fecha", raw)
	}
	return &result, nil
}

// parseDetail reads the conventional "detail" field of an error body. FastAPI
// sends either a string or a list of validation errors with a "msg" each.
func parseDetail(raw []byte) string {
	var body struct {
		Detail json.RawMessage `json:"detail"`
	}
	if err := json.Unmarshal(raw, &body); err != nil || len(body.Detail) == 0 {
		return ""
	}

	var s string
	if err := json.Unmarshal(body.Detail, &s); err == nil {
		return strings.TrimSpace(s)
	}

	var items []struct {
		Msg string `json:"msg"`
	}
	if err := json.Unmarshal(body.Detail, &items); err == nil {
		msgs := make([]string, 0, len(items))
		for _, item := range items {
			if item.Msg != "" {
				msgs = append(msgs, item.Msg)
			}
		}
		return strings.Join(msgs, "; ")
	}
	return ""
}

var quoteEscaper = strings.NewReplacer("\\", "\\\\", `"`, "\\\"")

// multipartBody encodes f as the single "file" field, keeping its content type
func multipartBody(f intake.File) (io.Reader, string, error) {
	var buffer bytes.Buffer
	writer := multipart.NewWriter(&buffer)

	h := make(textproto.MIMEHeader)
	h.Set("Content-Disposition", fmt.Sprintf(`form-data; name="file"; filename="%s"`, quoteEscaper.Replace(f.Name)))
	h.Set("Content-Type", f.ContentType)

	part, err := writer.CreatePart(h)
	if err != nil {
		return nil, "", fmt.Errorf("creating file part: %w", err)
	}
	if _, err := part.Write(f.Data); err != nil {
		return nil, "", fmt.Errorf("writing file part: %w", err)
	}
	if err := writer.Close(); err != nil {
		return nil, "", fmt.Errorf("closing multipart writer: %w", err)
	}
	return &buffer, writer.FormDataContentType(), nil
}
