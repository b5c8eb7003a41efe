package openai

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"chunklab-backend/internal/llm"
)

const (
	filesURL   = "https://api.openai.com/v1/files"
	batchesURL = "https://api.openai.com/v1/batches"

	batchEndpoint         = "/v1/chat/completions"
	batchCompletionWindow = "24h"
)

// Client implements llm.BatchClient using the OpenAI Files and Batches APIs.
type Client struct {
	apiKey     string
	model      string
	httpClient *http.Client
}

// NewClient constructs a new OpenAI batch client.
func NewClient(apiKey, model string) (*Client, error) {
	if strings.TrimSpace(model) == "" {
		return nil, fmt.Errorf("LLM_MODEL is required for OpenAI")
	}
	if strings.TrimSpace(apiKey) == "" {
		return nil, fmt.Errorf("OPENAI_API_KEY is required")
	}
	timeout := 120 * time.Second
	if raw := strings.TrimSpace(os.Getenv("OPENAI_TIMEOUT_SECONDS")); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil && parsed > 0 {
			timeout = time.Duration(parsed) * time.Second
		}
	}
	return &Client{
		apiKey: apiKey,
		model:  model,
		httpClient: &http.Client{
			Timeout: timeout,
		},
	}, nil
}

// Model returns the chat model the client submits batches against.
func (c *Client) Model() string {
	return c.model
}

type fileResponse struct {
	ID    string `json:"id"`
	Error *struct {
		Message string `json:"message"`
		Type    string `json:"type"`
	} `json:"error,omitempty"`
}

type batchResponse struct {
	ID           string `json:"id"`
	Status       string `json:"status"`
	OutputFileID string `json:"output_file_id"`
	ErrorFileID  string `json:"error_file_id"`
	Errors       *struct {
		Data []struct {
			Message string `json:"message"`
		} `json:"data"`
	} `json:"errors,omitempty"`
	Error *struct {
		Message string `json:"message"`
		Type    string `json:"type"`
	} `json:"error,omitempty"`
}

// UploadFile uploads JSONL contents with purpose=batch and returns the file id.
func (c *Client) UploadFile(ctx context.Context, fileName string, contents []byte) (string, error) {
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	if err := mw.WriteField("purpose", "batch"); err != nil {
		return "", err
	}
	part, err := mw.CreateFormFile("file", fileName)
	if err != nil {
		return "", err
	}
	if _, err := part.Write(contents); err != nil {
		return "", err
	}
	if err := mw.Close(); err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, filesURL, &buf)
	if err != nil {
		return "", err
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("Content-Type", mw.FormDataContentType())

	body, err := c.do(req)
	if err != nil {
		return "", err
	}

	var parsed fileResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return "", fmt.Errorf("openai file response parse: %w", err)
	}
	if parsed.Error != nil {
		return "", fmt.Errorf("openai error: %s (%s)", parsed.Error.Message, parsed.Error.Type)
	}
	if parsed.ID == "" {
		return "", fmt.Errorf("openai file response missing id")
	}
	return parsed.ID, nil
}

// CreateBatch starts a batch over the uploaded input file.
func (c *Client) CreateBatch(ctx context.Context, inputFileID string) (llm.Batch, error) {
	payload, err := json.Marshal(map[string]string{
		"input_file_id":     inputFileID,
		"endpoint":          batchEndpoint,
		"completion_window": batchCompletionWindow,
	})
	if err != nil {
		return llm.Batch{}, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, batchesURL, bytes.NewReader(payload))
	if err != nil {
		return llm.Batch{}, err
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("Content-Type", "application/json")

	body, err := c.do(req)
	if err != nil {
		return llm.Batch{}, err
	}
	return parseBatch(body)
}

// GetBatch fetches the current state of a batch.
func (c *Client) GetBatch(ctx context.Context, batchID string) (llm.Batch, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, batchesURL+"/"+batchID, nil)
	if err != nil {
		return llm.Batch{}, err
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	body, err := c.do(req)
	if err != nil {
		return llm.Batch{}, err
	}
	return parseBatch(body)
}

// DownloadFile returns the raw contents of a file, typically batch output JSONL.
func (c *Client) DownloadFile(ctx context.Context, fileID string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, filesURL+"/"+fileID+"/content", nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	return c.do(req)
}

func (c *Client) do(req *http.Request) ([]byte, error) {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || strings.Contains(err.Error(), "Client.Timeout") {
			return nil, fmt.Errorf("openai request timeout: %w", err)
		}
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode >= http.StatusBadRequest {
		return nil, fmt.Errorf("openai status %d: %s", resp.StatusCode, truncate(string(body), 512))
	}
	return body, nil
}

func parseBatch(body []byte) (llm.Batch, error) {
	var parsed batchResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return llm.Batch{}, fmt.Errorf("openai batch response parse: %w", err)
	}
	if parsed.Error != nil {
		return llm.Batch{}, fmt.Errorf("openai error: %s (%s)", parsed.Error.Message, parsed.Error.Type)
	}
	if parsed.ID == "" {
		return llm.Batch{}, fmt.Errorf("openai batch response missing id")
	}

	var errMsg string
	if parsed.Errors != nil && len(parsed.Errors.Data) > 0 {
		errMsg = parsed.Errors.Data[0].Message
	}
	return llm.Batch{
		ID:           parsed.ID,
		Status:       parsed.Status,
		OutputFileID: parsed.OutputFileID,
		ErrorFileID:  parsed.ErrorFileID,
		Error:        errMsg,
	}, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

var _ llm.BatchClient = (*Client)(nil)
