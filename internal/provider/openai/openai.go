package openai

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strings"
	"time"

	"github.com/mtzanidakis/batchchain/internal/gateway"
)

const (
	defaultBaseURL    = "https://api.openai.com/v1"
	completionsPath   = "/v1/chat/completions"
	completionWindow  = "24h"
	batchDiscount     = 0.5
	maxResultLineSize = 16 << 20
)

// modelPricing holds {input, output} USD per million tokens, keyed by
// model prefix.
var modelPricing = map[string][2]float64{
	"gpt-4o-mini":  {0.15, 0.60},
	"gpt-4o":       {2.50, 10.00},
	"gpt-4.1-mini": {0.40, 1.60},
	"gpt-4.1":      {2.00, 8.00},
	"o3-mini":      {1.10, 4.40},
	"o4-mini":      {1.10, 4.40},
}

func estimateCost(model string, promptTokens, completionTokens int64) float64 {
	best := ""
	for prefix := range modelPricing {
		if strings.HasPrefix(model, prefix) && len(prefix) > len(best) {
			best = prefix
		}
	}
	if best == "" {
		return 0
	}
	p := modelPricing[best]
	return (float64(promptTokens)/1e6*p[0] + float64(completionTokens)/1e6*p[1]) * batchDiscount
}

// Provider talks to an OpenAI-compatible Batch API: the requests are
// uploaded as a JSONL file and a batch is created over it.
type Provider struct {
	name      string
	apiKey    string
	baseURL   string
	maxTokens int64
	http      *http.Client
}

func New(name, apiKey, baseURL string, maxTokens int64) *Provider {
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	if maxTokens <= 0 {
		maxTokens = 4096
	}
	return &Provider{
		name:      name,
		apiKey:    apiKey,
		baseURL:   strings.TrimRight(baseURL, "/"),
		maxTokens: maxTokens,
		http:      &http.Client{Timeout: 2 * time.Minute},
	}
}

func (p *Provider) Name() string { return p.name }

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type batchLine struct {
	CustomID string `json:"custom_id"`
	Method   string `json:"method"`
	URL      string `json:"url"`
	Body     struct {
		Model     string        `json:"model"`
		Messages  []chatMessage `json:"messages"`
		MaxTokens int64         `json:"max_tokens"`
	} `json:"body"`
}

type batchObject struct {
	ID            string `json:"id"`
	Status        string `json:"status"`
	OutputFileID  string `json:"output_file_id"`
	ErrorFileID   string `json:"error_file_id"`
	RequestCounts struct {
		Total     int `json:"total"`
		Completed int `json:"completed"`
		Failed    int `json:"failed"`
	} `json:"request_counts"`
}

func (p *Provider) Submit(ctx context.Context, reqs []gateway.Request) (string, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	for _, r := range reqs {
		line := batchLine{CustomID: r.CorrelationID, Method: http.MethodPost, URL: completionsPath}
		line.Body.Model = r.Model
		line.Body.MaxTokens = r.MaxTokens
		if line.Body.MaxTokens <= 0 {
			line.Body.MaxTokens = p.maxTokens
		}
		if r.SystemPrompt != "" {
			line.Body.Messages = append(line.Body.Messages, chatMessage{Role: "system", Content: r.SystemPrompt})
		}
		line.Body.Messages = append(line.Body.Messages, chatMessage{Role: "user", Content: r.Prompt})
		if err := enc.Encode(line); err != nil {
			return "", fmt.Errorf("openai: encode request %s: %w", r.CorrelationID, err)
		}
	}

	fileID, err := p.uploadFile(ctx, buf.Bytes())
	if err != nil {
		return "", err
	}

	payload, _ := json.Marshal(map[string]string{
		"input_file_id":     fileID,
		"endpoint":          completionsPath,
		"completion_window": completionWindow,
	})
	var batch batchObject
	if err := p.do(ctx, http.MethodPost, "/batches", "application/json", bytes.NewReader(payload), &batch); err != nil {
		return "", fmt.Errorf("openai: create batch: %w", err)
	}
	return batch.ID, nil
}

func (p *Provider) uploadFile(ctx context.Context, data []byte) (string, error) {
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	if err := mw.WriteField("purpose", "batch"); err != nil {
		return "", fmt.Errorf("openai: upload file: %w", err)
	}
	fw, err := mw.CreateFormFile("file", "batch.jsonl")
	if err != nil {
		return "", fmt.Errorf("openai: upload file: %w", err)
	}
	if _, err := fw.Write(data); err != nil {
		return "", fmt.Errorf("openai: upload file: %w", err)
	}
	if err := mw.Close(); err != nil {
		return "", fmt.Errorf("openai: upload file: %w", err)
	}

	var file struct {
		ID string `json:"id"`
	}
	if err := p.do(ctx, http.MethodPost, "/files", mw.FormDataContentType(), &body, &file); err != nil {
		return "", fmt.Errorf("openai: upload file: %w", err)
	}
	return file.ID, nil
}

func (p *Provider) getBatch(ctx context.Context, batchID string) (*batchObject, error) {
	var batch batchObject
	if err := p.do(ctx, http.MethodGet, "/batches/"+batchID, "", nil, &batch); err != nil {
		return nil, fmt.Errorf("openai: get batch %s: %w", batchID, err)
	}
	return &batch, nil
}

func (p *Provider) Check(ctx context.Context, batchID string) (gateway.BatchStatus, error) {
	batch, err := p.getBatch(ctx, batchID)
	if err != nil {
		return gateway.BatchStatus{}, err
	}
	c := batch.RequestCounts
	return gateway.BatchStatus{
		Status:   lifecycle(batch.Status),
		Progress: gateway.Progress{Done: c.Completed + c.Failed, Total: c.Total},
	}, nil
}

func lifecycle(status string) gateway.Status {
	switch status {
	case "in_progress", "finalizing", "cancelling":
		return gateway.StatusRunning
	case "completed":
		return gateway.StatusCompleted
	case "failed", "cancelled":
		return gateway.StatusFailed
	case "expired":
		return gateway.StatusExpired
	default:
		return gateway.StatusSubmitted
	}
}

type resultLine struct {
	CustomID string `json:"custom_id"`
	Response *struct {
		StatusCode int `json:"status_code"`
		Body       struct {
			Model   string `json:"model"`
			Choices []struct {
				Message chatMessage `json:"message"`
			} `json:"choices"`
			Usage struct {
				PromptTokens     int64 `json:"prompt_tokens"`
				CompletionTokens int64 `json:"completion_tokens"`
			} `json:"usage"`
		} `json:"body"`
	} `json:"response"`
	Error *struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

// Retrieve reads the output file and, when present, the error file of a
// finished batch.
func (p *Provider) Retrieve(ctx context.Context, batchID string) ([]gateway.Result, error) {
	batch, err := p.getBatch(ctx, batchID)
	if err != nil {
		return nil, err
	}
	var results []gateway.Result
	for _, fileID := range []string{batch.OutputFileID, batch.ErrorFileID} {
		if fileID == "" {
			continue
		}
		res, err := p.readResults(ctx, fileID)
		if err != nil {
			return nil, fmt.Errorf("openai: get batch results %s: %w", batchID, err)
		}
		results = append(results, res...)
	}
	return results, nil
}

func (p *Provider) readResults(ctx context.Context, fileID string) ([]gateway.Result, error) {
	req, err := p.newRequest(ctx, http.MethodGet, "/files/"+fileID+"/content", "", nil)
	if err != nil {
		return nil, err
	}
	resp, err := p.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return nil, statusError(resp)
	}

	var results []gateway.Result
	sc := bufio.NewScanner(resp.Body)
	sc.Buffer(make([]byte, 64*1024), maxResultLineSize)
	for sc.Scan() {
		if len(bytes.TrimSpace(sc.Bytes())) == 0 {
			continue
		}
		var line resultLine
		if err := json.Unmarshal(sc.Bytes(), &line); err != nil {
			return nil, fmt.Errorf("decode result line: %w", err)
		}
		results = append(results, toResult(line))
	}
	return results, sc.Err()
}

func toResult(line resultLine) gateway.Result {
	res := gateway.Result{CorrelationID: line.CustomID}
	switch {
	case line.Error != nil:
		res.Error = line.Error.Message
		if res.Error == "" {
			res.Error = line.Error.Code
		}
	case line.Response == nil:
		res.Error = "missing response"
	case line.Response.StatusCode >= 300:
		res.Error = fmt.Sprintf("request failed with status %d", line.Response.StatusCode)
	default:
		body := line.Response.Body
		res.Model = body.Model
		if len(body.Choices) > 0 {
			res.Content = body.Choices[0].Message.Content
		}
		res.Cost = estimateCost(body.Model, body.Usage.PromptTokens, body.Usage.CompletionTokens)
	}
	return res
}

func (p *Provider) newRequest(ctx context.Context, method, path, contentType string, body io.Reader) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, p.baseURL+path, body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+p.apiKey)
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	return req, nil
}

func (p *Provider) do(ctx context.Context, method, path, contentType string, body io.Reader, out any) error {
	req, err := p.newRequest(ctx, method, path, contentType, body)
	if err != nil {
		return err
	}
	resp, err := p.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return statusError(resp)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func statusError(resp *http.Response) error {
	var apiErr struct {
		Error struct {
			Message string `json:"message"`
		} `json:"error"`
	}
	data, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
	if json.Unmarshal(data, &apiErr) == nil && apiErr.Error.Message != "" {
		return fmt.Errorf("status %d: %s", resp.StatusCode, apiErr.Error.Message)
	}
	return fmt.Errorf("status %d", resp.StatusCode)
}
