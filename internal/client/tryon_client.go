package client

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/tccmarket/api/internal/config"
	"github.com/tccmarket/api/internal/model"
)

// Failure classes of the try-on API. Every error returned by TryOnClient
// wraps exactly one of them.
var (
	ErrUnauthorized = errors.New("try-on API rejected credentials")
	ErrRejected     = errors.New("try-on API rejected the request")
	ErrUnavailable  = errors.New("try-on API unavailable")
)

// TryOnAPI defines the remote garment try-on operations
type TryOnAPI interface {
	CheckCredits(ctx context.Context) (*model.CreditBalance, error)
	Submit(ctx context.Context, image model.ImagePayload, modelRef string) (string, error)
	GetStatus(ctx context.Context, externalID string) (*model.TransformJob, error)
}

// APIError carries the HTTP outcome of a failed call
type APIError struct {
	Op         string
	StatusCode int
	Body       string
	class      error
	cause      error
}

func (e *APIError) Error() string {
	if e.StatusCode == 0 {
		return fmt.Sprintf("try-on %s: %v: %v", e.Op, e.class, e.cause)
	}
	return fmt.Sprintf("try-on %s: %v (status %d): %s", e.Op, e.class, e.StatusCode, e.Body)
}

func (e *APIError) Unwrap() []error {
	if e.cause != nil {
		return []error{e.class, e.cause}
	}
	return []error{e.class}
}

// TryOnClient implements TryOnAPI over the FASHN-style HTTP API
type TryOnClient struct {
	httpClient *http.Client
	baseURL    string
	apiKey     string
	modelName  string
}

type creditsResponse struct {
	Credits struct {
		Total        float64 `json:"total"`
		Subscription float64 `json:"subscription"`
		OnDemand     float64 `json:"on_demand"`
	} `json:"credits"`
}

type runRequest struct {
	ModelName string    `json:"model_name"`
	Inputs    runInputs `json:"inputs"`
}

type runInputs struct {
	ModelImage   string `json:"model_image"`
	GarmentImage string `json:"garment_image"`
	Category     string `json:"category"`
}

type runResponse struct {
	ID    string          `json:"id"`
	Error json.RawMessage `json:"error"`
}

type statusResponse struct {
	ID     string          `json:"id"`
	Status string          `json:"status"`
	Output []string        `json:"output"`
	Error  json.RawMessage `json:"error"`
}

type remoteError struct {
	Name    string `json:"name"`
	Message string `json:"message"`
}

// NewTryOnClient creates a new try-on API client
func NewTryOnClient(cfg *config.TryOnConfig) *TryOnClient {
	timeout := cfg.RequestTimeout
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &TryOnClient{
		httpClient: &http.Client{
			Timeout: timeout,
		},
		baseURL:   cfg.BaseURL,
		apiKey:    cfg.APIKey,
		modelName: cfg.ModelName,
	}
}

// CheckCredits returns the current credit balance
func (c *TryOnClient) CheckCredits(ctx context.Context) (*model.CreditBalance, error) {
	var result creditsResponse
	if err := c.get(ctx, "credits", "/v1/credits", &result); err != nil {
		return nil, err
	}
	return &model.CreditBalance{
		Total:        result.Credits.Total,
		Subscription: result.Credits.Subscription,
		OnDemand:     result.Credits.OnDemand,
	}, nil
}

// Submit starts a try-on job for the garment image on the given reference subject
func (c *TryOnClient) Submit(ctx context.Context, image model.ImagePayload, modelRef string) (string, error) {
	if len(image.Data) == 0 {
		return "", &APIError{Op: "submit", class: ErrRejected, cause: errors.New("empty image payload")}
	}
	contentType := image.ContentType
	if contentType == "" {
		contentType = "application/octet-stream"
	}

	req := runRequest{
		ModelName: c.modelName,
		Inputs: runInputs{
			ModelImage:   modelRef,
			GarmentImage: "data:" + contentType + ";base64," + base64.StdEncoding.EncodeToString(image.Data),
			Category:     "auto",
		},
	}

	var result runResponse
	if err := c.post(ctx, "submit", "/v1/run", req, &result); err != nil {
		return "", err
	}
	if msg := decodeRemoteError(result.Error); msg != "" {
		return "", &APIError{Op: "submit", StatusCode: http.StatusOK, Body: msg, class: ErrRejected}
	}
	if result.ID == "" {
		return "", &APIError{Op: "submit", StatusCode: http.StatusOK, Body: "missing job id", class: ErrUnavailable}
	}
	return result.ID, nil
}

// GetStatus performs one status query for a job
func (c *TryOnClient) GetStatus(ctx context.Context, externalID string) (*model.TransformJob, error) {
	var result statusResponse
	if err := c.get(ctx, "status", "/v1/status/"+externalID, &result); err != nil {
		return nil, err
	}

	job := &model.TransformJob{
		ExternalID: externalID,
		Status:     normalizeStatus(result.Status),
		RawStatus:  result.Status,
		Error:      decodeRemoteError(result.Error),
	}
	for _, out := range result.Output {
		if out != "" {
			job.ResultURL = out
			break
		}
	}
	return job, nil
}

// IsConfigured returns true if the client has valid configuration
func (c *TryOnClient) IsConfigured() bool {
	return c.apiKey != "" && c.baseURL != ""
}

// normalizeStatus maps the remote status vocabulary onto TransformStatus
func normalizeStatus(raw string) model.TransformStatus {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "starting", "in_queue", "queued", "pending":
		return model.TransformQueued
	case "processing", "running":
		return model.TransformRunning
	case "completed":
		return model.TransformCompleted
	case "failed", "canceled", "cancelled":
		return model.TransformFailed
	}
	return model.TransformUnknown
}

// decodeRemoteError accepts either {"name","message"} or a bare string
func decodeRemoteError(raw json.RawMessage) string {
	if len(raw) == 0 || string(raw) == "null" {
		return ""
	}
	var obj remoteError
	if err := json.Unmarshal(raw, &obj); err == nil {
		switch {
		case obj.Name != "" && obj.Message != "":
			return obj.Name + ": " + obj.Message
		case obj.Message != "":
			return obj.Message
		case obj.Name != "":
			return obj.Name
		}
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	return string(raw)
}

// classify maps an HTTP status onto a failure class for the given operation
func classify(op string, status int) error {
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return ErrUnauthorized
	case op == "submit" && (status == http.StatusBadRequest ||
		status == http.StatusPaymentRequired ||
		status == http.StatusNotFound ||
		status == http.StatusRequestEntityTooLarge ||
		status == http.StatusUnsupportedMediaType ||
		status == http.StatusUnprocessableEntity):
		return ErrRejected
	}
	return ErrUnavailable
}

// post sends a POST request with JSON body
func (c *TryOnClient) post(ctx context.Context, op, endpoint string, body interface{}, result interface{}) error {
	bodyBytes, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+endpoint, bytes.NewReader(bodyBytes))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	return c.doRequest(op, req, result)
}

// get sends a GET request and parses JSON response
func (c *TryOnClient) get(ctx context.Context, op, endpoint string, result interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+endpoint, nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	return c.doRequest(op, req, result)
}

// doRequest executes an HTTP request and parses the response
func (c *TryOnClient) doRequest(op string, req *http.Request, result interface{}) error {
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	log.Printf("[TryOn API] → %s %s", req.Method, req.URL.String())

	resp, err := c.httpClient.Do(req)
	if err != nil {
		log.Printf("[TryOn API] ✗ %s %s — request failed: %v", req.Method, req.URL.String(), err)
		return &APIError{Op: op, class: ErrUnavailable, cause: err}
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		log.Printf("[TryOn API] ✗ %s %s — failed to read response: %v", req.Method, req.URL.String(), err)
		return &APIError{Op: op, StatusCode: resp.StatusCode, class: ErrUnavailable, cause: err}
	}

	log.Printf("[TryOn API] ← %d %s %s — %s", resp.StatusCode, req.Method, req.URL.String(), truncate(respBody, 512))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &APIError{
			Op:         op,
			StatusCode: resp.StatusCode,
			Body:       truncate(respBody, 2048),
			class:      classify(op, resp.StatusCode),
		}
	}

	if err := json.Unmarshal(respBody, result); err != nil {
		log.Printf("[TryOn API] ✗ unmarshal error for %s %s: %v", req.Method, req.URL.String(), err)
		return &APIError{Op: op, StatusCode: resp.StatusCode, Body: truncate(respBody, 2048), class: ErrUnavailable, cause: err}
	}

	return nil
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "…"
}
