package replicate

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/cuongbtq/mediagen-orchestrator/internal/provider"
)

const (
	DefaultBaseURL = "https://api.replicate.com/v1"
	DefaultTimeout = 10 * time.Second
	name           = "replicate"
)

// Adapter talks to a Replicate-style prediction API
type Adapter struct {
	token   string
	baseURL string
	client  *http.Client
}

type Option func(*Adapter)

// WithBaseURL points the adapter at a different API root
func WithBaseURL(u string) Option {
	return func(a *Adapter) { a.baseURL = strings.TrimRight(u, "/") }
}

// WithHTTPClient replaces the default client and its timeout
func WithHTTPClient(c *http.Client) Option {
	return func(a *Adapter) { a.client = c }
}

func New(token string, opts ...Option) *Adapter {
	a := &Adapter{
		token:   token,
		baseURL: DefaultBaseURL,
		client:  &http.Client{Timeout: DefaultTimeout},
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

type predictionRequest struct {
	Input map[string]any `json:"input"`
}

type prediction struct {
	ID     string          `json:"id"`
	Status string          `json:"status"`
	Output json.RawMessage `json:"output"`
	Error  any             `json:"error"`
}

func (a *Adapter) Name() string {
	return name
}

func (a *Adapter) Submit(ctx context.Context, req provider.SubmitRequest) (provider.SubmitResult, error) {
	if !strings.Contains(req.Model, "/") {
		return provider.SubmitResult{}, &provider.Error{
			Kind:     provider.ErrInvalidInput,
			Provider: name,
			Message:  fmt.Sprintf("model %q must be owner/name", req.Model),
		}
	}

	input := req.Input
	if input == nil {
		input = map[string]any{}
	}
	body, err := json.Marshal(predictionRequest{Input: input})
	if err != nil {
		return provider.SubmitResult{}, &provider.Error{Kind: provider.ErrInvalidInput, Provider: name, Message: err.Error()}
	}

	var p prediction
	if err := a.do(ctx, http.MethodPost, fmt.Sprintf("/models/%s/predictions", req.Model), body, &p); err != nil {
		return provider.SubmitResult{}, err
	}
	if p.ID == "" {
		return provider.SubmitResult{}, &provider.Error{Kind: provider.ErrUnavailable, Provider: name, Message: "prediction id missing from response"}
	}

	return provider.SubmitResult{Ref: p.ID, Status: mapStatus(p.Status)}, nil
}

func (a *Adapter) Poll(ctx context.Context, ref string) (provider.PollResult, error) {
	var p prediction
	if err := a.do(ctx, http.MethodGet, "/predictions/"+ref, nil, &p); err != nil {
		return provider.PollResult{}, err
	}

	res := provider.PollResult{Status: mapStatus(p.Status)}
	switch res.Status {
	case provider.StatusSucceeded:
		out, err := decodeOutput(p.Output)
		if err != nil {
			return provider.PollResult{}, &provider.Error{Kind: provider.ErrUnavailable, Provider: name, Message: err.Error()}
		}
		res.Output = out
	case provider.StatusFailed:
		res.Message = errorText(p.Error)
	}
	return res, nil
}

func (a *Adapter) Cancel(ctx context.Context, ref string) error {
	err := a.do(ctx, http.MethodPost, "/predictions/"+ref+"/cancel", nil, nil)
	// finished predictions may reject the cancel; nothing to undo
	if err != nil && provider.KindOf(err) == provider.ErrInvalidInput {
		return nil
	}
	return err
}

func (a *Adapter) do(ctx context.Context, method, path string, body []byte, out any) error {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	httpReq, err := http.NewRequestWithContext(ctx, method, a.baseURL+path, reader)
	if err != nil {
		return &provider.Error{Kind: provider.ErrInvalidInput, Provider: name, Message: err.Error()}
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", fmt.Sprintf("Bearer %s", a.token))

	resp, err := a.client.Do(httpReq)
	if err != nil {
		return &provider.Error{Kind: provider.ErrUnavailable, Provider: name, Message: err.Error()}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return &provider.Error{
			Kind:       provider.KindForStatus(resp.StatusCode),
			Provider:   name,
			StatusCode: resp.StatusCode,
			Message:    strings.TrimSpace(string(respBody)),
		}
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return &provider.Error{Kind: provider.ErrUnavailable, Provider: name, Message: "decode response: " + err.Error()}
	}
	return nil
}

// mapStatus translates the remote vocabulary; anything unknown is still running
func mapStatus(s string) provider.Status {
	switch s {
	case "succeeded":
		return provider.StatusSucceeded
	case "failed":
		return provider.StatusFailed
	case "canceled", "aborted":
		return provider.StatusCanceled
	default:
		return provider.StatusRunning
	}
}

// decodeOutput accepts a single URL or a list of URLs
func decodeOutput(raw json.RawMessage) ([]string, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return []string{}, nil
	}
	var single string
	if err := json.Unmarshal(raw, &single); err == nil {
		return []string{single}, nil
	}
	var list []string
	if err := json.Unmarshal(raw, &list); err != nil {
		return nil, fmt.Errorf("unsupported output shape: %s", string(raw))
	}
	return list, nil
}

func errorText(v any) string {
	switch e := v.(type) {
	case nil:
		return "provider reported failure"
	case string:
		return e
	default:
		b, _ := json.Marshal(e)
		return string(b)
	}
}
