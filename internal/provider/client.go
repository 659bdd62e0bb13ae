package provider

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"
)

// Compile-time checks that Client implements all three capabilities.
var (
	_ Embedder  = (*Client)(nil)
	_ Completer = (*Client)(nil)
	_ Captioner = (*Client)(nil)
)

const (
	defaultMaxRetries  = 3
	initialBackoff     = 500 * time.Millisecond
	captionMaxTokens   = 1024
	captionInstruction = "Describe this image in detail focusing on technical content relevant to the course."
)

// Options configures a Client.
type Options struct {
	BaseURL         string
	APIKey          string
	EmbedModel      string
	CompletionModel string
	VisionModel     string
	RequestsPerSec  float64 // 0 disables rate limiting
	MaxRetries      int     // attempts per call; 0 means defaultMaxRetries
}

// Client talks to an OpenAI-compatible endpoint. All calls honor the
// caller's context, are rate limited, retried with backoff on transient
// failures, and guarded by a circuit breaker so a provider outage fails
// fast instead of piling up requests.
type Client struct {
	baseURL         string
	apiKey          string
	embedModel      string
	completionModel string
	visionModel     string
	maxRetries      int
	httpClient      *http.Client
	limiter         *rate.Limiter
	breaker         *gobreaker.CircuitBreaker
}

// NewClient creates a Client from Options.
func NewClient(opts Options) *Client {
	maxRetries := opts.MaxRetries
	if maxRetries <= 0 {
		maxRetries = defaultMaxRetries
	}
	var limiter *rate.Limiter
	if opts.RequestsPerSec > 0 {
		limiter = rate.NewLimiter(rate.Limit(opts.RequestsPerSec), 1)
	}
	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    "model-provider",
		Timeout: 30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
	})
	return &Client{
		baseURL:         strings.TrimRight(opts.BaseURL, "/"),
		apiKey:          opts.APIKey,
		embedModel:      opts.EmbedModel,
		completionModel: opts.CompletionModel,
		visionModel:     opts.VisionModel,
		maxRetries:      maxRetries,
		httpClient:      &http.Client{Timeout: 60 * time.Second},
		limiter:         limiter,
		breaker:         breaker,
	}
}

// --- Embeddings ---

type embeddingsRequest struct {
	Model string   `json:"model"`
	Input []string `json:"input"`
}

type embeddingsResponse struct {
	Data []struct {
		Embedding []float32 `json:"embedding"`
	} `json:"data"`
}

// Embed returns the embedding vector for text.
func (c *Client) Embed(ctx context.Context, text string) ([]float32, error) {
	var resp embeddingsResponse
	err := c.call(ctx, "/embeddings", embeddingsRequest{
		Model: c.embedModel,
		Input: []string{text},
	}, &resp)
	if err != nil {
		return nil, fmt.Errorf("embedding text: %w", err)
	}
	if len(resp.Data) == 0 || len(resp.Data[0].Embedding) == 0 {
		return nil, fmt.Errorf("provider returned no embedding")
	}
	return resp.Data[0].Embedding, nil
}

// --- Chat completions ---

type chatMessage struct {
	Role    string `json:"role"`
	Content any    `json:"content"`
}

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	Temperature float64       `json:"temperature"`
	MaxTokens   int           `json:"max_tokens,omitempty"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
}

// Complete sends prompt to the completion model and returns its reply.
func (c *Client) Complete(ctx context.Context, prompt string) (string, error) {
	var resp chatResponse
	err := c.call(ctx, "/chat/completions", chatRequest{
		Model:       c.completionModel,
		Messages:    []chatMessage{{Role: "user", Content: prompt}},
		Temperature: 0.7,
	}, &resp)
	if err != nil {
		return "", fmt.Errorf("requesting completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("provider returned no choices")
	}
	return resp.Choices[0].Message.Content, nil
}

// contentPart is one element of a multimodal message content array.
type contentPart struct {
	Type     string    `json:"type"`
	Text     string    `json:"text,omitempty"`
	ImageURL *imageURL `json:"image_url,omitempty"`
}

type imageURL struct {
	URL string `json:"url"`
}

// Describe asks the vision model for a textual description of an image.
func (c *Client) Describe(ctx context.Context, mimeType string, data []byte) (string, error) {
	dataURI := fmt.Sprintf("data:%s;base64,%s", mimeType, base64.StdEncoding.EncodeToString(data))

	var resp chatResponse
	err := c.call(ctx, "/chat/completions", chatRequest{
		Model: c.visionModel,
		Messages: []chatMessage{{
			Role: "user",
			Content: []contentPart{
				{Type: "text", Text: captionInstruction},
				{Type: "image_url", ImageURL: &imageURL{URL: dataURI}},
			},
		}},
		Temperature: 0,
		MaxTokens:   captionMaxTokens,
	}, &resp)
	if err != nil {
		return "", fmt.Errorf("describing image: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("provider returned no choices")
	}
	return resp.Choices[0].Message.Content, nil
}

// call POSTs a JSON body and decodes the JSON response, retrying transient
// failures with exponential backoff. A persistently failing call is wrapped
// in ErrUnavailable.
func (c *Client) call(ctx context.Context, path string, reqBody, respBody any) error {
	payload, err := json.Marshal(reqBody)
	if err != nil {
		return fmt.Errorf("encoding request: %w", err)
	}

	var lastErr error
	backoff := initialBackoff
	for attempt := 0; attempt < c.maxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(backoff):
			}
			backoff *= 2
		}

		if c.limiter != nil {
			if err := c.limiter.Wait(ctx); err != nil {
				return err
			}
		}

		_, err := c.breaker.Execute(func() (any, error) {
			return nil, c.post(ctx, path, payload, respBody)
		})
		if err == nil {
			return nil
		}
		lastErr = err

		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			break
		}
		if !transient(err) {
			return err
		}
	}

	return fmt.Errorf("%w: %s", ErrUnavailable, lastErr)
}

func (c *Client) post(ctx context.Context, path string, payload []byte, respBody any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return &statusError{code: resp.StatusCode, body: strings.TrimSpace(string(body))}
	}

	if err := json.NewDecoder(resp.Body).Decode(respBody); err != nil {
		return fmt.Errorf("decoding response: %w", err)
	}
	return nil
}
