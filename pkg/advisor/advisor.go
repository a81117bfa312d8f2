// Package advisor turns an analysis into short care advice using a local
// Ollama vision model. It is strictly optional: the dashboard works without
// it, and nothing here affects measurement or prediction.
package advisor

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/ollama/ollama/api"
)

// AdvicePrompt asks the model for grower-facing guidance. The measured
// numbers and the classifier's verdict are appended per request.
const AdvicePrompt = `You are an agronomy assistant looking at a photo of a single plant leaf.

Given the measurements and the disease classification below, give the grower
3 to 5 short, practical care recommendations. Plain text, one recommendation
per line, no markdown. Do not repeat the measurements back.

`

const defaultTimeout = 120 * time.Second

// Client wraps the Ollama API client
type Client struct {
	client *api.Client
	model  string
}

// New creates an advisor talking to an Ollama server. The URL may carry a
// path (e.g. /api/chat); only scheme and host are used.
func New(serverURL, model string) (*Client, error) {
	parsedURL, err := url.Parse(serverURL)
	if err != nil {
		return nil, fmt.Errorf("invalid URL: %v", err)
	}
	baseURL := &url.URL{
		Scheme: parsedURL.Scheme,
		Host:   parsedURL.Host,
	}
	return &Client{
		client: api.NewClient(baseURL, http.DefaultClient),
		model:  model,
	}, nil
}

// Advise asks the vision model for care recommendations. imageJPEG is the
// normalized leaf photo; summary is a short textual digest of the analysis
// (measurements plus predicted disease).
func (c *Client) Advise(ctx context.Context, imageJPEG []byte, summary string) (string, error) {
	if _, hasDeadline := ctx.Deadline(); !hasDeadline {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, defaultTimeout)
		defer cancel()
	}

	streamFalse := false
	req := &api.ChatRequest{
		Model: c.model,
		Messages: []api.Message{
			{
				Role:    "user",
				Content: AdvicePrompt + summary,
				Images:  []api.ImageData{api.ImageData(imageJPEG)},
			},
		},
		Stream: &streamFalse,
	}

	var advice string
	err := c.client.Chat(ctx, req, func(resp api.ChatResponse) error {
		advice = resp.Message.Content
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("ollama chat error: %v", err)
	}

	advice = strings.TrimSpace(advice)
	if advice == "" {
		return "", fmt.Errorf("empty response from ollama")
	}
	return advice, nil
}
