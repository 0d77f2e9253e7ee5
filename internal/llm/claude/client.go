// Package claude implements the enrichment Provider on the Anthropic
// Messages API.
package claude

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/linnemanlabs/threatfeed/internal/enrich"
)

// DefaultModel is used when no model is configured.
const DefaultModel = string(anthropic.ModelClaudeSonnet4_5)

// Client calls the Anthropic API through the official SDK.
type Client struct {
	client anthropic.Client
	model  anthropic.Model
}

// New creates a Client with the given API key and model name. Extra request
// options are passed through to the SDK.
func New(apiKey, model string, opts ...option.RequestOption) *Client {
	if model == "" {
		model = DefaultModel
	}
	opts = append([]option.RequestOption{option.WithAPIKey(apiKey)}, opts...)
	return &Client{
		client: anthropic.NewClient(opts...),
		model:  anthropic.Model(model),
	}
}

// Complete sends one completion request and returns the concatenated text
// content with token usage.
func (c *Client) Complete(ctx context.Context, req *enrich.Request) (*enrich.Response, error) {
	params := anthropic.MessageNewParams{
		Model:     c.model,
		MaxTokens: int64(req.MaxTokens),
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(req.Prompt)),
		},
	}
	if req.System != "" {
		params.System = []anthropic.TextBlockParam{{Text: req.System}}
	}

	msg, err := c.client.Messages.New(ctx, params)
	if err != nil {
		return nil, classify(err)
	}

	var text strings.Builder
	for _, block := range msg.Content {
		if block.Type == "text" {
			text.WriteString(block.Text)
		}
	}

	return &enrich.Response{
		Text:         text.String(),
		InputTokens:  msg.Usage.InputTokens,
		OutputTokens: msg.Usage.OutputTokens,
	}, nil
}

// apiError wraps SDK and transport failures with retry and cost semantics
// for the enrichment engine.
type apiError struct {
	err       error
	transient bool
	reached   bool
}

func (e *apiError) Error() string   { return e.err.Error() }
func (e *apiError) Unwrap() error   { return e.err }
func (e *apiError) Transient() bool { return e.transient }
func (e *apiError) CallMade() bool  { return e.reached }

// classify maps an SDK error onto retry and cost semantics. A status code
// means the request reached the API; 429 and 5xx are worth retrying, other
// 4xx are not. Timeouts are transient but may not have reached the API.
func classify(err error) error {
	var aerr *anthropic.Error
	if errors.As(err, &aerr) {
		transient := aerr.StatusCode == 429 || aerr.StatusCode >= 500
		return &apiError{
			err:       fmt.Errorf("anthropic api status %d: %w", aerr.StatusCode, err),
			transient: transient,
			reached:   true,
		}
	}
	var nerr net.Error
	if errors.As(err, &nerr) && nerr.Timeout() {
		return &apiError{err: err, transient: true}
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return &apiError{err: err, transient: true}
	}
	return &apiError{err: err}
}
