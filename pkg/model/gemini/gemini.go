package gemini

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httputil"
	"strings"

	"github.com/nstogner/ortofix/pkg/model"
	"google.golang.org/genai"
)

const (
	// LevelTrace is a custom log level for detailed HTTP traffic.
	LevelTrace = slog.Level(-8)

	statusResourceExhausted = "RESOURCE_EXHAUSTED"
)

// Client implements model.Client using the Google Gen AI SDK.
type Client struct {
	client *genai.Client
}

// Verify interface compliance.
var _ model.Client = (*Client)(nil)
var _ model.NewClientFunc = New

// New creates a Gemini client bound to apiKey.
func New(ctx context.Context, apiKey string) (model.Client, error) {
	httpClient := &http.Client{
		Transport: &loggingTransport{
			base:   http.DefaultTransport,
			apiKey: apiKey,
		},
	}
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:     apiKey,
		Backend:    genai.BackendGeminiAPI,
		HTTPClient: httpClient,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create genai client: %w", err)
	}
	return &Client{client: client}, nil
}

// Name returns the provider identifier.
func (c *Client) Name() string { return "gemini" }

// Close is a no-op: the SDK client holds no resources beyond its HTTP client.
func (c *Client) Close() error { return nil }

// StartConversation creates a chat session carrying instructions as its
// system instruction.
func (c *Client) StartConversation(ctx context.Context, modelName, instructions string) (model.Conversation, error) {
	slog.Debug("Gemini.StartConversation", "model", modelName)

	config := &genai.GenerateContentConfig{}
	if instructions != "" {
		config.SystemInstruction = &genai.Content{
			Parts: []*genai.Part{{Text: instructions}},
		}
	}

	chat, err := c.client.Chats.Create(ctx, modelName, config, nil)
	if err != nil {
		return nil, classify(err)
	}
	return &conversation{chat: chat}, nil
}

// conversation wraps a genai chat session.
type conversation struct {
	chat *genai.Chat
}

func (cv *conversation) Send(ctx context.Context, text string) (model.Reply, error) {
	resp, err := cv.chat.SendMessage(ctx, genai.Part{Text: text})
	if err != nil {
		return model.Reply{}, classify(err)
	}

	out, err := replyText(resp)
	if err != nil {
		return model.Reply{}, err
	}
	reply := model.Reply{Text: out}
	if u := resp.UsageMetadata; u != nil {
		reply.PromptTokens = u.PromptTokenCount
		reply.ReplyTokens = u.CandidatesTokenCount
	}
	return reply, nil
}

// replyText prefers the response's convenience accessor and falls back to the
// first part of the first candidate.
func replyText(resp *genai.GenerateContentResponse) (string, error) {
	if resp == nil {
		return "", errors.New("malformed response: empty response")
	}
	if text := resp.Text(); text != "" {
		return text, nil
	}
	if len(resp.Candidates) > 0 {
		cand := resp.Candidates[0]
		if cand != nil && cand.Content != nil && len(cand.Content.Parts) > 0 && cand.Content.Parts[0] != nil {
			if text := cand.Content.Parts[0].Text; text != "" {
				return text, nil
			}
		}
	}
	return "", errors.New("malformed response: no candidate text")
}

// classify marks quota and rate-limit failures with model.ErrQuota based on
// the structured API error, leaving other errors untouched.
func classify(err error) error {
	var apiErr genai.APIError
	if errors.As(err, &apiErr) && isQuota(apiErr) {
		return fmt.Errorf("%w: %w", model.ErrQuota, err)
	}
	var apiErrPtr *genai.APIError
	if errors.As(err, &apiErrPtr) && apiErrPtr != nil && isQuota(*apiErrPtr) {
		return fmt.Errorf("%w: %w", model.ErrQuota, err)
	}
	return err
}

func isQuota(e genai.APIError) bool {
	return e.Code == http.StatusTooManyRequests || e.Status == statusResourceExhausted
}

// loggingTransport dumps requests and responses at LevelTrace. The SDK sets
// the x-goog-api-key header itself; apiKey is only used for redaction.
type loggingTransport struct {
	base   http.RoundTripper
	apiKey string
}

func (t *loggingTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	if !slog.Default().Enabled(req.Context(), LevelTrace) {
		return t.base.RoundTrip(req)
	}

	reqDump, err := httputil.DumpRequestOut(req, true)
	if err != nil {
		slog.Debug("Failed to dump Gemini request", "error", err)
	} else {
		slog.Log(req.Context(), LevelTrace, "Gemini REST Request", "url", t.redact(req.URL.String()), "dump", t.redact(string(reqDump)))
	}

	resp, err := t.base.RoundTrip(req)
	if err != nil {
		return nil, err
	}

	respDump, err := httputil.DumpResponse(resp, true)
	if err != nil {
		slog.Debug("Failed to dump Gemini response", "error", err)
	} else {
		slog.Log(req.Context(), LevelTrace, "Gemini REST Response", "status", resp.StatusCode, "dump", string(respDump))
	}
	return resp, nil
}

func (t *loggingTransport) redact(s string) string {
	if t.apiKey == "" {
		return s
	}
	return strings.ReplaceAll(s, t.apiKey, "[REDACTED]")
}
