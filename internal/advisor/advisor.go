// Package advisor obtains trading decisions from an OpenAI chat model.
//
// The caller hands over the assembled market snapshot; the advisor
// sends it as the user message under a fixed system prompt that pins
// the response schema, requests a JSON-object response, and parses the
// reply into the advice envelope. The model is the strategy; this
// package only carries the conversation.
package advisor

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	openai "github.com/sashabaranov/go-openai"

	"futures-agent/internal/config"
	"futures-agent/pkg/types"
)

// retryWait spaces the single retry on a transient API failure.
const retryWait = 2 * time.Second

// systemPrompt fixes the response contract. The schema mirrors the
// advice envelope; json_object mode enforces well-formed JSON but not
// the shape, so the shape is spelled out here.
const systemPrompt = `You are a disciplined crypto perpetual-futures trading advisor.
You receive one JSON document describing the current market: account state,
positions, open orders, live readings, recent candles, computed indicators,
and the constraints the agent must operate under.

Respond with a single JSON object, no prose, in exactly this shape:
{
  "decision": "long" | "short" | "flat",
  "confidence": 0.0-1.0,
  "timeframe": "<horizon, e.g. 4h>",
  "rationale": "<short reasoning>",
  "position": {
    "entry": {"order_type": "market" | "limit", "price": <number, limit only>},
    "size": {"contracts": <number> | "quote_value_usdt": <number>, "leverage": <int>},
    "stop_loss": {"trigger_on": "mark" | "last", "price": <number>},
    "take_profits": [{"price": <number>, "size_pct": <number>}],
    "trailing_stop": {"activate_price": <number>, "callback_pct": <number>}
  },
  "next_check_after_min": <number>
}

Rules:
- "flat" means close any open position and stay out; omit "position".
- Respect every value in "constraints": leverage, sizing, forbidden windows.
- Stops and take-profits must be on the profitable side of the entry.
- When conviction is low, answer "flat" with low confidence rather than forcing a trade.`

// Client talks to the chat-completions API.
type Client struct {
	api    *openai.Client
	model  string
	logger *slog.Logger
}

// NewClient builds the advisor from config. BaseURL overrides the
// default endpoint for proxies and compatible backends.
func NewClient(cfg config.AdvisorConfig, logger *slog.Logger) *Client {
	oc := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		oc.BaseURL = cfg.BaseURL
	}
	return &Client{
		api:    openai.NewClientWithConfig(oc),
		model:  cfg.Model,
		logger: logger.With("component", "advisor"),
	}
}

// Advise sends the snapshot and returns the parsed advice. One retry on
// a transient failure; a malformed response is an error, not a retry.
func (c *Client) Advise(ctx context.Context, snapshot any) (*types.Advice, error) {
	payload, err := json.Marshal(snapshot)
	if err != nil {
		return nil, fmt.Errorf("marshal snapshot: %w", err)
	}

	req := openai.ChatCompletionRequest{
		Model: c.model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: systemPrompt},
			{Role: openai.ChatMessageRoleUser, Content: string(payload)},
		},
		ResponseFormat: &openai.ChatCompletionResponseFormat{
			Type: openai.ChatCompletionResponseFormatTypeJSONObject,
		},
	}

	var lastErr error
	for attempt := 0; attempt < 2; attempt++ {
		if attempt > 0 {
			c.logger.Warn("advisor call failed, retrying", "error", lastErr)
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(retryWait):
			}
		}

		resp, err := c.api.CreateChatCompletion(ctx, req)
		if err != nil {
			lastErr = err
			continue
		}
		if len(resp.Choices) == 0 {
			lastErr = fmt.Errorf("empty completion")
			continue
		}

		advice, err := ParseAdvice(resp.Choices[0].Message.Content)
		if err != nil {
			return nil, err
		}
		c.logger.Info("advice received",
			"decision", advice.Decision,
			"confidence", advice.Confidence,
			"model", c.model,
			"tokens", resp.Usage.TotalTokens,
		)
		return advice, nil
	}
	return nil, fmt.Errorf("advisor: %w", lastErr)
}

// ParseAdvice decodes a model reply into the advice envelope.
// Confidence is clamped to [0,1]; the decision string passes through
// raw so the cycle can classify unknown values itself.
func ParseAdvice(raw string) (*types.Advice, error) {
	body := strings.TrimSpace(raw)
	body = trimFence(body)
	if body == "" {
		return nil, fmt.Errorf("parse advice: empty response")
	}

	var advice types.Advice
	if err := json.Unmarshal([]byte(body), &advice); err != nil {
		return nil, fmt.Errorf("parse advice: %w", err)
	}

	advice.Decision = strings.ToLower(strings.TrimSpace(advice.Decision))
	if advice.Confidence < 0 {
		advice.Confidence = 0
	}
	if advice.Confidence > 1 {
		advice.Confidence = 1
	}
	return &advice, nil
}

// trimFence strips a markdown code fence some models wrap around JSON
// even in json_object mode.
func trimFence(s string) string {
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```json")
	s = strings.TrimPrefix(s, "```")
	s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	return strings.TrimSpace(s)
}
