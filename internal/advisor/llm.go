package advisor

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/coinpilot/coinpilot/internal/observ"
)

// LLM asks a chat-completions API for one trade recommendation per cycle.
// The model must answer with a single JSON object; anything else, or any
// transport failure, maps to ErrAdvisoryUnavailable.
type LLM struct {
	baseURL string
	apiKey  string
	model   string
	http    *http.Client
	log     zerolog.Logger
}

type LLMOptions struct {
	BaseURL string
	APIKey  string
	Model   string
	Timeout time.Duration
}

func NewLLM(opts LLMOptions) *LLM {
	return &LLM{
		baseURL: opts.BaseURL,
		apiKey:  opts.APIKey,
		model:   opts.Model,
		http:    &http.Client{Timeout: opts.Timeout},
		log:     observ.Component("advisor.llm"),
	}
}

const systemPrompt = `You are a cautious cryptocurrency trading advisor.
Given market context and portfolio state, respond with exactly one JSON object:
{"action":"BUY|SELL|HOLD","symbol":"<symbol>","notional_usd":<number>,"confidence":<0-10>,"rationale":"<one sentence>"}
Only use symbols from the provided list. Prefer HOLD when uncertain.`

type chatRequest struct {
	Model          string        `json:"model"`
	Messages       []chatMessage `json:"messages"`
	Temperature    float64       `json:"temperature"`
	ResponseFormat *respFormat   `json:"response_format,omitempty"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type respFormat struct {
	Type string `json:"type"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
}

// GetRecommendation implements Oracle.
func (l *LLM) GetRecommendation(ctx context.Context, in Inputs) (Recommendation, error) {
	user, err := json.Marshal(map[string]any{
		"symbols": in.Symbols,
		"market":  in.Market.Assets,
		"portfolio": map[string]any{
			"cash_usd":        in.Portfolio.CashUSD,
			"total_value_usd": in.Portfolio.TotalValueUSD,
			"positions":       in.Portfolio.PositionValues,
		},
		"risk": in.Risk,
	})
	if err != nil {
		return Recommendation{}, fmt.Errorf("marshal prompt: %v: %w", err, ErrAdvisoryUnavailable)
	}

	body, err := json.Marshal(chatRequest{
		Model: l.model,
		Messages: []chatMessage{
			{Role: "system", Content: systemPrompt},
			{Role: "user", Content: string(user)},
		},
		Temperature:    0.2,
		ResponseFormat: &respFormat{Type: "json_object"},
	})
	if err != nil {
		return Recommendation{}, fmt.Errorf("marshal request: %v: %w", err, ErrAdvisoryUnavailable)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, l.baseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return Recommendation{}, fmt.Errorf("build request: %v: %w", err, ErrAdvisoryUnavailable)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+l.apiKey)

	resp, err := l.http.Do(req)
	if err != nil {
		return Recommendation{}, fmt.Errorf("call advisor: %v: %w", err, ErrAdvisoryUnavailable)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return Recommendation{}, fmt.Errorf("advisor returned %d: %w", resp.StatusCode, ErrAdvisoryUnavailable)
	}

	var cr chatResponse
	if err := json.NewDecoder(resp.Body).Decode(&cr); err != nil {
		return Recommendation{}, fmt.Errorf("decode response: %v: %w", err, ErrAdvisoryUnavailable)
	}
	if len(cr.Choices) == 0 {
		return Recommendation{}, fmt.Errorf("empty response: %w", ErrAdvisoryUnavailable)
	}

	rec, err := parseRecommendation(cr.Choices[0].Message.Content)
	if err != nil {
		return Recommendation{}, fmt.Errorf("parse recommendation: %v: %w", err, ErrAdvisoryUnavailable)
	}
	if err := validate(rec, in.Symbols); err != nil {
		l.log.Warn().Err(err).Str("symbol", rec.Symbol).Str("action", string(rec.Action)).
			Msg("advisor produced invalid recommendation")
		return Recommendation{}, fmt.Errorf("invalid recommendation: %v: %w", err, ErrAdvisoryUnavailable)
	}
	return rec, nil
}

// parseRecommendation is strict about shape but tolerant of the model
// wrapping the object in a code fence.
func parseRecommendation(content string) (Recommendation, error) {
	content = strings.TrimSpace(content)
	content = strings.TrimPrefix(content, "```json")
	content = strings.TrimPrefix(content, "```")
	content = strings.TrimSuffix(content, "```")

	var rec Recommendation
	dec := json.NewDecoder(strings.NewReader(content))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&rec); err != nil {
		return Recommendation{}, err
	}
	return rec, nil
}
