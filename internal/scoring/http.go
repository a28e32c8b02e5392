package scoring

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/calmline/scoregate/internal/config"
)

// HTTPClient calls the bedrock proxy for domain validation and emotional
// scoring. Each scoring run makes two independent invocations.
type HTTPClient struct {
	cfg     config.UpstreamConfig
	client  *http.Client
	prompts *Prompts
	logger  *slog.Logger
}

// NewHTTPClient builds the collaborator client from upstream configuration.
func NewHTTPClient(cfg config.UpstreamConfig, logger *slog.Logger) (*HTTPClient, error) {
	if cfg.Endpoint == "" {
		return nil, errors.New("scoring: upstream endpoint required")
	}
	prompts, err := NewPrompts()
	if err != nil {
		return nil, err
	}
	timeout := time.Duration(cfg.TimeoutSeconds) * time.Second
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &HTTPClient{
		cfg:     cfg,
		client:  &http.Client{Timeout: timeout},
		prompts: prompts,
		logger:  logger.With(slog.String("component", "scoring")),
	}, nil
}

type proxyMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type proxyRequest struct {
	TeamID      string         `json:"team_id"`
	APIToken    string         `json:"api_token"`
	Model       string         `json:"model"`
	Messages    []proxyMessage `json:"messages"`
	MaxTokens   int            `json:"max_tokens"`
	Temperature float64        `json:"temperature"`
}

type contentBlock struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

type proxyResponse struct {
	Content []contentBlock `json:"content"`
	Text    string         `json:"text"`
	Usage   struct {
		InputTokens  int `json:"input_tokens"`
		OutputTokens int `json:"output_tokens"`
	} `json:"usage"`
}

// CheckDomain asks the collaborator whether the message belongs to the
// fertility support domain.
func (c *HTTPClient) CheckDomain(ctx context.Context, message string) (DomainResult, error) {
	prompt, err := c.prompts.Domain(message)
	if err != nil {
		return DomainResult{}, &UpstreamError{Op: "domain_check", Err: err}
	}
	content, tokens, err := c.invoke(ctx, "domain_check", prompt)
	if err != nil {
		return DomainResult{}, err
	}

	var parsed struct {
		DomainMatch bool   `json:"domain_match"`
		Reasoning   string `json:"reasoning"`
	}
	payload, err := extractJSON(content)
	if err == nil {
		err = json.Unmarshal(payload, &parsed)
	}
	if err != nil {
		return DomainResult{}, &UpstreamError{Op: "domain_check", Err: fmt.Errorf("parse verdict: %w", err)}
	}
	return DomainResult{Match: parsed.DomainMatch, Reasoning: parsed.Reasoning, TokensUsed: tokens}, nil
}

// ScoreEmotion asks the collaborator for a distress score on an in-domain
// message.
func (c *HTTPClient) ScoreEmotion(ctx context.Context, message string) (EmotionResult, error) {
	prompt, err := c.prompts.Emotion(message)
	if err != nil {
		return EmotionResult{}, &UpstreamError{Op: "emotional_analysis", Err: err}
	}
	content, tokens, err := c.invoke(ctx, "emotional_analysis", prompt)
	if err != nil {
		return EmotionResult{}, err
	}

	var parsed struct {
		Score         int      `json:"score"`
		Confidence    float64  `json:"confidence"`
		Reasoning     string   `json:"reasoning"`
		KeyIndicators []string `json:"key_indicators"`
	}
	payload, err := extractJSON(content)
	if err == nil {
		err = json.Unmarshal(payload, &parsed)
	}
	if err != nil {
		return EmotionResult{}, &UpstreamError{Op: "emotional_analysis", Err: fmt.Errorf("parse verdict: %w", err)}
	}
	if parsed.Score < 1 || parsed.Score > 10 {
		return EmotionResult{}, &UpstreamError{Op: "emotional_analysis", Err: fmt.Errorf("score %d outside valid range", parsed.Score)}
	}
	return EmotionResult{
		Score:         parsed.Score,
		Confidence:    parsed.Confidence,
		Reasoning:     parsed.Reasoning,
		KeyIndicators: parsed.KeyIndicators,
		TokensUsed:    tokens,
	}, nil
}

func (c *HTTPClient) invoke(ctx context.Context, op, prompt string) (string, int, error) {
	payload := proxyRequest{
		TeamID:      c.cfg.TeamID,
		APIToken:    c.cfg.APIToken,
		Model:       c.cfg.Model,
		Messages:    []proxyMessage{{Role: "user", Content: prompt}},
		MaxTokens:   c.cfg.MaxTokens,
		Temperature: c.cfg.Temperature,
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return "", 0, &UpstreamError{Op: op, Err: fmt.Errorf("marshal request: %w", err)}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.Endpoint, bytes.NewReader(body))
	if err != nil {
		return "", 0, &UpstreamError{Op: op, Err: fmt.Errorf("build request: %w", err)}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Team-ID", c.cfg.TeamID)
	req.Header.Set("X-API-Token", c.cfg.APIToken)

	resp, err := c.client.Do(req)
	if err != nil {
		return "", 0, &UpstreamError{Op: op, Transient: isNetworkError(err), Err: err}
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", 0, &UpstreamError{Op: op, Transient: true, Err: fmt.Errorf("read response: %w", err)}
	}

	if resp.StatusCode != http.StatusOK {
		transient := resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests
		c.logger.Warn("upstream returned error status",
			slog.String("op", op),
			slog.Int("status", resp.StatusCode))
		return "", 0, &UpstreamError{Op: op, Transient: transient, Err: fmt.Errorf("status %d: %s", resp.StatusCode, truncate(string(raw), 200))}
	}

	var decoded proxyResponse
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return "", 0, &UpstreamError{Op: op, Err: fmt.Errorf("decode response: %w", err)}
	}

	content := assembleContent(decoded)
	if content == "" {
		return "", 0, &UpstreamError{Op: op, Err: errors.New("empty response content")}
	}

	tokens := decoded.Usage.InputTokens + decoded.Usage.OutputTokens
	if tokens == 0 {
		tokens = len(strings.Fields(prompt)) + len(strings.Fields(content))
	}
	return content, tokens, nil
}

func assembleContent(resp proxyResponse) string {
	if len(resp.Content) > 0 {
		var parts []string
		for _, block := range resp.Content {
			if block.Type == "text" && block.Text != "" {
				parts = append(parts, block.Text)
			}
		}
		return strings.Join(parts, "\n")
	}
	return resp.Text
}

func isNetworkError(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	// http.Client wraps transport failures in *url.Error; anything that made
	// it past request construction is a connection-level problem.
	return strings.Contains(err.Error(), "connection")
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
