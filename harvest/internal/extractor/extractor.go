// Package extractor turns page text into candidate events using a language
// model.
package extractor

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/telhawk-systems/sprout/common/logging"
	"github.com/telhawk-systems/sprout/harvest/internal/models"
)

// ErrUnparseable marks model output that is not the expected JSON document.
var ErrUnparseable = errors.New("unparseable extraction output")

// ErrUnknownProfile is returned for a profile name with no instructions.
var ErrUnknownProfile = errors.New("unknown extraction profile")

// Extractor returns candidate events found in text.
type Extractor interface {
	Extract(ctx context.Context, text, profile string) ([]models.Candidate, error)
}

// Config configures a ChatClient.
type Config struct {
	Endpoint string
	APIKey   string
	Model    string
	Timeout  time.Duration
	Location *time.Location
}

// ChatClient implements Extractor against an OpenAI-compatible chat
// completions endpoint in JSON mode.
type ChatClient struct {
	cfg        Config
	httpClient *http.Client
	logger     *logging.Logger
	now        func() time.Time
}

// New constructs a ChatClient.
func New(cfg Config, logger *logging.Logger) *ChatClient {
	if cfg.Location == nil {
		cfg.Location = time.UTC
	}
	if logger == nil {
		logger = logging.Discard()
	}
	return &ChatClient{
		cfg: cfg,
		httpClient: &http.Client{
			Timeout: cfg.Timeout,
		},
		logger: logger,
		now:    time.Now,
	}
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model          string         `json:"model"`
	Messages       []chatMessage  `json:"messages"`
	Temperature    float64        `json:"temperature"`
	ResponseFormat map[string]any `json:"response_format"`
}

type chatResponse struct {
	Choices []struct {
		Message chatMessage `json:"message"`
	} `json:"choices"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error"`
}

// Extract implements Extractor.
func (c *ChatClient) Extract(ctx context.Context, text, profile string) ([]models.Candidate, error) {
	if profile == "" {
		profile = DefaultProfile
	}
	instructions, ok := profiles[profile]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownProfile, profile)
	}

	today := c.now().In(c.cfg.Location).Format("Monday 2006-01-02")
	reqBody := chatRequest{
		Model: c.cfg.Model,
		Messages: []chatMessage{
			{Role: "system", Content: instructions + "\n\nToday is " + today + "."},
			{Role: "user", Content: text},
		},
		ResponseFormat: map[string]any{"type": "json_object"},
	}

	bodyBytes, err := json.Marshal(reqBody)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	request, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.Endpoint, bytes.NewReader(bodyBytes))
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	request.Header.Set("Content-Type", "application/json")
	if c.cfg.APIKey != "" {
		request.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	}

	resp, err := c.httpClient.Do(request)
	if err != nil {
		return nil, fmt.Errorf("send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("extractor response status %d: %s", resp.StatusCode, strings.TrimSpace(string(msg)))
	}

	var result chatResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("%w: decode response: %v", ErrUnparseable, err)
	}
	if result.Error != nil {
		return nil, fmt.Errorf("extractor error: %s", result.Error.Message)
	}
	if len(result.Choices) == 0 {
		return nil, fmt.Errorf("%w: no choices", ErrUnparseable)
	}

	return c.parseCandidates(ctx, result.Choices[0].Message.Content)
}

// parseCandidates accepts {"events": [...]} or a bare array, optionally
// wrapped in a markdown code fence. Items that fail to decode are skipped.
func (c *ChatClient) parseCandidates(ctx context.Context, content string) ([]models.Candidate, error) {
	content = stripFence(content)

	var items []json.RawMessage
	var doc struct {
		Events *[]json.RawMessage `json:"events"`
	}
	switch {
	case strings.HasPrefix(content, "["):
		if err := json.Unmarshal([]byte(content), &items); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrUnparseable, err)
		}
	default:
		if err := json.Unmarshal([]byte(content), &doc); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrUnparseable, err)
		}
		if doc.Events == nil {
			return nil, fmt.Errorf("%w: missing events field", ErrUnparseable)
		}
		items = *doc.Events
	}

	candidates := make([]models.Candidate, 0, len(items))
	for i, raw := range items {
		var cand models.Candidate
		if err := json.Unmarshal(raw, &cand); err != nil {
			c.logger.DebugContext(ctx, "skipping malformed candidate", "index", i, logging.Error(err))
			continue
		}
		candidates = append(candidates, cand)
	}
	return candidates, nil
}

func stripFence(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```")
	if nl := strings.IndexByte(s, '\n'); nl >= 0 {
		s = s[nl+1:]
	}
	s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	return strings.TrimSpace(s)
}
