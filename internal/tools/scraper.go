package tools

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/go-shiori/go-readability"
	"github.com/microcosm-cc/bluemonday"
)

type ScraperTool struct {
	UserAgent string
	Timeout   time.Duration

	client *http.Client
}

func NewScraperTool() *ScraperTool {
	return &ScraperTool{
		UserAgent: "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/91.0.4472.124 Safari/537.36",
		Timeout:   30 * time.Second,
	}
}

func (s *ScraperTool) ID() ToolID {
	return ToolScraper
}

func (s *ScraperTool) Description() string {
	return "Fetch a webpage URL and extract the main content as clean, sanitized text. Operations: 'fetch'."
}

func (s *ScraperTool) Initialize(ctx context.Context) error {
	s.client = &http.Client{Timeout: s.Timeout}
	return nil
}

func (s *ScraperTool) Cleanup(ctx context.Context) error {
	if s.client != nil {
		s.client.CloseIdleConnections()
	}
	return nil
}

func (s *ScraperTool) Invoke(ctx context.Context, op string, params map[string]any) (Output, error) {
	if op != "fetch" {
		return nil, unsupported(s.ID(), op)
	}
	rawURL := stringParam(params, "url")
	if rawURL == "" {
		return nil, missingParam(s.ID(), op, "url")
	}
	parsedURL, err := url.Parse(rawURL)
	if err != nil || parsedURL.Host == "" {
		return nil, &CapabilityError{Tool: s.ID().String(), Operation: op, Reason: fmt.Sprintf("invalid url %q", rawURL)}
	}

	client := s.client
	if client == nil {
		client = &http.Client{Timeout: s.Timeout}
	}

	req, err := http.NewRequestWithContext(ctx, "GET", rawURL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("User-Agent", s.UserAgent)

	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch URL: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("failed to fetch URL: status code %d", resp.StatusCode)
	}

	article, err := readability.FromReader(resp.Body, parsedURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse article: %w", err)
	}

	// Strip anything readability left behind.
	content := truncate(bluemonday.StrictPolicy().Sanitize(article.TextContent), maxOutput)

	return Output{
		"result":  content,
		"url":     rawURL,
		"title":   article.Title,
		"excerpt": article.Excerpt,
		"content": content,
	}, nil
}
