package assembly

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	readability "github.com/go-shiori/go-readability"
)

// Extracted is the normalized readable form of a web page.
type Extracted struct {
	Title   string
	Author  string
	Content string
	URL     string
}

type Extractor interface {
	Extract(ctx context.Context, rawURL string) (*Extracted, error)
}

// ReadabilityExtractor fetches pages over HTTP and runs them through
// go-readability.
type ReadabilityExtractor struct {
	client    *http.Client
	userAgent string
}

func NewReadabilityExtractor(timeout time.Duration, userAgent string) *ReadabilityExtractor {
	return &ReadabilityExtractor{
		client:    &http.Client{Timeout: timeout},
		userAgent: userAgent,
	}
}

func (r *ReadabilityExtractor) Extract(ctx context.Context, rawURL string) (*Extracted, error) {
	pageURL, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("parse article url %q: %w", rawURL, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, fmt.Errorf("create request for %s: %w", rawURL, err)
	}
	if r.userAgent != "" {
		req.Header.Set("User-Agent", r.userAgent)
	}

	resp, err := r.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch %s: %w", rawURL, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetch %s: status %d", rawURL, resp.StatusCode)
	}

	article, err := readability.FromReader(resp.Body, pageURL)
	if err != nil {
		return nil, fmt.Errorf("extract %s: %w", rawURL, err)
	}

	return &Extracted{
		Title:   strings.TrimSpace(article.Title),
		Author:  strings.TrimSpace(article.Byline),
		Content: article.Content,
		URL:     rawURL,
	}, nil
}
