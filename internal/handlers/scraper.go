package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"golang.org/x/net/html"

	"github.com/ramiqadoumi/tenantflow/internal/domain"
	"github.com/ramiqadoumi/tenantflow/pkg/telemetry"
)

// Limiter is the per-tenant throttle the scraper consults before fetching.
type Limiter interface {
	Allow(ctx context.Context, key string) (bool, error)
	Limit() int
}

// ScraperConfig controls outbound fetches.
type ScraperConfig struct {
	UserAgent    string
	MaxBodyBytes int64
	Timeout      time.Duration
}

// scrapePayload is the expected JSON structure in job.Payload.
type scrapePayload struct {
	URL string `json:"url"`
}

// PageMeta is the scraper's job result.
type PageMeta struct {
	URL         string            `json:"url"`
	FinalURL    string            `json:"final_url"`
	StatusCode  int               `json:"status_code"`
	Title       string            `json:"title,omitempty"`
	Description string            `json:"description,omitempty"`
	OpenGraph   map[string]string `json:"open_graph,omitempty"`
}

// Scraper fetches a page and extracts its title, description and
// OpenGraph tags.
type Scraper struct {
	client  *http.Client
	limiter Limiter
	cfg     ScraperConfig
}

// NewScraper creates a Scraper. A nil limiter disables throttling.
func NewScraper(cfg ScraperConfig, limiter Limiter) *Scraper {
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = 2 << 20
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = "tenantflow-scraper/1.0"
	}
	return &Scraper{
		client:  &http.Client{Timeout: cfg.Timeout},
		limiter: limiter,
		cfg:     cfg,
	}
}

func (h *Scraper) Queue() string { return domain.QueueScraper }

func (h *Scraper) Handle(ctx context.Context, job *domain.Job, tenant *domain.Tenant) ([]byte, error) {
	ctx, span := otel.Tracer("queue").Start(ctx, "handler.scraper")
	defer span.End()

	var p scrapePayload
	if err := json.Unmarshal(job.Payload, &p); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "invalid payload")
		return nil, domain.Permanent(fmt.Errorf("invalid scrape payload: %w", err))
	}
	if p.URL == "" {
		err := errors.New("scrape payload missing required field 'url'")
		span.SetStatus(codes.Error, "missing 'url' field")
		return nil, domain.Permanent(err)
	}
	u, err := url.Parse(p.URL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		span.SetStatus(codes.Error, "bad url")
		return nil, domain.Permanent(fmt.Errorf("scrape url %q is not an absolute http(s) url", p.URL))
	}

	span.SetAttributes(
		attribute.String("scrape.url", p.URL),
		attribute.String("tenant.id", tenant.ID),
	)

	if h.limiter != nil {
		ok, err := h.limiter.Allow(ctx, tenant.ID)
		if err != nil {
			span.RecordError(err)
			return nil, fmt.Errorf("scrape rate limiter: %w", err)
		}
		if !ok {
			telemetry.ScraperRateLimited.Inc()
			span.SetStatus(codes.Error, "rate limited")
			return nil, &domain.RateLimitExceededError{Key: tenant.ID, Limit: h.limiter.Limit()}
		}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, domain.Permanent(fmt.Errorf("build scrape request: %w", err))
	}
	req.Header.Set("User-Agent", h.cfg.UserAgent)
	req.Header.Set("Accept", "text/html,application/xhtml+xml;q=0.9,*/*;q=0.5")

	resp, err := h.client.Do(req)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "http call failed")
		return nil, fmt.Errorf("fetch %s: %w", p.URL, err)
	}
	defer resp.Body.Close()

	span.SetAttributes(attribute.Int("http.status_code", resp.StatusCode))
	switch {
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= http.StatusInternalServerError:
		span.SetStatus(codes.Error, "retryable status")
		return nil, fmt.Errorf("fetch %s: status %d", p.URL, resp.StatusCode)
	case resp.StatusCode >= http.StatusBadRequest:
		span.SetStatus(codes.Error, "client error status")
		return nil, domain.Permanent(fmt.Errorf("fetch %s: status %d", p.URL, resp.StatusCode))
	}

	meta := PageMeta{URL: p.URL, FinalURL: resp.Request.URL.String(), StatusCode: resp.StatusCode}
	if isHTML(resp.Header.Get("Content-Type")) {
		if err := extractMeta(io.LimitReader(resp.Body, h.cfg.MaxBodyBytes), &meta); err != nil {
			span.RecordError(err)
			return nil, fmt.Errorf("parse %s: %w", p.URL, err)
		}
	}
	return json.Marshal(meta)
}

func isHTML(contentType string) bool {
	ct := strings.ToLower(contentType)
	return ct == "" || strings.Contains(ct, "text/html") || strings.Contains(ct, "application/xhtml")
}

// extractMeta walks the token stream until </head> or EOF.
func extractMeta(r io.Reader, meta *PageMeta) error {
	z := html.NewTokenizer(r)
	inTitle := false
	for {
		switch z.Next() {
		case html.ErrorToken:
			if errors.Is(z.Err(), io.EOF) {
				return nil
			}
			return z.Err()

		case html.StartTagToken, html.SelfClosingTagToken:
			name, hasAttr := z.TagName()
			switch string(name) {
			case "title":
				inTitle = meta.Title == ""
			case "meta":
				if hasAttr {
					readMetaTag(z, meta)
				}
			case "body":
				return nil
			}

		case html.TextToken:
			if inTitle {
				meta.Title = strings.TrimSpace(string(z.Text()))
				inTitle = false
			}

		case html.EndTagToken:
			name, _ := z.TagName()
			switch string(name) {
			case "title":
				inTitle = false
			case "head":
				return nil
			}
		}
	}
}

func readMetaTag(z *html.Tokenizer, meta *PageMeta) {
	var name, property, content string
	for {
		key, val, more := z.TagAttr()
		switch strings.ToLower(string(key)) {
		case "name":
			name = strings.ToLower(string(val))
		case "property":
			property = strings.ToLower(string(val))
		case "content":
			content = strings.TrimSpace(string(val))
		}
		if !more {
			break
		}
	}

	switch {
	case name == "description" && meta.Description == "":
		meta.Description = content
	case strings.HasPrefix(property, "og:"):
		if meta.OpenGraph == nil {
			meta.OpenGraph = make(map[string]string)
		}
		meta.OpenGraph[strings.TrimPrefix(property, "og:")] = content
	}
}
