package dataset

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"golang.org/x/time/rate"

	"github.com/odvcencio/hypogate/pkg/config"
	"github.com/odvcencio/hypogate/pkg/errors"
)

const (
	userAgent        = "hypogate/1.0 (+https://github.com/odvcencio/hypogate)"
	searchRows       = 8
	maxSearchBody    = 2 << 20
	maxLinksPerPage  = 20
	defaultSearchRPS = 2
)

// SearchHit is one result returned by a search backend.
type SearchHit struct {
	Title    string   `json:"title"`
	URL      string   `json:"url"`
	Snippet  string   `json:"snippet,omitempty"`
	Keywords []string `json:"keywords,omitempty"`
	Links    []string `json:"links,omitempty"`
}

// Searcher runs a free-text query against a discovery backend.
type Searcher interface {
	Search(ctx context.Context, query string) ([]SearchHit, error)
}

// HTTPSearcher queries a search endpoint over HTTP. It understands the
// Crossref works API and falls back to scraping links from HTML results.
type HTTPSearcher struct {
	endpoint string
	client   *http.Client
	limiter  *rate.Limiter
	timeout  time.Duration
}

// NewHTTPSearcher builds a rate-limited searcher. A nil client uses
// http.DefaultClient.
func NewHTTPSearcher(cfg config.DatasetConfig, client *http.Client) *HTTPSearcher {
	if client == nil {
		client = http.DefaultClient
	}
	endpoint := cfg.SearchEndpoint
	if endpoint == "" {
		endpoint = config.DefaultSearchEndpoint
	}
	return &HTTPSearcher{
		endpoint: endpoint,
		client:   client,
		limiter:  newLimiter(cfg.SearchRPS),
		timeout:  cfg.SearchTimeout,
	}
}

func newLimiter(rps float64) *rate.Limiter {
	if rps <= 0 {
		rps = defaultSearchRPS
	}
	return rate.NewLimiter(rate.Limit(rps), 1)
}

// Search implements Searcher.
func (s *HTTPSearcher) Search(ctx context.Context, query string) ([]SearchHit, error) {
	if err := s.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	if s.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}

	base, err := url.Parse(s.endpoint)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeConfigInvalid, "invalid search endpoint")
	}
	q := base.Query()
	q.Set("query", query)
	q.Set("rows", fmt.Sprint(searchRows))
	base.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, base.String(), nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Accept", "application/json, text/html;q=0.8")

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeDatasetRejected, "search request failed").
			WithContext("query", query)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return nil, errors.Newf(errors.ErrCodeDatasetRejected, "search returned status %d", resp.StatusCode).
			WithContext("query", query)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxSearchBody))
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeDatasetRejected, "read search response")
	}

	trimmed := bytes.TrimSpace(body)
	if strings.Contains(resp.Header.Get("Content-Type"), "json") || bytes.HasPrefix(trimmed, []byte("{")) {
		return parseCrossref(trimmed)
	}
	return parseHTMLResults(trimmed, base)
}

type crossrefResponse struct {
	Message struct {
		Items []struct {
			Title    []string `json:"title"`
			URL      string   `json:"URL"`
			Subject  []string `json:"subject"`
			Abstract string   `json:"abstract"`
			Link     []struct {
				URL string `json:"URL"`
			} `json:"link"`
		} `json:"items"`
	} `json:"message"`
}

func parseCrossref(body []byte) ([]SearchHit, error) {
	var resp crossrefResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeDatasetRejected, "decode search response")
	}
	hits := make([]SearchHit, 0, len(resp.Message.Items))
	for _, item := range resp.Message.Items {
		hit := SearchHit{
			Title:    strings.Join(item.Title, " "),
			URL:      item.URL,
			Snippet:  stripTags(item.Abstract),
			Keywords: item.Subject,
		}
		for _, l := range item.Link {
			if l.URL != "" {
				hit.Links = append(hit.Links, l.URL)
			}
		}
		hits = append(hits, hit)
	}
	return hits, nil
}

func parseHTMLResults(body []byte, base *url.URL) ([]SearchHit, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeDatasetRejected, "parse search html")
	}
	var hits []SearchHit
	doc.Find("a[href]").EachWithBreak(func(_ int, s *goquery.Selection) bool {
		if len(hits) >= maxLinksPerPage {
			return false
		}
		href, ok := s.Attr("href")
		if !ok {
			return true
		}
		link, err := base.Parse(strings.TrimSpace(href))
		if err != nil || (link.Scheme != "http" && link.Scheme != "https") {
			return true
		}
		hits = append(hits, SearchHit{
			Title: strings.Join(strings.Fields(s.Text()), " "),
			URL:   link.String(),
		})
		return true
	})
	return hits, nil
}

func stripTags(s string) string {
	if !strings.Contains(s, "<") {
		return strings.TrimSpace(s)
	}
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(s))
	if err != nil {
		return s
	}
	return strings.Join(strings.Fields(doc.Text()), " ")
}
