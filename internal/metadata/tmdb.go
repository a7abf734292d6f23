// Package metadata resolves noisy release names to canonical movie titles
// through The Movie Database.
package metadata

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

	"golang.org/x/time/rate"

	"github.com/gwlsn/stepdown/internal/logger"
	"github.com/gwlsn/stepdown/internal/media"
)

// DefaultBaseURL is the TMDB v3 API root.
const DefaultBaseURL = "https://api.themoviedb.org/3"

const (
	defaultTimeout   = 10 * time.Second
	defaultRate      = 4
	defaultRateBurst = 1
	topResults       = 5
	maxErrorBody     = 512
)

// ErrUpstream marks a failed or rejected TMDB request.
var ErrUpstream = errors.New("tmdb request failed")

// Options configures the TMDB client.
type Options struct {
	BaseURL           string
	ReadAccessToken   string
	Timeout           time.Duration
	RequestsPerSecond float64
	HTTPClient        *http.Client
}

// Client searches TMDB. It implements media.MovieLookup.
type Client struct {
	baseURL string
	token   string
	http    *http.Client
	limiter *rate.Limiter
}

var _ media.MovieLookup = (*Client)(nil)

// NewClient creates a client. It returns nil when no token is configured,
// which callers treat as "no lookup".
func NewClient(opts Options) *Client {
	if strings.TrimSpace(opts.ReadAccessToken) == "" {
		return nil
	}
	opts = normalizeOptions(opts)
	return &Client{
		baseURL: strings.TrimRight(opts.BaseURL, "/"),
		token:   opts.ReadAccessToken,
		http:    opts.HTTPClient,
		limiter: rate.NewLimiter(rate.Limit(opts.RequestsPerSecond), defaultRateBurst),
	}
}

func normalizeOptions(opts Options) Options {
	if opts.BaseURL == "" {
		opts.BaseURL = DefaultBaseURL
	}
	if opts.Timeout <= 0 {
		opts.Timeout = defaultTimeout
	}
	if opts.RequestsPerSecond <= 0 {
		opts.RequestsPerSecond = defaultRate
	}
	if opts.HTTPClient == nil {
		opts.HTTPClient = &http.Client{Timeout: opts.Timeout}
	}
	return opts
}

type searchResponse struct {
	Results []searchResult `json:"results"`
}

type searchResult struct {
	Title       string `json:"title"`
	ReleaseDate string `json:"release_date"`
}

// LookupMovie searches for query (optionally narrowed to year) and returns
// the top-5 result whose "Title Year" is most similar to the raw file name.
func (c *Client) LookupMovie(ctx context.Context, raw, query, year string) (*media.MovieMatch, error) {
	log := logger.FromContext(ctx)

	params := url.Values{}
	params.Set("query", query)
	params.Set("include_adult", "false")
	params.Set("language", "en-US")
	params.Set("page", "1")
	if year != "" {
		params.Set("year", year)
	}

	var res searchResponse
	if err := c.get(ctx, "/search/movie", params, &res); err != nil {
		return nil, err
	}
	if len(res.Results) == 0 {
		log.Info("No TMDB results", "query", query)
		return nil, nil
	}

	results := res.Results
	if len(results) > topResults {
		results = results[:topResults]
	}

	var best *media.MovieMatch
	bestScore := 0.0
	for _, r := range results {
		found := ""
		if len(r.ReleaseDate) >= 4 {
			found = r.ReleaseDate[:4]
		}
		candidate := strings.TrimSpace(r.Title + " " + found)
		score := Similarity(strings.ToLower(candidate), strings.ToLower(raw))
		if score > bestScore {
			bestScore = score
			best = &media.MovieMatch{Title: r.Title, Year: found}
		}
	}

	if best == nil {
		return nil, nil
	}
	log.Info("TMDB match", "title", best.Title, "year", best.Year, "score", fmt.Sprintf("%.2f", bestScore))
	return best, nil
}

func (c *Client) get(ctx context.Context, path string, params url.Values, v any) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path+"?"+params.Encode(), nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.token)

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUpstream, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return fmt.Errorf("%w: status %d: %s", ErrUpstream, resp.StatusCode, strings.TrimSpace(string(body)))
	}
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		return fmt.Errorf("decode error: %w", err)
	}
	return nil
}
