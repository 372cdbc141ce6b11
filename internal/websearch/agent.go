// internal/websearch/agent.go
//
// Research sub-agent: given a query it drives an iterative loop of
// search, parallel page fetch and relevance scoring, stopping once the
// aggregated confidence crosses a threshold or the iteration ceiling is
// reached. The caller gets back ranked sources, never raw HTML.
package websearch

import (
	"context"
	"fmt"
	"io"
	"math"
	"net/http"
	"net/url"
	"regexp"
	"sort"
	"strings"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/jmroz/taskpilot/internal/config"
)

// Source is one fetched and scored result page.
type Source struct {
	URL       string  `json:"url"`
	Title     string  `json:"title"`
	Snippet   string  `json:"snippet"`
	Content   string  `json:"content"`
	Relevance float64 `json:"relevance"`
	Iteration int     `json:"iteration"`
}

// Result aggregates everything a search run produced.
type Result struct {
	Summary    string   `json:"summary"`
	Sources    []Source `json:"sources"`
	Confidence float64  `json:"confidence"`
	Iterations int      `json:"iterations"`
}

// Options override the configured limits for a single search.
type Options struct {
	MaxIterations int
	MaxSources    int
	MinConfidence float64
}

const maxConcurrentFetches = 5

// Agent performs web research against an HTML search endpoint.
type Agent struct {
	logger   *zap.Logger
	client   *http.Client
	cfg      config.SearchConfig
	limiter  *rate.Limiter
	fetchers int
}

// NewAgent builds a search agent from configuration. All outbound
// requests share one rate limiter so search and fetch traffic together
// stay under two requests per second.
func NewAgent(logger *zap.Logger, cfg config.SearchConfig) *Agent {
	return &Agent{
		logger:   logger.Named("websearch"),
		client:   &http.Client{Timeout: cfg.FetchTimeout},
		cfg:      cfg,
		limiter:  rate.NewLimiter(rate.Limit(2), 2),
		fetchers: maxConcurrentFetches,
	}
}

var keywordRegex = regexp.MustCompile(`\b\w{3,}\b`)

// Search runs the iterative research loop.
func (a *Agent) Search(ctx context.Context, query string, opts Options) (Result, error) {
	maxIterations := opts.MaxIterations
	if maxIterations <= 0 {
		maxIterations = a.cfg.MaxIterations
	}
	maxSources := opts.MaxSources
	if maxSources <= 0 {
		maxSources = a.cfg.MaxSources
	}
	minConfidence := opts.MinConfidence
	if minConfidence <= 0 {
		minConfidence = a.cfg.MinConfidence
	}

	a.logger.Info("Starting web search",
		zap.String("query", query),
		zap.Int("max_iterations", maxIterations))

	var sources []Source
	seen := make(map[string]bool)
	currentQuery := query
	iterations := 0

	for iterations < maxIterations {
		iterations++

		hits, err := a.searchOnce(ctx, currentQuery, maxSources)
		if err != nil {
			if len(sources) > 0 {
				// Partial results beat a hard failure once something
				// useful has already been gathered.
				a.logger.Warn("Search iteration failed, returning partial results", zap.Error(err))
				break
			}
			return Result{Iterations: iterations}, fmt.Errorf("web search failed: %w", err)
		}

		var fresh []Source
		for _, h := range hits {
			if h.URL == "" || seen[h.URL] {
				continue
			}
			seen[h.URL] = true
			fresh = append(fresh, h)
		}

		a.fetchAll(ctx, fresh)
		for i := range fresh {
			fresh[i].Relevance = relevance(fresh[i].Content+" "+fresh[i].Snippet, query)
			fresh[i].Iteration = iterations
		}
		sources = append(sources, fresh...)

		a.logger.Info("Search iteration complete",
			zap.Int("iteration", iterations),
			zap.Int("new_sources", len(fresh)),
			zap.Float64("confidence", confidence(sources, maxSources)))

		if confidence(sources, maxSources) >= minConfidence {
			break
		}
		if len(sources) >= maxSources*2 {
			break
		}
		currentQuery = refineQuery(query, sources)
	}

	sort.SliceStable(sources, func(i, j int) bool {
		return sources[i].Relevance > sources[j].Relevance
	})

	res := Result{
		Sources:    sources,
		Confidence: confidence(sources, maxSources),
		Iterations: iterations,
	}
	res.Summary = summarize(res)
	return res, nil
}

// searchOnce queries the HTML search endpoint and scrapes the result
// list. The endpoint speaks the DuckDuckGo HTML dialect.
func (a *Agent) searchOnce(ctx context.Context, query string, maxResults int) ([]Source, error) {
	if err := a.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	form := url.Values{"q": {query}}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		a.cfg.Endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("User-Agent", a.cfg.UserAgent)

	resp, err := a.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("search request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("search endpoint returned HTTP %d", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return nil, err
	}

	hits, err := parseResults(string(body))
	if err != nil {
		return nil, fmt.Errorf("failed to parse search results: %w", err)
	}
	if len(hits) > maxResults {
		hits = hits[:maxResults]
	}
	return hits, nil
}

// fetchAll downloads page content for each source in parallel, bounded
// by the fetcher limit. Failures leave Content empty rather than
// failing the whole batch.
func (a *Agent) fetchAll(ctx context.Context, sources []Source) {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(a.fetchers)

	var mu sync.Mutex
	for i := range sources {
		i := i
		g.Go(func() error {
			content, err := a.fetchContent(gctx, sources[i].URL)
			if err != nil {
				a.logger.Warn("Content fetch failed",
					zap.String("url", sources[i].URL), zap.Error(err))
				return nil
			}
			mu.Lock()
			sources[i].Content = content
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()
}

func (a *Agent) fetchContent(ctx context.Context, pageURL string) (string, error) {
	if err := a.limiter.Wait(ctx); err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, pageURL, nil)
	if err != nil {
		return "", err
	}
	req.Header.Set("User-Agent", a.cfg.UserAgent)
	req.Header.Set("Accept", "text/html,application/xhtml+xml")

	resp, err := a.client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("HTTP %d", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return "", err
	}
	return ExtractText(string(body), a.cfg.MaxContentLen)
}

// relevance scores content against the original query with simple
// keyword overlap. Multiple matched keywords get a small boost.
func relevance(content, query string) float64 {
	if strings.TrimSpace(content) == "" {
		return 0
	}
	words := keywordRegex.FindAllString(strings.ToLower(query), -1)
	unique := make(map[string]bool, len(words))
	for _, w := range words {
		unique[w] = true
	}
	if len(unique) == 0 {
		return 0.5
	}

	lower := strings.ToLower(content)
	matches := 0
	for w := range unique {
		if strings.Contains(lower, w) {
			matches++
		}
	}
	score := float64(matches) / float64(len(unique))
	if matches > 1 {
		score = math.Min(1, score*1.2)
	}
	return math.Round(score*100) / 100
}

// confidence blends how many sources were gathered, how relevant they
// are on average and how much content they carry.
func confidence(sources []Source, maxSources int) float64 {
	if len(sources) == 0 {
		return 0
	}
	if maxSources <= 0 {
		maxSources = 1
	}

	sourceFill := math.Min(1, float64(len(sources))/float64(maxSources))

	var totalRelevance float64
	var totalContent int
	for _, s := range sources {
		totalRelevance += s.Relevance
		totalContent += len(s.Content)
	}
	meanRelevance := totalRelevance / float64(len(sources))
	depthFill := math.Min(1, float64(totalContent)/float64(len(sources))/2000)

	c := 0.4*sourceFill + 0.4*meanRelevance + 0.2*depthFill
	return math.Round(math.Min(1, c)*100) / 100
}

var titleWordRegex = regexp.MustCompile(`\b\w{4,}\b`)

// refineQuery builds the next iteration's query by appending the most
// common title word from high-relevance sources that the original query
// did not already contain.
func refineQuery(original string, sources []Source) string {
	queryWords := make(map[string]bool)
	for _, w := range strings.Fields(strings.ToLower(original)) {
		queryWords[w] = true
	}

	counts := make(map[string]int)
	for _, s := range sources {
		if s.Relevance < 0.7 {
			continue
		}
		for _, w := range titleWordRegex.FindAllString(strings.ToLower(s.Title), -1) {
			if !queryWords[w] {
				counts[w]++
			}
		}
	}
	if len(counts) == 0 {
		return original + " guide tutorial"
	}

	best, bestCount := "", 0
	for w, n := range counts {
		if n > bestCount || (n == bestCount && w < best) {
			best, bestCount = w, n
		}
	}
	return original + " " + best
}

// summarize renders a short plain-text digest of the top sources for
// feeding back into the conversation.
func summarize(res Result) string {
	if len(res.Sources) == 0 {
		return "No relevant sources found."
	}
	var b strings.Builder
	fmt.Fprintf(&b, "Found %d sources (confidence %.2f).\n", len(res.Sources), res.Confidence)
	top := res.Sources
	if len(top) > 3 {
		top = top[:3]
	}
	for i, s := range top {
		fmt.Fprintf(&b, "%d. %s (%s, relevance %.0f%%)\n", i+1, s.Title, s.URL, s.Relevance*100)
	}
	return strings.TrimRight(b.String(), "\n")
}
