// internal/websearch/agent_test.go
package websearch

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap/zaptest"
	"golang.org/x/time/rate"

	"github.com/jmroz/taskpilot/internal/config"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m,
		// The shared http transport keeps idle connections alive briefly.
		goleak.IgnoreTopFunction("internal/poll.runtime_pollWait"),
		goleak.IgnoreTopFunction("net/http.(*persistConn).writeLoop"),
		goleak.IgnoreTopFunction("net/http.(*persistConn).readLoop"),
	)
}

func testAgent(t *testing.T, endpoint string) *Agent {
	t.Helper()
	a := NewAgent(zaptest.NewLogger(t), config.SearchConfig{
		Endpoint:      endpoint,
		MaxIterations: 3,
		MaxSources:    5,
		MinConfidence: 0.7,
		FetchTimeout:  5 * time.Second,
		MaxContentLen: 10000,
		UserAgent:     "taskpilot-test",
	})
	// Tests hit local servers, no need to pace requests.
	a.limiter = rate.NewLimiter(rate.Inf, 0)
	return a
}

// resultsPage renders a minimal DuckDuckGo-style results page linking
// to the given URLs.
func resultsPage(urls ...string) string {
	page := "<html><body>"
	for i, u := range urls {
		page += fmt.Sprintf(
			`<div class="result"><a class="result__a" href="%s">Result %d about golang concurrency</a>`+
				`<a class="result__snippet">snippet about golang concurrency patterns</a></div>`, u, i+1)
	}
	return page + "</body></html>"
}

func TestSearchAggregatesSources(t *testing.T) {
	content := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `<html><body><article>A long discussion of golang concurrency,
goroutines and channels. Worker pools and pipelines are covered in depth.</article></body></html>`)
	}))
	defer content.Close()

	search := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		assert.NotEmpty(t, r.Form.Get("q"))
		fmt.Fprint(w, resultsPage(
			content.URL+"/a", content.URL+"/b", content.URL+"/c",
			content.URL+"/d", content.URL+"/e"))
	}))
	defer search.Close()

	agent := testAgent(t, search.URL)
	res, err := agent.Search(context.Background(), "golang concurrency", Options{})
	require.NoError(t, err)

	assert.Len(t, res.Sources, 5)
	assert.Greater(t, res.Confidence, 0.0)
	assert.Contains(t, res.Summary, "5 sources")
	for _, s := range res.Sources {
		assert.Contains(t, s.Content, "goroutines")
		assert.Greater(t, s.Relevance, 0.0)
	}
}

func TestSearchStopsAtConfidenceThreshold(t *testing.T) {
	content := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Rich relevant content pushes confidence past the threshold
		// in a single iteration.
		fmt.Fprintf(w, "<html><body><main>%s</main></body></html>",
			repeatText("golang concurrency goroutines channels. ", 100))
	}))
	defer content.Close()

	var searchCalls int
	search := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		searchCalls++
		fmt.Fprint(w, resultsPage(
			content.URL+"/1", content.URL+"/2", content.URL+"/3",
			content.URL+"/4", content.URL+"/5"))
	}))
	defer search.Close()

	agent := testAgent(t, search.URL)
	res, err := agent.Search(context.Background(), "golang concurrency", Options{})
	require.NoError(t, err)

	assert.Equal(t, 1, res.Iterations)
	assert.Equal(t, 1, searchCalls)
	assert.GreaterOrEqual(t, res.Confidence, 0.7)
}

func TestSearchRespectsIterationCeiling(t *testing.T) {
	var searchCalls int
	search := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		searchCalls++
		// A single thin result per call keeps confidence low. Distinct
		// URLs per iteration so deduplication never empties the batch.
		fmt.Fprint(w, resultsPage(fmt.Sprintf("http://127.0.0.1:1/unreachable-%d", searchCalls)))
	}))
	defer search.Close()

	agent := testAgent(t, search.URL)
	res, err := agent.Search(context.Background(), "golang concurrency", Options{MaxIterations: 2})
	require.NoError(t, err)

	assert.Equal(t, 2, res.Iterations)
	assert.Equal(t, 2, searchCalls)
	assert.Less(t, res.Confidence, 0.7)
}

func TestSearchFailsWhenEndpointDown(t *testing.T) {
	search := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer search.Close()

	agent := testAgent(t, search.URL)
	_, err := agent.Search(context.Background(), "anything", Options{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "502")
}

func TestSearchSurvivesFetchFailures(t *testing.T) {
	search := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, resultsPage("http://127.0.0.1:1/unreachable"))
	}))
	defer search.Close()

	agent := testAgent(t, search.URL)
	res, err := agent.Search(context.Background(), "golang concurrency", Options{MaxIterations: 1})
	require.NoError(t, err)

	require.Len(t, res.Sources, 1)
	assert.Empty(t, res.Sources[0].Content)
	// Snippet alone still yields a relevance signal.
	assert.Greater(t, res.Sources[0].Relevance, 0.0)
}

func TestParseResultsUnwrapsRedirects(t *testing.T) {
	page := `<html><body>
<a class="result__a" href="//duckduckgo.com/l/?uddg=https%3A%2F%2Fgo.dev%2Fdoc">Go docs</a>
<a class="result__snippet">official documentation</a>
<a class="result__a" href="https://example.com/direct">Direct</a>
</body></html>`

	hits, err := parseResults(page)
	require.NoError(t, err)
	require.Len(t, hits, 2)
	assert.Equal(t, "https://go.dev/doc", hits[0].URL)
	assert.Equal(t, "Go docs", hits[0].Title)
	assert.Equal(t, "official documentation", hits[0].Snippet)
	assert.Equal(t, "https://example.com/direct", hits[1].URL)
}

func TestExtractTextPrefersMainContent(t *testing.T) {
	page := `<html><body>
<nav>navigation junk</nav>
<script>var x = 1;</script>
<article>The actual article text.</article>
<footer>footer junk</footer>
</body></html>`

	text, err := ExtractText(page, 10000)
	require.NoError(t, err)
	assert.Equal(t, "The actual article text.", text)
}

func TestExtractTextTruncates(t *testing.T) {
	page := "<html><body><main>" + repeatText("word ", 100) + "</main></body></html>"

	text, err := ExtractText(page, 20)
	require.NoError(t, err)
	assert.Len(t, text, 23) // 20 chars plus ellipsis
	assert.True(t, len(text) < 100)
}

func TestRelevanceScoring(t *testing.T) {
	assert.Equal(t, 0.0, relevance("", "golang concurrency"))
	assert.Equal(t, 0.0, relevance("unrelated text entirely", "golang concurrency"))

	full := relevance("golang concurrency explained", "golang concurrency")
	assert.Equal(t, 1.0, full)

	half := relevance("only golang here", "golang concurrency")
	assert.InDelta(t, 0.5, half, 0.01)
}

func TestConfidenceBlend(t *testing.T) {
	assert.Equal(t, 0.0, confidence(nil, 5))

	// Five fully relevant sources with deep content max out the score.
	deep := make([]Source, 5)
	for i := range deep {
		deep[i] = Source{Relevance: 1.0, Content: repeatText("x", 2000)}
	}
	assert.Equal(t, 1.0, confidence(deep, 5))

	// One thin source scores low.
	thin := []Source{{Relevance: 0.5, Content: "short"}}
	assert.Less(t, confidence(thin, 5), 0.4)
}

func TestRefineQuery(t *testing.T) {
	// No high-relevance sources yet falls back to generic modifiers.
	assert.Equal(t, "golang guide tutorial", refineQuery("golang", nil))

	sources := []Source{
		{Title: "Golang goroutines deep dive", Relevance: 0.9},
		{Title: "Understanding goroutines", Relevance: 0.8},
	}
	refined := refineQuery("golang", sources)
	assert.Equal(t, "golang goroutines", refined)
}

func repeatText(s string, n int) string {
	out := ""
	for i := 0; i < n; i++ {
		out += s
	}
	return out
}
