// Package websearch adapts a general web search API (Brave-compatible) to
// the source contract. It is the broad-coverage fallback source: most goals
// that have no specialized source land here.
package websearch

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"muckrake/internal/source"
	"muckrake/internal/types"
)

const (
	sourceID   = "websearch"
	apiKeyEnv  = "BRAVE_API_KEY"
	endpoint   = "https://api.search.brave.com/res/v1/web/search"
	maxPageLen = 1 << 20 // cap fetched page bodies at 1MB
)

// Adapter implements source.Adapter over the web search API.
type Adapter struct {
	gw         *source.Deps
	httpClient *http.Client
	log        *zap.Logger
	apiKey     string
	endpoint   string
}

// New constructs the adapter. Registered lazily through the registry.
func New(deps source.Deps) (source.Adapter, error) {
	log := deps.Log
	if log == nil {
		log = zap.NewNop()
	}
	return &Adapter{
		gw:         &deps,
		httpClient: &http.Client{Timeout: 30 * time.Second},
		log:        log,
		apiKey:     os.Getenv(apiKeyEnv),
		endpoint:   endpoint,
	}, nil
}

// Metadata describes the source to the registry and selector. It is static,
// so registration never needs a constructed adapter.
func Metadata() types.SourceMetadata {
	return types.SourceMetadata{
		ID:                 sourceID,
		DisplayName:        "Web Search",
		Category:           "web",
		RequiresAPIKey:     true,
		APIKeyEnvVar:       apiKeyEnv,
		SupportsDateFilter: true,
		Characteristics: "General web search over news sites, company pages, public records " +
			"aggregators, and anything else indexed on the open web. Broad recall, " +
			"mixed reliability; good first pass for names, events, and recent coverage.",
		QueryStrategies: []string{"entity + topic keywords", "quoted exact names", "site-restricted queries"},
	}
}

func (a *Adapter) Metadata() types.SourceMetadata { return Metadata() }

// IsRelevant defers to the shared LLM relevance check.
func (a *Adapter) IsRelevant(ctx context.Context, question string) bool {
	return source.RelevantForQuestion(ctx, a.gw.Gateway, question, a.Metadata())
}

// GenerateQuery asks the LLM for a search query. Nil params mean the model
// judged this source irrelevant for the goal.
func (a *Adapter) GenerateQuery(ctx context.Context, question string, hints types.QueryParams) (types.QueryParams, error) {
	hintText := ""
	if len(hints) > 0 {
		if b, err := json.Marshal(hints); err == nil {
			hintText = "\nParameter hints from the planner: " + string(b)
		}
	}
	params, err := source.GenerateQueryJSON(ctx, a.gw.Gateway, "query_websearch",
		"You write web search queries for an investigative research agent. Return JSON only.",
		fmt.Sprintf(`Research goal: %q%s

Write one focused web search query. Return:
{"q": "search query", "freshness": "optional, one of: pd, pw, pm, py"}
Return null (the JSON literal) if web search cannot help with this goal.`, question, hintText))
	if err != nil || params == nil {
		return nil, err
	}
	if strings.TrimSpace(params.GetString("q")) == "" {
		return nil, fmt.Errorf("query generation produced empty q")
	}
	return params, nil
}

// braveResponse is the subset of the search API response we consume.
type braveResponse struct {
	Web struct {
		Results []struct {
			Title       string `json:"title"`
			URL         string `json:"url"`
			Description string `json:"description"`
			PageAge     string `json:"page_age"`
		} `json:"results"`
	} `json:"web"`
}

// ExecuteSearch runs the query. Expected failures come back as
// Success=false with the HTTP code preserved for classification.
func (a *Adapter) ExecuteSearch(ctx context.Context, params types.QueryParams, limit int, extractFullContent bool) types.QueryResult {
	q := params.GetString("q")
	if q == "" {
		return types.QueryResult{Success: false, SourceID: sourceID, HTTPCode: 400, Error: "missing q parameter"}
	}
	if limit <= 0 {
		limit = 10
	}

	reqURL := a.endpoint + "?" + url.Values{
		"q":     {q},
		"count": {strconv.Itoa(limit)},
	}.Encode()
	if f := params.GetString("freshness"); f != "" {
		reqURL += "&freshness=" + url.QueryEscape(f)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return source.WrapTransportError(sourceID, err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-Subscription-Token", a.apiKey)

	resp, err := a.httpClient.Do(req)
	if err != nil {
		return source.WrapTransportError(sourceID, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxPageLen))
	if err != nil {
		return source.WrapTransportError(sourceID, err)
	}
	if resp.StatusCode != http.StatusOK {
		return types.QueryResult{
			Success:       false,
			SourceID:      sourceID,
			HTTPCode:      resp.StatusCode,
			Error:         fmt.Sprintf("search API returned %d: %s", resp.StatusCode, truncate(string(body), 200)),
			RetryAfterSec: parseRetryAfter(resp.Header.Get("Retry-After")),
		}
	}

	var parsed braveResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return types.QueryResult{Success: false, SourceID: sourceID, Error: fmt.Sprintf("parse response: %v", err)}
	}

	results := make([]types.RawResult, 0, len(parsed.Web.Results))
	for i, r := range parsed.Web.Results {
		if i >= limit {
			break
		}
		raw, _ := json.Marshal(r)
		rr := types.RawResult{
			SourceID:       sourceID,
			FetchedAt:      time.Now().UTC(),
			URL:            r.URL,
			Title:          r.Title,
			Snippet:        r.Description,
			Date:           r.PageAge,
			RawAPIResponse: raw,
		}
		if extractFullContent {
			if text, err := a.fetchPageText(ctx, r.URL); err == nil {
				rr.RawContent = text
			} else {
				a.log.Debug("full content fetch failed", zap.String("url", r.URL), zap.Error(err))
			}
		}
		results = append(results, rr)
	}
	return types.QueryResult{Success: true, SourceID: sourceID, Total: len(results), Results: results}
}

// fetchPageText downloads a result page and extracts readable text.
func (a *Adapter) fetchPageText(ctx context.Context, pageURL string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, pageURL, nil)
	if err != nil {
		return "", err
	}
	req.Header.Set("User-Agent", "muckrake-research/1.0")

	resp, err := a.httpClient.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("HTTP %d", resp.StatusCode)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxPageLen))
	if err != nil {
		return "", err
	}
	return ExtractText(string(body))
}

func parseRetryAfter(h string) int {
	if h == "" {
		return 0
	}
	if n, err := strconv.Atoi(h); err == nil && n > 0 {
		return n
	}
	return 0
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
