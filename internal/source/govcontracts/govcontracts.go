// Package govcontracts adapts the USAspending award search API. Federal
// contract and grant awards, keyed by recipient name and keyword; no API key
// required.
package govcontracts

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"regexp"
	"strings"
	"time"

	"go.uber.org/zap"

	"muckrake/internal/source"
	"muckrake/internal/types"
)

const (
	sourceID = "govcontracts"
	endpoint = "https://api.usaspending.gov/api/v2/search/spending_by_award/"
)

var dateRe = regexp.MustCompile(`^\d{4}-\d{2}-\d{2}$`)

// Adapter implements source.Adapter over the award search API.
type Adapter struct {
	deps       source.Deps
	httpClient *http.Client
	log        *zap.Logger
	endpoint   string
}

// New constructs the adapter.
func New(deps source.Deps) (source.Adapter, error) {
	log := deps.Log
	if log == nil {
		log = zap.NewNop()
	}
	return &Adapter{
		deps:       deps,
		httpClient: &http.Client{Timeout: 45 * time.Second},
		log:        log,
		endpoint:   endpoint,
	}, nil
}

// Metadata is static; registration never needs a constructed adapter.
func Metadata() types.SourceMetadata {
	return types.SourceMetadata{
		ID:                 sourceID,
		DisplayName:        "Federal Contract Awards",
		Category:           "government",
		RequiresAPIKey:     false,
		SupportsDateFilter: true,
		Characteristics: "Federal contract and grant awards: recipient names, awarding " +
			"agencies, award amounts, and periods of performance. Authoritative for " +
			"who received government money, useless for anything else.",
		QueryStrategies: []string{"recipient company name", "program or product keywords", "awarding agency + keyword"},
		// The API 404s on awards filtered down to nothing; that is a real
		// empty result, not a fixable query.
		UnfixableHTTPCodes: []int{404},
	}
}

func (a *Adapter) Metadata() types.SourceMetadata { return Metadata() }

func (a *Adapter) IsRelevant(ctx context.Context, question string) bool {
	return source.RelevantForQuestion(ctx, a.deps.Gateway, question, a.Metadata())
}

// GenerateQuery produces award search filters. Dates are validated here so a
// malformed model output surfaces as a 400-equivalent before any request.
func (a *Adapter) GenerateQuery(ctx context.Context, question string, hints types.QueryParams) (types.QueryParams, error) {
	hintText := ""
	if len(hints) > 0 {
		if b, err := json.Marshal(hints); err == nil {
			hintText = "\nParameter hints from the planner: " + string(b)
		}
	}
	params, err := source.GenerateQueryJSON(ctx, a.deps.Gateway, "query_govcontracts",
		"You write federal award search filters for an investigative research agent. Return JSON only.",
		fmt.Sprintf(`Research goal: %q%s

Write award search filters. Return:
{"keywords": ["one or two keyword phrases"], "start_date": "YYYY-MM-DD or omit", "end_date": "YYYY-MM-DD or omit"}
Keyword phrases should be recipient names or program terms, not full sentences.
Return null (the JSON literal) if federal award data cannot help with this goal.`, question, hintText))
	if err != nil || params == nil {
		return nil, err
	}
	if kws := paramKeywords(params); len(kws) == 0 {
		return nil, fmt.Errorf("query generation produced no keywords")
	}
	for _, key := range []string{"start_date", "end_date"} {
		if v := params.GetString(key); v != "" && !dateRe.MatchString(v) {
			return nil, fmt.Errorf("invalid %s %q (want YYYY-MM-DD)", key, v)
		}
	}
	return params, nil
}

// awardResponse is the subset of the award search response we consume.
type awardResponse struct {
	Results []struct {
		InternalID     json.Number `json:"internal_id"`
		AwardID        string      `json:"Award ID"`
		RecipientName  string      `json:"Recipient Name"`
		AwardAmount    float64     `json:"Award Amount"`
		Description    string      `json:"Description"`
		StartDate      string      `json:"Start Date"`
		EndDate        string      `json:"End Date"`
		AwardingAgency string      `json:"Awarding Agency"`
	} `json:"results"`
	PageMetadata struct {
		Total int `json:"total"`
	} `json:"page_metadata"`
}

func (a *Adapter) ExecuteSearch(ctx context.Context, params types.QueryParams, limit int, extractFullContent bool) types.QueryResult {
	keywords := paramKeywords(params)
	if len(keywords) == 0 {
		return types.QueryResult{Success: false, SourceID: sourceID, HTTPCode: 400, Error: "missing keywords parameter"}
	}
	if limit <= 0 {
		limit = 10
	}

	filters := map[string]any{
		"keywords": keywords,
		// Contract-type awards only; grants and loans use other type groups.
		"award_type_codes": []string{"A", "B", "C", "D"},
	}
	start, end := params.GetString("start_date"), params.GetString("end_date")
	if start != "" || end != "" {
		if start == "" {
			start = "2008-01-01"
		}
		if end == "" {
			end = time.Now().UTC().Format("2006-01-02")
		}
		filters["time_period"] = []map[string]string{{"start_date": start, "end_date": end}}
	}

	payload := map[string]any{
		"filters": filters,
		"fields": []string{
			"Award ID", "Recipient Name", "Award Amount", "Description",
			"Start Date", "End Date", "Awarding Agency",
		},
		"limit": limit,
		"order": "desc",
		"sort":  "Award Amount",
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return source.WrapTransportError(sourceID, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.endpoint, bytes.NewReader(body))
	if err != nil {
		return source.WrapTransportError(sourceID, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := a.httpClient.Do(req)
	if err != nil {
		return source.WrapTransportError(sourceID, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return source.WrapTransportError(sourceID, err)
	}
	if resp.StatusCode != http.StatusOK {
		return types.QueryResult{
			Success:  false,
			SourceID: sourceID,
			HTTPCode: resp.StatusCode,
			Error:    fmt.Sprintf("award API returned %d: %s", resp.StatusCode, snippet(string(respBody))),
		}
	}

	var parsed awardResponse
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		return types.QueryResult{Success: false, SourceID: sourceID, Error: fmt.Sprintf("parse response: %v", err)}
	}

	results := make([]types.RawResult, 0, len(parsed.Results))
	for _, r := range parsed.Results {
		raw, _ := json.Marshal(r)
		results = append(results, types.RawResult{
			SourceID:  sourceID,
			FetchedAt: time.Now().UTC(),
			URL:       "https://www.usaspending.gov/award/" + r.InternalID.String(),
			Title:     fmt.Sprintf("%s to %s ($%.0f)", r.AwardID, r.RecipientName, r.AwardAmount),
			Snippet:   r.Description,
			Date:      r.StartDate,
			Fields: map[string]any{
				"recipient":       r.RecipientName,
				"amount_usd":      r.AwardAmount,
				"awarding_agency": r.AwardingAgency,
				"period":          r.StartDate + " to " + r.EndDate,
			},
			RawAPIResponse: raw,
		})
	}
	return types.QueryResult{Success: true, SourceID: sourceID, Total: parsed.PageMetadata.Total, Results: results}
}

// paramKeywords accepts both a JSON array and a single string, since models
// produce either shape.
func paramKeywords(params types.QueryParams) []string {
	switch v := params["keywords"].(type) {
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			if s, ok := item.(string); ok && strings.TrimSpace(s) != "" {
				out = append(out, strings.TrimSpace(s))
			}
		}
		if len(out) == 0 {
			return nil
		}
		return out
	case string:
		if strings.TrimSpace(v) != "" {
			return []string{strings.TrimSpace(v)}
		}
	}
	return nil
}

func snippet(s string) string {
	if len(s) > 200 {
		return s[:200] + "..."
	}
	return s
}
