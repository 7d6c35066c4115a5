// Package retell implements the HTTP client for the external
// conversational-AI provider, plus the token-following paginator that drives
// its list endpoints.
//
// The provider API has drifted across versions: some list endpoints are
// GET-with-query-params returning a bare array, others are
// POST-with-JSON-body returning an object with a named list field, and
// several historical base URLs remain live. The client therefore treats
// every logical operation as an ordered list of candidates and records what
// it tried in Diagnostics instead of surfacing transport errors to callers.
// The only error a caller ever sees is ErrNoAPIKey, which is a configuration
// problem and short-circuits before any network I/O.
package retell

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/rs/zerolog"

	"github.com/truckdesk/go-comms-backend/internal/config"
	"github.com/truckdesk/go-comms-backend/internal/normalize"
)

// ErrNoAPIKey indicates the provider API key is missing from configuration.
// It is reported before any network call and is distinct from provider-side
// failures, which land in Diagnostics.
var ErrNoAPIKey = errors.New("retell: api key not configured")

// ResourceKind names a logical provider collection.
type ResourceKind string

const (
	ResourceCalls         ResourceKind = "calls"
	ResourceChats         ResourceKind = "chats"
	ResourceConversations ResourceKind = "conversations"
	ResourceFlows         ResourceKind = "conversation-flows"
)

// Attempt records one endpoint probe for diagnostics.
type Attempt struct {
	URL    string `json:"url"`
	Method string `json:"method"`
	Status int    `json:"status,omitempty"`
	Err    string `json:"err,omitempty"`
	Items  int    `json:"items"`
}

// Diagnostics accumulates the probes performed for one logical operation.
type Diagnostics struct {
	Attempts []Attempt `json:"attempts,omitempty"`
}

func (d *Diagnostics) add(a Attempt) { d.Attempts = append(d.Attempts, a) }

// Merge appends another diagnostics set.
func (d *Diagnostics) Merge(other Diagnostics) {
	d.Attempts = append(d.Attempts, other.Attempts...)
}

// Failed reports whether every recorded attempt errored.
func (d *Diagnostics) Failed() bool {
	if len(d.Attempts) == 0 {
		return false
	}
	for _, a := range d.Attempts {
		if a.Err == "" {
			return false
		}
	}
	return true
}

// historicalBases are base URLs that have carried provider traffic at some
// point and are still probed as a last resort.
var historicalBases = []string{
	"https://api.retellai.com",
	"https://api.retellai.com/v2",
}

// listPaths maps a resource kind to its candidate list paths, newest first.
var listPaths = map[ResourceKind][]string{
	ResourceCalls:         {"/v2/list-calls", "/list-calls"},
	ResourceChats:         {"/list-chat", "/list-chats"},
	ResourceConversations: {"/list-conversations", "/conversations"},
	ResourceFlows:         {"/list-conversation-flows", "/conversation-flows"},
}

// detailPaths maps a resource kind to candidate detail paths. "%s" is the
// item id; paths without "%s" get the id as a query/body parameter named by
// detailParam.
var detailPaths = map[ResourceKind][]string{
	ResourceCalls:         {"/v2/get-call/%s", "/get-call"},
	ResourceChats:         {"/get-chat/%s", "/get-chat"},
	ResourceConversations: {"/get-conversation"},
}

var detailParam = map[ResourceKind]string{
	ResourceCalls:         "call_id",
	ResourceChats:         "chat_id",
	ResourceConversations: "conversation_id",
}

// listContainerKeys are the object keys under which providers have been seen
// nesting list payloads.
var listContainerKeys = []string{"calls", "chats", "conversations", "data", "items"}

// tokenKeys are the continuation-token field names seen across API versions.
var tokenKeys = []string{"pagination_key", "next_page_token", "next_page"}

// Client issues authenticated HTTP requests to the provider. Configuration
// is injected at construction; the client holds no ambient global state.
type Client struct {
	cfg  config.RetellConfig
	http *http.Client
	log  zerolog.Logger
}

// NewClient constructs a Client with a bounded per-request timeout.
func NewClient(cfg config.RetellConfig, log zerolog.Logger) *Client {
	return &Client{
		cfg:  cfg,
		http: &http.Client{Timeout: cfg.HTTPTimeout},
		log:  log.With().Str("component", "retell").Logger(),
	}
}

// MaxPages returns the configured pagination ceiling.
func (c *Client) MaxPages() int { return c.cfg.MaxPages }

// MaxFlows returns the configured flow fan-out ceiling.
func (c *Client) MaxFlows() int { return c.cfg.MaxFlows }

// ListURLs returns the ordered candidate URLs for a resource kind: primary
// base, configured v2 base, then the fixed historical fallbacks.
func (c *Client) ListURLs(kind ResourceKind) []string {
	bases := []string{c.cfg.BaseURL}
	if c.cfg.V2BaseURL != "" {
		bases = append(bases, c.cfg.V2BaseURL)
	}
	bases = append(bases, historicalBases...)

	seen := make(map[string]struct{})
	var out []string
	for _, base := range bases {
		for _, p := range listPaths[kind] {
			u := base + p
			if _, dup := seen[u]; dup {
				continue
			}
			seen[u] = struct{}{}
			out = append(out, u)
		}
	}
	return out
}

// Page is one page of a list endpoint.
type Page struct {
	Items     []normalize.Record
	NextToken string
}

// ListPage fetches a single page of endpoint, trying GET-with-query-params
// first, then POST-with-JSON-body against the same URL. Transport and
// decode failures are recorded in the returned Diagnostics and yield an
// empty page; only a missing API key returns an error.
func (c *Client) ListPage(ctx context.Context, endpoint string, params map[string]any, token string) (Page, Diagnostics, error) {
	var diag Diagnostics
	if c.cfg.APIKey == "" {
		return Page{}, diag, ErrNoAPIKey
	}

	merged := make(map[string]any, len(params)+1)
	for k, v := range params {
		merged[k] = v
	}
	if token != "" {
		merged["pagination_key"] = token
	}

	for _, method := range []string{http.MethodGet, http.MethodPost} {
		body, status, err := c.do(ctx, method, endpoint, merged)
		att := Attempt{URL: endpoint, Method: method, Status: status}
		if err != nil {
			att.Err = err.Error()
			diag.add(att)
			continue
		}
		items, next, perr := parseListBody(body)
		if perr != nil {
			att.Err = perr.Error()
			diag.add(att)
			continue
		}
		att.Items = len(items)
		diag.add(att)
		if len(items) > 0 || next != "" {
			return Page{Items: items, NextToken: next}, diag, nil
		}
		// An empty 2xx is a valid answer for GET; still give POST a shot in
		// case this endpoint is the POST-only variant.
	}
	return Page{}, diag, nil
}

// GetDetail fetches the detail record for one item, probing the kind's
// candidate detail endpoints. found is false when every candidate missed.
func (c *Client) GetDetail(ctx context.Context, kind ResourceKind, id string) (normalize.Record, bool, Diagnostics, error) {
	var diag Diagnostics
	if c.cfg.APIKey == "" {
		return nil, false, diag, ErrNoAPIKey
	}

	bases := []string{c.cfg.BaseURL}
	if c.cfg.V2BaseURL != "" {
		bases = append(bases, c.cfg.V2BaseURL)
	}
	bases = append(bases, historicalBases...)

	seen := make(map[string]struct{})
	for _, base := range bases {
		for _, p := range detailPaths[kind] {
			var endpoint string
			params := map[string]any{}
			if strings.Contains(p, "%s") {
				endpoint = base + fmt.Sprintf(p, url.PathEscape(id))
			} else {
				endpoint = base + p
				params[detailParam[kind]] = id
			}
			if _, dup := seen[endpoint]; dup {
				continue
			}
			seen[endpoint] = struct{}{}

			for _, method := range []string{http.MethodGet, http.MethodPost} {
				body, status, err := c.do(ctx, method, endpoint, params)
				att := Attempt{URL: endpoint, Method: method, Status: status}
				if err != nil {
					att.Err = err.Error()
					diag.add(att)
					continue
				}
				var rec normalize.Record
				if derr := json.Unmarshal(body, &rec); derr != nil || len(rec) == 0 {
					att.Err = "not an object"
					diag.add(att)
					continue
				}
				att.Items = 1
				diag.add(att)
				return rec, true, diag, nil
			}
		}
	}
	return nil, false, diag, nil
}

// MemoryTurn is one remembered role/content pair fed back to the provider
// as context on new call creation.
type MemoryTurn struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// CreateWebCall asks the provider to open a new web call for agentID,
// seeding it with the caller's recent conversation memory.
func (c *Client) CreateWebCall(ctx context.Context, agentID string, memory []MemoryTurn) (normalize.Record, Diagnostics, error) {
	var diag Diagnostics
	if c.cfg.APIKey == "" {
		return nil, diag, ErrNoAPIKey
	}

	payload := map[string]any{"agent_id": agentID}
	if len(memory) > 0 {
		payload["metadata"] = map[string]any{"memory": memory}
	}

	for _, endpoint := range []string{c.cfg.BaseURL + "/v2/create-web-call", c.cfg.BaseURL + "/create-web-call"} {
		body, status, err := c.do(ctx, http.MethodPost, endpoint, payload)
		att := Attempt{URL: endpoint, Method: http.MethodPost, Status: status}
		if err != nil {
			att.Err = err.Error()
			diag.add(att)
			continue
		}
		var rec normalize.Record
		if derr := json.Unmarshal(body, &rec); derr != nil || len(rec) == 0 {
			att.Err = "not an object"
			diag.add(att)
			continue
		}
		att.Items = 1
		diag.add(att)
		return rec, diag, nil
	}
	return nil, diag, nil
}

// do performs one HTTP request. GET encodes params as query string; POST
// sends them as a JSON body. Non-2xx statuses are returned as errors so the
// caller records them as failed attempts.
func (c *Client) do(ctx context.Context, method, endpoint string, params map[string]any) ([]byte, int, error) {
	var req *http.Request
	var err error

	switch method {
	case http.MethodGet:
		u := endpoint
		if len(params) > 0 {
			q := url.Values{}
			for k, v := range params {
				q.Set(k, fmt.Sprint(v))
			}
			u = endpoint + "?" + q.Encode()
		}
		req, err = http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	default:
		var body []byte
		body, err = json.Marshal(params)
		if err == nil {
			req, err = http.NewRequestWithContext(ctx, method, endpoint, bytes.NewReader(body))
		}
	}
	if err != nil {
		return nil, 0, err
	}

	req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, 0, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return nil, resp.StatusCode, err
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, resp.StatusCode, fmt.Errorf("status %d", resp.StatusCode)
	}
	return data, resp.StatusCode, nil
}

// parseListBody decodes a list response: either a bare JSON array, or an
// object carrying the array under one of the known container keys plus an
// optional continuation token.
func parseListBody(data []byte) ([]normalize.Record, string, error) {
	var payload any
	if err := json.Unmarshal(data, &payload); err != nil {
		return nil, "", err
	}

	switch v := payload.(type) {
	case []any:
		return toRecords(v), "", nil
	case map[string]any:
		var items []normalize.Record
		for _, key := range listContainerKeys {
			if list, ok := v[key].([]any); ok {
				items = toRecords(list)
				break
			}
		}
		var token string
		for _, key := range tokenKeys {
			if s, ok := v[key].(string); ok && s != "" {
				token = s
				break
			}
		}
		return items, token, nil
	}
	return nil, "", errors.New("unexpected list payload shape")
}

func toRecords(list []any) []normalize.Record {
	out := make([]normalize.Record, 0, len(list))
	for _, item := range list {
		if rec, ok := item.(map[string]any); ok {
			out = append(out, rec)
		}
	}
	return out
}
