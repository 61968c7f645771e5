package adapters

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"bitbucket.org/mmdatafocus/barops_backend/models"
)

// sourceClient is the shared HTTP plumbing for provider adapters: one API
// key header, a coarse client-side rate limiter and a flat list response.
type sourceClient struct {
	source    models.SourceSystem
	baseURL   string
	apiKey    string
	apiKeyHdr string
	http      *http.Client
	limiter   <-chan time.Time
}

func newSourceClient(source models.SourceSystem, baseURLEnv, defaultBaseURL, apiKey string) (*sourceClient, error) {
	baseURL := strings.TrimSpace(os.Getenv(baseURLEnv))
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	if strings.TrimSpace(apiKey) == "" {
		return nil, Permanent("%s: api key is empty", source)
	}
	apiKeyHeader := strings.TrimSpace(os.Getenv(strings.ToUpper(string(source)) + "_API_KEY_HEADER"))
	if apiKeyHeader == "" {
		apiKeyHeader = "X-API-Key"
	}
	rateLimitPerMin := int64(60)
	if v := strings.TrimSpace(os.Getenv(strings.ToUpper(string(source)) + "_RATE_LIMIT_PER_MIN")); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil && n > 0 {
			rateLimitPerMin = n
		}
	}
	interval := time.Minute / time.Duration(rateLimitPerMin)

	return &sourceClient{
		source:    source,
		baseURL:   strings.TrimRight(baseURL, "/"),
		apiKey:    apiKey,
		apiKeyHdr: apiKeyHeader,
		http:      &http.Client{Timeout: 30 * time.Second},
		limiter:   time.Tick(interval),
	}, nil
}

type sourceListResponse struct {
	Data       []json.RawMessage `json:"data"`
	Items      []json.RawMessage `json:"items"`
	NextCursor string            `json:"next_cursor"`
	HasMore    *bool             `json:"has_more"`
}

func (r sourceListResponse) records() []json.RawMessage {
	if len(r.Data) > 0 {
		return r.Data
	}
	return r.Items
}

func (c *sourceClient) getList(ctx context.Context, path string, params url.Values, header http.Header) (sourceListResponse, error) {
	select {
	case <-c.limiter:
	case <-ctx.Done():
		return sourceListResponse{}, ctx.Err()
	}
	endpoint := c.baseURL + path
	if len(params) > 0 {
		endpoint = endpoint + "?" + params.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return sourceListResponse{}, Permanent("%s: %v", c.source, err)
	}
	if header != nil {
		for k, vs := range header {
			for _, v := range vs {
				req.Header.Add(k, v)
			}
		}
	} else {
		req.Header.Set(c.apiKeyHdr, c.apiKey)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return sourceListResponse{}, Retryable("%s: %v", c.source, err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return sourceListResponse{}, classifyStatus(c.source, resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var parsed sourceListResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return sourceListResponse{}, Retryable("%s: decode list response: %v", c.source, err)
	}
	return parsed, nil
}
