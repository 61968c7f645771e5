package adapters

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"os"
	"strings"
	"sync"
	"time"

	"bitbucket.org/mmdatafocus/barops_backend/models"
)

// ledgerlyAdapter talks to the accounting API. OAuth client-credentials with
// cached bearer token, cursor pagination.
type ledgerlyAdapter struct {
	client       *sourceClient
	clientId     string
	clientSecret string

	mu          sync.Mutex
	accessToken string
	tokenExpiry time.Time
}

func newLedgerlyAdapter() (SourceAdapter, error) {
	clientId := strings.TrimSpace(os.Getenv("LEDGERLY_CLIENT_ID"))
	clientSecret := strings.TrimSpace(os.Getenv("LEDGERLY_CLIENT_SECRET"))
	if clientId == "" || clientSecret == "" {
		return nil, Permanent("ledgerly: LEDGERLY_CLIENT_ID / LEDGERLY_CLIENT_SECRET not set")
	}
	// Bearer auth replaces the API key header per request; the secret only
	// satisfies the constructor's emptiness check.
	client, err := newSourceClient(models.SourceLedgerly, "LEDGERLY_API_BASE_URL", "https://api.ledgerly.app", clientSecret)
	if err != nil {
		return nil, err
	}
	return &ledgerlyAdapter{client: client, clientId: clientId, clientSecret: clientSecret}, nil
}

func (a *ledgerlyAdapter) System() models.SourceSystem { return models.SourceLedgerly }

type ledgerlyTokenResponse struct {
	AccessToken string `json:"access_token"`
	ExpiresIn   int    `json:"expires_in"`
}

func (a *ledgerlyAdapter) token(ctx context.Context) (string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.accessToken != "" && time.Now().Before(a.tokenExpiry.Add(-1*time.Minute)) {
		return a.accessToken, nil
	}

	form := url.Values{}
	form.Set("grant_type", "client_credentials")
	form.Set("client_id", a.clientId)
	form.Set("client_secret", a.clientSecret)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.client.baseURL+"/oauth/token", strings.NewReader(form.Encode()))
	if err != nil {
		return "", Permanent("ledgerly: %v", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := a.client.http.Do(req)
	if err != nil {
		return "", Retryable("ledgerly: token request: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode == 401 || resp.StatusCode == 403 {
		return "", Permanent("ledgerly: token request rejected with %d", resp.StatusCode)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", Retryable("ledgerly: token request failed with %d", resp.StatusCode)
	}

	var parsed ledgerlyTokenResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return "", Retryable("ledgerly: decode token response: %v", err)
	}
	if parsed.AccessToken == "" {
		return "", Permanent("ledgerly: empty access token")
	}
	a.accessToken = parsed.AccessToken
	a.tokenExpiry = time.Now().Add(time.Duration(parsed.ExpiresIn) * time.Second)
	return a.accessToken, nil
}

func (a *ledgerlyAdapter) Fetch(ctx context.Context, req FetchRequest) (FetchResult, error) {
	var path string
	switch req.DataType {
	case models.DataTypePayments:
		path = "/v1/payments"
	case models.DataTypeSchedules:
		path = "/v1/settlement-schedules"
	default:
		return FetchResult{}, Permanent("ledgerly: unsupported data type %s", req.DataType)
	}
	token, err := a.token(ctx)
	if err != nil {
		return FetchResult{}, err
	}

	params := url.Values{}
	params.Set("organization_id", req.TenantId)
	params.Set("updated_after", req.WindowStart.UTC().Format(time.RFC3339))
	params.Set("updated_before", req.WindowEnd.UTC().Format(time.RFC3339))
	params.Set("limit", "100")
	if req.Cursor != "" {
		params.Set("cursor", req.Cursor)
	}

	header := http.Header{}
	header.Set("Authorization", "Bearer "+token)

	resp, err := a.client.getList(ctx, path, params, header)
	if err != nil {
		return FetchResult{}, err
	}
	return FetchResult{
		Records:    resp.records(),
		NextCursor: resp.NextCursor,
		HasMore:    resp.NextCursor != "",
	}, nil
}
