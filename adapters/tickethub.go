package adapters

import (
	"context"
	"net/url"
	"os"
	"time"

	"bitbucket.org/mmdatafocus/barops_backend/models"
)

// ticketHubAdapter talks to the ticketing API. Cursor pagination over sold
// tickets.
type ticketHubAdapter struct {
	client *sourceClient
}

func newTicketHubAdapter() (SourceAdapter, error) {
	client, err := newSourceClient(models.SourceTicketHub, "TICKETHUB_API_BASE_URL", "https://api.tickethub.live", os.Getenv("TICKETHUB_API_KEY"))
	if err != nil {
		return nil, err
	}
	return &ticketHubAdapter{client: client}, nil
}

func (a *ticketHubAdapter) System() models.SourceSystem { return models.SourceTicketHub }

func (a *ticketHubAdapter) Fetch(ctx context.Context, req FetchRequest) (FetchResult, error) {
	if req.DataType != models.DataTypeSales {
		return FetchResult{}, Permanent("tickethub: unsupported data type %s", req.DataType)
	}

	params := url.Values{}
	params.Set("venue_id", req.TenantId)
	params.Set("sold_after", req.WindowStart.UTC().Format(time.RFC3339))
	params.Set("sold_before", req.WindowEnd.UTC().Format(time.RFC3339))
	params.Set("page_size", "100")
	if req.Cursor != "" {
		params.Set("cursor", req.Cursor)
	}

	resp, err := a.client.getList(ctx, "/v1/tickets/sold", params, nil)
	if err != nil {
		return FetchResult{}, err
	}
	return FetchResult{
		Records:    resp.records(),
		NextCursor: resp.NextCursor,
		HasMore:    resp.NextCursor != "",
	}, nil
}
