package adapters

import (
	"context"
	"net/url"
	"os"
	"strconv"

	"bitbucket.org/mmdatafocus/barops_backend/models"
)

// resBookAdapter talks to the reservation API. Page-number pagination over
// reservations and staff schedules.
type resBookAdapter struct {
	client *sourceClient
}

func newResBookAdapter() (SourceAdapter, error) {
	client, err := newSourceClient(models.SourceResBook, "RESBOOK_API_BASE_URL", "https://api.resbook.co", os.Getenv("RESBOOK_API_KEY"))
	if err != nil {
		return nil, err
	}
	return &resBookAdapter{client: client}, nil
}

func (a *resBookAdapter) System() models.SourceSystem { return models.SourceResBook }

func (a *resBookAdapter) Fetch(ctx context.Context, req FetchRequest) (FetchResult, error) {
	var path string
	switch req.DataType {
	case models.DataTypeReservations:
		path = "/v3/reservations"
	case models.DataTypeSchedules:
		path = "/v3/schedules"
	default:
		return FetchResult{}, Permanent("resbook: unsupported data type %s", req.DataType)
	}

	params := url.Values{}
	params.Set("venue", req.TenantId)
	params.Set("date_from", req.WindowStart.UTC().Format("2006-01-02"))
	params.Set("date_to", req.WindowEnd.UTC().Format("2006-01-02"))
	params.Set("page", strconv.Itoa(req.PageNo))
	params.Set("per_page", "100")

	resp, err := a.client.getList(ctx, path, params, nil)
	if err != nil {
		return FetchResult{}, err
	}
	records := resp.records()
	hasMore := len(records) == 100
	if resp.HasMore != nil {
		hasMore = *resp.HasMore
	}
	return FetchResult{Records: records, HasMore: hasMore}, nil
}
