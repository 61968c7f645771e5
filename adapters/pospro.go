package adapters

import (
	"context"
	"net/url"
	"os"
	"strconv"

	"bitbucket.org/mmdatafocus/barops_backend/models"
)

// posProAdapter talks to the POS platform. Page-number pagination; sales and
// payments endpoints.
type posProAdapter struct {
	client *sourceClient
}

func newPosProAdapter() (SourceAdapter, error) {
	client, err := newSourceClient(models.SourcePosPro, "POSPRO_API_BASE_URL", "https://api.pospro.io", os.Getenv("POSPRO_API_KEY"))
	if err != nil {
		return nil, err
	}
	return &posProAdapter{client: client}, nil
}

func (a *posProAdapter) System() models.SourceSystem { return models.SourcePosPro }

func (a *posProAdapter) Fetch(ctx context.Context, req FetchRequest) (FetchResult, error) {
	var path string
	switch req.DataType {
	case models.DataTypeSales:
		path = "/v2/sales"
	case models.DataTypePayments:
		path = "/v2/payments"
	default:
		return FetchResult{}, Permanent("pospro: unsupported data type %s", req.DataType)
	}

	params := url.Values{}
	params.Set("location_id", req.TenantId)
	params.Set("from", req.WindowStart.UTC().Format("2006-01-02T15:04:05Z"))
	params.Set("to", req.WindowEnd.UTC().Format("2006-01-02T15:04:05Z"))
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
