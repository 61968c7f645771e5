package utils

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"cloud.google.com/go/storage"
	"google.golang.org/api/option"
)

// getStorageClient initializes a Google Cloud Storage client.
// Prefers ADC (Cloud Run service account / GOOGLE_APPLICATION_CREDENTIALS).
// If explicit JSON is needed (e.g. locally), set GCS_CREDENTIALS_JSON.
func getStorageClient(ctx context.Context) (*storage.Client, error) {
	if credJSON := os.Getenv("GCS_CREDENTIALS_JSON"); strings.TrimSpace(credJSON) != "" {
		return storage.NewClient(ctx, option.WithCredentialsJSON([]byte(credJSON)))
	}
	return storage.NewClient(ctx)
}

// RawArchiveEnabled reports whether raw batch payloads should additionally be
// archived to GCS. DB rows remain the source of truth; the archive is for
// long-term audit.
func RawArchiveEnabled() bool {
	return strings.TrimSpace(os.Getenv("RAW_ARCHIVE_BUCKET")) != ""
}

// ArchiveRawBatch writes one raw batch payload to the archive bucket under
// raw/<tenant>/<source>/<run>/<page>.json. Best-effort: callers log and
// continue on error.
func ArchiveRawBatch(ctx context.Context, tenantId string, sourceSystem string, runId uint, pageNo int, payload []byte) error {
	bucketName := strings.TrimSpace(os.Getenv("RAW_ARCHIVE_BUCKET"))
	if bucketName == "" {
		return errors.New("RAW_ARCHIVE_BUCKET is required")
	}

	client, err := getStorageClient(ctx)
	if err != nil {
		return err
	}
	defer client.Close()

	objectName := fmt.Sprintf("raw/%s/%s/%d/%d.json", tenantId, sourceSystem, runId, pageNo)
	w := client.Bucket(bucketName).Object(objectName).NewWriter(ctx)
	w.ContentType = "application/json"
	if _, err := w.Write(payload); err != nil {
		_ = w.Close()
		return err
	}
	return w.Close()
}
