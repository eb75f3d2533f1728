package reports

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"cloud.google.com/go/storage"
	"github.com/mmdatafocus/academy_backend/workflow"
	"google.golang.org/api/option"
)

// getGoogleClient prefers ADC (Cloud Run service account). Set
// GCS_CREDENTIALS_JSON to pass explicit credentials locally.
func getGoogleClient(ctx context.Context) (*storage.Client, error) {
	if credJSON := os.Getenv("GCS_CREDENTIALS_JSON"); strings.TrimSpace(credJSON) != "" {
		return storage.NewClient(ctx, option.WithCredentialsJSON([]byte(credJSON)))
	}
	return storage.NewClient(ctx)
}

// Bucket returns GCS_BUCKET; uploads are disabled when it is empty.
func Bucket() string {
	return strings.TrimSpace(os.Getenv("GCS_BUCKET"))
}

// UploadBytesToGCS stores data under objectName and returns its gs:// URI.
func UploadBytesToGCS(ctx context.Context, objectName string, data []byte, contentType string) (string, error) {
	bucketName := Bucket()
	if bucketName == "" {
		return "", errors.New("GCS_BUCKET is required")
	}
	client, err := getGoogleClient(ctx)
	if err != nil {
		return "", err
	}
	defer client.Close()

	wc := client.Bucket(bucketName).Object(objectName).NewWriter(ctx)
	wc.ContentType = contentType
	if _, err := wc.Write(data); err != nil {
		_ = wc.Close()
		return "", fmt.Errorf("failed to upload bytes to Google Cloud Storage: %w", err)
	}
	if err := wc.Close(); err != nil {
		return "", fmt.Errorf("failed to close writer: %w", err)
	}
	return fmt.Sprintf("gs://%s/%s", bucketName, objectName), nil
}

// UploadReconcileReport renders res and uploads it, returning the object URI.
func UploadReconcileReport(ctx context.Context, from, to time.Time, res workflow.ReconcileResult) (string, error) {
	var buf bytes.Buffer
	if err := WriteDiscrepancyWorkbook(&buf, from, to, res); err != nil {
		return "", fmt.Errorf("render report: %w", err)
	}
	return UploadBytesToGCS(ctx, ReportObjectName(from, to, time.Now()), buf.Bytes(), XLSXContentType)
}
