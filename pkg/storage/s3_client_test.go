package storage

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testConfig(endpoint string) aws.Config {
	return aws.Config{
		Region:       "us-east-1",
		Credentials:  credentials.NewStaticCredentialsProvider("AKID", "SECRET", ""),
		BaseEndpoint: aws.String(endpoint),
	}
}

func TestUploadPutsObjectPathStyle(t *testing.T) {
	var method, path, contentType, body string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		method, path, contentType = r.Method, r.URL.Path, r.Header.Get("Content-Type")
		raw, _ := io.ReadAll(r.Body)
		body = string(raw)
		w.Header().Set("ETag", `"abc"`)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	client := NewS3Client(testConfig(srv.URL))
	_, err := client.Upload(context.Background(), "reports", "daily/summary.csv", strings.NewReader("a,b\n1,2\n"), "text/csv")
	require.NoError(t, err)

	assert.Equal(t, http.MethodPut, method)
	assert.Equal(t, "/reports/daily/summary.csv", path)
	assert.Equal(t, "text/csv", contentType)
	assert.Contains(t, body, "a,b\n1,2\n")
}

func TestPresignedURLCarriesExpiry(t *testing.T) {
	client := NewS3Client(testConfig("http://localhost:4566"))

	url, err := client.GetPresignedURL(context.Background(), "reports", "daily/summary.csv", 15*time.Minute)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(url, "http://localhost:4566/reports/daily/summary.csv?"))
	assert.Contains(t, url, "X-Amz-Expires=900")
}
