package objectstore

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/magabrotheeeer/entitlement-engine/internal/lib/apperr"
)

// fakeBucket — минимальный S3 в памяти на path-style адресах /bucket/key.
type fakeBucket struct {
	mu      sync.Mutex
	objects map[string][]byte
	fail    int
}

func (b *fakeBucket) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.fail != 0 {
		w.WriteHeader(b.fail)
		_, _ = io.WriteString(w, `<?xml version="1.0" encoding="UTF-8"?><Error><Code>InternalError</Code><Message>boom</Message></Error>`)
		return
	}
	switch r.Method {
	case http.MethodPut:
		body, _ := io.ReadAll(r.Body)
		b.objects[r.URL.Path] = body
		w.WriteHeader(http.StatusOK)
	case http.MethodDelete:
		delete(b.objects, r.URL.Path)
		w.WriteHeader(http.StatusNoContent)
	case http.MethodHead:
		w.WriteHeader(http.StatusOK)
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func newTestStore(t *testing.T, bucket *fakeBucket) *Store {
	t.Helper()
	srv := httptest.NewServer(bucket)
	t.Cleanup(srv.Close)

	client := s3.New(s3.Options{
		Region:           "us-east-1",
		BaseEndpoint:     aws.String(srv.URL),
		UsePathStyle:     true,
		Credentials:      credentials.NewStaticCredentialsProvider("test", "test", ""),
		RetryMaxAttempts: 1,
	})
	return newStore(client, "exports", "gdpr/")
}

func TestStore_PutAndDelete(t *testing.T) {
	bucket := &fakeBucket{objects: map[string][]byte{}}
	store := newTestStore(t, bucket)
	ctx := context.Background()

	key := store.ExportKey("u1", "req-1", "json")
	assert.Equal(t, "gdpr/u1/req-1.json", key)

	require.NoError(t, store.Put(ctx, key, []byte(`{"profile":{}}`), "application/json"))
	assert.Equal(t, `{"profile":{}}`, string(bucket.objects["/exports/gdpr/u1/req-1.json"]))

	require.NoError(t, store.Delete(ctx, key))
	assert.Empty(t, bucket.objects)

	require.NoError(t, store.HealthCheck(ctx))
}

func TestStore_ServerErrorIsRetryable(t *testing.T) {
	store := newTestStore(t, &fakeBucket{objects: map[string][]byte{}, fail: http.StatusServiceUnavailable})

	err := store.Put(context.Background(), "gdpr/u1/req-1.json", []byte(`{}`), "application/json")
	require.Error(t, err)
	assert.ErrorIs(t, err, apperr.ErrRetryable)
}

func TestStore_PresignGet(t *testing.T) {
	store := newTestStore(t, &fakeBucket{objects: map[string][]byte{}})

	link, err := store.PresignGet(context.Background(), "gdpr/u1/req-1.json", 7*24*time.Hour)
	require.NoError(t, err)

	u, err := url.Parse(link)
	require.NoError(t, err)
	assert.True(t, strings.HasSuffix(u.Path, "/exports/gdpr/u1/req-1.json"))
	assert.Equal(t, "604800", u.Query().Get("X-Amz-Expires"))
	assert.NotEmpty(t, u.Query().Get("X-Amz-Signature"))
}
