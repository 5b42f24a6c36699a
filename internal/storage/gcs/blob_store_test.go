package gcs

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"cloud.google.com/go/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/api/option"
)

func newTestStore(t *testing.T, handler http.Handler) *BlobStore {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	client, err := storage.NewClient(context.Background(), option.WithEndpoint(server.URL), option.WithoutAuthentication())
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })

	store, err := New(client, Config{Bucket: "seo-artifacts"})
	require.NoError(t, err)
	return store
}

func TestNewValidates(t *testing.T) {
	t.Parallel()

	_, err := New(nil, Config{Bucket: "b"})
	require.Error(t, err)

	client, err := storage.NewClient(context.Background(), option.WithoutAuthentication())
	require.NoError(t, err)
	defer func() { _ = client.Close() }()
	_, err = New(client, Config{})
	require.Error(t, err)
}

func TestPutObjectUploads(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	store := newTestStore(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		assert.Contains(t, r.URL.Path, "/upload/storage/v1/b/seo-artifacts/o")
		assert.Equal(t, "backlink_profile/1/run.json", r.URL.Query().Get("name"))

		body, err := io.ReadAll(r.Body)
		assert.NoError(t, err)
		assert.Contains(t, string(body), `{"rows":[]}`)
		assert.Contains(t, string(body), "application/json")

		fmt.Fprintln(w, `{"name": "backlink_profile/1/run.json", "bucket": "seo-artifacts"}`)
	}))

	uri, err := store.PutObject(context.Background(), "backlink_profile/1/run.json", "application/json", []byte(`{"rows":[]}`))
	require.NoError(t, err)
	require.Equal(t, "gs://seo-artifacts/backlink_profile/1/run.json", uri)
	require.EqualValues(t, 1, calls.Load())
}

func TestPutObjectSurfacesServerErrors(t *testing.T) {
	t.Parallel()

	store := newTestStore(t, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, `{"error": {"code": 403, "message": "forbidden"}}`, http.StatusForbidden)
	}))

	_, err := store.PutObject(context.Background(), "a.json", "application/json", []byte("{}"))
	require.Error(t, err)
}

func TestEmptyPathRejected(t *testing.T) {
	t.Parallel()

	store := newTestStore(t, http.NotFoundHandler())
	_, err := store.PutObject(context.Background(), " ", "", nil)
	require.Error(t, err)
	_, err = store.GetObject(context.Background(), "")
	require.Error(t, err)
}
