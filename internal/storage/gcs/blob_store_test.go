package gcs

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"cloud.google.com/go/storage"
	"github.com/stretchr/testify/require"
	"google.golang.org/api/option"
)

type uploadRecorder struct {
	mu     sync.Mutex
	bodies []string
}

func (u *uploadRecorder) handler(status int) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		u.mu.Lock()
		u.bodies = append(u.bodies, string(body))
		u.mu.Unlock()
		if status != http.StatusOK {
			w.WriteHeader(status)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{"bucket":"test-bucket","name":"bmie/out/a.json"}`)
	}
}

func newTestStore(t *testing.T, handler http.Handler) *BlobStore {
	t.Helper()

	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	client, err := storage.NewClient(context.Background(),
		option.WithEndpoint(server.URL),
		option.WithoutAuthentication(),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })

	store, err := New(client, Config{Bucket: "test-bucket", Prefix: "/bmie/"})
	require.NoError(t, err)
	return store
}

func TestNewValidates(t *testing.T) {
	t.Parallel()

	_, err := New(nil, Config{Bucket: "b"})
	require.Error(t, err)

	client, err := storage.NewClient(context.Background(), option.WithoutAuthentication())
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })
	_, err = New(client, Config{})
	require.Error(t, err)
}

func TestObjectName(t *testing.T) {
	t.Parallel()

	store := &BlobStore{prefix: "bmie"}
	require.Equal(t, "bmie/out/a.json", store.ObjectName("/out/a.json"))
	store.prefix = ""
	require.Equal(t, "out/a.json", store.ObjectName("out/a.json"))
}

func TestPutObjectUploads(t *testing.T) {
	t.Parallel()

	rec := &uploadRecorder{}
	store := newTestStore(t, rec.handler(http.StatusOK))

	uri, err := store.PutObject(context.Background(), "out/a.json", "application/json", strings.NewReader(`{"title":"A"}`))
	require.NoError(t, err)
	require.Equal(t, "gs://test-bucket/bmie/out/a.json", uri)

	rec.mu.Lock()
	defer rec.mu.Unlock()
	require.NotEmpty(t, rec.bodies)
	last := rec.bodies[len(rec.bodies)-1]
	require.Contains(t, last, `{"title":"A"}`)
	require.Contains(t, last, "bmie/out/a.json")
}

func TestPutObjectError(t *testing.T) {
	t.Parallel()

	store := newTestStore(t, (&uploadRecorder{}).handler(http.StatusForbidden))
	_, err := store.PutObject(context.Background(), "out/a.json", "application/json", strings.NewReader("x"))
	require.Error(t, err)

	_, err = store.PutObject(context.Background(), "", "", strings.NewReader("x"))
	require.Error(t, err)
}
