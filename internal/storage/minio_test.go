package storage

import (
	"bufio"
	"bytes"
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/maneesh/permastore/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testBucket = "permastore"

// fakeS3 serves the handful of S3 calls MinioStore makes. With hideObjects set,
// HEAD never finds an object, as when another writer lands between stat and put.
type fakeS3 struct {
	mu          sync.Mutex
	objects     map[string][]byte
	hideObjects bool
	ifNoneMatch []string
}

func (f *fakeS3) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if r.Method == http.MethodGet && r.URL.Query().Has("location") {
		_, _ = io.WriteString(w, `<?xml version="1.0" encoding="UTF-8"?>`+
			`<LocationConstraint xmlns="http://s3.amazonaws.com/doc/2006-03-01/">us-east-1</LocationConstraint>`)
		return
	}

	key := strings.TrimPrefix(r.URL.Path, "/"+testBucket+"/")
	if r.URL.Path == "/"+testBucket || r.URL.Path == "/"+testBucket+"/" {
		w.WriteHeader(http.StatusOK)
		return
	}

	switch r.Method {
	case http.MethodHead:
		data, ok := f.objects[key]
		if !ok || f.hideObjects {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		writeObjectHeaders(w, len(data))
		w.WriteHeader(http.StatusOK)
	case http.MethodGet:
		data, ok := f.objects[key]
		if !ok {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		writeObjectHeaders(w, len(data))
		_, _ = w.Write(data)
	case http.MethodPut:
		body, _ := io.ReadAll(r.Body)
		if strings.HasPrefix(r.Header.Get("X-Amz-Content-Sha256"), "STREAMING-") {
			body = decodeAWSChunked(body)
		}
		cond := r.Header.Get("If-None-Match")
		f.ifNoneMatch = append(f.ifNoneMatch, cond)
		if _, exists := f.objects[key]; exists && cond != "" {
			w.WriteHeader(http.StatusPreconditionFailed)
			return
		}
		f.objects[key] = body
		w.Header().Set("ETag", `"d41d8cd98f00b204e9800998ecf8427e"`)
		w.WriteHeader(http.StatusOK)
	case http.MethodDelete:
		delete(f.objects, key)
		w.WriteHeader(http.StatusNoContent)
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func writeObjectHeaders(w http.ResponseWriter, size int) {
	w.Header().Set("ETag", `"d41d8cd98f00b204e9800998ecf8427e"`)
	w.Header().Set("Last-Modified", time.Now().UTC().Format(http.TimeFormat))
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Content-Length", strconv.Itoa(size))
}

// decodeAWSChunked strips the per-chunk signatures of a streaming-signed upload
func decodeAWSChunked(body []byte) []byte {
	var out []byte
	rd := bufio.NewReader(bytes.NewReader(body))
	for {
		header, err := rd.ReadString('\n')
		if err != nil {
			return out
		}
		sizeHex, _, _ := strings.Cut(strings.TrimSpace(header), ";")
		size, err := strconv.ParseInt(sizeHex, 16, 64)
		if err != nil || size == 0 {
			return out
		}
		chunk := make([]byte, size)
		if _, err := io.ReadFull(rd, chunk); err != nil {
			return out
		}
		out = append(out, chunk...)
		_, _ = rd.Discard(2)
	}
}

func newTestMinio(t *testing.T) (*MinioStore, *fakeS3) {
	t.Helper()
	fake := &fakeS3{objects: map[string][]byte{}}
	server := httptest.NewServer(fake)
	t.Cleanup(server.Close)

	store, err := NewMinioStore(strings.TrimPrefix(server.URL, "http://"), "minioadmin", "minioadmin", testBucket, false)
	require.NoError(t, err)
	return store, fake
}

func TestMinioStore_PutGetDelete(t *testing.T) {
	ctx := context.Background()
	store, _ := newTestMinio(t)

	refs := []models.ContentRef{ref(1), ref(2)}
	require.NoError(t, store.Put(ctx, "abc123", refs))

	rec, err := store.Get(ctx, "abc123")
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, "abc123", rec.Token)
	assert.Equal(t, refs, rec.Refs)

	missing, err := store.Get(ctx, "zzzz99")
	require.NoError(t, err)
	assert.Nil(t, missing)

	assert.ErrorIs(t, store.Put(ctx, "abc123", []models.ContentRef{ref(3)}), ErrDuplicateToken)
	assert.ErrorIs(t, store.Put(ctx, "empty", nil), ErrEmptyBatch)

	require.NoError(t, store.Delete(ctx, "abc123"))
	rec, err = store.Get(ctx, "abc123")
	require.NoError(t, err)
	assert.Nil(t, rec)
}

func TestMinioStore_ConditionalPutRejectsRacingWriter(t *testing.T) {
	ctx := context.Background()
	store, fake := newTestMinio(t)

	require.NoError(t, store.Put(ctx, "abc123", []models.ContentRef{ref(1)}))

	fake.mu.Lock()
	fake.hideObjects = true
	fake.mu.Unlock()

	err := store.Put(ctx, "abc123", []models.ContentRef{ref(2)})
	assert.ErrorIs(t, err, ErrDuplicateToken)

	fake.mu.Lock()
	defer fake.mu.Unlock()
	require.Len(t, fake.ifNoneMatch, 2)
	for _, cond := range fake.ifNoneMatch {
		assert.NotEmpty(t, cond)
	}
	assert.Contains(t, string(fake.objects["links/abc123.json"]), `"message_id":1`)
}
