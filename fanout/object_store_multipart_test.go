package fanout

import (
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// multipartStub fakes just enough of an S3-style multipart API for
// ObjectStoreMultipart to drive: POST ?uploads initiates a session, PUT
// ?uploadId=&partNumber= stages a part, POST ?uploadId= completes it,
// DELETE ?uploadId= aborts it, plain DELETE/HEAD/ranged GET operate on
// the completed object.
type multipartStub struct {
	mu     sync.Mutex
	parts  map[int][]byte
	object []byte
	aborted bool
}

func newMultipartStub() *http.ServeMux {
	s := &multipartStub{parts: map[int][]byte{}}
	mux := http.NewServeMux()
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		s.mu.Lock()
		defer s.mu.Unlock()

		switch r.Method {
		case http.MethodPost:
			if _, ok := r.URL.Query()["uploads"]; ok {
				w.Header().Set("X-Upload-Id", "session-1")
				w.WriteHeader(http.StatusOK)
				return
			}
			// Complete: body is "partNumber:etag" lines; concatenate
			// parts in numeric order for the final object.
			for n := 1; n <= len(s.parts); n++ {
				s.object = append(s.object, s.parts[n]...)
			}
			w.Header().Set("ETag", "final-etag")
			w.WriteHeader(http.StatusOK)
		case http.MethodPut:
			body, _ := io.ReadAll(r.Body)
			partNumber := 0
			for _, c := range r.URL.Query().Get("partNumber") {
				partNumber = partNumber*10 + int(c-'0')
			}
			s.parts[partNumber] = body
			w.Header().Set("ETag", "part-etag")
			w.WriteHeader(http.StatusOK)
		case http.MethodDelete:
			if r.URL.Query().Get("uploadId") != "" {
				s.aborted = true
			} else {
				s.object = nil
			}
			w.WriteHeader(http.StatusOK)
		case http.MethodHead:
			if len(s.object) == 0 {
				w.WriteHeader(http.StatusNotFound)
				return
			}
			w.WriteHeader(http.StatusOK)
		case http.MethodGet:
			rng := r.Header.Get("Range")
			if rng == "" {
				w.Write(s.object)
				return
			}
			end := len(s.object)
			w.WriteHeader(http.StatusPartialContent)
			if end > 16 {
				end = 16
			}
			w.Write(s.object[:end])
		}
	})
	return mux
}

func testMultipartConfig(endpoint string) ObjectStoreConfig {
	return ObjectStoreConfig{Endpoint: endpoint, Bucket: "turbo-uploads", Timeout: time.Second, MaxAttempts: 1}
}

func TestObjectStoreMultipartInitiateReturnsSessionID(t *testing.T) {
	srv := httptest.NewServer(newMultipartStub())
	defer srv.Close()

	m := NewObjectStoreMultipart(testMultipartConfig(srv.URL))
	id, err := m.Initiate("multipart-raw/upload-1", "application/octet-stream")
	require.NoError(t, err)
	assert.Equal(t, "session-1", id)
}

func TestObjectStoreMultipartUploadPartAndCompleteAssemblesObject(t *testing.T) {
	srv := httptest.NewServer(newMultipartStub())
	defer srv.Close()

	m := NewObjectStoreMultipart(testMultipartConfig(srv.URL))
	key := "multipart-raw/upload-2"
	sessionID, err := m.Initiate(key, "application/octet-stream")
	require.NoError(t, err)

	etag1, err := m.UploadPart(key, sessionID, 1, []byte("hello "))
	require.NoError(t, err)
	etag2, err := m.UploadPart(key, sessionID, 2, []byte("world"))
	require.NoError(t, err)

	finalETag, err := m.Complete(key, sessionID, []CompletedPart{
		{PartNumber: 1, ETag: etag1},
		{PartNumber: 2, ETag: etag2},
	})
	require.NoError(t, err)
	assert.Equal(t, "final-etag", finalETag)

	exists, err := m.HeadExists(key)
	require.NoError(t, err)
	assert.True(t, exists)

	full, err := m.GetRange(key, 11)
	require.NoError(t, err)
	assert.Equal(t, "hello world", string(full))
}

func TestObjectStoreMultipartAbortTearsDownSession(t *testing.T) {
	srv := httptest.NewServer(newMultipartStub())
	defer srv.Close()

	m := NewObjectStoreMultipart(testMultipartConfig(srv.URL))
	key := "multipart-raw/upload-3"
	sessionID, err := m.Initiate(key, "application/octet-stream")
	require.NoError(t, err)
	require.NoError(t, m.Abort(key, sessionID))
}

func TestObjectStoreMultipartHeadExistsFalseForUnknownKey(t *testing.T) {
	srv := httptest.NewServer(newMultipartStub())
	defer srv.Close()

	m := NewObjectStoreMultipart(testMultipartConfig(srv.URL))
	exists, err := m.HeadExists("multipart-raw/never-uploaded")
	require.NoError(t, err)
	assert.False(t, exists)
}

func TestObjectStoreMultipartDeleteReclaimsRawObject(t *testing.T) {
	srv := httptest.NewServer(newMultipartStub())
	defer srv.Close()

	m := NewObjectStoreMultipart(testMultipartConfig(srv.URL))
	key := "multipart-raw/upload-4"
	sessionID, err := m.Initiate(key, "application/octet-stream")
	require.NoError(t, err)
	_, err = m.UploadPart(key, sessionID, 1, []byte("payload"))
	require.NoError(t, err)
	_, err = m.Complete(key, sessionID, []CompletedPart{{PartNumber: 1, ETag: "part-etag"}})
	require.NoError(t, err)

	require.NoError(t, m.Delete(key))
	exists, err := m.HeadExists(key)
	require.NoError(t, err)
	assert.False(t, exists)
}

func TestObjectStoreMultipartRetriesBeforeFailing(t *testing.T) {
	m := NewObjectStoreMultipart(ObjectStoreConfig{Endpoint: "http://127.0.0.1:1", Bucket: "b", Timeout: 50 * time.Millisecond, MaxAttempts: 2})
	_, err := m.Initiate("k", "application/octet-stream")
	assert.Error(t, err)
}
