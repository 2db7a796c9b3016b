package fanout

import (
	"bytes"
	"fmt"
	"math"
	"strconv"
	"time"

	"gopkg.in/h2non/gentleman.v2"
	"gopkg.in/h2non/gentleman.v2/plugins/timeout"
)

// ObjectStoreSink uploads an item's bytes to an S3-style object store over
// plain HTTP PUT, built on gentleman.v2 — the teacher's own direct HTTP
// client dependency, previously unwired. Retry/backoff mirrors the
// teacher's chunk-upload retry shape: a handful of attempts with
// exponential backoff, any attempt succeeding ends the retry loop.
type ObjectStoreSink struct {
	client *gentleman.Client
	bucket string
	key    string
	buf    bytes.Buffer

	maxAttempts int
	baseDelay   time.Duration
}

// ObjectStoreConfig fixes the endpoint and bucket an ObjectStoreSink
// targets.
type ObjectStoreConfig struct {
	Endpoint    string
	Bucket      string
	Timeout     time.Duration
	MaxAttempts int
}

// NewObjectStoreSink builds a sink that will PUT key's bytes to the
// configured bucket once Close is called. Bytes are buffered client-side
// so a failed attempt can be retried from the start without re-reading
// the original stream.
func NewObjectStoreSink(cfg ObjectStoreConfig, key string) *ObjectStoreSink {
	cli := gentleman.New()
	cli.URL(cfg.Endpoint)
	if cfg.Timeout > 0 {
		cli.Use(timeout.Request(cfg.Timeout))
	}
	maxAttempts := cfg.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 4
	}
	return &ObjectStoreSink{
		client:      cli,
		bucket:      cfg.Bucket,
		key:         key,
		maxAttempts: maxAttempts,
		baseDelay:   200 * time.Millisecond,
	}
}

func (s *ObjectStoreSink) Name() string { return "object-store" }

func (s *ObjectStoreSink) Write(p []byte) (int, error) {
	return s.buf.Write(p)
}

// Close uploads the buffered bytes in a single PUT, retrying transient
// failures with exponential backoff.
func (s *ObjectStoreSink) Close() error {
	payload := s.buf.Bytes()

	var lastErr error
	for attempt := 0; attempt < s.maxAttempts; attempt++ {
		if attempt > 0 {
			time.Sleep(s.baseDelay * time.Duration(math.Pow(2, float64(attempt-1))))
		}

		req := s.client.Request()
		req.Method("PUT")
		req.Path(fmt.Sprintf("/%s/%s", s.bucket, s.key))
		req.Body(bytes.NewReader(payload))

		res, err := req.Send()
		if err != nil {
			lastErr = err
			continue
		}
		if !res.Ok {
			lastErr = fmt.Errorf("fanout: object store PUT returned status %d", res.StatusCode)
			continue
		}
		return nil
	}
	return fmt.Errorf("fanout: object store upload failed after %d attempts: %w", s.maxAttempts, lastErr)
}

// Abort is a no-op: Close only ever performs the PUT, so an Abort before
// Close simply means the buffered bytes are discarded.
func (s *ObjectStoreSink) Abort() error {
	s.buf.Reset()
	return nil
}

// HeadExists checks whether key is already present in the bucket, used
// by the single-shot state machine's post-sign object-store head check
// (spec.md §4.5).
func (s *ObjectStoreSink) HeadExists() (bool, error) {
	req := s.client.Request()
	req.Method("HEAD")
	req.Path(fmt.Sprintf("/%s/%s", s.bucket, s.key))
	res, err := req.Send()
	if err != nil {
		return false, fmt.Errorf("fanout: object store head check: %w", err)
	}
	return res.Ok, nil
}

// CompletedPart is one uploaded part's object-store-assigned ETag, the
// unit Complete needs to stitch a multipart session back into a
// single object, mirroring S3's own CompleteMultipartUpload request body.
type CompletedPart struct {
	PartNumber int
	ETag       string
}

// ObjectStoreMultipart drives the object store's own S3-style multipart
// upload API (initiate/upload-part/complete/abort), independent of any
// single ObjectStoreSink instance: a multipart session is keyed by the
// raw upload's own id, well before the data item's signature (and
// therefore its content-addressed key) is known. MultipartMachine stages
// every accepted chunk through this so the raw bytes are durable in the
// object store, not only on local EFS, while the upload is still in
// flight (spec.md §4.6 resumability).
type ObjectStoreMultipart struct {
	client *gentleman.Client
	bucket string

	maxAttempts int
	baseDelay   time.Duration
}

// NewObjectStoreMultipart builds a multipart driver against the same
// endpoint/bucket an ObjectStoreSink would target.
func NewObjectStoreMultipart(cfg ObjectStoreConfig) *ObjectStoreMultipart {
	cli := gentleman.New()
	cli.URL(cfg.Endpoint)
	if cfg.Timeout > 0 {
		cli.Use(timeout.Request(cfg.Timeout))
	}
	maxAttempts := cfg.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 4
	}
	return &ObjectStoreMultipart{client: cli, bucket: cfg.Bucket, maxAttempts: maxAttempts, baseDelay: 200 * time.Millisecond}
}

func (m *ObjectStoreMultipart) retry(fn func() (*gentleman.Response, error)) (*gentleman.Response, error) {
	var lastErr error
	for attempt := 0; attempt < m.maxAttempts; attempt++ {
		if attempt > 0 {
			time.Sleep(m.baseDelay * time.Duration(math.Pow(2, float64(attempt-1))))
		}
		res, err := fn()
		if err != nil {
			lastErr = err
			continue
		}
		if !res.Ok {
			lastErr = fmt.Errorf("fanout: object store returned status %d", res.StatusCode)
			continue
		}
		return res, nil
	}
	return nil, fmt.Errorf("fanout: object store multipart request failed after %d attempts: %w", m.maxAttempts, lastErr)
}

// Initiate opens a new multipart session for key, returning the object
// store's own session id (distinct from the service's uploadID, which
// the object store never sees).
func (m *ObjectStoreMultipart) Initiate(key, contentType string) (string, error) {
	res, err := m.retry(func() (*gentleman.Response, error) {
		req := m.client.Request()
		req.Method("POST")
		req.Path(fmt.Sprintf("/%s/%s", m.bucket, key))
		req.SetQuery("uploads", "")
		req.SetHeader("Content-Type", contentType)
		return req.Send()
	})
	if err != nil {
		return "", err
	}
	return res.Header.Get("X-Upload-Id"), nil
}

// UploadPart PUTs one part of an open multipart session, returning the
// ETag the object store assigns it.
func (m *ObjectStoreMultipart) UploadPart(key, objectStoreUploadID string, partNumber int, data []byte) (string, error) {
	res, err := m.retry(func() (*gentleman.Response, error) {
		req := m.client.Request()
		req.Method("PUT")
		req.Path(fmt.Sprintf("/%s/%s", m.bucket, key))
		req.SetQuery("uploadId", objectStoreUploadID)
		req.SetQuery("partNumber", strconv.Itoa(partNumber))
		req.Body(bytes.NewReader(data))
		return req.Send()
	})
	if err != nil {
		return "", err
	}
	if etag := res.Header.Get("ETag"); etag != "" {
		return etag, nil
	}
	return fmt.Sprintf("%s-%d", objectStoreUploadID, partNumber), nil
}

// Complete stitches every uploaded part back into one object, returning
// the final object's ETag.
func (m *ObjectStoreMultipart) Complete(key, objectStoreUploadID string, parts []CompletedPart) (string, error) {
	var body bytes.Buffer
	for _, p := range parts {
		fmt.Fprintf(&body, "%d:%s\n", p.PartNumber, p.ETag)
	}
	res, err := m.retry(func() (*gentleman.Response, error) {
		req := m.client.Request()
		req.Method("POST")
		req.Path(fmt.Sprintf("/%s/%s", m.bucket, key))
		req.SetQuery("uploadId", objectStoreUploadID)
		req.Body(bytes.NewReader(body.Bytes()))
		return req.Send()
	})
	if err != nil {
		return "", err
	}
	if etag := res.Header.Get("ETag"); etag != "" {
		return etag, nil
	}
	return objectStoreUploadID, nil
}

// Abort tears down an open multipart session so the object store
// releases its staged parts.
func (m *ObjectStoreMultipart) Abort(key, objectStoreUploadID string) error {
	_, err := m.retry(func() (*gentleman.Response, error) {
		req := m.client.Request()
		req.Method("DELETE")
		req.Path(fmt.Sprintf("/%s/%s", m.bucket, key))
		req.SetQuery("uploadId", objectStoreUploadID)
		return req.Send()
	})
	return err
}

// Delete removes a completed object outright, used to reclaim a
// multipart upload's raw staging object once its canonical,
// dataItemId-keyed copy exists elsewhere.
func (m *ObjectStoreMultipart) Delete(key string) error {
	_, err := m.retry(func() (*gentleman.Response, error) {
		req := m.client.Request()
		req.Method("DELETE")
		req.Path(fmt.Sprintf("/%s/%s", m.bucket, key))
		return req.Send()
	})
	return err
}

// HeadExists checks whether key is present in the bucket.
func (m *ObjectStoreMultipart) HeadExists(key string) (bool, error) {
	req := m.client.Request()
	req.Method("HEAD")
	req.Path(fmt.Sprintf("/%s/%s", m.bucket, key))
	res, err := req.Send()
	if err != nil {
		return false, fmt.Errorf("fanout: object store head check: %w", err)
	}
	return res.Ok, nil
}

// GetRange fetches the first length bytes of key without downloading it
// in full, used to re-derive a data item's id from an object store
// object's bounded ANS-104 header without ever reading a potentially
// many-gigabyte payload.
func (m *ObjectStoreMultipart) GetRange(key string, length int64) ([]byte, error) {
	res, err := m.retry(func() (*gentleman.Response, error) {
		req := m.client.Request()
		req.Method("GET")
		req.Path(fmt.Sprintf("/%s/%s", m.bucket, key))
		req.SetHeader("Range", fmt.Sprintf("bytes=0-%d", length-1))
		return req.Send()
	})
	if err != nil {
		return nil, err
	}
	return res.Bytes(), nil
}
