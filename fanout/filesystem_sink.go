package fanout

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"

	"github.com/liteseed/turbo-upload-service/breaker"
)

// FilesystemSink persists an upload's raw bytes and a small metadata
// sidecar under EFS_MOUNT_POINT, laid out per spec.md §6:
// <mount>/upload-service-data/<id[0:2]>/<id[2:4]>/{raw_<id>, metadata_<id>}.
// Writes go to a randomly-suffixed temp file and are rename'd into place
// only on Close, so a crash mid-upload never leaves a partial raw_<id>
// visible. Every filesystem call is gated by a circuit breaker per
// spec.md §4.9.
type FilesystemSink struct {
	mount             string
	id                string
	payloadContentType string
	payloadDataStart  int64
	breaker           *breaker.Breaker

	tempPath string
	file     *os.File
}

// NewFilesystemSink opens a temp file under mount for id's raw bytes. Close
// renames it to raw_<id>; the path layout depends only on id.
func NewFilesystemSink(mount, id, payloadContentType string, payloadDataStart int64, b *breaker.Breaker) (*FilesystemSink, error) {
	dir := shardDir(mount, id)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("fanout: filesystem sink mkdir: %w", err)
	}

	suffix, err := randomHexSuffix()
	if err != nil {
		return nil, err
	}
	tempPath := filepath.Join(dir, "tmp_raw_"+id+"_"+suffix)
	f, err := os.OpenFile(tempPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return nil, fmt.Errorf("fanout: filesystem sink open temp: %w", err)
	}

	return &FilesystemSink{
		mount:              mount,
		id:                 id,
		payloadContentType: payloadContentType,
		payloadDataStart:   payloadDataStart,
		breaker:            b,
		tempPath:           tempPath,
		file:               f,
	}, nil
}

func (s *FilesystemSink) Name() string { return "filesystem" }

func (s *FilesystemSink) Write(p []byte) (int, error) {
	var n int
	err := s.breaker.Call(context.Background(), func(context.Context) error {
		var writeErr error
		n, writeErr = s.file.Write(p)
		return writeErr
	})
	if err != nil {
		return 0, fmt.Errorf("fanout: filesystem sink write: %w", err)
	}
	return n, nil
}

// Close finalizes the temp file: syncs it, renames it to its permanent
// raw_<id> path, and writes the metadata sidecar alongside it.
func (s *FilesystemSink) Close() error {
	return s.breaker.Call(context.Background(), func(context.Context) error {
		if err := s.file.Sync(); err != nil {
			return err
		}
		if err := s.file.Close(); err != nil {
			return err
		}

		dir := shardDir(s.mount, s.id)
		rawPath := filepath.Join(dir, "raw_"+s.id)
		if err := os.Rename(s.tempPath, rawPath); err != nil {
			return fmt.Errorf("fanout: rename raw file: %w", err)
		}

		metaPath := filepath.Join(dir, "metadata_"+s.id)
		metaSuffix, err := randomHexSuffix()
		if err != nil {
			return err
		}
		tempMeta := filepath.Join(dir, "tmp_meta_"+s.id+"_"+metaSuffix)
		metaBody := fmt.Sprintf("%s;%d", s.payloadContentType, s.payloadDataStart)
		if err := os.WriteFile(tempMeta, []byte(metaBody), 0o644); err != nil {
			return fmt.Errorf("fanout: write metadata temp: %w", err)
		}
		if err := os.Rename(tempMeta, metaPath); err != nil {
			return fmt.Errorf("fanout: rename metadata file: %w", err)
		}
		return nil
	})
}

// Abort removes the temp file; nothing durable was ever made visible.
func (s *FilesystemSink) Abort() error {
	s.file.Close()
	return os.Remove(s.tempPath)
}

// Quarantine renames an already-persisted raw/metadata pair to a
// quarantine_ prefix rather than deleting them, per spec.md §4.5's
// compensation rule; a separate janitor process reclaims them later.
func Quarantine(mount, id string) error {
	dir := shardDir(mount, id)
	for _, prefix := range []string{"raw_", "metadata_"} {
		src := filepath.Join(dir, prefix+id)
		if _, err := os.Stat(src); os.IsNotExist(err) {
			continue
		}
		dst := filepath.Join(dir, "quarantine_"+prefix+id)
		if err := os.Rename(src, dst); err != nil {
			return fmt.Errorf("fanout: quarantine %s: %w", src, err)
		}
	}
	return nil
}

func shardDir(mount, id string) string {
	a, b := "00", "00"
	if len(id) >= 2 {
		a = id[0:2]
	}
	if len(id) >= 4 {
		b = id[2:4]
	}
	return filepath.Join(mount, "upload-service-data", a, b)
}

func randomHexSuffix() (string, error) {
	raw := make([]byte, 6) // 12 hex characters
	if _, err := rand.Read(raw); err != nil {
		return "", fmt.Errorf("fanout: generating temp suffix: %w", err)
	}
	return hex.EncodeToString(raw), nil
}
