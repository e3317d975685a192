// Package archive stores raw provider payloads and run snapshots on disk or
// in object storage.
package archive

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"AdvisoryScanner/internal/config"
	"AdvisoryScanner/internal/ports"
)

// Driver names accepted by New.
const (
	DriverNone = "none"
	DriverFile = "file"
	DriverS3   = "s3"
	DriverGCS  = "gcs"
)

// JSON is the content type of every archived document.
const JSON = "application/json"

// RawKey addresses a raw bundle by source, fetch time and content hash, so
// re-archiving identical bytes in the same second is a no-op.
func RawKey(sourceID string, at time.Time, data []byte) string {
	sum := sha256.Sum256(data)
	at = at.UTC()
	return fmt.Sprintf("raw/%s/%s/%s-%s.json",
		safeSegment(sourceID), at.Format(time.DateOnly), at.Format("150405"), hex.EncodeToString(sum[:])[:16])
}

// RunKey addresses the snapshot of one run.
func RunKey(runID string, at time.Time) string {
	return fmt.Sprintf("runs/%s/%s.json", at.UTC().Format(time.DateOnly), safeSegment(runID))
}

func safeSegment(s string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return "unknown"
	}
	return strings.NewReplacer("/", "_", "\\", "_", "..", "_").Replace(s)
}

// Noop discards everything.
type Noop struct{}

var _ ports.RawArchive = Noop{}

// Put implements ports.RawArchive.
func (Noop) Put(context.Context, string, []byte, string) error { return nil }

// New builds the archive selected by cfg.Driver.
func New(ctx context.Context, cfg config.ArchiveConfig) (ports.RawArchive, error) {
	switch cfg.Driver {
	case "", DriverNone:
		return Noop{}, nil
	case DriverFile:
		return NewFile(cfg.Dir)
	case DriverS3:
		return NewS3(ctx, cfg)
	case DriverGCS:
		return newGCS(ctx, cfg)
	default:
		return nil, fmt.Errorf("unsupported archive driver: %s", cfg.Driver)
	}
}
