//go:build !gcp

package archive

import (
	"context"
	"fmt"

	"AdvisoryScanner/internal/config"
	"AdvisoryScanner/internal/ports"
)

func newGCS(context.Context, config.ArchiveConfig) (ports.RawArchive, error) {
	return nil, fmt.Errorf("GCS archive is not enabled in this build (use -tags gcp)")
}
