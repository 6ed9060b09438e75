// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package platform

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"strings"

	"cloud.google.com/go/compute/metadata"
	"go.uber.org/zap"

	"github.com/siderolabs/instance-store-provisioner/internal/pkg/discovery"
)

// GCPLocalSSDLinkPrefix is the prefix of the /dev/disk/by-id links created by the guest environment for local SSDs.
const GCPLocalSSDLinkPrefix = "google-local-"

// GCPMetadataClient is the subset of the GCE metadata client used to count local SSDs.
type GCPMetadataClient interface {
	GetWithContext(ctx context.Context, suffix string) (string, error)
}

// GCP matches local SSDs by their by-id links.
type GCP struct {
	client GCPMetadataClient
	// Expected is the number of local SSDs reported by the metadata server, -1 if unknown.
	Expected int
}

func newGCP(client GCPMetadataClient) *GCP {
	if client == nil {
		client = metadata.NewClient(nil)
	}

	return &GCP{
		client:   client,
		Expected: -1,
	}
}

// Name implements discovery.Matcher.
func (g *GCP) Name() string {
	return NameGCP
}

// Match implements discovery.Matcher.
func (g *GCP) Match(dev *discovery.Device) discovery.Verdict {
	for _, link := range dev.Links {
		if strings.HasPrefix(filepath.Base(link), GCPLocalSSDLinkPrefix) {
			return discovery.VerdictAccept
		}
	}

	return discovery.VerdictReject
}

type gcpDisk struct {
	DeviceName string `json:"deviceName"`
	Type       string `json:"type"`
}

// Prepare implements Platform.
func (g *GCP) Prepare(ctx context.Context, logger *zap.Logger) {
	count, err := g.localSSDCount(ctx)
	if err != nil {
		logger.Warn("failed to read disks from metadata server", zap.Error(err))

		return
	}

	g.Expected = count

	logger.Info("metadata server reports local SSDs", zap.Int("count", count))
}

func (g *GCP) localSSDCount(ctx context.Context) (int, error) {
	v, err := g.client.GetWithContext(ctx, "instance/disks/?recursive=true")
	if err != nil {
		return 0, err
	}

	var disks []gcpDisk

	if err = json.Unmarshal([]byte(v), &disks); err != nil {
		return 0, fmt.Errorf("failed to decode disks: %w", err)
	}

	count := 0

	for _, disk := range disks {
		if disk.Type == "LOCAL-SSD" {
			count++
		}
	}

	return count, nil
}
