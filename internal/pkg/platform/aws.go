// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package platform

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/aws/aws-sdk-go-v2/feature/ec2/imds"
	smithyhttp "github.com/aws/smithy-go/transport/http"
	"go.uber.org/zap"

	"github.com/siderolabs/instance-store-provisioner/internal/pkg/discovery"
)

// AWSInstanceStoreModel is the model of NVMe instance store devices on Nitro instances.
const AWSInstanceStoreModel = "Amazon EC2 NVMe Instance Storage"

// IMDSClient is the subset of the EC2 instance metadata client used to find instance store volumes.
type IMDSClient interface {
	GetMetadata(ctx context.Context, params *imds.GetMetadataInput, optFns ...func(*imds.Options)) (*imds.GetMetadataOutput, error)
}

// AWS matches NVMe instance store devices by model, and Xen instance store disks via the block device mapping.
type AWS struct {
	client IMDSClient
	// ephemeral holds the kernel names of the ephemeralN block device mappings.
	ephemeral map[string]struct{}
}

func newAWS(client IMDSClient) *AWS {
	if client == nil {
		client = imds.New(imds.Options{})
	}

	return &AWS{
		client:    client,
		ephemeral: map[string]struct{}{},
	}
}

// Name implements discovery.Matcher.
func (a *AWS) Name() string {
	return NameAWS
}

// Match implements discovery.Matcher.
func (a *AWS) Match(dev *discovery.Device) discovery.Verdict {
	if dev.Model == AWSInstanceStoreModel {
		return discovery.VerdictAccept
	}

	if _, ok := a.ephemeral[dev.Name]; ok {
		return discovery.VerdictAccept
	}

	return discovery.VerdictReject
}

// Prepare implements Platform.
func (a *AWS) Prepare(ctx context.Context, logger *zap.Logger) {
	names, err := a.ephemeralDevices(ctx)
	if err != nil {
		logger.Warn("failed to read block device mapping, matching by model only", zap.Error(err))

		return
	}

	for _, name := range names {
		a.ephemeral[name] = struct{}{}

		// sdX is exposed as xvdX by the Xen block frontend
		if rest, ok := strings.CutPrefix(name, "sd"); ok {
			a.ephemeral["xvd"+rest] = struct{}{}
		}
	}

	if len(names) > 0 {
		logger.Info("found instance store block device mappings", zap.Strings("devices", names))
	}
}

func (a *AWS) ephemeralDevices(ctx context.Context) ([]string, error) {
	// https://docs.aws.amazon.com/AWSEC2/latest/UserGuide/instancedata-data-categories.html
	mappings, err := a.getMetadataKey(ctx, "block-device-mapping/")
	if err != nil {
		return nil, err
	}

	var names []string

	for _, mapping := range strings.Fields(mappings) {
		if !strings.HasPrefix(mapping, "ephemeral") {
			continue
		}

		device, err := a.getMetadataKey(ctx, "block-device-mapping/"+mapping)
		if err != nil {
			return nil, err
		}

		device = strings.TrimPrefix(strings.TrimSpace(device), "/dev/")

		if device != "" {
			names = append(names, device)
		}
	}

	return names, nil
}

func (a *AWS) getMetadataKey(ctx context.Context, key string) (string, error) {
	resp, err := a.client.GetMetadata(ctx, &imds.GetMetadataInput{
		Path: key,
	})
	if err != nil {
		if isNotFoundError(err) {
			return "", nil
		}

		return "", fmt.Errorf("failed to fetch %q from IMDS: %w", key, err)
	}

	defer resp.Content.Close() //nolint:errcheck

	v, err := io.ReadAll(resp.Content)

	return string(v), err
}

func isNotFoundError(err error) bool {
	var awsErr *smithyhttp.ResponseError

	if errors.As(err, &awsErr) {
		return awsErr.HTTPStatusCode() == http.StatusNotFound
	}

	return false
}
