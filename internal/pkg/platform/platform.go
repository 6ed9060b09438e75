// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

// Package platform recognizes the instance store devices of cloud platforms.
package platform

import (
	"context"
	"strings"

	"github.com/siderolabs/go-procfs/procfs"
	"go.uber.org/zap"

	"github.com/siderolabs/instance-store-provisioner/internal/pkg/discovery"
	"github.com/siderolabs/instance-store-provisioner/pkg/constants"
)

// Platform names as found in the kernel command line.
const (
	NameAWS   = "aws"
	NameAzure = "azure"
	NameGCP   = "gcp"
	NameQEMU  = "qemu"
)

// Platform is a discovery.Matcher for a specific platform.
type Platform interface {
	discovery.Matcher

	// Prepare gathers the platform metadata used by Match.
	//
	// Metadata lookups are best-effort: failures are logged and Match falls back to local information.
	Prepare(ctx context.Context, logger *zap.Logger)
}

// Detect returns the platform name: override if set, the kernel command line otherwise.
func Detect(override string, cmdline *procfs.Cmdline) string {
	if override != "" {
		return override
	}

	if cmdline == nil {
		return ""
	}

	if p := cmdline.Get(constants.KernelParamPlatform).First(); p != nil {
		return strings.TrimSpace(*p)
	}

	return ""
}

// Options configures platform matchers.
type Options struct {
	IMDS        IMDSClient
	GCPMetadata GCPMetadataClient
}

// Option is a functional option.
type Option func(*Options)

// WithIMDSClient sets the AWS instance metadata client.
func WithIMDSClient(client IMDSClient) Option {
	return func(o *Options) {
		o.IMDS = client
	}
}

// WithGCPMetadataClient sets the GCP metadata client.
func WithGCPMetadataClient(client GCPMetadataClient) Option {
	return func(o *Options) {
		o.GCPMetadata = client
	}
}

// New returns the platform for the given name; unknown names get the generic platform.
func New(name string, setters ...Option) Platform {
	opts := &Options{}

	for _, setter := range setters {
		setter(opts)
	}

	switch name {
	case NameAWS:
		return newAWS(opts.IMDS)
	case NameAzure:
		return &Azure{}
	case NameGCP:
		return newGCP(opts.GCPMetadata)
	case NameQEMU:
		return &QEMU{}
	default:
		return &Generic{name: name}
	}
}

// Generic accepts any device, leaving eligibility to the generic rules.
type Generic struct {
	name string
}

// Name implements discovery.Matcher.
func (g *Generic) Name() string {
	if g.name == "" {
		return "generic"
	}

	return g.name
}

// Match implements discovery.Matcher.
func (g *Generic) Match(*discovery.Device) discovery.Verdict {
	return discovery.VerdictAccept
}

// Prepare implements Platform.
func (g *Generic) Prepare(context.Context, *zap.Logger) {}
