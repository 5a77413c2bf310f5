// Copyright (C) 2025 CardinalHQ, Inc
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as
// published by the Free Software Foundation, version 3.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program. If not, see <http://www.gnu.org/licenses/>.

package awsclient

import (
	"context"
	"fmt"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/sts"
	"go.opentelemetry.io/contrib/instrumentation/github.com/aws/aws-sdk-go-v2/otelaws"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
)

type Manager struct {
	baseCfg     aws.Config
	stsClient   *sts.Client
	sessionName string

	staticKeyID  string
	staticSecret string
	region       string

	sync.RWMutex
	providers map[roleKey]aws.CredentialsProvider
	tracer    trace.Tracer
}

// ManagerOption is a functional option for configuring the Manager.
type ManagerOption func(*Manager)

func WithAssumeRoleSessionName(name string) ManagerOption {
	return func(mgr *Manager) {
		mgr.sessionName = name
	}
}

// WithStaticCredentials uses a fixed access key instead of the default
// credential chain. Empty values leave the chain in place.
func WithStaticCredentials(keyID, secret string) ManagerOption {
	return func(mgr *Manager) {
		mgr.staticKeyID = keyID
		mgr.staticSecret = secret
	}
}

// WithDefaultRegion sets the region used when GetS3 is not given one.
func WithDefaultRegion(region string) ManagerOption {
	return func(mgr *Manager) {
		mgr.region = region
	}
}

// NewManager initializes AWS config + a single STS client.
func NewManager(ctx context.Context, opts ...ManagerOption) (*Manager, error) {
	mgr := &Manager{
		sessionName: "wbbackup",
		providers:   make(map[roleKey]aws.CredentialsProvider),
		tracer:      otel.Tracer("github.com/cardinalhq/wbbackup/internal/awsclient"),
	}
	for _, opt := range opts {
		opt(mgr)
	}

	var loadOpts []func(*config.LoadOptions) error
	if mgr.staticKeyID != "" {
		loadOpts = append(loadOpts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(mgr.staticKeyID, mgr.staticSecret, "")))
	}
	if mgr.region != "" {
		loadOpts = append(loadOpts, config.WithRegion(mgr.region))
	}

	cfg, err := config.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("loading AWS config: %w", err)
	}

	otelaws.AppendMiddlewares(&cfg.APIOptions)

	mgr.baseCfg = cfg
	mgr.stsClient = sts.NewFromConfig(cfg)
	return mgr, nil
}
