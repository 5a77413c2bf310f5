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
	"crypto/tls"
	"net/http"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/credentials/stscreds"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"go.opentelemetry.io/otel/trace"

	"github.com/cardinalhq/wbbackup/internal/storageprofile"
)

// S3Client is a client for the backup bucket. Tracer is shared with the
// manager so bucket calls land in the same trace as the run.
type S3Client struct {
	Client *s3.Client
	Tracer trace.Tracer
}

// bucketSettings is what one backup bucket needs beyond the manager's base
// configuration.
type bucketSettings struct {
	region           string
	roleARN          string
	endpoint         string
	pathStyle        bool
	insecureTLS      bool
	checksumsIfAsked bool
}

// S3Option adjusts the client GetS3 returns.
type S3Option func(*bucketSettings)

// WithRole writes through a role assumed with the manager's credentials.
func WithRole(roleARN string) S3Option {
	return func(s *bucketSettings) {
		s.roleARN = roleARN
	}
}

func WithRegion(region string) S3Option {
	return func(s *bucketSettings) {
		s.region = region
	}
}

// WithEndpoint points the client at an S3 compatible store such as MinIO.
func WithEndpoint(url string) S3Option {
	return func(s *bucketSettings) {
		s.endpoint = url
	}
}

func WithPathStyle() S3Option {
	return func(s *bucketSettings) {
		s.pathStyle = true
	}
}

// WithInsecureTLS skips certificate checks for stores with self-signed
// certificates.
func WithInsecureTLS() S3Option {
	return func(s *bucketSettings) {
		s.insecureTLS = true
	}
}

// WithRequiredChecksumsOnly sends and verifies payload checksums only where
// the API demands them. Many S3 compatible stores reject the streamed
// checksum trailers the SDK sends by default.
func WithRequiredChecksumsOnly() S3Option {
	return func(s *bucketSettings) {
		s.checksumsIfAsked = true
	}
}

type roleKey struct {
	Region  string
	RoleARN string
}

// GetS3 returns a client for a backup bucket. Credentials are shared with
// every other client for the same region and role.
func (m *Manager) GetS3(_ context.Context, opts ...S3Option) (*S3Client, error) {
	bs := bucketSettings{region: m.baseCfg.Region}
	for _, o := range opts {
		o(&bs)
	}

	cfg := m.baseCfg.Copy()
	cfg.Region = bs.region
	cfg.Credentials = m.credentialsFor(roleKey{Region: bs.region, RoleARN: bs.roleARN})
	if bs.insecureTLS {
		tr := http.DefaultTransport.(*http.Transport).Clone()
		tr.TLSClientConfig = &tls.Config{InsecureSkipVerify: true}
		cfg.HTTPClient = &http.Client{Transport: tr}
	}
	if bs.checksumsIfAsked {
		cfg.RequestChecksumCalculation = aws.RequestChecksumCalculationWhenRequired
		cfg.ResponseChecksumValidation = aws.ResponseChecksumValidationWhenRequired
	}

	client := s3.NewFromConfig(cfg, func(o *s3.Options) {
		if bs.endpoint != "" {
			o.BaseEndpoint = aws.String(bs.endpoint)
		}
		o.UsePathStyle = bs.pathStyle
	})
	return &S3Client{Client: client, Tracer: m.tracer}, nil
}

// credentialsFor caches one provider per region and role so assumed-role
// sessions are shared between clients.
func (m *Manager) credentialsFor(key roleKey) aws.CredentialsProvider {
	m.RLock()
	provider, ok := m.providers[key]
	m.RUnlock()
	if ok {
		return provider
	}

	m.Lock()
	defer m.Unlock()
	if provider, ok = m.providers[key]; ok {
		return provider
	}
	if key.RoleARN == "" {
		provider = m.baseCfg.Credentials
	} else {
		p := stscreds.NewAssumeRoleProvider(m.stsClient, key.RoleARN, func(o *stscreds.AssumeRoleOptions) {
			o.RoleSessionName = m.sessionName
		})
		provider = aws.NewCredentialsCache(p)
	}
	m.providers[key] = provider
	return provider
}

// GetS3ForProfile returns a client for the profile's bucket. A custom
// endpoint is taken to be an S3 compatible store and only gets the
// checksums the API requires.
func (m *Manager) GetS3ForProfile(ctx context.Context, p storageprofile.StorageProfile) (*S3Client, error) {
	var opts []S3Option
	if p.Role != "" {
		opts = append(opts, WithRole(p.Role))
	}
	if p.Region != "" {
		opts = append(opts, WithRegion(p.Region))
	}
	if p.Endpoint != "" {
		opts = append(opts, WithEndpoint(p.Endpoint), WithRequiredChecksumsOnly())
	}
	if p.UsePathStyle {
		opts = append(opts, WithPathStyle())
	}
	if p.InsecureTLS {
		opts = append(opts, WithInsecureTLS())
	}
	return m.GetS3(ctx, opts...)
}
