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
	"path/filepath"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cardinalhq/wbbackup/internal/storageprofile"
)

func isolateAWSConfig(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("AWS_CONFIG_FILE", filepath.Join(dir, "config"))
	t.Setenv("AWS_SHARED_CREDENTIALS_FILE", filepath.Join(dir, "credentials"))
	t.Setenv("AWS_PROFILE", "")
	t.Setenv("AWS_REGION", "")
}

func TestNewManager_StaticCredentials(t *testing.T) {
	isolateAWSConfig(t)
	ctx := context.Background()

	mgr, err := NewManager(ctx,
		WithStaticCredentials("AKIDEXAMPLE", "secret"),
		WithDefaultRegion("eu-central-1"),
		WithAssumeRoleSessionName("nightly"))
	require.NoError(t, err)

	assert.Equal(t, "eu-central-1", mgr.baseCfg.Region)
	assert.Equal(t, "nightly", mgr.sessionName)

	creds, err := mgr.baseCfg.Credentials.Retrieve(ctx)
	require.NoError(t, err)
	assert.Equal(t, "AKIDEXAMPLE", creds.AccessKeyID)
	assert.Equal(t, "secret", creds.SecretAccessKey)
}

func TestGetS3_CachesProvidersPerRole(t *testing.T) {
	isolateAWSConfig(t)
	ctx := context.Background()
	mgr, err := NewManager(ctx, WithStaticCredentials("AKIDEXAMPLE", "secret"), WithDefaultRegion("us-east-1"))
	require.NoError(t, err)

	c1, err := mgr.GetS3(ctx)
	require.NoError(t, err)
	assert.NotNil(t, c1.Client)
	assert.NotNil(t, c1.Tracer)

	_, err = mgr.GetS3ForProfile(ctx, storageprofile.StorageProfile{
		Bucket:       "b",
		Region:       "us-west-2",
		Role:         "arn:aws:iam::123456789012:role/backup",
		Endpoint:     "http://localhost:9000",
		UsePathStyle: true,
	})
	require.NoError(t, err)

	_, err = mgr.GetS3(ctx, WithRegion("us-west-2"), WithRole("arn:aws:iam::123456789012:role/backup"))
	require.NoError(t, err)

	assert.Len(t, mgr.providers, 2)
	assert.Equal(t, mgr.baseCfg.Credentials, mgr.providers[roleKey{Region: "us-east-1"}])
}

func TestGetS3ForProfile_CompatibleEndpoint(t *testing.T) {
	isolateAWSConfig(t)
	ctx := context.Background()
	mgr, err := NewManager(ctx, WithStaticCredentials("AKIDEXAMPLE", "secret"), WithDefaultRegion("us-east-1"))
	require.NoError(t, err)

	minio, err := mgr.GetS3ForProfile(ctx, storageprofile.StorageProfile{
		Bucket:       "b",
		Endpoint:     "http://localhost:9000",
		UsePathStyle: true,
	})
	require.NoError(t, err)
	o := minio.Client.Options()
	assert.Equal(t, "http://localhost:9000", aws.ToString(o.BaseEndpoint))
	assert.True(t, o.UsePathStyle)
	assert.Equal(t, aws.RequestChecksumCalculationWhenRequired, o.RequestChecksumCalculation)
	assert.Equal(t, aws.ResponseChecksumValidationWhenRequired, o.ResponseChecksumValidation)

	plain, err := mgr.GetS3ForProfile(ctx, storageprofile.StorageProfile{Bucket: "b", Region: "eu-west-1"})
	require.NoError(t, err)
	o = plain.Client.Options()
	assert.Nil(t, o.BaseEndpoint)
	assert.False(t, o.UsePathStyle)
	assert.Equal(t, "eu-west-1", o.Region)
	assert.NotEqual(t, aws.RequestChecksumCalculationWhenRequired, o.RequestChecksumCalculation)
}
