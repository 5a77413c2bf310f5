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

package cloudstorage

import (
	"context"
	"fmt"

	"github.com/cardinalhq/wbbackup/internal/awsclient"
	"github.com/cardinalhq/wbbackup/internal/azureclient"
	"github.com/cardinalhq/wbbackup/internal/storageprofile"
)

// CloudManagers holds the cloud provider managers. Only the manager for the
// profile's provider is created.
type CloudManagers struct {
	AWS   *awsclient.Manager
	Azure *azureclient.Manager
}

var _ ClientProvider = (*CloudManagers)(nil)

// NewCloudManagers creates the manager the profile needs.
func NewCloudManagers(ctx context.Context, profile storageprofile.StorageProfile) (*CloudManagers, error) {
	m := &CloudManagers{}
	switch profile.ProviderName() {
	case storageprofile.ProviderS3:
		awsManager, err := awsclient.NewManager(ctx,
			awsclient.WithStaticCredentials(profile.AccessKeyID, profile.SecretAccessKey),
			awsclient.WithDefaultRegion(profile.Region))
		if err != nil {
			return nil, fmt.Errorf("failed to create AWS manager: %w", err)
		}
		m.AWS = awsManager
	case storageprofile.ProviderAzure:
		azureManager, err := azureclient.NewManager(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to create Azure manager: %w", err)
		}
		m.Azure = azureManager
	}
	return m, nil
}

// NewClient creates a storage Client for the given profile.
func (m *CloudManagers) NewClient(ctx context.Context, profile storageprofile.StorageProfile) (Client, error) {
	switch profile.ProviderName() {
	case storageprofile.ProviderS3:
		if m.AWS == nil {
			return nil, fmt.Errorf("no AWS manager configured")
		}
		awsS3Client, err := m.AWS.GetS3ForProfile(ctx, profile)
		if err != nil {
			return nil, fmt.Errorf("failed to create S3 client: %w", err)
		}
		return newS3Client(awsS3Client, profile), nil
	case storageprofile.ProviderAzure:
		if m.Azure == nil {
			return nil, fmt.Errorf("no Azure manager configured")
		}
		azureBlobClient, err := m.Azure.GetBlobForProfile(ctx, profile)
		if err != nil {
			return nil, fmt.Errorf("failed to create Azure blob client: %w", err)
		}
		return newAzureClient(azureBlobClient, profile), nil
	default:
		return nil, fmt.Errorf("unsupported cloud provider: %s", profile.Provider)
	}
}
