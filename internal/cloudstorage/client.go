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

	"github.com/cardinalhq/wbbackup/internal/storageprofile"
)

// Client is the object store the backup run writes to.
type Client interface {
	// Put writes data at key, replacing any existing object. Tags are
	// attached as object tags (S3) or metadata (Azure).
	Put(ctx context.Context, key string, data []byte, tags map[string]string) error

	// Get reads the object at key. A missing object is not an error.
	Get(ctx context.Context, key string) (data []byte, found bool, err error)

	// Touch refreshes the object's last-modified time without changing
	// its content.
	Touch(ctx context.Context, key string) error
}

// ClientProvider creates storage clients for a profile.
type ClientProvider interface {
	NewClient(ctx context.Context, profile storageprofile.StorageProfile) (Client, error)
}

// New validates the profile and returns a client for its provider.
func New(ctx context.Context, profile storageprofile.StorageProfile) (Client, error) {
	if err := profile.Validate(); err != nil {
		return nil, fmt.Errorf("invalid storage profile: %w", err)
	}
	if profile.ProviderName() == storageprofile.ProviderFile {
		return NewFileClientProvider(profile.BasePath).NewClient(ctx, profile)
	}
	managers, err := NewCloudManagers(ctx, profile)
	if err != nil {
		return nil, err
	}
	return managers.NewClient(ctx, profile)
}
