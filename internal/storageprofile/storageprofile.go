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

package storageprofile

import (
	"errors"
	"fmt"
	"path"
	"strings"
)

const (
	ProviderS3    = "s3"
	ProviderAzure = "azure"
	ProviderFile  = "file"
)

// StorageProfile describes where backups are written.
type StorageProfile struct {
	Provider     string `json:"provider" yaml:"provider" mapstructure:"provider"`
	Bucket       string `json:"bucket" yaml:"bucket" mapstructure:"bucket"`
	Prefix       string `json:"prefix,omitempty" yaml:"prefix,omitempty" mapstructure:"prefix"`
	Region       string `json:"region,omitempty" yaml:"region,omitempty" mapstructure:"region"`
	Endpoint     string `json:"endpoint,omitempty" yaml:"endpoint,omitempty" mapstructure:"endpoint"`
	Role         string `json:"role,omitempty" yaml:"role,omitempty" mapstructure:"role"`
	UsePathStyle bool   `json:"use_path_style,omitempty" yaml:"use_path_style,omitempty" mapstructure:"path_style"`
	InsecureTLS  bool   `json:"insecure_tls,omitempty" yaml:"insecure_tls,omitempty" mapstructure:"insecure_tls"`

	AccessKeyID     string `json:"-" yaml:"-" mapstructure:"access_key_id"`
	SecretAccessKey string `json:"-" yaml:"-" mapstructure:"secret_access_key"`

	StorageAccount string `json:"storage_account,omitempty" yaml:"storage_account,omitempty" mapstructure:"storage_account"`
	BasePath       string `json:"base_path,omitempty" yaml:"base_path,omitempty" mapstructure:"base_path"`
}

// ProviderName returns the provider, defaulting to S3 when unset.
func (p StorageProfile) ProviderName() string {
	if p.Provider == "" {
		return ProviderS3
	}
	return strings.ToLower(p.Provider)
}

// ObjectKey places key under the profile prefix.
func (p StorageProfile) ObjectKey(key string) string {
	prefix := strings.Trim(p.Prefix, "/")
	if prefix == "" {
		return key
	}
	return path.Join(prefix, key)
}

func (p StorageProfile) Validate() error {
	switch p.ProviderName() {
	case ProviderS3:
		if p.Bucket == "" {
			return errors.New("s3 storage requires a bucket")
		}
		if (p.AccessKeyID == "") != (p.SecretAccessKey == "") {
			return errors.New("s3 static credentials need both access_key_id and secret_access_key")
		}
	case ProviderAzure:
		if p.Bucket == "" {
			return errors.New("azure storage requires a container (bucket)")
		}
		if p.StorageAccount == "" && p.Endpoint == "" {
			return errors.New("azure storage requires storage_account or endpoint")
		}
	case ProviderFile:
		if p.BasePath == "" {
			return errors.New("file storage requires base_path")
		}
	default:
		return fmt.Errorf("unsupported storage provider: %s", p.Provider)
	}
	return nil
}

// AzureEndpoint returns the blob service URL for the profile.
func (p StorageProfile) AzureEndpoint() string {
	if p.Endpoint != "" {
		return p.Endpoint
	}
	return fmt.Sprintf("https://%s.blob.core.windows.net/", p.StorageAccount)
}
