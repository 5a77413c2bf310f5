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
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/cardinalhq/wbbackup/internal/storageprofile"
)

// tagsSuffix names the sidecar file holding an object's tags.
const tagsSuffix = ".tags.json"

// FileClientProvider creates clients that operate on the local filesystem,
// for dry runs and tests that want to bypass real cloud providers.
type FileClientProvider struct {
	base string
}

// NewFileClientProvider returns a new provider rooted at base.
func NewFileClientProvider(base string) ClientProvider {
	return &FileClientProvider{base: base}
}

// NewClient returns a client that reads and writes files under the base path.
// The profile prefix becomes a subdirectory.
func (p *FileClientProvider) NewClient(_ context.Context, profile storageprofile.StorageProfile) (Client, error) {
	return &fileClient{base: p.base, profile: profile}, nil
}

type fileClient struct {
	base    string
	profile storageprofile.StorageProfile
}

var _ Client = (*fileClient)(nil)

func (c *fileClient) path(key string) (string, error) {
	rel := filepath.FromSlash(c.profile.ObjectKey(key))
	if !filepath.IsLocal(rel) {
		return "", fmt.Errorf("key %q escapes the storage root", key)
	}
	return filepath.Join(c.base, rel), nil
}

// Put writes the object and, when tags are present, a JSON sidecar next to it.
func (c *fileClient) Put(_ context.Context, key string, data []byte, tags map[string]string) error {
	dst, err := c.path(key)
	if err != nil {
		return classify("put "+key, err)
	}
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return classify("put "+key, err)
	}
	if err := writeFileAtomic(dst, data); err != nil {
		return classify("put "+key, err)
	}
	if len(tags) == 0 {
		return nil
	}
	b, err := json.Marshal(tags)
	if err != nil {
		return classify("put "+key, err)
	}
	return classify("put "+key, writeFileAtomic(dst+tagsSuffix, b))
}

func (c *fileClient) Get(_ context.Context, key string) ([]byte, bool, error) {
	src, err := c.path(key)
	if err != nil {
		return nil, false, classify("get "+key, err)
	}
	data, err := os.ReadFile(src)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, classify("get "+key, err)
	}
	return data, true, nil
}

func (c *fileClient) Touch(_ context.Context, key string) error {
	p, err := c.path(key)
	if err != nil {
		return classify("touch "+key, err)
	}
	now := time.Now()
	if err := os.Chtimes(p, now, now); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return classify("touch "+key, fmt.Errorf("%w: %s", fs.ErrNotExist, key))
		}
		return classify("touch "+key, err)
	}
	return nil
}

func writeFileAtomic(dst string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(dst), ".tmp-*")
	if err != nil {
		return err
	}
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmp.Name())
		return err
	}
	return os.Rename(tmp.Name(), dst)
}
