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
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cardinalhq/wbbackup/internal/backup"
	"github.com/cardinalhq/wbbackup/internal/storageprofile"
)

func newTestFileClient(t *testing.T, prefix string) (Client, string) {
	t.Helper()
	base := t.TempDir()
	client, err := NewFileClientProvider(base).NewClient(context.Background(), storageprofile.StorageProfile{
		Provider: storageprofile.ProviderFile,
		BasePath: base,
		Prefix:   prefix,
	})
	require.NoError(t, err)
	return client, base
}

func TestFileClientLifecycle(t *testing.T) {
	ctx := context.Background()
	client, base := newTestFileClient(t, "tableau")

	_, found, err := client.Get(ctx, "finance/p1/Sales-wb1.twbx")
	require.NoError(t, err)
	assert.False(t, found)

	require.NoError(t, client.Put(ctx, "finance/p1/Sales-wb1.twbx", []byte("v1"), map[string]string{"tab_id": "wb1"}))
	require.NoError(t, client.Put(ctx, "finance/p1/Sales-wb1.twbx", []byte("v2"), nil))

	data, found, err := client.Get(ctx, "finance/p1/Sales-wb1.twbx")
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, "v2", string(data))

	onDisk := filepath.Join(base, "tableau", "finance", "p1", "Sales-wb1.twbx")
	assert.FileExists(t, onDisk)
	tags, err := os.ReadFile(onDisk + tagsSuffix)
	require.NoError(t, err)
	assert.JSONEq(t, `{"tab_id":"wb1"}`, string(tags))
}

func TestFileClientTouch(t *testing.T) {
	ctx := context.Background()
	client, base := newTestFileClient(t, "")
	require.NoError(t, client.Put(ctx, "s/_site/a.twbx", []byte("x"), nil))

	p := filepath.Join(base, "s", "_site", "a.twbx")
	old := time.Now().Add(-48 * time.Hour)
	require.NoError(t, os.Chtimes(p, old, old))

	require.NoError(t, client.Touch(ctx, "s/_site/a.twbx"))
	fi, err := os.Stat(p)
	require.NoError(t, err)
	assert.WithinDuration(t, time.Now(), fi.ModTime(), time.Minute)

	err = client.Touch(ctx, "s/_site/missing.twbx")
	require.Error(t, err)
	assert.Equal(t, backup.KindNotFound, backup.KindOf(err))
}

func TestFileClientRejectsEscapingKeys(t *testing.T) {
	client, _ := newTestFileClient(t, "")
	err := client.Put(context.Background(), "../outside.twbx", []byte("x"), nil)
	assert.ErrorContains(t, err, "escapes the storage root")
}

func TestNew_FileProvider(t *testing.T) {
	base := t.TempDir()
	client, err := New(context.Background(), storageprofile.StorageProfile{Provider: "file", BasePath: base})
	require.NoError(t, err)
	require.NoError(t, client.Put(context.Background(), "k.json", []byte("{}"), nil))
	assert.FileExists(t, filepath.Join(base, "k.json"))

	_, err = New(context.Background(), storageprofile.StorageProfile{Provider: "file"})
	assert.ErrorContains(t, err, "invalid storage profile")
}
