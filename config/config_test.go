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

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cardinalhq/wbbackup/internal/backup"
	"github.com/cardinalhq/wbbackup/internal/storageprofile"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "wbbackup.toml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadDefaults(t *testing.T) {
	t.Chdir(t.TempDir())

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, backup.DefaultConcurrency, cfg.Backup.Concurrency)
	assert.Equal(t, backup.DefaultPolicy(), cfg.RetryPolicy())
	assert.Equal(t, storageprofile.ProviderS3, cfg.Storage.Provider)
	assert.Equal(t, time.Minute, cfg.Telemetry.ProgressInterval)
	assert.False(t, cfg.Backup.SkipUnchanged)
}

func TestLoadEnvOverride(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("WBBACKUP_TABLEAU_URL", "https://tableau.example.com")
	t.Setenv("WBBACKUP_TABLEAU_USERNAME", "admin")
	t.Setenv("WBBACKUP_TABLEAU_PASSWORD", "secret")
	t.Setenv("WBBACKUP_STORAGE_BUCKET", "backups")
	t.Setenv("WBBACKUP_STORAGE_PATH_STYLE", "true")
	t.Setenv("WBBACKUP_BACKUP_SITES", "finance, sales")
	t.Setenv("WBBACKUP_BACKUP_CONCURRENCY", "8")
	t.Setenv("WBBACKUP_BACKUP_RETRY_BASE_DELAY", "250ms")

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "https://tableau.example.com", cfg.Tableau.URL)
	assert.Equal(t, "backups", cfg.Storage.Bucket)
	assert.True(t, cfg.Storage.UsePathStyle)
	assert.Equal(t, []string{"finance", "sales"}, cfg.Backup.Sites)
	assert.Equal(t, 8, cfg.Backup.Concurrency)
	assert.Equal(t, 250*time.Millisecond, cfg.Backup.Retry.BaseDelay)
	// Unset retry fields keep their defaults.
	assert.Equal(t, backup.DefaultPolicy().MaxAttempts, cfg.Backup.Retry.MaxAttempts)
	require.NoError(t, cfg.Validate())
}

func TestLoadFile(t *testing.T) {
	path := writeConfig(t, `
[tableau]
url = "https://tableau.example.com"
token_name = "backup"
token_secret = "pat"
requests_per_second = 5.0

[storage]
provider = "file"
base_path = "/var/backups"

[backup]
projects = ["finance/Quarterly", "/Default"]
excluded_sites = ["sandbox"]
skip_unchanged = true
`)
	t.Setenv("WBBACKUP_TABLEAU_TOKEN_SECRET", "from-env")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "from-env", cfg.Tableau.TokenSecret)
	assert.InDelta(t, 5.0, cfg.Tableau.RequestsPerSecond, 0.0001)
	assert.Equal(t, storageprofile.ProviderFile, cfg.Storage.ProviderName())
	assert.True(t, cfg.Backup.SkipUnchanged)
	require.NoError(t, cfg.Validate())

	targets, err := cfg.Targets()
	require.NoError(t, err)
	assert.Equal(t, []backup.ProjectRule{
		{SiteID: "finance", ProjectID: "Quarterly"},
		{SiteID: "", ProjectID: "Default"},
	}, targets.Projects)
	assert.Equal(t, []string{"sandbox"}, targets.ExcludedSites)
	assert.Equal(t, "from-env", cfg.TableauCredentials().TokenSecret)
}

func TestLoadMissingExplicitFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.toml"))
	assert.Error(t, err)
}

func TestValidateCollectsAllProblems(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Backup.Concurrency = 0
	cfg.Backup.Projects = []string{"no-slash"}

	err := cfg.Validate()
	require.Error(t, err)
	msg := err.Error()
	assert.Contains(t, msg, "tableau.url is required")
	assert.Contains(t, msg, "username and password")
	assert.Contains(t, msg, "storage:")
	assert.Contains(t, msg, "backup.concurrency")
	assert.Contains(t, msg, `"no-slash"`)
}

func TestOnlySite(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Backup.Sites = []string{"a", "b"}
	cfg.Backup.Projects = []string{"a/p1", "c/p2"}

	cfg.OnlySite("c")
	assert.Nil(t, cfg.Backup.Sites)
	assert.Equal(t, []string{"c/p2"}, cfg.Backup.Projects)

	cfg.OnlySite("d")
	assert.Equal(t, []string{"d"}, cfg.Backup.Sites)
	assert.Empty(t, cfg.Backup.Projects)
}

func TestOnlySiteKeepsFullSiteRule(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Backup.Sites = []string{"finance", "sales"}
	cfg.Backup.Projects = []string{"finance/Sales", "sales/Quarterly"}

	cfg.OnlySite("finance")
	assert.Equal(t, []string{"finance"}, cfg.Backup.Sites)
	assert.Equal(t, []string{"finance/Sales"}, cfg.Backup.Projects)

	targets, err := cfg.Targets()
	require.NoError(t, err)
	assert.Equal(t, []string{"finance"}, targets.Sites)
	assert.Equal(t, []backup.ProjectRule{{SiteID: "finance", ProjectID: "Sales"}}, targets.Projects)
}

func TestOnlySiteDefaultAlias(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Backup.Sites = []string{"default"}
	cfg.Backup.Projects = []string{"/Reports", "finance/Sales"}

	cfg.OnlySite("default")
	targets, err := cfg.Targets()
	require.NoError(t, err)
	assert.Equal(t, []string{""}, targets.Sites)
	assert.Equal(t, []backup.ProjectRule{{SiteID: "", ProjectID: "Reports"}}, targets.Projects)
}

func TestTargetsDefaultSiteAlias(t *testing.T) {
	path := writeConfig(t, `
[backup]
sites = ["default", "finance"]
projects = ["default/Reports"]
excluded_sites = ["default"]
`)
	cfg, err := Load(path)
	require.NoError(t, err)

	targets, err := cfg.Targets()
	require.NoError(t, err)
	assert.Equal(t, []string{"", "finance"}, targets.Sites)
	assert.Equal(t, []backup.ProjectRule{{SiteID: "", ProjectID: "Reports"}}, targets.Projects)
	assert.Equal(t, []string{""}, targets.ExcludedSites)
}

func TestRefreshAfter(t *testing.T) {
	t.Chdir(t.TempDir())
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, DefaultRefreshAfterDays, cfg.Backup.RefreshAfter)
	assert.Equal(t, 30*24*time.Hour, cfg.RefreshAge())

	t.Setenv("WBBACKUP_BACKUP_REFRESH_AFTER", "0")
	cfg, err = Load("")
	require.NoError(t, err)
	assert.Zero(t, cfg.RefreshAge())

	cfg.Backup.RefreshAfter = -1
	err = cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "backup.refresh_after")
}
