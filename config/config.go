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
	"errors"
	"fmt"
	"reflect"
	"slices"
	"strings"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/spf13/viper"

	"github.com/cardinalhq/wbbackup/internal/backup"
	"github.com/cardinalhq/wbbackup/internal/storageprofile"
	"github.com/cardinalhq/wbbackup/internal/tableau"
)

const (
	EnvPrefix = "WBBACKUP"

	DefaultProgressInterval = time.Minute
	DefaultRefreshAfterDays = 30
	DefaultLogMaxSizeMB     = 50
	DefaultLogMaxBackups    = 5
)

// Config aggregates configuration for the application.
type Config struct {
	Tableau   TableauConfig                 `mapstructure:"tableau"`
	Storage   storageprofile.StorageProfile `mapstructure:"storage"`
	Backup    BackupConfig                  `mapstructure:"backup"`
	Logging   LoggingConfig                 `mapstructure:"logging"`
	Telemetry TelemetryConfig               `mapstructure:"telemetry"`
}

type TableauConfig struct {
	URL               string  `mapstructure:"url"`
	APIVersion        string  `mapstructure:"api_version"`
	Username          string  `mapstructure:"username"`
	Password          string  `mapstructure:"password"`
	TokenName         string  `mapstructure:"token_name"`
	TokenSecret       string  `mapstructure:"token_secret"`
	PageSize          int     `mapstructure:"page_size"`
	RequestsPerSecond float64 `mapstructure:"requests_per_second"`
}

// BackupConfig selects what is backed up and how. Projects are written as
// "site/project"; a leading "/" means the default site. The default site is
// also spelled "default" wherever a site is named. RefreshAfter is the age
// in days after which an unchanged backup is copied onto itself again; zero
// turns the refresh off.
type BackupConfig struct {
	Sites         []string    `mapstructure:"sites"`
	Projects      []string    `mapstructure:"projects"`
	ExcludedSites []string    `mapstructure:"excluded_sites"`
	Concurrency   int         `mapstructure:"concurrency"`
	SkipUnchanged bool        `mapstructure:"skip_unchanged"`
	TouchRemoved  bool        `mapstructure:"touch_removed"`
	RefreshAfter  int         `mapstructure:"refresh_after"`
	Retry         RetryConfig `mapstructure:"retry"`
}

type RetryConfig struct {
	MaxAttempts int           `mapstructure:"max_attempts"`
	BaseDelay   time.Duration `mapstructure:"base_delay"`
	MaxDelay    time.Duration `mapstructure:"max_delay"`
	Multiplier  float64       `mapstructure:"multiplier"`
}

type LoggingConfig struct {
	File       string `mapstructure:"file"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days"`
}

type TelemetryConfig struct {
	ProgressInterval time.Duration `mapstructure:"progress_interval"`
}

// DefaultConfig is the configuration before any file or environment
// variable is applied.
func DefaultConfig() *Config {
	policy := backup.DefaultPolicy()
	return &Config{
		Tableau: TableauConfig{
			APIVersion: tableau.DefaultAPIVersion,
			PageSize:   tableau.DefaultPageSize,
		},
		Storage: storageprofile.StorageProfile{
			Provider: storageprofile.ProviderS3,
		},
		Backup: BackupConfig{
			Concurrency:  backup.DefaultConcurrency,
			RefreshAfter: DefaultRefreshAfterDays,
			Retry: RetryConfig{
				MaxAttempts: policy.MaxAttempts,
				BaseDelay:   policy.BaseDelay,
				MaxDelay:    policy.MaxDelay,
				Multiplier:  policy.Multiplier,
			},
		},
		Logging: LoggingConfig{
			MaxSizeMB:  DefaultLogMaxSizeMB,
			MaxBackups: DefaultLogMaxBackups,
		},
		Telemetry: TelemetryConfig{
			ProgressInterval: DefaultProgressInterval,
		},
	}
}

// Load reads configuration from files and environment variables.
// Environment variables use the prefix "WBBACKUP" and the dot character
// in keys is replaced by an underscore. For example, "tableau.url" becomes
// "WBBACKUP_TABLEAU_URL". With an empty path, wbbackup.{toml,yaml,json} is
// looked up in the working directory and is optional.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	v := viper.New()
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("wbbackup")
		v.AddConfigPath(".")
	}
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	bindEnvs(v, cfg)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("reading config: %w", err)
		}
	}

	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("decoding config: %w", err)
	}
	cfg.Backup.Sites = splitList(cfg.Backup.Sites)
	cfg.Backup.Projects = splitList(cfg.Backup.Projects)
	cfg.Backup.ExcludedSites = splitList(cfg.Backup.ExcludedSites)
	return cfg, nil
}

// splitList accepts both list values and a single comma separated string,
// which is how lists arrive from the environment.
func splitList(in []string) []string {
	var out []string
	for _, s := range in {
		for _, part := range strings.Split(s, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
	}
	return out
}

// bindEnvs registers all keys within cfg so that viper will look up
// corresponding environment variables when unmarshalling.
func bindEnvs(v *viper.Viper, cfg any, parts ...string) {
	val := reflect.ValueOf(cfg)
	typ := reflect.TypeOf(cfg)
	if typ.Kind() == reflect.Ptr {
		val = val.Elem()
		typ = typ.Elem()
	}
	for i := 0; i < typ.NumField(); i++ {
		f := typ.Field(i)
		tag := f.Tag.Get("mapstructure")
		if tag == "-" {
			continue
		}
		if tag == "" {
			tag = strings.ToLower(f.Name)
		}
		key := append(slices.Clone(parts), tag)
		if f.Type.Kind() == reflect.Struct && f.Type != reflect.TypeOf(time.Time{}) {
			bindEnvs(v, val.Field(i).Interface(), key...)
			continue
		}
		_ = v.BindEnv(strings.Join(key, "."))
	}
}

// Validate reports every problem in the configuration at once.
func (c *Config) Validate() error {
	var errs *multierror.Error
	if c.Tableau.URL == "" {
		errs = multierror.Append(errs, errors.New("tableau.url is required"))
	}
	hasPassword := c.Tableau.Username != "" && c.Tableau.Password != ""
	hasToken := c.Tableau.TokenName != "" && c.Tableau.TokenSecret != ""
	if !hasPassword && !hasToken {
		errs = multierror.Append(errs, errors.New("tableau needs username and password, or token_name and token_secret"))
	}
	if err := c.Storage.Validate(); err != nil {
		errs = multierror.Append(errs, fmt.Errorf("storage: %w", err))
	}
	if c.Backup.Concurrency < 1 {
		errs = multierror.Append(errs, fmt.Errorf("backup.concurrency must be at least 1, got %d", c.Backup.Concurrency))
	}
	if c.Backup.RefreshAfter < 0 {
		errs = multierror.Append(errs, fmt.Errorf("backup.refresh_after must not be negative, got %d", c.Backup.RefreshAfter))
	}
	if err := c.RetryPolicy().Validate(); err != nil {
		errs = multierror.Append(errs, fmt.Errorf("backup.retry: %w", err))
	}
	if _, err := c.Targets(); err != nil {
		errs = multierror.Append(errs, err)
	}
	if c.Telemetry.ProgressInterval <= 0 {
		errs = multierror.Append(errs, fmt.Errorf("telemetry.progress_interval must be positive, got %s", c.Telemetry.ProgressInterval))
	}
	return errs.ErrorOrNil()
}

func (c *Config) RetryPolicy() backup.Policy {
	return backup.Policy{
		MaxAttempts: c.Backup.Retry.MaxAttempts,
		BaseDelay:   c.Backup.Retry.BaseDelay,
		MaxDelay:    c.Backup.Retry.MaxDelay,
		Multiplier:  c.Backup.Retry.Multiplier,
	}
}

// RefreshAge is how old an unchanged backup may get before it is refreshed.
func (c *Config) RefreshAge() time.Duration {
	return time.Duration(c.Backup.RefreshAfter) * 24 * time.Hour
}

// Targets converts the backup section into resolver targets.
func (c *Config) Targets() (backup.Targets, error) {
	t := backup.Targets{
		Sites:         siteIDs(c.Backup.Sites),
		ExcludedSites: siteIDs(c.Backup.ExcludedSites),
	}
	for _, p := range c.Backup.Projects {
		site, project, ok := strings.Cut(p, "/")
		if !ok || project == "" {
			return backup.Targets{}, fmt.Errorf("backup.projects entry %q must be written as site/project", p)
		}
		t.Projects = append(t.Projects, backup.ProjectRule{SiteID: siteID(site), ProjectID: project})
	}
	return t, nil
}

// siteID maps the "default" alias to the default site's empty content URL.
func siteID(s string) string {
	if s == backup.DefaultSiteSegment {
		return ""
	}
	return s
}

func siteIDs(in []string) []string {
	if in == nil {
		return nil
	}
	out := make([]string, len(in))
	for i, s := range in {
		out[i] = siteID(s)
	}
	return out
}

// OnlySite restricts the targets to a single site. A full-site rule for it
// survives, as do its project rules. A site with no rules at all is backed
// up whole.
func (c *Config) OnlySite(site string) {
	site = siteID(site)
	full := slices.ContainsFunc(c.Backup.Sites, func(s string) bool { return siteID(s) == site })

	var projects []string
	for _, p := range c.Backup.Projects {
		if s, _, _ := strings.Cut(p, "/"); siteID(s) == site {
			projects = append(projects, p)
		}
	}
	c.Backup.Projects = projects
	c.Backup.Sites = nil
	if full || len(projects) == 0 {
		c.Backup.Sites = []string{site}
	}
}

func (c *Config) TableauCredentials() tableau.Credentials {
	return tableau.Credentials{
		Username:    c.Tableau.Username,
		Password:    c.Tableau.Password,
		TokenName:   c.Tableau.TokenName,
		TokenSecret: c.Tableau.TokenSecret,
	}
}
