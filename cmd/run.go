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

package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/cardinalhq/wbbackup/config"
	"github.com/cardinalhq/wbbackup/internal/cloudstorage"
	"github.com/cardinalhq/wbbackup/internal/monitoring"
	"github.com/cardinalhq/wbbackup/internal/runner"
	"github.com/cardinalhq/wbbackup/internal/tableau"
)

const exitSetupFailure = runner.ExitSetupFailure

// exitCode is what Execute exits with once the command returns without error.
var exitCode int

func init() {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Back up the configured workbooks",
		Args:  cobra.NoArgs,
		RunE: func(_ *cobra.Command, _ []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}

			doneCtx, doneFx, err := setupTelemetry(cfg.Logging)
			if err != nil {
				return fmt.Errorf("failed to setup telemetry: %w", err)
			}
			defer func() {
				if err := doneFx(); err != nil {
					slog.Error("Error shutting down telemetry", slog.Any("error", err))
				}
			}()

			code, err := runBackup(doneCtx, cfg)
			exitCode = code
			return err
		},
	}

	rootCmd.AddCommand(cmd)
}

// loadConfig reads and validates the configuration. TS_SITE_NAME limits the
// run to one site.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	if site, ok := os.LookupEnv("TS_SITE_NAME"); ok {
		cfg.OnlySite(site)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func newTableauClient(cfg *config.Config) (*tableau.Client, error) {
	opts := []tableau.Option{
		tableau.WithLogger(slog.Default()),
	}
	if cfg.Tableau.APIVersion != "" {
		opts = append(opts, tableau.WithAPIVersion(cfg.Tableau.APIVersion))
	}
	if cfg.Tableau.PageSize > 0 {
		opts = append(opts, tableau.WithPageSize(cfg.Tableau.PageSize))
	}
	if cfg.Tableau.RequestsPerSecond > 0 {
		opts = append(opts, tableau.WithRequestsPerSecond(cfg.Tableau.RequestsPerSecond))
	}
	return tableau.New(cfg.Tableau.URL, cfg.TableauCredentials(), opts...)
}

func newRunner(ctx context.Context, cfg *config.Config, src *tableau.Client, opts ...runner.Option) (*runner.Runner, error) {
	store, err := cloudstorage.New(ctx, cfg.Storage)
	if err != nil {
		return nil, fmt.Errorf("failed to create object store: %w", err)
	}
	targets, err := cfg.Targets()
	if err != nil {
		return nil, err
	}
	return runner.New(src, store, targets, opts...), nil
}

func runBackup(ctx context.Context, cfg *config.Config) (int, error) {
	src, err := newTableauClient(cfg)
	if err != nil {
		return exitSetupFailure, err
	}
	defer src.SignOut(context.WithoutCancel(ctx))

	metrics, err := monitoring.NewMetrics()
	if err != nil {
		return exitSetupFailure, fmt.Errorf("failed to create metrics: %w", err)
	}
	tracker := monitoring.NewTracker(monitoring.WithTrackerLogger(slog.Default()))

	r, err := newRunner(ctx, cfg, src,
		runner.WithPolicy(cfg.RetryPolicy()),
		runner.WithConcurrency(cfg.Backup.Concurrency),
		runner.WithSkipUnchanged(cfg.Backup.SkipUnchanged),
		runner.WithTouchRemoved(cfg.Backup.TouchRemoved),
		runner.WithRefreshAfter(cfg.RefreshAge()),
		runner.WithProgressInterval(cfg.Telemetry.ProgressInterval),
		runner.WithMetrics(metrics),
		runner.WithErrorTracker(tracker),
		runner.WithLogger(slog.Default()),
	)
	if err != nil {
		return exitSetupFailure, err
	}

	summary, err := r.Run(ctx)
	code := runner.ExitCode(summary, err)
	if err != nil {
		slog.Error("Backup run could not start", slog.Any("error", err))
		return code, nil
	}
	slog.Info("Backup run finished",
		slog.String("runID", summary.RunID),
		slog.String("state", summary.State.String()),
		slog.Int("exitCode", code))
	return code, nil
}
