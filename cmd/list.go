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
	"io"
	"log/slog"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/cardinalhq/wbbackup/config"
	"github.com/cardinalhq/wbbackup/internal/backup"
)

func init() {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "Resolve the configured targets and print the workbooks a run would back up",
		Args:  cobra.NoArgs,
		RunE: func(c *cobra.Command, _ []string) error {
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

			src, err := newTableauClient(cfg)
			if err != nil {
				return err
			}
			defer src.SignOut(context.WithoutCancel(doneCtx))

			items, err := resolveItems(doneCtx, cfg, src)
			if err != nil {
				return err
			}
			return printItems(c.OutOrStdout(), items)
		},
	}

	rootCmd.AddCommand(cmd)
}

// resolveItems lists the configured targets. Only the Tableau side is
// contacted, so listing works without storage credentials.
func resolveItems(ctx context.Context, cfg *config.Config, lister backup.WorkbookLister) ([]backup.Item, error) {
	targets, err := cfg.Targets()
	if err != nil {
		return nil, err
	}
	return backup.NewResolver(lister, slog.Default()).Resolve(ctx, targets)
}

func printItems(out io.Writer, items []backup.Item) error {
	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "SITE\tPROJECT\tWORKBOOK\tID\tUPDATED\tKEY")
	for _, it := range items {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
			it.SiteID, it.ProjectName, it.WorkbookName, it.WorkbookID,
			it.ContentRevision, it.DestinationKey())
	}
	return w.Flush()
}
