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

package backup

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	mapset "github.com/deckarep/golang-set/v2"
)

// ErrNoTargets is returned when neither site nor project rules are configured.
var ErrNoTargets = errors.New("no backup targets configured")

// ProjectRule selects the workbooks of a single project.
type ProjectRule struct {
	SiteID    string
	ProjectID string
}

func (r ProjectRule) String() string {
	return fmt.Sprintf("project %q on site %q", r.ProjectID, r.SiteID)
}

// Targets is the parsed selection of what to back up.
type Targets struct {
	Sites         []string
	Projects      []ProjectRule
	ExcludedSites []string
}

// Resolver turns Targets into a flat, deduplicated list of items.
type Resolver struct {
	lister WorkbookLister
	ll     *slog.Logger
}

func NewResolver(lister WorkbookLister, logger *slog.Logger) *Resolver {
	if logger == nil {
		logger = slog.Default()
	}
	return &Resolver{
		lister: lister,
		ll:     logger.With("component", "resolver"),
	}
}

// Resolve lists every configured site and project. Site rules are processed
// before project rules; a workbook reached by more than one rule keeps the
// item from its first match. Any listing failure aborts resolution with a
// *ResolutionError.
func (r *Resolver) Resolve(ctx context.Context, t Targets) ([]Item, error) {
	if len(t.Sites) == 0 && len(t.Projects) == 0 {
		return nil, &ResolutionError{Err: ErrNoTargets}
	}

	excluded := mapset.NewThreadUnsafeSet(t.ExcludedSites...)
	seen := mapset.NewThreadUnsafeSet[itemKey]()
	var items []Item

	add := func(siteID, projectID string, workbooks []Workbook) int {
		added := 0
		for _, wb := range workbooks {
			it := newItem(siteID, projectID, wb)
			if !seen.Add(it.identity()) {
				continue
			}
			items = append(items, it)
			added++
		}
		return added
	}

	sitesDone := mapset.NewThreadUnsafeSet[string]()
	for _, site := range t.Sites {
		if excluded.Contains(site) {
			r.ll.Info("Skipping excluded site", slog.String("site", site))
			continue
		}
		if !sitesDone.Add(site) {
			continue
		}
		wbs, err := r.lister.ListSiteWorkbooks(ctx, site)
		if err != nil {
			return nil, &ResolutionError{Rule: fmt.Sprintf("site %q", site), Err: err}
		}
		n := add(site, "", wbs)
		r.ll.Info("Resolved site", slog.String("site", site), slog.Int("listed", len(wbs)), slog.Int("added", n))
	}

	for _, rule := range t.Projects {
		if excluded.Contains(rule.SiteID) {
			r.ll.Info("Skipping project on excluded site", slog.String("site", rule.SiteID), slog.String("project", rule.ProjectID))
			continue
		}
		wbs, err := r.lister.ListProjectWorkbooks(ctx, rule.SiteID, rule.ProjectID)
		if err != nil {
			return nil, &ResolutionError{Rule: rule.String(), Err: err}
		}
		n := add(rule.SiteID, rule.ProjectID, wbs)
		r.ll.Info("Resolved project",
			slog.String("site", rule.SiteID),
			slog.String("project", rule.ProjectID),
			slog.Int("listed", len(wbs)),
			slog.Int("added", n))
	}

	return items, nil
}
