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

// Package manifest keeps the per-site record of uploaded workbooks. It lets
// a run skip workbooks that have not changed, refresh the objects of
// workbooks that were deleted from the server, and refresh backups that
// have not been rewritten for a while.
package manifest

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"maps"
	"path"
	"slices"
	"sync"
	"time"

	"github.com/hashicorp/go-multierror"

	"github.com/cardinalhq/wbbackup/internal/backup"
)

// FileName is stored under each site's key segment.
const FileName = "upload_state.json"

const dateLayout = "2006-01-02"

// Entry records one uploaded workbook.
type Entry struct {
	ID         string `json:"id"`
	Name       string `json:"name"`
	CreatedAt  string `json:"created_at"`
	UpdatedAt  string `json:"updated_at"`
	UploadDate string `json:"upload_date"`
	ObjectKey  string `json:"object_key"`
}

// Store is the subset of the object store the manifest needs.
type Store interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Put(ctx context.Context, key string, data []byte, tags map[string]string) error
	Touch(ctx context.Context, key string) error
}

// Manifests holds the loaded manifest of every site in the run. It is safe
// for concurrent use.
type Manifests struct {
	store Store
	ll    *slog.Logger

	mu    sync.RWMutex
	sites map[string]map[string]Entry
}

var _ backup.RevisionFilter = (*Manifests)(nil)

func New(store Store, ll *slog.Logger) *Manifests {
	if ll == nil {
		ll = slog.Default()
	}
	return &Manifests{
		store: store,
		ll:    ll.With(slog.String("component", "manifest")),
		sites: map[string]map[string]Entry{},
	}
}

// Key is where the manifest of a site is stored.
func Key(siteID string) string {
	return path.Join(backup.SiteSegment(siteID), FileName)
}

// Load reads the manifest of each site. A missing manifest starts empty. An
// unreadable one is logged and replaced, which means a full backup of that
// site.
func (m *Manifests) Load(ctx context.Context, siteIDs []string) error {
	for _, siteID := range siteIDs {
		m.mu.RLock()
		_, loaded := m.sites[siteID]
		m.mu.RUnlock()
		if loaded {
			continue
		}

		entries := map[string]Entry{}
		data, found, err := m.store.Get(ctx, Key(siteID))
		if err != nil {
			return fmt.Errorf("loading manifest for site %q: %w", siteID, err)
		}
		if found {
			if err := json.Unmarshal(data, &entries); err != nil {
				m.ll.Warn("Manifest is not valid JSON, starting fresh",
					slog.String("site", siteID), slog.Any("error", err))
				entries = map[string]Entry{}
			}
			if entries == nil {
				entries = map[string]Entry{}
			}
		}

		m.mu.Lock()
		m.sites[siteID] = entries
		m.mu.Unlock()
		m.ll.Debug("Loaded manifest", slog.String("site", siteID), slog.Int("entries", len(entries)))
	}
	return nil
}

// Unchanged reports whether the item was uploaded before with the same
// workbook id and timestamps.
func (m *Manifests) Unchanged(item backup.Item) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.sites[item.SiteID][item.DestinationKey()]
	if !ok || item.UpdatedAt.IsZero() {
		return false
	}
	return e.ID == item.WorkbookID &&
		e.UpdatedAt == item.UpdatedAt.Format(backup.TagTimeLayout) &&
		e.CreatedAt == item.CreatedAt.Format(backup.TagTimeLayout)
}

// Record adds an entry for every successful outcome whose site is loaded.
func (m *Manifests) Record(outcomes []backup.Outcome, at time.Time) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, o := range outcomes {
		if o.Status != backup.StatusSuccess {
			continue
		}
		entries, ok := m.sites[o.Item.SiteID]
		if !ok {
			continue
		}
		key := o.Item.DestinationKey()
		entries[key] = Entry{
			ID:         o.Item.WorkbookID,
			Name:       o.Item.WorkbookName,
			CreatedAt:  o.Item.CreatedAt.Format(backup.TagTimeLayout),
			UpdatedAt:  o.Item.UpdatedAt.Format(backup.TagTimeLayout),
			UploadDate: at.Format(dateLayout),
			ObjectKey:  key,
		}
		n++
	}
	return n
}

// Removed lists the entries of a site whose workbook is not among present.
// present must be the complete listing of the site.
func (m *Manifests) Removed(siteID string, present []backup.Item) []Entry {
	keep := make(map[string]bool, len(present))
	for _, it := range present {
		if it.SiteID == siteID {
			keep[it.DestinationKey()] = true
		}
	}

	m.mu.RLock()
	defer m.mu.RUnlock()
	entries := m.sites[siteID]
	var out []Entry
	for _, key := range slices.Sorted(maps.Keys(entries)) {
		if !keep[key] {
			out = append(out, entries[key])
		}
	}
	return out
}

// TouchRemoved refreshes the last-modified time of every removed workbook's
// object and drops its entry, so bucket lifecycle rules keep the last copy.
// An entry whose object is already gone is dropped too. Other failures keep
// the entry for the next run.
func (m *Manifests) TouchRemoved(ctx context.Context, siteID string, present []backup.Item) (int, error) {
	var errs *multierror.Error
	touched := 0
	for _, e := range m.Removed(siteID, present) {
		err := m.store.Touch(ctx, e.ObjectKey)
		switch {
		case err == nil:
			touched++
			m.ll.Info("Workbook no longer on server, refreshed its backup",
				slog.String("site", siteID), slog.String("key", e.ObjectKey))
		case backup.KindOf(err) == backup.KindNotFound:
			m.ll.Warn("Backup of removed workbook is missing, dropping entry",
				slog.String("site", siteID), slog.String("key", e.ObjectKey))
		default:
			errs = multierror.Append(errs, fmt.Errorf("touch %s: %w", e.ObjectKey, err))
			continue
		}
		m.drop(siteID, e.ObjectKey)
	}
	return touched, errs.ErrorOrNil()
}

// Outdated lists the entries of a site uploaded before cutoff. An entry with
// an unreadable upload date counts as outdated.
func (m *Manifests) Outdated(siteID string, cutoff time.Time) []Entry {
	m.mu.RLock()
	defer m.mu.RUnlock()
	entries := m.sites[siteID]
	var out []Entry
	for _, key := range slices.Sorted(maps.Keys(entries)) {
		e := entries[key]
		uploaded, err := time.Parse(dateLayout, e.UploadDate)
		if err != nil || uploaded.Before(cutoff) {
			out = append(out, e)
		}
	}
	return out
}

// TouchOutdated refreshes the objects of a site that were last uploaded more
// than maxAge before now and moves their upload date to now. Unchanged
// workbooks are never uploaded again while skipping is on, so without this
// a lifecycle rule would expire their only copy. An entry whose object is
// gone is dropped so the next run uploads the workbook again.
func (m *Manifests) TouchOutdated(ctx context.Context, siteID string, now time.Time, maxAge time.Duration) (int, error) {
	if maxAge <= 0 {
		return 0, nil
	}
	var errs *multierror.Error
	touched := 0
	for _, e := range m.Outdated(siteID, now.Add(-maxAge)) {
		if err := ctx.Err(); err != nil {
			errs = multierror.Append(errs, err)
			break
		}
		err := m.store.Touch(ctx, e.ObjectKey)
		switch {
		case err == nil:
			touched++
			m.setUploadDate(siteID, e.ObjectKey, now)
			m.ll.Debug("Refreshed outdated backup",
				slog.String("site", siteID), slog.String("key", e.ObjectKey), slog.String("uploadDate", e.UploadDate))
		case backup.KindOf(err) == backup.KindNotFound:
			m.ll.Warn("Backup is missing, dropping entry so it is uploaded again",
				slog.String("site", siteID), slog.String("key", e.ObjectKey))
			m.drop(siteID, e.ObjectKey)
		default:
			errs = multierror.Append(errs, fmt.Errorf("touch %s: %w", e.ObjectKey, err))
		}
	}
	return touched, errs.ErrorOrNil()
}

func (m *Manifests) setUploadDate(siteID, key string, at time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e, ok := m.sites[siteID][key]; ok {
		e.UploadDate = at.Format(dateLayout)
		m.sites[siteID][key] = e
	}
}

func (m *Manifests) drop(siteID, key string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.sites[siteID], key)
}

// Entries returns a copy of a site's manifest.
func (m *Manifests) Entries(siteID string) map[string]Entry {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return maps.Clone(m.sites[siteID])
}

// Save writes every loaded manifest back to the store.
func (m *Manifests) Save(ctx context.Context) error {
	m.mu.RLock()
	snapshot := make(map[string][]byte, len(m.sites))
	var errs *multierror.Error
	for siteID, entries := range m.sites {
		data, err := json.MarshalIndent(entries, "", "  ")
		if err != nil {
			errs = multierror.Append(errs, fmt.Errorf("encoding manifest for site %q: %w", siteID, err))
			continue
		}
		snapshot[siteID] = data
	}
	m.mu.RUnlock()

	for _, siteID := range slices.Sorted(maps.Keys(snapshot)) {
		if err := m.store.Put(ctx, Key(siteID), snapshot[siteID], nil); err != nil {
			errs = multierror.Append(errs, fmt.Errorf("saving manifest for site %q: %w", siteID, err))
			continue
		}
		m.ll.Info("Saved manifest", slog.String("site", siteID), slog.String("key", Key(siteID)))
	}
	return errs.ErrorOrNil()
}
