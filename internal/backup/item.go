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
	"path"
	"strings"
	"time"
	"unicode"
)

const (
	// DefaultSiteSegment names the Tableau default site (empty content URL) in destination keys.
	DefaultSiteSegment = "default"
	// SiteScopeSegment replaces the project segment for items matched by a full-site rule.
	SiteScopeSegment = "_site"

	workbookExt = ".twbx"

	// TagTimeLayout formats workbook timestamps in tags and the upload manifest.
	TagTimeLayout = "2006-01-02 15:04:05-0700"
)

// Workbook is the metadata the workbook source returns for one listed workbook.
type Workbook struct {
	ID          string
	Name        string
	ProjectID   string
	ProjectName string
	OwnerID     string
	OwnerName   string // empty when the source could not resolve it
	CreatedAt   time.Time
	UpdatedAt   time.Time
	Size        int64
}

// Item identifies one workbook to back up. Items are immutable once resolved.
type Item struct {
	SiteID          string
	ProjectID       string
	WorkbookID      string
	WorkbookName    string
	ContentRevision string

	ProjectName string
	OwnerID     string
	OwnerName   string
	CreatedAt   time.Time
	UpdatedAt   time.Time
	Size        int64
}

// newItem builds an item from listing metadata. projectID is only set for
// items matched by a project rule.
func newItem(siteID, projectID string, wb Workbook) Item {
	it := Item{
		SiteID:       siteID,
		ProjectID:    projectID,
		WorkbookID:   wb.ID,
		WorkbookName: wb.Name,
		ProjectName:  wb.ProjectName,
		OwnerID:      wb.OwnerID,
		OwnerName:    wb.OwnerName,
		CreatedAt:    wb.CreatedAt,
		UpdatedAt:    wb.UpdatedAt,
		Size:         wb.Size,
	}
	if !wb.UpdatedAt.IsZero() {
		it.ContentRevision = wb.UpdatedAt.UTC().Format(time.RFC3339)
	}
	return it
}

// SiteSegment is the first path segment of every key for the item's site.
func SiteSegment(siteID string) string {
	if siteID == "" {
		return DefaultSiteSegment
	}
	return sanitizeSegment(siteID)
}

// DestinationKey derives the object key from the item identity only, so the
// same workbook maps to the same key on every run.
func (i Item) DestinationKey() string {
	project := SiteScopeSegment
	if i.ProjectID != "" {
		project = sanitizeSegment(i.ProjectID)
	}
	name := sanitizeSegment(i.WorkbookName)
	if name == "" {
		name = "workbook"
	}
	return path.Join(SiteSegment(i.SiteID), project, name+"-"+sanitizeSegment(i.WorkbookID)+workbookExt)
}

// Tags are attached to the uploaded object.
func (i Item) Tags() map[string]string {
	tags := map[string]string{
		"tab_id": i.WorkbookID,
	}
	switch {
	case i.OwnerName != "":
		tags["tab_owner"] = i.OwnerName
	case i.OwnerID != "":
		tags["tab_owner"] = i.OwnerID
	}
	if !i.CreatedAt.IsZero() {
		tags["tab_created_at"] = i.CreatedAt.Format(TagTimeLayout)
	}
	if !i.UpdatedAt.IsZero() {
		tags["tab_updated_at"] = i.UpdatedAt.Format(TagTimeLayout)
	}
	return tags
}

func (i Item) identity() itemKey {
	return itemKey{siteID: i.SiteID, workbookID: i.WorkbookID}
}

type itemKey struct {
	siteID     string
	workbookID string
}

func sanitizeSegment(s string) string {
	s = strings.TrimSpace(s)
	s = strings.Map(func(r rune) rune {
		switch {
		case r == '/' || r == '\\':
			return '_'
		case unicode.IsControl(r):
			return '_'
		default:
			return r
		}
	}, s)
	if s == "." || s == ".." {
		return strings.Repeat("_", len(s))
	}
	return s
}
