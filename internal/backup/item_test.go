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
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestDestinationKey(t *testing.T) {
	tests := []struct {
		name string
		item Item
		want string
	}{
		{
			name: "site scoped",
			item: Item{SiteID: "finance", WorkbookID: "wb-1", WorkbookName: "Quarterly Report"},
			want: "finance/_site/Quarterly Report-wb-1.twbx",
		},
		{
			name: "project scoped",
			item: Item{SiteID: "finance", ProjectID: "proj-9", WorkbookID: "wb-1", WorkbookName: "Quarterly Report"},
			want: "finance/proj-9/Quarterly Report-wb-1.twbx",
		},
		{
			name: "default site",
			item: Item{WorkbookID: "wb-2", WorkbookName: "Sales"},
			want: "default/_site/Sales-wb-2.twbx",
		},
		{
			name: "separators in name",
			item: Item{SiteID: "s", WorkbookID: "wb-3", WorkbookName: "a/b\\c"},
			want: "s/_site/a_b_c-wb-3.twbx",
		},
		{
			name: "dot dot name",
			item: Item{SiteID: "s", WorkbookID: "wb-4", WorkbookName: ".."},
			want: "s/_site/__-wb-4.twbx",
		},
		{
			name: "empty name",
			item: Item{SiteID: "s", WorkbookID: "wb-5"},
			want: "s/_site/workbook-wb-5.twbx",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.item.DestinationKey())
		})
	}
}

func TestDestinationKey_IgnoresRevisionAndMetadata(t *testing.T) {
	a := Item{SiteID: "s", WorkbookID: "wb", WorkbookName: "n", ContentRevision: "r1", Size: 1}
	b := a
	b.ContentRevision = "r2"
	b.Size = 99
	b.UpdatedAt = time.Now()
	assert.Equal(t, a.DestinationKey(), b.DestinationKey())
}

func TestNewItem(t *testing.T) {
	w := wb("wb-1", "Ops")
	it := newItem("site-a", "proj", w)

	assert.Equal(t, "site-a", it.SiteID)
	assert.Equal(t, "proj", it.ProjectID)
	assert.Equal(t, "wb-1", it.WorkbookID)
	assert.Equal(t, "Ops", it.WorkbookName)
	assert.Equal(t, "2024-06-07T08:09:10Z", it.ContentRevision)
	assert.Equal(t, int64(42), it.Size)

	noRev := newItem("site-a", "", Workbook{ID: "x", Name: "y"})
	assert.Empty(t, noRev.ContentRevision)
}

func TestItemTags(t *testing.T) {
	it := newItem("site-a", "", wb("wb-1", "Ops"))
	tags := it.Tags()
	assert.Equal(t, map[string]string{
		"tab_id":         "wb-1",
		"tab_owner":      "owner-1",
		"tab_created_at": "2024-01-02 03:04:05+0000",
		"tab_updated_at": "2024-06-07 08:09:10+0000",
	}, tags)

	named := wb("wb-3", "Ops")
	named.OwnerName = "jdoe"
	assert.Equal(t, "jdoe", newItem("site-a", "", named).Tags()["tab_owner"])

	bare := Item{WorkbookID: "wb-2"}
	assert.Equal(t, map[string]string{"tab_id": "wb-2"}, bare.Tags())
}
