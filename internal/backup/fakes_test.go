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
	"fmt"
	"sync"
	"sync/atomic"
	"time"
)

// fakeSource serves workbooks from memory. downloadErrs scripts the errors
// returned by successive download attempts of a workbook.
type fakeSource struct {
	mu           sync.Mutex
	sites        map[string][]Workbook
	projects     map[string][]Workbook // keyed by site + "/" + project
	listErr      error
	downloadErrs map[string][]error
	downloads    map[string]int
	panicOn      string
	block        chan struct{}

	inFlight    atomic.Int32
	maxInFlight atomic.Int32
}

func newFakeSource() *fakeSource {
	return &fakeSource{
		sites:        map[string][]Workbook{},
		projects:     map[string][]Workbook{},
		downloadErrs: map[string][]error{},
		downloads:    map[string]int{},
	}
}

func (f *fakeSource) ListSiteWorkbooks(_ context.Context, siteID string) ([]Workbook, error) {
	if f.listErr != nil {
		return nil, f.listErr
	}
	wbs, ok := f.sites[siteID]
	if !ok {
		return nil, NewError(KindNotFound, "list site workbooks", fmt.Errorf("site %q not found", siteID))
	}
	return wbs, nil
}

func (f *fakeSource) ListProjectWorkbooks(_ context.Context, siteID, projectID string) ([]Workbook, error) {
	if f.listErr != nil {
		return nil, f.listErr
	}
	wbs, ok := f.projects[siteID+"/"+projectID]
	if !ok {
		return nil, NewError(KindNotFound, "list project workbooks", fmt.Errorf("project %q not found", projectID))
	}
	return wbs, nil
}

func (f *fakeSource) DownloadWorkbook(ctx context.Context, siteID, workbookID string) ([]byte, error) {
	n := f.inFlight.Add(1)
	defer f.inFlight.Add(-1)
	for {
		cur := f.maxInFlight.Load()
		if n <= cur || f.maxInFlight.CompareAndSwap(cur, n) {
			break
		}
	}

	if f.block != nil {
		select {
		case <-f.block:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if workbookID == f.panicOn {
		panic("boom")
	}

	f.mu.Lock()
	attempt := f.downloads[workbookID]
	f.downloads[workbookID]++
	var err error
	if errs := f.downloadErrs[workbookID]; attempt < len(errs) {
		err = errs[attempt]
	}
	f.mu.Unlock()

	if err != nil {
		return nil, err
	}
	return []byte("content-of-" + workbookID), nil
}

func (f *fakeSource) downloadCount(workbookID string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.downloads[workbookID]
}

// fakeStore keeps objects in memory. failKeys makes every Put for a key fail.
type fakeStore struct {
	mu       sync.Mutex
	objects  map[string][]byte
	tags     map[string]map[string]string
	puts     map[string]int
	failKeys map[string]error
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		objects:  map[string][]byte{},
		tags:     map[string]map[string]string{},
		puts:     map[string]int{},
		failKeys: map[string]error{},
	}
}

func (s *fakeStore) Put(_ context.Context, key string, data []byte, tags map[string]string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.puts[key]++
	if err, ok := s.failKeys[key]; ok {
		return err
	}
	s.objects[key] = append([]byte(nil), data...)
	s.tags[key] = tags
	return nil
}

func (s *fakeStore) putCount(key string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.puts[key]
}

func (s *fakeStore) objectCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.objects)
}

type recordingEvents struct {
	mu     sync.Mutex
	events []AttemptEvent
}

func (r *recordingEvents) RecordAttempt(_ context.Context, ev AttemptEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *recordingEvents) all() []AttemptEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]AttemptEvent(nil), r.events...)
}

// fastPolicy retries with millisecond delays so tests run on the wall clock.
func fastPolicy() Policy {
	return Policy{
		MaxAttempts: 3,
		BaseDelay:   time.Millisecond,
		MaxDelay:    4 * time.Millisecond,
		Multiplier:  2,
	}
}

func wb(id, name string) Workbook {
	return Workbook{
		ID:          id,
		Name:        name,
		ProjectID:   "p-" + id,
		ProjectName: "Finance",
		OwnerID:     "owner-1",
		CreatedAt:   time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC),
		UpdatedAt:   time.Date(2024, 6, 7, 8, 9, 10, 0, time.UTC),
		Size:        42,
	}
}

func testItem(id string) Item {
	return newItem("site-a", "", wb(id, "Workbook "+id))
}
