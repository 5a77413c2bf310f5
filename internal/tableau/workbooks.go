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

package tableau

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"

	"github.com/cardinalhq/wbbackup/internal/backup"
)

// maxPages bounds paging in case the server keeps reporting more results.
const maxPages = 10000

// ListSiteWorkbooks returns every workbook on the site.
func (c *Client) ListSiteWorkbooks(ctx context.Context, siteID string) ([]backup.Workbook, error) {
	raw, err := c.listWorkbooks(ctx, siteID)
	if err != nil {
		return nil, err
	}
	owners := c.ownerNames(ctx, siteID)
	out := make([]backup.Workbook, 0, len(raw))
	for _, wb := range raw {
		out = append(out, toWorkbook(wb, owners))
	}
	return out, nil
}

// ListProjectWorkbooks returns the workbooks directly inside a project. The
// project may be given by id or by name; an unknown project is NotFound.
func (c *Client) ListProjectWorkbooks(ctx context.Context, siteID, projectID string) ([]backup.Workbook, error) {
	project, err := c.findProject(ctx, siteID, projectID)
	if err != nil {
		return nil, err
	}
	raw, err := c.listWorkbooks(ctx, siteID)
	if err != nil {
		return nil, err
	}
	owners := c.ownerNames(ctx, siteID)
	var out []backup.Workbook
	for _, wb := range raw {
		if wb.Project.ID == project.ID {
			out = append(out, toWorkbook(wb, owners))
		}
	}
	return out, nil
}

// DownloadWorkbook fetches the packaged workbook including its extracts.
func (c *Client) DownloadWorkbook(ctx context.Context, siteID, workbookID string) ([]byte, error) {
	op := "download workbook " + workbookID
	return c.authed(ctx, siteID, func(s session) ([]byte, error) {
		u := c.apiURL("sites", s.siteLUID, "workbooks", url.PathEscape(workbookID), "content") + "?includeExtract=true"
		data, err := c.do(ctx, op, http.MethodGet, u, s.token, nil)
		if err != nil {
			return nil, err
		}
		if len(data) == 0 {
			return nil, backup.NewError(backup.KindMalformedContent, op, fmt.Errorf("empty workbook content"))
		}
		return data, nil
	})
}

// toWorkbook converts a listing entry. owners maps user ids to user names
// and may be nil.
func toWorkbook(wb workbookJSON, owners map[string]string) backup.Workbook {
	return backup.Workbook{
		ID:          wb.ID,
		Name:        wb.Name,
		ProjectID:   wb.Project.ID,
		ProjectName: wb.Project.Name,
		OwnerID:     wb.Owner.ID,
		OwnerName:   owners[wb.Owner.ID],
		CreatedAt:   wb.CreatedAt,
		UpdatedAt:   wb.UpdatedAt,
		Size:        int64(wb.Size),
	}
}

func (c *Client) listWorkbooks(ctx context.Context, siteID string) ([]workbookJSON, error) {
	const op = "list workbooks"
	var all []workbookJSON
	err := c.pages(ctx, siteID, op, "workbooks", func(data []byte) (int, int, error) {
		resp, err := decode[workbooksResponse](op, data)
		if err != nil {
			return 0, 0, err
		}
		all = append(all, resp.Workbooks.Workbook...)
		return len(resp.Workbooks.Workbook), int(resp.Pagination.TotalAvailable), nil
	})
	if err != nil {
		return nil, err
	}
	c.ll.Debug("Listed workbooks", slog.String("site", siteID), slog.Int("count", len(all)))
	return all, nil
}

func (c *Client) listProjects(ctx context.Context, siteID string) ([]projectJSON, error) {
	const op = "list projects"
	var all []projectJSON
	err := c.pages(ctx, siteID, op, "projects", func(data []byte) (int, int, error) {
		resp, err := decode[projectsResponse](op, data)
		if err != nil {
			return 0, 0, err
		}
		all = append(all, resp.Projects.Project...)
		return len(resp.Projects.Project), int(resp.Pagination.TotalAvailable), nil
	})
	return all, err
}

func (c *Client) findProject(ctx context.Context, siteID, ref string) (projectJSON, error) {
	projects, err := c.listProjects(ctx, siteID)
	if err != nil {
		return projectJSON{}, err
	}
	for _, p := range projects {
		if p.ID == ref {
			return p, nil
		}
	}
	var match *projectJSON
	for i, p := range projects {
		if p.Name != ref {
			continue
		}
		if match != nil {
			return projectJSON{}, backup.NewError(backup.KindMalformedContent, "find project",
				fmt.Errorf("project name %q is ambiguous on site %q, use the project id", ref, siteID))
		}
		match = &projects[i]
	}
	if match == nil {
		return projectJSON{}, backup.NewError(backup.KindNotFound, "find project",
			fmt.Errorf("project %q not found on site %q", ref, siteID))
	}
	return *match, nil
}

// pages walks a paged collection under /sites/<luid>/<collection>. handle
// decodes one page and reports how many entries it held and the server's
// total.
func (c *Client) pages(ctx context.Context, siteID, op, collection string, handle func([]byte) (int, int, error)) error {
	seen := 0
	for page := 1; page <= maxPages; page++ {
		data, err := c.authed(ctx, siteID, func(s session) ([]byte, error) {
			q := url.Values{}
			q.Set("pageSize", strconv.Itoa(c.pageSize))
			q.Set("pageNumber", strconv.Itoa(page))
			u := c.apiURL("sites", s.siteLUID, collection) + "?" + q.Encode()
			return c.do(ctx, op, http.MethodGet, u, s.token, nil)
		})
		if err != nil {
			return err
		}
		n, total, err := handle(data)
		if err != nil {
			return err
		}
		seen += n
		if n == 0 || seen >= total {
			return nil
		}
	}
	return backup.NewError(backup.KindMalformedContent, op, fmt.Errorf("more than %d pages", maxPages))
}
