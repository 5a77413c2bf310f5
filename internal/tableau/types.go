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
	"encoding/json"
	"strconv"
	"strings"
	"time"
)

// flexInt decodes integers that Tableau sends either as JSON numbers or as
// quoted strings.
type flexInt int64

func (f *flexInt) UnmarshalJSON(b []byte) error {
	s := strings.Trim(string(b), `"`)
	if s == "" || s == "null" {
		*f = 0
		return nil
	}
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return err
	}
	*f = flexInt(n)
	return nil
}

type pagination struct {
	PageNumber     flexInt `json:"pageNumber"`
	PageSize       flexInt `json:"pageSize"`
	TotalAvailable flexInt `json:"totalAvailable"`
}

type signInRequest struct {
	Credentials signInCredentials `json:"credentials"`
}

type signInCredentials struct {
	Name                      string     `json:"name,omitempty"`
	Password                  string     `json:"password,omitempty"`
	PersonalAccessTokenName   string     `json:"personalAccessTokenName,omitempty"`
	PersonalAccessTokenSecret string     `json:"personalAccessTokenSecret,omitempty"`
	Site                      siteHandle `json:"site"`
}

type siteHandle struct {
	ID         string `json:"id,omitempty"`
	ContentURL string `json:"contentUrl"`
}

type signInResponse struct {
	Credentials struct {
		Token string     `json:"token"`
		Site  siteHandle `json:"site"`
		User  struct {
			ID string `json:"id"`
		} `json:"user"`
	} `json:"credentials"`
}

type idRef struct {
	ID   string `json:"id"`
	Name string `json:"name,omitempty"`
}

type workbookJSON struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Project   idRef     `json:"project"`
	Owner     idRef     `json:"owner"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
	Size      flexInt   `json:"size"`
}

type workbooksResponse struct {
	Pagination pagination `json:"pagination"`
	Workbooks  struct {
		Workbook []workbookJSON `json:"workbook"`
	} `json:"workbooks"`
}

type projectJSON struct {
	ID              string `json:"id"`
	Name            string `json:"name"`
	ParentProjectID string `json:"parentProjectId,omitempty"`
}

type projectsResponse struct {
	Pagination pagination `json:"pagination"`
	Projects   struct {
		Project []projectJSON `json:"project"`
	} `json:"projects"`
}

type userJSON struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	FullName string `json:"fullName,omitempty"`
}

type usersResponse struct {
	Pagination pagination `json:"pagination"`
	Users      struct {
		User []userJSON `json:"user"`
	} `json:"users"`
}

type errorResponse struct {
	Error struct {
		Summary string `json:"summary"`
		Detail  string `json:"detail"`
		Code    string `json:"code"`
	} `json:"error"`
}

// apiErrorMessage extracts the server's error summary, falling back to the
// raw body.
func apiErrorMessage(body []byte) string {
	var er errorResponse
	if err := json.Unmarshal(body, &er); err == nil && er.Error.Summary != "" {
		msg := er.Error.Summary
		if er.Error.Detail != "" {
			msg += ": " + er.Error.Detail
		}
		if er.Error.Code != "" {
			msg += " (" + er.Error.Code + ")"
		}
		return msg
	}
	const maxBody = 256
	s := strings.TrimSpace(string(body))
	if len(s) > maxBody {
		s = s[:maxBody] + "..."
	}
	return s
}
