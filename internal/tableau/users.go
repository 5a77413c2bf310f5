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
	"log/slog"

	"github.com/jellydator/ttlcache/v3"
)

// ownerNames maps the user ids of a site to user names. The map is cached
// per site for the session lifetime and concurrent callers share one
// listing. Listing users needs site administrator rights; when it fails the
// empty map is cached and workbooks carry only the owner id.
func (c *Client) ownerNames(ctx context.Context, siteID string) map[string]string {
	loader := ttlcache.LoaderFunc[string, map[string]string](
		func(cache *ttlcache.Cache[string, map[string]string], key string) *ttlcache.Item[string, map[string]string] {
			users, err := c.listUsers(ctx, key)
			if err != nil {
				c.ll.Warn("Failed to list site users, owner tags will carry user ids (continuing)",
					slog.String("site", key), slog.Any("error", err))
			}
			names := make(map[string]string, len(users))
			for _, u := range users {
				names[u.ID] = u.Name
			}
			return cache.Set(key, names, ttlcache.DefaultTTL)
		},
	)
	item := c.owners.Get(siteID, ttlcache.WithLoader[string, map[string]string](
		ttlcache.NewSuppressedLoader[string, map[string]string](loader, &c.userLoads)))
	if item == nil {
		return nil
	}
	return item.Value()
}

func (c *Client) listUsers(ctx context.Context, siteID string) ([]userJSON, error) {
	const op = "list users"
	var all []userJSON
	err := c.pages(ctx, siteID, op, "users", func(data []byte) (int, int, error) {
		resp, err := decode[usersResponse](op, data)
		if err != nil {
			return 0, 0, err
		}
		all = append(all, resp.Users.User...)
		return len(resp.Users.User), int(resp.Pagination.TotalAvailable), nil
	})
	if err != nil {
		return nil, err
	}
	c.ll.Debug("Listed users", slog.String("site", siteID), slog.Int("count", len(all)))
	return all, nil
}
