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
	"errors"
	"log/slog"
	"net/http"

	"github.com/jellydator/ttlcache/v3"

	"github.com/cardinalhq/wbbackup/internal/backup"
)

type session struct {
	token    string
	siteLUID string
	userID   string
}

type sessionValue struct {
	session
	error
}

// session returns the cached session for the site, signing in when there is
// none. Concurrent callers for the same site share one sign-in. Failed
// sign-ins are not cached.
func (c *Client) session(ctx context.Context, siteID string) (session, error) {
	loader := ttlcache.LoaderFunc[string, sessionValue](
		func(cache *ttlcache.Cache[string, sessionValue], key string) *ttlcache.Item[string, sessionValue] {
			s, err := c.signIn(ctx, key)
			return cache.Set(key, sessionValue{session: s, error: err}, ttlcache.DefaultTTL)
		},
	)
	v := c.sessions.Get(siteID, ttlcache.WithLoader[string, sessionValue](ttlcache.NewSuppressedLoader[string, sessionValue](loader, &c.signins)))
	if v == nil {
		return session{}, backup.NewError(backup.KindInternal, "sign in", errors.New("session cache returned nothing"))
	}
	if err := v.Value().error; err != nil {
		c.sessions.Delete(siteID)
		return session{}, err
	}
	return v.Value().session, nil
}

func (c *Client) signIn(ctx context.Context, siteID string) (session, error) {
	creds := signInCredentials{
		Site: siteHandle{ContentURL: siteID},
	}
	if c.creds.TokenName != "" {
		creds.PersonalAccessTokenName = c.creds.TokenName
		creds.PersonalAccessTokenSecret = c.creds.TokenSecret
	} else {
		creds.Name = c.creds.Username
		creds.Password = c.creds.Password
	}

	const op = "sign in"
	data, err := c.do(ctx, op, http.MethodPost, c.apiURL("auth", "signin"), "", signInRequest{Credentials: creds})
	if err != nil {
		// Tableau answers 401 for unknown sites as well as bad credentials.
		var se *StatusError
		if errors.As(err, &se) && se.StatusCode == http.StatusUnauthorized {
			c.ll.Warn("Tableau sign-in rejected", slog.String("site", siteID), slog.Any("error", err))
		}
		return session{}, err
	}
	resp, err := decode[signInResponse](op, data)
	if err != nil {
		return session{}, err
	}
	if resp.Credentials.Token == "" || resp.Credentials.Site.ID == "" {
		return session{}, backup.NewError(backup.KindMalformedContent, op, errors.New("sign-in response has no token or site id"))
	}

	c.ll.Debug("Signed in to Tableau site", slog.String("site", siteID), slog.String("siteLUID", resp.Credentials.Site.ID))
	return session{
		token:    resp.Credentials.Token,
		siteLUID: resp.Credentials.Site.ID,
		userID:   resp.Credentials.User.ID,
	}, nil
}

// SignOut ends every cached session. Errors are logged and ignored.
func (c *Client) SignOut(ctx context.Context) {
	for siteID, item := range c.sessions.Items() {
		v := item.Value()
		if v.error != nil {
			continue
		}
		if _, err := c.do(ctx, "sign out", http.MethodPost, c.apiURL("auth", "signout"), v.token, nil); err != nil {
			c.ll.Warn("Tableau sign-out failed (ignored)", slog.String("site", siteID), slog.Any("error", err))
		}
	}
	c.sessions.DeleteAll()
}
