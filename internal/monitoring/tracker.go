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

package monitoring

import (
	"context"
	"log/slog"
	"maps"
	"slices"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/cardinalhq/wbbackup/internal/backup"
)

// Filtered replaces the value of any field whose name looks like a secret.
const Filtered = "[Filtered]"

// DefaultDenylist holds substrings of field names that are never exported.
var DefaultDenylist = []string{
	"access_key",
	"key_id",
	"s3_creds",
	"tab_pass",
	"tableau_cred",
	"password",
	"secret",
	"token",
}

// Tracker implements backup.ErrorTracker. Every captured failure becomes an
// error span and an error log record.
type Tracker struct {
	tracer   trace.Tracer
	ll       *slog.Logger
	denylist []string
}

var _ backup.ErrorTracker = (*Tracker)(nil)

type TrackerOption func(*Tracker)

func WithTracerProvider(tp trace.TracerProvider) TrackerOption {
	return func(t *Tracker) {
		t.tracer = tp.Tracer(instrumentationName)
	}
}

func WithTrackerLogger(ll *slog.Logger) TrackerOption {
	return func(t *Tracker) {
		t.ll = ll
	}
}

// WithDenylist adds field name substrings to scrub.
func WithDenylist(names ...string) TrackerOption {
	return func(t *Tracker) {
		for _, n := range names {
			t.denylist = append(t.denylist, strings.ToLower(n))
		}
	}
}

func NewTracker(opts ...TrackerOption) *Tracker {
	t := &Tracker{
		tracer:   otel.Tracer(instrumentationName),
		ll:       slog.Default(),
		denylist: slices.Clone(DefaultDenylist),
	}
	for _, opt := range opts {
		opt(t)
	}
	t.ll = t.ll.With(slog.String("component", "tracker"))
	return t
}

func (t *Tracker) CaptureError(ctx context.Context, kind backup.FailureKind, err error, fields map[string]string) error {
	fields = t.Scrub(fields)

	attrs := make([]attribute.KeyValue, 0, len(fields)+1)
	logAttrs := make([]any, 0, len(fields)+2)
	attrs = append(attrs, attribute.String("error.kind", string(kind)))
	logAttrs = append(logAttrs, slog.String("kind", string(kind)))
	for _, k := range slices.Sorted(maps.Keys(fields)) {
		attrs = append(attrs, attribute.String(k, fields[k]))
		logAttrs = append(logAttrs, slog.String(k, fields[k]))
	}
	logAttrs = append(logAttrs, slog.Any("error", err))

	_, span := t.tracer.Start(ctx, "wbbackup.workbook.failure", trace.WithAttributes(attrs...))
	span.RecordError(err)
	span.SetStatus(codes.Error, string(kind))
	span.End()

	t.ll.Error("Workbook backup failed", logAttrs...)
	return nil
}

// Scrub returns a copy of fields with secret-looking values replaced.
func (t *Tracker) Scrub(fields map[string]string) map[string]string {
	out := make(map[string]string, len(fields))
	for k, v := range fields {
		if t.denied(k) {
			v = Filtered
		}
		out[k] = v
	}
	return out
}

func (t *Tracker) denied(name string) bool {
	name = strings.ToLower(name)
	for _, d := range t.denylist {
		if strings.Contains(name, d) {
			return true
		}
	}
	return false
}
