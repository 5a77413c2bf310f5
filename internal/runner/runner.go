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

// Package runner wires the resolver, coordinator, reporter and upload
// manifest into one backup run.
package runner

import (
	"context"
	"log/slog"
	"slices"
	"time"

	mapset "github.com/deckarep/golang-set/v2"
	"github.com/juju/clock"

	"github.com/cardinalhq/wbbackup/internal/backup"
	"github.com/cardinalhq/wbbackup/internal/heartbeat"
	"github.com/cardinalhq/wbbackup/internal/manifest"
)

const manifestSaveTimeout = 2 * time.Minute

// Metrics is everything a run reports while and after it runs.
type Metrics interface {
	backup.MetricsSink
	backup.EventSink
	RecordProgress(ctx context.Context, at time.Time, completed, total int)
}

// Store is the object store backups and manifests are written to.
type Store interface {
	backup.ObjectStore
	manifest.Store
}

type Runner struct {
	source  backup.WorkbookSource
	store   Store
	targets backup.Targets

	policy           backup.Policy
	concurrency      int
	skipUnchanged    bool
	touchRemoved     bool
	refreshAfter     time.Duration
	progressInterval time.Duration
	metrics          Metrics
	tracker          backup.ErrorTracker
	clock            clock.Clock
	runID            string
	ll               *slog.Logger
}

type Option func(*Runner)

func WithPolicy(p backup.Policy) Option {
	return func(r *Runner) {
		r.policy = p
	}
}

func WithConcurrency(n int) Option {
	return func(r *Runner) {
		r.concurrency = n
	}
}

// WithSkipUnchanged skips workbooks whose manifest entry matches the
// current id and timestamps.
func WithSkipUnchanged(skip bool) Option {
	return func(r *Runner) {
		r.skipUnchanged = skip
	}
}

// WithTouchRemoved refreshes the backups of workbooks that disappeared from
// sites backed up in full.
func WithTouchRemoved(touch bool) Option {
	return func(r *Runner) {
		r.touchRemoved = touch
	}
}

// WithRefreshAfter refreshes backups last uploaded longer than d ago. Zero
// turns the refresh off.
func WithRefreshAfter(d time.Duration) Option {
	return func(r *Runner) {
		r.refreshAfter = d
	}
}

func WithProgressInterval(d time.Duration) Option {
	return func(r *Runner) {
		r.progressInterval = d
	}
}

func WithMetrics(m Metrics) Option {
	return func(r *Runner) {
		r.metrics = m
	}
}

func WithErrorTracker(t backup.ErrorTracker) Option {
	return func(r *Runner) {
		r.tracker = t
	}
}

func WithClock(c clock.Clock) Option {
	return func(r *Runner) {
		r.clock = c
	}
}

func WithRunID(id string) Option {
	return func(r *Runner) {
		r.runID = id
	}
}

func WithLogger(ll *slog.Logger) Option {
	return func(r *Runner) {
		r.ll = ll
	}
}

func New(source backup.WorkbookSource, store Store, targets backup.Targets, opts ...Option) *Runner {
	r := &Runner{
		source:           source,
		store:            store,
		targets:          targets,
		policy:           backup.DefaultPolicy(),
		concurrency:      backup.DefaultConcurrency,
		progressInterval: time.Minute,
		clock:            clock.WallClock,
		ll:               slog.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Resolve lists the items a run would back up.
func (r *Runner) Resolve(ctx context.Context) ([]backup.Item, error) {
	return backup.NewResolver(r.source, r.ll).Resolve(ctx, r.targets)
}

// Run resolves the targets and backs up every item. The error is non-nil
// only when nothing could be attempted, which is always a
// *backup.ResolutionError or a coordinator misuse; item failures are in the
// summary.
func (r *Runner) Run(ctx context.Context) (backup.RunSummary, error) {
	items, err := r.Resolve(ctx)
	if err != nil {
		return backup.RunSummary{}, err
	}
	r.ll.Info("Resolved workbooks", slog.Int("count", len(items)))

	manifests := manifest.New(r.store, r.ll)
	if err := manifests.Load(ctx, r.sites()); err != nil {
		r.ll.Warn("Failed to load upload manifests, uploading everything (continuing)", slog.Any("error", err))
		manifests = nil
	}

	coordOpts := []backup.CoordinatorOption{
		backup.WithCoordinatorClock(r.clock),
		backup.WithLogger(r.ll),
	}
	if r.runID != "" {
		coordOpts = append(coordOpts, backup.WithRunID(r.runID))
	}
	if r.skipUnchanged && manifests != nil {
		coordOpts = append(coordOpts, backup.WithRevisionFilter(manifests))
	}

	transferOpts := []backup.TransfererOption{backup.WithClock(r.clock)}
	if r.metrics != nil {
		transferOpts = append(transferOpts, backup.WithEventSink(r.metrics))
	}
	coord := backup.NewCoordinator(
		backup.NewTransferer(r.source, r.store, r.policy, transferOpts...),
		r.concurrency,
		coordOpts...,
	)

	stop := heartbeat.New(r.progressBeat(coord), r.progressInterval,
		heartbeat.WithLogger(r.ll),
		heartbeat.WithClock(r.clock),
		heartbeat.WithFinalBeat(),
	).Start(ctx)
	summary, err := coord.Run(ctx, items)
	stop()
	if err != nil {
		return summary, err
	}

	outcomes := coord.Outcomes()
	backup.NewReporter(r.metrics, r.tracker, r.ll).Report(ctx, summary, outcomes)

	if manifests != nil {
		r.updateManifests(ctx, manifests, summary, items, outcomes)
	}
	return summary, nil
}

func (r *Runner) progressBeat(coord *backup.Coordinator) heartbeat.HeartbeatFunc {
	return func(ctx context.Context) error {
		completed, total := coord.Progress()
		r.ll.Info("Backup progress",
			slog.String("runID", coord.RunID()),
			slog.Int("completed", completed),
			slog.Int("total", total))
		if r.metrics != nil {
			r.metrics.RecordProgress(ctx, r.clock.Now(), completed, total)
		}
		return nil
	}
}

// updateManifests records the uploads of this run and, for sites listed in
// full, handles workbooks that are gone from the server. It then refreshes
// backups older than the refresh age. Removal handling is skipped for
// cancelled runs. Manifests are saved even when ctx is done.
func (r *Runner) updateManifests(ctx context.Context, manifests *manifest.Manifests, summary backup.RunSummary, items []backup.Item, outcomes []backup.Outcome) {
	now := r.clock.Now()
	n := manifests.Record(outcomes, now)
	r.ll.Debug("Recorded uploads in manifest", slog.Int("entries", n))

	if r.touchRemoved && summary.State == backup.StateCompleted && ctx.Err() == nil {
		for _, site := range r.fullSites() {
			touched, err := manifests.TouchRemoved(ctx, site, items)
			if err != nil {
				r.ll.Warn("Failed to refresh some removed workbooks (continuing)",
					slog.String("site", site), slog.Any("error", err))
			}
			if touched > 0 {
				r.ll.Info("Refreshed backups of removed workbooks", slog.String("site", site), slog.Int("count", touched))
			}
		}
	}

	if r.refreshAfter > 0 && ctx.Err() == nil {
		for _, site := range r.sites() {
			touched, err := manifests.TouchOutdated(ctx, site, now, r.refreshAfter)
			if err != nil {
				r.ll.Warn("Failed to refresh some outdated backups (continuing)",
					slog.String("site", site), slog.Any("error", err))
			}
			if touched > 0 {
				r.ll.Info("Refreshed outdated backups", slog.String("site", site), slog.Int("count", touched))
			}
		}
	}

	saveCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), manifestSaveTimeout)
	defer cancel()
	if err := manifests.Save(saveCtx); err != nil {
		r.ll.Error("Failed to save upload manifests", slog.Any("error", err))
	}
}

// sites is every site the targets touch, excluded sites removed.
func (r *Runner) sites() []string {
	excluded := mapset.NewThreadUnsafeSet(r.targets.ExcludedSites...)
	sites := mapset.NewThreadUnsafeSet[string]()
	for _, s := range r.targets.Sites {
		sites.Add(s)
	}
	for _, p := range r.targets.Projects {
		sites.Add(p.SiteID)
	}
	out := sites.Difference(excluded).ToSlice()
	slices.Sort(out)
	return out
}

// fullSites is the sites backed up by a full-site rule. Only for these is
// the resolved listing complete enough to detect removals.
func (r *Runner) fullSites() []string {
	excluded := mapset.NewThreadUnsafeSet(r.targets.ExcludedSites...)
	out := mapset.NewThreadUnsafeSet(r.targets.Sites...).Difference(excluded).ToSlice()
	slices.Sort(out)
	return out
}

// Process exit statuses beyond the summary's 0 and 1.
const (
	ExitSetupFailure = 2
	ExitCancelled    = 3
)

// ExitCode maps a run result to the process exit status. Item failures win
// over cancellation so a cancelled run that also lost items still exits 1.
func ExitCode(summary backup.RunSummary, err error) int {
	if err != nil {
		return ExitSetupFailure
	}
	if code := summary.ExitCode(); code != 0 {
		return code
	}
	if summary.State == backup.StateCancelled {
		return ExitCancelled
	}
	return 0
}
