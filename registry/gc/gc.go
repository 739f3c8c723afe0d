// Package gc implements mark-and-sweep garbage collection over the storage
// backend. A run marks every blob referenced from any manifest, then sweeps
// unreferenced blobs older than the grace period, and finally removes
// manifest revisions no tag points at. Runs are single-flight; triggering a
// run while one is active fails with ErrAlreadyRunning.
//
// The grace period is the only defense against racing uploads: a blob pushed
// moments before a run is unreferenced until its manifest lands, but it is
// also too young to sweep. Operators must keep the grace period comfortably
// above their longest push.
package gc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/opencontainers/go-digest"

	"github.com/driftlabs/drift/internal/dcontext"
	"github.com/driftlabs/drift/metrics"
	"github.com/driftlabs/drift/registry/storage"
)

// ErrAlreadyRunning is returned when a run is triggered while another is in
// progress.
var ErrAlreadyRunning = errors.New("garbage collection already in progress")

// Options configures a Collector.
type Options struct {
	// GracePeriod protects recently written content from the sweep.
	GracePeriod time.Duration

	// MaxBlobsPerRun bounds deletions in a single run. Zero means
	// unlimited.
	MaxBlobsPerRun int

	// DryRun logs what would be deleted without deleting anything.
	DryRun bool

	// Budget bounds the wall-clock time of the sweep phase. Zero means
	// unlimited. When exceeded, the run stops after the current blob and
	// reports what it freed so far.
	Budget time.Duration
}

// Metrics summarizes one collection run.
type Metrics struct {
	OrphanedBlobsFound     int     `json:"orphaned_blobs_found"`
	OrphanedManifestsFound int     `json:"orphaned_manifests_found"`
	BlobsDeleted           int     `json:"blobs_deleted"`
	ManifestsDeleted       int     `json:"manifests_deleted"`
	BytesFreed             int64   `json:"bytes_freed"`
	RunDurationSeconds     float64 `json:"run_duration_seconds"`
	DryRun                 bool    `json:"dry_run"`
}

// Status describes the collector for the admin surface.
type Status struct {
	Enabled     bool     `json:"enabled"`
	Interval    string   `json:"interval"`
	GracePeriod string   `json:"grace_period"`
	Running     bool     `json:"running"`
	LastRunAt   *string  `json:"last_run_at,omitempty"`
	LastRun     *Metrics `json:"last_run,omitempty"`
}

// Collector runs mark-and-sweep passes over a backend.
type Collector struct {
	backend storage.Backend
	clock   clock.Clock
	opts    Options

	enabled  bool
	interval time.Duration

	mu        sync.Mutex
	running   bool
	lastRunAt time.Time
	lastRun   *Metrics
}

// New constructs a Collector. The enabled flag and interval only describe the
// scheduler for Status; Run can always be invoked manually.
func New(backend storage.Backend, clk clock.Clock, opts Options, enabled bool, interval time.Duration) *Collector {
	return &Collector{
		backend:  backend,
		clock:    clk,
		opts:     opts,
		enabled:  enabled,
		interval: interval,
	}
}

// Status returns the collector configuration and last run summary.
func (c *Collector) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()

	status := Status{
		Enabled:     c.enabled,
		Interval:    c.interval.String(),
		GracePeriod: c.opts.GracePeriod.String(),
		Running:     c.running,
		LastRun:     c.lastRun,
	}
	if !c.lastRunAt.IsZero() {
		at := c.lastRunAt.UTC().Format(time.RFC3339)
		status.LastRunAt = &at
	}
	return status
}

// Run executes one collection pass. opts overrides the configured DryRun
// when non-nil.
func (c *Collector) Run(ctx context.Context, dryRun *bool) (Metrics, error) {
	c.mu.Lock()
	if c.running {
		c.mu.Unlock()
		return Metrics{}, ErrAlreadyRunning
	}
	c.running = true
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		c.running = false
		c.mu.Unlock()
	}()

	opts := c.opts
	if dryRun != nil {
		opts.DryRun = *dryRun
	}

	log := dcontext.GetLogger(ctx)
	start := c.clock.Now()
	result := Metrics{DryRun: opts.DryRun}

	log.Info("starting garbage collection run")

	referencedBlobs, taggedManifests, err := c.mark(ctx)
	if err != nil {
		metrics.GCRuns.WithLabelValues("error").Inc()
		return result, fmt.Errorf("gc mark phase: %w", err)
	}

	cutoff := c.clock.Now().Add(-opts.GracePeriod)
	deadline := time.Time{}
	if opts.Budget > 0 {
		deadline = start.Add(opts.Budget)
	}

	if err := c.sweepBlobs(ctx, referencedBlobs, cutoff, deadline, opts, &result); err != nil {
		metrics.GCRuns.WithLabelValues("error").Inc()
		return result, fmt.Errorf("gc sweep phase: %w", err)
	}

	if err := c.sweepManifests(ctx, taggedManifests, cutoff, deadline, opts, &result); err != nil {
		metrics.GCRuns.WithLabelValues("error").Inc()
		return result, fmt.Errorf("gc manifest sweep: %w", err)
	}

	result.RunDurationSeconds = c.clock.Since(start).Seconds()

	metrics.GCRunDuration.Observe(result.RunDurationSeconds)
	if opts.DryRun {
		metrics.GCRuns.WithLabelValues("dry_run").Inc()
	} else {
		metrics.GCRuns.WithLabelValues("success").Inc()
		metrics.GCBlobsDeleted.Add(float64(result.BlobsDeleted))
		metrics.GCManifestsDeleted.Add(float64(result.ManifestsDeleted))
		metrics.GCBytesFreed.Add(float64(result.BytesFreed))
	}

	c.mu.Lock()
	c.lastRunAt = c.clock.Now()
	snapshot := result
	c.lastRun = &snapshot
	c.mu.Unlock()

	log.Infof("garbage collection complete: %d blobs deleted, %d manifests deleted, %d bytes freed in %.2fs",
		result.BlobsDeleted, result.ManifestsDeleted, result.BytesFreed, result.RunDurationSeconds)
	return result, nil
}

// mark walks every manifest in every repository and collects the digests it
// references. Manifests unreachable from tags still protect their blobs for
// this run; they become sweepable blobs only after the manifest itself is
// collected on a later run. Returns the referenced blob set and, per repo,
// the manifest digests reachable from tags.
func (c *Collector) mark(ctx context.Context) (map[digest.Digest]struct{}, map[string]map[digest.Digest]struct{}, error) {
	log := dcontext.GetLogger(ctx)

	referenced := map[digest.Digest]struct{}{}
	tagged := map[string]map[digest.Digest]struct{}{}

	repos, err := c.backend.ListRepositories(ctx)
	if err != nil {
		return nil, nil, err
	}

	for _, repo := range repos {
		tagged[repo] = map[digest.Digest]struct{}{}

		tags, err := c.backend.ListTags(ctx, repo)
		if err != nil && !errors.Is(err, storage.ErrRepositoryUnknown) {
			return nil, nil, err
		}
		for _, tag := range tags {
			dgst, err := c.backend.GetManifestDigest(ctx, repo, tag)
			if err != nil {
				if errors.Is(err, storage.ErrManifestUnknown) {
					continue
				}
				return nil, nil, err
			}
			tagged[repo][dgst] = struct{}{}
		}

		manifestDigests, err := c.backend.ListManifests(ctx, repo)
		if err != nil {
			return nil, nil, err
		}
		for _, dgst := range manifestDigests {
			// The manifest revision itself is stored as a reachable
			// blob target for digest pulls.
			referenced[dgst] = struct{}{}

			data, err := c.backend.GetManifest(ctx, repo, dgst.String())
			if err != nil {
				if errors.Is(err, storage.ErrManifestUnknown) {
					continue
				}
				return nil, nil, err
			}
			extractBlobReferences(data, referenced, log)
		}
	}
	return referenced, tagged, nil
}

// manifestRefs is the shallow shape shared by image manifests and index
// manifests; only digest fields are of interest.
type manifestRefs struct {
	Config struct {
		Digest string `json:"digest"`
	} `json:"config"`
	Layers []struct {
		Digest string `json:"digest"`
	} `json:"layers"`
	Manifests []struct {
		Digest string `json:"digest"`
	} `json:"manifests"`
	ForeignLayers []struct {
		Digest string `json:"digest"`
	} `json:"foreignLayers"`
}

func extractBlobReferences(data []byte, referenced map[digest.Digest]struct{}, log dcontext.Logger) {
	var refs manifestRefs
	if err := json.Unmarshal(data, &refs); err != nil {
		log.Warnf("skipping unparseable manifest during mark phase: %v", err)
		return
	}

	add := func(raw string) {
		if raw == "" {
			return
		}
		dgst, err := digest.Parse(raw)
		if err != nil {
			return
		}
		referenced[dgst] = struct{}{}
	}

	add(refs.Config.Digest)
	for _, layer := range refs.Layers {
		add(layer.Digest)
	}
	for _, manifest := range refs.Manifests {
		add(manifest.Digest)
	}
	for _, layer := range refs.ForeignLayers {
		add(layer.Digest)
	}
}

func (c *Collector) sweepBlobs(ctx context.Context, referenced map[digest.Digest]struct{}, cutoff, deadline time.Time, opts Options, result *Metrics) error {
	log := dcontext.GetLogger(ctx)

	blobs, err := c.backend.ListBlobs(ctx)
	if err != nil {
		return err
	}

	for _, dgst := range blobs {
		if err := ctx.Err(); err != nil {
			return err
		}
		if !deadline.IsZero() && c.clock.Now().After(deadline) {
			log.Warn("garbage collection budget exceeded, stopping blob sweep")
			return nil
		}
		if _, ok := referenced[dgst]; ok {
			continue
		}

		meta, err := c.backend.StatBlob(ctx, dgst)
		if err != nil {
			if errors.Is(err, storage.ErrBlobUnknown) {
				continue
			}
			return err
		}
		// Every unreferenced blob counts as found, including ones the grace
		// period still protects.
		result.OrphanedBlobsFound++

		if meta.CreatedAt.After(cutoff) {
			continue
		}

		if opts.MaxBlobsPerRun > 0 && result.BlobsDeleted >= opts.MaxBlobsPerRun {
			continue
		}
		if opts.DryRun {
			log.Infof("dry run: would delete blob %s (%d bytes)", dgst, meta.Size)
			result.BlobsDeleted++
			result.BytesFreed += meta.Size
			continue
		}

		if err := c.backend.DeleteBlob(ctx, dgst); err != nil {
			log.WithError(err).Errorf("failed to delete blob %s", dgst)
			continue
		}
		log.Infof("deleted orphaned blob %s", dgst)
		result.BlobsDeleted++
		result.BytesFreed += meta.Size
	}
	return nil
}

func (c *Collector) sweepManifests(ctx context.Context, tagged map[string]map[digest.Digest]struct{}, cutoff, deadline time.Time, opts Options, result *Metrics) error {
	log := dcontext.GetLogger(ctx)

	for repo, taggedDigests := range tagged {
		manifestDigests, err := c.backend.ListManifests(ctx, repo)
		if err != nil {
			return err
		}
		for _, dgst := range manifestDigests {
			if err := ctx.Err(); err != nil {
				return err
			}
			if !deadline.IsZero() && c.clock.Now().After(deadline) {
				log.Warn("garbage collection budget exceeded, stopping manifest sweep")
				return nil
			}
			if _, ok := taggedDigests[dgst]; ok {
				continue
			}

			meta, err := c.backend.StatManifest(ctx, repo, dgst)
			if err != nil {
				if errors.Is(err, storage.ErrManifestUnknown) {
					continue
				}
				return err
			}
			if meta.CreatedAt.After(cutoff) {
				continue
			}

			result.OrphanedManifestsFound++

			if opts.DryRun {
				log.Infof("dry run: would delete manifest %s@%s", repo, dgst)
				result.ManifestsDeleted++
				continue
			}
			if err := c.backend.DeleteManifest(ctx, repo, dgst.String()); err != nil {
				log.WithError(err).Errorf("failed to delete manifest %s@%s", repo, dgst)
				continue
			}
			log.Infof("deleted orphaned manifest %s@%s", repo, dgst)
			result.ManifestsDeleted++
		}
	}
	return nil
}

// RunScheduler triggers collection runs on the configured interval until ctx
// is done. It returns immediately when the collector is disabled.
func (c *Collector) RunScheduler(ctx context.Context) {
	if !c.enabled || c.interval <= 0 {
		dcontext.GetLogger(ctx).Info("garbage collector is disabled")
		return
	}

	dcontext.GetLogger(ctx).Infof("garbage collector scheduled every %s", c.interval)
	ticker := c.clock.Ticker(c.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := c.Run(ctx, nil); err != nil && !errors.Is(err, ErrAlreadyRunning) {
				dcontext.GetLogger(ctx).WithError(err).Error("garbage collection failed")
			}
		}
	}
}
