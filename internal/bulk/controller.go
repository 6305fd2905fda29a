package bulk

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"image-optimizer/internal/batch"
	"image-optimizer/internal/cloud"
	"image-optimizer/internal/database"
	"image-optimizer/internal/fanout"
	"image-optimizer/internal/logging"
	"image-optimizer/internal/metrics"
	"image-optimizer/internal/optimizer"
	"image-optimizer/internal/scanner"
	"image-optimizer/internal/scanstate"
	"image-optimizer/internal/settings"
)

// Status is the outcome of a tick.
type Status string

const (
	// StatusDone means no ids are left to expand and no rows are pending.
	StatusDone Status = "done"
	// StatusMore means the tick stopped with work left.
	StatusMore Status = "more"
	// StatusScanning means the tick spent its budget expanding ids.
	StatusScanning Status = "scanning"
	// StatusQuotaExceeded means the remote quota is exhausted; ticks do no
	// work until CheckQuota reports it restored.
	StatusQuotaExceeded Status = "quota_exceeded"
	// StatusSuperseded means another Start replaced the caller's token.
	StatusSuperseded Status = "superseded"
)

// TickMode chooses how much a tick attempts.
type TickMode string

const (
	// TickOne processes a single file (or a single fan-out).
	TickOne TickMode = "one"
	// TickBudget processes files until the tick deadline.
	TickBudget TickMode = "budget"
)

// TickRequest asks for one tick.
type TickRequest struct {
	Token string   `json:"token"`
	Mode  TickMode `json:"mode"`
	// Force re-optimizes files whose recorded size matches the disk.
	Force bool `json:"force"`
}

// TickResult reports a tick to the caller and every ProgressSink.
type TickResult struct {
	Status    Status `json:"status"`
	Completed int    `json:"completed"`
	// Remaining is the number of pending ledger rows.
	Remaining int64 `json:"remaining"`
	Scanning  bool  `json:"scanning"`
	// ScanRemaining is the number of ids left to expand.
	ScanRemaining int    `json:"scanRemaining"`
	LastResult    string `json:"lastResult,omitempty"`
	Token         string `json:"token"`
}

// StartResult reports a Start.
type StartResult struct {
	Token string `json:"token"`
	// Resumed is true when a partial scan continued and the ids were ignored.
	Resumed   bool  `json:"resumed"`
	Remaining int   `json:"remaining"`
	Pending   int64 `json:"pending"`
}

// Snapshot is the read-only state exposed to the HTTP and CLI layers.
type Snapshot struct {
	Token         string           `json:"token"`
	Mode          scanstate.Mode   `json:"mode,omitempty"`
	StartedAt     time.Time        `json:"startedAt"`
	Scanning      bool             `json:"scanning"`
	ScanRemaining int              `json:"scanRemaining"`
	Queued        int              `json:"queued"`
	QuotaExceeded bool             `json:"quotaExceeded"`
	LastIndexRun  time.Time        `json:"lastIndexRun"`
	Savings       database.Savings `json:"savings"`
}

// ProgressSink receives every TickResult.
type ProgressSink interface {
	Report(TickResult)
}

// Scanner expands job ids into pending rows.
type Scanner interface {
	StartScan(ctx context.Context, ids []int64, mode scanstate.Mode) (scanstate.State, error)
	ScanTick(ctx context.Context, bc *batch.Context) (scanner.ScanResult, error)
}

// Dispatcher optimizes one file.
type Dispatcher interface {
	Optimize(ctx context.Context, bc *batch.Context, job optimizer.FileJob) (optimizer.Outcome, error)
	HasRemote() bool
}

// QuotaChecker reports whether the remote quota has been restored.
type QuotaChecker interface {
	CheckQuota(ctx context.Context) (cloud.Quota, error)
}

// Controller runs ticks. It is safe for concurrent use; claims keep
// overlapping ticks off each other's rows.
type Controller struct {
	db         *database.Database
	store      *scanstate.Store
	scanner    Scanner
	dispatcher Dispatcher
	quota      QuotaChecker
	fanout     *fanout.Controller
	cfg        settings.Bulk

	sinkMu sync.RWMutex
	sinks  []ProgressSink

	// newToken is replaceable in tests
	newToken func() string
}

// New creates a Controller. quota may be nil when no remote client is
// configured.
func New(db *database.Database, store *scanstate.Store, sc Scanner, d Dispatcher, quota QuotaChecker, cfg settings.Bulk) *Controller {
	defaults := settings.Default().Bulk
	if cfg.TickDeadline <= 0 {
		cfg.TickDeadline = defaults.TickDeadline
	}
	if cfg.ClaimLease <= 0 {
		cfg.ClaimLease = defaults.ClaimLease
	}
	if cfg.FanOutThreshold <= 0 {
		cfg.FanOutThreshold = defaults.FanOutThreshold
	}
	fo := fanout.New(db, cfg)
	logging.Debug("Fan-out: window %d rows, threshold %d sizes, wait %v", fo.Window(), cfg.FanOutThreshold, cfg.FanOutWait)
	return &Controller{
		db:         db,
		store:      store,
		scanner:    sc,
		dispatcher: d,
		quota:      quota,
		fanout:     fo,
		cfg:        cfg,
		newToken:   func() string { return ulid.Make().String() },
	}
}

// AddSink registers a ProgressSink.
func (c *Controller) AddSink(s ProgressSink) {
	c.sinkMu.Lock()
	defer c.sinkMu.Unlock()
	c.sinks = append(c.sinks, s)
}

func (c *Controller) report(r TickResult) {
	c.sinkMu.RLock()
	defer c.sinkMu.RUnlock()
	for _, s := range c.sinks {
		s.Report(r)
	}
}

// Start begins a run over ids with a fresh token and clears the quota flag.
// A partial scan is resumed and ids are ignored; otherwise the lists of the
// previous run are cleared first.
func (c *Controller) Start(ctx context.Context, ids []int64, mode scanstate.Mode) (StartResult, error) {
	token := c.newToken()
	resumed := false

	err := c.store.Update(func(st *scanstate.State) error {
		resumed = st.Scanning()
		if !resumed {
			st.ClearLists()
		}
		st.Token = token
		st.QuotaExceeded = false
		return nil
	})
	if err != nil {
		return StartResult{}, fmt.Errorf("start run: %w", err)
	}
	metrics.QuotaExceeded.Set(0)

	st, err := c.scanner.StartScan(ctx, ids, mode)
	if err != nil {
		return StartResult{}, err
	}

	pending, err := c.db.CountPending(ctx)
	if err != nil {
		return StartResult{}, err
	}

	logging.WithFields(logging.Fields{
		"token":     token,
		"mode":      mode,
		"remaining": len(st.Remaining),
		"resumed":   resumed,
	}).Info("bulk run started")

	return StartResult{Token: token, Resumed: resumed, Remaining: len(st.Remaining), Pending: pending}, nil
}

// Tick runs one bounded step of the run identified by req.Token.
func (c *Controller) Tick(ctx context.Context, req TickRequest) (TickResult, error) {
	start := time.Now()
	result, err := c.tick(ctx, req)
	result.Token = req.Token

	metrics.TickDuration.Observe(time.Since(start).Seconds())
	if err != nil {
		metrics.TicksTotal.WithLabelValues("error").Inc()
		return result, err
	}
	metrics.TicksTotal.WithLabelValues(string(result.Status)).Inc()
	metrics.PendingRows.Set(float64(result.Remaining))

	c.report(result)
	return result, nil
}

func (c *Controller) tick(ctx context.Context, req TickRequest) (TickResult, error) {
	st, err := c.store.Load()
	if err != nil {
		return TickResult{}, fmt.Errorf("load scan state: %w", err)
	}
	if st.Token == "" || st.Token != req.Token {
		return TickResult{Status: StatusSuperseded, LastResult: "Another run has taken over"}, nil
	}

	if st.QuotaExceeded {
		if restored, msg := c.quotaRestored(ctx); !restored {
			return c.finish(ctx, TickResult{Status: StatusQuotaExceeded, LastResult: msg})
		}
		if err := c.setQuotaFlag(req.Token, false); err != nil {
			return TickResult{}, err
		}
	}

	bc := batch.New(c.cfg.TickDeadline, req.Force)

	if st.Scanning() {
		scan, err := c.scanner.ScanTick(ctx, bc)
		if errors.Is(err, scanstate.ErrSuperseded) {
			return TickResult{Status: StatusSuperseded, LastResult: "Another run has taken over"}, nil
		}
		if err != nil {
			return TickResult{}, err
		}
		if scan.Remaining > 0 || scan.OutOfTime || scan.LowMemory {
			return c.finish(ctx, TickResult{
				Status:     StatusScanning,
				LastResult: fmt.Sprintf("Scanned %d items, %d left", scan.Expanded, scan.Remaining),
			})
		}
		if req.Mode == TickOne {
			return c.finish(ctx, TickResult{Status: StatusMore, LastResult: "Scan complete"})
		}
	}

	t := &tickState{}
	status, err := c.optimize(ctx, bc, req, t)
	if err != nil {
		return TickResult{}, err
	}
	return c.finish(ctx, TickResult{Status: status, Completed: t.completed, LastResult: t.lastResult()})
}

// optimize claims and dispatches pending rows until the tick ends.
func (c *Controller) optimize(ctx context.Context, bc *batch.Context, req TickRequest, t *tickState) (Status, error) {
	for {
		if t.completed > 0 && (req.Mode == TickOne || bc.Expired()) {
			return StatusMore, nil
		}
		if err := ctx.Err(); err != nil {
			return "", err
		}

		token, err := c.store.Token()
		if err != nil {
			return "", fmt.Errorf("read token: %w", err)
		}
		if token != req.Token {
			return StatusSuperseded, nil
		}

		claimed, err := c.db.ClaimPending(ctx, 1, req.Token, c.cfg.ClaimLease)
		if err != nil {
			return "", fmt.Errorf("claim pending rows: %w", err)
		}
		if len(claimed) == 0 {
			return StatusDone, nil
		}
		rec := claimed[0]

		rows, err := c.fanOutRows(ctx, req.Token, rec)
		if err != nil {
			return "", err
		}

		if len(rows) > 1 {
			res, err := c.fanout.Run(ctx, bc, rows, func(ctx context.Context, bc *batch.Context, rec database.ImageRecord) error {
				return c.dispatch(ctx, bc, rec, t)
			})
			if err != nil {
				return "", err
			}
			if res.QuotaExceeded {
				return c.quotaExceeded(req.Token, t)
			}
			if res.Incomplete > 0 {
				return StatusMore, nil
			}
			continue
		}

		err = c.dispatch(ctx, bc.ForJob(rec.AttachmentID, rec.Resize), rec, t)
		switch {
		case errors.Is(err, cloud.ErrQuotaExceeded):
			return c.quotaExceeded(req.Token, t)
		case err != nil:
			return "", err
		}
	}
}

// fanOutRows returns the rows to dispatch together with rec: rec alone, or
// rec plus its claimed siblings when the attachment has more than the
// threshold of pending sizes and a remote client is configured.
func (c *Controller) fanOutRows(ctx context.Context, token string, rec database.ImageRecord) ([]database.ImageRecord, error) {
	rows := []database.ImageRecord{rec}
	if !c.dispatcher.HasRemote() || rec.AttachmentID == 0 {
		return rows, nil
	}

	siblings, err := c.db.PendingForAttachment(ctx, rec.AttachmentID)
	if err != nil {
		return nil, fmt.Errorf("list pending sizes: %w", err)
	}
	if len(siblings)+1 <= c.cfg.FanOutThreshold {
		return rows, nil
	}

	ids := make([]int64, len(siblings))
	for i, s := range siblings {
		ids[i] = s.ID
	}
	won, err := c.db.ClaimRows(ctx, ids, token, c.cfg.ClaimLease)
	if err != nil {
		return nil, fmt.Errorf("claim sizes: %w", err)
	}
	wonSet := make(map[int64]bool, len(won))
	for _, id := range won {
		wonSet[id] = true
	}
	for _, s := range siblings {
		if wonSet[s.ID] {
			rows = append(rows, s)
		}
	}
	return rows, nil
}

// dispatch optimizes and persists one claimed row. Only quota exhaustion,
// cancellation and ledger failures are returned.
func (c *Controller) dispatch(ctx context.Context, bc *batch.Context, rec database.ImageRecord, t *tickState) error {
	job := optimizer.JobFromRecord(rec)
	out, err := c.dispatcher.Optimize(ctx, bc, job)
	if err != nil {
		switch {
		case errors.Is(err, cloud.ErrQuotaExceeded), ctx.Err() != nil:
			c.release(ctx, rec.ID)
			return err
		case errors.Is(err, optimizer.ErrPathTraversal),
			errors.Is(err, optimizer.ErrUnwritable),
			errors.Is(err, optimizer.ErrUnsupportedType):
			bc.Log().WithFields(logging.Fields{"path": rec.Path}).Warn("rejected: %v", err)
			if err := c.db.Settle(ctx, rec.ID, "Rejected: "+err.Error()); err != nil {
				return err
			}
			t.done(filepath.Base(rec.Path) + ": rejected")
			return nil
		default:
			c.release(ctx, rec.ID)
			return fmt.Errorf("optimize %s: %w", rec.Path, err)
		}
	}

	if err := optimizer.Persist(ctx, c.db, job, out); err != nil {
		return fmt.Errorf("persist %s: %w", rec.Path, err)
	}
	t.done(filepath.Base(out.Path) + ": " + out.Results)
	return nil
}

func (c *Controller) release(ctx context.Context, id int64) {
	if err := c.db.ReleaseClaim(context.WithoutCancel(ctx), id); err != nil {
		logging.Warn("failed to release claim on row %d: %v", id, err)
	}
}

func (c *Controller) quotaExceeded(token string, t *tickState) (Status, error) {
	if err := c.setQuotaFlag(token, true); err != nil {
		return "", err
	}
	logging.Warn("Remote quota exceeded after %d files, stopping run", t.completed)
	t.note("Quota exceeded")
	return StatusQuotaExceeded, nil
}

func (c *Controller) setQuotaFlag(token string, exceeded bool) error {
	err := c.store.Update(func(st *scanstate.State) error {
		if st.Token != token {
			return scanstate.ErrSuperseded
		}
		st.QuotaExceeded = exceeded
		return nil
	})
	if errors.Is(err, scanstate.ErrSuperseded) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("save quota flag: %w", err)
	}
	if exceeded {
		metrics.QuotaExceeded.Set(1)
	} else {
		metrics.QuotaExceeded.Set(0)
	}
	return nil
}

// quotaRestored asks the remote API whether the quota is back.
func (c *Controller) quotaRestored(ctx context.Context) (bool, string) {
	if c.quota == nil {
		return false, "Quota exceeded and no API client configured"
	}
	q, err := c.quota.CheckQuota(ctx)
	switch {
	case errors.Is(err, cloud.ErrQuotaExceeded):
		return false, "Quota exceeded"
	case err != nil:
		return false, "Quota check failed: " + err.Error()
	}
	logging.Info("Remote quota restored (%d remaining)", q.Remaining)
	return true, ""
}

// finish fills in counts. A done tick leaves Remaining empty and keeps
// Queued as the record of the run until the next Start.
func (c *Controller) finish(ctx context.Context, r TickResult) (TickResult, error) {
	pending, err := c.db.CountPending(ctx)
	if err != nil {
		return r, err
	}
	st, err := c.store.Load()
	if err != nil {
		return r, err
	}

	r.Remaining = pending
	r.ScanRemaining = len(st.Remaining)
	r.Scanning = st.Scanning()
	if r.Status == StatusDone && (pending > 0 || r.Scanning) {
		r.Status = StatusMore
	}
	return r, nil
}

// Reset clears the scan state, token included, and resets pending rows.
func (c *Controller) Reset(ctx context.Context) (int64, error) {
	if err := c.store.Reset(); err != nil {
		return 0, fmt.Errorf("reset scan state: %w", err)
	}
	removed, err := c.db.ResetPending(ctx)
	if err != nil {
		return 0, err
	}
	metrics.QuotaExceeded.Set(0)
	metrics.ScanRemaining.Set(0)
	metrics.PendingRows.Set(0)
	logging.Info("Bulk state reset, %d unstarted rows removed", removed)
	return removed, nil
}

// Status returns a snapshot of the current run.
func (c *Controller) Status(ctx context.Context) (Snapshot, error) {
	st, err := c.store.Load()
	if err != nil {
		return Snapshot{}, err
	}
	savings, err := c.db.SavingsSummary(ctx)
	if err != nil {
		return Snapshot{}, err
	}
	lastIndex, err := c.db.GetLastIndexRun(ctx)
	if err != nil {
		return Snapshot{}, fmt.Errorf("read last index run: %w", err)
	}
	return Snapshot{
		Token:         st.Token,
		Mode:          st.Mode,
		StartedAt:     st.StartedAt,
		Scanning:      st.Scanning(),
		ScanRemaining: len(st.Remaining),
		Queued:        len(st.Queued),
		QuotaExceeded: st.QuotaExceeded,
		LastIndexRun:  lastIndex,
		Savings:       savings,
	}, nil
}

// CollectStats samples ledger totals for the metrics collector.
func (c *Controller) CollectStats(ctx context.Context) (metrics.Stats, error) {
	snap, err := c.Status(ctx)
	if err != nil {
		return metrics.Stats{}, err
	}
	return metrics.Stats{
		Records:        snap.Savings.Files,
		Pending:        snap.Savings.Pending,
		OriginalBytes:  snap.Savings.OriginalBytes,
		OptimizedBytes: snap.Savings.OptimizedBytes,
		ScanRemaining:  int64(snap.ScanRemaining),
		ScanStateBytes: c.store.FileSize(),
	}, nil
}

// Run ticks until the run is done, the quota runs out, another run takes
// over or ctx is cancelled.
func (c *Controller) Run(ctx context.Context, token string, force bool) (TickResult, error) {
	for {
		r, err := c.Tick(ctx, TickRequest{Token: token, Mode: TickBudget, Force: force})
		if err != nil {
			return r, err
		}
		switch r.Status {
		case StatusMore, StatusScanning:
		default:
			return r, nil
		}
		if err := ctx.Err(); err != nil {
			return r, err
		}
	}
}

// tickState collects results across fan-out goroutines.
type tickState struct {
	mu        sync.Mutex
	completed int
	last      string
}

func (t *tickState) done(summary string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.completed++
	t.last = summary
}

// note sets the last result without counting a completed file.
func (t *tickState) note(summary string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.last = summary
}

func (t *tickState) lastResult() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.last
}
