// Package workspace composes the worker pool, sandbox, logger, and engine
// runner into a batch driver: the Workspace iterates a filtered site
// roster, dispatches per-site engine runs through the Parallel Executor,
// and invokes registered callbacks.
package workspace

import (
	"context"
	"encoding/csv"
	"fmt"
	"os"
	"os/signal"
	"os/user"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"syscall"

	"github.com/google/uuid"

	"geoepic/internal/config"
	"geoepic/internal/datalog"
	"geoepic/internal/epic"
	"geoepic/internal/executor"
	"geoepic/internal/logging"
	"geoepic/internal/pool"
	"geoepic/internal/roster"
	"geoepic/internal/runner"
	"geoepic/internal/sandbox"
	"geoepic/internal/telemetry"
)

// CallbackFunc is invoked once per successfully run site. A non-nil
// returned map is logged under the callback's registered name; a pure
// routine that only has side effects returns a nil map.
type CallbackFunc func(site *epic.Site) (map[string]any, error)

// Objective is a zero-argument aggregator evaluated once after a batch
// completes, whose value Run returns.
type Objective func() (float64, error)

type namedCallback struct {
	name string
	fn   CallbackFunc
}

// Workspace owns the cache root, worker pool, sandbox, logger, and engine
// runner for one batch driver's lifetime.
type Workspace struct {
	cfg *config.Config

	cacheRoot   string
	ownerMarker string

	pool    pool.Pool
	sandbox *sandbox.FS
	logger  datalog.Logger
	engine  *runner.Runner

	records []roster.Record

	mu        sync.Mutex
	callbacks []namedCallback
	objective Objective
	closed    bool

	sigCh  chan os.Signal
	sigOff context.CancelFunc
}

// Open validates cfg, acquires the engine lock, loads and filters the
// roster, and opens the pool and logger. Failures here are construction-
// time (category 1/2) errors: missing columns, locked engine directory,
// unwritable cache path.
func Open(cfg *config.Config) (*Workspace, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	cacheRoot, err := newCacheRoot(cfg.Paths.CacheRoot)
	if err != nil {
		return nil, fmt.Errorf("workspace: create cache root: %w", err)
	}

	w := &Workspace{cfg: cfg, cacheRoot: cacheRoot}

	if err := w.writeOwnerMarker(); err != nil {
		w.cleanupCacheRoot()
		return nil, err
	}
	w.installSignalHandler()

	startYear, startMonth, startDay := 0, 0, 0
	if cfg.Engine.StartDate != "" {
		startYear, startMonth, startDay, err = runner.ParseStartDate(cfg.Engine.StartDate)
		if err != nil {
			w.shutdownPartial()
			return nil, err
		}
	}

	eng, err := runner.Open(runner.Config{
		Model:          cfg.Engine.Model,
		OutputTypes:    cfg.Engine.OutputTypes,
		StartYear:      startYear,
		StartMonth:     startMonth,
		StartDay:       startDay,
		Duration:       cfg.Engine.Duration,
		OutputDir:      cfg.Paths.OutputDir,
		LogDir:         cfg.Paths.LogDir,
		DeleteAfterUse: cfg.Engine.DeleteAfterUse,
	})
	if err != nil {
		w.shutdownPartial()
		return nil, err
	}
	w.engine = eng

	records, err := roster.Load(cfg.Paths.RunInfo)
	if err != nil {
		w.shutdownPartial()
		return nil, err
	}
	kept, dropped := roster.FilterByOPC(records, cfg.Paths.OpcDir)
	for _, id := range dropped {
		logging.Log.Warn("dropping roster record with missing operation schedule", "site_id", id)
	}
	if cfg.Select != "" {
		kept, err = roster.Filter(kept, cfg.Select)
		if err != nil {
			w.shutdownPartial()
			return nil, fmt.Errorf("workspace: apply select filter: %w", err)
		}
	}
	w.records = kept

	if err := w.persistRoster(kept); err != nil {
		w.shutdownPartial()
		return nil, err
	}

	sbFS, err := sandbox.New(cfg.Pool.BaseDir, cfg.Engine.NumWorkers)
	if err != nil {
		w.shutdownPartial()
		return nil, err
	}
	w.sandbox = sbFS

	p, err := openPool(cfg)
	if err != nil {
		w.shutdownPartial()
		return nil, err
	}
	w.pool = p

	logger, err := openLogger(cfg)
	if err != nil {
		w.shutdownPartial()
		return nil, err
	}
	w.logger = logger

	telemetry.Default().PoolCapacity.Set(float64(cfg.Engine.NumWorkers))

	return w, nil
}

func newCacheRoot(configured string) (string, error) {
	base := configured
	if base == "" {
		base = os.TempDir()
	}
	username := "unknown"
	if u, err := user.Current(); err == nil && u.Username != "" {
		username = u.Username
	}
	root := filepath.Join(base, fmt.Sprintf("geo_epic_%s", username), uuid.NewString())
	if err := os.MkdirAll(root, 0o755); err != nil {
		return "", err
	}
	return root, nil
}

// writeOwnerMarker drops a file recording this process's PID, so a future
// startup sweep can recognize and reclaim a cache root orphaned by a
// crash rather than a clean Close.
func (w *Workspace) writeOwnerMarker() error {
	w.ownerMarker = filepath.Join(w.cacheRoot, ".owner")
	return os.WriteFile(w.ownerMarker, []byte(strconv.Itoa(os.Getpid())+"\n"), 0o644)
}

// installSignalHandler registers SIGINT/SIGTERM handling so an interrupted
// batch still deletes the cache root and releases the engine lock instead
// of leaking a locked installation directory.
func (w *Workspace) installSignalHandler() {
	ch := make(chan os.Signal, 1)
	signal.Notify(ch, os.Interrupt, syscall.SIGTERM)
	w.sigCh = ch
	done := make(chan struct{})
	go func() {
		select {
		case <-ch:
			logging.Log.Warn("interrupt received, closing workspace")
			_ = w.Close()
			os.Exit(130)
		case <-done:
		}
	}()
	w.sigOff = func() { close(done) }
}

func (w *Workspace) persistRoster(records []roster.Record) error {
	f, err := os.Create(filepath.Join(w.cacheRoot, "info.csv"))
	if err != nil {
		return fmt.Errorf("workspace: write info.csv: %w", err)
	}
	defer f.Close()

	cw := csv.NewWriter(f)
	if err := cw.Write([]string{"SiteID", "soil", "dly", "opc", "lat", "lon"}); err != nil {
		return err
	}
	for _, r := range records {
		row := []string{r.SiteID, r.Soil, r.Dly, r.Opc, strconv.FormatFloat(r.Lat, 'f', -1, 64), strconv.FormatFloat(r.Lon, 'f', -1, 64)}
		if err := cw.Write(row); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

func openPool(cfg *config.Config) (pool.Pool, error) {
	capacity := cfg.Engine.NumWorkers
	switch cfg.Pool.Backend {
	case "redis":
		return pool.OpenRedisPool(context.Background(), cfg.Pool.RedisAddr, cfg.Pool.Key, capacity, "")
	default:
		return pool.OpenMemoryPool("", capacity)
	}
}

func openLogger(cfg *config.Config) (datalog.Logger, error) {
	if !cfg.Database.Enabled {
		return datalog.NewMemoryLogger(), nil
	}
	return datalog.OpenPostgresLogger(context.Background(), cfg.Database.DSN(), int32(cfg.Database.MaxOpenConns), cfg.Database.AutoMigrate, datalog.PostgresConfig{
		MaxRetries:     cfg.Retry.MaxAttempts,
		InitialBackoff: cfg.Retry.InitialBackoff,
		MaxBackoff:     cfg.Retry.MaxBackoff,
	})
}

// RegisterCallback adds f under name; after each successful per-site run,
// f(site) runs and, if it returns a non-nil map, the map is logged under
// name via the DataLogger.
func (w *Workspace) RegisterCallback(name string, f CallbackFunc) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.callbacks = append(w.callbacks, namedCallback{name: name, fn: f})
}

// SetObjective registers the zero-argument aggregator Run evaluates after
// a successful batch.
func (w *Workspace) SetObjective(obj Objective) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.objective = obj
}

// buildSite resolves a roster record's column-pointer file names into
// absolute paths under the configured input directories. Latitude and
// longitude come from the roster, as the roster contract requires; the
// elevation has no roster column, so it is read from the site-description
// file itself.
func (w *Workspace) buildSite(r roster.Record) (*epic.Site, error) {
	sit := filepath.Join(w.cfg.Paths.SiteDir, r.SiteID+".SIT")
	sol := resolvePath(w.cfg.Paths.SoilDir, r.Soil)
	dly := resolvePath(w.cfg.Paths.WeatherDir, r.Dly)
	opc := resolvePath(w.cfg.Paths.OpcDir, r.Opc)

	elev := 0.0
	if s, err := epic.LoadSIT(sit); err == nil {
		if _, _, e, err := s.LatLonElev(); err == nil {
			elev = e
		}
	}

	return epic.NewSite(r.SiteID, sit, sol, dly, opc, r.Lat, r.Lon, elev)
}

func resolvePath(dir, name string) string {
	if name == "" {
		return ""
	}
	if filepath.IsAbs(name) {
		return name
	}
	return filepath.Join(dir, name)
}

// Run filters the roster (when selectExpr is non-empty it is applied to the
// roster already narrowed at Open by the configured select expression; it
// narrows further and does not replace that expression), runs the first
// surviving site synchronously as
// a fail-fast smoke test, then dispatches the rest through the Parallel
// Executor. It returns the objective's value, if one is registered.
func (w *Workspace) Run(ctx context.Context, selectExpr string, progress executor.ProgressFunc) (*float64, error) {
	records := w.records
	if selectExpr != "" {
		filtered, err := roster.Filter(records, selectExpr)
		if err != nil {
			return nil, fmt.Errorf("workspace: apply select filter: %w", err)
		}
		records = filtered
	}
	if len(records) == 0 {
		return nil, nil
	}

	sites := make([]*epic.Site, len(records))
	for i, r := range records {
		site, err := w.buildSite(r)
		if err != nil {
			return nil, fmt.Errorf("workspace: build site %s: %w", r.SiteID, err)
		}
		sites[i] = site
	}

	smoke := w.runOne(ctx, sites[0])
	w.dispatchOutcome(sites[0], smoke)
	if smoke.Outcome != epic.Ok {
		return nil, fmt.Errorf("workspace: fail-fast smoke test: %s", smoke.Error())
	}

	if len(sites) > 1 {
		tasks := make([]executor.Task, len(sites)-1)
		for i := 1; i < len(sites); i++ {
			site := sites[i]
			tasks[i-1] = func(ctx context.Context) (any, error) {
				result := w.runOne(ctx, site)
				w.dispatchOutcome(site, result)
				if result.Outcome != epic.Ok {
					return nil, fmt.Errorf("%s", result.Error())
				}
				return site, nil
			}
		}
		_, failed := executor.Run(ctx, tasks, executor.Options{
			MaxWorkers:   w.cfg.Engine.NumWorkers,
			Timeout:      w.cfg.Engine.Timeout,
			ReturnValues: false,
			Progress:     progress,
		})
		if len(failed) > 0 {
			ids := make([]string, len(failed))
			for i, idx := range failed {
				ids[i] = sites[idx+1].ID
			}
			logging.Log.Warn("batch completed with failed sites", "count", len(failed), "site_ids", ids)
		}
	}

	if w.objective == nil {
		return nil, nil
	}
	val, err := w.objective()
	if err != nil {
		return nil, fmt.Errorf("workspace: evaluate objective: %w", err)
	}
	return &val, nil
}

// runOne acquires a pool slot and sandbox directory, invokes the engine
// runner, and returns the slot regardless of outcome.
func (w *Workspace) runOne(ctx context.Context, site *epic.Site) epic.RunResult {
	token, err := w.pool.Acquire(ctx)
	if err != nil {
		return epic.RunResult{SiteID: site.ID, Outcome: epic.EngineError, Err: err}
	}
	defer w.pool.Release(token)

	idx, err := strconv.Atoi(filepath.Base(token))
	if err != nil {
		idx = 0
	}
	slotDir, err := w.sandbox.Acquire(idx)
	if err != nil {
		return epic.RunResult{SiteID: site.ID, Outcome: epic.EngineError, Err: err}
	}
	defer w.sandbox.Release(idx)

	telemetry.Default().PoolSlotsInUse.Inc()
	defer telemetry.Default().PoolSlotsInUse.Dec()

	result := w.engine.Run(ctx, site, slotDir, w.cfg.Engine.Timeout)
	telemetry.Default().SiteRunsTotal.WithLabelValues(result.Outcome.String()).Inc()
	if result.Outcome != epic.Ok {
		telemetry.Default().FailedSites.Inc()
	}
	return result
}

// dispatchOutcome runs every registered callback after a successful run
// and logs any non-nil return value under the callback's name, then
// applies the output disposition policy.
func (w *Workspace) dispatchOutcome(site *epic.Site, result epic.RunResult) {
	if result.Outcome != epic.Ok {
		return
	}

	w.mu.Lock()
	callbacks := append([]namedCallback(nil), w.callbacks...)
	w.mu.Unlock()

	hasLoggingCallback := false
	for _, cb := range callbacks {
		row, err := cb.fn(site)
		if err != nil {
			logging.Log.Error("callback failed", "callback", cb.name, "site_id", site.ID, "error", err)
			continue
		}
		if row == nil {
			continue
		}
		hasLoggingCallback = true
		logRow := datalog.Row{"SiteID": site.ID}
		for k, v := range row {
			logRow[k] = v
		}
		if err := w.logger.Log(context.Background(), cb.name, logRow); err != nil {
			logging.Log.Error("log write failed", "callback", cb.name, "site_id", site.ID, "error", err)
		}
	}

	w.disposeOutputs(site, hasLoggingCallback)
}

func (w *Workspace) disposeOutputs(site *epic.Site, hasLoggingCallback bool) {
	deleteOutputs := w.cfg.Paths.OutputDir == "" || (hasLoggingCallback && w.cfg.Engine.DeleteAfterUse)
	if !deleteOutputs {
		return
	}
	for kind, path := range site.Outputs {
		_ = os.Remove(path)
		delete(site.Outputs, kind)
	}
}

// FetchLog passes through to the DataLogger.
func (w *Workspace) FetchLog(ctx context.Context, name string, keep bool) (*datalog.Frame, error) {
	return w.logger.Fetch(ctx, name, keep)
}

// ClearLogs drops every table this Workspace has written by name, given
// the list of callback names registered so far.
func (w *Workspace) ClearLogs(ctx context.Context) error {
	w.mu.Lock()
	names := make([]string, len(w.callbacks))
	for i, cb := range w.callbacks {
		names[i] = cb.name
	}
	w.mu.Unlock()

	for _, name := range names {
		if _, err := w.logger.Fetch(ctx, name, false); err != nil {
			return fmt.Errorf("workspace: clear log %s: %w", name, err)
		}
	}
	return nil
}

// ClearOutputs recursively deletes and recreates the configured output and
// log directories.
func (w *Workspace) ClearOutputs() error {
	for _, dir := range []string{w.cfg.Paths.OutputDir, w.cfg.Paths.LogDir} {
		if dir == "" {
			continue
		}
		if err := os.RemoveAll(dir); err != nil {
			return fmt.Errorf("workspace: clear %s: %w", dir, err)
		}
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("workspace: recreate %s: %w", dir, err)
		}
	}
	return nil
}

// Close releases the pool, the logger, and the engine lock, then deletes
// the cache root. Safe to call more than once.
func (w *Workspace) Close() error {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return nil
	}
	w.closed = true
	w.mu.Unlock()

	if w.sigOff != nil {
		w.sigOff()
	}

	var errs []string
	if w.pool != nil {
		if err := w.pool.Close(); err != nil {
			errs = append(errs, err.Error())
		}
	}
	if w.sandbox != nil {
		if err := w.sandbox.Close(); err != nil {
			errs = append(errs, err.Error())
		}
	}
	if w.logger != nil {
		if err := w.logger.Close(); err != nil {
			errs = append(errs, err.Error())
		}
	}
	if w.engine != nil {
		w.engine.Close()
	}
	w.cleanupCacheRoot()

	if len(errs) > 0 {
		return fmt.Errorf("workspace: close: %s", strings.Join(errs, "; "))
	}
	return nil
}

// shutdownPartial is called when Open fails partway through construction:
// it releases whatever was already acquired and deletes the cache root,
// never leaking a lock on the engine directory.
func (w *Workspace) shutdownPartial() {
	if w.sigOff != nil {
		w.sigOff()
	}
	if w.engine != nil {
		w.engine.Close()
	}
	if w.pool != nil {
		_ = w.pool.Close()
	}
	if w.logger != nil {
		_ = w.logger.Close()
	}
	w.cleanupCacheRoot()
}

func (w *Workspace) cleanupCacheRoot() {
	if w.cacheRoot == "" {
		return
	}
	_ = os.RemoveAll(w.cacheRoot)
}
