// Package runner drives the per-site engine execution protocol: sandbox
// materialization, control-file generation, engine invocation, and output
// harvest.
package runner

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"geoepic/internal/epic"
)

// weatherStem is the fixed basename the materialized weather files and the
// control files that reference them always use, regardless of the site's
// original input file names.
const weatherStem = "1"

// Runner turns a Site handle plus a locked engine installation into an
// output-bearing directory. One Runner is constructed per Workspace and
// reused across every site in the batch.
type Runner struct {
	lock *EngineLock

	engineDir  string // absolute directory containing the engine installation
	binaryName string // basename of the engine executable, without extension
	binaryExt  string
	files      *epic.EPICFile

	outputTypes []string
	outputDir   string
	logDir      string
	duration    int
	startYear   int
	startMonth  int
	startDay    int

	deleteAfterUse bool
	stdinBurst     int
}

// Config carries the subset of engine configuration the Runner needs,
// independent of the koanf-bound config.Config so the package stays
// importable without a dependency on the configuration loader.
type Config struct {
	Model          string // absolute path to the engine binary
	OutputTypes    []string
	StartYear      int
	StartMonth     int
	StartDay       int
	Duration       int
	OutputDir      string
	LogDir         string
	DeleteAfterUse bool
}

// Open acquires the engine directory lock, rewrites the shared print and
// continuation control files in place (every sandbox copy inherits these),
// and returns a ready Runner. Only one Runner may hold a given engine
// installation's lock at a time.
func Open(cfg Config) (*Runner, error) {
	engineDir := filepath.Dir(cfg.Model)
	if !filepath.IsAbs(engineDir) {
		abs, err := filepath.Abs(engineDir)
		if err != nil {
			return nil, fmt.Errorf("runner: resolve engine dir: %w", err)
		}
		engineDir = abs
	}

	lock, err := AcquireEngineLock(engineDir)
	if err != nil {
		return nil, err
	}

	files, err := epic.LoadEPICFile(filepath.Join(engineDir, "EPICFILE.DAT"))
	if err != nil {
		lock.Release()
		return nil, err
	}

	if printName := files.Get("FPRNT"); printName != "" {
		printPath := filepath.Join(engineDir, printName)
		pc, err := epic.LoadPrintControl(printPath)
		if err != nil {
			lock.Release()
			return nil, err
		}
		if err := pc.EnableOutputs(cfg.OutputTypes); err != nil {
			lock.Release()
			return nil, err
		}
		if err := pc.Save(printPath); err != nil {
			lock.Release()
			return nil, err
		}
	}

	contPath := filepath.Join(engineDir, "EPICCONT.DAT")
	if _, err := os.Stat(contPath); err == nil {
		cont, err := epic.LoadEPICCont(contPath)
		if err != nil {
			lock.Release()
			return nil, err
		}
		if err := cont.SetDuration(cfg.Duration); err != nil {
			lock.Release()
			return nil, err
		}
		if cfg.StartYear != 0 {
			if err := cont.SetStartDate(cfg.StartYear, cfg.StartMonth, cfg.StartDay); err != nil {
				lock.Release()
				return nil, err
			}
		}
		if err := cont.Save(contPath); err != nil {
			lock.Release()
			return nil, err
		}
	}

	base := filepath.Base(cfg.Model)
	ext := filepath.Ext(base)

	return &Runner{
		lock:           lock,
		engineDir:      engineDir,
		binaryName:     strings.TrimSuffix(base, ext),
		binaryExt:      ext,
		files:          files,
		outputTypes:    cfg.OutputTypes,
		outputDir:      cfg.OutputDir,
		logDir:         cfg.LogDir,
		duration:       cfg.Duration,
		startYear:      cfg.StartYear,
		startMonth:     cfg.StartMonth,
		startDay:       cfg.StartDay,
		deleteAfterUse: cfg.DeleteAfterUse,
		stdinBurst:     8,
	}, nil
}

// Close releases the engine directory lock. It does not touch the sandbox
// pool; that is the Workspace's responsibility.
func (r *Runner) Close() {
	r.lock.Release()
}

// EngineDir returns the absolute path to the locked engine installation.
func (r *Runner) EngineDir() string { return r.engineDir }

// Run executes the full per-site protocol using slotDir as the sandbox
// working directory. slotDir must already be exclusively owned by the
// caller for the duration of the call.
func (r *Runner) Run(ctx context.Context, site *epic.Site, slotDir string, timeout time.Duration) epic.RunResult {
	if ok, err := r.shortCircuit(site); err != nil {
		return epic.RunResult{SiteID: site.ID, Outcome: epic.EngineError, Err: err}
	} else if ok {
		return epic.RunResult{SiteID: site.ID, Outcome: epic.Ok}
	}

	if err := r.validateSchedule(site); err != nil {
		return epic.RunResult{SiteID: site.ID, Outcome: epic.EngineError, Err: err}
	}

	if err := sandboxCopy(r.engineDir, slotDir, r.lock.Path()); err != nil {
		return epic.RunResult{SiteID: site.ID, Outcome: epic.EngineError, Err: err}
	}

	if err := r.materializeWeather(site, slotDir); err != nil {
		return epic.RunResult{SiteID: site.ID, Outcome: epic.EngineError, Err: err}
	}

	if err := r.writeControlFiles(site, slotDir); err != nil {
		return epic.RunResult{SiteID: site.ID, Outcome: epic.EngineError, Err: err}
	}

	binPath, err := r.copyExecutable(site, slotDir)
	if err != nil {
		return epic.RunResult{SiteID: site.ID, Outcome: epic.EngineError, Err: err}
	}

	logPath := filepath.Join(slotDir, site.ID+".log")
	outcome, runErr := r.invoke(ctx, binPath, slotDir, logPath, timeout)
	if outcome != epic.Ok {
		preserved := r.preserveLog(site.ID, logPath)
		return epic.RunResult{SiteID: site.ID, Outcome: outcome, LogPath: preserved, Err: runErr}
	}

	if err := r.harvest(site, slotDir); err != nil {
		preserved := r.preserveLog(site.ID, logPath)
		var missing *missingOutputError
		if ok := asMissingOutput(err, &missing); ok {
			return epic.RunResult{SiteID: site.ID, Outcome: epic.MissingOutput, Kind: missing.kind, LogPath: preserved, Err: err}
		}
		return epic.RunResult{SiteID: site.ID, Outcome: epic.EngineError, LogPath: preserved, Err: err}
	}

	if r.deleteAfterUse {
		_ = os.RemoveAll(slotDir)
		_ = os.MkdirAll(slotDir, 0o755)
	}

	return epic.RunResult{SiteID: site.ID, Outcome: epic.Ok}
}

// shortCircuit checks whether every required output already exists and is
// non-empty in the output directory, skipping the engine invocation
// entirely when so.
func (r *Runner) shortCircuit(site *epic.Site) (bool, error) {
	if r.outputDir == "" {
		return false, nil
	}
	for _, kind := range r.outputTypes {
		path := filepath.Join(r.outputDir, fmt.Sprintf("%s.%s", site.ID, kind))
		info, err := os.Stat(path)
		if err != nil || info.Size() == 0 {
			return false, nil
		}
	}
	for _, kind := range r.outputTypes {
		site.Outputs[kind] = filepath.Join(r.outputDir, fmt.Sprintf("%s.%s", site.ID, kind))
	}
	return true, nil
}

// validateSchedule loads the site's operation schedule and enforces the
// sorted-by-date, plantation-before-harvest invariant before the engine
// ever sees it, catching a malformed schedule as a classified error
// instead of letting the engine misbehave on it.
func (r *Runner) validateSchedule(site *epic.Site) error {
	opc, err := epic.LoadOPC(site.Opc)
	if err != nil {
		return fmt.Errorf("load operation schedule for %s: %w", site.ID, err)
	}
	if err := opc.ValidateSchedule(); err != nil {
		return fmt.Errorf("%s: %w", site.ID, err)
	}
	return nil
}

func (r *Runner) materializeWeather(site *epic.Site, slotDir string) error {
	dly, err := epic.LoadDLY(site.Dly)
	if err != nil {
		return fmt.Errorf("load weather for %s: %w", site.ID, err)
	}
	if err := dly.Save(filepath.Join(slotDir, weatherStem+".DLY")); err != nil {
		return err
	}
	monthly := dly.ToMonthly()
	if err := epic.SaveWP1(filepath.Join(slotDir, weatherStem+".WP1"), monthly, weatherStem); err != nil {
		return err
	}
	return epic.SaveWND(filepath.Join(slotDir, weatherStem+".WND"), monthly, weatherStem)
}

// writeControlFiles overwrites the seven files the engine reads at launch:
// EPICRUN.DAT and the six one-line file-list files named in the file-name
// table, following the engine invocation surface exactly.
func (r *Runner) writeControlFiles(site *epic.Site, slotDir string) error {
	epicRun := fmt.Sprintf("%s 1  0  0  0  1  1  1/\n", site.ID)
	if err := os.WriteFile(filepath.Join(slotDir, "EPICRUN.DAT"), []byte(epicRun), 0o644); err != nil {
		return err
	}

	write := func(key, content string) error {
		name := r.files.Get(key)
		if name == "" {
			return fmt.Errorf("EPICFILE.DAT has no entry for %s", key)
		}
		return os.WriteFile(filepath.Join(slotDir, name), []byte(content+"\n"), 0o644)
	}

	if err := write("FSITE", fmt.Sprintf("1    \"./%s\"", filepath.Base(site.Sit))); err != nil {
		return err
	}
	if err := write("FSOIL", fmt.Sprintf("1    \"./%s\"", filepath.Base(site.Sol))); err != nil {
		return err
	}
	if err := write("FWLST", fmt.Sprintf("1    %s.DLY", weatherStem)); err != nil {
		return err
	}
	if err := write("FWPM1", fmt.Sprintf("1    %s.WP1   %v   %v    %v", weatherStem, site.Lat, site.Lon, site.Elev)); err != nil {
		return err
	}
	if err := write("FWIND", fmt.Sprintf("1    %s.WND   %v   %v    %v", weatherStem, site.Lat, site.Lon, site.Elev)); err != nil {
		return err
	}
	if err := write("FOPSC", fmt.Sprintf("1    \"./%s\"", filepath.Base(site.Opc))); err != nil {
		return err
	}

	// The sandbox copy of the SIT/soil/opc files came from the engine
	// installation template tree; overwrite them with the site's real
	// input files so the basenames referenced above resolve correctly.
	if err := copyFile(site.Sit, filepath.Join(slotDir, filepath.Base(site.Sit))); err != nil {
		return err
	}
	if err := copyFile(site.Sol, filepath.Join(slotDir, filepath.Base(site.Sol))); err != nil {
		return err
	}
	return copyFile(site.Opc, filepath.Join(slotDir, filepath.Base(site.Opc)))
}

func (r *Runner) copyExecutable(site *epic.Site, slotDir string) (string, error) {
	src := filepath.Join(r.engineDir, r.binaryName+r.binaryExt)
	dst := filepath.Join(slotDir, fmt.Sprintf("%s_%s%s", r.binaryName, site.ID, r.binaryExt))
	if err := copyFile(src, dst); err != nil {
		return "", err
	}
	if err := os.Chmod(dst, 0o755); err != nil {
		return "", err
	}
	return dst, nil
}

// invoke launches the per-site binary with slotDir as its working
// directory via cmd.Dir, never os.Chdir, so concurrent runs sharing this
// process never observe each other's working directory.
func (r *Runner) invoke(ctx context.Context, binPath, slotDir, logPath string, timeout time.Duration) (epic.Outcome, error) {
	runCtx := ctx
	var cancel context.CancelFunc
	if timeout > 0 {
		runCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	logFile, err := os.Create(logPath)
	if err != nil {
		return epic.EngineError, fmt.Errorf("create log %s: %w", logPath, err)
	}
	defer logFile.Close()

	cmd := exec.CommandContext(runCtx, binPath)
	cmd.Dir = slotDir
	cmd.Stdout = logFile
	cmd.Stderr = logFile
	cmd.Stdin = bytes.NewReader([]byte(strings.Repeat("\n", r.stdinBurst)))

	err = cmd.Run()
	if runCtx.Err() == context.DeadlineExceeded {
		return epic.Timeout, fmt.Errorf("engine invocation for %s timed out after %s", filepath.Base(slotDir), timeout)
	}
	if err != nil {
		if _, isExitErr := err.(*exec.ExitError); !isExitErr {
			// The binary never started (missing, not executable, ...);
			// a non-zero *exit* from a binary that did run is not
			// trusted either way, so only a launch failure short-circuits
			// here. Everything else is judged by harvest alone.
			return epic.EngineError, fmt.Errorf("launch engine binary: %w", err)
		}
	}
	return epic.Ok, nil
}

type missingOutputError struct {
	kind string
	err  error
}

func (e *missingOutputError) Error() string { return e.err.Error() }
func (e *missingOutputError) Unwrap() error { return e.err }

func asMissingOutput(err error, target **missingOutputError) bool {
	m, ok := err.(*missingOutputError)
	if !ok {
		return false
	}
	*target = m
	return true
}

// harvest verifies each enabled output kind exists and is non-empty, then
// moves it to the output directory and records the destination.
func (r *Runner) harvest(site *epic.Site, slotDir string) error {
	for _, kind := range r.outputTypes {
		src := filepath.Join(slotDir, fmt.Sprintf("%s.%s", site.ID, kind))
		info, err := os.Stat(src)
		if err != nil || info.Size() == 0 {
			wrapped := fmt.Errorf("output %s.%s missing or empty", site.ID, kind)
			return &missingOutputError{kind: kind, err: wrapped}
		}

		if r.outputDir == "" {
			site.Outputs[kind] = src
			continue
		}
		if err := os.MkdirAll(r.outputDir, 0o755); err != nil {
			return err
		}
		dst := filepath.Join(r.outputDir, fmt.Sprintf("%s.%s", site.ID, kind))
		if err := os.Rename(src, dst); err != nil {
			// Cross-device rename (sandbox on a different filesystem,
			// e.g. tmpfs): fall back to copy-then-remove.
			if err := copyFile(src, dst); err != nil {
				return err
			}
			_ = os.Remove(src)
		}
		site.Outputs[kind] = dst
	}
	return nil
}

// preserveLog moves a failed run's engine log into the log directory,
// returning its final resting place.
func (r *Runner) preserveLog(siteID, logPath string) string {
	if r.logDir == "" {
		return logPath
	}
	if err := os.MkdirAll(r.logDir, 0o755); err != nil {
		return logPath
	}
	dst := filepath.Join(r.logDir, siteID+".log")
	if err := os.Rename(logPath, dst); err != nil {
		if err := copyFile(logPath, dst); err == nil {
			_ = os.Remove(logPath)
			return dst
		}
		return logPath
	}
	return dst
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("copy %s: %w", src, err)
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return fmt.Errorf("copy to %s: %w", dst, err)
	}
	defer out.Close()

	if _, err := io.Copy(out, in); err != nil {
		return fmt.Errorf("copy %s to %s: %w", src, dst, err)
	}
	return nil
}

// sandboxCopy recursively copies the engine installation tree into dst,
// excluding the engine-directory lockfile.
func sandboxCopy(src, dst, excludePath string) error {
	if err := os.MkdirAll(dst, 0o755); err != nil {
		return err
	}
	entries, err := os.ReadDir(src)
	if err != nil {
		return fmt.Errorf("sandbox copy: read %s: %w", src, err)
	}
	for _, e := range entries {
		srcPath := filepath.Join(src, e.Name())
		if srcPath == excludePath {
			continue
		}
		dstPath := filepath.Join(dst, e.Name())
		if e.IsDir() {
			if err := sandboxCopy(srcPath, dstPath, excludePath); err != nil {
				return err
			}
			continue
		}
		info, err := e.Info()
		if err != nil {
			return err
		}
		if err := copyFile(srcPath, dstPath); err != nil {
			return err
		}
		_ = os.Chmod(dstPath, info.Mode())
	}
	return nil
}

// ParseStartDate splits a "YYYY-MM-DD" string into its three integer
// components, used by the Workspace to build a runner.Config from
// config.EngineConfig.StartDate.
func ParseStartDate(s string) (year, month, day int, err error) {
	parts := strings.Split(s, "-")
	if len(parts) != 3 {
		return 0, 0, 0, fmt.Errorf("runner: invalid start date %q, want YYYY-MM-DD", s)
	}
	year, err = strconv.Atoi(parts[0])
	if err != nil {
		return 0, 0, 0, fmt.Errorf("runner: invalid start year in %q: %w", s, err)
	}
	month, err = strconv.Atoi(parts[1])
	if err != nil {
		return 0, 0, 0, fmt.Errorf("runner: invalid start month in %q: %w", s, err)
	}
	day, err = strconv.Atoi(parts[2])
	if err != nil {
		return 0, 0, 0, fmt.Errorf("runner: invalid start day in %q: %w", s, err)
	}
	return year, month, day, nil
}
