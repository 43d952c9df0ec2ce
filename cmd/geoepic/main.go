// Command geoepic dispatches the batch driver's subcommands: run a batch,
// calibrate parameters against a workspace-level objective, sweep a
// sensitivity analysis, and do light roster/output maintenance.
package main

import (
	"context"
	"encoding/csv"
	"fmt"
	"net/http"
	"os"
	"strconv"

	"github.com/spf13/cobra"

	"geoepic/internal/calibrate"
	"geoepic/internal/config"
	"geoepic/internal/epic"
	"geoepic/internal/logging"
	"geoepic/internal/param"
	"geoepic/internal/roster"
	"geoepic/internal/telemetry"
	"geoepic/internal/workspace"
)

var configPath string

func main() {
	root := &cobra.Command{
		Use:   "geoepic",
		Short: "Batch driver for an external crop-simulation engine",
		Long: `geoepic runs a third-party crop simulator over a roster of sites, with a
bounded worker pool, per-site sandboxing, structured result logging, and a
parameter calibration / sensitivity layer on top.`,
	}
	root.PersistentFlags().StringVar(&configPath, "config", "", "path to a YAML configuration file")

	root.AddCommand(
		newRunCmd(),
		newCalibrateCmd(),
		newSensitivityCmd(),
		newWorkspaceCmd(),
	)

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.NewLoader(configPath).Load()
	if err != nil {
		return nil, err
	}
	logging.Init(cfg.Log)
	if cfg.Metrics.Enabled {
		telemetry.Init(cfg.Metrics.Namespace)
		startMetricsServer(cfg.Metrics.Port)
	}
	return cfg, nil
}

// startMetricsServer exposes /metrics on a background goroutine, the same
// "enabled flag starts a goroutine that logs its port then serves" shape
// the teacher's pkg/server.Run uses for its own metrics listener.
func startMetricsServer(port int) {
	go func() {
		addr := fmt.Sprintf(":%d", port)
		logging.Log.Info("starting metrics server", "addr", addr)
		mux := http.NewServeMux()
		mux.Handle("/metrics", telemetry.Handler())
		if err := http.ListenAndServe(addr, mux); err != nil {
			logging.Log.Error("metrics server failed", "error", err)
		}
	}()
}

func openWorkspace() (*workspace.Workspace, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	return workspace.Open(cfg)
}

func newRunCmd() *cobra.Command {
	var selectExpr string
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the configured roster once",
		RunE: func(cmd *cobra.Command, args []string) error {
			ws, err := openWorkspace()
			if err != nil {
				return err
			}
			defer ws.Close()

			progress := func(completed, total int) {
				logging.Log.Info("batch progress", "completed", completed, "total", total)
			}
			_, err = ws.Run(cmd.Context(), selectExpr, progress)
			return err
		},
	}
	cmd.Flags().StringVar(&selectExpr, "select", "", "further filter the roster selected by the configured select expression")
	return cmd
}

// registerCalibrationObjective counts how many sites a generation ran successfully,
// via the same logging path a real callback would use, and returns its
// negation so the minimizing optimizer favors configurations that keep the
// engine running rather than crashing or missing outputs.
func registerCalibrationObjective(ws *workspace.Workspace, ctx context.Context) {
	ws.RegisterCallback("calibration", func(site *epic.Site) (map[string]any, error) {
		return map[string]any{"ok": 1}, nil
	})
	ws.SetObjective(func() (float64, error) {
		frame, err := ws.FetchLog(ctx, "calibration", false)
		if err != nil {
			return 0, err
		}
		return -float64(len(frame.Rows)), nil
	})
}

func modelFlags(cmd *cobra.Command) (cropPath, globalPath *string, sensitivityPaths *[]string) {
	crop := cmd.Flags().String("crop", "", "path to a CROPCOM-style crop parameter file")
	global := cmd.Flags().String("global", "", "path to an ieParm-style global parameter file")
	sens := cmd.Flags().StringSlice("sensitivity", nil, "path(s) to sensitivity-range CSV files")
	return crop, global, sens
}

func buildProblem(ws *workspace.Workspace, cropPath, globalPath string, sensitivityPaths []string, cropCodes []int) (*calibrate.Problem, error) {
	if len(sensitivityPaths) == 0 {
		return nil, fmt.Errorf("at least one --sensitivity range file is required")
	}

	var bound []calibrate.BoundModel
	if cropPath != "" {
		table, err := param.LoadCropTable(cropPath)
		if err != nil {
			return nil, fmt.Errorf("load crop table: %w", err)
		}
		if err := table.SetSensitive(sensitivityPaths, cropCodes); err != nil {
			return nil, fmt.Errorf("mark crop table sensitive dimensions: %w", err)
		}
		bound = append(bound, calibrate.BoundModel{Model: table, Path: cropPath})
	}
	if globalPath != "" {
		table, err := param.LoadGlobalTable(globalPath)
		if err != nil {
			return nil, fmt.Errorf("load global parameter table: %w", err)
		}
		if err := table.SetSensitive(sensitivityPaths); err != nil {
			return nil, fmt.Errorf("mark global table sensitive dimensions: %w", err)
		}
		bound = append(bound, calibrate.BoundModel{Model: table, Path: globalPath})
	}
	if len(bound) == 0 {
		return nil, fmt.Errorf("at least one of --crop or --global is required")
	}
	return calibrate.NewProblem(ws, bound...)
}

func newCalibrateCmd() *cobra.Command {
	var populationSize, generations int
	var cropCodes []int
	cmd := &cobra.Command{
		Use:   "calibrate",
		Short: "Optimize parameter values against the workspace objective",
	}
	cropPath, globalPath, sensitivityPaths := modelFlags(cmd)
	cmd.Flags().IntSliceVar(&cropCodes, "crop-codes", nil, "crop codes to mark sensitive in --crop (all rows if omitted)")
	cmd.Flags().IntVar(&populationSize, "population", 20, "optimizer population size")
	cmd.Flags().IntVar(&generations, "generations", 10, "number of generations to run")

	cmd.RunE = func(cmd *cobra.Command, args []string) error {
		ws, err := openWorkspace()
		if err != nil {
			return err
		}
		defer ws.Close()

		ctx := cmd.Context()
		registerCalibrationObjective(ws, ctx)

		problem, err := buildProblem(ws, *cropPath, *globalPath, *sensitivityPaths, cropCodes)
		if err != nil {
			return err
		}

		result, err := calibrate.Optimize(ctx, problem, populationSize, generations, calibrate.OptimizerOptions{}, ws.ClearOutputs)
		if err != nil {
			return err
		}

		names := problem.VarNames()
		logging.Log.Info("calibration complete", "baseline", result.Baseline, "champion_fitness", result.Fitness)
		for i, v := range result.Champion {
			logging.Log.Info("champion parameter", "name", names[i], "value", v)
		}
		return nil
	}
	return cmd
}

func newSensitivityCmd() *cobra.Command {
	var method string
	var samples int
	var cropCodes []int
	cmd := &cobra.Command{
		Use:   "sensitivity",
		Short: "Sweep each active parameter and rank it by objective sensitivity",
	}
	cropPath, globalPath, sensitivityPaths := modelFlags(cmd)
	cmd.Flags().IntSliceVar(&cropCodes, "crop-codes", nil, "crop codes to mark sensitive in --crop (all rows if omitted)")
	cmd.Flags().StringVar(&method, "method", "morris", "sampling method: sobol, efast, or morris")
	cmd.Flags().IntVar(&samples, "samples", 10, "base number of samples per parameter")

	cmd.RunE = func(cmd *cobra.Command, args []string) error {
		ws, err := openWorkspace()
		if err != nil {
			return err
		}
		defer ws.Close()

		ctx := cmd.Context()
		registerCalibrationObjective(ws, ctx)

		problem, err := buildProblem(ws, *cropPath, *globalPath, *sensitivityPaths, cropCodes)
		if err != nil {
			return err
		}

		report, err := calibrate.Analyze(ctx, problem, calibrate.SensitivityMethod(method), samples)
		if err != nil {
			return err
		}

		logging.Log.Info("sensitivity analysis complete", "baseline", report.Baseline)
		for _, r := range report.Rankings {
			logging.Log.Info("parameter ranking", "rank", r.Rank, "name", r.Name, "index", r.SensitivityIndex)
		}
		return nil
	}
	return cmd
}

func newWorkspaceCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "workspace", Short: "Roster, log, and output maintenance"}
	cmd.AddCommand(newWorkspaceListCmd(), newWorkspaceClearCmd(), newWorkspaceAddCmd())
	return cmd
}

func newWorkspaceListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "Print the roster that the configured select expression resolves to",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			records, err := roster.Load(cfg.Paths.RunInfo)
			if err != nil {
				return err
			}
			records, dropped := roster.FilterByOPC(records, cfg.Paths.OpcDir)
			for _, id := range dropped {
				logging.Log.Warn("dropping roster record with missing operation schedule", "site_id", id)
			}
			if cfg.Select != "" {
				records, err = roster.Filter(records, cfg.Select)
				if err != nil {
					return err
				}
			}

			w := csv.NewWriter(os.Stdout)
			defer w.Flush()
			if err := w.Write([]string{"SiteID", "soil", "dly", "opc", "lat", "lon"}); err != nil {
				return err
			}
			for _, r := range records {
				row := []string{r.SiteID, r.Soil, r.Dly, r.Opc, strconv.FormatFloat(r.Lat, 'f', -1, 64), strconv.FormatFloat(r.Lon, 'f', -1, 64)}
				if err := w.Write(row); err != nil {
					return err
				}
			}
			return nil
		},
	}
}

func newWorkspaceClearCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "clear",
		Short: "Delete logged tables and harvested outputs",
		RunE: func(cmd *cobra.Command, args []string) error {
			ws, err := openWorkspace()
			if err != nil {
				return err
			}
			defer ws.Close()

			if err := ws.ClearLogs(cmd.Context()); err != nil {
				return err
			}
			return ws.ClearOutputs()
		},
	}
}

func newWorkspaceAddCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "add <run_info.csv> <SiteID> <soil> <dly> <opc> <lat> <lon>",
		Short: "Append one row to a CSV roster file",
		Args:  cobra.ExactArgs(7),
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, err := strconv.ParseFloat(args[5], 64); err != nil {
				return fmt.Errorf("lat must be numeric: %w", err)
			}
			if _, err := strconv.ParseFloat(args[6], 64); err != nil {
				return fmt.Errorf("lon must be numeric: %w", err)
			}

			f, err := os.OpenFile(args[0], os.O_APPEND|os.O_WRONLY, 0o644)
			if err != nil {
				return fmt.Errorf("open roster: %w", err)
			}
			defer f.Close()

			w := csv.NewWriter(f)
			defer w.Flush()
			return w.Write(args[1:])
		},
	}
}
