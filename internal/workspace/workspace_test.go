package workspace

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"geoepic/internal/config"
	"geoepic/internal/epic"
)

// writeEngineFixture mirrors the fixture built in internal/runner's tests:
// a structurally valid engine installation plus a stand-in binary script.
func writeEngineFixture(t *testing.T, dir string) string {
	t.Helper()

	epicFile := strings.Join([]string{
		"FSITE ieSite.DAT",
		"FSOIL ieSllist.DAT",
		"FWLST ieWedlst.DAT",
		"FWPM1 ieWealst.DAT",
		"FWIND ieWindst.DAT",
		"FOPSC ieOplist.DAT",
		"FPRNT PRNT0810.DAT",
	}, "\n") + "\n"
	if err := os.WriteFile(filepath.Join(dir, "EPICFILE.DAT"), []byte(epicFile), 0o644); err != nil {
		t.Fatal(err)
	}

	cont := make([]string, 6)
	for i := range cont {
		cont[i] = strings.Repeat(" ", 64)
	}
	if err := os.WriteFile(filepath.Join(dir, "EPICCONT.DAT"), []byte(strings.Join(cont, "\n")+"\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	lines := make([]string, 51)
	for i := range lines {
		lines[i] = "x"
	}
	lines[14] = " 1 0 0 0"
	lines[15] = ""
	lines[49] = "ACY DGN SOM WTR "
	lines[50] = ""
	if err := os.WriteFile(filepath.Join(dir, "PRNT0810.DAT"), []byte(strings.Join(lines, "\n")), 0o644); err != nil {
		t.Fatal(err)
	}

	script := "#!/bin/sh\nline=$(head -n 1 EPICRUN.DAT)\nid=${line%% *}\necho result > \"${id}.ACY\"\n"
	binPath := filepath.Join(dir, "model.sh")
	if err := os.WriteFile(binPath, []byte(script), 0o755); err != nil {
		t.Fatal(err)
	}
	return binPath
}

func writeSiteFixture(t *testing.T, siteDir, soilDir, weatherDir, opcDir, id string) {
	t.Helper()

	sit := make([]string, 5)
	for i := range sit {
		sit[i] = "x"
	}
	if err := os.WriteFile(filepath.Join(siteDir, id+".SIT"), []byte(strings.Join(sit, "\n")), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(soilDir, id+".SOL"), []byte("soil\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(opcDir, id+".OPC"), []byte("header : 2010\n \n"), 0o644); err != nil {
		t.Fatal(err)
	}

	dlyPath := filepath.Join(weatherDir, id+".DLY")
	dly := &epic.DLY{Rows: []epic.DailyRow{
		{Year: 2010, Month: 1, Day: 1, Srad: 10, Tmax: 20, Tmin: 5, Prcp: 0, Rh: 60, Ws: 2},
	}}
	if err := dly.Save(dlyPath); err != nil {
		t.Fatal(err)
	}
}

func writeRoster(t *testing.T, path string, ids []string) {
	t.Helper()
	var b strings.Builder
	b.WriteString("SiteID,soil,dly,opc,lat,lon\n")
	for _, id := range ids {
		b.WriteString(id + "," + id + ".SOL," + id + ".DLY," + id + ".OPC,10,20\n")
	}
	if err := os.WriteFile(path, []byte(b.String()), 0o644); err != nil {
		t.Fatal(err)
	}
}

func baseTestConfig(t *testing.T) (*config.Config, string) {
	t.Helper()
	root := t.TempDir()
	engineDir := filepath.Join(root, "engine")
	siteDir := filepath.Join(root, "sites")
	soilDir := filepath.Join(root, "soil")
	weatherDir := filepath.Join(root, "weather")
	opcDir := filepath.Join(root, "opc")
	for _, d := range []string{engineDir, siteDir, soilDir, weatherDir, opcDir} {
		if err := os.MkdirAll(d, 0o755); err != nil {
			t.Fatal(err)
		}
	}
	model := writeEngineFixture(t, engineDir)

	writeSiteFixture(t, siteDir, soilDir, weatherDir, opcDir, "S1")
	writeSiteFixture(t, siteDir, soilDir, weatherDir, opcDir, "S2")
	rosterPath := filepath.Join(root, "roster.csv")
	writeRoster(t, rosterPath, []string{"S1", "S2"})

	cfg := &config.Config{
		Engine: config.EngineConfig{
			Model:          model,
			OutputTypes:    []string{"ACY"},
			StartDate:      "2010-01-01",
			Duration:       1,
			NumWorkers:     2,
			Timeout:        5 * time.Second,
			DeleteAfterUse: false,
		},
		Paths: config.PathsConfig{
			RunInfo:    rosterPath,
			OpcDir:     opcDir,
			WeatherDir: weatherDir,
			SoilDir:    soilDir,
			SiteDir:    siteDir,
			OutputDir:  filepath.Join(root, "outputs"),
			LogDir:     filepath.Join(root, "logs"),
			CacheRoot:  filepath.Join(root, "cache"),
		},
		Pool: config.PoolConfig{Backend: "memory"},
		Log:  config.LogConfig{Level: "info"},
	}
	return cfg, root
}

func TestWorkspaceRunProducesOutputsAndLogs(t *testing.T) {
	cfg, _ := baseTestConfig(t)

	ws, err := Open(cfg)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer ws.Close()

	ws.RegisterCallback("yield", func(site *epic.Site) (map[string]any, error) {
		return map[string]any{"path": site.Outputs["ACY"]}, nil
	})

	if _, err := ws.Run(context.Background(), "", nil); err != nil {
		t.Fatalf("run: %v", err)
	}

	frame, err := ws.FetchLog(context.Background(), "yield", true)
	if err != nil {
		t.Fatalf("fetch log: %v", err)
	}
	if len(frame.Rows) != 2 {
		t.Fatalf("got %d logged rows, want 2", len(frame.Rows))
	}
	for _, row := range frame.Rows {
		if row["SiteID"] != "S1" && row["SiteID"] != "S2" {
			t.Fatalf("unexpected row: %+v", row)
		}
	}

	for _, id := range []string{"S1", "S2"} {
		path := filepath.Join(cfg.Paths.OutputDir, id+".ACY")
		if _, err := os.Stat(path); err != nil {
			t.Fatalf("expected harvested output for %s: %v", id, err)
		}
	}
}

func TestWorkspaceCloseDeletesCacheRoot(t *testing.T) {
	cfg, _ := baseTestConfig(t)

	ws, err := Open(cfg)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	root := ws.cacheRoot
	if _, err := os.Stat(root); err != nil {
		t.Fatalf("expected cache root to exist: %v", err)
	}

	if err := ws.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if _, err := os.Stat(root); !os.IsNotExist(err) {
		t.Fatalf("expected cache root to be removed, stat err = %v", err)
	}

	// Close must be idempotent.
	if err := ws.Close(); err != nil {
		t.Fatalf("second close: %v", err)
	}
}

func TestWorkspaceOutputsDeletedWhenNoOutputDirConfigured(t *testing.T) {
	cfg, _ := baseTestConfig(t)
	cfg.Paths.OutputDir = ""

	ws, err := Open(cfg)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer ws.Close()

	var seen *epic.Site
	var harvested string
	ws.RegisterCallback("capture", func(site *epic.Site) (map[string]any, error) {
		seen = site
		harvested = site.Outputs["ACY"]
		return nil, nil
	})

	if _, err := ws.Run(context.Background(), "Range(0,0.5)", nil); err != nil {
		t.Fatalf("run: %v", err)
	}
	if seen == nil || harvested == "" {
		t.Fatalf("expected the callback to see a harvested ACY output")
	}
	if _, err := os.Stat(harvested); !os.IsNotExist(err) {
		t.Fatalf("expected output %s to be deleted, stat err = %v", harvested, err)
	}
	if len(seen.Outputs) != 0 {
		t.Fatalf("expected site outputs to be cleared, got %v", seen.Outputs)
	}
}
