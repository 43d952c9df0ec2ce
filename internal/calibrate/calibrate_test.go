package calibrate

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"geoepic/internal/config"
	"geoepic/internal/epic"
	"geoepic/internal/workspace"
)

// fakeModel is a minimal param.Model stand-in: its fitness has nothing to
// do with the simulated engine output, only with how far its edited value
// sits from a hidden target, which is all Optimize and Analyze need to
// exercise the split/edit/save/evaluate path end to end.
type fakeModel struct {
	vals      []float64
	bounds    [][2]float64
	names     []string
	target    []float64
	savedPath string
	saveCount int
}

func (f *fakeModel) Save(path string) error {
	f.savedPath = path
	f.saveCount++
	return nil
}

func (f *fakeModel) Current() ([]float64, error) {
	return append([]float64(nil), f.vals...), nil
}

func (f *fakeModel) Edit(vector []float64) error {
	copy(f.vals, vector)
	return nil
}

func (f *fakeModel) Constraints() [][2]float64 { return f.bounds }
func (f *fakeModel) VarNames() []string        { return f.names }

func (f *fakeModel) sumSquaredError() float64 {
	var total float64
	for i, v := range f.vals {
		d := v - f.target[i]
		total += d * d
	}
	return total
}

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

// openTestWorkspace builds a one-site batch driver whose objective reads
// the fake model's current sum-squared error, the way a real objective
// would read a logged yield-error table.
func openTestWorkspace(t *testing.T, fm *fakeModel) *workspace.Workspace {
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
	rosterPath := filepath.Join(root, "roster.csv")
	writeRoster(t, rosterPath, []string{"S1"})

	cfg := &config.Config{
		Engine: config.EngineConfig{
			Model:       model,
			OutputTypes: []string{"ACY"},
			StartDate:   "2010-01-01",
			Duration:    1,
			NumWorkers:  1,
			Timeout:     5 * time.Second,
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

	ws, err := workspace.Open(cfg)
	if err != nil {
		t.Fatalf("open workspace: %v", err)
	}
	ws.SetObjective(func() (float64, error) { return fm.sumSquaredError(), nil })
	return ws
}

func newFakeModel() *fakeModel {
	return &fakeModel{
		vals:   []float64{0, 0},
		bounds: [][2]float64{{-5, 5}, {-5, 5}},
		names:  []string{"a", "b"},
		target: []float64{2, -1},
	}
}

func TestProblemFitnessEditsSavesAndEvaluates(t *testing.T) {
	fm := newFakeModel()
	ws := openTestWorkspace(t, fm)
	defer ws.Close()

	modelPath := filepath.Join(t.TempDir(), "model.dat")
	p, err := NewProblem(ws, BoundModel{Model: fm, Path: modelPath})
	if err != nil {
		t.Fatalf("new problem: %v", err)
	}

	val, err := p.Fitness(context.Background(), []float64{2, -1})
	if err != nil {
		t.Fatalf("fitness: %v", err)
	}
	if val != 0 {
		t.Fatalf("fitness at target = %v, want 0", val)
	}
	if fm.saveCount == 0 {
		t.Fatal("expected model to be saved")
	}
	if fm.savedPath != modelPath {
		t.Fatalf("saved path = %q, want %q", fm.savedPath, modelPath)
	}
}

func TestOptimizeConvergesTowardTarget(t *testing.T) {
	fm := newFakeModel()
	ws := openTestWorkspace(t, fm)
	defer ws.Close()

	p, err := NewProblem(ws, BoundModel{Model: fm, Path: filepath.Join(t.TempDir(), "model.dat")})
	if err != nil {
		t.Fatalf("new problem: %v", err)
	}

	result, err := Optimize(context.Background(), p, 8, 15, OptimizerOptions{Seed: 42}, ws.ClearOutputs)
	if err != nil {
		t.Fatalf("optimize: %v", err)
	}
	if result.Fitness > result.Baseline {
		t.Fatalf("champion fitness %v worse than baseline %v", result.Fitness, result.Baseline)
	}
	if result.Fitness > 1.0 {
		t.Fatalf("expected champion to approach the target, fitness = %v", result.Fitness)
	}
}

func TestAnalyzeRanksMoreSensitiveParameterFirst(t *testing.T) {
	fm := newFakeModel()
	fm.bounds = [][2]float64{{-1, 1}, {-10, 10}}
	ws := openTestWorkspace(t, fm)
	defer ws.Close()

	p, err := NewProblem(ws, BoundModel{Model: fm, Path: filepath.Join(t.TempDir(), "model.dat")})
	if err != nil {
		t.Fatalf("new problem: %v", err)
	}

	report, err := Analyze(context.Background(), p, Morris, 5)
	if err != nil {
		t.Fatalf("analyze: %v", err)
	}
	if len(report.Rankings) != 2 {
		t.Fatalf("got %d rankings, want 2", len(report.Rankings))
	}
	if report.Rankings[0].Name != "b" {
		t.Fatalf("expected %q to rank first (wider range), got %q", "b", report.Rankings[0].Name)
	}
	if report.Rankings[0].Rank != 1 || report.Rankings[1].Rank != 2 {
		t.Fatal("expected ranks to be assigned 1, 2 in order")
	}
}
