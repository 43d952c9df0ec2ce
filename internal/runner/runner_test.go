package runner

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"geoepic/internal/epic"
)

// writeEngineFixture lays down a minimal but structurally valid engine
// installation: EPICFILE.DAT, EPICCONT.DAT, a print-control file with the
// flag/extension rows at the expected offsets, and an executable shell
// script standing in for the real simulator binary.
func writeEngineFixture(t *testing.T, dir string, script string) string {
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
		cont[i] = "                                                                "
	}
	if err := os.WriteFile(filepath.Join(dir, "EPICCONT.DAT"), []byte(strings.Join(cont, "\n")+"\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	lines := make([]string, 51)
	for i := range lines {
		lines[i] = "x"
	}
	lines[14] = " 1 0 0 0" // flag cells, one per extension name on line 50
	lines[15] = ""
	lines[49] = "ACY DGN SOM WTR "
	lines[50] = ""
	if err := os.WriteFile(filepath.Join(dir, "PRNT0810.DAT"), []byte(strings.Join(lines, "\n")), 0o644); err != nil {
		t.Fatal(err)
	}

	binPath := filepath.Join(dir, "model.sh")
	if err := os.WriteFile(binPath, []byte(script), 0o755); err != nil {
		t.Fatal(err)
	}
	return binPath
}

func writeSiteInputs(t *testing.T, dir, id string) *epic.Site {
	t.Helper()

	sit := make([]string, 5)
	for i := range sit {
		sit[i] = "x"
	}
	sitPath := filepath.Join(dir, id+".SIT")
	if err := os.WriteFile(sitPath, []byte(strings.Join(sit, "\n")), 0o644); err != nil {
		t.Fatal(err)
	}

	solPath := filepath.Join(dir, id+".SOL")
	if err := os.WriteFile(solPath, []byte("soil\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	opcPath := filepath.Join(dir, id+".OPC")
	if err := os.WriteFile(opcPath, []byte("header : 2010\n \n"), 0o644); err != nil {
		t.Fatal(err)
	}

	dlyPath := filepath.Join(dir, id+".DLY")
	dly := &epic.DLY{Rows: []epic.DailyRow{
		{Year: 2010, Month: 1, Day: 1, Srad: 10, Tmax: 20, Tmin: 5, Prcp: 0, Rh: 60, Ws: 2},
	}}
	if err := dly.Save(dlyPath); err != nil {
		t.Fatal(err)
	}

	site, err := epic.NewSite(id, sitPath, solPath, dlyPath, opcPath, 10, 20, 30)
	if err != nil {
		t.Fatal(err)
	}
	return site
}

func TestRunnerFullCycleHarvestsOutput(t *testing.T) {
	engineDir := t.TempDir()
	script := "#!/bin/sh\nline=$(head -n 1 EPICRUN.DAT)\nid=${line%% *}\necho result > \"${id}.ACY\"\n"
	model := writeEngineFixture(t, engineDir, script)

	inputsDir := t.TempDir()
	site := writeSiteInputs(t, inputsDir, "S1")

	outDir := filepath.Join(t.TempDir(), "outputs")
	logDir := filepath.Join(t.TempDir(), "logs")

	r, err := Open(Config{
		Model:          model,
		OutputTypes:    []string{"ACY"},
		StartYear:      2010,
		StartMonth:     1,
		StartDay:       1,
		Duration:       1,
		OutputDir:      outDir,
		LogDir:         logDir,
		DeleteAfterUse: true,
	})
	if err != nil {
		t.Fatalf("open runner: %v", err)
	}
	defer r.Close()

	slot := t.TempDir()
	result := r.Run(context.Background(), site, slot, 5*time.Second)
	if result.Outcome != epic.Ok {
		t.Fatalf("run outcome = %v, err = %v", result.Outcome, result.Err)
	}

	got, ok := site.Outputs["ACY"]
	if !ok {
		t.Fatal("expected ACY output to be recorded")
	}
	if _, err := os.Stat(got); err != nil {
		t.Fatalf("harvested output missing: %v", err)
	}
}

func TestRunnerShortCircuitsWhenOutputAlreadyExists(t *testing.T) {
	engineDir := t.TempDir()
	script := "#!/bin/sh\nexit 1\n" // must never run
	model := writeEngineFixture(t, engineDir, script)

	inputsDir := t.TempDir()
	site := writeSiteInputs(t, inputsDir, "S2")

	outDir := t.TempDir()
	existing := filepath.Join(outDir, "S2.ACY")
	if err := os.WriteFile(existing, []byte("cached\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	r, err := Open(Config{
		Model:       model,
		OutputTypes: []string{"ACY"},
		Duration:    1,
		OutputDir:   outDir,
	})
	if err != nil {
		t.Fatalf("open runner: %v", err)
	}
	defer r.Close()

	result := r.Run(context.Background(), site, t.TempDir(), time.Second)
	if result.Outcome != epic.Ok {
		t.Fatalf("expected short-circuit success, got %v (%v)", result.Outcome, result.Err)
	}
	if site.Outputs["ACY"] != existing {
		t.Fatalf("outputs[ACY] = %q, want %q", site.Outputs["ACY"], existing)
	}
}

func TestRunnerReportsMissingOutput(t *testing.T) {
	engineDir := t.TempDir()
	script := "#!/bin/sh\nexit 0\n" // never writes the expected output file
	model := writeEngineFixture(t, engineDir, script)

	inputsDir := t.TempDir()
	site := writeSiteInputs(t, inputsDir, "S3")

	r, err := Open(Config{Model: model, OutputTypes: []string{"ACY"}, Duration: 1})
	if err != nil {
		t.Fatalf("open runner: %v", err)
	}
	defer r.Close()

	result := r.Run(context.Background(), site, t.TempDir(), time.Second)
	if result.Outcome != epic.MissingOutput {
		t.Fatalf("outcome = %v, want MissingOutput", result.Outcome)
	}
	if result.Kind != "ACY" {
		t.Fatalf("kind = %q, want ACY", result.Kind)
	}
}

func TestRunnerTimesOutSlowEngine(t *testing.T) {
	engineDir := t.TempDir()
	script := "#!/bin/sh\nsleep 5\n"
	model := writeEngineFixture(t, engineDir, script)

	inputsDir := t.TempDir()
	site := writeSiteInputs(t, inputsDir, "S4")

	r, err := Open(Config{Model: model, OutputTypes: []string{"ACY"}, Duration: 1})
	if err != nil {
		t.Fatalf("open runner: %v", err)
	}
	defer r.Close()

	result := r.Run(context.Background(), site, t.TempDir(), 50*time.Millisecond)
	if result.Outcome != epic.Timeout {
		t.Fatalf("outcome = %v, want Timeout", result.Outcome)
	}
}

func TestParseStartDate(t *testing.T) {
	y, m, d, err := ParseStartDate("2014-03-21")
	if err != nil || y != 2014 || m != 3 || d != 21 {
		t.Fatalf("got (%d,%d,%d,%v)", y, m, d, err)
	}
	if _, _, _, err := ParseStartDate("bad"); err == nil {
		t.Fatal("expected error for malformed date")
	}
}
