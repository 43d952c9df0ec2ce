package param

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
)

var sensFileCounter int

func writeSensitivityCSV(t *testing.T, dir string, rows string) string {
	t.Helper()
	sensFileCounter++
	path := filepath.Join(dir, "sensitivity"+strconv.Itoa(sensFileCounter)+".csv")
	if err := os.WriteFile(path, []byte(rows), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestGlobalTableRoundTrip(t *testing.T) {
	dir := t.TempDir()
	var lines string
	for i := 0; i < scrpRows; i++ {
		lines += "    1.00    2.00\n"
	}
	for r := 0; r < parmRows; r++ {
		for c := 0; c < parmCols; c++ {
			lines += "    0.50"
		}
		lines += "\n"
	}
	path := filepath.Join(dir, "ieParm.DAT")
	if err := os.WriteFile(path, []byte(lines), 0o644); err != nil {
		t.Fatal(err)
	}

	tbl, err := LoadGlobalTable(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if tbl.Values["SCRP1_1"] != 1.0 || tbl.Values["SCRP2_1"] != 2.0 {
		t.Fatalf("unexpected SCRP values: %v %v", tbl.Values["SCRP1_1"], tbl.Values["SCRP2_1"])
	}
	if tbl.Values["PARM1"] != 0.5 {
		t.Fatalf("PARM1 = %v, want 0.5", tbl.Values["PARM1"])
	}

	sensPath := writeSensitivityCSV(t, dir, "Parm,Min,Max,Select\nPARM1,0,1,1\n")
	if err := tbl.SetSensitive([]string{sensPath}); err != nil {
		t.Fatalf("set sensitive: %v", err)
	}
	cur, err := tbl.Current()
	if err != nil {
		t.Fatalf("current: %v", err)
	}
	if len(cur) != 1 || cur[0] != 0.5 {
		t.Fatalf("current = %v, want [0.5]", cur)
	}
	if err := tbl.Edit([]float64{0.75}); err != nil {
		t.Fatalf("edit: %v", err)
	}
	if tbl.Values["PARM1"] != 0.75 {
		t.Fatalf("PARM1 after edit = %v, want 0.75", tbl.Values["PARM1"])
	}

	outPath := filepath.Join(dir, "out.DAT")
	if err := tbl.Save(outPath); err != nil {
		t.Fatalf("save: %v", err)
	}
}

// TestCropTableRoundTripPreservesPerColumnPrecision builds a single-row
// CROPCOM-style fixture covering every precision class cropColFormats
// declares, then checks Save emits each field at its declared precision
// rather than collapsing everything to a uniform %8.2f.
func TestCropTableRoundTripPreservesPerColumnPrecision(t *testing.T) {
	dir := t.TempDir()

	names := make([]string, 58)
	for i := range names {
		names[i] = fmt.Sprintf("P%02d", i+1)
	}

	values := make([]float64, 58)
	formats := make([]string, 58)
	fill := func(start, count int, format string, v float64) {
		for i := start; i < start+count; i++ {
			values[i] = v
			formats[i] = format
		}
	}
	fill(0, 11, "%8.2f", 12.34)
	fill(11, 1, "%8.4f", 1.2345)
	fill(12, 5, "%8.2f", 56.78)
	fill(17, 3, "%8.4f", 2.3456)
	fill(20, 6, "%8.2f", 90.12)
	fill(26, 9, "%8.4f", 3.4567)
	fill(35, 3, "%8.3f", 7.891)
	formats[38] = "%8d"
	values[38] = 42
	fill(39, 18, "%8.2f", 34.56)
	fill(57, 1, "%8.3f", 3.142)

	var b strings.Builder
	b.WriteString("Crop Parameter Database File\n")
	fmt.Fprintf(&b, "%5s%5s", "#", "CPNM")
	for _, n := range names {
		fmt.Fprintf(&b, "%8s", n)
	}
	fmt.Fprintf(&b, "%50s\n", "COMMENT")

	fmt.Fprintf(&b, "%5d%5s", 1, "MAIZ")
	for i, v := range values {
		if formats[i] == "%8d" {
			fmt.Fprintf(&b, "%8d", int(v))
		} else {
			fmt.Fprintf(&b, formats[i], v)
		}
	}
	fmt.Fprintf(&b, "  %s\n", "note")

	path := filepath.Join(dir, "CROPCOM.DAT")
	if err := os.WriteFile(path, []byte(b.String()), 0o644); err != nil {
		t.Fatal(err)
	}

	tbl, err := LoadCropTable(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(tbl.Rows) != 1 {
		t.Fatalf("got %d rows, want 1", len(tbl.Rows))
	}
	row := tbl.Rows[0]
	if row.Code != 1 || row.Name != "MAIZ" {
		t.Fatalf("unexpected row identity: %+v", row)
	}
	if row.Values[names[38]] != 42 {
		t.Fatalf("integer column parsed as %v, want 42", row.Values[names[38]])
	}

	outPath := filepath.Join(dir, "out.DAT")
	if err := tbl.Save(outPath); err != nil {
		t.Fatalf("save: %v", err)
	}
	out, err := os.ReadFile(outPath)
	if err != nil {
		t.Fatal(err)
	}
	lines := strings.Split(strings.TrimRight(string(out), "\n"), "\n")
	dataLine := lines[len(lines)-1]

	// prefix is the 5-wide code field plus 5-wide name field; each of the 58
	// data columns then occupies a fixed 8-char slot in declared order.
	field := func(index int) string {
		pos := 10 + index*8
		return dataLine[pos : pos+8]
	}

	cases := []struct {
		index int
		want  string
	}{
		{0, "   12.34"},  // %8.2f group
		{11, "  1.2345"}, // %8.4f singleton
		{17, "  2.3456"}, // second %8.4f group
		{38, "      42"}, // %8d integer column
		{57, "   3.142"}, // trailing %8.3f column
	}
	for _, c := range cases {
		if got := field(c.index); got != c.want {
			t.Fatalf("column %d (%s) = %q, want %q", c.index, names[c.index], got, c.want)
		}
	}
}

func TestLoadSensitivityUnionKeepsFirstRange(t *testing.T) {
	dir := t.TempDir()
	a := writeSensitivityCSV(t, dir, "Parm,Min,Max,Select\nX,0,1,0\nY,0,2,1\n")
	b := writeSensitivityCSV(t, dir, "Parm,Min,Max,Select\nX,5,6,1\n")

	rows, err := LoadSensitivity([]string{a, b})
	if err != nil {
		t.Fatalf("load sensitivity: %v", err)
	}
	if len(rows) != 2 {
		t.Fatalf("got %d rows, want 2", len(rows))
	}
	for _, r := range rows {
		if r.Parm == "X" && r.Min != 0 {
			t.Fatalf("X min should keep first file's range, got %v", r.Min)
		}
	}
}
