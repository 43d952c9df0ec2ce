package epic

import (
	"bufio"
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"
)

var opcWidths = []int{3, 3, 3, 5, 5, 5, 5, 8, 8, 8, 8, 8, 8, 8, 8}

// plantation and harvest codes used to check the scheduling invariant.
var plantationCodes = map[int]bool{2: true, 3: true}

const harvestCode = 650

// OPCRow is one row of an operation-schedule file.
type OPCRow struct {
	Yid, Mn, Dy  int
	Code, Trac, Crp, Xmtu int
	Opv          [8]float64
}

// OPC is the operation-schedule table: a start-year header plus an ordered
// sequence of fixed-width rows.
type OPC struct {
	Header1   string // "... : {start_year}"
	Header2   string
	StartYear int
	Rows      []OPCRow
}

func LoadOPC(path string) (*OPC, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("epic: open %s: %w", path, err)
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	if !sc.Scan() {
		return nil, fmt.Errorf("epic: %s: missing header line 1", path)
	}
	h1 := sc.Text()
	if !sc.Scan() {
		return nil, fmt.Errorf("epic: %s: missing header line 2", path)
	}
	h2 := sc.Text()

	startYear := 0
	if idx := strings.LastIndex(h1, ":"); idx >= 0 {
		startYear, _ = strconv.Atoi(strings.TrimSpace(h1[idx+1:]))
	}

	o := &OPC{Header1: h1, Header2: h2, StartYear: startYear}
	for sc.Scan() {
		line := sc.Text()
		if strings.TrimSpace(line) == "" {
			continue
		}
		row, err := parseOPCRow(line)
		if err != nil {
			return nil, fmt.Errorf("epic: parse %s: %w", path, err)
		}
		o.Rows = append(o.Rows, row)
	}
	return o, sc.Err()
}

func parseOPCRow(line string) (OPCRow, error) {
	ints := make([]int, 7)
	pos := 0
	for i := 0; i < 7; i++ {
		w := opcWidths[i]
		end := pos + w
		if end > len(line) {
			end = len(line)
		}
		v, err := strconv.Atoi(strings.TrimSpace(line[pos:end]))
		if err != nil {
			return OPCRow{}, fmt.Errorf("field %d: %w", i, err)
		}
		ints[i] = v
		pos = end
	}
	row := OPCRow{Yid: ints[0], Mn: ints[1], Dy: ints[2], Code: ints[3], Trac: ints[4], Crp: ints[5], Xmtu: ints[6]}
	for i := 0; i < 8; i++ {
		w := opcWidths[7+i]
		end := pos + w
		if end > len(line) {
			end = len(line)
		}
		if pos < len(line) {
			v, err := strconv.ParseFloat(strings.TrimSpace(line[pos:end]), 64)
			if err == nil {
				row.Opv[i] = v
			}
		}
		pos = end
	}
	return row, nil
}

// opvFormats gives OPV1 and OPV4 one more decimal digit than the other six
// operation-value columns, matching the file's declared per-column printf
// layout; collapsing every column to one precision corrupts those two on
// round-trip.
var opvFormats = [8]string{"%8.3f", "%8.2f", "%8.2f", "%8.3f", "%8.2f", "%8.2f", "%8.2f", "%8.2f"}

// Save writes the header and rows back in the
// %3d%3d%3d%5d%5d%5d%5d%8.3f%8.2f%8.2f%8.3f%8.2f%8.2f%8.2f%8.2f layout.
func (o *OPC) Save(path string) error {
	var b strings.Builder
	b.WriteString(o.Header1)
	b.WriteString("\n")
	b.WriteString(o.Header2)
	b.WriteString("\n")
	for _, r := range o.Rows {
		fmt.Fprintf(&b, "%3d%3d%3d%5d%5d%5d%5d", r.Yid, r.Mn, r.Dy, r.Code, r.Trac, r.Crp, r.Xmtu)
		for i, v := range r.Opv {
			fmt.Fprintf(&b, opvFormats[i], v)
		}
		b.WriteString("\n")
	}
	return os.WriteFile(path, []byte(b.String()), 0o644)
}

// ValidateSchedule enforces the sorted-by-date and per-crop
// plantation/harvest invariant.
func (o *OPC) ValidateSchedule() error {
	if !sort.SliceIsSorted(o.Rows, func(i, j int) bool {
		a, b := o.Rows[i], o.Rows[j]
		if a.Yid != b.Yid {
			return a.Yid < b.Yid
		}
		if a.Mn != b.Mn {
			return a.Mn < b.Mn
		}
		return a.Dy < b.Dy
	}) {
		return fmt.Errorf("epic: operation schedule rows are not sorted by date")
	}

	planted := make(map[int]bool)
	harvested := make(map[int]bool)
	for _, r := range o.Rows {
		if r.Crp == 0 {
			continue // fallow
		}
		if plantationCodes[r.Code] {
			planted[r.Crp] = true
		}
		if r.Code == harvestCode {
			harvested[r.Crp] = true
		}
	}
	for crop := range planted {
		if !harvested[crop] {
			return fmt.Errorf("epic: crop %d has a plantation row but no harvest row", crop)
		}
	}
	return nil
}
