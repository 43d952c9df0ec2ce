package param

import (
	"bufio"
	"fmt"
	"math"
	"os"
	"strconv"
	"strings"
)

var cropColWidths = append([]int{5, 5}, append(repeat(8, 58), 50)...)

func repeat(v, n int) []int {
	out := make([]int, n)
	for i := range out {
		out[i] = v
	}
	return out
}

// cropColFormats declares the physical write precision of each of the 58
// data columns, position-keyed in file order: the original's save() fixes
// one printf format per column rather than a uniform one, so an edited
// 3/4-decimal or integer column round-trips at its declared precision
// instead of being truncated to two decimals.
var cropColFormats = buildCropColFormats()

func buildCropColFormats() []string {
	var f []string
	f = append(f, repeatFmt("%8.2f", 11)...)
	f = append(f, "%8.4f")
	f = append(f, repeatFmt("%8.2f", 5)...)
	f = append(f, repeatFmt("%8.4f", 3)...)
	f = append(f, repeatFmt("%8.2f", 6)...)
	f = append(f, repeatFmt("%8.4f", 9)...)
	f = append(f, repeatFmt("%8.3f", 3)...)
	f = append(f, "%8d")
	f = append(f, repeatFmt("%8.2f", 18)...)
	f = append(f, "%8.3f")
	return f
}

func repeatFmt(v string, n int) []string {
	out := make([]string, n)
	for i := range out {
		out[i] = v
	}
	return out
}

// splitColumns carry a combined integer/decimal value in the physical file
// (e.g. "12.34" meaning crop stage 12 at 34% of the interval); the in-memory
// table exposes each as two virtual columns, "<name>_v1" (integer part) and
// "<name>_v2" (decimal part as a 0-99 percentage).
var splitColumns = []string{"DLAP1", "DLAP2", "WAC2", "PPLP1", "PPLP2"}

// CropRow is one crop code's row of the crop-parameter table.
type CropRow struct {
	Code    int
	Name    string // second fixed-width column, conventionally the crop's short name
	Values  map[string]float64
	Comment string // trailing %s field, preserved verbatim
}

// CropTable is the crop-parameter table (CROPCOM-equivalent): one row per
// crop code, with a fixed set of columns whose physical representation
// packs two fields into one value for the columns in splitColumns.
type CropTable struct {
	Header  [2]string
	Columns []string // physical column order, as declared by the file's second header line
	Rows    []CropRow

	sensitive []Sensitivity
	crops     []int
}

// LoadCropTable reads a CROPCOM-style file: a title line, a column-name
// header line at the same fixed widths, then one fixed-width row per crop.
func LoadCropTable(path string) (*CropTable, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("param: open %s: %w", path, err)
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	buf := make([]byte, 0, 64*1024)
	sc.Buffer(buf, 1024*1024)

	if !sc.Scan() {
		return nil, fmt.Errorf("param: %s: missing title line", path)
	}
	title := sc.Text()
	if !sc.Scan() {
		return nil, fmt.Errorf("param: %s: missing column header line", path)
	}
	headerLine := sc.Text()

	columns, err := splitFixedStrings(headerLine, cropColWidths)
	if err != nil {
		return nil, fmt.Errorf("param: %s: parsing column header: %w", path, err)
	}
	for i := range columns {
		columns[i] = strings.TrimSpace(columns[i])
	}

	t := &CropTable{Header: [2]string{title, headerLine}, Columns: columns}

	for sc.Scan() {
		line := sc.Text()
		if strings.TrimSpace(line) == "" {
			continue
		}
		row, err := t.parseRow(line)
		if err != nil {
			return nil, fmt.Errorf("param: %s: %w", path, err)
		}
		t.Rows = append(t.Rows, row)
	}
	return t, sc.Err()
}

func splitFixedStrings(line string, widths []int) ([]string, error) {
	out := make([]string, len(widths))
	pos := 0
	for i, w := range widths {
		end := pos + w
		if end > len(line) {
			end = len(line)
		}
		if pos > len(line) {
			return nil, fmt.Errorf("line too short")
		}
		out[i] = line[pos:end]
		pos = end
	}
	return out, nil
}

func (t *CropTable) parseRow(line string) (CropRow, error) {
	fields, err := splitFixedStrings(line, cropColWidths)
	if err != nil {
		return CropRow{}, err
	}
	row := CropRow{Values: make(map[string]float64)}
	for i, col := range t.Columns {
		if i >= len(fields) {
			break
		}
		raw := strings.TrimSpace(fields[i])
		switch {
		case col == "#" || col == "":
			if i == 0 {
				row.Code, _ = strconv.Atoi(raw)
			}
		case col == "CPNM":
			row.Name = raw
		default:
			if i == len(t.Columns)-1 {
				row.Comment = raw
				continue
			}
			v, err := strconv.ParseFloat(raw, 64)
			if err == nil {
				row.Values[col] = v
			}
		}
	}
	for _, col := range splitColumns {
		v := row.Values[col]
		intPart := math.Floor(v)
		row.Values[col+"_v1"] = intPart
		row.Values[col+"_v2"] = (v - intPart) * 100
	}
	return row, nil
}

// combined recomposes a splitColumns virtual pair back into the physical value.
func combined(row CropRow, col string) float64 {
	return math.Trunc(row.Values[col+"_v1"]) + row.Values[col+"_v2"]/100
}

// Save writes the table back in the crop-parameter file's fixed layout,
// recombining the split virtual columns.
func (t *CropTable) Save(path string) error {
	var b strings.Builder
	b.WriteString(t.Header[0])
	if !strings.HasSuffix(t.Header[0], "\n") {
		b.WriteString("\n")
	}
	b.WriteString(t.Header[1])
	if !strings.HasSuffix(t.Header[1], "\n") {
		b.WriteString("\n")
	}

	isSplit := make(map[string]bool, len(splitColumns))
	for _, c := range splitColumns {
		isSplit[c] = true
	}

	for _, row := range t.Rows {
		fmt.Fprintf(&b, "%5d%5s", row.Code, row.Name)
		for i, col := range t.Columns[2 : len(t.Columns)-1] {
			v := row.Values[col]
			if isSplit[col] {
				v = combined(row, col)
			}
			format := "%8.2f"
			if i < len(cropColFormats) {
				format = cropColFormats[i]
			}
			if format == "%8d" {
				fmt.Fprintf(&b, format, int(math.Round(v)))
			} else {
				fmt.Fprintf(&b, format, v)
			}
		}
		fmt.Fprintf(&b, "  %s\n", row.Comment)
	}
	return os.WriteFile(path, []byte(b.String()), 0o644)
}

// SetSensitive marks the active parameter subset (by name, across the given
// crop codes, or across every row when no codes are given) from one or more
// sensitivity CSVs.
func (t *CropTable) SetSensitive(sensitivityPaths []string, cropCodes []int) error {
	sens, err := LoadSensitivity(sensitivityPaths)
	if err != nil {
		return err
	}
	t.sensitive = sens
	if len(cropCodes) == 0 {
		for _, r := range t.Rows {
			cropCodes = append(cropCodes, r.Code)
		}
	}
	t.crops = cropCodes
	return nil
}

func (t *CropTable) rowByCode(code int) (CropRow, bool) {
	for _, r := range t.Rows {
		if r.Code == code {
			return r, true
		}
	}
	return CropRow{}, false
}

// Current returns the active parameters packed crop-by-crop, left to right.
func (t *CropTable) Current() ([]float64, error) {
	var out []float64
	for _, crop := range t.crops {
		row, ok := t.rowByCode(crop)
		if !ok {
			return nil, fmt.Errorf("param: crop code %d not found in table", crop)
		}
		for _, s := range t.sensitive {
			out = append(out, row.Values[s.Parm])
		}
	}
	return out, nil
}

// Edit unpacks vector back into the active cells, split by crop.
func (t *CropTable) Edit(vector []float64) error {
	n := len(t.sensitive)
	if len(vector) != n*len(t.crops) {
		return fmt.Errorf("param: edit vector has %d values, want %d", len(vector), n*len(t.crops))
	}
	for ci, crop := range t.crops {
		for i := range t.Rows {
			if t.Rows[i].Code != crop {
				continue
			}
			for j, s := range t.sensitive {
				t.Rows[i].Values[s.Parm] = vector[ci*n+j]
			}
		}
	}
	return nil
}

// Constraints returns one (min,max) bound per active dimension, repeated
// per selected crop code.
func (t *CropTable) Constraints() [][2]float64 {
	var out [][2]float64
	for range t.crops {
		for _, s := range t.sensitive {
			out = append(out, [2]float64{s.Min, s.Max})
		}
	}
	return out
}

// VarNames returns names in the same order as Current, suffixed with the crop code.
func (t *CropTable) VarNames() []string {
	var out []string
	for _, crop := range t.crops {
		for _, s := range t.sensitive {
			out = append(out, fmt.Sprintf("%s_%d", s.Parm, crop))
		}
	}
	return out
}
