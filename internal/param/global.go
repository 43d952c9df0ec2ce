package param

import (
	"bufio"
	"fmt"
	"math"
	"os"
	"strconv"
	"strings"
)

const (
	scrpRows    = 30
	parmRows    = 13
	parmCols    = 10
	parmCount   = parmRows * parmCols // 130 cells, some trailing NaN
)

// GlobalTable is the global parameter block (ieParm-equivalent): a 30-row
// two-column SCRP block transposed into SCRP1_1..30/SCRP2_1..30, followed by
// a 13x10 PARM grid flattened into PARM1..112 with trailing NaN cells
// dropped. The NaN-position bitmask is preserved across load/edit/save.
type GlobalTable struct {
	Values  map[string]float64 // SCRP1_1..30, SCRP2_1..30, PARM1..112
	nanMask []bool             // length parmCount, true where the flattened grid cell is blank

	sensitive []Sensitivity
}

// LoadGlobalTable reads an ieParm-style file: 30 rows of two 8-char fields
// (SCRP1/SCRP2, transposed into columns), then up to 13 rows of ten 8-char
// fields (PARM grid, row-major, trailing blanks treated as NaN).
func LoadGlobalTable(path string) (*GlobalTable, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("param: open %s: %w", path, err)
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	scrp1 := make([]float64, scrpRows)
	scrp2 := make([]float64, scrpRows)
	for i := 0; i < scrpRows; i++ {
		if !sc.Scan() {
			return nil, fmt.Errorf("param: %s: expected %d SCRP rows, got %d", path, scrpRows, i)
		}
		line := sc.Text()
		fields, err := splitFixedStrings(line, []int{8, 8})
		if err != nil {
			return nil, err
		}
		scrp1[i] = parseOrNaN(fields[0])
		scrp2[i] = parseOrNaN(fields[1])
	}

	grid := make([]float64, 0, parmCount)
	mask := make([]bool, 0, parmCount)
	for sc.Scan() {
		line := sc.Text()
		if strings.TrimSpace(line) == "" {
			continue
		}
		fields, err := splitFixedStrings(line, repeat(8, parmCols))
		if err != nil {
			return nil, err
		}
		for _, field := range fields {
			if strings.TrimSpace(field) == "" {
				grid = append(grid, math.NaN())
				mask = append(mask, true)
				continue
			}
			v, err := strconv.ParseFloat(strings.TrimSpace(field), 64)
			if err != nil {
				return nil, fmt.Errorf("param: %s: bad PARM field %q: %w", path, field, err)
			}
			grid = append(grid, v)
			mask = append(mask, false)
		}
	}
	for len(grid) < parmCount {
		grid = append(grid, math.NaN())
		mask = append(mask, true)
	}

	t := &GlobalTable{Values: make(map[string]float64), nanMask: mask}
	for i := 0; i < scrpRows; i++ {
		t.Values[fmt.Sprintf("SCRP1_%d", i+1)] = scrp1[i]
		t.Values[fmt.Sprintf("SCRP2_%d", i+1)] = scrp2[i]
	}
	for i, v := range grid {
		if math.IsNaN(v) {
			continue
		}
		t.Values[fmt.Sprintf("PARM%d", i+1)] = v
	}
	return t, nil
}

func parseOrNaN(s string) float64 {
	s = strings.TrimSpace(s)
	if s == "" {
		return math.NaN()
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return math.NaN()
	}
	return v
}

// Save writes the table back: the 30x2 SCRP block (as two columns), a
// blank line, then the PARM grid with the NaN mask's trailing blanks
// restored and the original decimal precision approximated.
func (t *GlobalTable) Save(path string) error {
	var b strings.Builder
	for i := 1; i <= scrpRows; i++ {
		fmt.Fprintf(&b, "%8.2f%8.2f\n", t.Values[fmt.Sprintf("SCRP1_%d", i)], t.Values[fmt.Sprintf("SCRP2_%d", i)])
	}
	b.WriteString("\n")

	for r := 0; r < parmRows; r++ {
		for c := 0; c < parmCols; c++ {
			idx := r*parmCols + c
			if idx >= len(t.nanMask) || t.nanMask[idx] {
				break
			}
			v := t.Values[fmt.Sprintf("PARM%d", idx+1)]
			fmt.Fprintf(&b, "%8.2f", v)
		}
		b.WriteString("\n")
	}
	return os.WriteFile(path, []byte(b.String()), 0o644)
}

// SetSensitive marks the active parameter subset from one or more
// sensitivity CSVs (no per-crop dimension for the global table).
func (t *GlobalTable) SetSensitive(sensitivityPaths []string) error {
	sens, err := LoadSensitivity(sensitivityPaths)
	if err != nil {
		return err
	}
	t.sensitive = sens
	return nil
}

// Current returns the active parameter values, in sensitivity-CSV order.
func (t *GlobalTable) Current() ([]float64, error) {
	out := make([]float64, len(t.sensitive))
	for i, s := range t.sensitive {
		out[i] = t.Values[s.Parm]
	}
	return out, nil
}

// Edit unpacks vector back into the active cells in the same order.
func (t *GlobalTable) Edit(vector []float64) error {
	if len(vector) != len(t.sensitive) {
		return fmt.Errorf("param: edit vector has %d values, want %d", len(vector), len(t.sensitive))
	}
	for i, s := range t.sensitive {
		t.Values[s.Parm] = vector[i]
	}
	return nil
}

// Constraints returns one (min,max) bound per active dimension.
func (t *GlobalTable) Constraints() [][2]float64 {
	out := make([][2]float64, len(t.sensitive))
	for i, s := range t.sensitive {
		out[i] = [2]float64{s.Min, s.Max}
	}
	return out
}

// VarNames returns names in the same order as Current.
func (t *GlobalTable) VarNames() []string {
	out := make([]string, len(t.sensitive))
	for i, s := range t.sensitive {
		out[i] = s.Parm
	}
	return out
}
