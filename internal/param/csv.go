// Package param implements the two editable, constrained parameter tables
// shared by the calibration driver: the crop-parameter table and the
// global parameter block.
package param

import (
	"encoding/csv"
	"fmt"
	"os"
	"strconv"
	"strings"
)

// Sensitivity is one row of a sensitivity CSV (columns Parm, Min, Max, Select).
type Sensitivity struct {
	Parm         string
	Min, Max     float64
	Select       bool
}

// LoadSensitivity reads one or more CSVs with columns Parm, Min, Max,
// Select and unions their Select flags with logical OR, keeping the first
// file's Min/Max for each Parm. Only rows with Select true survive.
func LoadSensitivity(paths []string) ([]Sensitivity, error) {
	selectByParm := make(map[string]bool)
	rowByParm := make(map[string]Sensitivity)
	var order []string

	for _, path := range paths {
		rows, err := readSensitivityCSV(path)
		if err != nil {
			return nil, err
		}
		for _, r := range rows {
			if _, seen := rowByParm[r.Parm]; !seen {
				order = append(order, r.Parm)
				rowByParm[r.Parm] = r
			}
			selectByParm[r.Parm] = selectByParm[r.Parm] || r.Select
		}
	}

	var out []Sensitivity
	for _, parm := range order {
		if !selectByParm[parm] {
			continue
		}
		r := rowByParm[parm]
		r.Select = true
		out = append(out, r)
	}
	return out, nil
}

func readSensitivityCSV(path string) ([]Sensitivity, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("param: open sensitivity csv %s: %w", path, err)
	}
	defer f.Close()

	r := csv.NewReader(f)
	records, err := r.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("param: read sensitivity csv %s: %w", path, err)
	}
	if len(records) == 0 {
		return nil, fmt.Errorf("param: %s is empty", path)
	}

	idx := make(map[string]int)
	for i, h := range records[0] {
		idx[strings.TrimSpace(h)] = i
	}
	for _, need := range []string{"Parm", "Min", "Max"} {
		if _, ok := idx[need]; !ok {
			return nil, fmt.Errorf("param: %s is missing required column %q", path, need)
		}
	}
	selectIdx, hasSelect := idx["Select"]

	var out []Sensitivity
	for _, row := range records[1:] {
		s := Sensitivity{Parm: strings.TrimSpace(row[idx["Parm"]])}
		s.Min, err = strconv.ParseFloat(strings.TrimSpace(row[idx["Min"]]), 64)
		if err != nil {
			return nil, fmt.Errorf("param: %s row %q: bad Min: %w", path, s.Parm, err)
		}
		s.Max, err = strconv.ParseFloat(strings.TrimSpace(row[idx["Max"]]), 64)
		if err != nil {
			return nil, fmt.Errorf("param: %s row %q: bad Max: %w", path, s.Parm, err)
		}
		if hasSelect {
			v := strings.TrimSpace(row[selectIdx])
			s.Select = v == "1" || strings.EqualFold(v, "true")
		}
		out = append(out, s)
	}
	return out, nil
}
