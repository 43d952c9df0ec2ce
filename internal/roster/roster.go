// Package roster loads and filters the run roster: the ordered list of
// sites scheduled for a batch.
package roster

import (
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/xuri/excelize/v2"
)

// Record is one roster row before it is resolved against the configured
// input directories into a full epic.Site.
type Record struct {
	SiteID string
	Soil   string
	Dly    string
	Opc    string
	Lat    float64
	Lon    float64
}

var requiredCSVColumns = []string{"SiteID", "soil", "dly", "lat", "lon"}

// Load reads a roster from a CSV or XLSX file, detected by extension.
func Load(path string) ([]Record, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".xlsx":
		return loadXLSX(path)
	default:
		return loadCSV(path)
	}
}

func loadCSV(path string) ([]Record, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("roster: open %s: %w", path, err)
	}
	defer f.Close()

	r := csv.NewReader(f)
	header, err := r.Read()
	if err != nil {
		return nil, fmt.Errorf("roster: read header of %s: %w", path, err)
	}
	idx := make(map[string]int, len(header))
	for i, h := range header {
		idx[strings.TrimSpace(h)] = i
	}
	for _, col := range requiredCSVColumns {
		if _, ok := idx[col]; !ok {
			return nil, fmt.Errorf("roster: %s is missing required column %q", path, col)
		}
	}
	opcIdx, hasOpc := idx["opc"]

	var out []Record
	for {
		row, err := r.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("roster: read %s: %w", path, err)
		}
		rec, err := recordFromFields(row, idx, opcIdx, hasOpc)
		if err != nil {
			return nil, fmt.Errorf("roster: %s: %w", path, err)
		}
		out = append(out, rec)
	}
	return out, nil
}

func recordFromFields(row []string, idx map[string]int, opcIdx int, hasOpc bool) (Record, error) {
	get := func(col string) string {
		i, ok := idx[col]
		if !ok || i >= len(row) {
			return ""
		}
		return strings.TrimSpace(row[i])
	}
	lat, err := strconv.ParseFloat(get("lat"), 64)
	if err != nil {
		return Record{}, fmt.Errorf("bad lat for site %s: %w", get("SiteID"), err)
	}
	lon, err := strconv.ParseFloat(get("lon"), 64)
	if err != nil {
		return Record{}, fmt.Errorf("bad lon for site %s: %w", get("SiteID"), err)
	}
	rec := Record{SiteID: get("SiteID"), Soil: get("soil"), Dly: get("dly"), Lat: lat, Lon: lon}
	if hasOpc && opcIdx < len(row) {
		rec.Opc = strings.TrimSpace(row[opcIdx])
	}
	return rec, nil
}

func loadXLSX(path string) ([]Record, error) {
	f, err := excelize.OpenFile(path)
	if err != nil {
		return nil, fmt.Errorf("roster: open %s: %w", path, err)
	}
	defer f.Close()

	sheet := f.GetSheetName(0)
	rows, err := f.GetRows(sheet)
	if err != nil {
		return nil, fmt.Errorf("roster: read sheet of %s: %w", path, err)
	}
	if len(rows) == 0 {
		return nil, fmt.Errorf("roster: %s has no rows", path)
	}

	idx := make(map[string]int, len(rows[0]))
	for i, h := range rows[0] {
		idx[strings.TrimSpace(h)] = i
	}
	for _, col := range requiredCSVColumns {
		if _, ok := idx[col]; !ok {
			return nil, fmt.Errorf("roster: %s is missing required column %q", path, col)
		}
	}
	opcIdx, hasOpc := idx["opc"]

	var out []Record
	for _, row := range rows[1:] {
		if len(row) == 0 {
			continue
		}
		rec, err := recordFromFields(row, idx, opcIdx, hasOpc)
		if err != nil {
			return nil, fmt.Errorf("roster: %s: %w", path, err)
		}
		out = append(out, rec)
	}
	return out, nil
}

// FilterByOPC drops records whose opc name has no matching file in dir,
// matching the roster's configuration-time filtering rule. It reports the
// dropped SiteIDs for the caller to log as warnings.
func FilterByOPC(records []Record, dir string) (kept []Record, dropped []string) {
	if dir == "" {
		return records, nil
	}
	for _, r := range records {
		if r.Opc == "" {
			dropped = append(dropped, r.SiteID)
			continue
		}
		path := filepath.Join(dir, r.Opc)
		if _, err := os.Stat(path); err != nil {
			dropped = append(dropped, r.SiteID)
			continue
		}
		kept = append(kept, r)
	}
	return kept, dropped
}
