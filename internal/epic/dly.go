package epic

import (
	"bufio"
	"fmt"
	"math"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"
)

// DailyRow is one row of a DLY daily-weather file.
type DailyRow struct {
	Year, Month, Day         int
	Srad, Tmax, Tmin, Prcp, Rh, Ws float64
}

var dlyWidths = []int{6, 4, 4, 6, 6, 6, 6, 6, 6}

// DLY is an in-memory copy of a fixed-width daily weather file; LoadDLY
// reads every row eagerly rather than on demand.
type DLY struct {
	Rows []DailyRow
}

func LoadDLY(path string) (*DLY, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("epic: open %s: %w", path, err)
	}
	defer f.Close()

	var rows []DailyRow
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := sc.Text()
		if strings.TrimSpace(line) == "" {
			continue
		}
		vals, err := splitFixedFloats(line, dlyWidths)
		if err != nil {
			return nil, fmt.Errorf("epic: parse %s: %w", path, err)
		}
		rows = append(rows, DailyRow{
			Year: int(vals[0]), Month: int(vals[1]), Day: int(vals[2]),
			Srad: vals[3], Tmax: vals[4], Tmin: vals[5], Prcp: vals[6], Rh: vals[7], Ws: vals[8],
		})
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	return &DLY{Rows: rows}, nil
}

func splitFixedFloats(line string, widths []int) ([]float64, error) {
	out := make([]float64, len(widths))
	pos := 0
	for i, w := range widths {
		end := pos + w
		if end > len(line) {
			end = len(line)
		}
		if pos >= len(line) {
			return nil, fmt.Errorf("line too short for field %d", i)
		}
		v, err := strconv.ParseFloat(strings.TrimSpace(line[pos:end]), 64)
		if err != nil {
			return nil, fmt.Errorf("field %d (%q): %w", i, line[pos:end], err)
		}
		out[i] = v
		pos = end
	}
	return out, nil
}

// Save writes the rows back in the %6d%4d%4d%6.2f*6 layout.
func (d *DLY) Save(path string) error {
	var b strings.Builder
	for _, r := range d.Rows {
		fmt.Fprintf(&b, "%6d%4d%4d%6.2f%6.2f%6.2f%6.2f%6.2f%6.2f\n",
			r.Year, r.Month, r.Day, r.Srad, r.Tmax, r.Tmin, r.Prcp, r.Rh, r.Ws)
	}
	return os.WriteFile(path, []byte(b.String()), 0o644)
}

// Validate checks the rows form a contiguous daily range covering every day
// from startYear through endYear with no gaps.
func (d *DLY) Validate(startYear, endYear int) error {
	start := time.Date(startYear, 1, 1, 0, 0, 0, 0, time.UTC)
	end := time.Date(endYear, 12, 31, 0, 0, 0, 0, time.UTC)

	have := make(map[[3]int]bool, len(d.Rows))
	for _, r := range d.Rows {
		have[[3]int{r.Year, r.Month, r.Day}] = true
	}

	for t := start; !t.After(end); t = t.AddDate(0, 0, 1) {
		key := [3]int{t.Year(), int(t.Month()), t.Day()}
		if !have[key] {
			return fmt.Errorf("epic: missing daily weather row for %04d-%02d-%02d", key[0], key[1], key[2])
		}
	}
	return nil
}

var daysInMonth = [12]float64{31, 28, 31, 30, 31, 30, 31, 31, 30, 31, 30, 31}

type monthlyStat struct {
	n                              int
	sumSrad, sumTmax, sumTmin, sumPrcp, sumRh, sumWs float64
	prcpVals                      []float64
	tmaxVals, tminVals             []float64
}

// MonthlyStats is the aggregation of one month's daily rows used to build
// the weather-generator parameter files.
type MonthlyStats struct {
	Month                                int
	Obmx, Obmn, Rmo, Obsl, Rh, Uavo       float64
	Sdtmx, Sdtmn, Rst2, Dayp, Rst3        float64
	Prw1, Prw2, Wi                        float64
}

// ToMonthly aggregates the daily rows into one MonthlyStats per calendar
// month, replicating the weather-generator statistics (means, standard
// deviations, wet-day frequencies) the engine's WXGN file format expects.
func (d *DLY) ToMonthly() []MonthlyStats {
	byMonth := make(map[int]*monthlyStat)
	for m := 1; m <= 12; m++ {
		byMonth[m] = &monthlyStat{}
	}
	// rows grouped and kept in original order per month, for the lag-1 wet-day stats
	ordered := make(map[int][]DailyRow)
	for _, r := range d.Rows {
		s := byMonth[r.Month]
		s.n++
		s.sumSrad += r.Srad
		s.sumTmax += r.Tmax
		s.sumTmin += r.Tmin
		s.sumPrcp += r.Prcp
		s.sumRh += r.Rh
		s.sumWs += r.Ws
		s.prcpVals = append(s.prcpVals, r.Prcp)
		s.tmaxVals = append(s.tmaxVals, r.Tmax)
		s.tminVals = append(s.tminVals, r.Tmin)
		ordered[r.Month] = append(ordered[r.Month], r)
	}

	out := make([]MonthlyStats, 0, 12)
	for m := 1; m <= 12; m++ {
		s := byMonth[m]
		if s.n == 0 {
			out = append(out, MonthlyStats{Month: m})
			continue
		}
		n := float64(s.n)
		meanPrcp := s.sumPrcp / n
		ms := MonthlyStats{
			Month: m,
			Obmx:  s.sumTmax / n,
			Obmn:  s.sumTmin / n,
			Obsl:  s.sumSrad / n,
			Rh:    s.sumRh / n,
			Uavo:  s.sumWs / n,
			Rmo:   meanPrcp * daysInMonth[m-1],
		}
		ms.Sdtmx = stddev(s.tmaxVals)
		ms.Sdtmn = stddev(s.tminVals)
		ms.Rst2 = stddev(s.prcpVals)

		wet := 0
		for _, p := range s.prcpVals {
			if p > 0.5 {
				wet++
			}
		}
		ms.Dayp = float64(wet) / n
		if ms.Rst2 != 0 {
			ms.Rst3 = 3 * math.Abs(ms.Rmo-median(s.prcpVals)) / ms.Rst2
		}

		rows := ordered[m]
		var downTransitions, wetToWet int
		prevWet := false
		for i, r := range rows {
			wetDay := r.Prcp > 0.5
			if i > 0 && prevWet && !wetDay {
				downTransitions++
			}
			if i > 0 && prevWet && wetDay {
				wetToWet++
			}
			prevWet = wetDay
		}
		ms.Prw1 = float64(downTransitions) / n
		ms.Prw2 = float64(wetToWet) / n

		out = append(out, ms)
	}
	return out
}

func stddev(vals []float64) float64 {
	if len(vals) < 2 {
		return 0
	}
	var mean float64
	for _, v := range vals {
		mean += v
	}
	mean /= float64(len(vals))
	var sumSq float64
	for _, v := range vals {
		sumSq += (v - mean) * (v - mean)
	}
	return math.Sqrt(sumSq / float64(len(vals)-1))
}

func median(vals []float64) float64 {
	if len(vals) == 0 {
		return 0
	}
	cp := append([]float64(nil), vals...)
	sort.Float64s(cp)
	mid := len(cp) / 2
	if len(cp)%2 == 0 {
		return (cp[mid-1] + cp[mid]) / 2
	}
	return cp[mid]
}

// monthlyStatRows names the fourteen weather-generator statistics in the
// order the weather-generator input expects them, after the reordering the
// engine's own WP1 reader assumes.
var monthlyStatRows = []struct {
	name string
	get  func(MonthlyStats) float64
}{
	{"OBMX", func(s MonthlyStats) float64 { return s.Obmx }},
	{"OBMN", func(s MonthlyStats) float64 { return s.Obmn }},
	{"SDTMX", func(s MonthlyStats) float64 { return s.Sdtmx }},
	{"SDTMN", func(s MonthlyStats) float64 { return s.Sdtmn }},
	{"RMO", func(s MonthlyStats) float64 { return s.Rmo }},
	{"RST2", func(s MonthlyStats) float64 { return s.Rst2 }},
	{"RST3", func(s MonthlyStats) float64 { return s.Rst3 }},
	{"PRW1", func(s MonthlyStats) float64 { return s.Prw1 }},
	{"PRW2", func(s MonthlyStats) float64 { return s.Prw2 }},
	{"DAYP", func(s MonthlyStats) float64 { return s.Dayp }},
	{"WI", func(s MonthlyStats) float64 { return s.Wi }},
	{"OBSL", func(s MonthlyStats) float64 { return s.Obsl }},
	{"RH", func(s MonthlyStats) float64 { return s.Rh }},
	{"UAVO", func(s MonthlyStats) float64 { return s.Uavo }},
}

// SaveWP1 writes all fourteen weather-generator statistics, one line per
// statistic across all twelve months, in the engine's %10.2f*12%8s layout,
// behind a two-line station header naming the site.
func SaveWP1(path string, stats []MonthlyStats, basename string) error {
	var b strings.Builder
	fmt.Fprintf(&b, "Monthly Weather Statistics : %s\n", basename)
	b.WriteString("     .00     .00")
	for _, row := range monthlyStatRows {
		b.WriteString("\n")
		for _, s := range stats {
			fmt.Fprintf(&b, "%10.2f", row.get(s))
		}
		fmt.Fprintf(&b, "%8s", row.name)
	}
	return os.WriteFile(path, []byte(b.String()), 0o644)
}

// SaveWND writes the wind-generator file: the same two-line station header,
// one unlabeled row of mean wind speed (UAVO) across all twelve months, then
// sixteen placeholder lines of twelve zeros the engine's wind generator
// expects but this driver never computes.
func SaveWND(path string, stats []MonthlyStats, basename string) error {
	var b strings.Builder
	fmt.Fprintf(&b, "Monthly Wind Statistics : %s\n", basename)
	b.WriteString("     .00     .00\n")

	windSpeed := monthlyStatRows[len(monthlyStatRows)-1]
	for _, s := range stats {
		fmt.Fprintf(&b, "%10.2f", windSpeed.get(s))
	}
	b.WriteString("\n")

	zeroRow := strings.Repeat(fmt.Sprintf("%10.1f", 0.0), 12) + "\n"
	for i := 0; i < 16; i++ {
		b.WriteString(zeroRow)
	}
	return os.WriteFile(path, []byte(b.String()), 0o644)
}
