package epic

import (
	"fmt"
	"os"
	"strconv"
	"strings"
)

// fixedLines is a thin byte-preserving view over a fixed-width text file:
// every line is kept verbatim except the handful this package edits.
type fixedLines struct {
	lines []string
}

func loadFixedLines(path string) (*fixedLines, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("epic: read %s: %w", path, err)
	}
	return &fixedLines{lines: strings.Split(string(raw), "\n")}, nil
}

func (f *fixedLines) save(path string) error {
	return os.WriteFile(path, []byte(strings.Join(f.lines, "\n")), 0o644)
}

func (f *fixedLines) line(i int) (string, error) {
	if i < 0 || i >= len(f.lines) {
		return "", fmt.Errorf("epic: line %d out of range (file has %d lines)", i, len(f.lines))
	}
	return f.lines[i], nil
}

func (f *fixedLines) setLine(i int, s string) error {
	if i < 0 || i >= len(f.lines) {
		return fmt.Errorf("epic: line %d out of range (file has %d lines)", i, len(f.lines))
	}
	f.lines[i] = s
	return nil
}

// field4 formats an integer right-justified in a 4-char field, EPIC's
// native fixed-width integer cell.
func field4(v int) string {
	return fmt.Sprintf("%4d", v)
}

func parseField(s string) (int, error) {
	v, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil {
		return 0, fmt.Errorf("epic: bad fixed-width integer field %q: %w", s, err)
	}
	return v, nil
}

// ---- EPICCONT.DAT ----

// EPICCont is the engine's continuation/control file. The core reads and
// writes exactly: simulation duration and start date on line 1, irrigation
// parameters on line 5, nitrogen parameters on line 6. All other bytes are
// preserved byte-for-byte.
type EPICCont struct {
	f *fixedLines
}

func LoadEPICCont(path string) (*EPICCont, error) {
	f, err := loadFixedLines(path)
	if err != nil {
		return nil, err
	}
	if len(f.lines) < 6 {
		return nil, fmt.Errorf("epic: %s has %d lines, need at least 6", path, len(f.lines))
	}
	return &EPICCont{f: f}, nil
}

func (c *EPICCont) Save(path string) error { return c.f.save(path) }

// SetDuration writes the 4-char duration-in-years field at the head of line 1.
func (c *EPICCont) SetDuration(years int) error {
	line, err := c.f.line(0)
	if err != nil {
		return err
	}
	if len(line) < 4 {
		line = line + strings.Repeat(" ", 4-len(line))
	}
	return c.f.setLine(0, field4(years)+line[4:])
}

// SetStartDate writes the three 4-char year/month/day fields following the
// duration field on line 1.
func (c *EPICCont) SetStartDate(year, month, day int) error {
	line, err := c.f.line(0)
	if err != nil {
		return err
	}
	for len(line) < 16 {
		line += strings.Repeat(" ", 16-len(line))
	}
	return c.f.setLine(0, line[:4]+field4(year)+field4(month)+field4(day)+line[16:])
}

// IrrigationLine returns the raw irrigation-parameters line (line 5, 1-indexed).
func (c *EPICCont) IrrigationLine() (string, error) { return c.f.line(4) }

// SetIrrigationLine overwrites the irrigation-parameters line verbatim; the
// caller is responsible for the field layout within it.
func (c *EPICCont) SetIrrigationLine(s string) error { return c.f.setLine(4, s) }

// NitrogenLine returns the raw nitrogen-parameters line (line 6, 1-indexed).
func (c *EPICCont) NitrogenLine() (string, error) { return c.f.line(5) }

func (c *EPICCont) SetNitrogenLine(s string) error { return c.f.setLine(5, s) }

// ---- Print-control file (PRNT.DAT) ----

// PrintControl is the engine's output-kind toggle file: two rows of flags
// at fixed offsets, plus two rows of extension names. "ACY" and "DGN" are
// always enabled regardless of the requested output_types.
type PrintControl struct {
	f *fixedLines
}

const (
	printFlagsLine1 = 14 // 0-indexed line 15
	printFlagsLine2 = 15
	printExtLine1   = 49
	printExtLine2   = 50
)

func LoadPrintControl(path string) (*PrintControl, error) {
	f, err := loadFixedLines(path)
	if err != nil {
		return nil, err
	}
	if len(f.lines) <= printExtLine2 {
		return nil, fmt.Errorf("epic: %s has %d lines, need at least %d", path, len(f.lines), printExtLine2+1)
	}
	return &PrintControl{f: f}, nil
}

func (p *PrintControl) Save(path string) error { return p.f.save(path) }

// extensionNames returns the 4-char output extension tokens packed across
// the two extension-name rows.
func (p *PrintControl) extensionNames() ([]string, error) {
	var names []string
	for _, ln := range []int{printExtLine1, printExtLine2} {
		line, err := p.f.line(ln)
		if err != nil {
			return nil, err
		}
		for i := 0; i+4 <= len(line); i += 4 {
			names = append(names, strings.TrimSpace(line[i:i+4]))
		}
	}
	return names, nil
}

// flagCells returns the toggle flag cells of one flag row, one 2-char cell
// per output extension.
func (p *PrintControl) flagCells(lineNo int) ([]string, error) {
	line, err := p.f.line(lineNo)
	if err != nil {
		return nil, err
	}
	var cells []string
	for i := 0; i+2 <= len(line); i += 2 {
		cells = append(cells, line[i:i+2])
	}
	return cells, nil
}

// EnableOutputs flips the toggle flags so that exactly the given kinds
// (plus the always-on ACY and DGN) are enabled, preserving every other byte
// of the two flag lines.
func (p *PrintControl) EnableOutputs(kinds []string) error {
	want := map[string]bool{"ACY": true, "DGN": true}
	for _, k := range kinds {
		want[strings.ToUpper(k)] = true
	}

	names, err := p.extensionNames()
	if err != nil {
		return err
	}

	offset := 0
	for _, ln := range []int{printFlagsLine1, printFlagsLine2} {
		cells, err := p.flagCells(ln)
		if err != nil {
			return err
		}
		var b strings.Builder
		for i, cell := range cells {
			idx := offset + i // second row continues the extension index
			enabled := idx < len(names) && want[strings.ToUpper(names[idx])]
			if enabled {
				b.WriteString(" 1")
			} else if len(cell) == 2 {
				b.WriteString(cell[:1] + "0")
			} else {
				b.WriteString(" 0")
			}
		}
		if err := p.f.setLine(ln, b.String()); err != nil {
			return err
		}
		offset += len(cells)
	}
	return nil
}

// ---- EPICFILE (key/value file-name table) ----

// EPICFile maps logical file-role names (FSITE, FSOIL, FWLST, FWPM1, FWIND,
// FOPSC, FPRNT) to physical filenames.
type EPICFile struct {
	Values map[string]string
	order  []string
}

func LoadEPICFile(path string) (*EPICFile, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("epic: read %s: %w", path, err)
	}
	ef := &EPICFile{Values: make(map[string]string)}
	for _, line := range strings.Split(string(raw), "\n") {
		fields := strings.Fields(line)
		if len(fields) < 2 {
			continue
		}
		ef.Values[fields[0]] = fields[1]
		ef.order = append(ef.order, fields[0])
	}
	return ef, nil
}

func (ef *EPICFile) Get(key string) string { return ef.Values[key] }
