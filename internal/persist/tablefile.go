package persist

import (
	"bufio"
	"fmt"
	"io"
	"strings"
)

// Column is one table-key column: a label, its unit, and a printf-style
// numeric format of the form "%w.pg" (width w, precision p, conversion
// g) spec §6 names but whose derivation the distillation dropped;
// grounded on the original datafile/tablekey.cc, which stores width and
// precision separately and renders them into exactly this format when
// writing the header.
type Column struct {
	Label     string
	Unit      string
	Width     int
	Precision int
	Conv      byte // 'g', 'f', or 'e'; 0 defaults to 'g'
	Text      bool // true for a padded-string column rather than numeric
}

// FormatSpec renders the column's printf-style format string, e.g.
// "%6.2g" for Width=6, Precision=2, Conv='g'.
func (c Column) FormatSpec() string {
	conv := c.Conv
	if conv == 0 {
		conv = 'g'
	}
	return fmt.Sprintf("%%%d.%d%c", c.Width, c.Precision, conv)
}

// TableWriter writes the tabular trace/event file format spec §6 fixes:
// one "#"-line per metadata entry, a Key block of column labels/units/
// formats, then whitespace-separated data rows with "-" for missing
// values (spec §6 "Trace/event files (tabular text)").
type TableWriter struct {
	w       *bufio.Writer
	columns []Column
}

// NewTableWriter writes the metadata and Key block immediately, in the
// order metadata is given, and returns a TableWriter ready for
// WriteRow calls.
func NewTableWriter(w io.Writer, metadata []MetaLine, columns []Column) (*TableWriter, error) {
	bw := bufio.NewWriter(w)
	for _, m := range metadata {
		if _, err := fmt.Fprintf(bw, "# %s: %s\n", m.Key, m.Value); err != nil {
			return nil, err
		}
	}
	if _, err := fmt.Fprintln(bw, "#Key"); err != nil {
		return nil, err
	}
	labels := make([]string, len(columns))
	units := make([]string, len(columns))
	formats := make([]string, len(columns))
	for i, c := range columns {
		labels[i] = padded(c, c.Label)
		units[i] = padded(c, c.Unit)
		if c.Text {
			formats[i] = padded(c, "%-"+fmt.Sprint(c.Width)+"s")
		} else {
			formats[i] = padded(c, c.FormatSpec())
		}
	}
	for _, row := range [][]string{labels, units, formats} {
		if _, err := fmt.Fprintf(bw, "# %s\n", strings.Join(row, " ")); err != nil {
			return nil, err
		}
	}
	return &TableWriter{w: bw, columns: columns}, nil
}

// MetaLine is one "# key: value" header line written before the Key
// block.
type MetaLine struct {
	Key, Value string
}

func padded(c Column, s string) string {
	width := c.Width
	if len(s) >= width {
		return s
	}
	return s + strings.Repeat(" ", width-len(s))
}

// Row is one data row: one entry per column, with Missing[i] true
// meaning write "-" regardless of Values[i]/Texts[i] (spec §6 "`-`
// denoting missing values").
type Row struct {
	Values  []float64
	Texts   []string
	Missing []bool
}

// WriteRow formats and writes one data row, whitespace-separated.
func (t *TableWriter) WriteRow(row Row) error {
	cells := make([]string, len(t.columns))
	for i, c := range t.columns {
		if i < len(row.Missing) && row.Missing[i] {
			cells[i] = padded(c, "-")
			continue
		}
		if c.Text {
			var s string
			if i < len(row.Texts) {
				s = row.Texts[i]
			}
			cells[i] = padded(c, s)
			continue
		}
		var v float64
		if i < len(row.Values) {
			v = row.Values[i]
		}
		cells[i] = padded(c, fmt.Sprintf(c.FormatSpec(), v))
	}
	_, err := fmt.Fprintln(t.w, strings.Join(cells, " "))
	return err
}

// Flush flushes any buffered output to the underlying writer.
func (t *TableWriter) Flush() error { return t.w.Flush() }
