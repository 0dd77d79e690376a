// Package normalize turns raw scale export bytes into validated transaction
// records. It knows nothing about storage or deduplication.
package normalize

import (
	"bytes"
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/jszwec/csvutil"
	"github.com/rotisserie/eris"
	"github.com/tealeg/xlsx/v2"
	"golang.org/x/text/encoding/htmlindex"

	"github.com/sells-group/scale-ingest/internal/model"
)

// ErrStructure marks file-level problems that make the whole file unusable.
var ErrStructure = eris.New("normalize: structural error")

// Format is the container format of an export.
type Format string

const (
	FormatCSV  Format = "csv"
	FormatXLSX Format = "xlsx"
)

// FormatFor picks the format from a filename extension. Anything that is not
// a workbook is read as CSV.
func FormatFor(filename string) Format {
	if strings.EqualFold(filepath.Ext(filename), ".xlsx") {
		return FormatXLSX
	}
	return FormatCSV
}

// Rejection describes a row that failed validation.
type Rejection struct {
	Line   int    `json:"line"`
	Reason string `json:"reason"`
}

func (r Rejection) String() string {
	return fmt.Sprintf("line %d: %s", r.Line, r.Reason)
}

// Outcome is one streamed result: exactly one of Record or Rejection is set.
type Outcome struct {
	Record    *model.Record
	Rejection *Rejection
}

// Normalizer parses exports according to a Schema.
type Normalizer struct {
	Schema   Schema
	Location *time.Location
	Charset  string
}

// New creates a Normalizer that reads timestamps in the named zone. An empty
// charset means UTF-8.
func New(schema Schema, timezone, charset string) (*Normalizer, error) {
	if err := schema.Validate(); err != nil {
		return nil, err
	}
	loc, err := time.LoadLocation(timezone)
	if err != nil {
		return nil, eris.Wrapf(err, "normalize: load timezone %q", timezone)
	}
	return &Normalizer{Schema: schema, Location: loc, Charset: charset}, nil
}

// rawRow receives one decoded row keyed by canonical field names.
type rawRow struct {
	TransactNo string `csv:"transact_no"`
	ScaleName  string `csv:"scale_name"`
	CylSize    string `csv:"cyl_size"`
	TareWeight string `csv:"tare_weight"`
	Fill       string `csv:"fill"`
	Residual   string `csv:"residual"`
	Success    string `csv:"success"`
	StartedAt  string `csv:"started_at"`
	FillTime   string `csv:"fill_time"`
}

// Stream parses data and emits one Outcome per data row. The stream is lazy
// and can be consumed once. Structural problems and cancellation arrive on
// the error channel. Both channels are closed when processing completes.
func (n *Normalizer) Stream(ctx context.Context, data []byte, format Format) (<-chan Outcome, <-chan error) {
	outCh := make(chan Outcome, 64)
	errCh := make(chan error, 1)

	go func() {
		defer close(outCh)
		defer close(errCh)

		if err := n.stream(ctx, data, format, outCh); err != nil {
			errCh <- err
		}
	}()

	return outCh, errCh
}

func (n *Normalizer) stream(ctx context.Context, data []byte, format Format, outCh chan<- Outcome) error {
	src, err := n.open(data, format)
	if err != nil {
		return err
	}

	header, err := src.Read()
	if errors.Is(err, io.EOF) {
		return eris.Wrap(ErrStructure, "empty input")
	}
	if err != nil {
		return eris.Wrapf(ErrStructure, "read header: %v", err)
	}
	canon, err := n.mapHeader(header)
	if err != nil {
		return err
	}
	src.setWidth(len(header))

	dec, err := csvutil.NewDecoder(src, canon...)
	if err != nil {
		return eris.Wrapf(ErrStructure, "header: %v", err)
	}

	rows := 0
	for {
		if ctx.Err() != nil {
			return eris.Wrap(ctx.Err(), "normalize: context cancelled")
		}

		var raw rawRow
		err := dec.Decode(&raw)
		if errors.Is(err, io.EOF) {
			break
		}

		var out Outcome
		var pe *csv.ParseError
		switch {
		case errors.As(err, &pe):
			out.Rejection = &Rejection{Line: pe.StartLine, Reason: pe.Err.Error()}
		case err != nil:
			return eris.Wrap(err, "normalize: decode row")
		default:
			rec, reason := n.coerce(raw)
			if reason != "" {
				out.Rejection = &Rejection{Line: src.line(), Reason: reason}
			} else {
				rec.Line = src.line()
				out.Record = &rec
			}
		}
		rows++

		select {
		case outCh <- out:
		case <-ctx.Done():
			return eris.Wrap(ctx.Err(), "normalize: context cancelled")
		}
	}

	if rows == 0 {
		return eris.Wrap(ErrStructure, "no data rows")
	}
	return nil
}

// mapHeader rewrites the header into canonical field names. Unknown and
// repeated columns get placeholder names so they are ignored.
func (n *Normalizer) mapHeader(header []string) ([]string, error) {
	idx := n.Schema.headerIndex()
	seen := make(map[Field]bool, len(idx))
	canon := make([]string, len(header))
	blank := true
	for i, h := range header {
		h = strings.TrimPrefix(h, "\ufeff")
		if strings.TrimSpace(h) != "" {
			blank = false
		}
		if f, ok := idx[headerKey(h)]; ok && !seen[f] {
			seen[f] = true
			canon[i] = string(f)
			continue
		}
		canon[i] = fmt.Sprintf("_ignored_%d", i)
	}
	if blank {
		return nil, eris.Wrap(ErrStructure, "no header")
	}

	var missing []string
	for _, f := range Fields() {
		if !seen[f] {
			missing = append(missing, n.Schema.Label(f))
		}
	}
	if len(missing) > 0 {
		return nil, eris.Wrapf(ErrStructure, "missing required columns: %s", strings.Join(missing, ", "))
	}
	return canon, nil
}

// open decodes the payload and returns a record source for its format.
func (n *Normalizer) open(data []byte, format Format) (recordSource, error) {
	switch format {
	case FormatXLSX:
		src, err := openXLSX(data)
		if err != nil {
			return nil, err
		}
		return src, nil
	case FormatCSV, "":
		text, err := n.decodeText(data)
		if err != nil {
			return nil, err
		}
		r := csv.NewReader(bytes.NewReader(text))
		r.FieldsPerRecord = -1 // rows are padded or cut to the header width
		r.LazyQuotes = true
		return &csvSource{r: r}, nil
	default:
		return nil, eris.Wrapf(ErrStructure, "unsupported format %q", format)
	}
}

var utf8BOM = []byte{0xEF, 0xBB, 0xBF}

func (n *Normalizer) decodeText(data []byte) ([]byte, error) {
	cs := strings.ToLower(strings.TrimSpace(n.Charset))
	if cs == "" || cs == "utf-8" || cs == "utf8" {
		if !utf8.Valid(data) {
			return nil, eris.Wrap(ErrStructure, "input is not valid UTF-8")
		}
		return bytes.TrimPrefix(data, utf8BOM), nil
	}

	enc, err := htmlindex.Get(cs)
	if err != nil {
		return nil, eris.Wrapf(ErrStructure, "unsupported charset %q", n.Charset)
	}
	out, err := enc.NewDecoder().Bytes(data)
	if err != nil {
		return nil, eris.Wrapf(ErrStructure, "decode %s: %v", n.Charset, err)
	}
	return bytes.TrimPrefix(out, utf8BOM), nil
}

// recordSource feeds rows to csvutil and remembers where the last row began.
type recordSource interface {
	csvutil.Reader
	setWidth(n int)
	line() int
}

// fit pads or cuts a row to the header width.
func fit(rec []string, width int) []string {
	if width <= 0 || len(rec) == width {
		return rec
	}
	if len(rec) > width {
		return rec[:width]
	}
	out := make([]string, width)
	copy(out, rec)
	return out
}

type csvSource struct {
	r     *csv.Reader
	width int
	last  int
}

func (s *csvSource) Read() ([]string, error) {
	rec, err := s.r.Read()
	if err != nil {
		return nil, err
	}
	s.last, _ = s.r.FieldPos(0)
	return fit(rec, s.width), nil
}

func (s *csvSource) setWidth(n int) { s.width = n }
func (s *csvSource) line() int      { return s.last }

type xlsxSource struct {
	rows  [][]string
	lines []int
	pos   int
	width int
}

func openXLSX(data []byte) (*xlsxSource, error) {
	f, err := xlsx.OpenBinary(data)
	if err != nil {
		return nil, eris.Wrapf(ErrStructure, "open workbook: %v", err)
	}
	if len(f.Sheets) == 0 {
		return nil, eris.Wrap(ErrStructure, "workbook has no sheets")
	}

	src := &xlsxSource{}
	for i, row := range f.Sheets[0].Rows {
		if row == nil {
			continue
		}
		cells := make([]string, len(row.Cells))
		empty := true
		for j, cell := range row.Cells {
			if cell == nil {
				continue
			}
			cells[j] = cell.String()
			if strings.TrimSpace(cells[j]) != "" {
				empty = false
			}
		}
		if empty {
			continue
		}
		src.rows = append(src.rows, cells)
		src.lines = append(src.lines, i+1)
	}
	return src, nil
}

func (s *xlsxSource) Read() ([]string, error) {
	if s.pos >= len(s.rows) {
		return nil, io.EOF
	}
	s.pos++
	return fit(s.rows[s.pos-1], s.width), nil
}

func (s *xlsxSource) setWidth(n int) { s.width = n }

func (s *xlsxSource) line() int {
	if s.pos == 0 {
		return 0
	}
	return s.lines[s.pos-1]
}
