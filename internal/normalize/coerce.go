package normalize

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/sells-group/scale-ingest/internal/model"
)

// maxWeight is the exclusive bound of a NUMERIC(10,3) column.
var maxWeight = decimal.New(1, 7)

// coerce converts a decoded row. A non-empty reason rejects the row and names
// the first offending column.
func (n *Normalizer) coerce(raw rawRow) (model.Record, string) {
	var (
		rec    model.Record
		reason string
	)

	if rec.TransactNo, reason = n.integer(FieldTransactNo, raw.TransactNo); reason != "" {
		return rec, reason
	}
	if rec.TransactNo <= 0 {
		return rec, fmt.Sprintf("%s must be positive, got %d", n.Schema.Label(FieldTransactNo), rec.TransactNo)
	}

	rec.ScaleName = strings.TrimSpace(raw.ScaleName)
	if rec.ScaleName == "" {
		return rec, fmt.Sprintf("%s is required", n.Schema.Label(FieldScaleName))
	}

	weights := []struct {
		field Field
		raw   string
		dst   *decimal.NullDecimal
	}{
		{FieldCylSize, raw.CylSize, &rec.CylSizeKg},
		{FieldTareWeight, raw.TareWeight, &rec.TareWeightKg},
		{FieldFill, raw.Fill, &rec.FillKg},
		{FieldResidual, raw.Residual, &rec.ResidualKg},
	}
	for _, w := range weights {
		if *w.dst, reason = n.weight(w.field, w.raw); reason != "" {
			return rec, reason
		}
	}

	if rec.Success, reason = n.boolean(FieldSuccess, raw.Success); reason != "" {
		return rec, reason
	}
	if rec.StartedAt, reason = n.timestamp(FieldStartedAt, raw.StartedAt); reason != "" {
		return rec, reason
	}

	secs, reason := n.integer(FieldFillTime, raw.FillTime)
	if reason != "" {
		return rec, reason
	}
	if secs < 0 {
		return rec, fmt.Sprintf("%s cannot be negative, got %d", n.Schema.Label(FieldFillTime), secs)
	}
	if secs > int64(^uint32(0)>>1) {
		return rec, fmt.Sprintf("%s out of range: %d", n.Schema.Label(FieldFillTime), secs)
	}
	rec.FillTimeSeconds = int(secs)

	return rec, ""
}

// integer accepts whole numbers, including decimal spellings such as "1001.0".
func (n *Normalizer) integer(f Field, s string) (int64, string) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, fmt.Sprintf("%s is required", n.Schema.Label(f))
	}
	if v, err := strconv.ParseInt(s, 10, 64); err == nil {
		return v, ""
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return 0, fmt.Sprintf("invalid %s %q: not a number", n.Schema.Label(f), s)
	}
	if !d.IsInteger() {
		return 0, fmt.Sprintf("invalid %s %q: not a whole number", n.Schema.Label(f), s)
	}
	if d.Abs().GreaterThan(decimal.NewFromInt(1 << 62)) {
		return 0, fmt.Sprintf("invalid %s %q: out of range", n.Schema.Label(f), s)
	}
	return d.IntPart(), ""
}

// weight parses an optional kilogram quantity. A trailing "kg" unit is
// dropped and the value is quantized to three fractional digits.
func (n *Normalizer) weight(f Field, s string) (decimal.NullDecimal, string) {
	v := strings.TrimSpace(s)
	if len(v) >= 2 && strings.EqualFold(v[len(v)-2:], "kg") {
		v = strings.TrimSpace(v[:len(v)-2])
	}
	if v == "" {
		return decimal.NullDecimal{}, ""
	}
	d, err := decimal.NewFromString(v)
	if err != nil {
		return decimal.NullDecimal{}, fmt.Sprintf("invalid %s %q: expected a numeric value", n.Schema.Label(f), s)
	}
	d = d.Round(model.WeightPlaces)
	if d.Abs().GreaterThanOrEqual(maxWeight) {
		return decimal.NullDecimal{}, fmt.Sprintf("invalid %s %q: out of range", n.Schema.Label(f), s)
	}
	return decimal.NewNullDecimal(d), ""
}

func (n *Normalizer) boolean(f Field, s string) (bool, string) {
	v := strings.ToUpper(strings.TrimSpace(s))
	if v == "" {
		return false, fmt.Sprintf("%s is required", n.Schema.Label(f))
	}
	for _, tok := range n.Schema.TrueTokens {
		if v == strings.ToUpper(strings.TrimSpace(tok)) {
			return true, ""
		}
	}
	for _, tok := range n.Schema.FalseTokens {
		if v == strings.ToUpper(strings.TrimSpace(tok)) {
			return false, ""
		}
	}
	return false, fmt.Sprintf("invalid %s %q: expected one of %s or %s", n.Schema.Label(f), s,
		strings.Join(n.Schema.TrueTokens, "/"), strings.Join(n.Schema.FalseTokens, "/"))
}

// timestamp reads a wall-clock time in the scale's zone and returns it in UTC.
func (n *Normalizer) timestamp(f Field, s string) (time.Time, string) {
	v := strings.TrimSpace(s)
	if v == "" {
		return time.Time{}, fmt.Sprintf("%s is required", n.Schema.Label(f))
	}
	loc := n.Location
	if loc == nil {
		loc = time.UTC
	}
	t, err := time.ParseInLocation(n.Schema.TimeLayout, v, loc)
	if err != nil {
		return time.Time{}, fmt.Sprintf("invalid %s %q: expected layout %q", n.Schema.Label(f), s, n.Schema.TimeLayout)
	}
	return t.UTC(), ""
}
