package normalize

import (
	"os"
	"strings"

	"github.com/rotisserie/eris"
	"gopkg.in/yaml.v3"
)

// Field names a logical column of a scale export.
type Field string

const (
	FieldTransactNo Field = "transact_no"
	FieldScaleName  Field = "scale_name"
	FieldCylSize    Field = "cyl_size"
	FieldTareWeight Field = "tare_weight"
	FieldFill       Field = "fill"
	FieldResidual   Field = "residual"
	FieldSuccess    Field = "success"
	FieldStartedAt  Field = "started_at"
	FieldFillTime   Field = "fill_time"
)

// Fields returns every logical column in export order. All are mandatory in
// the header; only the weight values may be empty.
func Fields() []Field {
	return []Field{
		FieldTransactNo, FieldScaleName, FieldCylSize, FieldTareWeight, FieldFill,
		FieldResidual, FieldSuccess, FieldStartedAt, FieldFillTime,
	}
}

// DefaultTimeLayout is the Premier Scale "Date Time Start" layout.
const DefaultTimeLayout = "2006-01-02 15:04:05"

// Schema maps header names onto fields and declares value conventions.
type Schema struct {
	// Columns lists accepted header names per field. The first name is the
	// label used in rejection reasons.
	Columns     map[Field][]string `yaml:"columns"`
	TimeLayout  string             `yaml:"time_layout"`
	TrueTokens  []string           `yaml:"true_tokens"`
	FalseTokens []string           `yaml:"false_tokens"`
}

// DefaultSchema returns the Premier Scale export schema.
func DefaultSchema() Schema {
	return Schema{
		Columns: map[Field][]string{
			FieldTransactNo: {"TransactNo"},
			FieldScaleName:  {"Scale Name"},
			FieldCylSize:    {"CylSize"},
			FieldTareWeight: {"TareWeight"},
			FieldFill:       {"Fill kgs"},
			FieldResidual:   {"Residual"},
			FieldSuccess:    {"Success"},
			FieldStartedAt:  {"Date Time Start"},
			FieldFillTime:   {"Fill Time"},
		},
		TimeLayout:  DefaultTimeLayout,
		TrueTokens:  []string{"Y", "YES", "TRUE", "1"},
		FalseTokens: []string{"N", "NO", "FALSE", "0"},
	}
}

// LoadSchema reads a YAML schema file. Anything the file omits keeps its
// default value.
func LoadSchema(path string) (Schema, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Schema{}, eris.Wrapf(err, "normalize: read schema %s", path)
	}

	var raw Schema
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return Schema{}, eris.Wrapf(err, "normalize: parse schema %s", path)
	}

	s := DefaultSchema()
	for f, names := range raw.Columns {
		if !f.known() {
			return Schema{}, eris.Errorf("normalize: schema %s: unknown field %q", path, f)
		}
		if len(names) > 0 {
			s.Columns[f] = names
		}
	}
	if raw.TimeLayout != "" {
		s.TimeLayout = raw.TimeLayout
	}
	if len(raw.TrueTokens) > 0 {
		s.TrueTokens = raw.TrueTokens
	}
	if len(raw.FalseTokens) > 0 {
		s.FalseTokens = raw.FalseTokens
	}
	return s, s.Validate()
}

// Validate checks that every field has a header name and that no token is
// both true and false.
func (s Schema) Validate() error {
	for _, f := range Fields() {
		if len(s.Columns[f]) == 0 {
			return eris.Errorf("normalize: schema has no header for %s", f)
		}
	}
	if s.TimeLayout == "" {
		return eris.New("normalize: schema time layout is empty")
	}
	falses := make(map[string]bool, len(s.FalseTokens))
	for _, tok := range s.FalseTokens {
		falses[strings.ToUpper(strings.TrimSpace(tok))] = true
	}
	for _, tok := range s.TrueTokens {
		if falses[strings.ToUpper(strings.TrimSpace(tok))] {
			return eris.Errorf("normalize: token %q is both true and false", tok)
		}
	}
	return nil
}

// Label returns the display name of f.
func (s Schema) Label(f Field) string {
	if names := s.Columns[f]; len(names) > 0 {
		return names[0]
	}
	return string(f)
}

// headerIndex maps normalized header names to fields.
func (s Schema) headerIndex() map[string]Field {
	idx := make(map[string]Field)
	for f, names := range s.Columns {
		for _, n := range names {
			idx[headerKey(n)] = f
		}
	}
	return idx
}

func headerKey(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}

func (f Field) known() bool {
	for _, k := range Fields() {
		if f == k {
			return true
		}
	}
	return false
}
