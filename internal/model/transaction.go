package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// WeightPlaces is the number of fractional digits kept for kilogram quantities.
const WeightPlaces = 3

// Record is one normalized candidate row produced by the normalizer.
type Record struct {
	Line            int                 `json:"line"`
	ScaleName       string              `json:"scale_name"`
	TransactNo      int64               `json:"transact_no"`
	CylSizeKg       decimal.NullDecimal `json:"cyl_size_kg"`
	TareWeightKg    decimal.NullDecimal `json:"tare_weight_kg"`
	FillKg          decimal.NullDecimal `json:"fill_kg"`
	ResidualKg      decimal.NullDecimal `json:"residual_kg"`
	Success         bool                `json:"success"`
	StartedAt       time.Time           `json:"started_at"`
	FillTimeSeconds int                 `json:"fill_time_seconds"`
}

// NaturalKey identifies a transaction independent of the file that delivered it.
type NaturalKey struct {
	ScaleName  string
	TransactNo int64
}

// Key returns the (scale, sequence) natural key of the record.
func (r Record) Key() NaturalKey {
	return NaturalKey{ScaleName: r.ScaleName, TransactNo: r.TransactNo}
}

// ScaleTransaction is a persisted, normalized scale row.
type ScaleTransaction struct {
	ID              int64  `json:"id"`
	IngestionFileID int64  `json:"ingestion_file_id"`
	CorrelationID   string `json:"correlation_id"`
	Record
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// NewScaleTransactions binds records to their owning file and correlation id.
func NewScaleTransactions(fileID int64, correlationID string, records []Record, now time.Time) []ScaleTransaction {
	out := make([]ScaleTransaction, len(records))
	for i, r := range records {
		out[i] = ScaleTransaction{
			IngestionFileID: fileID,
			CorrelationID:   correlationID,
			Record:          r,
			CreatedAt:       now,
			UpdatedAt:       now,
		}
	}
	return out
}

// ScaleStat aggregates transactions for a single scale.
type ScaleStat struct {
	ScaleName      string          `json:"scale_name"`
	Transactions   int64           `json:"transactions"`
	Successes      int64           `json:"successes"`
	SuccessRate    float64         `json:"success_rate"`
	TotalFillKg    decimal.Decimal `json:"total_fill_kg"`
	AvgFillKg      decimal.Decimal `json:"avg_fill_kg"`
	AvgFillSeconds float64         `json:"avg_fill_seconds"`
	LastActivity   *time.Time      `json:"last_activity,omitempty"`
}
