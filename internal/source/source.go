// Package source supplies scale export files to the ingestion pipeline and
// routes them once their outcome is known.
package source

import (
	"context"
	"net/mail"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/scale-ingest/internal/model"
)

// Delivery is one file plus the metadata of the message that carried it.
type Delivery struct {
	Filename   string
	Data       []byte
	From       string
	Subject    string
	MessageID  string
	ReceivedAt *time.Time
	Source     string

	// Ref is the source-specific handle used by Ack.
	Ref string
}

// Meta converts the delivery metadata for registration. An empty source
// falls back to label.
func (d Delivery) Meta(label string) model.FileMeta {
	src := d.Source
	if src == "" {
		src = label
	}
	if src == "" {
		src = model.DefaultSource
	}
	return model.FileMeta{
		Source:     src,
		MessageID:  d.MessageID,
		FromEmail:  d.From,
		Subject:    d.Subject,
		ReceivedAt: d.ReceivedAt,
		Filename:   d.Filename,
	}
}

// Disposition is where a delivery goes after ingestion.
type Disposition string

const (
	DispositionProcessed Disposition = "processed"
	DispositionFailed    Disposition = "failed"
	DispositionDuplicate Disposition = "duplicate"
)

// Source lists pending deliveries and acknowledges them.
type Source interface {
	Fetch(ctx context.Context) ([]Delivery, error)
	Ack(ctx context.Context, d Delivery, disp Disposition) error
}

// ReadFile builds a delivery from a local file.
func ReadFile(path, label string) (Delivery, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Delivery{}, eris.Wrapf(err, "source: read %s", path)
	}
	return Delivery{
		Filename: filepath.Base(path),
		Data:     data,
		Source:   label,
		Ref:      path,
	}, nil
}

var receivedLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
}

// ParseReceived parses a message date. RFC 5322 dates are tried first, then
// ISO 8601 forms; zone-less values are read as UTC. An empty string yields nil.
func ParseReceived(s string) (*time.Time, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, nil
	}
	if t, err := mail.ParseDate(s); err == nil {
		u := t.UTC()
		return &u, nil
	}
	for _, layout := range receivedLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			u := t.UTC()
			return &u, nil
		}
	}
	return nil, eris.Errorf("source: unparseable date %q", s)
}
