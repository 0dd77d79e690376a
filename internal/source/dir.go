package source

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/scale-ingest/internal/config"
)

// DirSource reads deliveries from a local spool directory.
type DirSource struct {
	cfg   config.SpoolConfig
	label string
}

// NewDirSource creates a spool source. Unset routing directories default to
// subdirectories of the spool.
func NewDirSource(cfg config.SpoolConfig, label string) (*DirSource, error) {
	if strings.TrimSpace(cfg.Dir) == "" {
		return nil, eris.New("source: spool dir is required")
	}
	if cfg.Pattern == "" {
		cfg.Pattern = "*.csv"
	}
	if _, err := filepath.Match(cfg.Pattern, ""); err != nil {
		return nil, eris.Wrapf(err, "source: bad spool pattern %q", cfg.Pattern)
	}
	if cfg.ProcessedDir == "" {
		cfg.ProcessedDir = filepath.Join(cfg.Dir, "processed")
	}
	if cfg.FailedDir == "" {
		cfg.FailedDir = filepath.Join(cfg.Dir, "failed")
	}
	if cfg.DuplicateDir == "" {
		cfg.DuplicateDir = filepath.Join(cfg.Dir, "duplicate")
	}
	return &DirSource{cfg: cfg, label: label}, nil
}

// Fetch returns every regular file in the spool matching the pattern, in name
// order. The modification time stands in for the received date.
func (s *DirSource) Fetch(ctx context.Context) ([]Delivery, error) {
	paths, err := filepath.Glob(filepath.Join(s.cfg.Dir, s.cfg.Pattern))
	if err != nil {
		return nil, eris.Wrap(err, "source: glob spool")
	}
	sort.Strings(paths)

	var out []Delivery
	for _, p := range paths {
		if ctx.Err() != nil {
			return out, eris.Wrap(ctx.Err(), "source: fetch cancelled")
		}
		info, err := os.Stat(p)
		if err != nil {
			return out, eris.Wrapf(err, "source: stat %s", p)
		}
		if !info.Mode().IsRegular() {
			continue
		}
		d, err := ReadFile(p, s.label)
		if err != nil {
			return out, err
		}
		mod := info.ModTime().UTC()
		d.ReceivedAt = &mod
		out = append(out, d)
	}
	return out, nil
}

// Ack moves the delivered file into the directory for disp.
func (s *DirSource) Ack(_ context.Context, d Delivery, disp Disposition) error {
	var dir string
	switch disp {
	case DispositionProcessed:
		dir = s.cfg.ProcessedDir
	case DispositionFailed:
		dir = s.cfg.FailedDir
	case DispositionDuplicate:
		dir = s.cfg.DuplicateDir
	default:
		return eris.Errorf("source: unknown disposition %q", disp)
	}
	_, err := moveToDir(d.Ref, dir)
	return err
}

// moveToDir moves src into dstDir, suffixing the name when it collides.
// Cross-device moves fall back to copy and remove.
func moveToDir(src, dstDir string) (string, error) {
	if strings.TrimSpace(dstDir) == "" {
		return "", eris.New("source: destination dir is empty")
	}
	if err := os.MkdirAll(dstDir, 0o755); err != nil {
		return "", eris.Wrapf(err, "source: create %s", dstDir)
	}

	base := filepath.Base(src)
	dst := filepath.Join(dstDir, base)
	if _, err := os.Stat(dst); err == nil {
		ext := filepath.Ext(base)
		name := strings.TrimSuffix(base, ext)
		dst = filepath.Join(dstDir, fmt.Sprintf("%s-%d%s", name, time.Now().UnixNano(), ext))
	}

	if err := os.Rename(src, dst); err == nil {
		return dst, nil
	}

	in, err := os.Open(src)
	if err != nil {
		return "", eris.Wrapf(err, "source: open %s", src)
	}
	defer in.Close() //nolint:errcheck

	out, err := os.Create(dst)
	if err != nil {
		return "", eris.Wrapf(err, "source: create %s", dst)
	}
	_, copyErr := io.Copy(out, in)
	closeErr := out.Close()
	if copyErr != nil || closeErr != nil {
		_ = os.Remove(dst)
		if copyErr == nil {
			copyErr = closeErr
		}
		return "", eris.Wrapf(copyErr, "source: copy %s", src)
	}
	if err := os.Remove(src); err != nil {
		return "", eris.Wrapf(err, "source: remove %s", src)
	}
	return dst, nil
}
