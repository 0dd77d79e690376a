package source

import (
	"context"
	"io"
	"net"
	"path"
	"sort"
	"time"

	"github.com/jlaffaye/ftp"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/scale-ingest/internal/config"
)

// ftpClient is the subset of an FTP session the source needs.
type ftpClient interface {
	List(dir string) ([]*ftp.Entry, error)
	Retrieve(p string) ([]byte, error)
	Rename(from, to string) error
	MakeDir(p string) error
	Quit() error
}

// serverConn adapts *ftp.ServerConn to ftpClient.
type serverConn struct {
	*ftp.ServerConn
}

func (c serverConn) Retrieve(p string) ([]byte, error) {
	resp, err := c.Retr(p)
	if err != nil {
		return nil, eris.Wrapf(err, "ftp retrieve %s", p)
	}
	data, readErr := io.ReadAll(resp)
	closeErr := resp.Close()
	if readErr != nil {
		return nil, eris.Wrapf(readErr, "ftp read %s", p)
	}
	if closeErr != nil {
		return nil, eris.Wrapf(closeErr, "ftp close %s", p)
	}
	return data, nil
}

// FTPSource reads deliveries from a remote drop folder and renames them into
// per-disposition folders under the processed dir.
type FTPSource struct {
	cfg   config.FTPConfig
	label string
	glob  string
	dial  func(ctx context.Context) (ftpClient, error)
}

// NewFTPSource creates an FTP drop folder source. Files are matched with the
// spool pattern.
func NewFTPSource(cfg config.FTPConfig, pattern, label string) (*FTPSource, error) {
	if cfg.Addr == "" {
		return nil, eris.New("source: ftp addr is required")
	}
	if _, _, err := net.SplitHostPort(cfg.Addr); err != nil {
		cfg.Addr = net.JoinHostPort(cfg.Addr, "21")
	}
	if cfg.Dir == "" {
		cfg.Dir = "/"
	}
	if cfg.ProcessedDir == "" {
		cfg.ProcessedDir = path.Join(cfg.Dir, "processed")
	}
	if cfg.TimeoutSecs <= 0 {
		cfg.TimeoutSecs = 30
	}
	if cfg.User == "" {
		cfg.User, cfg.Password = "anonymous", "anonymous@"
	}
	if pattern == "" {
		pattern = "*.csv"
	}
	if _, err := path.Match(pattern, ""); err != nil {
		return nil, eris.Wrapf(err, "source: bad ftp pattern %q", pattern)
	}

	s := &FTPSource{cfg: cfg, label: label, glob: pattern}
	s.dial = s.connect
	return s, nil
}

func (s *FTPSource) connect(ctx context.Context) (ftpClient, error) {
	zap.L().Debug("ftp: connecting", zap.String("host", s.cfg.Addr), zap.String("dir", s.cfg.Dir))

	conn, err := ftp.Dial(s.cfg.Addr,
		ftp.DialWithTimeout(time.Duration(s.cfg.TimeoutSecs)*time.Second),
		ftp.DialWithContext(ctx),
	)
	if err != nil {
		return nil, eris.Wrap(err, "ftp dial")
	}
	if err := conn.Login(s.cfg.User, s.cfg.Password); err != nil {
		_ = conn.Quit()
		return nil, eris.Wrap(err, "ftp login")
	}
	return serverConn{conn}, nil
}

// Fetch downloads every matching file in the drop folder, in name order.
func (s *FTPSource) Fetch(ctx context.Context) ([]Delivery, error) {
	conn, err := s.dial(ctx)
	if err != nil {
		return nil, eris.Wrap(err, "source: ftp fetch")
	}
	defer conn.Quit() //nolint:errcheck

	entries, err := conn.List(s.cfg.Dir)
	if err != nil {
		return nil, eris.Wrapf(err, "source: ftp list %s", s.cfg.Dir)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name < entries[j].Name })

	var out []Delivery
	for _, e := range entries {
		if ctx.Err() != nil {
			return out, eris.Wrap(ctx.Err(), "source: fetch cancelled")
		}
		if e.Type != ftp.EntryTypeFile {
			continue
		}
		if ok, _ := path.Match(s.glob, e.Name); !ok {
			continue
		}

		remote := path.Join(s.cfg.Dir, e.Name)
		data, err := conn.Retrieve(remote)
		if err != nil {
			return out, eris.Wrapf(err, "source: ftp fetch %s", remote)
		}
		d := Delivery{Filename: e.Name, Data: data, Source: s.label, Ref: remote}
		if !e.Time.IsZero() {
			t := e.Time.UTC()
			d.ReceivedAt = &t
		}
		out = append(out, d)
	}
	return out, nil
}

// Ack renames the remote file into processed_dir/<disposition>.
func (s *FTPSource) Ack(ctx context.Context, d Delivery, disp Disposition) error {
	switch disp {
	case DispositionProcessed, DispositionFailed, DispositionDuplicate:
	default:
		return eris.Errorf("source: unknown disposition %q", disp)
	}

	conn, err := s.dial(ctx)
	if err != nil {
		return eris.Wrap(err, "source: ftp ack")
	}
	defer conn.Quit() //nolint:errcheck

	dir := path.Join(s.cfg.ProcessedDir, string(disp))
	// MakeDir fails when the folder already exists; Rename reports real problems.
	_ = conn.MakeDir(s.cfg.ProcessedDir)
	_ = conn.MakeDir(dir)

	dst := path.Join(dir, path.Base(d.Ref))
	if err := conn.Rename(d.Ref, dst); err != nil {
		return eris.Wrapf(err, "source: ftp rename %s to %s", d.Ref, dst)
	}
	return nil
}
