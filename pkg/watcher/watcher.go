// Package watcher reads new lines of the configured log files and reports
// every line matching a pattern of its log group.
package watcher

import (
	"bufio"
	"context"
	"io"
	"net"
	"os"
	"regexp"
	"strings"
	"time"

	"github.com/charmbracelet/log"
	"github.com/pkg/errors"
	"github.com/timanema/hostblock/pkg/blocker"
	"github.com/timanema/hostblock/pkg/config"
	"github.com/timanema/hostblock/pkg/storage"
)

const addressExpr = `(?P<address>\d{1,3}(?:\.\d{1,3}){3})`

// Reporter receives the activity found in log files.
type Reporter interface {
	Report(e blocker.Event) error
}

type rule struct {
	re      *regexp.Regexp
	address int
	score   uint32
}

type group struct {
	name  string
	files []string
	rules []rule
}

type Watcher struct {
	store    storage.Storage
	reporter Reporter
	groups   []group

	log *log.Logger
	now func() time.Time
}

type Option func(*Watcher)

func WithLogger(l *log.Logger) Option {
	return func(w *Watcher) {
		w.log = l
	}
}

func WithClock(now func() time.Time) Option {
	return func(w *Watcher) {
		w.now = now
	}
}

// Compile turns a log pattern into a regular expression, the address
// placeholder becomes the capture group named "address".
func Compile(pattern string) (*regexp.Regexp, error) {
	if strings.Count(pattern, config.AddressPlaceholder) != 1 {
		return nil, errors.Errorf("pattern %q must contain %v exactly once", pattern, config.AddressPlaceholder)
	}

	before, after, _ := strings.Cut(pattern, config.AddressPlaceholder)
	expr := "(?:" + before + ")" + addressExpr + "(?:" + after + ")"
	re, err := regexp.Compile(expr)
	if err != nil {
		return nil, errors.Wrapf(err, "invalid pattern %q", pattern)
	}
	return re, nil
}

func New(cfg *config.Config, store storage.Storage, reporter Reporter, opts ...Option) (*Watcher, error) {
	w := &Watcher{
		store:    store,
		reporter: reporter,
		log:      log.Default().WithPrefix("watcher"),
		now:      time.Now,
	}

	for _, g := range cfg.LogGroups {
		res := group{name: g.Name}
		for _, f := range g.LogFiles {
			res.files = append(res.files, f.Path)
		}
		for _, p := range g.Patterns {
			re, err := Compile(p.Pattern)
			if err != nil {
				return nil, errors.Wrapf(err, "log group %v", g.Name)
			}
			res.rules = append(res.rules, rule{re: re, address: re.SubexpIndex("address"), score: p.Score})
		}
		w.groups = append(w.groups, res)
	}

	for _, opt := range opts {
		opt(w)
	}
	return w, nil
}

// Run checks all log files every interval until ctx is done.
func (w *Watcher) Run(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		w.Check(ctx)

		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// Check reads the new lines of every log file once. Failures are logged per
// file so one unreadable file does not stop the others.
func (w *Watcher) Check(ctx context.Context) {
	for _, g := range w.groups {
		for _, path := range g.files {
			if ctx.Err() != nil {
				return
			}

			if err := w.checkFile(ctx, g, path); err != nil {
				w.log.Error("failed to check log file", "group", g.name, "path", path, "error", err)
			}
		}
	}
}

func (w *Watcher) checkFile(ctx context.Context, g group, path string) error {
	lf, err := w.store.File(path)
	if err != nil {
		return err
	}

	fh, err := os.Open(path)
	if os.IsNotExist(err) {
		w.log.Debug("log file does not exist (yet)", "path", path)
		return nil
	}
	if err != nil {
		return errors.Wrap(err, "failed to open log file")
	}
	defer fh.Close()

	st, err := fh.Stat()
	if err != nil {
		return errors.Wrap(err, "failed to stat log file")
	}

	size := uint64(st.Size())
	bookmark := lf.Bookmark
	if size < lf.Size || size < bookmark {
		w.log.Info("log rotation detected, reading from start", "path", path, "size", size, "recorded", lf.Size)
		bookmark = 0
	}
	if bookmark == size && size == lf.Size {
		return nil
	}

	if _, err := fh.Seek(int64(bookmark), io.SeekStart); err != nil {
		return errors.Wrap(err, "failed to seek log file")
	}

	pos := bookmark
	reader := bufio.NewReader(io.LimitReader(fh, int64(size-bookmark)))
	matches := 0
	for ctx.Err() == nil {
		line, err := reader.ReadString('\n')
		if err == io.EOF {
			// an incomplete last line is read again once it is complete
			break
		}
		if err != nil {
			return errors.Wrap(err, "failed to read log file")
		}

		pos += uint64(len(line))
		if w.match(g, path, strings.TrimRight(line, "\r\n")) {
			matches++
		}
	}

	if matches > 0 {
		w.log.Info("suspicious activity found", "group", g.name, "path", path, "count", matches)
	}
	return w.store.UpdateFile(path, pos, size)
}

// match reports the first rule matching line.
func (w *Watcher) match(g group, path, line string) bool {
	for _, r := range g.rules {
		m := r.re.FindStringSubmatch(line)
		if m == nil {
			continue
		}

		ip := net.ParseIP(m[r.address])
		if ip == nil {
			w.log.Warn("pattern matched an invalid address", "path", path, "address", m[r.address])
			return false
		}

		e := blocker.Event{Address: ip.String(), Score: r.score, Group: g.name, Time: w.now()}
		if err := w.reporter.Report(e); err != nil {
			w.log.Error("failed to report activity", "address", e.Address, "group", g.name, "error", err)
		}
		return true
	}
	return false
}
