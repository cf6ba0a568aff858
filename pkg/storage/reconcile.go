package storage

import (
	"github.com/timanema/hostblock/pkg/config"
)

type orphanBookmark struct {
	off  int64
	path string
}

// bookmarkReconciler applies bookmark records read from the data file to the
// configured log files. Records for files that are not configured, and any
// record after the first one for the same file, are collected as orphans.
// Accepted bookmarks are staged until commit.
type bookmarkReconciler struct {
	cfg *config.Config

	seen    map[string]config.LogFile
	orphans []orphanBookmark
}

func newBookmarkReconciler(cfg *config.Config) *bookmarkReconciler {
	return &bookmarkReconciler{
		cfg:  cfg,
		seen: make(map[string]config.LogFile),
	}
}

// apply stages a bookmark read at offset off and reports whether it was
// accepted.
func (r *bookmarkReconciler) apply(off int64, path string, bookmark, size uint64) bool {
	if _, ok := r.seen[path]; ok {
		r.orphans = append(r.orphans, orphanBookmark{off: off, path: path})
		return false
	}

	if _, ok := r.cfg.LogFile(path); !ok {
		r.orphans = append(r.orphans, orphanBookmark{off: off, path: path})
		return false
	}

	r.seen[path] = config.LogFile{Path: path, Bookmark: bookmark, Size: size}
	return true
}

// commit copies the staged bookmarks into the configuration, log files
// without a bookmark record start at 0.
func (r *bookmarkReconciler) commit() {
	r.cfg.EachLogFile(func(_ *config.LogGroup, f *config.LogFile) {
		staged := r.seen[f.Path]
		f.Bookmark = staged.Bookmark
		f.Size = staged.Size
	})
}

// missing returns configured log files without a bookmark record, in configuration order.
func (r *bookmarkReconciler) missing() []string {
	var res []string
	r.cfg.EachLogFile(func(_ *config.LogGroup, f *config.LogFile) {
		if _, ok := r.seen[f.Path]; !ok {
			res = append(res, f.Path)
		}
	})
	return res
}
