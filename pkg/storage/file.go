package storage

import (
	"bufio"
	"bytes"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/timanema/hostblock/pkg/config"
)

const backupTimeFormat = "20060102150405"

// dataFile does the raw I/O on the data file. It knows the line layout but
// holds no state besides the path, callers serialise access.
type dataFile struct {
	path string
	now  func() time.Time
}

// scanLines calls fn for every line (without its newline) together with the
// byte offset the line starts at, until fn returns true.
func scanLines(r io.Reader, fn func(off int64, line []byte) bool) error {
	br := bufio.NewReader(r)

	var off int64
	for {
		line, err := br.ReadBytes('\n')
		if len(line) > 0 {
			if fn(off, bytes.TrimSuffix(line, []byte{'\n'})) {
				return nil
			}
			off += int64(len(line))
		}

		if err == io.EOF {
			return nil
		}
		if err != nil {
			return errors.Wrap(err, "failed to read data file")
		}
	}
}

func (f *dataFile) read(fn func(off int64, line []byte)) error {
	fh, err := os.Open(f.path)
	if err != nil {
		return errors.Wrap(err, "failed to open data file for reading")
	}
	defer fh.Close()

	return scanLines(fh, func(off int64, line []byte) bool {
		fn(off, line)
		return false
	})
}

// write replaces the data file with the given records. The new content goes to
// a temporary file that is renamed over the old one once it is complete.
func (f *dataFile) write(addresses []SuspiciousAddress, cfg *config.Config) (err error) {
	dir := filepath.Dir(f.path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return errors.Wrap(err, "failed to create data directory")
	}

	tmp, err := os.CreateTemp(dir, "."+filepath.Base(f.path)+".tmp*")
	if err != nil {
		return errors.Wrap(err, "failed to create temporary data file")
	}
	defer func() {
		if err != nil {
			tmp.Close()
			os.Remove(tmp.Name())
		}
	}()

	w := bufio.NewWriter(tmp)
	for _, a := range addresses {
		line, err := encodeAddress(a)
		if err != nil {
			return errors.Wrapf(err, "failed to encode address %v", a.Address)
		}
		if _, err := w.Write(line); err != nil {
			return errors.Wrap(err, "failed to write data file")
		}
	}

	var bookmarkErr error
	cfg.EachLogFile(func(_ *config.LogGroup, lf *config.LogFile) {
		if bookmarkErr != nil {
			return
		}

		line, err := encodeBookmark(lf.Path, lf.Bookmark, lf.Size)
		if err != nil {
			bookmarkErr = err
			return
		}
		_, bookmarkErr = w.Write(line)
	})
	if bookmarkErr != nil {
		return errors.Wrap(bookmarkErr, "failed to write bookmarks")
	}

	if err := w.Flush(); err != nil {
		return errors.Wrap(err, "failed to write data file")
	}
	if err := tmp.Sync(); err != nil {
		return errors.Wrap(err, "failed to sync data file")
	}
	if err := tmp.Chmod(0644); err != nil {
		return errors.Wrap(err, "failed to set data file permissions")
	}
	if err := tmp.Close(); err != nil {
		return errors.Wrap(err, "failed to close data file")
	}

	return errors.Wrap(os.Rename(tmp.Name(), f.path), "failed to replace data file")
}

// append adds one complete line to the end of the data file.
func (f *dataFile) append(line []byte) error {
	fh, err := os.OpenFile(f.path, os.O_WRONLY|os.O_APPEND|os.O_CREATE, 0644)
	if err != nil {
		return errors.Wrap(err, "failed to open data file for appending")
	}

	if _, err := fh.Write(line); err != nil {
		fh.Close()
		return errors.Wrap(err, "failed to append to data file")
	}

	return errors.Wrap(fh.Close(), "failed to close data file")
}

// patch finds the first line accepted by match and overwrites it, starting at
// the returned offset within the line. Writes never cross the end of the line
// so the file length and every other line stay untouched.
func (f *dataFile) patch(match func(off int64, line []byte) (int, []byte, bool)) error {
	fh, err := os.OpenFile(f.path, os.O_RDWR, 0)
	if err != nil {
		return errors.Wrap(err, "failed to open data file for update")
	}
	defer fh.Close()

	pos := int64(-1)
	var data []byte
	var boundaryErr error

	err = scanLines(fh, func(off int64, line []byte) bool {
		rel, d, ok := match(off, line)
		if !ok {
			return false
		}
		if rel < 0 || rel+len(d) > len(line) {
			boundaryErr = errors.Errorf("update of %d bytes at %d does not fit line of %d bytes", len(d), rel, len(line))
			return true
		}

		pos = off + int64(rel)
		data = d
		return true
	})
	if err != nil {
		return err
	}
	if boundaryErr != nil {
		return boundaryErr
	}
	if pos < 0 {
		return NotFoundErr
	}

	if _, err := fh.WriteAt(data, pos); err != nil {
		return errors.Wrap(err, "failed to update data file")
	}

	return errors.Wrap(fh.Close(), "failed to close data file")
}

func (f *dataFile) backupName() string {
	return f.path + "_" + f.now().Format(backupTimeFormat) + ".bck"
}

// backup moves the data file out of the way without ever replacing an existing backup.
func (f *dataFile) backup() (string, error) {
	name := f.backupName()

	if _, err := os.Lstat(name); err == nil {
		return name, errors.Wrapf(BackupExistsErr, "%v", name)
	} else if !os.IsNotExist(err) {
		return name, errors.Wrapf(err, "failed to check backup file %v", name)
	}

	if err := os.Rename(f.path, name); err != nil {
		return name, errors.Wrapf(err, "failed to rename data file to %v", name)
	}

	return name, nil
}

func isAddressLine(line []byte, ip string) bool {
	return len(line) == addressLineLen && line[0] == kindAddress &&
		strings.TrimSpace(string(line[1:addressFieldsOffset])) == ip
}

func isBookmarkLine(line []byte, path string) bool {
	return len(line) >= bookmarkPrefixLen && line[0] == kindBookmark &&
		strings.TrimSpace(string(line[bookmarkPrefixLen:])) == path
}
