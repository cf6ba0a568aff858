package storage

import (
	"net"
	"os"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/pkg/errors"
	"github.com/timanema/hostblock/pkg/config"
)

// DataStore keeps the address table and the log file bookmarks in memory and
// mirrors every change to the data file. Single record changes are appended or
// patched in place, Save rewrites (compacts) the whole file.
type DataStore struct {
	lock sync.Mutex

	cfg    *config.Config
	memory *AddressStore
	file   *dataFile
	log    *log.Logger
}

var _ Storage = (*DataStore)(nil)

type Option func(*DataStore)

func WithLogger(l *log.Logger) Option {
	return func(p *DataStore) {
		p.log = l
	}
}

// WithClock sets the clock used to name backups.
func WithClock(now func() time.Time) Option {
	return func(p *DataStore) {
		p.file.now = now
	}
}

// NewPersistentStore returns a store backed by the data file of cfg, call Load
// before using it.
func NewPersistentStore(cfg *config.Config, opts ...Option) *DataStore {
	p := &DataStore{
		cfg:    cfg,
		memory: NewAddressStore(),
		file:   &dataFile{path: cfg.DataFilePath, now: time.Now},
		log:    log.Default().WithPrefix("storage"),
	}

	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Load replaces the in-memory state with the content of the data file. A
// missing data file is created. Duplicate addresses make Load back up the file
// and write a clean one, if the backup can not be made the error is returned.
func (p *DataStore) Load() error {
	p.lock.Lock()
	defer p.lock.Unlock()

	p.log.Info("loading data", "path", p.file.path)

	addresses := make(map[string]SuspiciousAddress)
	reconciler := newBookmarkReconciler(p.cfg)
	duplicates := false

	err := p.file.read(func(off int64, line []byte) {
		rec := decodeLine(line)
		switch rec.kind {
		case addressRecord:
			a := rec.address
			if net.ParseIP(a.Address) == nil {
				p.log.Warn("skipping address record with invalid address", "offset", off, "address", a.Address)
				return
			}
			if a.Whitelisted && a.Blacklisted {
				p.log.Warn("address is whitelisted and blacklisted, removing it from blacklist", "address", a.Address)
				a.Blacklisted = false
			}
			if _, ok := addresses[a.Address]; ok {
				p.log.Warn("address is duplicated in data file, new data file without duplicates will be created", "address", a.Address)
				duplicates = true
			}
			addresses[a.Address] = a
		case bookmarkRecord:
			if !reconciler.apply(off, rec.path, rec.bookmark, rec.size) {
				p.log.Warn("bookmark found for log file that is not configured or already bookmarked, removing it from data file", "path", rec.path)
				return
			}
			p.log.Debug("bookmark", "path", rec.path, "bookmark", rec.bookmark, "size", rec.size)
		case tombstoneRecord:
		default:
			p.log.Warn("skipping malformed record", "offset", off, "length", len(line))
		}
	})
	if errors.Is(err, os.ErrNotExist) {
		p.log.Warn("unable to open data file, creating a new one", "path", p.file.path)
		p.memory.Replace(addresses)
		reconciler.commit()
		if err := p.save(); err != nil {
			p.log.Error("unable to create new data file", "path", p.file.path, "error", err)
			return errors.Wrap(err, "unable to create new data file")
		}
		return nil
	}
	if err != nil {
		p.log.Error("unable to read data file", "path", p.file.path, "error", err)
		return err
	}

	p.memory.Replace(addresses)
	reconciler.commit()

	if duplicates {
		backup, err := p.file.backup()
		if err != nil {
			p.log.Error("data file contains duplicate entries and backup creation failed", "backup", backup, "error", err)
			return errors.Wrap(err, "failed to back up data file with duplicate entries")
		}

		if err := p.save(); err != nil {
			p.log.Error("data file backed up, but failed to save new data file", "backup", backup, "error", err)
			return errors.Wrap(err, "failed to save data file without duplicates")
		}

		p.log.Warn("duplicate data found while reading data file, old data file stored as backup, merge manually if needed", "backup", backup)
	} else {
		for _, o := range reconciler.orphans {
			err := p.file.patch(func(off int64, line []byte) (int, []byte, bool) {
				if off != o.off || !isBookmarkLine(line, o.path) {
					return 0, nil, false
				}
				return 0, tombstone(len(line)), true
			})
			if err != nil {
				p.log.Warn("failed to remove bookmark from data file", "path", o.path, "error", err)
			}
		}

		for _, path := range reconciler.missing() {
			if err := p.addFile(path); err != nil {
				p.log.Warn("failed to add bookmark to data file", "path", path, "error", err)
			}
		}
	}

	p.log.Info("loaded address records", "count", len(addresses))
	return nil
}

// Save rewrites the data file from memory, dropping removed records.
func (p *DataStore) Save() error {
	p.lock.Lock()
	defer p.lock.Unlock()

	return p.save()
}

func (p *DataStore) save() error {
	p.log.Info("saving data", "path", p.file.path)

	if err := p.file.write(p.memory.All(), p.cfg); err != nil {
		p.log.Error("unable to save data file", "path", p.file.path, "error", err)
		return err
	}
	return nil
}

func (p *DataStore) Close() error {
	return p.Save()
}

func (p *DataStore) Address(ip string) (SuspiciousAddress, error) {
	a, ok := p.memory.Get(ip)
	if !ok {
		return SuspiciousAddress{}, NotFoundErr
	}
	return a, nil
}

func (p *DataStore) Addresses() []SuspiciousAddress {
	return p.memory.All()
}

// AddAddress stores a new address and appends it to the data file.
func (p *DataStore) AddAddress(a SuspiciousAddress) error {
	if err := a.Valid(); err != nil {
		return err
	}

	p.lock.Lock()
	defer p.lock.Unlock()

	if _, ok := p.memory.Get(a.Address); ok {
		return errors.Wrapf(AlreadyExistsErr, "address %v", a.Address)
	}
	return p.addAddress(a)
}

func (p *DataStore) addAddress(a SuspiciousAddress) error {
	p.memory.Put(a)

	line, err := encodeAddress(a)
	if err != nil {
		return err
	}

	p.log.Debug("adding record to data file", "address", a.Address)
	if err := p.file.append(line); err != nil {
		p.log.Error("unable to add address to data file", "address", a.Address, "error", err)
		return errors.Wrapf(err, "failed to add %v", a.Address)
	}
	return nil
}

// UpdateAddress stores a known address and patches its record in the data file.
func (p *DataStore) UpdateAddress(a SuspiciousAddress) error {
	if err := a.Valid(); err != nil {
		return err
	}

	p.lock.Lock()
	defer p.lock.Unlock()

	return p.updateAddress(a)
}

func (p *DataStore) updateAddress(a SuspiciousAddress) error {
	p.memory.Put(a)

	fields := encodeAddressFields(a)
	p.log.Debug("updating record in data file", "address", a.Address)
	err := p.file.patch(func(_ int64, line []byte) (int, []byte, bool) {
		return addressFieldsOffset, fields, isAddressLine(line, a.Address)
	})
	if err != nil {
		p.log.Error("unable to update address in data file", "address", a.Address, "error", err)
		return errors.Wrapf(err, "failed to update %v", a.Address)
	}
	return nil
}

// PutAddress adds or updates depending on whether the address is already known.
func (p *DataStore) PutAddress(a SuspiciousAddress) error {
	if err := a.Valid(); err != nil {
		return err
	}

	p.lock.Lock()
	defer p.lock.Unlock()

	if _, ok := p.memory.Get(a.Address); ok {
		return p.updateAddress(a)
	}
	return p.addAddress(a)
}

// RemoveAddress forgets an address and marks its record as removed.
func (p *DataStore) RemoveAddress(ip string) error {
	p.lock.Lock()
	defer p.lock.Unlock()

	p.memory.Delete(ip)

	p.log.Debug("removing record from data file", "address", ip)
	err := p.file.patch(func(_ int64, line []byte) (int, []byte, bool) {
		if !isAddressLine(line, ip) {
			return 0, nil, false
		}
		return 0, tombstone(len(line)), true
	})
	if err != nil {
		p.log.Error("unable to remove address from data file", "address", ip, "error", err)
		return errors.Wrapf(err, "failed to remove %v", ip)
	}
	return nil
}

// SetIptableRule records whether a firewall rule exists. It is never persisted.
func (p *DataStore) SetIptableRule(ip string, rule bool) error {
	p.lock.Lock()
	defer p.lock.Unlock()

	a, ok := p.memory.Get(ip)
	if !ok {
		return errors.Wrapf(NotFoundErr, "address %v", ip)
	}

	a.IptableRule = rule
	p.memory.Put(a)
	return nil
}

func (p *DataStore) File(path string) (config.LogFile, error) {
	p.lock.Lock()
	defer p.lock.Unlock()

	f, ok := p.cfg.LogFile(path)
	if !ok {
		return config.LogFile{}, errors.Wrapf(NotFoundErr, "log file %v is not configured", path)
	}
	return *f, nil
}

func (p *DataStore) Files() []config.LogFile {
	p.lock.Lock()
	defer p.lock.Unlock()

	var res []config.LogFile
	p.cfg.EachLogFile(func(_ *config.LogGroup, f *config.LogFile) {
		res = append(res, *f)
	})
	return res
}

// AddFile appends a bookmark record for a configured log file.
func (p *DataStore) AddFile(path string) error {
	p.lock.Lock()
	defer p.lock.Unlock()

	return p.addFile(path)
}

func (p *DataStore) addFile(path string) error {
	f, ok := p.cfg.LogFile(path)
	if !ok {
		return errors.Wrapf(NotFoundErr, "log file %v is not configured", path)
	}

	line, err := encodeBookmark(f.Path, f.Bookmark, f.Size)
	if err != nil {
		return err
	}

	p.log.Debug("adding bookmark to data file", "path", path)
	if err := p.file.append(line); err != nil {
		p.log.Error("unable to add bookmark to data file", "path", path, "error", err)
		return errors.Wrapf(err, "failed to add bookmark for %v", path)
	}
	return nil
}

// UpdateFile stores the new bookmark and size of a configured log file and
// patches the numeric part of its bookmark record.
func (p *DataStore) UpdateFile(path string, bookmark, size uint64) error {
	p.lock.Lock()
	defer p.lock.Unlock()

	f, ok := p.cfg.LogFile(path)
	if !ok {
		return errors.Wrapf(NotFoundErr, "log file %v is not configured", path)
	}
	f.Bookmark = bookmark
	f.Size = size

	fields := encodeBookmarkFields(bookmark, size)
	err := p.file.patch(func(_ int64, line []byte) (int, []byte, bool) {
		return bookmarkFieldsOffset, fields, isBookmarkLine(line, path)
	})
	if err != nil {
		p.log.Error("unable to update bookmark in data file", "path", path, "error", err)
		return errors.Wrapf(err, "failed to update bookmark for %v", path)
	}
	return nil
}

// RemoveFile marks the bookmark record of a log file as removed.
func (p *DataStore) RemoveFile(path string) error {
	p.lock.Lock()
	defer p.lock.Unlock()

	p.log.Debug("removing bookmark from data file", "path", path)
	err := p.file.patch(func(_ int64, line []byte) (int, []byte, bool) {
		if !isBookmarkLine(line, path) {
			return 0, nil, false
		}
		return 0, tombstone(len(line)), true
	})
	if err != nil {
		p.log.Error("unable to remove bookmark from data file", "path", path, "error", err)
		return errors.Wrapf(err, "failed to remove bookmark for %v", path)
	}
	return nil
}
