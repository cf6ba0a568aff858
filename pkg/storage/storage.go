package storage

import (
	"net"

	"github.com/pkg/errors"
	"github.com/timanema/hostblock/pkg/config"
	"github.com/timanema/hostblock/pkg/unix_time"
)

var (
	NotFoundErr      = errors.New("record not found")
	AlreadyExistsErr = errors.New("record already exists")
	BackupExistsErr  = errors.New("backup file already exists")
	FieldOverflowErr = errors.New("value does not fit its fixed-width field")
	ListConflictErr  = errors.New("address can not be whitelisted and blacklisted at the same time")
	InvalidRecordErr = errors.New("invalid record")
)

// SuspiciousAddress is everything known about a single address.
type SuspiciousAddress struct {
	Address       string         `json:"address"`
	LastActivity  unix_time.Time `json:"lastActivity"`
	ActivityScore uint32         `json:"activityScore"`
	ActivityCount uint32         `json:"activityCount"`
	RefusedCount  uint32         `json:"refusedCount"`
	Whitelisted   bool           `json:"whitelisted"`
	Blacklisted   bool           `json:"blacklisted"`

	// IptableRule is not persisted, it is false after every load.
	IptableRule bool `json:"iptableRule"`
}

// Valid checks whether the record can be written to the data file.
func (a SuspiciousAddress) Valid() error {
	if len(a.Address) > addressWidth {
		return errors.Wrapf(FieldOverflowErr, "address %q is longer than %d bytes", a.Address, addressWidth)
	}
	if net.ParseIP(a.Address) == nil {
		return errors.Wrapf(InvalidRecordErr, "%q is not an IP address", a.Address)
	}
	if a.Whitelisted && a.Blacklisted {
		return errors.Wrapf(ListConflictErr, "address %v", a.Address)
	}
	return nil
}

// Storage is the record store used by the blocker, the log watcher and the API.
type Storage interface {
	Load() error
	Save() error
	Close() error

	Address(ip string) (SuspiciousAddress, error)
	Addresses() []SuspiciousAddress
	AddAddress(a SuspiciousAddress) error
	UpdateAddress(a SuspiciousAddress) error
	PutAddress(a SuspiciousAddress) error
	RemoveAddress(ip string) error
	SetIptableRule(ip string, rule bool) error

	File(path string) (config.LogFile, error)
	Files() []config.LogFile
	AddFile(path string) error
	UpdateFile(path string, bookmark, size uint64) error
	RemoveFile(path string) error
}
