package blocker

import (
	"context"
	"math"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/pkg/errors"
	"github.com/timanema/hostblock/pkg/storage"
	"github.com/timanema/hostblock/pkg/unix_time"
)

// Policy decides when an address gets a firewall rule and how long it keeps it.
type Policy struct {
	BlockScore uint32 `json:"blockScore"`
	// KeepMultiplier is the number of seconds a rule is kept per score point, 0 keeps rules forever.
	KeepMultiplier uint32 `json:"keepMultiplier"`
}

// Blocked reports whether a should have a firewall rule at now.
func (p Policy) Blocked(a storage.SuspiciousAddress, now time.Time) bool {
	if a.Blacklisted {
		return true
	}
	if a.Whitelisted || a.ActivityScore < p.BlockScore {
		return false
	}
	if p.KeepMultiplier == 0 {
		return true
	}

	return now.Before(p.Until(a))
}

// Until returns the moment a rule for a expires. Moments beyond what a
// timestamp can hold are clamped, those rules never expire.
func (p Policy) Until(a storage.SuspiciousAddress) time.Time {
	keep := uint64(a.ActivityScore) * uint64(p.KeepMultiplier)
	last := a.LastActivity.Unix()
	if keep > math.MaxUint64-last {
		return unix_time.FromUnix(math.MaxUint64).Time()
	}
	return unix_time.FromUnix(last + keep).Time()
}

// Event is suspicious activity of a single address found in a log file.
type Event struct {
	Address string
	Score   uint32
	Group   string
	Time    time.Time
}

type Blocker struct {
	lock sync.Mutex

	store    storage.Storage
	firewall Firewall
	notifier *Notifier
	policy   Policy

	log *log.Logger
	now func() time.Time
}

type Option func(*Blocker)

func WithLogger(l *log.Logger) Option {
	return func(b *Blocker) {
		b.log = l
	}
}

func WithClock(now func() time.Time) Option {
	return func(b *Blocker) {
		b.now = now
	}
}

func WithNotifier(n *Notifier) Option {
	return func(b *Blocker) {
		b.notifier = n
	}
}

func New(store storage.Storage, firewall Firewall, policy Policy, opts ...Option) *Blocker {
	b := &Blocker{
		store:    store,
		firewall: firewall,
		policy:   policy,
		log:      log.Default().WithPrefix("blocker"),
		now:      time.Now,
	}

	for _, opt := range opts {
		opt(b)
	}
	return b
}

func (b *Blocker) Policy() Policy {
	b.lock.Lock()
	defer b.lock.Unlock()

	return b.policy
}

func (b *Blocker) UpdatePolicy(policy Policy) {
	b.lock.Lock()
	defer b.lock.Unlock()

	b.policy = policy
}

// Report adds the score of e to its address and blocks the address once the
// policy says so. Activity of an address that already has a rule is counted
// as a refused connection.
func (b *Blocker) Report(e Event) error {
	b.lock.Lock()
	defer b.lock.Unlock()

	a, err := b.address(e.Address)
	if err != nil {
		return err
	}

	if a.IptableRule {
		a.RefusedCount = addSaturating(a.RefusedCount, 1)
	}
	a.ActivityScore = addSaturating(a.ActivityScore, e.Score)
	a.ActivityCount = addSaturating(a.ActivityCount, 1)
	if e.Time.After(a.LastActivity.Time()) {
		a.LastActivity = unix_time.Time(e.Time.Truncate(time.Second))
	}

	b.log.Debug("activity reported", "address", a.Address, "group", e.Group, "score", a.ActivityScore)
	if err := b.persist(a); err != nil {
		return err
	}
	return b.apply(a)
}

// Refused counts a connection of ip that was dropped by the firewall.
func (b *Blocker) Refused(ip string) error {
	b.lock.Lock()
	defer b.lock.Unlock()

	a, err := b.store.Address(ip)
	if err != nil {
		return errors.Wrapf(err, "address %v", ip)
	}

	a.RefusedCount = addSaturating(a.RefusedCount, 1)
	return b.persist(a)
}

// Whitelist makes sure ip is never blocked, an existing rule is removed.
func (b *Blocker) Whitelist(ip string) (storage.SuspiciousAddress, error) {
	return b.setList(ip, true, false)
}

// Blacklist makes sure ip is always blocked.
func (b *Blocker) Blacklist(ip string) (storage.SuspiciousAddress, error) {
	return b.setList(ip, false, true)
}

func (b *Blocker) setList(ip string, white, black bool) (storage.SuspiciousAddress, error) {
	b.lock.Lock()
	defer b.lock.Unlock()

	a, err := b.address(ip)
	if err != nil {
		return a, err
	}

	a.Whitelisted = white
	a.Blacklisted = black
	if err := b.persist(a); err != nil {
		return a, err
	}
	if err := b.apply(a); err != nil {
		return a, err
	}

	return b.store.Address(ip)
}

// Forget removes the rule of ip and every record of it.
func (b *Blocker) Forget(ip string) error {
	b.lock.Lock()
	defer b.lock.Unlock()

	a, err := b.store.Address(ip)
	if err != nil {
		return errors.Wrapf(err, "address %v", ip)
	}

	if a.IptableRule {
		if err := b.unblock(a); err != nil {
			return err
		}
	}

	err = b.store.RemoveAddress(ip)
	if errors.Is(err, storage.NotFoundErr) {
		b.log.Warn("address missing from data file, saving all data", "address", ip)
		return b.store.Save()
	}
	return err
}

// Expire removes the rules whose keep time has passed and returns how many
// were removed.
func (b *Blocker) Expire() (int, error) {
	b.lock.Lock()
	defer b.lock.Unlock()

	now := b.now()
	n := 0
	for _, a := range b.store.Addresses() {
		if !a.IptableRule || b.policy.Blocked(a, now) {
			continue
		}

		if err := b.unblock(a); err != nil {
			return n, err
		}
		n++
	}

	if n > 0 {
		b.log.Info("expired firewall rules", "count", n)
	}
	return n, nil
}

// Sync reads the rules present in the firewall, records them on the matching
// addresses and adds or removes rules where they differ from the policy.
func (b *Blocker) Sync() error {
	b.lock.Lock()
	defer b.lock.Unlock()

	rules, err := b.firewall.Blocked()
	if err != nil {
		return errors.Wrap(err, "failed to list firewall rules")
	}

	for _, a := range b.store.Addresses() {
		_, a.IptableRule = rules[a.Address]
		if err := b.store.SetIptableRule(a.Address, a.IptableRule); err != nil {
			return err
		}

		if err := b.apply(a); err != nil {
			return err
		}
	}

	b.log.Info("firewall rules synchronised", "rules", len(rules))
	return nil
}

// Housekeep expires rules and compacts the data file every interval until ctx is done.
func (b *Blocker) Housekeep(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if _, err := b.Expire(); err != nil {
				b.log.Error("failed to expire firewall rules", "error", err)
			}
			if err := b.store.Save(); err != nil {
				b.log.Error("housekeeping save failed", "error", err)
			}
		}
	}
}

func (b *Blocker) address(ip string) (storage.SuspiciousAddress, error) {
	a, err := b.store.Address(ip)
	if errors.Is(err, storage.NotFoundErr) {
		return storage.SuspiciousAddress{Address: ip}, nil
	}
	return a, err
}

// persist writes a through the store. A record missing from the data file is
// recovered by saving everything.
func (b *Blocker) persist(a storage.SuspiciousAddress) error {
	err := b.store.PutAddress(a)
	if errors.Is(err, storage.NotFoundErr) {
		b.log.Warn("address missing from data file, saving all data", "address", a.Address)
		return b.store.Save()
	}
	return err
}

func (b *Blocker) apply(a storage.SuspiciousAddress) error {
	blocked := b.policy.Blocked(a, b.now())
	switch {
	case blocked && !a.IptableRule:
		return b.block(a)
	case !blocked && a.IptableRule:
		return b.unblock(a)
	}
	return nil
}

func (b *Blocker) block(a storage.SuspiciousAddress) error {
	if err := b.firewall.Block(a.Address); err != nil {
		b.log.Error("failed to add firewall rule", "address", a.Address, "error", err)
		return errors.Wrapf(err, "failed to block %v", a.Address)
	}
	if err := b.store.SetIptableRule(a.Address, true); err != nil {
		return err
	}

	a.IptableRule = true
	b.log.Info("address blocked", "address", a.Address, "score", a.ActivityScore, "blacklisted", a.Blacklisted)
	b.notify(a)
	return nil
}

func (b *Blocker) unblock(a storage.SuspiciousAddress) error {
	if err := b.firewall.Unblock(a.Address); err != nil {
		b.log.Error("failed to remove firewall rule", "address", a.Address, "error", err)
		return errors.Wrapf(err, "failed to unblock %v", a.Address)
	}
	if err := b.store.SetIptableRule(a.Address, false); err != nil {
		return err
	}

	a.IptableRule = false
	b.log.Info("address unblocked", "address", a.Address)
	b.notify(a)
	return nil
}

func (b *Blocker) notify(a storage.SuspiciousAddress) {
	if b.notifier == nil {
		return
	}
	b.notifier.Notify(a, b.policy)
}

func addSaturating(v, d uint32) uint32 {
	if v > math.MaxUint32-d {
		return math.MaxUint32
	}
	return v + d
}
