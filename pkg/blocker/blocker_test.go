package blocker

import (
	"bytes"
	"context"
	"math"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/charmbracelet/log"
	"github.com/pkg/errors"
	"github.com/timanema/hostblock/pkg/config"
	"github.com/timanema/hostblock/pkg/storage"
	"github.com/timanema/hostblock/pkg/unix_time"
)

type fakeFirewall struct {
	lock  sync.Mutex
	rules map[string]struct{}
	fail  error
}

func newFakeFirewall(ips ...string) *fakeFirewall {
	f := &fakeFirewall{rules: make(map[string]struct{})}
	for _, ip := range ips {
		f.rules[ip] = struct{}{}
	}
	return f
}

func (f *fakeFirewall) Block(ip string) error {
	f.lock.Lock()
	defer f.lock.Unlock()
	if f.fail != nil {
		return f.fail
	}
	f.rules[ip] = struct{}{}
	return nil
}

func (f *fakeFirewall) Unblock(ip string) error {
	f.lock.Lock()
	defer f.lock.Unlock()
	if f.fail != nil {
		return f.fail
	}
	delete(f.rules, ip)
	return nil
}

func (f *fakeFirewall) Blocked() (map[string]struct{}, error) {
	f.lock.Lock()
	defer f.lock.Unlock()
	res := make(map[string]struct{}, len(f.rules))
	for ip := range f.rules {
		res[ip] = struct{}{}
	}
	return res, f.fail
}

func (f *fakeFirewall) has(ip string) bool {
	f.lock.Lock()
	defer f.lock.Unlock()
	_, ok := f.rules[ip]
	return ok
}

var testNow = time.Date(2026, 10, 19, 12, 0, 0, 0, time.UTC)

func newTestBlocker(t *testing.T, fw Firewall, policy Policy) (*Blocker, *storage.DataStore, string) {
	t.Helper()

	buf := &bytes.Buffer{}
	logger := log.New(buf)
	logger.SetLevel(log.DebugLevel)

	cfg := &config.Config{DataFilePath: filepath.Join(t.TempDir(), "hostblock.data")}
	store := storage.NewPersistentStore(cfg, storage.WithLogger(logger))
	if err := store.Load(); err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	b := New(store, fw, policy, WithLogger(logger), WithClock(func() time.Time { return testNow }))
	return b, store, cfg.DataFilePath
}

func TestPolicyBlocked(t *testing.T) {
	last := unix_time.Time(testNow.Add(-time.Hour))
	policy := Policy{BlockScore: 10, KeepMultiplier: 3600}

	tests := []struct {
		name   string
		policy Policy
		addr   storage.SuspiciousAddress
		want   bool
	}{
		{"below score", policy, storage.SuspiciousAddress{ActivityScore: 9, LastActivity: last}, false},
		{"at score", policy, storage.SuspiciousAddress{ActivityScore: 10, LastActivity: last}, true},
		{"whitelisted", policy, storage.SuspiciousAddress{ActivityScore: 100, LastActivity: last, Whitelisted: true}, false},
		{"blacklisted", policy, storage.SuspiciousAddress{Blacklisted: true}, true},
		{"expired", Policy{BlockScore: 1, KeepMultiplier: 60}, storage.SuspiciousAddress{ActivityScore: 10, LastActivity: last}, false},
		{"kept forever", Policy{BlockScore: 1}, storage.SuspiciousAddress{ActivityScore: 1, LastActivity: unix_time.FromUnix(0)}, true},
		{"large score", policy, storage.SuspiciousAddress{ActivityScore: 3_000_000, LastActivity: unix_time.Time(testNow)}, true},
		{"largest keep time", Policy{BlockScore: 1, KeepMultiplier: math.MaxUint32}, storage.SuspiciousAddress{ActivityScore: math.MaxUint32, LastActivity: unix_time.Time(testNow)}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.policy.Blocked(tt.addr, testNow); got != tt.want {
				t.Errorf("Blocked() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestPolicyUntil(t *testing.T) {
	p := Policy{BlockScore: 10, KeepMultiplier: 3600}
	a := storage.SuspiciousAddress{ActivityScore: 3_000_000, LastActivity: unix_time.Time(testNow)}

	want := uint64(testNow.Unix()) + 3_000_000*3600
	if got := uint64(p.Until(a).Unix()); got != want {
		t.Errorf("Until() = %d, want %d", got, want)
	}

	a.LastActivity = unix_time.FromUnix(1<<64 - 1)
	if !p.Blocked(a, testNow) {
		t.Errorf("Blocked() = false for a rule kept past the largest timestamp")
	}
}

func TestReportBlocks(t *testing.T) {
	fw := newFakeFirewall()
	b, store, _ := newTestBlocker(t, fw, Policy{BlockScore: 5, KeepMultiplier: 3600})

	for i := 0; i < 2; i++ {
		if err := b.Report(Event{Address: "203.0.113.7", Score: 2, Group: "SSH", Time: testNow}); err != nil {
			t.Fatalf("Report() error = %v", err)
		}
	}
	if fw.has("203.0.113.7") {
		t.Fatalf("address blocked below the block score")
	}

	if err := b.Report(Event{Address: "203.0.113.7", Score: 2, Group: "SSH", Time: testNow}); err != nil {
		t.Fatalf("Report() error = %v", err)
	}
	if !fw.has("203.0.113.7") {
		t.Fatalf("address not blocked at score 6")
	}

	a, err := store.Address("203.0.113.7")
	if err != nil {
		t.Fatalf("Address() error = %v", err)
	}
	if a.ActivityScore != 6 || a.ActivityCount != 3 || !a.IptableRule {
		t.Errorf("record = %+v, want score 6, count 3 with rule", a)
	}
	if a.LastActivity.Unix() != uint64(testNow.Unix()) {
		t.Errorf("LastActivity = %d, want %d", a.LastActivity.Unix(), testNow.Unix())
	}

	if err := b.Report(Event{Address: "203.0.113.7", Score: 1, Time: testNow}); err != nil {
		t.Fatalf("Report() error = %v", err)
	}
	if a, _ := store.Address("203.0.113.7"); a.RefusedCount != 1 {
		t.Errorf("RefusedCount = %d, want 1 for activity while blocked", a.RefusedCount)
	}
}

func TestReportRejectsInvalidAddress(t *testing.T) {
	b, store, _ := newTestBlocker(t, newFakeFirewall(), Policy{BlockScore: 1})

	if err := b.Report(Event{Address: "not-an-ip", Score: 5}); !errors.Is(err, storage.InvalidRecordErr) {
		t.Errorf("Report() error = %v, want %v", err, storage.InvalidRecordErr)
	}
	if n := len(store.Addresses()); n != 0 {
		t.Errorf("invalid address stored: %d records", n)
	}
}

func TestReportFirewallFailure(t *testing.T) {
	fw := newFakeFirewall()
	fw.fail = errors.New("iptables not found")
	b, store, _ := newTestBlocker(t, fw, Policy{BlockScore: 1})

	if err := b.Report(Event{Address: "10.0.0.1", Score: 5, Time: testNow}); err == nil {
		t.Fatalf("Report() returned nil error with failing firewall")
	}
	a, err := store.Address("10.0.0.1")
	if err != nil {
		t.Fatalf("activity must be stored even if blocking fails: %v", err)
	}
	if a.IptableRule {
		t.Errorf("IptableRule set although the firewall failed")
	}
}

func TestWhitelistBlacklist(t *testing.T) {
	fw := newFakeFirewall()
	b, store, _ := newTestBlocker(t, fw, Policy{BlockScore: 5})

	a, err := b.Blacklist("10.0.0.1")
	if err != nil {
		t.Fatalf("Blacklist() error = %v", err)
	}
	if !a.Blacklisted || a.Whitelisted || !a.IptableRule || !fw.has("10.0.0.1") {
		t.Errorf("after Blacklist() record = %+v, rule = %v", a, fw.has("10.0.0.1"))
	}

	a, err = b.Whitelist("10.0.0.1")
	if err != nil {
		t.Fatalf("Whitelist() error = %v", err)
	}
	if a.Blacklisted || !a.Whitelisted || a.IptableRule || fw.has("10.0.0.1") {
		t.Errorf("after Whitelist() record = %+v, rule = %v", a, fw.has("10.0.0.1"))
	}

	if err := b.Report(Event{Address: "10.0.0.1", Score: 100, Time: testNow}); err != nil {
		t.Fatalf("Report() error = %v", err)
	}
	if fw.has("10.0.0.1") {
		t.Errorf("whitelisted address was blocked")
	}

	if err := store.Save(); err != nil {
		t.Fatalf("Save() error = %v", err)
	}
	if err := store.Load(); err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if a, _ := store.Address("10.0.0.1"); !a.Whitelisted || a.ActivityScore != 100 {
		t.Errorf("persisted record = %+v", a)
	}
}

func TestForget(t *testing.T) {
	fw := newFakeFirewall()
	b, store, _ := newTestBlocker(t, fw, Policy{BlockScore: 1})

	if _, err := b.Blacklist("10.0.0.1"); err != nil {
		t.Fatalf("Blacklist() error = %v", err)
	}
	if err := b.Forget("10.0.0.1"); err != nil {
		t.Fatalf("Forget() error = %v", err)
	}
	if fw.has("10.0.0.1") {
		t.Errorf("rule left after Forget()")
	}
	if _, err := store.Address("10.0.0.1"); !errors.Is(err, storage.NotFoundErr) {
		t.Errorf("record left after Forget()")
	}

	if err := b.Forget("10.0.0.1"); !errors.Is(err, storage.NotFoundErr) {
		t.Errorf("Forget() of unknown address error = %v, want %v", err, storage.NotFoundErr)
	}
}

func TestExpire(t *testing.T) {
	fw := newFakeFirewall()
	b, store, _ := newTestBlocker(t, fw, Policy{BlockScore: 1, KeepMultiplier: 60})

	// score 2 keeps the rule for two minutes after the last activity
	old := Event{Address: "10.0.0.1", Score: 2, Time: testNow.Add(-time.Minute)}
	if err := b.Report(old); err != nil {
		t.Fatalf("Report() error = %v", err)
	}
	if _, err := b.Blacklist("10.0.0.2"); err != nil {
		t.Fatalf("Blacklist() error = %v", err)
	}

	if n, err := b.Expire(); err != nil || n != 0 {
		t.Fatalf("Expire() = %d, %v, want 0, nil", n, err)
	}

	b.now = func() time.Time { return testNow.Add(2 * time.Minute) }
	if n, err := b.Expire(); err != nil || n != 1 {
		t.Fatalf("Expire() = %d, %v, want 1, nil", n, err)
	}
	if fw.has("10.0.0.1") || !fw.has("10.0.0.2") {
		t.Errorf("rules after expiry = %v", fw.rules)
	}
	if a, _ := store.Address("10.0.0.1"); a.IptableRule || a.ActivityScore != 2 {
		t.Errorf("expired record = %+v", a)
	}
}

func TestSync(t *testing.T) {
	fw := newFakeFirewall("10.0.0.1", "10.0.0.3")
	b, store, _ := newTestBlocker(t, fw, Policy{BlockScore: 10})

	records := []storage.SuspiciousAddress{
		{Address: "10.0.0.1", ActivityScore: 50, LastActivity: unix_time.Time(testNow)},
		{Address: "10.0.0.2", Blacklisted: true},
		{Address: "10.0.0.3", ActivityScore: 1},
	}
	for _, a := range records {
		if err := store.AddAddress(a); err != nil {
			t.Fatalf("AddAddress() error = %v", err)
		}
	}

	if err := b.Sync(); err != nil {
		t.Fatalf("Sync() error = %v", err)
	}

	want := map[string]bool{"10.0.0.1": true, "10.0.0.2": true, "10.0.0.3": false}
	for ip, rule := range want {
		a, _ := store.Address(ip)
		if a.IptableRule != rule || fw.has(ip) != rule {
			t.Errorf("%v: IptableRule = %v, firewall = %v, want %v", ip, a.IptableRule, fw.has(ip), rule)
		}
	}
}

func TestPersistRecoversMissingRecord(t *testing.T) {
	b, store, path := newTestBlocker(t, newFakeFirewall(), Policy{BlockScore: 100})

	if err := store.AddAddress(storage.SuspiciousAddress{Address: "10.0.0.1"}); err != nil {
		t.Fatalf("AddAddress() error = %v", err)
	}
	if err := os.WriteFile(path, nil, 0644); err != nil {
		t.Fatalf("failed to truncate data file: %v", err)
	}

	if err := b.persist(storage.SuspiciousAddress{Address: "10.0.0.1", ActivityScore: 3}); err != nil {
		t.Fatalf("persist() error = %v", err)
	}

	if err := store.Load(); err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if a, err := store.Address("10.0.0.1"); err != nil || a.ActivityScore != 3 {
		t.Errorf("Address() = %+v, %v, want score 3", a, err)
	}
}

func TestAddSaturating(t *testing.T) {
	if got := addSaturating(1<<32-2, 5); got != 1<<32-1 {
		t.Errorf("addSaturating() = %d, want %d", got, uint32(1<<32-1))
	}
	if got := addSaturating(3, 4); got != 7 {
		t.Errorf("addSaturating() = %d, want 7", got)
	}
}

func TestRefused(t *testing.T) {
	b, store, _ := newTestBlocker(t, newFakeFirewall(), Policy{BlockScore: 100})

	if err := b.Refused("10.0.0.1"); !errors.Is(err, storage.NotFoundErr) {
		t.Errorf("Refused() of unknown address error = %v, want %v", err, storage.NotFoundErr)
	}

	if err := b.Report(Event{Address: "10.0.0.1", Score: 1, Time: testNow}); err != nil {
		t.Fatalf("Report() error = %v", err)
	}
	for i := 0; i < 3; i++ {
		if err := b.Refused("10.0.0.1"); err != nil {
			t.Fatalf("Refused() error = %v", err)
		}
	}
	if a, _ := store.Address("10.0.0.1"); a.RefusedCount != 3 || a.ActivityScore != 1 {
		t.Errorf("record = %+v, want 3 refused connections", a)
	}
}

func TestHousekeep(t *testing.T) {
	fw := newFakeFirewall()
	b, store, _ := newTestBlocker(t, fw, Policy{BlockScore: 1, KeepMultiplier: 1})

	if err := b.Report(Event{Address: "10.0.0.1", Score: 1, Time: testNow}); err != nil {
		t.Fatalf("Report() error = %v", err)
	}
	if !fw.has("10.0.0.1") {
		t.Fatalf("address not blocked")
	}

	b.lock.Lock()
	b.now = func() time.Time { return testNow.Add(time.Minute) }
	b.lock.Unlock()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- b.Housekeep(ctx, 10*time.Millisecond)
	}()

	deadline := time.Now().Add(5 * time.Second)
	for fw.has("10.0.0.1") && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	cancel()

	if err := <-done; err != nil {
		t.Fatalf("Housekeep() error = %v", err)
	}
	if fw.has("10.0.0.1") {
		t.Errorf("rule not expired by housekeeping")
	}
	if a, _ := store.Address("10.0.0.1"); a.IptableRule {
		t.Errorf("IptableRule still set after expiry")
	}
}
