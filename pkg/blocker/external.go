package blocker

import (
	"bytes"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"
	"github.com/timanema/hostblock/pkg/config"
	"github.com/timanema/hostblock/pkg/storage"
	"github.com/timanema/hostblock/pkg/unix_time"
)

type externalRequest struct {
	Event string `json:"event"`
	storage.SuspiciousAddress
	Blocked bool            `json:"blocked"`
	Until   *unix_time.Time `json:"until,omitempty"`
}

// Notifier posts block and unblock events to the configured webhooks. Requests
// run in the background, failures are only logged.
type Notifier struct {
	hooks  []config.Webhook
	client *http.Client
	log    *log.Logger

	wg sync.WaitGroup
}

func NewNotifier(hooks []config.Webhook) *Notifier {
	return &Notifier{
		hooks:  hooks,
		client: &http.Client{Timeout: 10 * time.Second},
		log:    log.Default().WithPrefix("webhook"),
	}
}

// Notify sends the state of a to every webhook and returns the event id.
func (n *Notifier) Notify(a storage.SuspiciousAddress, policy Policy) string {
	id := uuid.NewString()
	if len(n.hooks) == 0 {
		return id
	}

	req := externalRequest{
		Event:             id,
		SuspiciousAddress: a,
		Blocked:           a.IptableRule,
	}
	if a.IptableRule && !a.Blacklisted && policy.KeepMultiplier > 0 {
		until := unix_time.Time(policy.Until(a))
		req.Until = &until
	}

	marshalledReq, err := json.Marshal(req)
	if err != nil {
		n.log.Error("unable to marshal request", "event", id, "error", err)
		return id
	}

	n.log.Debug("notifying webhooks", "count", len(n.hooks), "address", a.Address, "blocked", req.Blocked, "event", id)
	for _, hook := range n.hooks {
		hook := hook

		n.wg.Add(1)
		go func() {
			defer n.wg.Done()

			r, err := http.NewRequest(hook.Method, hook.Address, bytes.NewReader(marshalledReq))
			if err != nil {
				n.log.Error("failed to create request", "webhook", hook.Address, "event", id, "error", err)
				return
			}
			r.Header.Set("Content-Type", "application/json")

			resp, err := n.client.Do(r)
			if err != nil {
				n.log.Error("failed to notify webhook", "webhook", hook.Address, "method", hook.Method, "event", id, "error", err)
				return
			}
			defer resp.Body.Close()

			if resp.StatusCode < 200 || resp.StatusCode > 299 {
				n.log.Warn("webhook notified, but reacted with unexpected status", "webhook", hook.Address, "event", id, "status", resp.StatusCode)
			}
		}()
	}

	return id
}

// Wait blocks until all pending notifications are done.
func (n *Notifier) Wait() {
	n.wg.Wait()
}
