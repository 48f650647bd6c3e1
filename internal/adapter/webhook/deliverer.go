// Package webhook delivers gateway events to subscriber endpoints with
// HMAC signing and exponential retry. Delivery is at-least-once; each
// attempt is recorded so operators can audit what a subscriber saw.
package webhook

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/sevrin/gantry/internal/core/domain"
	"github.com/sevrin/gantry/internal/core/ports"
	"github.com/sevrin/gantry/internal/logger"
	"github.com/sevrin/gantry/internal/util"
	"github.com/sevrin/gantry/internal/version"
)

const (
	DefaultDeliveryTimeout = 30 * time.Second

	signatureHeader = "X-Signature-256"
	storeTimeout    = 5 * time.Second
)

// Deliverer fans events out to webhook subscriptions.
type Deliverer struct {
	store  ports.WebhookStore
	bus    ports.EventSubscriber
	client *http.Client
	log    *logger.StyledLogger
	now    func() time.Time

	mu      sync.Mutex
	timers  map[string]*time.Timer
	stopped bool

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewDeliverer(store ports.WebhookStore, bus ports.EventSubscriber, log *logger.StyledLogger) *Deliverer {
	return &Deliverer{
		store:  store,
		bus:    bus,
		client: &http.Client{},
		log:    log,
		now:    time.Now,
		timers: make(map[string]*time.Timer),
	}
}

// Start subscribes to the full event stream and dispatches deliveries
// until Stop is called.
func (d *Deliverer) Start(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(context.Background())
	d.cancel = cancel

	events, unsubscribe := d.bus.Subscribe(runCtx)
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		defer unsubscribe()
		for {
			select {
			case <-runCtx.Done():
				return
			case ev, open := <-events:
				if !open {
					return
				}
				d.dispatch(runCtx, ev)
			}
		}
	}()
	return nil
}

// Stop cancels the subscription and every pending retry timer, then
// waits for in-flight deliveries.
func (d *Deliverer) Stop(ctx context.Context) error {
	d.mu.Lock()
	d.stopped = true
	for key, timer := range d.timers {
		// A timer that had not fired still holds a waitgroup slot.
		if timer.Stop() {
			d.wg.Done()
		}
		delete(d.timers, key)
	}
	d.mu.Unlock()

	if d.cancel != nil {
		d.cancel()
	}

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// TestDelivery sends a synthetic "test" event through the normal
// delivery path, bypassing the bus, and returns the first attempt's
// record.
func (d *Deliverer) TestDelivery(ctx context.Context, sub *domain.WebhookSubscription) (*domain.DeliveryRecord, error) {
	ev := domain.NewEvent(domain.EventTest, "", map[string]any{
		"message": "webhook test delivery",
	})
	body, err := marshalPayload(ev)
	if err != nil {
		return nil, err
	}
	rec := d.attempt(ctx, sub, ev.Type, body, 1)
	return rec, nil
}

// dispatch fans one event out to every matching subscription in
// parallel. The bus read loop never waits on subscriber I/O.
func (d *Deliverer) dispatch(ctx context.Context, ev domain.Event) {
	listCtx, cancel := context.WithTimeout(ctx, storeTimeout)
	subs, err := d.store.ListSubscriptions(listCtx)
	cancel()
	if err != nil {
		d.log.Error("webhook subscription list failed", "error", err.Error())
		return
	}

	body, err := marshalPayload(ev)
	if err != nil {
		d.log.Error("webhook payload marshal failed", "type", string(ev.Type), "error", err.Error())
		return
	}

	for _, sub := range subs {
		if !sub.Matches(ev) {
			continue
		}
		d.wg.Add(1)
		go func(sub *domain.WebhookSubscription) {
			defer d.wg.Done()
			d.deliver(ctx, sub, ev.Type, body, 1)
		}(sub)
	}
}

// deliver runs one attempt and schedules the next on failure. Attempt
// n+1 fires after retryDelay doubled per prior attempt.
func (d *Deliverer) deliver(ctx context.Context, sub *domain.WebhookSubscription, eventType domain.EventType, body []byte, attempt int) {
	rec := d.attempt(ctx, sub, eventType, body, attempt)
	if rec.Status == domain.DeliverySuccess || attempt > sub.RetryCount {
		return
	}

	delay := util.CalculateExponentialBackoff(attempt, sub.RetryDelay, util.DefaultMaxBackoff, 0)
	key := fmt.Sprintf("%s-%d", sub.ID, d.now().UnixMilli())

	d.mu.Lock()
	if d.stopped {
		d.mu.Unlock()
		return
	}
	d.wg.Add(1)
	d.timers[key] = time.AfterFunc(delay, func() {
		defer d.wg.Done()
		d.mu.Lock()
		delete(d.timers, key)
		stopped := d.stopped
		d.mu.Unlock()
		if stopped {
			return
		}
		d.deliver(ctx, sub, eventType, body, attempt+1)
	})
	d.mu.Unlock()
}

// attempt executes one signed POST and records the outcome.
func (d *Deliverer) attempt(ctx context.Context, sub *domain.WebhookSubscription, eventType domain.EventType, body []byte, attempt int) *domain.DeliveryRecord {
	timeout := sub.Timeout
	if timeout <= 0 {
		timeout = DefaultDeliveryTimeout
	}

	rec := &domain.DeliveryRecord{
		ID:             uuid.NewString(),
		SubscriptionID: sub.ID,
		EventType:      eventType,
		Payload:        body,
		Attempt:        attempt,
		Status:         domain.DeliveryFailed,
		CreatedAt:      d.now().UTC(),
	}

	started := d.now()
	status, respBody, err := d.post(ctx, sub, eventType, body, timeout)
	rec.Duration = d.now().Sub(started)

	switch {
	case err != nil:
		rec.Error = err.Error()
	default:
		rec.StatusCode = status
		rec.ResponseBody = respBody
		if status >= 200 && status < 300 {
			rec.Status = domain.DeliverySuccess
		} else {
			rec.Error = fmt.Sprintf("endpoint returned %d", status)
		}
	}

	recCtx, cancel := context.WithTimeout(context.Background(), storeTimeout)
	if err := d.store.RecordDelivery(recCtx, rec); err != nil {
		d.log.Error("webhook delivery record failed", "subscription_id", sub.ID, "error", err.Error())
	}
	cancel()

	if rec.Status == domain.DeliverySuccess {
		d.log.Debug("webhook delivered", "subscription_id", sub.ID, "type", string(eventType), "attempt", attempt)
	} else {
		d.log.Warn("webhook delivery failed", "subscription_id", sub.ID, "type", string(eventType),
			"attempt", attempt, "error", rec.Error)
	}
	return rec
}

func (d *Deliverer) post(ctx context.Context, sub *domain.WebhookSubscription, eventType domain.EventType, body []byte, timeout time.Duration) (int, string, error) {
	reqCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, sub.URL, bytes.NewReader(body))
	if err != nil {
		return 0, "", err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", version.Name+"/1")
	req.Header.Set("X-Webhook-ID", sub.ID)
	req.Header.Set("X-Event-Type", string(eventType))
	if sub.Secret != "" {
		req.Header.Set(signatureHeader, "sha256="+Sign(sub.Secret, body))
	}

	resp, err := d.client.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(reqCtx.Err(), context.DeadlineExceeded) {
			return 0, "", fmt.Errorf("Request timeout after %dms", timeout.Milliseconds())
		}
		return 0, "", err
	}
	defer resp.Body.Close()

	// Persist at most 1 KiB of the response per attempt.
	truncated, _ := io.ReadAll(io.LimitReader(resp.Body, domain.MaxDeliveryBodyBytes))
	io.Copy(io.Discard, resp.Body)
	return resp.StatusCode, string(truncated), nil
}

// Sign computes the lower-hex HMAC-SHA256 of the exact POST body.
func Sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// marshalPayload renders the delivery body: the event tag, an ISO-8601
// timestamp, and the remaining fields under "data".
func marshalPayload(ev domain.Event) ([]byte, error) {
	return json.Marshal(map[string]any{
		"event":     string(ev.Type),
		"timestamp": ev.Timestamp.UTC().Format(time.RFC3339Nano),
		"data":      ev.PayloadWithoutTypeAndTimestamp(),
	})
}
