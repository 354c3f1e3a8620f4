// Package emergency owns the distress-signal lifecycle: a cancellable
// pre-send countdown, dual-path delivery, and resolution.
package emergency

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/trailsense/fieldtrack/internal/wire"
	"github.com/trailsense/fieldtrack/pkg/logger"
)

// triggerTimeout bounds the work done by an expiring countdown, which
// has no caller context to inherit.
const triggerTimeout = 30 * time.Second

// Transport is the slice of the transport client the coordinator
// needs: the primary delivery path plus server push subscriptions.
type Transport interface {
	Send(msg wire.Message) bool
	Subscribe(t wire.MessageType, h func(wire.Message)) func()
}

// Locator provides the one-shot position fetch used right before a
// distress signal, and the last emitted position as a fallback fix.
type Locator interface {
	Current(ctx context.Context) (wire.PositionReading, error)
	LastEmitted() (wire.PositionReading, bool)
}

// Coordinator triggers distress signals over the persistent connection
// and the fallback REST path in parallel, favoring latency and
// redundancy over exactly-once delivery.
type Coordinator struct {
	logger    *logger.Logger
	transport Transport
	api       *APIClient
	locator   Locator
	owner     string
	userName  string

	mu            sync.Mutex
	active        *wire.EmergencySignal
	serverIDKnown bool // active.ID is the server's, not the optimistic local one
	countdown     *time.Timer
	countdownGen  uint64
	unsubscribe   func()
}

// NewCoordinator wires a coordinator to its delivery paths and starts
// listening for server-side lifecycle pushes.
func NewCoordinator(t Transport, api *APIClient, locator Locator, owner, userName string, log *logger.Logger) *Coordinator {
	if log == nil {
		log = logger.GetGlobalLogger()
	}
	c := &Coordinator{
		logger:    log.WithComponent("emergency").WithUserID(owner),
		transport: t,
		api:       api,
		locator:   locator,
		owner:     owner,
		userName:  userName,
	}
	c.unsubscribe = t.Subscribe(wire.TypeSOS, c.onServerPush)
	return c
}

// Close detaches the coordinator from the transport.
func (c *Coordinator) Close() {
	if c.unsubscribe != nil {
		c.unsubscribe()
	}
}

// Active returns a copy of the outstanding signal, if any.
func (c *Coordinator) Active() (wire.EmergencySignal, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.active == nil {
		return wire.EmergencySignal{}, false
	}
	return *c.active, true
}

// Trigger fires a distress signal: one high-accuracy fix, then both
// delivery paths issued concurrently. The locally constructed signal
// becomes active immediately, independent of which path lands first.
// The returned error is non-nil only when both paths failed within the
// call; the optimistic signal stays active regardless, so the caller
// can retry or resolve it.
func (c *Coordinator) Trigger(ctx context.Context, kind wire.SignalKind, message string) (wire.EmergencySignal, error) {
	c.mu.Lock()
	if c.active != nil && !c.active.Status.Terminal() {
		existing := *c.active
		c.mu.Unlock()
		c.logger.Debug("trigger ignored, signal already active", zap.String("signal_id", existing.ID))
		return existing, nil
	}
	c.mu.Unlock()

	reading := c.bestFix(ctx)

	signal := wire.EmergencySignal{
		ID:          uuid.NewString(),
		OwnerUserID: c.owner,
		Kind:        kind,
		Status:      wire.StatusActive,
		Latitude:    reading.Latitude,
		Longitude:   reading.Longitude,
		Message:     message,
		CreatedAt:   time.Now().UTC(),
	}

	c.mu.Lock()
	copied := signal
	c.active = &copied
	c.serverIDKnown = false
	c.mu.Unlock()

	payload := wire.SOSPayload{
		Message:   message,
		Latitude:  reading.Latitude,
		Longitude: reading.Longitude,
		UserName:  c.userName,
	}

	var (
		wg        sync.WaitGroup
		wsOK      bool
		apiErr    error
		apiSignal *wire.EmergencySignal
	)
	wg.Add(2)
	go func() {
		defer wg.Done()
		wsOK = c.transport.Send(wire.MustMessage(wire.TypeSOS, payload))
	}()
	go func() {
		defer wg.Done()
		apiSignal, apiErr = c.api.CreateSOS(ctx, kind, payload)
	}()
	wg.Wait()

	c.logger.Info("distress signal issued",
		zap.String("signal_id", signal.ID),
		zap.String("kind", string(kind)),
		zap.Bool("ws_delivered", wsOK),
		zap.Bool("fallback_delivered", apiErr == nil))

	if apiErr == nil && apiSignal != nil {
		c.reconcile(apiSignal)
	}

	c.mu.Lock()
	result := *c.active
	c.mu.Unlock()

	if !wsOK && apiErr != nil {
		return result, wire.WrapError(apiErr, wire.CodeConnectivity, "both delivery paths failed")
	}
	return result, nil
}

// bestFix fetches a fresh high-accuracy reading, falling back to the
// last emitted position. Delivery beats accuracy for an SOS: a zero
// fix is still sent when nothing better exists.
func (c *Coordinator) bestFix(ctx context.Context) wire.PositionReading {
	reading, err := c.locator.Current(ctx)
	if err == nil {
		return reading
	}
	c.logger.Warn("one-shot fix failed before SOS, using last known position", zap.Error(err))
	if last, ok := c.locator.LastEmitted(); ok {
		return last
	}
	return wire.PositionReading{CapturedAt: time.Now().UnixMilli()}
}

// reconcile adopts the server's authoritative id and status.
func (c *Coordinator) reconcile(server *wire.EmergencySignal) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.active == nil {
		return
	}
	if server.ID != "" {
		c.active.ID = server.ID
		c.serverIDKnown = true
	}
	if server.Status != "" && server.Status != c.active.Status {
		if err := c.active.Advance(server.Status); err == nil && server.Status.Terminal() {
			c.active = nil
		}
	}
}

// StartCountdown arms a pre-send countdown that calls Trigger on
// expiry. Only one countdown runs at a time: starting a new one
// implicitly cancels any prior countdown.
func (c *Coordinator) StartCountdown(d time.Duration, kind wire.SignalKind, message string) {
	c.mu.Lock()
	if c.countdown != nil {
		c.countdown.Stop()
	}
	c.countdownGen++
	gen := c.countdownGen
	c.countdown = time.AfterFunc(d, func() {
		c.mu.Lock()
		if c.countdownGen != gen {
			c.mu.Unlock()
			return
		}
		c.countdown = nil
		c.mu.Unlock()

		ctx, cancel := context.WithTimeout(context.Background(), triggerTimeout)
		defer cancel()
		if _, err := c.Trigger(ctx, kind, message); err != nil {
			c.logger.Error("countdown-triggered SOS failed on both paths", zap.Error(err))
		}
	})
	c.mu.Unlock()
	c.logger.Info("SOS countdown started", zap.Duration("delay", d))
}

// CancelCountdown stops a pending countdown. Cancelling twice, or
// after expiry, is a no-op.
func (c *Coordinator) CancelCountdown() {
	c.mu.Lock()
	if c.countdown != nil {
		c.countdown.Stop()
		c.countdown = nil
		c.countdownGen++
		c.logger.Info("SOS countdown cancelled")
	}
	c.mu.Unlock()
}

// Resolve marks the active signal terminal through the fallback path
// only (the persistent connection has no resolution path), then clears
// local state.
func (c *Coordinator) Resolve(ctx context.Context, reason wire.SignalStatus) error {
	if !reason.Terminal() {
		return wire.NewError(wire.CodeInvalidTransition, "resolve reason must be terminal, got %s", reason)
	}

	c.mu.Lock()
	if c.active == nil {
		c.mu.Unlock()
		return wire.NewError(wire.CodeInvalidTransition, "no active signal to resolve")
	}
	id := c.active.ID
	c.mu.Unlock()

	if err := c.api.Resolve(ctx, id, reason); err != nil {
		return err
	}

	c.mu.Lock()
	if c.active != nil && c.active.ID == id {
		_ = c.active.Advance(reason)
		c.active = nil
	}
	c.mu.Unlock()

	c.logger.Info("distress signal resolved",
		zap.String("signal_id", id),
		zap.String("reason", string(reason)))
	return nil
}

// ResumeActive checks the fallback surface for a signal that outlived
// a restart and re-adopts it as the active signal.
func (c *Coordinator) ResumeActive(ctx context.Context) error {
	signal, err := c.api.ActiveSignal(ctx)
	if err != nil {
		return err
	}
	if signal == nil {
		return nil
	}

	c.mu.Lock()
	c.active = signal
	c.serverIDKnown = true
	c.mu.Unlock()

	c.logger.Info("resumed outstanding distress signal",
		zap.String("signal_id", signal.ID),
		zap.String("status", string(signal.Status)))
	return nil
}

// onServerPush advances the local signal from server-side lifecycle
// updates arriving over the persistent connection. Illegal moves are
// ignored; a terminal move clears local state.
func (c *Coordinator) onServerPush(msg wire.Message) {
	var payload wire.SOSStatusPayload
	if err := msg.DecodeData(&payload); err != nil {
		c.logger.Warn("dropping malformed SOS push", zap.Error(err))
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.active == nil {
		return
	}
	if payload.ID != "" {
		// Adopt the server's id only while ours is still the optimistic
		// local one; once the authoritative id is known, pushes for any
		// other signal are not ours.
		if c.serverIDKnown && payload.ID != c.active.ID {
			c.logger.Debug("ignoring lifecycle push for a different signal",
				zap.String("push_id", payload.ID),
				zap.String("active_id", c.active.ID))
			return
		}
		c.active.ID = payload.ID
		c.serverIDKnown = true
	}
	if payload.ResponderID != "" {
		c.active.ResponderID = payload.ResponderID
	}
	if payload.Status == "" || payload.Status == c.active.Status {
		return
	}
	if err := c.active.Advance(payload.Status); err != nil {
		c.logger.Warn("ignoring illegal signal transition from server",
			zap.String("from", string(c.active.Status)),
			zap.String("to", string(payload.Status)))
		return
	}
	c.logger.Info("signal status advanced by server",
		zap.String("signal_id", c.active.ID),
		zap.String("status", string(c.active.Status)))
	if c.active.Status.Terminal() {
		c.active = nil
	}
}
