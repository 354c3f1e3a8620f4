// Package session composes the transport client, the position sampler
// and the durability queue into one tracking session, the single entry
// point UI code uses.
package session

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/trailsense/fieldtrack/internal/queue"
	"github.com/trailsense/fieldtrack/internal/sampler"
	"github.com/trailsense/fieldtrack/internal/wire"
	"github.com/trailsense/fieldtrack/pkg/logger"
)

// Topics published on the observer bus.
const (
	TopicConnectionState = "tracking.connection_state"
	TopicAcks            = "tracking.acks"
	TopicAlerts          = "tracking.alerts"
	TopicGroupUpdates    = "tracking.group_updates"
)

// commandTimeout bounds the one-shot fix a server command requests.
const commandTimeout = 15 * time.Second

// Transport is the slice of the transport client the orchestrator
// composes.
type Transport interface {
	Connect(ctx context.Context, session wire.SessionConfig) error
	Close() error
	Send(msg wire.Message) bool
	State() wire.ConnectionState
	OnStateChange(fn func(wire.ConnectionState)) func()
	Subscribe(t wire.MessageType, h func(wire.Message)) func()
}

// StateEvent is the payload published on TopicConnectionState.
type StateEvent struct {
	State     string `json:"state"`
	SessionID string `json:"session_id"`
	At        string `json:"at"`
}

// Orchestrator starts and stops a tracking session as one unit and
// surfaces inbound server traffic to observers. All collaborators are
// injected so multiple isolated sessions can coexist in one process.
type Orchestrator struct {
	logger    *logger.Logger
	transport Transport
	sampler   *sampler.Sampler
	queue     *queue.Queue
	bus       *gochannel.GoChannel
	userName  string

	mu        sync.Mutex
	running   bool
	sessionID string
	unsubs    []func()
}

// New creates a stopped orchestrator.
func New(t Transport, s *sampler.Sampler, q *queue.Queue, userName string, log *logger.Logger) *Orchestrator {
	if log == nil {
		log = logger.GetGlobalLogger()
	}
	return &Orchestrator{
		logger:    log.WithComponent("session"),
		transport: t,
		sampler:   s,
		queue:     q,
		bus:       gochannel.NewGoChannel(gochannel.Config{OutputChannelBuffer: 64}, watermill.NopLogger{}),
		userName:  userName,
	}
}

// StartSession connects the transport, then starts the sampler with a
// handler that sends each reading and enqueues it into the durability
// queue only when the send failed. Either sub-step failing unwinds the
// other.
func (o *Orchestrator) StartSession(ctx context.Context, cfg wire.SessionConfig) error {
	if err := cfg.Validate(); err != nil {
		return err
	}

	o.mu.Lock()
	if o.running {
		o.mu.Unlock()
		return wire.NewError(wire.CodeConfig, "session already running")
	}
	sessionID := uuid.NewString()
	o.sessionID = sessionID
	o.mu.Unlock()

	log := o.logger.WithSessionID(sessionID)

	if err := o.transport.Connect(ctx, cfg); err != nil {
		return err
	}

	if err := o.sampler.Start(ctx, cfg, o.handleReading); err != nil {
		// Unwind the transport so a half-started session leaves
		// nothing running.
		_ = o.transport.Close()
		return err
	}

	o.mu.Lock()
	o.running = true
	o.unsubs = []func(){
		o.transport.OnStateChange(o.onStateChange),
		o.transport.Subscribe(wire.TypeCommand, o.onCommand),
		o.transport.Subscribe(wire.TypeAck, o.forwardTo(TopicAcks)),
		o.transport.Subscribe(wire.TypeAlert, o.forwardTo(TopicAlerts)),
		o.transport.Subscribe(wire.TypeGroupUpdate, o.forwardTo(TopicGroupUpdates)),
	}
	o.mu.Unlock()

	// Anything stranded by a previous run drains now.
	if err := o.queue.Flush(ctx, o.transport); err != nil {
		log.Warn("initial queue flush failed", zap.Error(err))
	}

	log.Info("tracking session started",
		zap.String("role", string(cfg.Role)),
		zap.String("group_id", cfg.GroupID))
	return nil
}

// StopSession stops the sampler first, then disconnects the transport.
// The order matters: stopping the transport first could let a late
// reading be enqueued forever with no flush path.
func (o *Orchestrator) StopSession() {
	o.mu.Lock()
	if !o.running {
		o.mu.Unlock()
		return
	}
	o.running = false
	unsubs := o.unsubs
	o.unsubs = nil
	o.mu.Unlock()

	o.sampler.Stop()
	for _, unsub := range unsubs {
		unsub()
	}
	_ = o.transport.Close()
	o.logger.Info("tracking session stopped")
}

// Close releases the observer bus; the orchestrator is unusable
// afterwards.
func (o *Orchestrator) Close() error {
	o.StopSession()
	return o.bus.Close()
}

// State returns the transport's connection state.
func (o *Orchestrator) State() wire.ConnectionState {
	return o.transport.State()
}

// Events subscribes an observer to one of the bus topics.
func (o *Orchestrator) Events(ctx context.Context, topic string) (<-chan *message.Message, error) {
	return o.bus.Subscribe(ctx, topic)
}

// handleReading is the sampler's delivery path: send over the
// transport, enqueue on failure.
func (o *Orchestrator) handleReading(r wire.PositionReading) {
	msg, err := wire.NewMessage(wire.TypeLocation, wire.NewLocationPayload(r, o.userName))
	if err != nil {
		o.logger.Error("failed to encode reading", zap.Error(err))
		return
	}
	if !o.transport.Send(msg) {
		o.queue.Enqueue(context.Background(), r)
	}
}

// onStateChange publishes the state to observers and drains the
// durability queue whenever the transport (re)connects.
func (o *Orchestrator) onStateChange(s wire.ConnectionState) {
	o.mu.Lock()
	sessionID := o.sessionID
	running := o.running
	o.mu.Unlock()

	o.publish(TopicConnectionState, StateEvent{
		State:     s.String(),
		SessionID: sessionID,
		At:        time.Now().UTC().Format(time.RFC3339),
	})

	if s == wire.StateConnected && running {
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), commandTimeout)
			defer cancel()
			if err := o.queue.Flush(ctx, o.transport); err != nil {
				o.logger.Warn("queue flush after reconnect failed", zap.Error(err))
			}
		}()
	}
}

// onCommand routes server instructions to local actions without
// restarting the session.
func (o *Orchestrator) onCommand(msg wire.Message) {
	var cmd wire.CommandPayload
	if err := msg.DecodeData(&cmd); err != nil {
		o.logger.Warn("dropping malformed command", zap.Error(err))
		return
	}

	switch cmd.Name {
	case wire.CommandSendLocation:
		go o.sendImmediateLocation()
	default:
		o.logger.Debug("ignoring unknown server command", zap.String("name", cmd.Name))
	}
}

// sendImmediateLocation serves a "send your location now" command with
// a one-shot high-accuracy fix, bypassing the displacement filter.
func (o *Orchestrator) sendImmediateLocation() {
	ctx, cancel := context.WithTimeout(context.Background(), commandTimeout)
	defer cancel()

	reading, err := o.sampler.Current(ctx)
	if err != nil {
		o.logger.Warn("immediate location fetch failed", zap.Error(err))
		return
	}
	o.handleReading(reading)
}

// forwardTo republishes an inbound envelope on a bus topic.
func (o *Orchestrator) forwardTo(topic string) func(wire.Message) {
	return func(msg wire.Message) {
		o.publish(topic, msg)
	}
}

func (o *Orchestrator) publish(topic string, payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		o.logger.Error("failed to encode bus event", zap.Error(err))
		return
	}
	if err := o.bus.Publish(topic, message.NewMessage(watermill.NewUUID(), data)); err != nil {
		o.logger.Warn("failed to publish bus event", zap.String("topic", topic), zap.Error(err))
	}
}
