package gateway

import (
	"context"
	"encoding/json"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/BaudehloBiz/jobber-backend/internal/metrics"
	"github.com/BaudehloBiz/jobber-backend/internal/model"
	"github.com/BaudehloBiz/jobber-backend/internal/protocol"
	"github.com/BaudehloBiz/jobber-backend/internal/session"
)

// FanoutChannel is the Redis pub/sub channel bridging lifecycle events
// between broker instances.
const FanoutChannel = "jobber:events"

// relayMessage is the cross-instance wire format. Origin lets an instance
// skip its own publications when they echo back from the channel.
type relayMessage struct {
	Origin string          `json:"origin"`
	Type   string          `json:"type"`
	Data   json.RawMessage `json:"data"`
}

// Fanout delivers push events to every local session and, when a Redis
// client is configured, relays them to other broker instances over pub/sub.
type Fanout struct {
	registry   *session.Registry
	rdb        *redis.Client
	instanceID string
	metrics    *metrics.Metrics
	logger     *zap.Logger
}

// NewFanout creates a fanout. rdb may be nil, in which case events only
// reach sessions connected to this instance.
func NewFanout(registry *session.Registry, rdb *redis.Client, m *metrics.Metrics, logger *zap.Logger) *Fanout {
	return &Fanout{
		registry:   registry,
		rdb:        rdb,
		instanceID: uuid.NewString(),
		metrics:    m,
		logger:     logger,
	}
}

// Broadcast pushes an event to all local sessions and relays it to peer
// instances. Relay failures are logged and dropped; event delivery is best
// effort by design of the protocol.
func (f *Fanout) Broadcast(ctx context.Context, eventType string, data any) {
	env, err := protocol.NewEvent(eventType, data)
	if err != nil {
		f.logger.Error("failed to encode event",
			zap.String("event", eventType),
			zap.Error(err))
		return
	}

	f.deliverLocal(env)

	if f.rdb == nil {
		return
	}

	relay, err := json.Marshal(relayMessage{
		Origin: f.instanceID,
		Type:   eventType,
		Data:   env.Data,
	})
	if err != nil {
		f.logger.Error("failed to encode relay message",
			zap.String("event", eventType),
			zap.Error(err))
		return
	}

	if err := f.rdb.Publish(ctx, FanoutChannel, relay).Err(); err != nil {
		f.logger.Warn("failed to relay event",
			zap.String("event", eventType),
			zap.Error(err))
	}
}

func (f *Fanout) deliverLocal(env *protocol.Envelope) {
	f.metrics.RecordFanoutEvent(env.Type)
	f.registry.ForEach(func(connID string, sess *model.Session) {
		if !sess.TrySend(env) {
			f.metrics.RecordDroppedPush()
			f.logger.Warn("dropped push event",
				zap.String("event", env.Type),
				zap.String("session_id", sess.ID))
		}
	})
}

// Run subscribes to the relay channel and delivers peer events to local
// sessions until ctx is cancelled. It returns immediately when no Redis
// client is configured.
func (f *Fanout) Run(ctx context.Context) error {
	if f.rdb == nil {
		return nil
	}

	pubsub := f.rdb.Subscribe(ctx, FanoutChannel)
	defer pubsub.Close()

	f.logger.Info("fanout relay started",
		zap.String("channel", FanoutChannel),
		zap.String("instance_id", f.instanceID))

	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			f.handleRelay(msg.Payload)
		}
	}
}

func (f *Fanout) handleRelay(payload string) {
	var relay relayMessage
	if err := json.Unmarshal([]byte(payload), &relay); err != nil {
		f.logger.Warn("discarding malformed relay message", zap.Error(err))
		return
	}
	if relay.Origin == f.instanceID {
		return
	}
	f.deliverLocal(&protocol.Envelope{Type: relay.Type, Data: relay.Data})
}
