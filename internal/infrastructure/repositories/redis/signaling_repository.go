package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"paircall/internal/core/domain"
	"paircall/internal/core/ports"
	"paircall/pkg/retry"
	"paircall/pkg/tracing"
)

// recordEvent is published on the room's event channel after every write so
// other subscribed clients observe the new record state without polling.
// Origin carries the writing client's instance id: a subscriber receiving its
// own origin is looking at an echo of a local write.
type recordEvent struct {
	Origin  string                 `json:"origin"`
	Removed bool                   `json:"removed,omitempty"`
	Record  domain.SignalingRecord `json:"record"`
}

// SignalingRepository stores one record per room as a JSON value and fans out
// record changes over pub/sub. Records carry a TTL so rooms orphaned by
// crashed clients age out on their own.
type SignalingRepository struct {
	client     *redis.Client
	keyPrefix  string
	recordTTL  time.Duration
	instanceID string
	retryCfg   retry.Config
	logger     *zap.SugaredLogger
}

func NewSignalingRepository(client *redis.Client, keyPrefix string, recordTTL time.Duration, logger *zap.SugaredLogger) *SignalingRepository {
	return &SignalingRepository{
		client:     client,
		keyPrefix:  keyPrefix,
		recordTTL:  recordTTL,
		instanceID: uuid.NewString(),
		retryCfg:   retry.DefaultConfig(),
		logger:     logger,
	}
}

func (r *SignalingRepository) recordKey(roomID domain.RoomID) string {
	return r.keyPrefix + string(roomID)
}

func (r *SignalingRepository) eventsKey(roomID domain.RoomID) string {
	return r.recordKey(roomID) + ":events"
}

// Create writes a fresh record holding the offer. SET NX is the conflict
// detector: losing the race surfaces as domain.ErrRecordExists, which callers
// use to fold a simultaneous initiator into the receiver role.
func (r *SignalingRepository) Create(ctx context.Context, roomID domain.RoomID, offer string) error {
	ctx, span := tracing.TraceSignaling(ctx, "create", string(roomID))
	defer span.End()

	record := domain.SignalingRecord{
		Offer:     offer,
		CreatedAt: time.Now().UTC(),
	}

	data, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("failed to marshal signaling record: %w", err)
	}

	ok, err := r.client.SetNX(ctx, r.recordKey(roomID), data, r.recordTTL).Result()
	if err != nil {
		err = fmt.Errorf("%w: create record for room %s: %v", domain.ErrChannelWrite, roomID, err)
		tracing.RecordError(ctx, err)
		return err
	}
	if !ok {
		return fmt.Errorf("%w: room %s", domain.ErrRecordExists, roomID)
	}

	r.publish(ctx, roomID, recordEvent{Origin: r.instanceID, Record: record})
	return nil
}

// PutAnswer merges the answer into the existing record, preserving its TTL.
func (r *SignalingRepository) PutAnswer(ctx context.Context, roomID domain.RoomID, answer string) error {
	ctx, span := tracing.TraceSignaling(ctx, "put_answer", string(roomID))
	defer span.End()

	record, err := r.Get(ctx, roomID)
	if err != nil {
		tracing.RecordError(ctx, err)
		return err
	}

	record.Answer = answer
	data, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("failed to marshal signaling record: %w", err)
	}

	if err := r.client.Set(ctx, r.recordKey(roomID), data, redis.KeepTTL).Err(); err != nil {
		err = fmt.Errorf("%w: put answer for room %s: %v", domain.ErrChannelWrite, roomID, err)
		tracing.RecordError(ctx, err)
		return err
	}

	r.publish(ctx, roomID, recordEvent{Origin: r.instanceID, Record: *record})
	return nil
}

func (r *SignalingRepository) Get(ctx context.Context, roomID domain.RoomID) (*domain.SignalingRecord, error) {
	data, err := r.client.Get(ctx, r.recordKey(roomID)).Bytes()
	if err == redis.Nil {
		return nil, fmt.Errorf("%w: room %s", domain.ErrRecordNotFound, roomID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get signaling record for room %s: %w", roomID, err)
	}

	var record domain.SignalingRecord
	if err := json.Unmarshal(data, &record); err != nil {
		return nil, fmt.Errorf("failed to unmarshal signaling record for room %s: %w", roomID, err)
	}
	return &record, nil
}

func (r *SignalingRepository) Delete(ctx context.Context, roomID domain.RoomID) error {
	ctx, span := tracing.TraceSignaling(ctx, "delete", string(roomID))
	defer span.End()

	if err := r.client.Del(ctx, r.recordKey(roomID)).Err(); err != nil {
		tracing.RecordError(ctx, err)
		return fmt.Errorf("failed to delete signaling record for room %s: %w", roomID, err)
	}

	r.publish(ctx, roomID, recordEvent{Origin: r.instanceID, Removed: true})
	return nil
}

// Subscribe delivers the room's current record (if any) as the first
// snapshot, then every published change. The store contract promises no
// ordering or delivery guarantees, so a publish storm is handled by dropping
// excess events rather than queueing them.
func (r *SignalingRepository) Subscribe(ctx context.Context, roomID domain.RoomID, fn func(domain.RecordSnapshot)) (ports.Unsubscribe, error) {
	pubsub := r.client.Subscribe(ctx, r.eventsKey(roomID))

	// Confirm the subscription is active before reporting success; transient
	// connection errors are retried with backoff.
	err := retry.Retry(ctx, r.retryCfg, func() error {
		_, err := pubsub.Receive(ctx)
		return err
	})
	if err != nil {
		_ = pubsub.Close()
		return nil, fmt.Errorf("failed to subscribe to room %s: %w", roomID, err)
	}

	if record, err := r.Get(ctx, roomID); err == nil {
		fn(domain.RecordSnapshot{RoomID: roomID, Record: *record})
	}

	go r.fanOut(roomID, pubsub.Channel(), fn)

	// Unsubscribing must never wait for the fan-out goroutine: sessions tear
	// themselves down from inside snapshot deliveries, so a join here would
	// deadlock against the very delivery that triggered it. Closing the
	// pub/sub connection stops delivery and ends the goroutine on its own.
	return func() {
		if err := pubsub.Close(); err != nil {
			r.logger.Debugw("pubsub close", "room_id", roomID, "error", err)
		}
	}, nil
}

// fanOut delivers published events to fn until the message channel closes.
func (r *SignalingRepository) fanOut(roomID domain.RoomID, msgs <-chan *redis.Message, fn func(domain.RecordSnapshot)) {
	limiter := rate.NewLimiter(rate.Limit(20), 40)

	for msg := range msgs {
		if !limiter.Allow() {
			r.logger.Debugw("dropping signaling event, rate limit exceeded", "room_id", roomID)
			continue
		}

		var event recordEvent
		if err := json.Unmarshal([]byte(msg.Payload), &event); err != nil {
			r.logger.Warnw("failed to unmarshal signaling event",
				"room_id", roomID,
				"error", err,
			)
			continue
		}

		fn(domain.RecordSnapshot{
			RoomID:           roomID,
			Record:           event.Record,
			HasPendingWrites: event.Origin == r.instanceID,
			Removed:          event.Removed,
		})
	}
}

func (r *SignalingRepository) publish(ctx context.Context, roomID domain.RoomID, event recordEvent) {
	data, err := json.Marshal(event)
	if err != nil {
		r.logger.Warnw("failed to marshal signaling event", "room_id", roomID, "error", err)
		return
	}

	// Best effort: subscribers receive the current record state on subscribe,
	// and the store contract tolerates lost notifications.
	if err := r.client.Publish(ctx, r.eventsKey(roomID), data).Err(); err != nil {
		r.logger.Warnw("failed to publish signaling event", "room_id", roomID, "error", err)
	}
}
