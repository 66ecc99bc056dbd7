package redis

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"paircall/internal/core/domain"
)

const testRoom = domain.RoomID("alice_bob")

func newTestRepository(t *testing.T) *SignalingRepository {
	t.Helper()
	return NewSignalingRepository(nil, "paircall:room:", time.Hour, zap.NewNop().Sugar())
}

func message(t *testing.T, event recordEvent) *redis.Message {
	t.Helper()
	data, err := json.Marshal(event)
	require.NoError(t, err)
	return &redis.Message{Payload: string(data)}
}

func TestFanOutFlagsOwnWrites(t *testing.T) {
	repo := newTestRepository(t)
	msgs := make(chan *redis.Message, 2)
	snapshots := make(chan domain.RecordSnapshot, 2)

	msgs <- message(t, recordEvent{
		Origin: repo.instanceID,
		Record: domain.SignalingRecord{Offer: "own-offer"},
	})
	msgs <- message(t, recordEvent{
		Origin: "someone-else",
		Record: domain.SignalingRecord{Offer: "own-offer", Answer: "their-answer"},
	})
	close(msgs)

	repo.fanOut(testRoom, msgs, func(snap domain.RecordSnapshot) {
		snapshots <- snap
	})
	close(snapshots)

	own := <-snapshots
	assert.True(t, own.HasPendingWrites)
	assert.Equal(t, "own-offer", own.Record.Offer)

	remote := <-snapshots
	assert.False(t, remote.HasPendingWrites)
	assert.Equal(t, "their-answer", remote.Record.Answer)
}

func TestFanOutSkipsMalformedEvents(t *testing.T) {
	repo := newTestRepository(t)
	msgs := make(chan *redis.Message, 2)
	var delivered []domain.RecordSnapshot

	msgs <- &redis.Message{Payload: "not json"}
	msgs <- message(t, recordEvent{Origin: "peer", Removed: true})
	close(msgs)

	repo.fanOut(testRoom, msgs, func(snap domain.RecordSnapshot) {
		delivered = append(delivered, snap)
	})

	require.Len(t, delivered, 1)
	assert.True(t, delivered[0].Removed)
}

// A handler may tear its subscription down while a delivery is still on the
// stack. The fan-out loop must keep running independently of that teardown
// and drain out on its own once the connection is gone.
func TestFanOutSurvivesTeardownFromHandler(t *testing.T) {
	repo := newTestRepository(t)
	msgs := make(chan *redis.Message, 1)
	msgs <- message(t, recordEvent{Origin: "peer", Record: domain.SignalingRecord{Offer: "offer"}})

	finished := make(chan struct{})
	go func() {
		defer close(finished)
		repo.fanOut(testRoom, msgs, func(domain.RecordSnapshot) {
			// Stands in for pubsub.Close from an unsubscribing session.
			close(msgs)
		})
	}()

	select {
	case <-finished:
	case <-time.After(2 * time.Second):
		t.Fatal("fan-out goroutine did not exit after teardown from handler")
	}
}
