package memory

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"paircall/internal/core/domain"
	"paircall/internal/core/ports"
)

// SignalingStore is an in-memory stand-in for the shared record store, used
// in tests and single-process examples. One store is shared between parties;
// each party obtains its own client view so echoes of its writes carry the
// pending-writes flag, mirroring how the distributed store behaves.
type SignalingStore struct {
	mu      sync.Mutex
	records map[domain.RoomID]domain.SignalingRecord
	subs    map[domain.RoomID]map[int]*subscriber
	nextSub int
}

type subscriber struct {
	origin string
	fn     func(domain.RecordSnapshot)
}

func NewSignalingStore() *SignalingStore {
	return &SignalingStore{
		records: make(map[domain.RoomID]domain.SignalingRecord),
		subs:    make(map[domain.RoomID]map[int]*subscriber),
	}
}

// Client returns a repository view bound to a fresh origin id.
func (s *SignalingStore) Client() *Client {
	return &Client{store: s, origin: uuid.NewString()}
}

// notify delivers a snapshot to every subscriber of the room, synchronously
// on the writer's goroutine. Handlers must not block and must not write to
// the store while handling a snapshot of their own room.
func (s *SignalingStore) notify(roomID domain.RoomID, record domain.SignalingRecord, origin string, removed bool) {
	s.mu.Lock()
	targets := make([]*subscriber, 0, len(s.subs[roomID]))
	for _, sub := range s.subs[roomID] {
		targets = append(targets, sub)
	}
	s.mu.Unlock()

	for _, sub := range targets {
		sub.fn(domain.RecordSnapshot{
			RoomID:           roomID,
			Record:           record,
			HasPendingWrites: sub.origin == origin,
			Removed:          removed,
		})
	}
}

// Client is one party's handle on the shared store.
type Client struct {
	store  *SignalingStore
	origin string
}

var _ ports.SignalingRepository = (*Client)(nil)

func (c *Client) Create(ctx context.Context, roomID domain.RoomID, offer string) error {
	c.store.mu.Lock()
	if _, ok := c.store.records[roomID]; ok {
		c.store.mu.Unlock()
		return fmt.Errorf("%w: room %s", domain.ErrRecordExists, roomID)
	}
	record := domain.SignalingRecord{Offer: offer, CreatedAt: time.Now().UTC()}
	c.store.records[roomID] = record
	c.store.mu.Unlock()

	c.store.notify(roomID, record, c.origin, false)
	return nil
}

func (c *Client) PutAnswer(ctx context.Context, roomID domain.RoomID, answer string) error {
	c.store.mu.Lock()
	record, ok := c.store.records[roomID]
	if !ok {
		c.store.mu.Unlock()
		return fmt.Errorf("%w: room %s", domain.ErrRecordNotFound, roomID)
	}
	record.Answer = answer
	c.store.records[roomID] = record
	c.store.mu.Unlock()

	c.store.notify(roomID, record, c.origin, false)
	return nil
}

func (c *Client) Get(ctx context.Context, roomID domain.RoomID) (*domain.SignalingRecord, error) {
	c.store.mu.Lock()
	defer c.store.mu.Unlock()

	record, ok := c.store.records[roomID]
	if !ok {
		return nil, fmt.Errorf("%w: room %s", domain.ErrRecordNotFound, roomID)
	}
	out := record
	return &out, nil
}

func (c *Client) Delete(ctx context.Context, roomID domain.RoomID) error {
	c.store.mu.Lock()
	_, ok := c.store.records[roomID]
	delete(c.store.records, roomID)
	c.store.mu.Unlock()

	if ok {
		c.store.notify(roomID, domain.SignalingRecord{}, c.origin, true)
	}
	return nil
}

func (c *Client) Subscribe(ctx context.Context, roomID domain.RoomID, fn func(domain.RecordSnapshot)) (ports.Unsubscribe, error) {
	c.store.mu.Lock()
	if c.store.subs[roomID] == nil {
		c.store.subs[roomID] = make(map[int]*subscriber)
	}
	id := c.store.nextSub
	c.store.nextSub++
	c.store.subs[roomID][id] = &subscriber{origin: c.origin, fn: fn}
	record, exists := c.store.records[roomID]
	c.store.mu.Unlock()

	if exists {
		fn(domain.RecordSnapshot{RoomID: roomID, Record: record})
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			c.store.mu.Lock()
			delete(c.store.subs[roomID], id)
			c.store.mu.Unlock()
		})
	}, nil
}
