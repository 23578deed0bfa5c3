// Package broker provides the persistent, NSQ-equivalent pub/sub substrate
// the message loop consumes from and publishes to: FIFO delivery, a
// visibility timeout standing in for NSQ's in-flight tracking, an attempt
// counter, and delayed requeue with a backoff flag.
//
// Grounded on ternarybob-quaero's internal/queue/badger_manager.go (the
// teacher's own Badger-backed queue) and internal/storage/badger/connection.go
// for the badgerhold.Open wiring — the closest pack-grounded analogue to
// NSQ's touch/finish/requeue contract, since no example repo vendors an NSQ
// client. Public surface (Broker/Message) is transport-agnostic: swapping in
// a real NSQ client later would not touch internal/messageloop.
package broker

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/timshannon/badgerhold/v4"
)

// ErrNoMessage is returned by Receive when no message is currently visible.
var ErrNoMessage = errors.New("broker: no message available")

// storedMessage is the on-disk record for one queued message.
type storedMessage struct {
	ID        string `badgerhold:"key"`
	Topic     string `badgerhold:"index"`
	Body      []byte
	VisibleAt time.Time `badgerhold:"index"`
	Attempts  int
}

// Broker is a single Badger-backed store shared by every topic the worker
// uses (the ingest topic it consumes and the result topic it publishes to).
type Broker struct {
	store             *badgerhold.Store
	visibilityTimeout time.Duration
}

// Open opens (creating if absent) the Badger store backing the broker.
func Open(dir string, visibilityTimeout time.Duration) (*Broker, error) {
	if err := os.MkdirAll(filepath.Dir(dir), 0o755); err != nil {
		return nil, fmt.Errorf("broker: create data dir: %w", err)
	}

	opts := badgerhold.DefaultOptions
	opts.Dir = dir
	opts.ValueDir = dir
	opts.Logger = nil

	store, err := badgerhold.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("broker: open store: %w", err)
	}

	if visibilityTimeout <= 0 {
		visibilityTimeout = 30 * time.Second
	}

	return &Broker{store: store, visibilityTimeout: visibilityTimeout}, nil
}

func (b *Broker) Close() error {
	return b.store.Close()
}

// Publish enqueues body onto topic, immediately visible.
func (b *Broker) Publish(topic string, body []byte) error {
	now := time.Now()
	id := fmt.Sprintf("%019d:%s", now.UnixNano(), uuid.New().String())

	msg := storedMessage{
		ID:        id,
		Topic:     topic,
		Body:      body,
		VisibleAt: now,
		Attempts:  0,
	}

	if err := b.store.Insert(id, &msg); err != nil {
		return fmt.Errorf("broker: publish: %w", err)
	}
	return nil
}

// Message is the in-flight handle for one delivery, matching the
// touch/finish/requeue/attempts surface spec.md §6 expects from the broker.
type Message struct {
	ID       string
	Body     []byte
	Attempts int

	broker *Broker
}

// Receive pops the oldest visible message on topic, marking it invisible for
// one visibility-timeout window and incrementing its attempt counter — the
// broker's side of NSQ's max-in-flight delivery tracking.
func (b *Broker) Receive(topic string) (*Message, error) {
	now := time.Now()

	var found []storedMessage
	err := b.store.Find(&found, badgerhold.Where("Topic").Eq(topic).
		And("VisibleAt").Le(now).
		SortBy("ID").
		Limit(1))
	if err != nil {
		return nil, fmt.Errorf("broker: receive: %w", err)
	}
	if len(found) == 0 {
		return nil, ErrNoMessage
	}

	rec := found[0]
	rec.Attempts++
	rec.VisibleAt = now.Add(b.visibilityTimeout)

	if err := b.store.Update(rec.ID, &rec); err != nil {
		return nil, fmt.Errorf("broker: mark in-flight: %w", err)
	}

	return &Message{ID: rec.ID, Body: rec.Body, Attempts: rec.Attempts, broker: b}, nil
}

// Touch extends the message's visibility timeout, the keep-alive primitive
// the message loop calls on a 10s ticker (spec.md §4.E step 1).
func (m *Message) Touch() error {
	var rec storedMessage
	if err := m.broker.store.Get(m.ID, &rec); err != nil {
		return fmt.Errorf("broker: touch: %w", err)
	}
	rec.VisibleAt = time.Now().Add(m.broker.visibilityTimeout)
	return m.broker.store.Update(m.ID, &rec)
}

// Finish permanently removes the message — called exactly once per message,
// whether the outcome was success or a terminal failure.
func (m *Message) Finish() error {
	return m.broker.store.Delete(m.ID, &storedMessage{})
}

// Requeue makes the message visible again after delay. The backoff flag is
// accepted for parity with NSQ's requeue call and has no effect here. It does
// not touch the attempt counter — Receive already incremented it on the
// delivery that is being requeued.
func (m *Message) Requeue(delay time.Duration, backoff bool) error {
	var rec storedMessage
	if err := m.broker.store.Get(m.ID, &rec); err != nil {
		return fmt.Errorf("broker: requeue: %w", err)
	}
	rec.VisibleAt = time.Now().Add(delay)
	return m.broker.store.Update(m.ID, &rec)
}
