package db

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/lib/pq"
	"go.uber.org/zap"
)

// DefaultRunChannel is the NOTIFY channel for pending-run inserts when the
// schema is default. Non-default schemas use "<schema>_new_run".
const DefaultRunChannel = "new_run"

// RunChannel returns the notification channel name for a schema.
func RunChannel(schema string) string {
	if schema == "" || schema == "public" {
		return DefaultRunChannel
	}
	return schema + "_" + DefaultRunChannel
}

// ErrWaitTimeout is returned by WaitForNotification when no notification
// arrives within the timeout.
var ErrWaitTimeout = errors.New("notification wait timed out")

// ErrNotifierClosed is returned once the notifier has been shut down or its
// listen connection is gone.
var ErrNotifierClosed = errors.New("notifier closed")

// Notifier owns one long-lived LISTEN connection and fans incoming
// notifications out to in-process subscribers and one-shot waiters.
type Notifier struct {
	listener *pq.Listener
	logger   *zap.Logger

	mu          sync.Mutex
	subscribers map[string]map[int]func(payload string)
	waiters     map[string]map[int]chan string
	nextID      int
	closed      bool

	done chan struct{}
}

// NewNotifier opens the dedicated listen connection. The connection
// reconnects internally with backoff; Healthy reports its current state.
func NewNotifier(dsn string, logger *zap.Logger) (*Notifier, error) {
	n := &Notifier{
		logger:      logger,
		subscribers: make(map[string]map[int]func(string)),
		waiters:     make(map[string]map[int]chan string),
		done:        make(chan struct{}),
	}

	listener := pq.NewListener(dsn, 50*time.Millisecond, 10*time.Second,
		func(ev pq.ListenerEventType, err error) {
			if err != nil {
				logger.Warn("Listener connection event", zap.Int("event", int(ev)), zap.Error(err))
			}
		})
	n.listener = listener

	go n.readLoop()
	return n, nil
}

// Listen registers cb for notifications on channel and returns an
// unsubscribe function. The callback runs on the notifier's reader loop and
// must not call back into the notifier.
func (n *Notifier) Listen(channel string, cb func(payload string)) (func(), error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.closed {
		return nil, ErrNotifierClosed
	}

	first := len(n.subscribers[channel]) == 0 && len(n.waiters[channel]) == 0
	if first {
		if err := n.listener.Listen(channel); err != nil {
			return nil, fmt.Errorf("listen %s: %w", channel, err)
		}
	}

	id := n.nextID
	n.nextID++
	if n.subscribers[channel] == nil {
		n.subscribers[channel] = make(map[int]func(string))
	}
	n.subscribers[channel][id] = cb

	return func() {
		n.mu.Lock()
		defer n.mu.Unlock()
		delete(n.subscribers[channel], id)
	}, nil
}

// WaitForNotification blocks until a notification arrives on channel, the
// timeout elapses (ErrWaitTimeout), or ctx is cancelled.
func (n *Notifier) WaitForNotification(ctx context.Context, channel string, timeout time.Duration) (string, error) {
	n.mu.Lock()
	if n.closed {
		n.mu.Unlock()
		return "", ErrNotifierClosed
	}
	first := len(n.subscribers[channel]) == 0 && len(n.waiters[channel]) == 0
	if first {
		if err := n.listener.Listen(channel); err != nil {
			n.mu.Unlock()
			return "", fmt.Errorf("listen %s: %w", channel, err)
		}
	}
	id := n.nextID
	n.nextID++
	ch := make(chan string, 1)
	if n.waiters[channel] == nil {
		n.waiters[channel] = make(map[int]chan string)
	}
	n.waiters[channel][id] = ch
	n.mu.Unlock()

	defer func() {
		n.mu.Lock()
		delete(n.waiters[channel], id)
		n.mu.Unlock()
	}()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case payload := <-ch:
		return payload, nil
	case <-timer.C:
		return "", ErrWaitTimeout
	case <-ctx.Done():
		return "", ctx.Err()
	case <-n.done:
		return "", ErrNotifierClosed
	}
}

// readLoop dispatches notifications from the listen connection.
func (n *Notifier) readLoop() {
	for {
		select {
		case <-n.done:
			return
		case notification, ok := <-n.listener.Notify:
			if !ok {
				n.logger.Warn("Listener notification channel closed")
				return
			}
			if notification == nil {
				// nil is delivered after a reconnect; notifications may have
				// been missed while disconnected, so pollers re-check anyway.
				continue
			}
			n.dispatch(notification.Channel, notification.Extra)
		}
	}
}

func (n *Notifier) dispatch(channel, payload string) {
	n.mu.Lock()
	cbs := make([]func(string), 0, len(n.subscribers[channel]))
	for _, cb := range n.subscribers[channel] {
		cbs = append(cbs, cb)
	}
	waiters := make([]chan string, 0, len(n.waiters[channel]))
	for _, ch := range n.waiters[channel] {
		waiters = append(waiters, ch)
	}
	n.mu.Unlock()

	for _, cb := range cbs {
		cb(payload)
	}
	for _, ch := range waiters {
		select {
		case ch <- payload:
		default:
			// Waiter already satisfied.
		}
	}
}

// Healthy pings the listen connection.
func (n *Notifier) Healthy(ctx context.Context) error {
	done := make(chan error, 1)
	go func() { done <- n.listener.Ping() }()
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close shuts down the listen connection and wakes all waiters.
func (n *Notifier) Close() error {
	n.mu.Lock()
	if n.closed {
		n.mu.Unlock()
		return nil
	}
	n.closed = true
	n.mu.Unlock()
	close(n.done)
	return n.listener.Close()
}
