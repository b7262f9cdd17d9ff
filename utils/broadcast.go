/*
 * SPDX-License-Identifier: AGPL-3.0-or-later
 * Copyright 2021 Kopano and its licensors
 */

package utils

import (
	"context"
)

// A Broadcaster is a implementation of channels where clients can subscribe
// and unsubscribe to messages. Messages published to the Broadcaster are sent
// to all subcribers. Slow subscribers miss messages instead of blocking the
// publisher.
type Broadcaster[T any] struct {
	bufferSize int
	stopped    AtomicBool

	publishCh     chan T
	subscribeCh   chan chan T
	unsubscribeCh chan chan T
	stopCh        chan struct{}
}

func NewBroadcaster[T any]() *Broadcaster[T] {
	return &Broadcaster[T]{
		bufferSize: 10,

		publishCh:     make(chan T, 1),
		subscribeCh:   make(chan chan T),
		unsubscribeCh: make(chan chan T),
		stopCh:        make(chan struct{}),
	}
}

func (b *Broadcaster[T]) SetBufferSize(bufferSize int) {
	b.bufferSize = bufferSize
}

func (b *Broadcaster[T]) Start(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}

	subscribers := make(map[chan T]struct{})

	// Single Go routine pumping messages, subscriptions and unsubscriptions.
	for {
		select {

		case messageCh := <-b.subscribeCh:
			subscribers[messageCh] = struct{}{}

		case messageCh := <-b.unsubscribeCh:
			if _, ok := subscribers[messageCh]; ok {
				delete(subscribers, messageCh)
				close(messageCh)
			}

		case msg := <-b.publishCh:
			for messageCh := range subscribers {
				// Non blocking send to all subscribers.
				select {
				case messageCh <- msg:
				default:
				}
			}

		case <-b.stopCh:
			// We are done, close all subscribers.
			for messageCh := range subscribers {
				close(messageCh)
			}
			return

		case <-ctx.Done():
			b.Stop()
		}
	}
}

func (b *Broadcaster[T]) Stop() {
	if b.stopped.CompareFalseAndSetTrue() {
		close(b.stopCh)
	}
}

// Stopped reports whether Stop was called.
func (b *Broadcaster[T]) Stopped() bool {
	return b.stopped.IsSet()
}

// Subscribe returns a new channel which is registered once Subscribe
// returns. The channel is closed right away when the Broadcaster stopped.
func (b *Broadcaster[T]) Subscribe() chan T {
	messageCh := make(chan T, b.bufferSize)
	select {
	case b.subscribeCh <- messageCh:
	case <-b.stopCh:
		close(messageCh)
	}
	return messageCh
}

// Unsubscribe removes messageCh and closes it once the pump handled the
// request.
func (b *Broadcaster[T]) Unsubscribe(messageCh chan T) {
	select {
	case b.unsubscribeCh <- messageCh:
	case <-b.stopCh:
	}
}

// Broadcast publishes msg. It is dropped once the Broadcaster stopped.
func (b *Broadcaster[T]) Broadcast(msg T) {
	select {
	case b.publishCh <- msg:
	case <-b.stopCh:
	}
}
