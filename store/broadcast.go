/*
 * SPDX-License-Identifier: AGPL-3.0-or-later
 * Copyright 2021 Kopano and its licensors
 */

package store

import (
	"context"

	"github.com/catchmeifyoucaan/surprise-sender-sub001/dispatch"
	"github.com/catchmeifyoucaan/surprise-sender-sub001/utils"
)

// BroadcastLog publishes every successfully written record to the
// subscribers of its Broadcaster.
type BroadcastLog struct {
	DeliveryStore

	broadcaster *utils.Broadcaster[*dispatch.DeliveryRecord]
}

// NewBroadcastLog wraps log. The returned Broadcaster must be started by
// the caller.
func NewBroadcastLog(log DeliveryStore) *BroadcastLog {
	return &BroadcastLog{
		DeliveryStore: log,

		broadcaster: utils.NewBroadcaster[*dispatch.DeliveryRecord](),
	}
}

// Broadcaster returns the Broadcaster records are published to.
func (l *BroadcastLog) Broadcaster() *utils.Broadcaster[*dispatch.DeliveryRecord] {
	return l.broadcaster
}

// Record implements dispatch.DeliveryLog.
func (l *BroadcastLog) Record(ctx context.Context, record *dispatch.DeliveryRecord) error {
	if err := l.DeliveryStore.Record(ctx, record); err != nil {
		return err
	}

	r := *record
	l.broadcaster.Broadcast(&r)
	return nil
}
