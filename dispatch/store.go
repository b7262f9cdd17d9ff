/*
 * SPDX-License-Identifier: AGPL-3.0-or-later
 * Copyright 2021 Kopano and its licensors
 */

package dispatch

import (
	"context"
	"time"
)

// ConfigStore persists configurations keyed by id and owner id.
type ConfigStore interface {
	Create(ctx context.Context, cfg *Configuration) (*Configuration, error)
	Get(ctx context.Context, id string) (*Configuration, error)
	// List returns all configurations of ownerID, or every configuration
	// when ownerID is empty.
	List(ctx context.Context, ownerID string) ([]*Configuration, error)
	// Update runs fn as one atomic read-modify-write. Nothing is stored
	// when fn returns an error.
	Update(ctx context.Context, id string, fn func(cfg *Configuration) error) (*Configuration, error)
	Delete(ctx context.Context, id string) error
}

// DeliveryStatus is the outcome of one send attempt.
type DeliveryStatus string

// Delivery outcomes.
const (
	DeliveryDelivered DeliveryStatus = "delivered"
	DeliveryFailed    DeliveryStatus = "failed"
)

// DeliveryRecord is the immutable log entry of one send attempt.
type DeliveryRecord struct {
	ID        string         `json:"id"`
	To        string         `json:"to"`
	Subject   string         `json:"subject"`
	Status    DeliveryStatus `json:"status"`
	Detail    string         `json:"detail"`
	ConfigID  string         `json:"configId"`
	OwnerID   string         `json:"ownerId,omitempty"`
	Attempt   int            `json:"attempt"`
	CreatedAt time.Time      `json:"createdAt"`
}

// DeliveryLog records delivery attempts. Records are written exactly once.
type DeliveryLog interface {
	Record(ctx context.Context, record *DeliveryRecord) error
}
