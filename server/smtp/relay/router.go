/*
 * SPDX-License-Identifier: AGPL-3.0-or-later
 * Copyright 2021 Kopano and its licensors
 */

package relay

import (
	"context"

	"github.com/catchmeifyoucaan/surprise-sender-sub001/dispatch"
)

// Router authenticates submitting clients and dispatches their mail.
type Router interface {
	// Authenticate returns the owner id the credentials belong to.
	Authenticate(ctx context.Context, username, password string) (string, error)
	// Dispatch delivers msg with the configurations of ownerID.
	Dispatch(ctx context.Context, ownerID string, msg *dispatch.Message) (*dispatch.SendResult, error)
}
