/*
 * SPDX-License-Identifier: AGPL-3.0-or-later
 * Copyright 2021 Kopano and its licensors
 */

package serve

import (
	"context"

	"github.com/catchmeifyoucaan/surprise-sender-sub001/internal/ipc"
	"github.com/catchmeifyoucaan/surprise-sender-sub001/server"
)

func onStatus(ctx context.Context, srv *server.Server) {
	logger := srv.Logger()

	s, statusErr := srv.Status(ctx)
	if statusErr != nil {
		logger.WithError(statusErr).Errorln("failed to get server status")
		s = &server.Status{}
	}

	statusErr = ipc.SetStatus(s)
	if statusErr != nil {
		logger.WithError(statusErr).Errorln("failed to share server status")
	} else {
		logger.Debugln("server status stored to shm successfully")
	}
}

func clearStatus() error {
	return ipc.ClearStatus()
}
