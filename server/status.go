/*
 * SPDX-License-Identifier: AGPL-3.0-or-later
 * Copyright 2021 Kopano and its licensors
 */

package server

import (
	"context"
	"sync"
	"time"

	"github.com/jinzhu/copier"

	"github.com/catchmeifyoucaan/surprise-sender-sub001/dispatch"
)

// ConfigurationCounts summarizes the stored configurations.
type ConfigurationCounts struct {
	Total  int `json:"total"`
	Valid  int `json:"valid"`
	Active int `json:"active"`
	Error  int `json:"error"`
}

type Status struct {
	sync.RWMutex `json:"-"`

	ListenAddress      string `json:"listen_addr"`
	RelayListenAddress string `json:"relay_listen_addr"`

	Started       *time.Time          `json:"started"`
	Configs       ConfigurationCounts `json:"configurations"`
	Delivered     uint64              `json:"delivered"`
	Failed        uint64              `json:"failed"`
	RelaySessions int                 `json:"relay_sessions"`

	LastSweep        *time.Time `json:"last_sweep"`
	LastSweepChecked int        `json:"last_sweep_checked"`
	LastSweepInvalid int        `json:"last_sweep_invalid"`
}

func (status *Status) Copy() (*Status, error) {
	status.RLock()
	defer status.RUnlock()

	s := &Status{}
	err := copier.CopyWithOption(s, status, copier.Option{
		IgnoreEmpty: true,
		DeepCopy:    true,
	})

	return s, err
}

// countDelivery updates the delivery counters from a log record.
func (status *Status) countDelivery(record *dispatch.DeliveryRecord) {
	status.Lock()
	defer status.Unlock()

	switch record.Status {
	case dispatch.DeliveryDelivered:
		status.Delivered++
	case dispatch.DeliveryFailed:
		status.Failed++
	}
}

func (status *Status) setSweep(report *dispatch.SweepReport) {
	status.Lock()
	defer status.Unlock()

	finished := report.Finished
	status.LastSweep = &finished
	status.LastSweepChecked = report.Checked
	status.LastSweepInvalid = report.Invalid
}

func (status *Status) setConfigs(configs []*dispatch.Configuration) {
	counts := ConfigurationCounts{
		Total: len(configs),
	}
	for _, cfg := range configs {
		if cfg.IsValid {
			counts.Valid++
		}
		if cfg.IsActive {
			counts.Active++
		}
		if cfg.Status == dispatch.StatusError {
			counts.Error++
		}
	}

	status.Lock()
	status.Configs = counts
	status.Unlock()
}

// Status returns a snapshot of the server status with fresh configuration
// counts.
func (server *Server) Status(ctx context.Context) (*Status, error) {
	configs, err := server.service.Store().List(ctx, "")
	if err != nil {
		return nil, err
	}
	server.status.setConfigs(configs)

	if server.relay != nil {
		server.status.Lock()
		server.status.RelaySessions = server.relay.Sessions()
		server.status.Unlock()
	}

	return server.status.Copy()
}
