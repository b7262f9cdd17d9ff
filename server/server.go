/*
 * SPDX-License-Identifier: AGPL-3.0-or-later
 * Copyright 2021 Kopano and its licensors
 */

package server

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/jpillora/backoff"
	"github.com/sirupsen/logrus"

	"github.com/catchmeifyoucaan/surprise-sender-sub001/dispatch"
	"github.com/catchmeifyoucaan/surprise-sender-sub001/server/smtp/relay"
)

// DefaultStatusInterval is the interval at which OnStatus is called.
const DefaultStatusInterval = 10 * time.Second

// DefaultRelayTimeout bounds reads and writes of relay connections.
const DefaultRelayTimeout = 10 * time.Minute

// Server is our HTTP and SMTP relay server implementation.
type Server struct {
	config *Config

	logger logrus.FieldLogger

	service *dispatch.Service
	sweeper *dispatch.Sweeper

	app   *fiber.App
	relay *relay.Relay

	status *Status
}

// NewServer constructs a server from the provided parameters.
func NewServer(c *Config) (*Server, error) {
	if c.Service == nil {
		return nil, errors.New("server: service is required")
	}
	if c.Deliveries == nil {
		return nil, errors.New("server: delivery store is required")
	}

	s := &Server{
		config: c,
		logger: c.Logger,

		service: c.Service,

		status: &Status{
			ListenAddress:      c.ListenAddress,
			RelayListenAddress: c.RelayListenAddress,
		},
	}

	var err error
	s.sweeper, err = dispatch.NewSweeper(&dispatch.SweeperConfig{
		Logger:      s.logger,
		Store:       s.service.Store(),
		Validator:   s.service.Validator(),
		Interval:    c.SweepInterval,
		Concurrency: c.SweepConcurrency,
		Retries:     c.SweepRetries,
		OnSweep:     s.status.setSweep,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create sweeper: %w", err)
	}

	s.app = s.newApp()

	if c.RelayListenAddress != "" {
		relayConfig := &relay.Config{
			Logger:            s.logger,
			Router:            s,
			Domain:            c.RelayDomain,
			AllowInsecureAuth: c.RelayInsecureAuth,
			LMTP:              c.RelayLMTP,

			ReadTimeout:  c.RelayReadTimeout,
			WriteTimeout: c.RelayWriteTimeout,

			MaxMessageBytes: 32 * 1024 * 1024,
			MaxRecipients:   100,
		}
		if relayConfig.ReadTimeout <= 0 {
			relayConfig.ReadTimeout = DefaultRelayTimeout
		}
		if relayConfig.WriteTimeout <= 0 {
			relayConfig.WriteTimeout = DefaultRelayTimeout
		}
		if c.StatePath != "" {
			certificate, certErr := s.loadCertificate()
			if certErr != nil {
				return nil, fmt.Errorf("failed to load relay certificate: %w", certErr)
			}
			relayConfig.TLSConfig = &tls.Config{
				Certificates: []tls.Certificate{certificate},
				MinVersion:   tls.VersionTLS12,
			}
		}

		s.relay, err = relay.New(relayConfig)
		if err != nil {
			return nil, fmt.Errorf("failed to create relay server: %w", err)
		}
	}

	return s, nil
}

// Logger returns the logger of the server.
func (server *Server) Logger() logrus.FieldLogger {
	return server.logger
}

// Serve starts all the accociated servers resources and listeners and blocks
// forever until signals or error occurs.
func (server *Server) Serve(ctx context.Context) error {
	var err error

	errCh := make(chan error, 2)
	exitCh := make(chan struct{}, 1)
	signalCh := make(chan os.Signal, 1)
	readyCh := make(chan struct{}, 1)
	triggerCh := make(chan bool, 1)

	serveCtx, serveCtxCancel := context.WithCancel(ctx)
	defer serveCtxCancel()

	logger := server.logger

	started := time.Now()
	server.status.Lock()
	server.status.Started = &started
	server.status.Unlock()

	go func() {
		select {
		case <-serveCtx.Done():
			return
		case <-readyCh:
		}
		logger.WithFields(logrus.Fields{}).Infoln("ready")
		if server.config.OnReady != nil {
			server.config.OnReady(server)
		}
	}()

	var serversWg sync.WaitGroup

	// Start HTTP API.
	httpListener, listenErr := net.Listen("tcp", server.config.ListenAddress)
	if listenErr != nil {
		return fmt.Errorf("failed to create http listener: %w", listenErr)
	}
	serversWg.Add(1)
	go func() {
		defer serversWg.Done()
		logger.WithField("listen_addr", httpListener.Addr()).Infoln("http listener started")
		serveErr := server.app.Listener(httpListener)
		if serveErr != nil {
			errCh <- serveErr
		}
	}()

	// Start relay.
	if server.relay != nil {
		relayNetwork := "tcp"
		if server.config.RelayLMTP {
			relayNetwork = "unix"
			if removeErr := os.Remove(server.config.RelayListenAddress); removeErr != nil && !errors.Is(removeErr, os.ErrNotExist) {
				return fmt.Errorf("failed to remove stale relay socket: %w", removeErr)
			}
		}
		relayListener, relayListenErr := net.Listen(relayNetwork, server.config.RelayListenAddress)
		if relayListenErr != nil {
			return fmt.Errorf("failed to create relay listener: %w", relayListenErr)
		}
		serversWg.Add(1)
		go func() {
			defer serversWg.Done()
			logger.WithField("listen_addr", relayListener.Addr()).Infoln("relay listener started")
			serveErr := server.relay.Serve(relayListener)
			if serveErr != nil && !errors.Is(serveErr, net.ErrClosed) {
				errCh <- serveErr
			}
		}()
	}

	// Count delivery records.
	if records := server.config.Records; records != nil {
		serversWg.Add(1)
		go func() {
			defer serversWg.Done()
			records.Start(serveCtx)
		}()
		serversWg.Add(1)
		go func() {
			defer serversWg.Done()
			server.deliveryReadPump(serveCtx)
		}()
	}

	// Sweep configurations.
	serversWg.Add(1)
	go func() {
		defer serversWg.Done()
		server.sweepLoop(serveCtx, triggerCh)
	}()

	// Publish status.
	if server.config.OnStatus != nil {
		serversWg.Add(1)
		go func() {
			defer serversWg.Done()
			server.statusLoop(serveCtx)
		}()
	}

	// Wait for all services to stop before closing the exit channel
	go func() {
		serversWg.Wait()
		close(exitCh)
	}()

	// Set ready
	go func() {
		close(readyCh)
	}()

	// Wait for error or signal, with support for HUP to trigger a sweep.
	err = func() error {
		signal.Notify(signalCh, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)
		for {
			select {
			case errFromChannel := <-errCh:
				return errFromChannel
			case reason := <-signalCh:
				if reason == syscall.SIGHUP {
					logger.Infoln("reload signal received, sweeping configurations")
					select {
					case triggerCh <- true:
					default:
					}
					continue
				}
				logger.WithField("signal", reason).Warnln("received signal")
				return nil
			case <-ctx.Done():
				return nil
			}
		}
	}()

	// Shutdown, server will stop to accept new connections.
	logger.Infoln("clean server shutdown start")

	shutdownCtx, shutdownCtxCancel := context.WithTimeout(context.Background(), 10*time.Second)
	if server.relay != nil {
		go func() {
			if shutdownErr := server.relay.Shutdown(shutdownCtx); shutdownErr != nil {
				logger.WithError(shutdownErr).Warn("clean relay shutdown failed")
			} else {
				logger.Info("clean relay shutdown complete")
			}
		}()
	}
	go func() {
		if shutdownErr := server.app.ShutdownWithContext(shutdownCtx); shutdownErr != nil {
			logger.WithError(shutdownErr).Warn("clean http shutdown failed")
		} else {
			logger.Info("clean http shutdown complete")
		}
	}()

	// Cancel our own context and wait for all services to shutdown.
	serveCtxCancel()
	func() {
		for {
			select {
			case <-exitCh:
				logger.Infoln("clean server shutdown complete, exiting")
				return
			default:
				// Some services still running
				logger.Debugln("waiting services to exit")
			}
			select {
			case reason := <-signalCh:
				logger.WithField("signal", reason).Warn("received signal")
				return
			case <-time.After(100 * time.Millisecond):
			}
		}
	}()

	shutdownCtxCancel() // Prevents leak.

	return err
}

// deliveryReadPump counts the delivery records published by the delivery
// log. Blocks until the context is done.
func (server *Server) deliveryReadPump(ctx context.Context) {
	recordCh := server.config.Records.Subscribe()
	defer server.config.Records.Unsubscribe(recordCh)

	for {
		select {
		case <-ctx.Done():
			return
		case record, ok := <-recordCh:
			if !ok {
				return
			}
			server.status.countDelivery(record)
		}
	}
}

// sweepLoop runs the periodic configuration sweep and extra sweeps on
// trigger. Blocks until the context is done.
func (server *Server) sweepLoop(ctx context.Context, triggerCh <-chan bool) {
	logger := server.logger

	if !server.config.SweepDisabled {
		go func() {
			if runErr := server.sweeper.Run(ctx); runErr != nil {
				logger.WithError(runErr).Errorln("sweeper exit with error")
			}
		}()
	}

	bo := &backoff.Backoff{
		Min:    1 * time.Second,
		Max:    60 * time.Second,
		Factor: 3,
		Jitter: true,
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-triggerCh:
		}

		if _, sweepErr := server.sweeper.Sweep(ctx); sweepErr != nil {
			logger.WithError(sweepErr).Errorln("triggered sweep failed")
			select {
			case <-ctx.Done():
				return
			case <-time.After(bo.Duration()):
			}
			continue
		}
		bo.Reset()
	}
}

// statusLoop calls OnStatus periodically. Blocks until the context is done.
func (server *Server) statusLoop(ctx context.Context) {
	interval := server.config.StatusInterval
	if interval <= 0 {
		interval = DefaultStatusInterval
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		server.config.OnStatus(server)

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
