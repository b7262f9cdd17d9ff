/*
 * SPDX-License-Identifier: AGPL-3.0-or-later
 * Copyright 2021 Kopano and its licensors
 */

package serve

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	_ "net/http/pprof" // Include pprof for debugging, its only enabled when --with-pprof is given.
	"os"
	"runtime"
	"sync"
	"time"

	systemDaemon "github.com/coreos/go-systemd/v22/daemon"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/catchmeifyoucaan/surprise-sender-sub001/cmd/dispatchd/common"
	"github.com/catchmeifyoucaan/surprise-sender-sub001/dispatch"
	"github.com/catchmeifyoucaan/surprise-sender-sub001/internal/ipc"
	"github.com/catchmeifyoucaan/surprise-sender-sub001/server"
)

// Default param values used by this command.
var (
	DefaultSystemdNotify     = false
	DefaultListenAddr        = "127.0.0.1:8780"
	DefaultRelayListenAddr   = ""
	DefaultRelayDomain       = "localhost"
	DefaultRelaySecret       = os.Getenv("DISPATCHD_RELAY_SECRET")
	DefaultRelayInsecureAuth = false
	DefaultRelayLMTP         = false
	DefaultRelayReadTimeout  = server.DefaultRelayTimeout
	DefaultRelayWriteTimeout = server.DefaultRelayTimeout
	DefaultSweepInterval     = dispatch.DefaultSweepInterval
	DefaultSweepConcurrency  = dispatch.DefaultSweepConcurrency
	DefaultSweepRetries      = dispatch.DefaultRetries
	DefaultWithoutSweep      = false
	DefaultStatusInterval    = server.DefaultStatusInterval
	DefaultWithPprof         = false
	DefaultPprofListenAddr   = "127.0.0.1:6060"
)

func init() {
	envDefaultListenAddr := os.Getenv("DISPATCHD_DEFAULT_LISTEN")
	if envDefaultListenAddr != "" {
		DefaultListenAddr = envDefaultListenAddr
	}

	envDefaultRelayListenAddr := os.Getenv("DISPATCHD_DEFAULT_RELAY_LISTEN")
	if envDefaultRelayListenAddr != "" {
		DefaultRelayListenAddr = envDefaultRelayListenAddr
	}
}

func CommandServe() *cobra.Command {
	serveCmd := &cobra.Command{
		Use:   "serve [...args]",
		Short: "Start service",
		Run: func(cmd *cobra.Command, args []string) {
			if err := serve(cmd, args); err != nil {
				fmt.Fprintf(os.Stderr, "Error: %v\n", err)
				var exitCodeErr *ErrorWithExitCode
				if errors.As(err, &exitCodeErr) {
					os.Exit(exitCodeErr.Code)
				} else {
					os.Exit(1)
				}
			}
		},
	}

	serveCmd.Flags().BoolVar(&common.DefaultLogTimestamp, "log-timestamp", common.DefaultLogTimestamp, "Prefix each log line with timestamp")
	serveCmd.Flags().StringVar(&common.DefaultLogLevel, "log-level", common.DefaultLogLevel, "Log level (one of panic, fatal, error, warn, info or debug)")
	serveCmd.Flags().BoolVar(&DefaultSystemdNotify, "systemd-notify", DefaultSystemdNotify, "Enable systemd sd_notify callback")
	serveCmd.Flags().StringVar(&DefaultListenAddr, "listen", DefaultListenAddr, "TCP listen address for the HTTP API")
	serveCmd.Flags().StringVar(&DefaultRelayListenAddr, "relay-listen", DefaultRelayListenAddr, "TCP listen address for SMTP submission relay, disabled when empty")
	serveCmd.Flags().StringVar(&DefaultRelayDomain, "relay-domain", DefaultRelayDomain, "Domain announced by the SMTP submission relay")
	serveCmd.Flags().StringVar(&DefaultRelaySecret, "relay-secret", DefaultRelaySecret, "Shared secret required as AUTH password by the SMTP submission relay")
	serveCmd.Flags().BoolVar(&DefaultRelayInsecureAuth, "relay-insecure-auth", DefaultRelayInsecureAuth, "Allow relay AUTH without STARTTLS")
	serveCmd.Flags().BoolVar(&DefaultRelayLMTP, "relay-lmtp", DefaultRelayLMTP, "Serve LMTP on the unix socket given as relay-listen, with a reply per recipient")
	serveCmd.Flags().DurationVar(&DefaultRelayReadTimeout, "relay-read-timeout", DefaultRelayReadTimeout, "Read timeout of relay connections")
	serveCmd.Flags().DurationVar(&DefaultRelayWriteTimeout, "relay-write-timeout", DefaultRelayWriteTimeout, "Write timeout of relay connections")
	serveCmd.Flags().DurationVar(&DefaultSweepInterval, "sweep-interval", DefaultSweepInterval, "Interval between validation sweeps of active configurations")
	serveCmd.Flags().IntVar(&DefaultSweepConcurrency, "sweep-concurrency", DefaultSweepConcurrency, "Number of concurrent validations during a sweep")
	serveCmd.Flags().IntVar(&DefaultSweepRetries, "sweep-retries", DefaultSweepRetries, "Validation attempts per configuration during a sweep")
	serveCmd.Flags().BoolVar(&DefaultWithoutSweep, "without-sweep", DefaultWithoutSweep, "Disable periodic sweeps, SIGHUP still triggers one")
	serveCmd.Flags().DurationVar(&DefaultStatusInterval, "status-interval", DefaultStatusInterval, "Interval at which the status is shared")
	serveCmd.Flags().BoolVar(&DefaultWithPprof, "with-pprof", DefaultWithPprof, "With pprof enabled")
	serveCmd.Flags().StringVar(&DefaultPprofListenAddr, "pprof-listen", DefaultPprofListenAddr, "TCP listen address for pprof")
	common.AddEngineFlags(serveCmd.Flags())

	return serveCmd
}

func serve(cmd *cobra.Command, args []string) error {
	bs := &bootstrap{}
	ctx, cancel := context.WithCancel(context.Background())
	defer func() {
		cancel()
		bs.Wait()
		if bs.engine != nil {
			bs.engine.Close()
		}
	}()

	err := bs.configure(ctx, cmd, args)
	if err != nil {
		return StartupError(err)
	}

	return bs.srv.Serve(ctx)
}

type bootstrap struct {
	sync.WaitGroup

	logger logrus.FieldLogger

	engine *common.Engine
	srv    *server.Server
}

func (bs *bootstrap) configure(ctx context.Context, cmd *cobra.Command, args []string) error {
	if err := common.ApplyFlagsFromEnvFile(cmd, nil); err != nil {
		return err
	}

	logger, err := common.NewLogger(!common.DefaultLogTimestamp, common.DefaultLogLevel)
	if err != nil {
		return fmt.Errorf("failed to create logger: %w", err)
	}
	bs.logger = logger

	logger.Debugln("serve start")

	if DefaultRelayListenAddr != "" && DefaultRelaySecret == "" {
		return fmt.Errorf("relay-secret must not be empty when relay-listen is set")
	}

	bs.engine, err = common.OpenEngine(logger)
	if err != nil {
		return err
	}

	var withStatus bool

	cfg := &server.Config{
		Logger: logger,

		OnReady: func(srv *server.Server) {
			if DefaultSystemdNotify {
				ok, notifyErr := systemDaemon.SdNotify(false, systemDaemon.SdNotifyReady)
				logger.WithField("ok", ok).Debugln("called systemd sd_notify ready")
				if notifyErr != nil {
					logger.WithError(notifyErr).Errorln("failed to trigger systemd sd_notify")
				}
			}
		},
		OnStatus: func(srv *server.Server) {
			if !withStatus {
				withStatus = true
				bs.Add(1)
				go func() {
					defer bs.Done()
					<-ctx.Done()
					statusErr := clearStatus()
					if statusErr != nil {
						logger.WithError(statusErr).Errorln("failed to clear status")
					}
				}()
			}

			onStatus(ctx, srv)
		},

		Service:    bs.engine.Service,
		Deliveries: bs.engine.Log,
		Records:    bs.engine.Log.Broadcaster(),

		ListenAddress: DefaultListenAddr,

		RelayListenAddress: DefaultRelayListenAddr,
		RelayDomain:        DefaultRelayDomain,
		RelaySecret:        DefaultRelaySecret,
		RelayInsecureAuth:  DefaultRelayInsecureAuth,
		RelayLMTP:          DefaultRelayLMTP,
		RelayReadTimeout:   DefaultRelayReadTimeout,
		RelayWriteTimeout:  DefaultRelayWriteTimeout,

		StatePath: bs.engine.StatePath,

		SweepInterval:    DefaultSweepInterval,
		SweepConcurrency: DefaultSweepConcurrency,
		SweepRetries:     DefaultSweepRetries,
		SweepDisabled:    DefaultWithoutSweep,

		StatusInterval: DefaultStatusInterval,
	}

	ipc.MustInitializeStatusSHM(cfg.StatePath, "")

	bs.srv, err = server.NewServer(cfg)
	if err != nil {
		return err
	}

	// Profiling support.
	if DefaultWithPprof && DefaultPprofListenAddr != "" {
		runtime.SetMutexProfileFraction(5)
		go func() {
			pprofListen := DefaultPprofListenAddr
			logger.WithField("listenAddr", pprofListen).Infoln("pprof enabled, starting listener")
			pprofServer := &http.Server{
				Addr:              pprofListen,
				ReadHeaderTimeout: 10 * time.Second,
			}
			if listenErr := pprofServer.ListenAndServe(); listenErr != nil {
				logger.WithError(listenErr).Errorln("unable to start pprof listener")
			}
		}()
	}

	return nil
}
