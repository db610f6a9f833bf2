// Copyright 2025 The Meridian Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

// Command xmppd runs a standalone XMPP server: client and server-to-server
// stream listeners plus an optional BOSH endpoint.
package main

import (
	"context"
	"crypto/tls"
	"errors"
	"flag"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/meridian-im/xmppd"
	"github.com/meridian-im/xmppd/auth"
	"github.com/meridian-im/xmppd/bosh"
	"github.com/meridian-im/xmppd/router"
	"github.com/meridian-im/xmppd/transport"
)

var (
	domain     = flag.String("domain", "localhost", "XMPP domain the server is authoritative for")
	c2sAddr    = flag.String("c2s", ":5222", "client-to-server listen address")
	s2sAddr    = flag.String("s2s", ":5269", "server-to-server listen address, empty to disable")
	boshAddr   = flag.String("bosh", "", "HTTP listen address for BOSH, empty to disable")
	certFile   = flag.String("cert", "", "TLS certificate file")
	keyFile    = flag.String("key", "", "TLS key file")
	requireTLS = flag.Bool("require-tls", false, "refuse authentication on unencrypted streams")
	anonymous  = flag.Bool("anonymous", false, "allow SASL ANONYMOUS logins")
	maxConns   = flag.Int("max-conns", 0, "maximum concurrent connections, 0 for unlimited")
	s2sWorkers = flag.Int("s2s-workers", 8, "worker pool size for server-to-server stanzas")
	writeLimit = flag.Duration("write-limit", time.Minute, "how long a stanza write may stall before the connection is killed")
	negTimeout = flag.Duration("negotiate-timeout", 45*time.Second, "stream negotiation deadline")
	debug      = flag.Bool("debug", false, "verbose logging")
)

func main() {
	flag.Parse()

	logCfg := zap.NewProductionConfig()
	if *debug {
		logCfg = zap.NewDevelopmentConfig()
	}
	logger, err := logCfg.Build()
	if err != nil {
		panic(err)
	}
	defer func() { _ = logger.Sync() }()

	if err := run(logger); err != nil {
		logger.Fatal("server exited", zap.Error(err))
	}
}

func run(logger *zap.Logger) error {
	var tlsCfg *tls.Config
	if *certFile != "" {
		cert, err := tls.LoadX509KeyPair(*certFile, *keyFile)
		if err != nil {
			return err
		}
		tlsCfg = &tls.Config{Certificates: []tls.Certificate{cert}}
	} else if *requireTLS {
		return errors.New("require-tls needs -cert and -key")
	}

	provider := auth.NewMemory(*anonymous)
	registry := router.NewRegistry(logger)

	tracker := transport.NewSendTracker(
		transport.WriteLimit(*writeLimit),
		transport.TrackerLogger(logger),
	)
	tracker.Start()
	defer tracker.Stop()

	srv := &xmppd.Server{
		Domain:           *domain,
		TLSConfig:        tlsCfg,
		RequireTLS:       *requireTLS,
		Auth:             provider,
		Registry:         registry,
		Tracker:          tracker,
		MaxConnections:   *maxConns,
		NegotiateTimeout: *negTimeout,
		S2SWorkers:       *s2sWorkers,
		Logger:           logger,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 3)

	c2s, err := net.Listen("tcp", *c2sAddr)
	if err != nil {
		return err
	}
	logger.Info("listening for client streams", zap.String("addr", *c2sAddr))
	go func() { errCh <- srv.Serve(c2s) }()

	if *s2sAddr != "" {
		s2s, err := net.Listen("tcp", *s2sAddr)
		if err != nil {
			return err
		}
		logger.Info("listening for server streams", zap.String("addr", *s2sAddr))
		go func() { errCh <- srv.Serve(s2s) }()
	}

	var httpSrv *http.Server
	var mgr *bosh.Manager
	if *boshAddr != "" {
		mgr = bosh.NewManager(bosh.Config{
			Domain:   *domain,
			Auth:     provider,
			Registry: registry,
			Logger:   logger,
		})
		mgr.Start()
		defer mgr.Stop()

		mux := http.NewServeMux()
		mux.Handle("/http-bind", mgr)
		httpSrv = &http.Server{Addr: *boshAddr, Handler: mux}
		logger.Info("listening for BOSH requests", zap.String("addr", *boshAddr))
		go func() {
			err := httpSrv.ListenAndServe()
			if !errors.Is(err, http.ErrServerClosed) {
				errCh <- err
			}
		}()
	}

	select {
	case <-ctx.Done():
		logger.Info("shutting down")
	case err := <-errCh:
		if err != nil && !errors.Is(err, xmppd.ErrServerClosed) {
			return err
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if httpSrv != nil {
		_ = httpSrv.Shutdown(shutdownCtx)
	}
	return srv.Shutdown(shutdownCtx)
}
