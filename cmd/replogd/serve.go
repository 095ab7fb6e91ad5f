package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"slices"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"

	"replicated-log/internal/config"
	"replicated-log/internal/logger"
	"replicated-log/internal/replog"
	"replicated-log/internal/replog/metrics"
	"replicated-log/internal/replog/replication"
	"replicated-log/internal/replog/storage"
	"replicated-log/internal/replog/streams"
	"replicated-log/internal/replog/transport"
)

const (
	storeFile       = "replog.db"
	shutdownTimeout = 10 * time.Second
)

func newServeCommand() *cobra.Command {
	var configPath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run this participant of the configured logs",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			return serve(cmd.Context(), cfg)
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "replogd.toml", "path to the TOML configuration file")
	return cmd
}

// node is one log hosted by this participant together with its stream views.
type node struct {
	log   *replication.Log
	mux   *streams.Multiplexer
	demux *streams.Demultiplexer
}

type daemon struct {
	cfg      config.Config
	self     replog.ParticipantID
	logger   *zap.Logger
	clock    clock.Clock
	store    *storage.Store
	metrics  *metrics.Metrics
	registry *prometheus.Registry
	peers    *transport.GRPCTransport
	server   *transport.Server
	nodes    map[replog.LogID]*node
}

func serve(ctx context.Context, cfg config.Config) (err error) {
	log, err := logger.New(os.Stdout, cfg.Logging)
	if err != nil {
		return err
	}
	defer log.Sync()

	d, err := openDaemon(cfg, log)
	if err != nil {
		return err
	}
	defer func() { err = multierr.Append(err, d.close()) }()

	lis, err := net.Listen("tcp", cfg.GRPCAddr)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", cfg.GRPCAddr, err)
	}
	grpcServer := grpc.NewServer()
	transport.Register(grpcServer, d.server)

	httpServer := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           newRouter(d.nodes, time.Duration(cfg.Replication.WaitTimeout), d.registry, log),
		ReadHeaderTimeout: 5 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info("Listening", zap.String("transport", "grpc"), zap.Stringer("addr", lis.Addr()))
		return grpcServer.Serve(lis)
	})
	g.Go(func() error {
		log.Info("Listening", zap.String("transport", "http"), zap.String("addr", cfg.HTTPAddr))
		if err := httpServer.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info("Shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		err := httpServer.Shutdown(shutdownCtx)
		grpcServer.GracefulStop()
		return err
	})
	return g.Wait()
}

func openDaemon(cfg config.Config, log *zap.Logger) (_ *daemon, err error) {
	order, err := storage.ParseByteOrder(cfg.ByteOrder)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return nil, fmt.Errorf("creating data dir: %w", err)
	}
	store, err := storage.NewBboltStore(filepath.Join(cfg.DataDir, storeFile), storage.Options{
		ByteOrder: order,
		Timeout:   time.Second,
	}, log)
	if err != nil {
		return nil, err
	}

	d := &daemon{
		cfg:      cfg,
		self:     replog.ParticipantID(cfg.Participant),
		logger:   log,
		clock:    clock.New(),
		store:    store,
		metrics:  metrics.NewMetrics(),
		registry: prometheus.NewRegistry(),
		server:   transport.NewServer(log),
		nodes:    make(map[replog.LogID]*node),
	}
	defer func() {
		if err != nil {
			err = multierr.Append(err, d.close())
		}
	}()

	if err := d.metrics.Register(d.registry); err != nil {
		return nil, err
	}
	if err := d.registry.Register(collectors.NewGoCollector()); err != nil {
		return nil, err
	}

	d.peers, err = transport.NewGRPCTransport(cfg.PeerAddresses(), transport.Options{
		AttemptTimeout: time.Duration(cfg.Transport.AttemptTimeout),
		MaxAttempts:    cfg.Transport.MaxAttempts,
		Metrics:        d.metrics,
		Logger:         log,
	})
	if err != nil {
		return nil, err
	}

	for _, lc := range cfg.Logs {
		if lc.Leader != cfg.Participant && !slices.Contains(lc.Followers, cfg.Participant) {
			log.Info("Skipping log without this participant", zap.Uint64("log_id", lc.ID))
			continue
		}
		if err := d.startLog(lc); err != nil {
			return nil, fmt.Errorf("log %d: %w", lc.ID, err)
		}
	}
	return d, nil
}

func (d *daemon) startLog(lc config.Log) error {
	id := replog.LogID(lc.ID)
	l, err := replication.NewLog(d.self, d.store.Log(id), d.peers, replication.Options{
		MaxEntriesPerRequest: d.cfg.Replication.MaxEntriesPerRequest,
		MemoryTailRetention:  d.cfg.Replication.MemoryTailRetention,
		RequestTimeout:       time.Duration(d.cfg.Replication.RequestTimeout),
		WaitTimeout:          time.Duration(d.cfg.Replication.WaitTimeout),
		Metrics:              d.metrics.ForLog(id),
		Logger:               d.logger,
	})
	if err != nil {
		return err
	}
	n := &node{log: l}
	d.nodes[id] = n

	backoff := replication.Backoff{
		Base: time.Duration(d.cfg.Replication.RetryBase),
		Max:  time.Duration(d.cfg.Replication.RetryMax),
	}
	go replication.NewOrchestrator(l, backoff, d.clock).Run()
	go replication.NewHeartbeatJob(l, time.Duration(d.cfg.HeartbeatInterval), d.clock).Run()

	ids := make([]streams.StreamID, 0, len(lc.Streams))
	for _, s := range lc.Streams {
		ids = append(ids, streams.StreamID(s))
	}
	if n.mux, err = streams.NewMultiplexer(l, ids...); err != nil {
		return err
	}
	n.demux = streams.NewDemultiplexer(l, d.logger)

	term := replog.LogTerm(lc.Term)
	if lc.Leader == d.cfg.Participant {
		var conf replog.LogConfiguration
		if conf, err = lc.Configuration(); err != nil {
			return err
		}
		err = l.BecomeLeader(term, conf)
	} else {
		err = l.BecomeFollower(term, replog.ParticipantID(lc.Leader))
	}
	var stale *replog.StaleTermError
	if errors.As(err, &stale) {
		// A newer term was persisted by a previous run, the leader of that term will contact us
		d.logger.Warn("Configured term is stale, waiting for the current leader",
			zap.Uint64("log_id", lc.ID), zap.Uint64("term", uint64(stale.Current)))
		err = l.BecomeFollower(stale.Current, "")
	}
	if err != nil {
		return err
	}

	d.server.Add(l)
	return nil
}

func (d *daemon) close() error {
	var err error
	for id, n := range d.nodes {
		d.server.Remove(id)
		if n.demux != nil {
			n.demux.Close()
		}
		err = multierr.Append(err, n.log.Close())
	}
	if d.peers != nil {
		err = multierr.Append(err, d.peers.Close())
	}
	return multierr.Append(err, d.store.Close())
}
