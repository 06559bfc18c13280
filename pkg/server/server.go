package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi"
	"github.com/go-chi/chi/middleware"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/trusch/timelock/pkg/bound"
	"github.com/trusch/timelock/pkg/config"
	"github.com/trusch/timelock/pkg/leader"
	"github.com/trusch/timelock/pkg/notifier"
	"github.com/trusch/timelock/pkg/paxos"
	"github.com/trusch/timelock/pkg/queue"
	"github.com/trusch/timelock/pkg/rpc"
	"github.com/trusch/timelock/pkg/statelog"
	"github.com/trusch/timelock/pkg/timestamp"
	"go.etcd.io/etcd/clientv3"
)

type Server struct {
	cfg        config.ServerConfig
	token      string
	router     chi.Router
	acceptor   *paxos.LocalAcceptor
	election   *leader.Service
	timestamps *timestamp.Service
	notifier   *notifier.DefaultNotifier

	truncatedTo int64
	etcdClients map[string]*clientv3.Client
	closers     []io.Closer
}

// New opens the storage, connects the peers and wires the election, the bound
// store and the timestamp service. Nothing runs before Listen.
func New(ctx context.Context, cfg config.ServerConfig) (_ *Server, err error) {
	cfg.SetDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	srv := &Server{
		cfg:         cfg,
		token:       newToken(cfg.ID),
		truncatedTo: paxos.NoSequence,
		etcdClients: make(map[string]*clientv3.Client),
	}
	defer func() {
		if err != nil {
			srv.Close()
		}
	}()

	stateLog, err := srv.openStateLog(ctx)
	if err != nil {
		return nil, fmt.Errorf("opening state log: %w", err)
	}
	srv.closers = append(srv.closers, stateLog)
	srv.acceptor, err = paxos.NewAcceptor(ctx, stateLog)
	if err != nil {
		return nil, err
	}

	acceptors := []paxos.Acceptor{srv.acceptor}
	peerClient := &http.Client{}
	for _, peer := range cfg.Peers {
		acceptors = append(acceptors, rpc.NewClient(peer, peerClient))
	}
	election := cfg.Election
	proposer := paxos.NewProposer(acceptors,
		paxos.WithOwner(srv.token),
		paxos.WithRPCTimeout(time.Duration(election.RPCTimeout)),
		paxos.WithMaxAttempts(election.MaxAttempts),
		paxos.WithBackoff(time.Duration(election.Backoff)),
	)
	srv.election = leader.New(proposer,
		leader.WithHeartbeat(time.Duration(election.HeartbeatInterval)),
		leader.WithRenewalTimeout(time.Duration(election.RenewalTimeout)),
		leader.WithLeaderTimeout(time.Duration(election.LeaderTimeout)),
		leader.WithPayload([]byte(cfg.HTTPListenAddress)),
	)

	cell, err := srv.openCell(ctx)
	if err != nil {
		return nil, fmt.Errorf("opening bound store: %w", err)
	}
	q, err := srv.openQueue(ctx)
	if err != nil {
		return nil, fmt.Errorf("opening notification queue: %w", err)
	}
	srv.notifier, err = notifier.NewNotifier(ctx, srv.token, cfg.Notifications, q)
	if err != nil {
		return nil, err
	}
	srv.timestamps = timestamp.New(bound.NewStore(cell, srv.token), srv.election,
		timestamp.WithBufferSize(cfg.Timestamps.BufferSize),
		timestamp.WithMaxGrantSize(cfg.Timestamps.MaxGrantSize),
		timestamp.WithConflictHandler(srv.notifier.HandleConflict),
	)
	srv.election.Subscribe(srv.timestamps.HandleLeadership)
	srv.election.Subscribe(srv.notifier.HandleLeadership)

	srv.router = srv.routes()
	log.Info().
		Str("token", srv.token).
		Int("acceptors", len(acceptors)).
		Int("quorum", proposer.QuorumSize()).
		Msg("server initialized")
	return srv, nil
}

func newToken(id string) string {
	if id == "" {
		return uuid.New().String()
	}
	return id + "-" + uuid.New().String()
}

func (s *Server) etcdClient(cfg config.EtcdStorageConfig) (*clientv3.Client, error) {
	key := strings.Join(cfg.Endpoints, ",")
	if cli, ok := s.etcdClients[key]; ok {
		return cli, nil
	}
	cli, err := clientv3.New(clientv3.Config{
		Endpoints:   cfg.Endpoints,
		DialTimeout: cfg.DialTimeout,
	})
	if err != nil {
		return nil, err
	}
	s.etcdClients[key] = cli
	return cli, nil
}

func (s *Server) openStateLog(ctx context.Context) (paxos.StateLog, error) {
	switch s.cfg.StateLog.Type {
	case config.StorageTypeMemory:
		return statelog.NewMemoryLog()
	case config.StorageTypeFile:
		return statelog.NewFileLog(s.cfg.StateLog)
	case config.StorageTypeEtcd:
		etcdCfg, err := s.cfg.StateLog.GetEtcdConfig()
		if err != nil {
			return nil, err
		}
		cli, err := s.etcdClient(etcdCfg)
		if err != nil {
			return nil, err
		}
		return statelog.NewEtcdLog(ctx, cli, path.Join(etcdCfg.Prefix, "acceptors", s.cfg.ID))
	}
	return nil, fmt.Errorf("unknown storage type %q", s.cfg.StateLog.Type)
}

func (s *Server) openCell(ctx context.Context) (bound.Cell, error) {
	switch s.cfg.BoundStore.Type {
	case config.StorageTypeMemory:
		return bound.NewMemoryCell(), nil
	case config.StorageTypeFile:
		cell, err := bound.NewFileCell(s.cfg.BoundStore)
		if err != nil {
			return nil, err
		}
		s.closers = append(s.closers, cell)
		return cell, nil
	case config.StorageTypeEtcd:
		etcdCfg, err := s.cfg.BoundStore.GetEtcdConfig()
		if err != nil {
			return nil, err
		}
		cli, err := s.etcdClient(etcdCfg)
		if err != nil {
			return nil, err
		}
		return bound.NewEtcdCell(cli, etcdCfg.Prefix), nil
	}
	return nil, fmt.Errorf("unknown storage type %q", s.cfg.BoundStore.Type)
}

// openQueue shares notifications through etcd when the bound store lives
// there, so a notification survives the node that raised it.
func (s *Server) openQueue(ctx context.Context) (queue.Queue, error) {
	if s.cfg.BoundStore.Type != config.StorageTypeEtcd {
		return queue.NewMemoryQueue(64), nil
	}
	etcdCfg, err := s.cfg.BoundStore.GetEtcdConfig()
	if err != nil {
		return nil, err
	}
	cli, err := s.etcdClient(etcdCfg)
	if err != nil {
		return nil, err
	}
	return queue.NewEtcdQueue(ctx, cli, path.Join(etcdCfg.Prefix, "notifications"))
}

// Listen runs the election and serves HTTP until ctx is done.
func (s *Server) Listen(ctx context.Context) error {
	defer s.Close()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		s.election.Run(ctx)
	}()
	go func() {
		defer wg.Done()
		s.truncateLoop(ctx)
	}()

	srv := &http.Server{
		Addr:    s.cfg.HTTPListenAddress,
		Handler: s,
	}
	serveErr := make(chan error, 1)
	go func() { serveErr <- srv.ListenAndServe() }()
	log.Info().Str("address", s.cfg.HTTPListenAddress).Msg("listening")

	var err error
	select {
	case <-ctx.Done():
	case err = <-serveErr:
		cancel()
	}
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	shutdownErr := srv.Shutdown(shutdownCtx)
	if shutdownErr != nil {
		log.Error().Err(shutdownErr).Msg("failed to shutdown the server")
	}
	wg.Wait()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

func (s *Server) truncateLoop(ctx context.Context) {
	ticker := time.NewTicker(10 * time.Duration(s.cfg.Election.HeartbeatInterval))
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.truncate(ctx); err != nil && ctx.Err() == nil {
				log.Error().Err(err).Msg("failed to truncate acceptor state")
			}
		}
	}
}

// truncate drops the acceptor state of every sequence more than
// RetainSequences below the latest chosen one.
func (s *Server) truncate(ctx context.Context) error {
	cutoff := s.election.Sequence() - s.cfg.Election.RetainSequences
	if cutoff <= s.truncatedTo {
		return nil
	}
	if err := s.acceptor.Truncate(ctx, cutoff); err != nil {
		return err
	}
	s.truncatedTo = cutoff
	return nil
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// Close releases the storage. It is called by Listen on return.
func (s *Server) Close() error {
	var err error
	for i := len(s.closers) - 1; i >= 0; i-- {
		if cerr := s.closers[i].Close(); cerr != nil && err == nil {
			err = cerr
		}
	}
	s.closers = nil
	for key, cli := range s.etcdClients {
		cli.Close()
		delete(s.etcdClients, key)
	}
	return err
}

func (s *Server) routes() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Mount(rpc.Prefix, rpc.Routes(s.acceptor))
	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("ok"))
	})
	r.Get("/leader", s.getLeader)
	r.Post("/timestamps", s.getTimestamps)
	r.Post("/timestamps/fast-forward", s.fastForward)
	return r
}
