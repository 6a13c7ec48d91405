// Package server exposes a database over a line-oriented TCP protocol, one
// session per connection.
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	nvramdb "github.com/thebardofavon/nvram-db"
)

// MaxLine is the longest command line a session accepts.
const MaxLine = 64 << 10

// Server accepts connections and runs a session for each.
type Server struct {
	db  *nvramdb.DB
	log *zap.Logger

	mu    sync.Mutex
	ln    net.Listener
	conns map[net.Conn]struct{}
	done  bool
	stop  chan struct{}
}

func New(db *nvramdb.DB, log *zap.Logger) *Server {
	if log == nil {
		log = zap.NewNop()
	}
	return &Server{
		db:    db,
		log:   log,
		conns: make(map[net.Conn]struct{}),
		stop:  make(chan struct{}),
	}
}

// ListenAndServe listens on addr and serves until ctx ends.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen: %w", err)
	}
	return s.Serve(ctx, ln)
}

// Serve accepts connections on ln until ctx ends or accepting fails. On
// return the listener and every connection are closed, and every session has
// aborted its open transaction.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	s.mu.Lock()
	if s.done {
		s.mu.Unlock()
		_ = ln.Close()
		return net.ErrClosed
	}
	s.ln = ln
	s.mu.Unlock()

	s.log.Info("listening", zap.Stringer("addr", ln.Addr()))

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		select {
		case <-ctx.Done():
			s.shutdown()
		case <-s.stop:
		}
		return nil
	})
	g.Go(func() error {
		for {
			conn, err := ln.Accept()
			if err != nil {
				if s.stopped() {
					return nil
				}
				return fmt.Errorf("accept: %w", err)
			}
			if !s.track(conn) {
				_ = conn.Close()
				return nil
			}
			g.Go(func() error {
				defer s.untrack(conn)
				s.handle(conn)
				return nil
			})
		}
	})

	err := g.Wait()
	s.log.Info("server stopped")
	return err
}

// Close stops accepting and disconnects every session.
func (s *Server) Close() error {
	s.shutdown()
	return nil
}

func (s *Server) shutdown() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.done {
		return
	}
	s.done = true
	close(s.stop)
	if s.ln != nil {
		if err := s.ln.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
			s.log.Warn("close listener", zap.Error(err))
		}
	}
	for conn := range s.conns {
		_ = conn.Close()
	}
}

func (s *Server) stopped() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.done
}

func (s *Server) track(conn net.Conn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.done {
		return false
	}
	s.conns[conn] = struct{}{}
	return true
}

func (s *Server) untrack(conn net.Conn) {
	s.mu.Lock()
	delete(s.conns, conn)
	s.mu.Unlock()
}
