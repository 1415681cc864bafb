// Package server exposes an index over a newline-delimited TCP protocol.
//
// Every request is one line and every reply starts with "STATUS message".
// RANGE replies "OK <n>" followed by n lines of "key<TAB>value".
package server

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sushant-115/gojoidx/core/indexmanager"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
)

// Options tunes the server.
type Options struct {
	// MaxLineBytes bounds one request line.
	MaxLineBytes int
	// RequestsPerSec limits each connection; 0 means unlimited.
	RequestsPerSec float64
	Burst          int
	// IdleTimeout closes connections that send nothing for this long; 0 disables it.
	IdleTimeout time.Duration
	// SnapshotDir holds the files SNAPSHOT writes. Clients name a file in it,
	// never a path. Empty disables SNAPSHOT.
	SnapshotDir string
}

var (
	ErrSnapshotsDisabled = errors.New("snapshots are disabled on this server")
	ErrSnapshotName      = errors.New("snapshot name must be a plain file name")
)

// DefaultOptions returns options with a 64KiB line limit and no rate limit.
func DefaultOptions() Options {
	return Options{MaxLineBytes: 64 << 10, Burst: 1}
}

// Server serves one index.
type Server struct {
	index   indexmanager.IndexManager
	logger  *zap.Logger
	opts    Options
	keySize int

	mu    sync.Mutex
	conns map[string]net.Conn
}

// New creates a server for index.
func New(index indexmanager.IndexManager, logger *zap.Logger, opts Options) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.MaxLineBytes <= 0 {
		opts.MaxLineBytes = DefaultOptions().MaxLineBytes
	}
	if opts.Burst <= 0 {
		opts.Burst = 1
	}
	return &Server{
		index:   index,
		logger:  logger.Named("server"),
		opts:    opts,
		keySize: len(index.Key("")),
		conns:   make(map[string]net.Conn),
	}
}

// Serve accepts connections on ln until ctx is cancelled, then closes ln and
// every open connection and waits for their handlers to finish.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		<-gctx.Done()
		ln.Close()
		s.closeConns()
		return nil
	})
	g.Go(func() error {
		s.logger.Info("Serving", zap.Stringer("addr", ln.Addr()))
		for {
			conn, err := ln.Accept()
			if err != nil {
				if gctx.Err() != nil {
					return nil
				}
				return fmt.Errorf("accepting connection: %w", err)
			}
			id := uuid.NewString()
			if !s.track(id, conn) {
				conn.Close()
				return nil
			}
			g.Go(func() error {
				defer s.untrack(id)
				s.handleConnection(gctx, id, conn)
				return nil
			})
		}
	})
	return g.Wait()
}

func (s *Server) track(id string, conn net.Conn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conns == nil {
		return false
	}
	s.conns[id] = conn
	return true
}

func (s *Server) untrack(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if conn, ok := s.conns[id]; ok {
		conn.Close()
		delete(s.conns, id)
	}
}

func (s *Server) closeConns() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, conn := range s.conns {
		conn.Close()
	}
	s.conns = nil
}

// handleConnection serves requests from one client until it disconnects.
func (s *Server) handleConnection(ctx context.Context, id string, conn net.Conn) {
	logger := s.logger.With(zap.String("conn_id", id), zap.Stringer("remote", conn.RemoteAddr()))
	logger.Info("Client connected")

	limit := rate.Inf
	if s.opts.RequestsPerSec > 0 {
		limit = rate.Limit(s.opts.RequestsPerSec)
	}
	limiter := rate.NewLimiter(limit, s.opts.Burst)

	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 0, 4096), s.opts.MaxLineBytes)
	for {
		if s.opts.IdleTimeout > 0 {
			conn.SetReadDeadline(time.Now().Add(s.opts.IdleTimeout))
		}
		if !scanner.Scan() {
			break
		}
		raw := bytes.TrimSpace(scanner.Bytes())
		if len(raw) == 0 {
			continue
		}
		if err := limiter.Wait(ctx); err != nil {
			return
		}
		logger.Debug("Received command", zap.ByteString("command", raw))

		var resp Response
		req, err := parseRequest(string(raw))
		if err != nil {
			resp = Response{Status: StatusError, Message: fmt.Sprintf("Invalid request: %v", err)}
		} else {
			resp = s.handleRequest(ctx, req)
		}
		if _, err := conn.Write(resp.encode()); err != nil {
			logger.Warn("Error writing response to client", zap.Error(err))
			return
		}
	}

	switch err := scanner.Err(); {
	case err == nil, errors.Is(err, net.ErrClosed):
		logger.Info("Client disconnected")
	case errors.Is(err, bufio.ErrTooLong):
		conn.Write(Response{Status: StatusError, Message: "request line too long"}.encode())
		logger.Warn("Request line too long", zap.Int("max_line_bytes", s.opts.MaxLineBytes))
	default:
		logger.Warn("Error reading from client", zap.Error(err))
	}
}

func (s *Server) key(k string) ([]byte, error) {
	if len(k) > s.keySize {
		return nil, fmt.Errorf("key longer than %d bytes", s.keySize)
	}
	return s.index.Key(k), nil
}

// bound converts a RANGE bound; "-" is open.
func (s *Server) bound(k string) ([]byte, error) {
	if k == openBound {
		return nil, nil
	}
	return s.key(k)
}

func displayKey(k []byte) string {
	return string(bytes.TrimRight(k, "\x00"))
}

func failed(op string, err error) Response {
	return Response{Status: StatusError, Message: fmt.Sprintf("%s failed: %v", op, err)}
}

// handleRequest executes one request against the index.
func (s *Server) handleRequest(ctx context.Context, req Request) Response {
	switch req.Command {
	case "PUT":
		key, err := s.key(req.Key)
		if err != nil {
			return failed("PUT", err)
		}
		if err := s.index.Put(ctx, key, []byte(req.Value)); err != nil {
			return failed("PUT", err)
		}
		return Response{Status: StatusOK, Message: "Key-value pair inserted/updated."}

	case "GET":
		key, err := s.key(req.Key)
		if err != nil {
			return failed("GET", err)
		}
		value, found, err := s.index.Get(ctx, key)
		if err != nil {
			return failed("GET", err)
		}
		if !found {
			return Response{Status: StatusNotFound, Message: fmt.Sprintf("Key %s not found.", req.Key)}
		}
		return Response{Status: StatusOK, Message: string(value)}

	case "DELETE":
		key, err := s.key(req.Key)
		if err != nil {
			return failed("DELETE", err)
		}
		removed, err := s.index.Delete(ctx, key)
		if err != nil {
			return failed("DELETE", err)
		}
		if !removed {
			return Response{Status: StatusNotFound, Message: fmt.Sprintf("Key %s not found.", req.Key)}
		}
		return Response{Status: StatusOK, Message: "Key deleted."}

	case "RANGE":
		start, err := s.bound(req.Key)
		if err != nil {
			return failed("RANGE", err)
		}
		end, err := s.bound(req.EndKey)
		if err != nil {
			return failed("RANGE", err)
		}
		kvs, err := s.index.GetRange(ctx, start, end, req.Limit)
		if err != nil {
			return failed("RANGE", err)
		}
		lines := make([]string, len(kvs))
		for i, kv := range kvs {
			lines[i] = displayKey(kv.Key) + "\t" + string(kv.Value)
		}
		return Response{Status: StatusOK, Message: strconv.Itoa(len(lines)), Lines: lines}

	case "SIZE":
		stats, err := s.index.Stats(ctx)
		if err != nil {
			return failed("SIZE", err)
		}
		return Response{Status: StatusOK, Message: strconv.Itoa(stats.Tree.Items)}

	case "STATS":
		stats, err := s.index.Stats(ctx)
		if err != nil {
			return failed("STATS", err)
		}
		doc, err := json.Marshal(stats)
		if err != nil {
			return failed("STATS", err)
		}
		return Response{Status: StatusOK, Message: string(doc)}

	case "SNAPSHOT":
		path, err := s.snapshotPath(req.Value)
		if err != nil {
			return failed("SNAPSHOT", err)
		}
		info, err := s.index.Snapshot(ctx, path)
		if err != nil {
			return failed("SNAPSHOT", err)
		}
		return Response{Status: StatusOK, Message: fmt.Sprintf("%s %d %016x", info.ID, info.Bytes, info.Checksum)}
	}
	return Response{Status: StatusError, Message: fmt.Sprintf("Unsupported command: %s", req.Command)}
}

// snapshotPath confines a client supplied snapshot name to the snapshot directory.
func (s *Server) snapshotPath(name string) (string, error) {
	if s.opts.SnapshotDir == "" {
		return "", ErrSnapshotsDisabled
	}
	if name == "" || name == "." || name == ".." || strings.ContainsAny(name, `/\`) {
		return "", fmt.Errorf("%w: %q", ErrSnapshotName, name)
	}
	return filepath.Join(s.opts.SnapshotDir, name), nil
}
