// Package connection is the client side of the gojoidx line protocol. It keeps
// a pool of TCP connections per server address and reuses them across requests.
package connection

import (
	"bufio"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"
)

var ErrPoolClosed = errors.New("connection pool closed")

// PooledConn is a connection checked out of a pool. Its reader stays with the
// connection so buffered reply bytes are never lost between requests.
type PooledConn struct {
	net.Conn
	Reader *bufio.Reader
	pool   *addrPool
}

// Close returns the connection to the pool. It doesn't close the underlying TCP
// connection. Use ForceClose for connections in an unknown state.
func (c *PooledConn) Close() error {
	if c.pool == nil {
		return fmt.Errorf("connection is already closed or detached from pool")
	}
	c.pool.put(&idleConn{conn: c.Conn, reader: c.Reader})
	c.pool = nil
	return nil
}

// ForceClose closes the underlying TCP connection and frees its pool slot.
func (c *PooledConn) ForceClose() error {
	if c.pool != nil {
		c.pool.release()
		c.pool = nil
	}
	return c.Conn.Close()
}

type idleConn struct {
	conn   net.Conn
	reader *bufio.Reader
}

// addrPool manages the connections to one remote address.
type addrPool struct {
	mu       sync.Mutex
	conns    chan *idleConn
	slots    chan struct{}
	factory  func() (net.Conn, error)
	closed   bool
	numConns int
}

// ConnectionPoolManager manages one pool per remote address.
type ConnectionPoolManager struct {
	mu      sync.RWMutex
	pools   map[string]*addrPool
	maxSize int // Default max size for new pools
	timeout time.Duration
	tls     *tls.Config
	closed  bool
}

// Option configures a ConnectionPoolManager.
type Option func(*ConnectionPoolManager)

// WithTLS makes every connection a TLS client connection using cfg.
func WithTLS(cfg *tls.Config) Option {
	return func(m *ConnectionPoolManager) { m.tls = cfg }
}

// NewConnectionPoolManager creates a new manager for connection pools.
// maxSize is the maximum number of open connections per address.
// timeout bounds dialing a new connection.
func NewConnectionPoolManager(maxSize int, timeout time.Duration, opts ...Option) *ConnectionPoolManager {
	if maxSize <= 0 {
		maxSize = 1
	}
	m := &ConnectionPoolManager{
		pools:   make(map[string]*addrPool),
		maxSize: maxSize,
		timeout: timeout,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func (m *ConnectionPoolManager) dial(address string) (net.Conn, error) {
	if m.tls == nil {
		return net.DialTimeout("tcp", address, m.timeout)
	}
	return tls.DialWithDialer(&net.Dialer{Timeout: m.timeout}, "tcp", address, m.tls)
}

// Get retrieves a connection for address, dialing when the pool has room and
// waiting for a returned connection when it is full.
func (m *ConnectionPoolManager) Get(address string) (*PooledConn, error) {
	m.mu.RLock()
	pool, ok := m.pools[address]
	closed := m.closed
	m.mu.RUnlock()
	if closed {
		return nil, ErrPoolClosed
	}

	if !ok {
		m.mu.Lock()
		// Double-check after acquiring write lock
		pool, ok = m.pools[address]
		if !ok {
			pool = &addrPool{
				conns:   make(chan *idleConn, m.maxSize),
				slots:   make(chan struct{}, m.maxSize),
				factory: func() (net.Conn, error) { return m.dial(address) },
			}
			m.pools[address] = pool
		}
		m.mu.Unlock()
	}

	ic, err := pool.get()
	if err != nil {
		return nil, err
	}
	return &PooledConn{Conn: ic.conn, Reader: ic.reader, pool: pool}, nil
}

func (p *addrPool) get() (*idleConn, error) {
	p.mu.Lock()
	closed := p.closed
	p.mu.Unlock()
	if closed {
		return nil, ErrPoolClosed
	}
	select {
	case ic, ok := <-p.conns:
		if !ok {
			return nil, ErrPoolClosed
		}
		return ic, nil
	case p.slots <- struct{}{}:
		conn, err := p.factory()
		if err != nil {
			<-p.slots
			return nil, err
		}
		p.mu.Lock()
		p.numConns++
		p.mu.Unlock()
		return &idleConn{conn: conn, reader: bufio.NewReader(conn)}, nil
	}
}

func (p *addrPool) put(ic *idleConn) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		ic.conn.Close()
		p.numConns--
		<-p.slots
		return
	}
	p.conns <- ic
}

func (p *addrPool) release() {
	p.mu.Lock()
	p.numConns--
	p.mu.Unlock()
	<-p.slots
}

// Open reports the connections currently open to address.
func (m *ConnectionPoolManager) Open(address string) int {
	m.mu.RLock()
	pool, ok := m.pools[address]
	m.mu.RUnlock()
	if !ok {
		return 0
	}
	pool.mu.Lock()
	defer pool.mu.Unlock()
	return pool.numConns
}

// Close shuts down every pool. Idle connections are closed now and checked out
// ones when they are returned.
func (m *ConnectionPoolManager) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, pool := range m.pools {
		pool.close()
	}
	m.pools = make(map[string]*addrPool)
	m.closed = true
}

func (p *addrPool) close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	for {
		select {
		case ic := <-p.conns:
			ic.conn.Close()
			p.numConns--
			<-p.slots
		default:
			return
		}
	}
}
