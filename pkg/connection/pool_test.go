package connection

import (
	"bufio"
	"context"
	"errors"
	"net"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// echoServer answers every line with "OK <line>".
func echoServer(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go func() {
				defer conn.Close()
				scanner := bufio.NewScanner(conn)
				for scanner.Scan() {
					line := scanner.Text()
					if strings.HasPrefix(line, "RANGE") {
						conn.Write([]byte("OK 2\na\t1\nb\tx y\n"))
						continue
					}
					conn.Write([]byte("OK " + line + "\n"))
				}
			}()
		}
	}()
	return ln.Addr().String()
}

func TestConnectionPoolManager_Reuse(t *testing.T) {
	addr := echoServer(t)
	m := NewConnectionPoolManager(2, time.Second)
	defer m.Close()

	c1, err := m.Get(addr)
	require.NoError(t, err)
	c2, err := m.Get(addr)
	require.NoError(t, err)
	assert.Equal(t, 2, m.Open(addr))

	// The pool is full, so a third Get waits for a returned connection.
	got := make(chan *PooledConn)
	go func() {
		c, err := m.Get(addr)
		if err == nil {
			got <- c
		}
	}()
	select {
	case <-got:
		t.Fatal("Get returned while the pool was exhausted")
	case <-time.After(50 * time.Millisecond):
	}
	require.NoError(t, c1.Close())
	c3 := <-got
	assert.Same(t, c1.Conn, c3.Conn)
	assert.Equal(t, 2, m.Open(addr))

	require.Error(t, c1.Close(), "double close")
	require.NoError(t, c2.ForceClose())
	assert.Equal(t, 1, m.Open(addr))
	require.NoError(t, c3.Close())
}

func TestConnectionPoolManager_Closed(t *testing.T) {
	addr := echoServer(t)
	m := NewConnectionPoolManager(1, time.Second)
	c, err := m.Get(addr)
	require.NoError(t, err)
	m.Close()

	_, err = m.Get(addr)
	require.ErrorIs(t, err, ErrPoolClosed)
	// Returning a connection after Close closes it instead of blocking.
	require.NoError(t, c.Close())
}

func TestConnectionPoolManager_DialFailureFreesSlot(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	require.NoError(t, ln.Close())

	m := NewConnectionPoolManager(1, 200*time.Millisecond)
	defer m.Close()
	for i := 0; i < 3; i++ {
		_, err := m.Get(addr)
		require.Error(t, err)
	}
	assert.Equal(t, 0, m.Open(addr))
}

func TestClient_Replies(t *testing.T) {
	addr := echoServer(t)
	c := NewClient(addr, 2, time.Second)
	defer c.Close()
	ctx := context.Background()

	value, found, err := c.Get(ctx, "k")
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, "GET k", value)

	kvs, err := c.Range(ctx, "", "", 0)
	require.NoError(t, err)
	assert.Equal(t, []KV{{Key: "a", Value: "1"}, {Key: "b", Value: "x y"}}, kvs)

	_, err = c.Do(ctx, "PUT a\nb", nil)
	require.Error(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := c.Size(ctx)
			// The echo server replies "OK SIZE", which is not a number.
			var numErr *strconv.NumError
			assert.True(t, errors.As(err, &numErr))
		}()
	}
	wg.Wait()
}
