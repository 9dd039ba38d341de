// Package connmgr provides the default connection-pool owner: a
// ConnectionManager that bounds concurrent connections per host:port and
// dials plain or TLS-wrapped sockets on demand. The core (package icap)
// never imports this package; it only depends on the
// icap.ConnectionManager interface, so a caller embedding the client in a
// larger service is free to swap this out for a pool backed by their own
// transport fabric.
package connmgr

import (
	"context"
	"crypto/tls"
	"net"
	"strconv"
	"sync"
	"time"

	"icap-client/icap"
)

// Manager is a ConnectionManager that caps the number of concurrent
// connections held open to any one host:port, so a directory-scan or
// gateway workload submitting many resources at once can't exhaust local
// ephemeral ports or the remote service's connection limit.
//
// Every ICAP validate request the engine sends carries "Connection:
// close", so the underlying socket is not reusable across calls; the
// remote end tears it down once its response is written. Manager therefore
// does not keep an idle-connection freelist; "bounded pool" here means a
// per-key semaphore gating how many sockets may be open to a given
// host:port at once, not connection reuse.
type Manager struct {
	tlsConfig  *tls.Config
	maxPerHost int
	mu         sync.Mutex
	inFlight   map[string]int
	becameFree map[string]chan struct{}
}

// New returns a Manager that allows at most maxPerHost concurrent
// connections to any one host:port. maxPerHost <= 0 means unbounded.
// tlsConfig is used for secure connections; nil selects sensible defaults.
func New(maxPerHost int, tlsConfig *tls.Config) *Manager {
	return &Manager{
		tlsConfig:  tlsConfig,
		maxPerHost: maxPerHost,
		inFlight:   make(map[string]int),
		becameFree: make(map[string]chan struct{}),
	}
}

// Connect implements icap.ConnectionManager.
func (m *Manager) Connect(ctx context.Context, host string, port int, serviceName string, secure bool, connectTimeout, readTimeout time.Duration) (icap.Transport, error) {
	key := net.JoinHostPort(host, strconv.Itoa(port))

	if err := m.acquire(ctx, key); err != nil {
		return nil, &icap.IoError{Reason: "wait for connection slot to " + key, Cause: err}
	}

	dialer := &net.Dialer{Timeout: connectTimeout}
	var conn net.Conn
	var err error
	if secure {
		tlsDialer := &tls.Dialer{NetDialer: dialer, Config: m.tlsConfig}
		conn, err = tlsDialer.DialContext(ctx, "tcp", key)
	} else {
		conn, err = dialer.DialContext(ctx, "tcp", key)
	}
	if err != nil {
		m.release(key)
		return nil, &icap.IoError{Reason: "connect to " + key, Cause: err}
	}

	return &pooledTransport{
		Transport: icap.NewSocketTransport(conn, readTimeout),
		conn:      conn,
		release:   func() { m.release(key) },
	}, nil
}

func (m *Manager) acquire(ctx context.Context, key string) error {
	if m.maxPerHost <= 0 {
		return nil
	}
	for {
		m.mu.Lock()
		if m.inFlight[key] < m.maxPerHost {
			m.inFlight[key]++
			m.mu.Unlock()
			return nil
		}
		ch, ok := m.becameFree[key]
		if !ok {
			ch = make(chan struct{})
			m.becameFree[key] = ch
		}
		m.mu.Unlock()

		select {
		case <-ch:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (m *Manager) release(key string) {
	if m.maxPerHost <= 0 {
		return
	}
	m.mu.Lock()
	if m.inFlight[key] > 0 {
		m.inFlight[key]--
	}
	ch, ok := m.becameFree[key]
	if ok {
		delete(m.becameFree, key)
	}
	m.mu.Unlock()
	if ok {
		close(ch)
	}
}

// pooledTransport wraps a socket transport so Close() also releases the
// per-host:port slot back to the Manager.
type pooledTransport struct {
	icap.Transport
	conn    net.Conn
	release func()
	once    sync.Once
}

func (t *pooledTransport) Close() error {
	var err error
	t.once.Do(func() {
		err = t.Transport.Close()
		t.release()
	})
	return err
}
