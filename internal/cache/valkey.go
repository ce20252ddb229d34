package cache

import (
	"bufio"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"
)

// ValkeyConfig holds connection parameters for a Valkey/Redis-compatible server.
type ValkeyConfig struct {
	Addr         string
	Username     string
	Password     string
	DB           int
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	MaxRetries   int
	PoolSize     int
	TLS          bool
}

// ValkeyProvider implements Provider and Scanner over RESP2 with a small idle
// connection pool. Connections are authenticated and bound to DB on dial.
type ValkeyProvider struct {
	cfg ValkeyConfig

	mu     sync.Mutex
	idle   []*valkeyConn
	closed bool
}

// NewValkeyProvider creates a provider and pings the server so that bad
// credentials or an unreachable address fail at startup.
func NewValkeyProvider(ctx context.Context, cfg ValkeyConfig) (*ValkeyProvider, error) {
	if cfg.Addr == "" {
		return nil, errors.New("valkey addr is required")
	}
	applyValkeyDefaults(&cfg)
	p := &ValkeyProvider{cfg: cfg}

	pingCtx, cancel := context.WithTimeout(ctx, cfg.DialTimeout)
	defer cancel()
	res, err := p.do(pingCtx, "PING")
	if err != nil {
		return nil, fmt.Errorf("valkey ping %s: %w", cfg.Addr, err)
	}
	if res.kind != kindStatus || string(res.data) != "PONG" {
		return nil, fmt.Errorf("valkey ping %s: unexpected reply %q", cfg.Addr, res.data)
	}
	return p, nil
}

// Get fetches bytes by key, returning ErrCacheMiss when the key is absent.
func (p *ValkeyProvider) Get(ctx context.Context, key string) ([]byte, error) {
	res, err := p.do(ctx, "GET", key)
	if err != nil {
		return nil, err
	}
	switch res.kind {
	case kindNil:
		return nil, ErrCacheMiss
	case kindBulk:
		return res.data, nil
	default:
		return nil, fmt.Errorf("GET %s: unexpected reply kind %q", key, res.kind)
	}
}

// Set stores bytes with the provided TTL; ttl <= 0 stores without expiry.
func (p *ValkeyProvider) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	res, err := p.do(ctx, setArgs(key, value, ttl)...)
	if err != nil {
		return err
	}
	if !res.isOK() {
		return fmt.Errorf("SET %s: unexpected reply %q", key, res.data)
	}
	return nil
}

// SetNX stores the value only if the key does not exist.
func (p *ValkeyProvider) SetNX(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	args := append(setArgs(key, value, ttl), "NX")
	res, err := p.do(ctx, args...)
	if err != nil {
		return false, err
	}
	switch {
	case res.isOK():
		return true, nil
	case res.kind == kindNil:
		return false, nil
	default:
		return false, fmt.Errorf("SET NX %s: unexpected reply kind %q", key, res.kind)
	}
}

// Del removes a key.
func (p *ValkeyProvider) Del(ctx context.Context, key string) error {
	_, err := p.do(ctx, "DEL", key)
	return err
}

// Scan walks the keyspace with SCAN MATCH and returns every matching key.
func (p *ValkeyProvider) Scan(ctx context.Context, pattern string) ([]string, error) {
	var keys []string
	cursor := "0"
	for {
		res, err := p.do(ctx, "SCAN", cursor, "MATCH", pattern, "COUNT", "100")
		if err != nil {
			return nil, err
		}
		if res.kind != kindArray || len(res.elems) != 2 || res.elems[1].kind != kindArray {
			return nil, errors.New("SCAN: malformed reply")
		}
		for _, elem := range res.elems[1].elems {
			keys = append(keys, string(elem.data))
		}
		cursor = string(res.elems[0].data)
		if cursor == "0" {
			return keys, nil
		}
	}
}

// Close drops idle connections. In-flight commands finish on their own connection.
func (p *ValkeyProvider) Close() error {
	p.mu.Lock()
	idle := p.idle
	p.idle = nil
	p.closed = true
	p.mu.Unlock()

	for _, vc := range idle {
		_ = vc.conn.Close()
	}
	return nil
}

func (p *ValkeyProvider) do(ctx context.Context, args ...string) (reply, error) {
	encoded := make([][]byte, len(args))
	for i, arg := range args {
		encoded[i] = []byte(arg)
	}

	var lastErr error
	for attempt := 0; attempt < p.cfg.MaxRetries; attempt++ {
		if err := ctx.Err(); err != nil {
			return reply{}, err
		}
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return reply{}, ctx.Err()
			case <-time.After(backoff(attempt - 1)):
			}
		}

		vc, err := p.acquire(ctx)
		if err != nil {
			lastErr = err
			if retryable(err) {
				continue
			}
			return reply{}, err
		}

		res, err := vc.roundTrip(encoded)
		var serverErr *ServerError
		if err == nil || errors.As(err, &serverErr) {
			p.release(vc)
			return res, err
		}
		_ = vc.conn.Close()
		lastErr = err
		if !retryable(err) {
			return reply{}, err
		}
	}
	return reply{}, lastErr
}

func (p *ValkeyProvider) acquire(ctx context.Context) (*valkeyConn, error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, errors.New("valkey provider closed")
	}
	if n := len(p.idle); n > 0 {
		vc := p.idle[n-1]
		p.idle = p.idle[:n-1]
		p.mu.Unlock()
		return vc, nil
	}
	p.mu.Unlock()
	return p.dial(ctx)
}

func (p *ValkeyProvider) release(vc *valkeyConn) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed || len(p.idle) >= p.cfg.PoolSize {
		_ = vc.conn.Close()
		return
	}
	p.idle = append(p.idle, vc)
}

func (p *ValkeyProvider) dial(ctx context.Context) (*valkeyConn, error) {
	dialer := &net.Dialer{Timeout: p.cfg.DialTimeout}
	var (
		conn net.Conn
		err  error
	)
	if p.cfg.TLS {
		td := &tls.Dialer{NetDialer: dialer, Config: &tls.Config{MinVersion: tls.VersionTLS12, ServerName: hostForTLS(p.cfg.Addr)}}
		conn, err = td.DialContext(ctx, "tcp", p.cfg.Addr)
	} else {
		conn, err = dialer.DialContext(ctx, "tcp", p.cfg.Addr)
	}
	if err != nil {
		return nil, err
	}

	vc := &valkeyConn{
		conn:         conn,
		r:            bufio.NewReader(conn),
		w:            bufio.NewWriter(conn),
		readTimeout:  p.cfg.ReadTimeout,
		writeTimeout: p.cfg.WriteTimeout,
	}
	if err := p.handshake(vc); err != nil {
		_ = conn.Close()
		return nil, err
	}
	return vc, nil
}

func (p *ValkeyProvider) handshake(vc *valkeyConn) error {
	if p.cfg.Password != "" {
		args := [][]byte{[]byte("AUTH")}
		if p.cfg.Username != "" {
			args = append(args, []byte(p.cfg.Username))
		}
		args = append(args, []byte(p.cfg.Password))
		res, err := vc.roundTrip(args)
		if err != nil {
			return fmt.Errorf("valkey auth: %w", err)
		}
		if !res.isOK() {
			return fmt.Errorf("valkey auth: unexpected reply %q", res.data)
		}
	}
	if p.cfg.DB > 0 {
		res, err := vc.roundTrip([][]byte{[]byte("SELECT"), []byte(strconv.Itoa(p.cfg.DB))})
		if err != nil {
			return fmt.Errorf("valkey select %d: %w", p.cfg.DB, err)
		}
		if !res.isOK() {
			return fmt.Errorf("valkey select %d: unexpected reply %q", p.cfg.DB, res.data)
		}
	}
	return nil
}

type valkeyConn struct {
	conn         net.Conn
	r            *bufio.Reader
	w            *bufio.Writer
	readTimeout  time.Duration
	writeTimeout time.Duration
}

func (vc *valkeyConn) roundTrip(args [][]byte) (reply, error) {
	if err := vc.conn.SetWriteDeadline(time.Now().Add(vc.writeTimeout)); err != nil {
		return reply{}, err
	}
	if err := writeCommand(vc.w, args...); err != nil {
		return reply{}, err
	}
	if err := vc.conn.SetReadDeadline(time.Now().Add(vc.readTimeout)); err != nil {
		return reply{}, err
	}
	return readReply(vc.r)
}

func setArgs(key string, value []byte, ttl time.Duration) []string {
	args := []string{"SET", key, string(value)}
	if ttl > 0 {
		args = append(args, "PX", strconv.FormatInt(ttl.Milliseconds(), 10))
	}
	return args
}

func applyValkeyDefaults(cfg *ValkeyConfig) {
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = 2 * time.Second
	}
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = 500 * time.Millisecond
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 500 * time.Millisecond
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 1
	}
	if cfg.PoolSize <= 0 {
		cfg.PoolSize = 4
	}
}

func backoff(attempt int) time.Duration {
	return time.Duration(1<<attempt) * 25 * time.Millisecond
}

func retryable(err error) bool {
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

func hostForTLS(addr string) string {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return addr
	}
	return host
}
