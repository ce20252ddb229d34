package cache

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net"
	"path"
	"strings"
	"sync"
	"testing"
	"time"
)

// fakeValkey speaks just enough RESP to exercise ValkeyProvider.
type fakeValkey struct {
	ln       net.Listener
	password string

	mu       sync.Mutex
	store    map[string]string
	commands []string
}

func startFakeValkey(t *testing.T, password string) *fakeValkey {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	srv := &fakeValkey{ln: ln, password: password, store: make(map[string]string)}
	go srv.serve()
	t.Cleanup(func() { _ = ln.Close() })
	return srv
}

func (s *fakeValkey) serve() {
	for {
		conn, err := s.ln.Accept()
		if err != nil {
			return
		}
		go s.handle(conn)
	}
}

func (s *fakeValkey) handle(conn net.Conn) {
	defer conn.Close()
	r := bufio.NewReader(conn)
	w := bufio.NewWriter(conn)
	authed := s.password == ""
	for {
		cmd, err := readReply(r)
		if err != nil {
			return
		}
		args := make([]string, len(cmd.elems))
		for i, elem := range cmd.elems {
			args[i] = string(elem.data)
		}
		s.mu.Lock()
		s.commands = append(s.commands, strings.ToUpper(args[0]))
		s.mu.Unlock()

		if !authed && strings.ToUpper(args[0]) != "AUTH" {
			fmt.Fprint(w, "-NOAUTH Authentication required.\r\n")
			w.Flush()
			continue
		}
		switch strings.ToUpper(args[0]) {
		case "AUTH":
			if args[len(args)-1] == s.password {
				authed = true
				fmt.Fprint(w, "+OK\r\n")
			} else {
				fmt.Fprint(w, "-WRONGPASS invalid password\r\n")
			}
		case "PING":
			fmt.Fprint(w, "+PONG\r\n")
		case "SELECT":
			fmt.Fprint(w, "+OK\r\n")
		case "GET":
			s.mu.Lock()
			v, ok := s.store[args[1]]
			s.mu.Unlock()
			if !ok {
				fmt.Fprint(w, "$-1\r\n")
			} else {
				fmt.Fprintf(w, "$%d\r\n%s\r\n", len(v), v)
			}
		case "SET":
			nx := strings.ToUpper(args[len(args)-1]) == "NX"
			s.mu.Lock()
			_, exists := s.store[args[1]]
			if nx && exists {
				s.mu.Unlock()
				fmt.Fprint(w, "$-1\r\n")
				break
			}
			s.store[args[1]] = args[2]
			s.mu.Unlock()
			fmt.Fprint(w, "+OK\r\n")
		case "DEL":
			s.mu.Lock()
			delete(s.store, args[1])
			s.mu.Unlock()
			fmt.Fprint(w, ":1\r\n")
		case "SCAN":
			s.mu.Lock()
			var keys []string
			for k := range s.store {
				if ok, _ := path.Match(args[3], k); ok {
					keys = append(keys, k)
				}
			}
			s.mu.Unlock()
			fmt.Fprintf(w, "*2\r\n$1\r\n0\r\n*%d\r\n", len(keys))
			for _, k := range keys {
				fmt.Fprintf(w, "$%d\r\n%s\r\n", len(k), k)
			}
		default:
			fmt.Fprintf(w, "-ERR unknown command %s\r\n", args[0])
		}
		w.Flush()
	}
}

func (s *fakeValkey) count(command string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, c := range s.commands {
		if c == command {
			n++
		}
	}
	return n
}

func TestValkeyProviderRoundTrip(t *testing.T) {
	srv := startFakeValkey(t, "secret")
	ctx := context.Background()
	provider, err := NewValkeyProvider(ctx, ValkeyConfig{Addr: srv.ln.Addr().String(), Password: "secret", DB: 2})
	if err != nil {
		t.Fatalf("new provider: %v", err)
	}
	defer provider.Close()

	if _, err := provider.Get(ctx, "missing"); !errors.Is(err, ErrCacheMiss) {
		t.Fatalf("expected cache miss, got %v", err)
	}
	if err := provider.Set(ctx, "anomaly:status:a", []byte("ALARM"), time.Hour); err != nil {
		t.Fatalf("set: %v", err)
	}
	got, err := provider.Get(ctx, "anomaly:status:a")
	if err != nil || string(got) != "ALARM" {
		t.Fatalf("expected ALARM, got %q (%v)", got, err)
	}

	ok, err := provider.SetNX(ctx, "anomaly:status:a", []byte("OK"), 0)
	if err != nil || ok {
		t.Fatalf("expected SetNX on existing key to fail, got %v %v", ok, err)
	}

	keys, err := provider.Scan(ctx, "anomaly:status:*")
	if err != nil || len(keys) != 1 || keys[0] != "anomaly:status:a" {
		t.Fatalf("unexpected scan result %v (%v)", keys, err)
	}

	if err := provider.Del(ctx, "anomaly:status:a"); err != nil {
		t.Fatalf("del: %v", err)
	}
	if _, err := provider.Get(ctx, "anomaly:status:a"); !errors.Is(err, ErrCacheMiss) {
		t.Fatalf("expected miss after delete, got %v", err)
	}

	if auths := srv.count("AUTH"); auths != 1 {
		t.Fatalf("expected pooled connection to authenticate once, got %d", auths)
	}
}

func TestValkeyProviderRejectsBadPassword(t *testing.T) {
	srv := startFakeValkey(t, "secret")
	_, err := NewValkeyProvider(context.Background(), ValkeyConfig{Addr: srv.ln.Addr().String(), Password: "nope"})
	var serverErr *ServerError
	if !errors.As(err, &serverErr) {
		t.Fatalf("expected server error, got %v", err)
	}
}

func TestValkeyProviderRequiresAddr(t *testing.T) {
	if _, err := NewValkeyProvider(context.Background(), ValkeyConfig{}); err == nil {
		t.Fatalf("expected error without addr")
	}
}
