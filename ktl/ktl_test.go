package ktl_test

import (
	"bufio"
	"context"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/wmko/deifcs/ktl"
)

// keywordLoopback is a minimal keyword daemon for tests: it keeps a table
// of keywords and answers show/modify lines the way the real services do.
func keywordLoopback(t *testing.T, seed map[string]string) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("could not listen: %v", err)
	}
	t.Cleanup(func() { ln.Close() })
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go func(c net.Conn) {
				defer c.Close()
				sc := bufio.NewScanner(c)
				for sc.Scan() {
					line := strings.TrimSpace(sc.Text())
					switch {
					case strings.HasPrefix(line, "show "):
						key := strings.TrimSpace(line[5:])
						if v, ok := seed[key]; ok {
							c.Write([]byte(key + " = " + v + "\n"))
						} else {
							c.Write([]byte("ERR no such keyword\n"))
						}
					case strings.HasPrefix(line, "modify "):
						kv := strings.TrimSuffix(strings.TrimSpace(line[7:]), " nowait")
						parts := strings.SplitN(kv, "=", 2)
						if len(parts) != 2 {
							c.Write([]byte("ERR malformed modify\n"))
							continue
						}
						seed[parts[0]] = parts[1]
						c.Write([]byte("OK\n"))
					default:
						c.Write([]byte("ERR unknown verb\n"))
					}
				}
			}(conn)
		}
	}()
	return ln.Addr().String()
}

func TestShowParsesValue(t *testing.T) {
	addr := keywordLoopback(t, map[string]string{"GRATENAM": "1200G"})
	svc := ktl.NewRemote("deimot", addr, false)
	defer svc.Close()
	v, err := svc.Show("GRATENAM")
	if err != nil {
		t.Fatalf("show failed: %v", err)
	}
	if v != "1200G" {
		t.Errorf("expected 1200G got %s", v)
	}
}

func TestShowUnknownKeywordErrors(t *testing.T) {
	addr := keywordLoopback(t, map[string]string{})
	svc := ktl.NewRemote("deimot", addr, false)
	defer svc.Close()
	_, err := svc.Show("BOGUS")
	if err == nil {
		t.Errorf("expected error for unknown keyword, got nil")
	}
}

func TestModifyRoundTrip(t *testing.T) {
	seed := map[string]string{"TMIRRVAL": "100"}
	addr := keywordLoopback(t, seed)
	svc := ktl.NewRemote("deimot", addr, false)
	defer svc.Close()
	if err := ktl.ModifyFloat(svc, "TMIRRVAL", 2048, true); err != nil {
		t.Fatalf("modify failed: %v", err)
	}
	f, err := ktl.ShowFloat(svc, "TMIRRVAL")
	if err != nil {
		t.Fatalf("show after modify failed: %v", err)
	}
	if f != 2048 {
		t.Errorf("expected 2048 got %f", f)
	}
}

func TestWaitForSatisfied(t *testing.T) {
	seed := map[string]string{"FCSSTATE": "OK"}
	addr := keywordLoopback(t, seed)
	svc := ktl.NewRemote("deifcs", addr, false)
	svc.PollInterval = time.Millisecond
	defer svc.Close()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	err := svc.WaitFor(ctx, "FCSSTATE", func(v string) bool { return v == "OK" })
	if err != nil {
		t.Errorf("expected waitfor to succeed immediately, got %v", err)
	}
}

func TestWaitForContextExpiry(t *testing.T) {
	seed := map[string]string{"FCSSTATE": "lockout"}
	addr := keywordLoopback(t, seed)
	svc := ktl.NewRemote("deifcs", addr, false)
	svc.PollInterval = time.Millisecond
	defer svc.Close()
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := svc.WaitFor(ctx, "FCSSTATE", func(v string) bool { return v == "OK" })
	if err == nil {
		t.Errorf("expected waitfor to give up when the context expires")
	}
}

func TestMockTracksWrites(t *testing.T) {
	m := ktl.NewMock("deimot", map[string]string{"DWXL8RAW": "0"})
	if err := ktl.ModifyInt(m, "DWXL8RAW", 5120, true); err != nil {
		t.Fatalf("mock modify failed: %v", err)
	}
	if m.Writes["DWXL8RAW"] != 1 {
		t.Errorf("expected 1 write recorded, got %d", m.Writes["DWXL8RAW"])
	}
	i, err := ktl.ShowInt(m, "DWXL8RAW")
	if err != nil || i != 5120 {
		t.Errorf("expected 5120, got %d err %v", i, err)
	}
}
