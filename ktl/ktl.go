/*Package ktl provides a client for KTL-style keyword services.

A keyword service (deimot, deirot, deifcs, deiccd) exposes named keywords
that can be read ("show"), written ("modify"), and polled until a condition
holds ("waitfor").  The daemons speak a line-oriented ASCII protocol,
usually over TCP through a terminal server, occasionally over a direct
serial line.  This package is only the client; the services themselves are
external.

Most usages boil down to:

	svc := ktl.NewRemote("deimot", "deimosserv:2025", false)
	name, err := svc.Show("GRATENAM")
	...
	err = svc.Modify("TMIRRVAL", "2048", true)

Code that consumes keywords should accept the Service interface so the
in-memory Mock can stand in during tests.
*/
package ktl

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/tarm/serial"
)

const terminator = byte('\n')

var (
	// ErrNotConnected is generated when the connection is nil and an
	// exchange is attempted before Open.
	ErrNotConnected = errors.New("conn is nil, not connected to keyword service")

	// ErrTerminatorNotFound is generated when a response does not end in
	// the termination byte.
	ErrTerminatorNotFound = errors.New("termination byte not found")
)

// Service is the consumer-facing face of a keyword service.
type Service interface {
	// Name returns the service name, e.g. "deimot"
	Name() string

	// Show reads the current value of a keyword
	Show(keyword string) (string, error)

	// Modify writes a new value to a keyword.  If wait is true, the
	// call blocks until the service acknowledges completion of any
	// motion or side effect the write triggers.
	Modify(keyword, value string, wait bool) error

	// WaitFor polls a keyword until ok returns true or ctx expires
	WaitFor(ctx context.Context, keyword string, ok func(string) bool) error
}

// Remote is a Service reached over TCP or a serial line.  It is safe for
// concurrent use; an internal lock keeps request/response pairs ordered.
type Remote struct {
	// ServiceName is the keyword service this connection talks to
	ServiceName string

	// Addr holds the network or filesystem address of the service,
	// e.g. deimosserv:2025 for a daemon behind a terminal server, or
	// /dev/ttyS4 for a direct serial line
	Addr string

	// IsSerial selects a serial line instead of TCP
	IsSerial bool

	// PollInterval is the keyword sampling cadence used by WaitFor
	PollInterval time.Duration

	conn io.ReadWriteCloser
	mu   sync.Mutex
}

// NewRemote returns a Remote for the named service at addr.
func NewRemote(service, addr string, isSerial bool) *Remote {
	return &Remote{
		ServiceName:  service,
		Addr:         addr,
		IsSerial:     isSerial,
		PollInterval: time.Second}
}

// Name returns the keyword service name.
func (r *Remote) Name() string { return r.ServiceName }

// SerialConf yields the config used when IsSerial is true.  The keyword
// daemons all run their consoles at 9600 8N1.
func (r *Remote) SerialConf() *serial.Config {
	return &serial.Config{Name: r.Addr, Baud: 9600, ReadTimeout: 3 * time.Second}
}

// Open dials the service, setting the internal connection.  The daemons
// do not like being connection thrashed, so dialing uses an exponential
// backoff and gives up after a few seconds.
func (r *Remote) Open() error {
	wasTimeout := false
	op := func() error {
		err := r.open()
		if err != nil {
			errS := strings.ToLower(err.Error())
			if strings.Contains(errS, "refused") {
				return err
			}
			wasTimeout = true
			return nil
		}
		return nil
	}

	err := backoff.Retry(op, &backoff.ExponentialBackOff{
		InitialInterval:     25 * time.Millisecond,
		RandomizationFactor: 0.,
		Multiplier:          2.,
		MaxInterval:         1 * time.Second,
		MaxElapsedTime:      3 * time.Second,
		Clock:               backoff.SystemClock})
	if err == nil && !wasTimeout {
		return nil
	}
	if wasTimeout {
		return fmt.Errorf("connection timeout to %s service at %s", r.ServiceName, r.Addr)
	}
	return err
}

func (r *Remote) open() error {
	var (
		conn io.ReadWriteCloser
		err  error
	)
	if r.IsSerial {
		conn, err = serial.OpenPort(r.SerialConf())
	} else {
		conn, err = TCPSetup(r.Addr, 3*time.Second)
	}
	if err != nil {
		return err
	}
	r.conn = conn
	return nil
}

// Close the connection, nil-ing it so the next exchange redials.
func (r *Remote) Close() error {
	if r.conn == nil {
		return nil
	}
	err := r.conn.Close()
	if err == nil {
		r.conn = nil
	}
	return err
}

// sendRecv writes one command line and reads one response line.  On any
// transport error the connection is dropped so the next call redials.
func (r *Remote) sendRecv(cmd string) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.conn == nil {
		if err := r.Open(); err != nil {
			return "", err
		}
	}
	b := append([]byte(cmd), terminator)
	if _, err := r.conn.Write(b); err != nil {
		r.conn.Close()
		r.conn = nil
		return "", err
	}
	buf, err := bufio.NewReader(r.conn).ReadBytes(terminator)
	if err != nil {
		r.conn.Close()
		r.conn = nil
		return "", err
	}
	if !bytes.HasSuffix(buf, []byte{terminator}) {
		return "", ErrTerminatorNotFound
	}
	return strings.TrimRight(string(buf), "\r\n"), nil
}

// Show reads a keyword.  The daemon answers "KEYWORD = value" on success
// or "ERR message" on failure.
func (r *Remote) Show(keyword string) (string, error) {
	resp, err := r.sendRecv("show " + keyword)
	if err != nil {
		return "", err
	}
	if strings.HasPrefix(resp, "ERR") {
		return "", fmt.Errorf("%s.%s: %s", r.ServiceName, keyword, strings.TrimSpace(resp[3:]))
	}
	idx := strings.Index(resp, "=")
	if idx < 0 {
		return "", fmt.Errorf("%s.%s: malformed response %q", r.ServiceName, keyword, resp)
	}
	return strings.TrimSpace(resp[idx+1:]), nil
}

// Modify writes a keyword.  The daemon acknowledges with "OK" once the
// write (and, with wait, any motion it triggers) completes.
func (r *Remote) Modify(keyword, value string, wait bool) error {
	cmd := fmt.Sprintf("modify %s=%s", keyword, value)
	if !wait {
		cmd += " nowait"
	}
	resp, err := r.sendRecv(cmd)
	if err != nil {
		return err
	}
	if resp != "OK" {
		return fmt.Errorf("%s.%s: modify rejected: %s", r.ServiceName, keyword, resp)
	}
	return nil
}

// WaitFor polls the keyword at PollInterval until ok returns true or the
// context is done.
func (r *Remote) WaitFor(ctx context.Context, keyword string, ok func(string) bool) error {
	tick := time.NewTicker(r.PollInterval)
	defer tick.Stop()
	for {
		v, err := r.Show(keyword)
		if err != nil {
			return err
		}
		if ok(v) {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-tick.C:
		}
	}
}

// ShowFloat reads a keyword and parses it as a float64.
func ShowFloat(s Service, keyword string) (float64, error) {
	v, err := s.Show(keyword)
	if err != nil {
		return 0, err
	}
	return strconv.ParseFloat(v, 64)
}

// ShowInt reads a keyword and parses it as an int.
func ShowInt(s Service, keyword string) (int, error) {
	v, err := s.Show(keyword)
	if err != nil {
		return 0, err
	}
	return strconv.Atoi(v)
}

// ModifyFloat writes a float-valued keyword.
func ModifyFloat(s Service, keyword string, value float64, wait bool) error {
	return s.Modify(keyword, strconv.FormatFloat(value, 'f', -1, 64), wait)
}

// ModifyInt writes an int-valued keyword.
func ModifyInt(s Service, keyword string, value int, wait bool) error {
	return s.Modify(keyword, strconv.Itoa(value), wait)
}

// TCPSetup opens a new TCP connection and sets a timeout on connect, read, and write
func TCPSetup(addr string, timeout time.Duration) (net.Conn, error) {
	conn, err := net.DialTimeout("tcp", addr, timeout)
	if err != nil {
		return nil, err
	}
	deadline := time.Now().Add(timeout)
	conn.SetReadDeadline(deadline)
	conn.SetWriteDeadline(deadline)
	return conn, nil
}
