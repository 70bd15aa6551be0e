package lcn

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net"
	"net/url"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/goburrow/serial"
)

const (
	// defaultPCHKPort is the TCP port PCHK listens on.
	defaultPCHKPort = "4114"

	// defaultBaudRate is the speed of PCK serial couplers.
	defaultBaudRate = 9600

	// writeTimeout bounds a single line write.
	writeTimeout = 5 * time.Second

	// serialReadTimeout is how long a serial read blocks before it is retried.
	serialReadTimeout = 500 * time.Millisecond
)

// Transport is a line-oriented link to a gateway.
type Transport interface {
	// ReadLine blocks until a full line arrives and returns it without the
	// line terminator.
	ReadLine() (string, error)

	// Write sends one line. The transport appends the terminator.
	Write(line []byte) error

	// Close releases the link and unblocks a pending ReadLine.
	Close() error
}

// Dialer opens a Transport for a connection URL.
type Dialer func(ctx context.Context, connURL string, timeout time.Duration) (Transport, error)

// endpoint is a parsed connection URL.
type endpoint struct {
	scheme  string
	address string
	baud    int
}

// parseConnectionURL accepts:
//   - "tcp://host:port" (port defaults to 4114)
//   - "serial:///dev/ttyUSB0?baud=9600"
func parseConnectionURL(connURL string) (endpoint, error) {
	u, err := url.Parse(connURL)
	if err != nil {
		return endpoint{}, fmt.Errorf("parsing URL: %w", err)
	}

	switch u.Scheme {
	case "tcp":
		host := u.Host
		if host == "" {
			return endpoint{}, fmt.Errorf("tcp URL %q has no host", connURL)
		}
		if _, _, err := net.SplitHostPort(host); err != nil {
			host = net.JoinHostPort(host, defaultPCHKPort)
		}
		return endpoint{scheme: "tcp", address: host}, nil

	case "serial":
		if u.Path == "" {
			return endpoint{}, fmt.Errorf("serial URL %q has no device path", connURL)
		}
		baud := defaultBaudRate
		if b := u.Query().Get("baud"); b != "" {
			baud, err = strconv.Atoi(b)
			if err != nil || baud <= 0 {
				return endpoint{}, fmt.Errorf("serial URL %q: invalid baud rate %q", connURL, b)
			}
		}
		return endpoint{scheme: "serial", address: u.Path, baud: baud}, nil

	default:
		return endpoint{}, fmt.Errorf("unsupported scheme %q (use tcp or serial)", u.Scheme)
	}
}

// DialTransport is the default Dialer.
func DialTransport(ctx context.Context, connURL string, timeout time.Duration) (Transport, error) {
	ep, err := parseConnectionURL(connURL)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrConnectionFailed, err)
	}

	if ep.scheme == "serial" {
		port, err := serial.Open(&serial.Config{
			Address:  ep.address,
			BaudRate: ep.baud,
			DataBits: 8,
			StopBits: 1,
			Parity:   "N",
			Timeout:  serialReadTimeout,
		})
		if err != nil {
			return nil, fmt.Errorf("%w: open %s: %w", ErrConnectionFailed, ep.address, err)
		}
		return newSerialTransport(port), nil
	}

	dialCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var dialer net.Dialer
	conn, err := dialer.DialContext(dialCtx, "tcp", ep.address)
	if err != nil {
		return nil, fmt.Errorf("%w: dial %s: %w", ErrConnectionFailed, ep.address, err)
	}
	return newTCPTransport(conn), nil
}

// tcpTransport talks to PCHK over TCP.
type tcpTransport struct {
	conn   net.Conn
	reader *bufio.Reader
}

func newTCPTransport(conn net.Conn) *tcpTransport {
	return &tcpTransport{conn: conn, reader: bufio.NewReader(conn)}
}

func (t *tcpTransport) ReadLine() (string, error) {
	line, err := t.reader.ReadString('\n')
	if err != nil {
		return "", err
	}
	return strings.TrimRight(line, "\r\n"), nil
}

func (t *tcpTransport) Write(line []byte) error {
	if err := t.conn.SetWriteDeadline(time.Now().Add(writeTimeout)); err != nil {
		return err
	}
	buf := make([]byte, 0, len(line)+1)
	buf = append(buf, line...)
	buf = append(buf, '\n')
	_, err := t.conn.Write(buf)
	return err
}

func (t *tcpTransport) Close() error {
	return t.conn.Close()
}

// serialTransport talks to a PCK coupler on a serial port. The port is
// opened with a read timeout so Close can interrupt a pending read.
type serialTransport struct {
	port    serial.Port
	reader  *bufio.Reader
	partial strings.Builder
	closed  atomic.Bool
}

func newSerialTransport(port serial.Port) *serialTransport {
	return &serialTransport{port: port, reader: bufio.NewReader(port)}
}

func (t *serialTransport) ReadLine() (string, error) {
	for {
		chunk, err := t.reader.ReadString('\n')
		t.partial.WriteString(chunk)
		if err == nil {
			line := strings.TrimRight(t.partial.String(), "\r\n")
			t.partial.Reset()
			return line, nil
		}
		if t.closed.Load() {
			return "", net.ErrClosed
		}
		if !errors.Is(err, serial.ErrTimeout) {
			return "", err
		}
	}
}

func (t *serialTransport) Write(line []byte) error {
	buf := make([]byte, 0, len(line)+1)
	buf = append(buf, line...)
	buf = append(buf, '\n')
	_, err := t.port.Write(buf)
	return err
}

func (t *serialTransport) Close() error {
	t.closed.Store(true)
	return t.port.Close()
}
