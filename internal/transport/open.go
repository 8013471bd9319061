package transport

import (
	"context"
	"fmt"
	"net"
	"net/url"
	"strconv"
	"strings"
	"time"

	"go.bug.st/serial"
)

type Kind string

const (
	KindSerial Kind = "serial"
	KindTCP    Kind = "tcp"
)

const (
	defaultBaudRate    = 115200
	defaultDialTimeout = 5 * time.Second
)

// Endpoint is a parsed printer address.
type Endpoint struct {
	Kind     Kind
	Address  string
	BaudRate int
}

// ParseEndpoint accepts a bare device path ("/dev/ttyACM0", "COM3"),
// "serial:///dev/ttyACM0?baud=250000" or "tcp://host:port".
func ParseEndpoint(raw string) (Endpoint, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return Endpoint{}, fmt.Errorf("%w: empty", ErrBadEndpoint)
	}

	if !strings.Contains(raw, "://") {
		return Endpoint{Kind: KindSerial, Address: raw}, nil
	}

	u, err := url.Parse(raw)
	if err != nil {
		return Endpoint{}, fmt.Errorf("%w: %v", ErrBadEndpoint, err)
	}

	switch u.Scheme {
	case "serial":
		ep := Endpoint{Kind: KindSerial, Address: u.Path}
		if u.Host != "" {
			// serial://COM3
			ep.Address = u.Host + u.Path
		}
		if ep.Address == "" {
			return Endpoint{}, fmt.Errorf("%w: %q has no device path", ErrBadEndpoint, raw)
		}
		if b := u.Query().Get("baud"); b != "" {
			baud, err := strconv.Atoi(b)
			if err != nil || baud <= 0 {
				return Endpoint{}, fmt.Errorf("%w: bad baud rate %q", ErrBadEndpoint, b)
			}
			ep.BaudRate = baud
		}
		return ep, nil
	case "tcp":
		if _, _, err := net.SplitHostPort(u.Host); err != nil {
			return Endpoint{}, fmt.Errorf("%w: expected tcp://host:port, got %q", ErrBadEndpoint, raw)
		}
		return Endpoint{Kind: KindTCP, Address: u.Host}, nil
	default:
		return Endpoint{}, fmt.Errorf("%w: unsupported scheme %q", ErrBadEndpoint, u.Scheme)
	}
}

// Options tune how channels are opened.
type Options struct {
	BaudRate     int
	DialTimeout  time.Duration
	StartupDelay time.Duration
}

// Opener returns an Opener that uses these options.
func (o Options) Opener() Opener {
	return func(ctx context.Context, endpoint string) (Channel, error) {
		return Open(ctx, endpoint, o)
	}
}

// Open connects to endpoint. Most boards reset when the port is opened, so
// the call waits StartupDelay before returning the channel.
func Open(ctx context.Context, endpoint string, opts Options) (Channel, error) {
	ep, err := ParseEndpoint(endpoint)
	if err != nil {
		return nil, err
	}

	var ch *lineChannel
	switch ep.Kind {
	case KindSerial:
		baud := ep.BaudRate
		if baud == 0 {
			baud = opts.BaudRate
		}
		if baud == 0 {
			baud = defaultBaudRate
		}
		port, err := serial.Open(ep.Address, &serial.Mode{
			BaudRate: baud,
			DataBits: 8,
			Parity:   serial.NoParity,
			StopBits: serial.OneStopBit,
		})
		if err != nil {
			return nil, fmt.Errorf("transport: open serial port %s: %w", ep.Address, err)
		}
		ch = newLineChannel(ep.Address, port)
	case KindTCP:
		timeout := opts.DialTimeout
		if timeout == 0 {
			timeout = defaultDialTimeout
		}
		dialer := &net.Dialer{Timeout: timeout}
		conn, err := dialer.DialContext(ctx, "tcp", ep.Address)
		if err != nil {
			return nil, fmt.Errorf("transport: dial %s: %w", ep.Address, err)
		}
		ch = newLineChannel(ep.Address, conn)
	}

	if opts.StartupDelay > 0 {
		select {
		case <-ctx.Done():
			ch.Close()
			return nil, ctx.Err()
		case <-time.After(opts.StartupDelay):
		}
	}

	return ch, nil
}
