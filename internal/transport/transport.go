// Package transport provides the duplex line channels the printer sessions
// talk through: USB/serial ports and TCP serial bridges.
package transport

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"
)

var (
	ErrClosed         = errors.New("transport: channel closed")
	ErrReceiveTimeout = errors.New("transport: receive timed out")
	ErrBadEndpoint    = errors.New("transport: invalid endpoint")
)

// Channel is a line-oriented connection to one printer. Send and Receive may
// be called from different goroutines; Close unblocks a pending Receive.
type Channel interface {
	Send(line string) error
	// Receive returns the next line, ErrReceiveTimeout if none arrives within
	// timeout, or a transport error once the connection is gone.
	Receive(timeout time.Duration) (string, error)
	Close() error
}

// Opener opens a channel to the printer at endpoint.
type Opener func(ctx context.Context, endpoint string) (Channel, error)

const lineBuffer = 256

// lineChannel frames an io.ReadWriteCloser into lines. A reader goroutine
// feeds complete lines into a buffered channel.
type lineChannel struct {
	name string
	rwc  io.ReadWriteCloser

	writeMu sync.Mutex
	lines   chan string
	done    chan struct{}
	closed  chan struct{}
	once    sync.Once
	err     error
}

func newLineChannel(name string, rwc io.ReadWriteCloser) *lineChannel {
	c := &lineChannel{
		name:   name,
		rwc:    rwc,
		lines:  make(chan string, lineBuffer),
		done:   make(chan struct{}),
		closed: make(chan struct{}),
	}
	go c.readLoop()
	return c
}

func (c *lineChannel) readLoop() {
	defer close(c.done)

	scanner := bufio.NewScanner(c.rwc)
	scanner.Buffer(make([]byte, 4096), 64*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		select {
		case c.lines <- line:
		case <-c.closed:
			c.err = ErrClosed
			return
		}
	}

	select {
	case <-c.closed:
		c.err = ErrClosed
	default:
		if err := scanner.Err(); err != nil {
			c.err = fmt.Errorf("transport: read %s: %w", c.name, err)
		} else {
			c.err = fmt.Errorf("transport: read %s: %w", c.name, io.EOF)
		}
	}
}

func (c *lineChannel) Send(line string) error {
	select {
	case <-c.closed:
		return ErrClosed
	case <-c.done:
		return c.err
	default:
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if _, err := io.WriteString(c.rwc, line+"\n"); err != nil {
		return fmt.Errorf("transport: write %s: %w", c.name, err)
	}
	return nil
}

func (c *lineChannel) Receive(timeout time.Duration) (string, error) {
	select {
	case line := <-c.lines:
		return line, nil
	default:
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case line := <-c.lines:
		return line, nil
	case <-c.done:
		// lines read before the failure are still delivered
		select {
		case line := <-c.lines:
			return line, nil
		default:
		}
		return "", c.err
	case <-c.closed:
		return "", ErrClosed
	case <-timer.C:
		return "", ErrReceiveTimeout
	}
}

func (c *lineChannel) Close() error {
	var err error
	c.once.Do(func() {
		close(c.closed)
		err = c.rwc.Close()
	})
	return err
}

func (c *lineChannel) String() string {
	return c.name
}
