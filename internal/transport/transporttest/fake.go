// Package transporttest provides an in-memory printer channel that scripts
// firmware replies for tests.
package transporttest

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/orrn/printfarm/internal/transport"
)

// Handler returns the lines the firmware answers to one sent line. A nil
// result means the printer stays silent.
type Handler func(line string) []string

// Marlin answers like a healthy Marlin board: temperatures for M105,
// identification for M115 and a bare "ok" for everything else.
func Marlin() Handler {
	return func(line string) []string {
		switch code(line) {
		case "M105":
			return []string{"ok T:24.3 /0.0 B:22.1 /0.0 @:0 B@:0"}
		case "M115":
			return []string{
				"FIRMWARE_NAME:Marlin 2.1.2 (Github) SOURCE_CODE_URL:github.com/MarlinFirmware/Marlin PROTOCOL_VERSION:1.0 MACHINE_TYPE:Prusa i3 MK2S EXTRUDER_COUNT:1",
				"ok",
			}
		case "M27":
			return []string{"Not SD printing", "ok"}
		default:
			return []string{"ok"}
		}
	}
}

// Silent wraps next so that the listed codes get no answer at all.
func Silent(next Handler, codes ...string) Handler {
	return func(line string) []string {
		c := code(line)
		for _, s := range codes {
			if c == s {
				return nil
			}
		}
		return next(line)
	}
}

func code(line string) string {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return ""
	}
	return strings.ToUpper(fields[0])
}

// Fake is a transport.Channel backed by a Handler.
type Fake struct {
	mu      sync.Mutex
	handler Handler
	sent    []string
	dropErr error

	lines   chan string
	closed  chan struct{}
	dropped chan struct{}

	closeOnce sync.Once
	dropOnce  sync.Once
}

func NewFake(h Handler) *Fake {
	if h == nil {
		h = Marlin()
	}
	return &Fake{
		handler: h,
		lines:   make(chan string, 4096),
		closed:  make(chan struct{}),
		dropped: make(chan struct{}),
	}
}

func (f *Fake) SetHandler(h Handler) {
	f.mu.Lock()
	f.handler = h
	f.mu.Unlock()
}

func (f *Fake) Send(line string) error {
	select {
	case <-f.closed:
		return transport.ErrClosed
	case <-f.dropped:
		return f.dropErr
	default:
	}

	f.mu.Lock()
	f.sent = append(f.sent, line)
	h := f.handler
	f.mu.Unlock()

	if h != nil {
		f.Emit(h(line)...)
	}
	return nil
}

func (f *Fake) Receive(timeout time.Duration) (string, error) {
	select {
	case line := <-f.lines:
		return line, nil
	default:
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case line := <-f.lines:
		return line, nil
	case <-f.dropped:
		return "", f.dropErr
	case <-f.closed:
		return "", transport.ErrClosed
	case <-timer.C:
		return "", transport.ErrReceiveTimeout
	}
}

func (f *Fake) Close() error {
	f.closeOnce.Do(func() { close(f.closed) })
	return nil
}

// Emit queues unsolicited lines from the printer.
func (f *Fake) Emit(lines ...string) {
	for _, l := range lines {
		f.lines <- l
	}
}

// Drop simulates the device going away: pending and future calls fail with err.
func (f *Fake) Drop(err error) {
	if err == nil {
		err = fmt.Errorf("transporttest: device unplugged")
	}
	f.dropOnce.Do(func() {
		f.mu.Lock()
		f.dropErr = err
		f.mu.Unlock()
		close(f.dropped)
	})
}

// Sent returns a copy of every line written so far.
func (f *Fake) Sent() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.sent))
	copy(out, f.sent)
	return out
}

// SentCodes returns the command code of every line written so far.
func (f *Fake) SentCodes() []string {
	sent := f.Sent()
	out := make([]string, len(sent))
	for i, l := range sent {
		out[i] = code(l)
	}
	return out
}

func (f *Fake) Closed() bool {
	select {
	case <-f.closed:
		return true
	default:
		return false
	}
}

// Pool hands out a fresh Fake for every open, keyed by endpoint.
type Pool struct {
	mu       sync.Mutex
	handlers map[string]Handler
	fallback Handler
	fakes    map[string][]*Fake
	failures map[string]error
}

func NewPool(fallback Handler) *Pool {
	return &Pool{
		handlers: make(map[string]Handler),
		fallback: fallback,
		fakes:    make(map[string][]*Fake),
		failures: make(map[string]error),
	}
}

// Handle sets the handler used for channels opened to endpoint.
func (p *Pool) Handle(endpoint string, h Handler) {
	p.mu.Lock()
	p.handlers[endpoint] = h
	p.mu.Unlock()
}

// Fail makes opens of endpoint return err until cleared with a nil err.
func (p *Pool) Fail(endpoint string, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err == nil {
		delete(p.failures, endpoint)
		return
	}
	p.failures[endpoint] = err
}

func (p *Pool) Opener() transport.Opener {
	return func(ctx context.Context, endpoint string) (transport.Channel, error) {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		p.mu.Lock()
		defer p.mu.Unlock()
		if err := p.failures[endpoint]; err != nil {
			return nil, err
		}
		h := p.handlers[endpoint]
		if h == nil {
			h = p.fallback
		}
		f := NewFake(h)
		p.fakes[endpoint] = append(p.fakes[endpoint], f)
		return f, nil
	}
}

// Last returns the most recently opened channel for endpoint, or nil.
func (p *Pool) Last(endpoint string) *Fake {
	p.mu.Lock()
	defer p.mu.Unlock()
	fakes := p.fakes[endpoint]
	if len(fakes) == 0 {
		return nil
	}
	return fakes[len(fakes)-1]
}

// Opens reports how many channels were opened to endpoint.
func (p *Pool) Opens(endpoint string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.fakes[endpoint])
}
