package notify

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/orrn/printfarm/internal/config"
	"github.com/orrn/printfarm/internal/core"
	"github.com/orrn/printfarm/internal/logging"
)

type delivery struct {
	header http.Header
	body   []byte
}

func newHookServer(t *testing.T, status func(n int32) int) (*httptest.Server, chan delivery, *int32) {
	t.Helper()
	var calls int32
	got := make(chan delivery, 16)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := atomic.AddInt32(&calls, 1)
		body, _ := io.ReadAll(r.Body)
		code := http.StatusOK
		if status != nil {
			code = status(n)
		}
		if code < 300 {
			got <- delivery{header: r.Header.Clone(), body: body}
		}
		w.WriteHeader(code)
	}))
	t.Cleanup(srv.Close)
	return srv, got, &calls
}

func newSender(t *testing.T, hooks ...config.WebhookConfig) *WebhookSender {
	t.Helper()
	s := NewWebhookSender(config.EventsConfig{
		Webhooks:    hooks,
		RetryCount:  3,
		RetryDelay:  5 * time.Millisecond,
		Timeout:     time.Second,
		WorkerCount: 2,
		QueueSize:   16,
	}, logging.Discard())
	s.Start()
	t.Cleanup(s.Stop)
	return s
}

func jobEvent(state core.JobState) core.Event {
	return core.Event{
		Type:      core.EventJobChanged,
		PrinterID: "mk3",
		Time:      time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC),
		Job:       &core.PrintJob{ID: "job-1", PrinterID: "mk3", Filename: "cube.gcode", State: state},
	}
}

func TestWebhookSignedDelivery(t *testing.T) {
	srv, got, _ := newHookServer(t, nil)
	s := newSender(t, config.WebhookConfig{Name: "ops", URL: srv.URL, Secret: "s3cret"})

	s.Notify(jobEvent(core.JobPrinting))

	var d delivery
	select {
	case d = <-got:
	case <-time.After(2 * time.Second):
		t.Fatal("webhook was not delivered")
	}

	var payload struct {
		Event     string          `json:"event"`
		Data      json.RawMessage `json:"data"`
		Signature string          `json:"signature"`
	}
	require.NoError(t, json.Unmarshal(d.body, &payload))
	assert.Equal(t, "job_changed", payload.Event)
	assert.Equal(t, "job_changed", d.header.Get(EventHeader))
	assert.Equal(t, Sign(payload.Data, "s3cret"), d.header.Get(SignatureHeader))
	assert.Equal(t, payload.Signature, d.header.Get(SignatureHeader))

	var data EventData
	require.NoError(t, json.Unmarshal(payload.Data, &data))
	assert.Equal(t, core.PrinterID("mk3"), data.PrinterID)
	require.NotNil(t, data.Job)
	assert.Equal(t, core.JobPrinting, data.Job.State)
}

func TestWebhookEventFilter(t *testing.T) {
	all, allGot, _ := newHookServer(t, nil)
	status, statusGot, _ := newHookServer(t, nil)
	s := newSender(t,
		config.WebhookConfig{Name: "default", URL: all.URL},
		config.WebhookConfig{Name: "status", URL: status.URL, Events: []string{"status_updated"}},
	)

	s.Notify(core.Event{Type: core.EventStatusUpdated, PrinterID: "mk3", Status: &core.StatusSnapshot{PrinterID: "mk3"}})
	s.Notify(jobEvent(core.JobCompleted))

	select {
	case d := <-statusGot:
		assert.Equal(t, "status_updated", d.header.Get(EventHeader))
	case <-time.After(2 * time.Second):
		t.Fatal("status webhook was not delivered")
	}
	select {
	case d := <-allGot:
		assert.Equal(t, "job_changed", d.header.Get(EventHeader))
	case <-time.After(2 * time.Second):
		t.Fatal("default webhook was not delivered")
	}

	time.Sleep(50 * time.Millisecond)
	assert.Empty(t, allGot, "status updates need an explicit subscription")
	assert.Empty(t, statusGot)
}

func TestWebhookRetriesServerErrors(t *testing.T) {
	srv, got, calls := newHookServer(t, func(n int32) int {
		if n < 3 {
			return http.StatusBadGateway
		}
		return http.StatusOK
	})
	s := newSender(t, config.WebhookConfig{Name: "flaky", URL: srv.URL})

	s.Notify(jobEvent(core.JobFailed))

	select {
	case <-got:
	case <-time.After(2 * time.Second):
		t.Fatal("webhook was not retried")
	}
	assert.Equal(t, int32(3), atomic.LoadInt32(calls))
}

func TestWebhookDoesNotRetryClientErrors(t *testing.T) {
	srv, _, calls := newHookServer(t, func(int32) int { return http.StatusUnauthorized })
	s := newSender(t, config.WebhookConfig{Name: "auth", URL: srv.URL})

	s.Notify(jobEvent(core.JobFailed))

	require.Eventually(t, func() bool { return atomic.LoadInt32(calls) == 1 }, time.Second, 5*time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, int32(1), atomic.LoadInt32(calls))
}

func TestSubscribed(t *testing.T) {
	hook := config.WebhookConfig{}
	assert.True(t, subscribed(hook, core.EventJobChanged))
	assert.True(t, subscribed(hook, core.EventConnectionChanged))
	assert.False(t, subscribed(hook, core.EventStatusUpdated))

	hook.Events = []string{"connection_changed"}
	assert.True(t, subscribed(hook, core.EventConnectionChanged))
	assert.False(t, subscribed(hook, core.EventJobChanged))

	hook.Events = []string{"*"}
	assert.True(t, subscribed(hook, core.EventStatusUpdated))
}

type fakeWriter struct {
	mu     sync.Mutex
	msgs   []kafka.Message
	closed bool
}

func (w *fakeWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.msgs = append(w.msgs, msgs...)
	return nil
}

func (w *fakeWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.closed = true
	return nil
}

func TestKafkaPublisher(t *testing.T) {
	w := &fakeWriter{}
	p := newKafkaPublisher(w, 8, logging.Discard())

	connected := true
	p.Notify(core.Event{Type: core.EventConnectionChanged, PrinterID: "ender", Time: time.Now(), Connected: &connected})
	p.Notify(jobEvent(core.JobPaused))
	require.NoError(t, p.Close())

	w.mu.Lock()
	defer w.mu.Unlock()
	assert.True(t, w.closed)
	require.Len(t, w.msgs, 2)
	assert.Equal(t, "ender", string(w.msgs[0].Key))
	assert.Equal(t, "mk3", string(w.msgs[1].Key))

	var payload struct {
		Event string    `json:"event"`
		Data  EventData `json:"data"`
	}
	require.NoError(t, json.Unmarshal(w.msgs[0].Value, &payload))
	assert.Equal(t, "connection_changed", payload.Event)
	require.NotNil(t, payload.Data.Connected)
	assert.True(t, *payload.Data.Connected)
}

type countingNotifier struct {
	n int32
}

func (c *countingNotifier) Notify(core.Event) {
	atomic.AddInt32(&c.n, 1)
}

func TestFanout(t *testing.T) {
	a, b := &countingNotifier{}, &countingNotifier{}
	Fanout{a, b}.Notify(jobEvent(core.JobReady))
	assert.Equal(t, int32(1), a.n)
	assert.Equal(t, int32(1), b.n)
}
