package notify

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/orrn/printfarm/internal/config"
	"github.com/orrn/printfarm/internal/core"
)

const (
	SignatureHeader = "X-Webhook-Signature"
	EventHeader     = "X-Webhook-Event"
)

// WebhookPayload is the body posted to every webhook. Signature is the
// hex HMAC-SHA256 of the JSON encoded Data under the webhook's secret.
type WebhookPayload struct {
	Event     string      `json:"event"`
	Timestamp time.Time   `json:"timestamp"`
	Data      interface{} `json:"data"`
	Signature string      `json:"signature,omitempty"`
}

type webhookTask struct {
	hook    config.WebhookConfig
	payload *WebhookPayload
	attempt int
}

// WebhookSender posts events to the configured webhooks from a pool of
// workers. Failed deliveries are retried with exponential backoff; 4xx
// answers are not retried.
type WebhookSender struct {
	hooks       []config.WebhookConfig
	httpClient  *http.Client
	retryCount  int
	retryDelay  time.Duration
	workerCount int
	log         *logrus.Entry

	queue  chan *webhookTask
	stopCh chan struct{}
	wg     sync.WaitGroup
	once   sync.Once
}

func NewWebhookSender(cfg config.EventsConfig, logger *logrus.Logger) *WebhookSender {
	if cfg.RetryCount <= 0 {
		cfg.RetryCount = 3
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = 5 * time.Second
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.WorkerCount <= 0 {
		cfg.WorkerCount = 3
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 100
	}

	return &WebhookSender{
		hooks: cfg.Webhooks,
		httpClient: &http.Client{
			Timeout: cfg.Timeout,
		},
		retryCount:  cfg.RetryCount,
		retryDelay:  cfg.RetryDelay,
		workerCount: cfg.WorkerCount,
		log:         logger.WithField("component", "webhook"),
		queue:       make(chan *webhookTask, cfg.QueueSize),
		stopCh:      make(chan struct{}),
	}
}

func (s *WebhookSender) Start() {
	for i := 0; i < s.workerCount; i++ {
		s.wg.Add(1)
		go s.worker(i)
	}
}

func (s *WebhookSender) Stop() {
	s.once.Do(func() {
		close(s.stopCh)
		s.wg.Wait()
	})
}

// Notify queues the event for every webhook subscribed to it. It never
// blocks; when the queue is full the delivery is dropped.
func (s *WebhookSender) Notify(e core.Event) {
	for _, hook := range s.hooks {
		if !subscribed(hook, e.Type) {
			continue
		}

		task := &webhookTask{
			hook: hook,
			payload: &WebhookPayload{
				Event:     string(e.Type),
				Timestamp: e.Time,
				Data:      eventData(e),
			},
		}

		select {
		case s.queue <- task:
		default:
			s.log.WithFields(logrus.Fields{"webhook": hook.Name, "event": e.Type}).Warn("Webhook queue full, dropping delivery")
		}
	}
}

// subscribed applies the webhook's event filter. Without one, a webhook
// gets everything except the periodic status updates.
func subscribed(hook config.WebhookConfig, event core.EventType) bool {
	if len(hook.Events) == 0 {
		return event != core.EventStatusUpdated
	}
	for _, e := range hook.Events {
		if e == string(event) || e == "*" {
			return true
		}
	}
	return false
}

func (s *WebhookSender) worker(id int) {
	defer s.wg.Done()

	for {
		select {
		case <-s.stopCh:
			return
		case task := <-s.queue:
			if err := s.sendWithRetry(task); err != nil {
				s.log.WithError(err).WithFields(logrus.Fields{
					"worker":   id,
					"webhook":  task.hook.Name,
					"event":    task.payload.Event,
					"attempts": task.attempt,
				}).Error("Webhook delivery failed")
			}
		}
	}
}

func (s *WebhookSender) sendWithRetry(task *webhookTask) error {
	var lastErr error
	for task.attempt < s.retryCount {
		task.attempt++

		err := s.sendRequest(task.hook, task.payload)
		if err == nil {
			return nil
		}
		lastErr = err

		if isClientError(err) {
			return err
		}

		if task.attempt < s.retryCount {
			backoff := s.retryDelay * time.Duration(1<<(task.attempt-1))
			s.log.WithError(err).WithFields(logrus.Fields{
				"webhook": task.hook.Name,
				"attempt": task.attempt,
				"backoff": backoff,
			}).Warn("Retrying webhook")

			select {
			case <-s.stopCh:
				return fmt.Errorf("shutdown requested: %w", lastErr)
			case <-time.After(backoff):
			}
		}
	}

	return fmt.Errorf("max retries exceeded: %w", lastErr)
}

func (s *WebhookSender) sendRequest(hook config.WebhookConfig, payload *WebhookPayload) error {
	data, err := json.Marshal(payload.Data)
	if err != nil {
		return fmt.Errorf("marshal data: %w", err)
	}

	if hook.Secret != "" {
		payload.Signature = Sign(data, hook.Secret)
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		select {
		case <-s.stopCh:
			cancel()
		case <-ctx.Done():
		}
	}()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, hook.URL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(EventHeader, payload.Event)
	if payload.Signature != "" {
		req.Header.Set(SignatureHeader, payload.Signature)
	}

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return &statusError{code: resp.StatusCode}
	}
	return nil
}

// Sign returns the hex HMAC-SHA256 of payload under secret.
func Sign(payload []byte, secret string) string {
	h := hmac.New(sha256.New, []byte(secret))
	h.Write(payload)
	return hex.EncodeToString(h.Sum(nil))
}

type statusError struct {
	code int
}

func (e *statusError) Error() string {
	return fmt.Sprintf("http error: %d", e.code)
}

func isClientError(err error) bool {
	var se *statusError
	return errors.As(err, &se) && se.code >= 400 && se.code < 500
}
