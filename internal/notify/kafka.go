package notify

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/sirupsen/logrus"

	"github.com/orrn/printfarm/internal/config"
	"github.com/orrn/printfarm/internal/core"
)

// EventData is the data part of every published event.
type EventData struct {
	PrinterID core.PrinterID       `json:"printer_id"`
	Connected *bool                `json:"connected,omitempty"`
	Job       *core.PrintJob       `json:"job,omitempty"`
	Status    *core.StatusSnapshot `json:"status,omitempty"`
	Error     string               `json:"error,omitempty"`
}

func eventData(e core.Event) *EventData {
	return &EventData{
		PrinterID: e.PrinterID,
		Connected: e.Connected,
		Job:       e.Job,
		Status:    e.Status,
		Error:     e.Error,
	}
}

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaPublisher streams every event to a topic, keyed by printer id so a
// printer's events stay ordered within a partition.
type KafkaPublisher struct {
	writer messageWriter
	log    *logrus.Entry
	queue  chan kafka.Message

	stopCh chan struct{}
	wg     sync.WaitGroup
	once   sync.Once
}

func NewKafkaPublisher(cfg config.KafkaConfig, queueSize int, logger *logrus.Logger) *KafkaPublisher {
	writer := &kafka.Writer{
		Addr:         kafka.TCP(cfg.Brokers...),
		Topic:        cfg.Topic,
		Balancer:     &kafka.Hash{},
		BatchTimeout: 50 * time.Millisecond,
	}
	return newKafkaPublisher(writer, queueSize, logger)
}

func newKafkaPublisher(w messageWriter, queueSize int, logger *logrus.Logger) *KafkaPublisher {
	if queueSize <= 0 {
		queueSize = 100
	}
	p := &KafkaPublisher{
		writer: w,
		log:    logger.WithField("component", "kafka"),
		queue:  make(chan kafka.Message, queueSize),
		stopCh: make(chan struct{}),
	}
	p.wg.Add(1)
	go p.run()
	return p
}

func (p *KafkaPublisher) Notify(e core.Event) {
	value, err := json.Marshal(&WebhookPayload{
		Event:     string(e.Type),
		Timestamp: e.Time,
		Data:      eventData(e),
	})
	if err != nil {
		p.log.WithError(err).Error("Failed to encode event")
		return
	}

	msg := kafka.Message{
		Key:   []byte(e.PrinterID),
		Value: value,
		Time:  e.Time,
	}
	select {
	case p.queue <- msg:
	default:
		p.log.WithFields(logrus.Fields{"printer_id": e.PrinterID, "event": e.Type}).Warn("Kafka queue full, dropping event")
	}
}

func (p *KafkaPublisher) run() {
	defer p.wg.Done()
	for {
		select {
		case msg := <-p.queue:
			p.produce(msg)
		case <-p.stopCh:
			for {
				select {
				case msg := <-p.queue:
					p.produce(msg)
				default:
					return
				}
			}
		}
	}
}

func (p *KafkaPublisher) produce(msg kafka.Message) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := p.writer.WriteMessages(ctx, msg); err != nil {
		p.log.WithError(err).WithField("printer_id", string(msg.Key)).Error("Failed to publish event")
	}
}

// Close flushes queued events and closes the writer.
func (p *KafkaPublisher) Close() error {
	var err error
	p.once.Do(func() {
		close(p.stopCh)
		p.wg.Wait()
		err = p.writer.Close()
	})
	return err
}
