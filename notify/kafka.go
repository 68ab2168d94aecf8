package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/MrEthical07/twofa"
	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

// ErrNoBrokers is returned by [NewKafkaWriter] without brokers.
var ErrNoBrokers = errors.New("notify: no kafka brokers configured")

// MessageWriter is the subset of *kafka.Writer used by the Kafka senders.
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaConfig configures a topic writer.
type KafkaConfig struct {
	Brokers      []string
	Topic        string
	WriteTimeout time.Duration
}

// NewKafkaWriter returns a synchronous writer so that delivery failures
// reach the caller.
func NewKafkaWriter(cfg KafkaConfig, logger *zap.Logger) (*kafka.Writer, error) {
	if len(cfg.Brokers) == 0 {
		return nil, ErrNoBrokers
	}
	if cfg.Topic == "" {
		return nil, errors.New("notify: kafka topic is empty")
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 5 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &kafka.Writer{
		Addr:         kafka.TCP(cfg.Brokers...),
		Topic:        cfg.Topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireOne,
		MaxAttempts:  3,
		BatchTimeout: 10 * time.Millisecond,
		WriteTimeout: cfg.WriteTimeout,
		ErrorLogger: kafka.LoggerFunc(func(msg string, args ...interface{}) {
			logger.Warn(fmt.Sprintf(msg, args...), zap.String("topic", cfg.Topic))
		}),
	}, nil
}

type smsMessage struct {
	PhoneNumber string    `json:"phone_number"`
	Message     string    `json:"message"`
	QueuedAt    time.Time `json:"queued_at"`
}

// KafkaSMSSender publishes SMS requests keyed by phone number.
type KafkaSMSSender struct {
	writer MessageWriter
	now    func() time.Time
}

func NewKafkaSMSSender(w MessageWriter) *KafkaSMSSender {
	return &KafkaSMSSender{writer: w, now: time.Now}
}

func (s *KafkaSMSSender) SendSMS(ctx context.Context, phoneNumber, message string) error {
	now := s.now().UTC()
	payload, err := json.Marshal(smsMessage{PhoneNumber: phoneNumber, Message: message, QueuedAt: now})
	if err != nil {
		return err
	}
	if err := s.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(phoneNumber),
		Value: payload,
		Time:  now,
	}); err != nil {
		return fmt.Errorf("publish sms: %w", err)
	}
	return nil
}

func (s *KafkaSMSSender) Close() error {
	return s.writer.Close()
}

// KafkaAdminNotifier publishes [twofa.AdminAlert] values as JSON.
type KafkaAdminNotifier struct {
	writer MessageWriter
}

func NewKafkaAdminNotifier(w MessageWriter) *KafkaAdminNotifier {
	return &KafkaAdminNotifier{writer: w}
}

func (n *KafkaAdminNotifier) NotifyAdmins(ctx context.Context, alert twofa.AdminAlert) error {
	payload, err := json.Marshal(alert)
	if err != nil {
		return err
	}
	key := alert.IdentityID
	if key == "" {
		key = alert.Kind
	}
	msg := kafka.Message{
		Key:   []byte(key),
		Value: payload,
		Time:  alert.At,
		Headers: []kafka.Header{
			{Key: "alert-kind", Value: []byte(alert.Kind)},
		},
	}
	if err := n.writer.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("publish admin alert: %w", err)
	}
	return nil
}

func (n *KafkaAdminNotifier) Close() error {
	return n.writer.Close()
}

var (
	_ twofa.SMSSender     = (*KafkaSMSSender)(nil)
	_ twofa.AdminNotifier = (*KafkaAdminNotifier)(nil)
)
