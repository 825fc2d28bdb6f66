package messaging

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/streadway/amqp"

	"callguard-server/pkg/errors"
	"callguard-server/pkg/quality"
	"callguard-server/pkg/session"
)

// AMQPConfig holds AMQP publisher configuration
type AMQPConfig struct {
	URL          string
	ExchangeName string
	ArchiveQueue string
	AlertQueue   string
}

// AMQPArchiver publishes end-of-session archive records and quality alerts
// to AMQP queues for the storage and analytics collaborators
type AMQPArchiver struct {
	logger  *logrus.Entry
	config  AMQPConfig
	conn    *amqp.Connection
	channel *amqp.Channel

	mu        sync.Mutex
	connected bool
}

// NewAMQPArchiver creates and connects the archiver, declaring its queues
func NewAMQPArchiver(config AMQPConfig, logger *logrus.Logger) (*AMQPArchiver, error) {
	a := &AMQPArchiver{
		logger: logger.WithField("component", "amqp_archiver"),
		config: config,
	}

	if err := a.connect(); err != nil {
		return nil, err
	}
	return a, nil
}

func (a *AMQPArchiver) connect() error {
	conn, err := amqp.Dial(a.config.URL)
	if err != nil {
		return errors.Wrap(err, "failed to connect to AMQP broker")
	}

	channel, err := conn.Channel()
	if err != nil {
		conn.Close()
		return errors.Wrap(err, "failed to open AMQP channel")
	}

	for _, queue := range []string{a.config.ArchiveQueue, a.config.AlertQueue} {
		if queue == "" {
			continue
		}
		if _, err := channel.QueueDeclare(queue, true, false, false, false, nil); err != nil {
			channel.Close()
			conn.Close()
			return errors.Wrap(err, "failed to declare AMQP queue",
				map[string]interface{}{"queue": queue})
		}
	}

	a.mu.Lock()
	a.conn = conn
	a.channel = channel
	a.connected = true
	a.mu.Unlock()

	a.logger.WithFields(logrus.Fields{
		"archive_queue": a.config.ArchiveQueue,
		"alert_queue":   a.config.AlertQueue,
	}).Info("AMQP archiver connected")

	return nil
}

// Archive publishes one session archive record
func (a *AMQPArchiver) Archive(record *session.ArchiveRecord) error {
	return a.publish(a.config.ArchiveQueue, record)
}

// PublishAlert publishes one quality alert
func (a *AMQPArchiver) PublishAlert(alert *quality.Alert) error {
	return a.publish(a.config.AlertQueue, alert)
}

// PumpAlerts forwards alerts from the monitor's subscription channel until
// it closes. Publish failures are logged, never fatal.
func (a *AMQPArchiver) PumpAlerts(alerts <-chan *quality.Alert) {
	for alert := range alerts {
		if err := a.PublishAlert(alert); err != nil {
			a.logger.WithError(err).WithField("call_id", alert.CallID).Warn("Failed to publish quality alert")
		}
	}
}

func (a *AMQPArchiver) publish(queue string, payload interface{}) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return errors.Wrap(err, "failed to marshal AMQP payload")
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	if !a.connected {
		return errors.ErrUnavailable
	}

	err = a.channel.Publish(
		a.config.ExchangeName,
		queue,
		false, // mandatory
		false, // immediate
		amqp.Publishing{
			ContentType:  "application/json",
			DeliveryMode: amqp.Persistent,
			Timestamp:    time.Now(),
			Body:         body,
		},
	)
	if err != nil {
		return errors.Wrap(err, "AMQP publish failed",
			map[string]interface{}{"queue": queue})
	}
	return nil
}

// Close shuts down the AMQP connection
func (a *AMQPArchiver) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.connected = false
	if a.channel != nil {
		a.channel.Close()
	}
	if a.conn != nil {
		return a.conn.Close()
	}
	return nil
}

// LogArchiver is a fallback Archiver that only logs records, used when AMQP
// is disabled
type LogArchiver struct {
	logger *logrus.Entry
}

// NewLogArchiver creates a log-only archiver
func NewLogArchiver(logger *logrus.Logger) *LogArchiver {
	return &LogArchiver{logger: logger.WithField("component", "log_archiver")}
}

// Archive logs the record
func (l *LogArchiver) Archive(record *session.ArchiveRecord) error {
	l.logger.WithFields(logrus.Fields{
		"record_id":  record.RecordID,
		"session_id": record.SessionID,
		"call_id":    record.CallID,
		"reason":     record.Reason,
		"duration":   record.Duration,
	}).Info("Session archived")
	return nil
}
