// Package broker wraps the RabbitMQ connection each worker uses to consume
// and publish pipeline messages, plus the schema validation gate every
// inbound message must clear before a worker acts on it. Grounded on the
// teacher's own broker usage (mq.GetMessages, mq.SendMessage,
// mq.ValidateJSON, mq.ConnectionWatcher, mq.Channel, mq.Connection) as
// observed from cmd/verify and cmd/sync, and on the alternate verify
// variant's use of gojsonschema for schema validation.
package broker

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"os"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	log "github.com/sirupsen/logrus"
	"github.com/xeipuuv/gojsonschema"

	"github.com/neicnordic/sda-ingest-core/internal/config"
)

// MQ holds an open connection/channel pair plus the settings needed to
// validate and route messages.
type MQ struct {
	Connection  *amqp.Connection
	Channel     *amqp.Channel
	conf        config.BrokerConfig
	schemasPath string
}

// FileError is the body published to the error routing key whenever a
// worker cannot process a message, whether the cause is the sender's input
// or a system fault.
type FileError struct {
	User     string `json:"user"`
	FilePath string `json:"filepath"`
	Reason   string `json:"reason"`
}

// NewMQ dials the broker described by c and opens a single channel. amqp091
// handles its own per-call heartbeats; ConnectionWatcher surfaces an
// asynchronous close so the caller can fail the process rather than spin on
// a dead channel.
func NewMQ(c config.BrokerConfig) (*MQ, error) {
	vhost := c.Vhost
	scheme := "amqp"
	var tlsConfig *tls.Config
	if c.Ssl {
		scheme = "amqps"
		var err error
		tlsConfig, err = buildTLSConfig(c)
		if err != nil {
			return nil, fmt.Errorf("building broker TLS config: %w", err)
		}
	}

	uri := fmt.Sprintf("%s://%s:%s@%s:%d/%s", scheme, c.User, c.Password, c.Host, c.Port, vhost)

	var conn *amqp.Connection
	var err error
	if c.Ssl {
		conn, err = amqp.DialTLS(uri, tlsConfig)
	} else {
		conn, err = amqp.Dial(uri)
	}
	if err != nil {
		return nil, fmt.Errorf("dialing broker: %w", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("opening channel: %w", err)
	}

	if err := ch.Qos(2, 0, false); err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return nil, fmt.Errorf("setting QoS: %w", err)
	}

	return &MQ{Connection: conn, Channel: ch, conf: c}, nil
}

func buildTLSConfig(c config.BrokerConfig) (*tls.Config, error) {
	tlsConfig := &tls.Config{MinVersion: tls.VersionTLS12, InsecureSkipVerify: !c.VerifyPeer} //nolint:gosec

	if c.CACert != "" {
		caCert, err := os.ReadFile(c.CACert)
		if err != nil {
			return nil, fmt.Errorf("reading broker CA cert: %w", err)
		}
		pool := x509.NewCertPool()
		pool.AppendCertsFromPEM(caCert)
		tlsConfig.RootCAs = pool
	}

	if c.ClientCert != "" && c.ClientKey != "" {
		cert, err := tls.LoadX509KeyPair(c.ClientCert, c.ClientKey)
		if err != nil {
			return nil, fmt.Errorf("loading broker client certificate: %w", err)
		}
		tlsConfig.Certificates = []tls.Certificate{cert}
	}

	return tlsConfig, nil
}

// ConnectionWatcher blocks until the underlying connection closes and
// returns the closing error, if any. A caller typically runs this in a
// goroutine and terminates the process on return.
func (m *MQ) ConnectionWatcher() error {
	closeErr := <-m.Connection.NotifyClose(make(chan *amqp.Error))
	if closeErr == nil {
		return fmt.Errorf("broker connection closed")
	}
	return closeErr
}

// GetMessages starts consuming from queue with manual acknowledgement; the
// caller owns acking, nacking and requeue decisions per delivery.
func (m *MQ) GetMessages(queue string) (<-chan amqp.Delivery, error) {
	return m.Channel.Consume(
		queue,
		"",    // consumer tag, auto-generated
		false, // auto-ack
		false, // exclusive
		false, // no-local
		false, // no-wait
		nil,
	)
}

// SendMessage publishes body to exchange/routingKey, tagging it with
// correlationID so downstream consumers can correlate it with the message
// that produced it.
func (m *MQ) SendMessage(correlationID, exchange, routingKey string, durable bool, body []byte) error {
	deliveryMode := amqp.Transient
	if durable {
		deliveryMode = amqp.Persistent
	}
	return m.Channel.Publish(
		exchange,
		routingKey,
		false, // mandatory
		false, // immediate
		amqp.Publishing{
			Headers:         amqp.Table{},
			ContentType:     "application/json",
			ContentEncoding: "UTF-8",
			DeliveryMode:    deliveryMode,
			CorrelationId:   correlationID,
			Body:            body,
			Timestamp:       time.Now(),
		},
	)
}

// ValidateJSON validates body against the named JSON schema (loaded from
// schemasPath/<name>.json). On failure it nacks delivered without requeue
// and logs the validation errors, mirroring the contract every worker
// relies on before touching a message's fields. The caller unmarshals body
// itself once validation passes.
func (m *MQ) ValidateJSON(delivered *amqp.Delivery, schemaName string, body []byte) error {
	schemaLoader := gojsonschema.NewReferenceLoader("file://" + m.schemasPath + "/" + schemaName + ".json")
	documentLoader := gojsonschema.NewBytesLoader(body)

	result, err := gojsonschema.Validate(schemaLoader, documentLoader)
	if err != nil {
		return fmt.Errorf("running schema validation for %s: %w", schemaName, err)
	}

	if !result.Valid() {
		for _, e := range result.Errors() {
			log.Errorf("message failed schema %s: %s", schemaName, e)
		}
		if e := delivered.Nack(false, false); e != nil {
			log.Errorf("failed to nack invalid message: %v", e)
		}
		return fmt.Errorf("message failed schema %s", schemaName)
	}

	return nil
}

// SetSchemasPath records where ValidateJSON should look for schema files;
// separated from NewMQ so tests can point it at a fixture directory.
func (m *MQ) SetSchemasPath(path string) { m.schemasPath = path }

// Conf returns the broker configuration this MQ was dialed with, so a
// dispatcher built around it knows the exchange/routing keys to use.
func (m *MQ) Conf() config.BrokerConfig { return m.conf }
