// Package worker implements the consume/validate/handle/ack-or-reject loop
// shared by every pipeline stage (component design §4.3), and the
// cross-cutting error wrapper (§4.4) that records a failure to the error
// log, routes it to the error exchange, and rejects the message without
// requeue. Each cmd/<worker> entry point supplies only the per-stage
// Handler; everything around it — schema validation, publish, ack, the
// failure path — lives here once.
//
// Grounded on the consume loop every teacher worker (cmd/verify,
// cmd/sync) hand-rolled identically; factored out here so the four
// workers in this module share one correct implementation instead of
// four near-identical copies.
package worker

import (
	"encoding/json"
	"errors"
	"fmt"

	amqp "github.com/rabbitmq/amqp091-go"
	log "github.com/sirupsen/logrus"

	"github.com/neicnordic/sda-ingest-core/internal/broker"
	"github.com/neicnordic/sda-ingest-core/internal/database"
	"github.com/neicnordic/sda-ingest-core/internal/errs"
)

// Result is what a Handler returns when its work should be published
// onward. A nil Result means "acknowledge the message, nothing to
// publish" — the shape the verify worker's re-verify path needs.
type Result struct {
	Body []byte
	// Schema names the outgoing JSON schema to validate Body against
	// before publishing; empty skips validation.
	Schema string
	// RoutingKey overrides the dispatcher's default (conf.RoutingKey)
	// when a worker needs to publish to a different key, e.g. the error
	// queue has its own.
	RoutingKey string
}

// Failure wraps a handler error with the file/user context needed to
// record an error-log row, since each worker's message shape differs and
// the dispatcher otherwise has no way to know the file id.
type Failure struct {
	FileID   int64
	User     string
	FilePath string
	Err      error
}

func (f *Failure) Error() string { return f.Err.Error() }
func (f *Failure) Unwrap() error { return f.Err }

// Handler processes one already schema-validated message body.
type Handler func(body []byte) (*Result, error)

// Dispatcher runs the shared loop around a Handler.
type Dispatcher struct {
	MQ *broker.MQ
	DB *database.DB
}

// Run consumes from queue until its channel closes, validating every
// delivery against inSchema before invoking handler.
func (d *Dispatcher) Run(queue, inSchema string, handler Handler) error {
	conf := d.MQ.Conf()

	messages, err := d.MQ.GetMessages(queue)
	if err != nil {
		return err
	}

	for delivered := range messages {
		log.Debugf("received a message (corr-id: %s): %s", delivered.CorrelationId, delivered.Body)

		if err := d.MQ.ValidateJSON(&delivered, inSchema, delivered.Body); err != nil {
			continue
		}

		result, err := func() (res *Result, err error) {
			defer func() {
				if r := recover(); r != nil {
					err = fmt.Errorf("handler panicked: %v", r)
				}
			}()
			return handler(delivered.Body)
		}()
		if err != nil {
			d.fail(delivered, err)
			continue
		}

		if result == nil {
			if e := delivered.Ack(false); e != nil {
				log.Errorf("failed to ack message: %v", e)
			}
			continue
		}

		if result.Schema != "" {
			if err := d.MQ.ValidateJSON(&delivered, result.Schema, result.Body); err != nil {
				continue
			}
		}

		routingKey := result.RoutingKey
		if routingKey == "" {
			routingKey = conf.RoutingKey
		}
		if routingKey != "" {
			if err := d.MQ.SendMessage(delivered.CorrelationId, conf.Exchange, routingKey, conf.Durable, result.Body); err != nil {
				log.Errorf("failed to publish message: %v", err)
			}
		}
		if err := delivered.Ack(false); err != nil {
			log.Errorf("failed to ack message: %v", err)
		}
	}

	return nil
}

// fail records the error (to the database when file context is known, and
// always to the error exchange), then rejects the message without
// requeue — §4.3 step 3.
func (d *Dispatcher) fail(delivered amqp.Delivery, err error) {
	conf := d.MQ.Conf()

	var fu errs.FromUser
	fromUser := errors.As(err, &fu) && fu.FromUser()

	var failure *Failure
	_ = errors.As(err, &failure)

	var user, filePath string
	var fileID int64
	if failure != nil {
		user, filePath, fileID = failure.User, failure.FilePath, failure.FileID
	}

	log.Errorf("handler failed (corr-id: %s, from_user=%t): %v", delivered.CorrelationId, fromUser, err)

	if fileID != 0 && d.DB != nil {
		if e := d.DB.SetError(fileID, err, fromUser); e != nil {
			log.Errorf("failed to record error for file %d: %v", fileID, e)
		}
	}

	fileError := broker.FileError{User: user, FilePath: filePath, Reason: err.Error()}
	body, _ := json.Marshal(fileError)
	if e := d.MQ.SendMessage(delivered.CorrelationId, conf.Exchange, conf.RoutingError, conf.Durable, body); e != nil {
		log.Errorf("failed to publish error message: %v", e)
	}
	if e := delivered.Nack(false, false); e != nil {
		log.Errorf("failed to nack message: %v", e)
	}
}
