// The finalize service consumes an accession message issued by the
// external inventory system and stamps the matching file's row READY with
// its stable accession id, then republishes the message onward with its
// trigger-only "type" discriminator stripped so downstream consumers see a
// plain completion message. Grounded on lega/finalize.py's work() function
// and the teacher's cmd/sync worker shape for the message loop.
package main

import (
	"encoding/json"
	"fmt"
	"os"

	log "github.com/sirupsen/logrus"

	"github.com/neicnordic/sda-ingest-core/internal/broker"
	"github.com/neicnordic/sda-ingest-core/internal/config"
	"github.com/neicnordic/sda-ingest-core/internal/database"
	"github.com/neicnordic/sda-ingest-core/internal/worker"
)

type checksums struct {
	Type  string `json:"type"`
	Value string `json:"value"`
}

// accession is the incoming message shape: an accession id assigned by the
// inventory system to a previously-verified file.
type accession struct {
	User               string      `json:"user"`
	FilePath           string      `json:"filepath"`
	AccessionID        string      `json:"accession_id"`
	DecryptedChecksums []checksums `json:"decrypted_checksums"`
}

func main() {
	conf, err := config.NewConfig("finalize")
	if err != nil {
		log.Fatal(err)
	}
	mq, err := broker.NewMQ(conf.Broker)
	if err != nil {
		log.Fatal(err)
	}
	mq.SetSchemasPath(conf.SchemasPath)

	db, err := database.NewDB(database.Conf(conf.Database))
	if err != nil {
		log.Fatal(err)
	}

	defer mq.Channel.Close()
	defer mq.Connection.Close()
	defer db.Close()

	go func() {
		connError := mq.ConnectionWatcher()
		log.Error(connError)
		os.Exit(1)
	}()

	log.Info("starting finalize service")

	dispatcher := &worker.Dispatcher{MQ: mq, DB: db}
	if err := dispatcher.Run(conf.Broker.Queue, "ingestion-completion", handler(db)); err != nil {
		log.Fatal(err)
	}
}

// handler adapts finalizeOne to worker.Handler, stripping the incoming
// message's "type" discriminator (present only to route it here) before
// republishing it as a plain completion message.
func handler(db *database.DB) worker.Handler {
	return func(body []byte) (*worker.Result, error) {
		var msg accession
		if err := json.Unmarshal(body, &msg); err != nil {
			return nil, fmt.Errorf("unmarshaling accession message: %w", err)
		}

		if err := finalizeOne(db, msg); err != nil {
			return nil, err
		}

		outBody, err := stripType(body)
		if err != nil {
			return nil, fmt.Errorf("stripping type discriminator: %w", err)
		}
		return &worker.Result{Body: outBody}, nil
	}
}

// stripType removes the top-level "type" field a trigger message carries so
// that what gets republished is a plain completion message, matching the
// shape downstream consumers (e.g. the backup worker) expect.
func stripType(body []byte) ([]byte, error) {
	var fields map[string]interface{}
	if err := json.Unmarshal(body, &fields); err != nil {
		return nil, err
	}
	delete(fields, "type")
	return json.Marshal(fields)
}

// finalizeOne stamps the row matching (user, filepath, decrypted checksum)
// READY with accessionID. A matching row that is DISABLED is left unchanged
// and no error is returned. When no row matches the three keys at all, the
// GetArchived lookup fails and finalizeOne returns that error.
func finalizeOne(db *database.DB, msg accession) error {
	decryptedSha256 := ""
	for _, c := range msg.DecryptedChecksums {
		if c.Type == "sha256" {
			decryptedSha256 = c.Value
		}
	}
	if decryptedSha256 == "" {
		return fmt.Errorf("no sha256 decrypted checksum in completion message")
	}

	fileID, _, _, err := db.GetArchived(msg.User, msg.FilePath, decryptedSha256)
	if err != nil {
		return &worker.Failure{User: msg.User, FilePath: msg.FilePath, Err: fmt.Errorf("get_archived: %w", err)}
	}

	if err := db.SetStableID(msg.FilePath, msg.User, decryptedSha256, msg.AccessionID); err != nil {
		return &worker.Failure{FileID: fileID, User: msg.User, FilePath: msg.FilePath, Err: fmt.Errorf("set_stable_id: %w", err)}
	}
	return nil
}
