// The backup service mirrors completed archive files into a second storage
// backend once their accession id has been assigned, so that the canonical
// archive has an independent, restorable copy. This is a supplemental
// worker alongside the three canonical ingestion stages; it does not
// advance the file's own status beyond READY. Adapted from the teacher's
// cmd/sync/sync.go, generalized to the shared worker/database/storage
// packages the rest of the pipeline uses.
package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	log "github.com/sirupsen/logrus"

	"github.com/neicnordic/sda-ingest-core/internal/broker"
	"github.com/neicnordic/sda-ingest-core/internal/config"
	"github.com/neicnordic/sda-ingest-core/internal/database"
	"github.com/neicnordic/sda-ingest-core/internal/storage"
	"github.com/neicnordic/sda-ingest-core/internal/worker"
)

type checksums struct {
	Type  string `json:"type"`
	Value string `json:"value"`
}

// completion is the message shape published once a file has been assigned
// an accession id — the same shape the finalize worker republishes.
type completion struct {
	User               string      `json:"user"`
	FilePath           string      `json:"filepath"`
	AccessionID        string      `json:"accession_id"`
	DecryptedChecksums []checksums `json:"decrypted_checksums"`
}

func main() {
	conf, err := config.NewConfig("backup")
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

	archive, err := storage.NewBackend(storage.Conf(conf.Archive))
	if err != nil {
		log.Fatal(err)
	}
	backup, err := storage.NewBackend(storage.Conf(conf.Backup))
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

	log.Info("starting backup service")

	dispatcher := &worker.Dispatcher{MQ: mq, DB: db}
	if err := dispatcher.Run(conf.Broker.Queue, "ingestion-completion", handler(db, archive, backup)); err != nil {
		log.Fatal(err)
	}
}

// handler adapts backupOne to worker.Handler. Once the mirror copy is
// confirmed, the incoming message is republished unchanged to the backup
// worker's routing key.
func handler(db *database.DB, archive, backup storage.Backend) worker.Handler {
	return func(body []byte) (*worker.Result, error) {
		var msg completion
		if err := json.Unmarshal(body, &msg); err != nil {
			return nil, fmt.Errorf("unmarshaling completion message: %w", err)
		}

		if err := backupOne(db, archive, backup, msg); err != nil {
			return nil, err
		}
		return &worker.Result{Body: body}, nil
	}
}

// backupOne copies the archived file named in msg into the backup backend
// and checks the copied size against what the database recorded.
func backupOne(db *database.DB, archive, backup storage.Backend, msg completion) error {
	decryptedSha256 := ""
	for _, c := range msg.DecryptedChecksums {
		if c.Type == "sha256" {
			decryptedSha256 = c.Value
		}
	}

	fail := func(err error) error {
		return &worker.Failure{User: msg.User, FilePath: msg.FilePath, Err: err}
	}

	fileID, archivePath, archiveSize, err := db.GetArchived(msg.User, msg.FilePath, decryptedSha256)
	if err != nil {
		return fail(fmt.Errorf("get_archived: %w", err))
	}
	fail = func(err error) error {
		return &worker.Failure{FileID: fileID, User: msg.User, FilePath: msg.FilePath, Err: err}
	}

	src, err := archive.NewFileReader(archivePath)
	if err != nil {
		return fail(fmt.Errorf("opening archived file: %w", err))
	}
	defer src.Close()

	dest, err := backup.NewFileWriter(archivePath)
	if err != nil {
		return fail(fmt.Errorf("opening backup writer: %w", err))
	}
	defer dest.Close()

	copied, err := io.Copy(dest, src)
	if err != nil {
		return fail(fmt.Errorf("copying to backup: %w", err))
	}
	if copied != archiveSize {
		return fail(fmt.Errorf("backup copy size mismatch: wrote %d bytes, archive recorded %d", copied, archiveSize))
	}

	return nil
}
