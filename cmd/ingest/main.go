// The ingest service watches for files newly dropped in a user's inbox,
// splits the Crypt4GH envelope header from the ciphertext body, copies the
// body into archive storage, and republishes the message for the verify
// worker. Grounded on lega/ingest.py's work() function, generalized to the
// Go worker shape shared by the rest of the pipeline.
package main

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/elixir-oslo/crypt4gh/header"

	log "github.com/sirupsen/logrus"

	"github.com/neicnordic/sda-ingest-core/internal/broker"
	"github.com/neicnordic/sda-ingest-core/internal/config"
	"github.com/neicnordic/sda-ingest-core/internal/database"
	"github.com/neicnordic/sda-ingest-core/internal/errs"
	"github.com/neicnordic/sda-ingest-core/internal/storage"
	"github.com/neicnordic/sda-ingest-core/internal/worker"
)

type checksum struct {
	Type  string `json:"type"`
	Value string `json:"value"`
}

// incoming is the shape of a trigger message placed in the inbox-watch
// queue, carrying the user's submitted checksum if one was supplied
// alongside the upload.
type incoming struct {
	User               string     `json:"user"`
	FilePath           string     `json:"filepath"`
	EncryptedChecksums []checksum `json:"encrypted_checksums"`
}

// archived is the outgoing message shape, augmented with the assigned file
// id, archive path and the ciphertext digest (supplied or computed).
type archived struct {
	User         string `json:"user"`
	FilePath     string `json:"filepath"`
	FileID       int64  `json:"file_id"`
	ArchivePath  string `json:"archive_path"`
	FileChecksum string `json:"file_checksum"`
}

func main() {
	conf, err := config.NewConfig("ingest")
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

	inbox, err := storage.NewBackend(storage.Conf(conf.Inbox))
	if err != nil {
		log.Fatal(err)
	}
	archive, err := storage.NewBackend(storage.Conf(conf.Archive))
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

	log.Info("starting ingest service")

	dispatcher := &worker.Dispatcher{MQ: mq, DB: db}
	if err := dispatcher.Run(conf.Broker.Queue, "ingestion-trigger", handler(db, inbox, archive)); err != nil {
		log.Fatal(err)
	}
}

// handler adapts ingestOne to worker.Handler.
func handler(db *database.DB, inbox, archive storage.Backend) worker.Handler {
	return func(body []byte) (*worker.Result, error) {
		var msg incoming
		if err := json.Unmarshal(body, &msg); err != nil {
			return nil, fmt.Errorf("unmarshaling trigger message: %w", err)
		}

		out, err := ingestOne(db, inbox, archive, msg)
		if err != nil {
			return nil, err
		}

		outBody, err := json.Marshal(out)
		if err != nil {
			return nil, fmt.Errorf("marshaling verification message: %w", err)
		}
		return &worker.Result{Body: outBody, Schema: "ingestion-verification"}, nil
	}
}

// ingestOne implements the per-file work: establish the database row,
// confirm presence in the inbox, establish the encrypted checksum (a
// supplied sha256 is used as given, without recomputing it), split the envelope header from the body, copy the body into
// archive storage under its assigned location, and persist every step in
// the file's state machine. The row is created before the inbox check (as
// the original does) so a missing-file failure still has a file id to
// attach an error row to.
func ingestOne(db *database.DB, inbox, archive storage.Backend, msg incoming) (*archived, error) {
	fileID, err := db.InsertFile(msg.FilePath, msg.User)
	if err != nil {
		return nil, fmt.Errorf("insert_file: %w", err)
	}

	if !inbox.Exists(msg.FilePath) {
		return nil, &worker.Failure{
			FileID:   fileID,
			User:     msg.User,
			FilePath: msg.FilePath,
			Err:      errs.NewNotFoundInInbox(msg.FilePath),
		}
	}

	if err := db.MarkInProgress(fileID); err != nil {
		return nil, &worker.Failure{FileID: fileID, User: msg.User, FilePath: msg.FilePath, Err: fmt.Errorf("mark_in_progress: %w", err)}
	}

	in, err := inbox.NewFileReader(msg.FilePath)
	if err != nil {
		return nil, &worker.Failure{FileID: fileID, User: msg.User, FilePath: msg.FilePath, Err: fmt.Errorf("opening inbox file: %w", err)}
	}
	defer in.Close()

	providedSha256 := encryptedChecksumOf(msg.EncryptedChecksums, "sha256")

	var bodyChecksum string
	if providedSha256 != "" {
		bodyChecksum = providedSha256
	} else {
		h := sha256.New()
		if _, err := io.Copy(h, in); err != nil {
			return nil, &worker.Failure{FileID: fileID, User: msg.User, FilePath: msg.FilePath, Err: fmt.Errorf("hashing inbox file: %w", err)}
		}
		bodyChecksum = hex.EncodeToString(h.Sum(nil))
		if _, err := in.Seek(0, io.SeekStart); err != nil {
			return nil, &worker.Failure{FileID: fileID, User: msg.User, FilePath: msg.FilePath, Err: fmt.Errorf("rewinding inbox file: %w", err)}
		}
	}
	if err := db.SetFileEncryptedChecksum(fileID, bodyChecksum, "sha256"); err != nil {
		return nil, &worker.Failure{FileID: fileID, User: msg.User, FilePath: msg.FilePath, Err: fmt.Errorf("set_file_encrypted_checksum: %w", err)}
	}

	envelopeHeader, err := header.ReadHeader(in)
	if err != nil {
		return nil, &worker.Failure{FileID: fileID, User: msg.User, FilePath: msg.FilePath, Err: fmt.Errorf("parsing envelope header: %w", err)}
	}
	if err := db.StoreHeader(fileID, hex.EncodeToString(envelopeHeader)); err != nil {
		return nil, &worker.Failure{FileID: fileID, User: msg.User, FilePath: msg.FilePath, Err: fmt.Errorf("store_header: %w", err)}
	}

	archivePath := archive.Location(fileID)
	size, err := archive.Copy(in, archivePath)
	if err != nil {
		return nil, &worker.Failure{FileID: fileID, User: msg.User, FilePath: msg.FilePath, Err: fmt.Errorf("copying body into archive: %w", err)}
	}
	if err := db.SetArchived(fileID, archivePath, size); err != nil {
		return nil, &worker.Failure{FileID: fileID, User: msg.User, FilePath: msg.FilePath, Err: fmt.Errorf("set_archived: %w", err)}
	}

	return &archived{
		User:         msg.User,
		FilePath:     msg.FilePath,
		FileID:       fileID,
		ArchivePath:  archivePath,
		FileChecksum: bodyChecksum,
	}, nil
}

func encryptedChecksumOf(cs []checksum, algo string) string {
	for _, c := range cs {
		if c.Type == algo {
			return c.Value
		}
	}
	return ""
}
