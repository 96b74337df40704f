package main

import (
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"

	"github.com/neicnordic/sda-ingest-core/internal/database"
	"github.com/neicnordic/sda-ingest-core/internal/errs"
	"github.com/neicnordic/sda-ingest-core/internal/storage"
)

func TestEncryptedChecksumOfFindsMatchingAlgorithm(t *testing.T) {
	cs := []checksum{{Type: "md5", Value: "aaa"}, {Type: "sha256", Value: "bbb"}}
	assert.Equal(t, "bbb", encryptedChecksumOf(cs, "sha256"))
	assert.Equal(t, "", encryptedChecksumOf(cs, "crc32"))
}

func TestEncryptedChecksumOfReturnsEmptyWhenAbsent(t *testing.T) {
	assert.Equal(t, "", encryptedChecksumOf(nil, "sha256"))
}

func TestIngestOneFailsWhenFileMissingFromInbox(t *testing.T) {
	inbox := storage.NewPosixBackend(storage.Conf{Location: t.TempDir()})
	archive := storage.NewPosixBackend(storage.Conf{Location: t.TempDir()})

	conn, mock, err := sqlmock.New(sqlmock.MonitorPingsOption(true))
	assert.NoError(t, err)
	db := database.NewTestDB(conn)

	mock.ExpectPing()
	mock.ExpectBegin()
	mock.ExpectQuery("SELECT local_ega.insert_file").
		WithArgs("missing.c4gh", "u").
		WillReturnRows(sqlmock.NewRows([]string{"insert_file"}).AddRow(int64(42)))
	mock.ExpectCommit()

	_, err = ingestOne(db, inbox, archive, incoming{User: "u", FilePath: "missing.c4gh"})
	assert.Error(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())

	var notFound *errs.NotFoundInInbox
	assert.ErrorAs(t, err, &notFound)
}
