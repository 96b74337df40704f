package main

import (
	"bytes"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"

	"github.com/neicnordic/sda-ingest-core/internal/database"
	"github.com/neicnordic/sda-ingest-core/internal/storage"
)

func TestBackupOneCopiesArchivedFileToBackupBackend(t *testing.T) {
	conn, mock, err := sqlmock.New(sqlmock.MonitorPingsOption(true))
	assert.NoError(t, err)
	db := database.NewTestDB(conn)

	archive := storage.NewPosixBackend(storage.Conf{Location: t.TempDir()})
	backup := storage.NewPosixBackend(storage.Conf{Location: t.TempDir()})

	loc := archive.Location(7)
	payload := []byte("archived-and-accessioned-body")
	_, err = archive.Copy(bytes.NewReader(payload), loc)
	assert.NoError(t, err)

	mock.ExpectPing()
	mock.ExpectBegin()
	mock.ExpectQuery("id, archive_path, archive_filesize").
		WillReturnRows(sqlmock.NewRows([]string{"id", "archive_path", "archive_filesize"}).
			AddRow(int64(7), loc, int64(len(payload))))
	mock.ExpectCommit()

	msg := completion{
		User:               "user",
		FilePath:           "/user/a.c4gh",
		AccessionID:        "1",
		DecryptedChecksums: []checksums{{Type: "sha256", Value: "deadbeef"}},
	}

	err = backupOne(db, archive, backup, msg)
	assert.NoError(t, err)
	assert.True(t, backup.Exists(loc))
}

func TestBackupOneFailsWhenArchiveLookupMisses(t *testing.T) {
	conn, mock, err := sqlmock.New(sqlmock.MonitorPingsOption(true))
	assert.NoError(t, err)
	db := database.NewTestDB(conn)

	archive := storage.NewPosixBackend(storage.Conf{Location: t.TempDir()})
	backup := storage.NewPosixBackend(storage.Conf{Location: t.TempDir()})

	mock.ExpectPing()
	mock.ExpectBegin()
	mock.ExpectQuery("id, archive_path, archive_filesize").WillReturnError(assertErr{"no rows"})
	mock.ExpectRollback()

	err = backupOne(db, archive, backup, completion{User: "user", FilePath: "/missing.c4gh"})
	assert.Error(t, err)
}

type assertErr struct{ msg string }

func (e assertErr) Error() string { return e.msg }
