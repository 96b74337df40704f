package main

import (
	"bytes"
	"errors"
	"io"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/elixir-oslo/crypt4gh/header"
	"github.com/elixir-oslo/crypt4gh/keys"
	"github.com/elixir-oslo/crypt4gh/streaming"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/neicnordic/sda-ingest-core/internal/database"
	"github.com/neicnordic/sda-ingest-core/internal/errs"
	"github.com/neicnordic/sda-ingest-core/internal/storage"
	"github.com/neicnordic/sda-ingest-core/internal/worker"
)

// buildEnvelope encrypts plaintext for a freshly generated keypair (acting
// as both sender and receiver, which crypt4gh permits) and splits the
// result into its header and ciphertext body, the same split ingestOne
// performs before archiving.
func buildEnvelope(t *testing.T, plaintext []byte) (priv [32]byte, headerBytes, body []byte) {
	t.Helper()

	pub, priv, err := keys.GenerateKeyPair()
	require.NoError(t, err)

	var full bytes.Buffer
	w, err := streaming.NewCrypt4GHWriter(&full, [][32]byte{pub}, priv, nil)
	require.NoError(t, err)
	_, err = w.Write(plaintext)
	require.NoError(t, err)
	require.NoError(t, w.Close())

	r := bytes.NewReader(full.Bytes())
	headerBytes, err = header.ReadHeader(r)
	require.NoError(t, err)
	body, err = io.ReadAll(r)
	require.NoError(t, err)

	return priv, headerBytes, body
}

func TestOpenEnvelopeDecryptsBodyAndReturnsSessionKeyChecksum(t *testing.T) {
	priv, headerBytes, body := buildEnvelope(t, []byte("hello archive"))

	mr := io.MultiReader(bytes.NewReader(headerBytes), bytes.NewReader(body))
	r, checksums, err := openEnvelope(mr, priv)
	assert.NoError(t, err)
	assert.NotEmpty(t, checksums)

	out, err := io.ReadAll(r)
	assert.NoError(t, err)
	assert.Equal(t, "hello archive", string(out))
}

func TestOpenEnvelopeFailsWithWrongKey(t *testing.T) {
	_, headerBytes, body := buildEnvelope(t, []byte("hello archive"))

	_, wrongPriv, err := keys.GenerateKeyPair()
	require.NoError(t, err)

	mr := io.MultiReader(bytes.NewReader(headerBytes), bytes.NewReader(body))
	_, _, err = openEnvelope(mr, wrongPriv)
	assert.Error(t, err)

	var decErr *errs.SessionKeyDecryptionError
	assert.ErrorAs(t, err, &decErr)
}

func TestVerifyOneMarksCompletedOnFirstVerify(t *testing.T) {
	priv, headerBytes, body := buildEnvelope(t, []byte("payload bytes"))

	archive := storage.NewPosixBackend(storage.Conf{Location: t.TempDir()})
	archivePath := archive.Location(42)
	_, err := archive.Copy(bytes.NewReader(body), archivePath)
	require.NoError(t, err)

	conn, mock, err := sqlmock.New(sqlmock.MonitorPingsOption(true))
	require.NoError(t, err)
	db := database.NewTestDB(conn)

	mock.ExpectPing()
	mock.ExpectBegin()
	mock.ExpectQuery("SELECT header FROM local_ega.files").
		WithArgs(int64(42)).
		WillReturnRows(sqlmock.NewRows([]string{"header"}).AddRow(hexEncode(headerBytes)))
	mock.ExpectCommit()

	mock.ExpectPing()
	mock.ExpectBegin()
	mock.ExpectQuery("check_session_keys_checksums_sha256").
		WillReturnRows(sqlmock.NewRows([]string{"found"}).AddRow(false))
	mock.ExpectCommit()

	mock.ExpectPing()
	mock.ExpectBegin()
	mock.ExpectExec("UPDATE local_ega.files SET status = 'COMPLETED'").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO local_ega.session_key_checksums_sha256").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	msg := message{FilePath: "/user/a.c4gh", User: "user", FileID: 42, ArchivePath: archivePath}

	out, err := verifyOne(db, archive, &priv, msg)
	assert.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
	require.NotNil(t, out)
	assert.Equal(t, "user", out.User)
	assert.Len(t, out.DecryptedChecksums, 2)
}

func TestVerifyOneSkipsLedgerMutationOnReVerify(t *testing.T) {
	priv, headerBytes, body := buildEnvelope(t, []byte("payload bytes"))

	archive := storage.NewPosixBackend(storage.Conf{Location: t.TempDir()})
	archivePath := archive.Location(43)
	_, err := archive.Copy(bytes.NewReader(body), archivePath)
	require.NoError(t, err)

	conn, mock, err := sqlmock.New(sqlmock.MonitorPingsOption(true))
	require.NoError(t, err)
	db := database.NewTestDB(conn)

	mock.ExpectPing()
	mock.ExpectBegin()
	mock.ExpectQuery("SELECT header FROM local_ega.files").
		WithArgs(int64(43)).
		WillReturnRows(sqlmock.NewRows([]string{"header"}).AddRow(hexEncode(headerBytes)))
	mock.ExpectCommit()

	msg := message{FilePath: "/user/a.c4gh", User: "user", FileID: 43, ArchivePath: archivePath, ReVerify: true}

	out, err := verifyOne(db, archive, &priv, msg)
	assert.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
	require.NotNil(t, out)
}

func TestVerifyOneFailsOnSessionKeyReuse(t *testing.T) {
	priv, headerBytes, body := buildEnvelope(t, []byte("payload bytes"))

	archive := storage.NewPosixBackend(storage.Conf{Location: t.TempDir()})
	archivePath := archive.Location(44)
	_, err := archive.Copy(bytes.NewReader(body), archivePath)
	require.NoError(t, err)

	conn, mock, err := sqlmock.New(sqlmock.MonitorPingsOption(true))
	require.NoError(t, err)
	db := database.NewTestDB(conn)

	mock.ExpectPing()
	mock.ExpectBegin()
	mock.ExpectQuery("SELECT header FROM local_ega.files").
		WithArgs(int64(44)).
		WillReturnRows(sqlmock.NewRows([]string{"header"}).AddRow(hexEncode(headerBytes)))
	mock.ExpectCommit()

	mock.ExpectPing()
	mock.ExpectBegin()
	mock.ExpectQuery("check_session_keys_checksums_sha256").
		WillReturnRows(sqlmock.NewRows([]string{"found"}).AddRow(true))
	mock.ExpectCommit()

	msg := message{FilePath: "/user/a.c4gh", User: "user", FileID: 44, ArchivePath: archivePath}

	_, err = verifyOne(db, archive, &priv, msg)
	assert.Error(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())

	var reused *errs.SessionKeyReused
	assert.ErrorAs(t, err, &reused)

	var failure *worker.Failure
	assert.True(t, errors.As(err, &failure))
	assert.Equal(t, int64(44), failure.FileID)
}

func hexEncode(b []byte) string {
	const hextable = "0123456789abcdef"
	out := make([]byte, len(b)*2)
	for i, c := range b {
		out[i*2] = hextable[c>>4]
		out[i*2+1] = hextable[c&0x0f]
	}
	return string(out)
}
