// Package database implements the typed gateway over the archive's
// PostgreSQL schema: lazy connect with exponential backoff, a ping-based
// reconnect, and one short transaction per operation. Grounded on
// lega/utils/db.py (DBConnection, insert_file, mark_in_progress,
// store_header, set_archived, set_file_encrypted_checksum,
// check_session_keys_checksums, mark_completed, set_stable_id, get_header,
// get_info, set_error) and on the teacher's database.FileInfo usage from
// cmd/verify and cmd/sync.
package database

import (
	"crypto/tls"
	"database/sql"
	"fmt"
	"hash"
	"math"
	"os"
	"time"

	// registers the "postgres" driver with database/sql
	_ "github.com/lib/pq"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

// Conf describes how to reach PostgreSQL and the reconnect schedule.
type Conf struct {
	Host        string
	Port        int
	User        string
	Password    string
	Database    string
	SslMode     string
	CACert      string
	ClientCert  string
	ClientKey   string
	TryInterval int // seconds
	Try         int // attempts
}

// FileInfo carries the sizes and running digests verify accumulates while
// streaming a decrypted body; it is handed to MarkCompleted once streaming
// finishes.
type FileInfo struct {
	Size               int64
	DecryptedSize      int64
	Checksum           hash.Hash
	DecryptedChecksum  hash.Hash
}

// DB wraps a pooled *sql.DB with the retrying-reconnect contract described
// in the component design.
type DB struct {
	conn      *sql.DB
	conf      Conf
	onFailure func()
}

// NewDB opens (lazily) a connection to the database named in c. The first
// real connection attempt happens on first use, following the same
// lazy-connect discipline as the original DBConnection.
func NewDB(c Conf) (*DB, error) {
	if c.Try <= 0 {
		c.Try = 1
	}
	if c.TryInterval <= 0 {
		c.TryInterval = 1
	}

	db := &DB{
		conf:      c,
		onFailure: func() { os.Exit(1) },
	}
	if err := db.connect(); err != nil {
		return nil, err
	}
	return db, nil
}

func (d *DB) connectionString() string {
	s := fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		d.conf.Host, d.conf.Port, d.conf.User, d.conf.Password, d.conf.Database, sslModeOrDefault(d.conf.SslMode))
	if d.conf.ClientCert != "" {
		s += fmt.Sprintf(" sslcert=%s sslkey=%s", d.conf.ClientCert, d.conf.ClientKey)
	}
	if d.conf.CACert != "" {
		s += fmt.Sprintf(" sslrootcert=%s", d.conf.CACert)
	}
	return s
}

func sslModeOrDefault(mode string) string {
	if mode == "" {
		return "disable"
	}
	return mode
}

// connect attempts to (re)connect, retrying up to conf.Try times with a
// backoff of interval*2^(attempt/10) seconds. An invalid-parameter error
// (bad DSN) aborts retrying immediately. Exhausting attempts calls
// onFailure, which by default terminates the process — a worker without
// its database is useless.
func (d *DB) connect() error {
	if d.conn != nil {
		_ = d.conn.Close()
		d.conn = nil
	}

	dsn := d.connectionString()
	var lastErr error
	for attempt := 0; attempt < d.conf.Try; attempt++ {
		conn, err := sql.Open("postgres", dsn)
		if err != nil {
			// invalid DSN: abort retrying immediately
			return errors.Wrap(err, "invalid database connection parameters")
		}
		if pingErr := conn.Ping(); pingErr == nil {
			d.conn = conn
			return nil
		} else {
			lastErr = pingErr
			_ = conn.Close()
		}

		backoff := time.Duration(d.conf.TryInterval) * time.Duration(math.Pow(2, float64(attempt/10))) * time.Second
		log.Debugf("database connection attempt %d failed: %v, retrying in %s", attempt, lastErr, backoff)
		time.Sleep(backoff)
	}

	log.Error("failed to connect to database after exhausting retries")
	if d.onFailure != nil {
		d.onFailure()
	}
	return errors.Wrap(lastErr, "exhausted database connection attempts")
}

// ping verifies the connection is alive, reconnecting (force) on failure.
func (d *DB) ping() error {
	if d.conn == nil {
		return d.connect()
	}
	if err := d.conn.Ping(); err != nil {
		log.Debugf("ping failed: %v, reconnecting", err)
		return d.connect()
	}
	return nil
}

// transact runs fn inside a short transaction: commit on normal exit,
// rollback on error. This is the "cursor scope" the component design
// names.
func (d *DB) transact(fn func(*sql.Tx) error) error {
	if err := d.ping(); err != nil {
		return err
	}
	tx, err := d.conn.Begin()
	if err != nil {
		return errors.Wrap(err, "begin transaction")
	}
	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			log.Errorf("rollback failed: %v (original error: %v)", rbErr, err)
		}
		return err
	}
	return tx.Commit()
}

// NewTestDB wraps an already-open *sql.DB (typically a sqlmock connection)
// in a *DB, bypassing NewDB's dial/retry logic. Exported so other
// packages' tests can exercise code that takes a *DB without a real
// Postgres instance.
func NewTestDB(conn *sql.DB) *DB {
	return &DB{conn: conn}
}

// Close releases the underlying connection pool.
func (d *DB) Close() error {
	if d.conn == nil {
		return nil
	}
	return d.conn.Close()
}

// InsertFile creates a new RECEIVED row for filename/userID and returns its
// assigned id.
func (d *DB) InsertFile(filename, userID string) (int64, error) {
	var id int64
	err := d.transact(func(tx *sql.Tx) error {
		return tx.QueryRow("SELECT local_ega.insert_file($1, $2)", filename, userID).Scan(&id)
	})
	if err != nil {
		return 0, errors.Wrap(err, "insert_file")
	}
	return id, nil
}

// MarkInProgress transitions fileID to IN_INGESTION.
func (d *DB) MarkInProgress(fileID int64) error {
	return d.transact(func(tx *sql.Tx) error {
		_, err := tx.Exec("UPDATE local_ega.files SET status = 'IN_INGESTION' WHERE id = $1", fileID)
		return err
	})
}

// StoreHeader persists the hex-encoded envelope header for fileID.
func (d *DB) StoreHeader(fileID int64, headerHex string) error {
	return d.transact(func(tx *sql.Tx) error {
		_, err := tx.Exec("UPDATE local_ega.files SET header = $1 WHERE id = $2", headerHex, fileID)
		return err
	})
}

// SetArchived records the archive location/size and transitions to
// ARCHIVED.
func (d *DB) SetArchived(fileID int64, archivePath string, archiveFilesize int64) error {
	return d.transact(func(tx *sql.Tx) error {
		_, err := tx.Exec(
			"UPDATE local_ega.files SET status = 'ARCHIVED', archive_path = $1, archive_filesize = $2 WHERE id = $3",
			archivePath, archiveFilesize, fileID)
		return err
	})
}

// SetFileEncryptedChecksum records the inbox (encrypted) digest.
func (d *DB) SetFileEncryptedChecksum(fileID int64, checksum, checksumType string) error {
	return d.transact(func(tx *sql.Tx) error {
		_, err := tx.Exec(
			"UPDATE local_ega.files SET inbox_file_checksum = $1, inbox_file_checksum_type = $2 WHERE id = $3",
			checksum, checksumType, fileID)
		return err
	})
}

// CheckSessionKeyChecksums reports whether any of checksums already
// appears in the session-key ledger.
func (d *DB) CheckSessionKeyChecksums(checksums []string) (bool, error) {
	if len(checksums) == 0 {
		return false, fmt.Errorf("no session key checksums to check")
	}
	var found bool
	err := d.transact(func(tx *sql.Tx) error {
		return tx.QueryRow(
			"SELECT * FROM local_ega.check_session_keys_checksums_sha256($1)", pqStringArray(checksums),
		).Scan(&found)
	})
	if err != nil {
		return false, errors.Wrap(err, "check_session_keys_checksums_sha256")
	}
	return found, nil
}

// MarkCompleted transitions fileID to COMPLETED, records the decrypted
// digest, and inserts the session-key digests into the ledger in the same
// transaction: they must succeed or fail together to preserve the
// single-use invariant (invariant 2, §8).
func (d *DB) MarkCompleted(fileID int64, file FileInfo, sessionKeyChecksums []string) error {
	digest := fmt.Sprintf("%x", file.DecryptedChecksum.Sum(nil))
	return d.transact(func(tx *sql.Tx) error {
		if _, err := tx.Exec(
			"UPDATE local_ega.files SET status = 'COMPLETED', archive_file_checksum = $1, archive_file_checksum_type = 'SHA256' WHERE id = $2",
			digest, fileID); err != nil {
			return err
		}
		for _, c := range sessionKeyChecksums {
			if _, err := tx.Exec(
				"INSERT INTO local_ega.session_key_checksums_sha256 (file_id, session_key_checksum) VALUES ($1, $2)",
				fileID, c); err != nil {
				return err
			}
		}
		return nil
	})
}

// SetStableID transitions the unique row matching (user, filepath,
// decryptedChecksum) to READY with stableID, refusing to touch DISABLED
// rows. It does not report whether any row actually matched (§9, open
// question — preserved as observed).
func (d *DB) SetStableID(filepath, user, decryptedChecksum, stableID string) error {
	return d.transact(func(tx *sql.Tx) error {
		_, err := tx.Exec(
			`UPDATE local_ega.files SET status = 'READY', stable_id = $1
			 WHERE elixir_id = $2 AND inbox_path = $3 AND archive_file_checksum = $4 AND status != 'DISABLED'`,
			stableID, user, filepath, decryptedChecksum)
		return err
	})
}

// GetHeader returns the hex-decoded header bytes stored for fileID.
func (d *DB) GetHeader(fileID int64) ([]byte, error) {
	var headerHex string
	err := d.transact(func(tx *sql.Tx) error {
		return tx.QueryRow("SELECT header FROM local_ega.files WHERE id = $1", fileID).Scan(&headerHex)
	})
	if err != nil {
		return nil, errors.Wrap(err, "get_header")
	}
	return hexDecode(headerHex)
}

// Info is the row shape returned by GetInfo.
type Info struct {
	InboxPath   string
	ArchivePath string
	StableID    string
	Header      string
}

// GetInfo retrieves the inbox path, archive path, stable id and header for
// fileID.
func (d *DB) GetInfo(fileID int64) (Info, error) {
	var info Info
	err := d.transact(func(tx *sql.Tx) error {
		return tx.QueryRow(
			"SELECT inbox_path, archive_path, stable_id, header FROM local_ega.files WHERE id = $1", fileID,
		).Scan(&info.InboxPath, &info.ArchivePath, &info.StableID, &info.Header)
	})
	if err != nil {
		return Info{}, errors.Wrap(err, "get_info")
	}
	return info, nil
}

// GetArchived returns the file id, archive path and recorded file size for
// the row matching (user, filepath, checksum); used by the finalize worker
// to learn the file id an error-log row is attached to if its later update
// fails, and by the backup worker (§2.1) to locate the bytes to mirror.
// When no row matches it returns an error.
func (d *DB) GetArchived(user, filepath, checksum string) (int64, string, int64, error) {
	var fileID, size int64
	var archivePath string
	err := d.transact(func(tx *sql.Tx) error {
		return tx.QueryRow(
			`SELECT id, archive_path, archive_filesize FROM local_ega.files
			 WHERE elixir_id = $1 AND inbox_path = $2 AND archive_file_checksum = $3`,
			user, filepath, checksum,
		).Scan(&fileID, &archivePath, &size)
	})
	if err != nil {
		return 0, "", 0, errors.Wrap(err, "get_archived")
	}
	return fileID, archivePath, size, nil
}

// SetError appends an error-log row for fileID, recording the hostname of
// origin, the Go type name of err, its message, and whether it is
// attributable to the submitter.
func (d *DB) SetError(fileID int64, err error, fromUser bool) error {
	hostname, hErr := os.Hostname()
	if hErr != nil {
		hostname = "unknown"
	}
	return d.transact(func(tx *sql.Tx) error {
		_, execErr := tx.Exec(
			"SELECT * FROM local_ega.insert_error($1, $2, $3, $4, $5)",
			fileID, hostname, fmt.Sprintf("%T", err), err.Error(), fromUser)
		return execErr
	})
}

func hexDecode(s string) ([]byte, error) {
	out := make([]byte, len(s)/2)
	for i := 0; i < len(out); i++ {
		var b byte
		if _, err := fmt.Sscanf(s[i*2:i*2+2], "%02x", &b); err != nil {
			return nil, errors.Wrapf(err, "decoding header hex at offset %d", i*2)
		}
		out[i] = b
	}
	return out, nil
}

func pqStringArray(ss []string) string {
	out := "{"
	for i, s := range ss {
		if i > 0 {
			out += ","
		}
		out += `"` + s + `"`
	}
	return out + "}"
}

// TLSConfig builds a *tls.Config for the database connection when client
// certificates are configured; reserved for drivers that take a
// *tls.Config directly instead of DSN parameters.
func TLSConfig(c Conf) (*tls.Config, error) {
	if c.ClientCert == "" {
		return nil, nil
	}
	cert, err := tls.LoadX509KeyPair(c.ClientCert, c.ClientKey)
	if err != nil {
		return nil, errors.Wrap(err, "loading database client certificate")
	}
	return &tls.Config{Certificates: []tls.Certificate{cert}, MinVersion: tls.VersionTLS12}, nil
}
