// Package storage implements the uniform storage-backend abstraction used
// by every worker: a POSIX tree and an S3-compatible bucket exposed behind
// one capability set (Location, Exists, FileSize, NewFileReader,
// NewFileWriter, Copy). Grounded on lega/utils/storage.py (FileStorage /
// S3Storage) for the location/copy/exists semantics and on the teacher's
// own storage.go for the S3 client wiring and TLS transport.
package storage

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/aws/aws-sdk-go/aws/credentials"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/s3"
	"github.com/aws/aws-sdk-go/service/s3/s3manager"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

// ReadSeekCloser is the stream contract both backends must satisfy: the
// envelope parser and segment decryptor need positional, seekable reads.
type ReadSeekCloser interface {
	io.Reader
	io.Seeker
	io.Closer
}

// Backend defines the methods implemented by PosixBackend and S3Backend.
type Backend interface {
	// Location maps a file id to a backend-specific path, deterministically
	// and injectively over the set of assigned ids.
	Location(fileID int64) string
	Exists(path string) bool
	FileSize(path string) (int64, error)
	NewFileReader(path string) (ReadSeekCloser, error)
	NewFileWriter(path string) (io.WriteCloser, error)
	Copy(src io.Reader, destPath string) (int64, error)
}

// Conf is the union of configuration either backend needs; NewBackend picks
// the fields relevant to Driver.
type Conf struct {
	Driver string // "posix" or "s3"

	Location string // posix

	URL               string // s3
	Port              int
	Bucket            string
	AccessKey         string
	SecretKey         string
	Region            string
	UploadConcurrency int
	Chunksize         int
	Cacert            string
}

// NewBackend constructs the Backend named by c.Driver.
func NewBackend(c Conf) (Backend, error) {
	switch c.Driver {
	case "", "posix":
		return NewPosixBackend(c), nil
	case "s3":
		return NewS3Backend(c), nil
	default:
		return nil, fmt.Errorf("unknown storage driver %q", c.Driver)
	}
}

// --------------------------------------------------------------------
// POSIX backend
// --------------------------------------------------------------------

// PosixBackend roots every path at a directory on the local filesystem.
type PosixBackend struct {
	root string
}

// NewPosixBackend returns a PosixBackend rooted at c.Location.
func NewPosixBackend(c Conf) *PosixBackend {
	return &PosixBackend{root: filepath.Clean(c.Location)}
}

func (p *PosixBackend) abs(path string) string {
	return filepath.Join(p.root, filepath.Clean("/"+strings.TrimPrefix(path, "/")))
}

// Location zero-pads fileID to 20 characters and splits it into 3-character
// segments joined by "/", fanning files out across directories so no single
// directory accumulates unbounded entries.
func (p *PosixBackend) Location(fileID int64) string {
	name := fmt.Sprintf("%020d", fileID)
	var segs []string
	for i := 0; i < len(name); i += 3 {
		end := i + 3
		if end > len(name) {
			end = len(name)
		}
		segs = append(segs, name[i:end])
	}
	return strings.Join(segs, "/")
}

// Exists reports whether path is present under root.
func (p *PosixBackend) Exists(path string) bool {
	_, err := os.Stat(p.abs(path))
	return err == nil
}

// FileSize returns the byte count of path.
func (p *PosixBackend) FileSize(path string) (int64, error) {
	fi, err := os.Stat(p.abs(path))
	if err != nil {
		return 0, errors.Wrapf(err, "stat %s", path)
	}
	return fi.Size(), nil
}

// NewFileReader opens path for reading; callers must Close it on every exit
// path.
func (p *PosixBackend) NewFileReader(path string) (ReadSeekCloser, error) {
	f, err := os.Open(p.abs(path))
	if err != nil {
		return nil, errors.Wrapf(err, "open %s", path)
	}
	return f, nil
}

// NewFileWriter opens path for writing, creating parent directories first.
func (p *PosixBackend) NewFileWriter(path string) (io.WriteCloser, error) {
	full := p.abs(path)
	if err := os.MkdirAll(filepath.Dir(full), 0750); err != nil {
		return nil, errors.Wrapf(err, "mkdir for %s", path)
	}
	f, err := os.OpenFile(full, os.O_CREATE|os.O_TRUNC|os.O_RDWR, 0640)
	if err != nil {
		return nil, errors.Wrapf(err, "create %s", path)
	}
	return f, nil
}

// Copy drains src into destPath, creating parent directories as needed, and
// returns the size of the written file as read back from disk, so callers
// observe the authoritative persisted size rather than a local count.
func (p *PosixBackend) Copy(src io.Reader, destPath string) (int64, error) {
	w, err := p.NewFileWriter(destPath)
	if err != nil {
		return 0, err
	}
	defer w.Close()

	if _, err := io.Copy(w, src); err != nil {
		return 0, errors.Wrapf(err, "copy to %s", destPath)
	}

	return p.FileSize(destPath)
}

// --------------------------------------------------------------------
// S3 backend
// --------------------------------------------------------------------

// S3Backend targets an S3-compatible bucket.
type S3Backend struct {
	client    *s3.S3
	uploader  *s3manager.Uploader
	bucket    string
	chunksize int64
}

// NewS3Backend constructs a client for the bucket named in c.
func NewS3Backend(c Conf) *S3Backend {
	trConf := transportConfigS3(c)
	httpClient := &http.Client{Transport: trConf}
	sess := session.Must(session.NewSession(&aws.Config{
		Endpoint:         aws.String(fmt.Sprintf("%s:%d", c.URL, c.Port)),
		Region:           aws.String(c.Region),
		HTTPClient:       httpClient,
		S3ForcePathStyle: aws.Bool(true),
		DisableSSL:       aws.Bool(strings.HasPrefix(c.URL, "http:")),
		Credentials:      credentials.NewStaticCredentials(c.AccessKey, c.SecretKey, ""),
	}))

	chunksize := int64(c.Chunksize)
	if chunksize <= 0 {
		chunksize = 32 * 1024 * 1024
	}

	return &S3Backend{
		bucket:    c.Bucket,
		chunksize: chunksize,
		client:    s3.New(sess),
		uploader: s3manager.NewUploader(sess, func(u *s3manager.Uploader) {
			u.PartSize = chunksize
			if c.UploadConcurrency > 0 {
				u.Concurrency = c.UploadConcurrency
			}
			u.LeavePartsOnError = false
		}),
	}
}

// Location returns fileID as a flat key; the object store needs no
// directory fan-out.
func (s *S3Backend) Location(fileID int64) string {
	return strconv.FormatInt(fileID, 10)
}

// Exists issues a HEAD request and reports whether the key is present.
func (s *S3Backend) Exists(path string) bool {
	_, err := s.client.HeadObject(&s3.HeadObjectInput{Bucket: aws.String(s.bucket), Key: aws.String(path)})
	return err == nil
}

// FileSize issues a HEAD request and returns the object's content length.
func (s *S3Backend) FileSize(path string) (int64, error) {
	out, err := s.client.HeadObject(&s3.HeadObjectInput{Bucket: aws.String(s.bucket), Key: aws.String(path)})
	if err != nil {
		return 0, errors.Wrapf(err, "head %s", path)
	}
	return *out.ContentLength, nil
}

// NewFileReader returns a seekable reader over the object, backed by
// ranged GETs.
func (s *S3Backend) NewFileReader(path string) (ReadSeekCloser, error) {
	size, err := s.FileSize(path)
	if err != nil {
		return nil, err
	}
	return &s3Reader{client: s.client, bucket: s.bucket, key: path, size: size}, nil
}

// NewFileWriter uploads the content written to the returned pipe into the
// bucket, using multipart upload once content exceeds the chunksize.
func (s *S3Backend) NewFileWriter(path string) (io.WriteCloser, error) {
	r, w := io.Pipe()
	go func() {
		_, err := s.uploader.Upload(&s3manager.UploadInput{
			Body:            r,
			Bucket:          aws.String(s.bucket),
			Key:             aws.String(path),
			ContentEncoding: aws.String("application/octet-stream"),
		})
		if err != nil {
			_ = r.CloseWithError(err)
		}
	}()
	return w, nil
}

// Copy uploads src to destPath, using multipart upload above the
// configured chunksize, and returns the size the bucket reports for the
// finished object.
func (s *S3Backend) Copy(src io.Reader, destPath string) (int64, error) {
	_, err := s.uploader.Upload(&s3manager.UploadInput{
		Body:            src,
		Bucket:          aws.String(s.bucket),
		Key:             aws.String(destPath),
		ContentEncoding: aws.String("application/octet-stream"),
	})
	if err != nil {
		return 0, errors.Wrapf(err, "upload %s", destPath)
	}
	return s.FileSize(destPath)
}

// maxFetchAttempts bounds the retry loop for transient ranged-GET failures.
const maxFetchAttempts = 10

// s3Reader implements ReadSeekCloser over ranged GETs, grounded on
// lega/utils/storage.py's S3FileReader (tell/seek/read/close).
type s3Reader struct {
	client *s3.S3
	bucket string
	key    string
	size   int64
	pos    int64
	closed bool
}

// Seek changes the read position; whence follows io.Seeker. Seeking before
// offset 0 fails.
func (r *s3Reader) Seek(offset int64, whence int) (int64, error) {
	var n int64
	switch whence {
	case io.SeekStart:
		n = offset
	case io.SeekCurrent:
		n = r.pos + offset
	case io.SeekEnd:
		n = r.size + offset
	default:
		return 0, fmt.Errorf("invalid whence %d", whence)
	}
	if n < 0 {
		return 0, fmt.Errorf("seek before start of file")
	}
	r.pos = n
	return r.pos, nil
}

// Read satisfies up to len(p) bytes from the object via a ranged GET.
func (r *s3Reader) Read(p []byte) (int, error) {
	if r.closed {
		return 0, fmt.Errorf("read on closed s3 reader")
	}
	if r.pos >= r.size {
		return 0, io.EOF
	}
	if len(p) == 0 {
		return 0, nil
	}

	end := r.pos + int64(len(p))
	if end > r.size {
		end = r.size
	}

	data, err := r.fetch(r.pos, end)
	if err != nil {
		return 0, err
	}
	n := copy(p, data)
	r.pos += int64(n)
	if r.pos >= r.size {
		return n, io.EOF
	}
	return n, nil
}

func (r *s3Reader) fetch(start, end int64) ([]byte, error) {
	var lastErr error
	for i := 0; i < maxFetchAttempts; i++ {
		out, err := r.client.GetObject(&s3.GetObjectInput{
			Bucket: aws.String(r.bucket),
			Key:    aws.String(r.key),
			Range:  aws.String(fmt.Sprintf("bytes=%d-%d", start, end-1)),
		})
		if err == nil {
			defer out.Body.Close()
			return io.ReadAll(out.Body)
		}
		lastErr = err
		if isTransient(err) {
			log.Debugf("transient error fetching %s [%d-%d], retrying: %v", r.key, start, end, err)
			continue
		}
		return nil, err
	}
	return nil, errors.Wrapf(lastErr, "max retries exceeded fetching %s [%d-%d]", r.key, start, end)
}

func isTransient(err error) bool {
	if aerr, ok := err.(awserr.Error); ok {
		return strings.Contains(strings.ToLower(aerr.Message()), "time")
	}
	return strings.Contains(strings.ToLower(err.Error()), "time")
}

// Close marks the reader closed; subsequent reads fail.
func (r *s3Reader) Close() error {
	r.closed = true
	return nil
}

// transportConfigS3 sets up TLS for the S3 client, enforcing TLS1.2 or
// higher and optionally trusting a supplied CA bundle.
func transportConfigS3(c Conf) http.RoundTripper {
	cfg := &tls.Config{MinVersion: tls.VersionTLS12}

	systemCAs, err := x509.SystemCertPool()
	if err != nil || systemCAs == nil {
		log.Debug("creating new CA pool")
		systemCAs = x509.NewCertPool()
	}
	cfg.RootCAs = systemCAs

	if c.Cacert != "" {
		cacert, err := os.ReadFile(c.Cacert) // #nosec this file comes from our configuration
		if err != nil {
			log.Fatalf("failed to read CA cert %q: %v", c.Cacert, err)
		}
		if ok := cfg.RootCAs.AppendCertsFromPEM(cacert); !ok {
			log.Debug("no certs appended, using system certs only")
		}
	}

	return &http.Transport{TLSClientConfig: cfg, ForceAttemptHTTP2: true}
}
