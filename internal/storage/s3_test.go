package storage

import (
	"bytes"
	"io"
	"net/http/httptest"
	"net/url"
	"strconv"
	"testing"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/service/s3"
	"github.com/johannesboyne/gofakes3"
	"github.com/johannesboyne/gofakes3/backend/s3mem"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// newFakeS3Backend starts an in-memory S3 server and returns an S3Backend
// pointed at it, with bucket already created.
func newFakeS3Backend(t *testing.T) *S3Backend {
	t.Helper()

	faker := gofakes3.New(s3mem.New())
	ts := httptest.NewServer(faker.Server())
	t.Cleanup(ts.Close)

	u, err := url.Parse(ts.URL)
	require.NoError(t, err)
	port, err := strconv.Atoi(u.Port())
	require.NoError(t, err)

	backend := NewS3Backend(Conf{
		URL:       u.Scheme + "://" + u.Hostname(),
		Port:      port,
		Bucket:    "archive",
		AccessKey: "test",
		SecretKey: "test",
		Region:    "us-east-1",
		Chunksize: 5 * 1024 * 1024,
	})

	_, err = backend.client.CreateBucket(&s3.CreateBucketInput{Bucket: aws.String("archive")})
	require.NoError(t, err)

	return backend
}

func TestS3BackendCopyExistsFileSizeRoundTrip(t *testing.T) {
	b := newFakeS3Backend(t)

	dest := b.Location(7)
	assert.False(t, b.Exists(dest))

	payload := []byte("encrypted-archive-body")
	n, err := b.Copy(bytes.NewReader(payload), dest)
	assert.NoError(t, err)
	assert.Equal(t, int64(len(payload)), n)

	assert.True(t, b.Exists(dest))

	size, err := b.FileSize(dest)
	assert.NoError(t, err)
	assert.Equal(t, int64(len(payload)), size)
}

func TestS3BackendReaderSupportsRangedSeekAndRead(t *testing.T) {
	b := newFakeS3Backend(t)

	dest := b.Location(8)
	payload := []byte("0123456789abcdefghij")
	_, err := b.Copy(bytes.NewReader(payload), dest)
	require.NoError(t, err)

	r, err := b.NewFileReader(dest)
	require.NoError(t, err)
	defer r.Close()

	_, err = r.Seek(10, io.SeekStart)
	assert.NoError(t, err)

	rest, err := io.ReadAll(r)
	assert.NoError(t, err)
	assert.Equal(t, payload[10:], rest)
}

func TestS3BackendReaderReadsInSmallChunksAcrossRangedGETs(t *testing.T) {
	b := newFakeS3Backend(t)

	dest := b.Location(9)
	payload := bytes.Repeat([]byte("x"), 257)
	_, err := b.Copy(bytes.NewReader(payload), dest)
	require.NoError(t, err)

	r, err := b.NewFileReader(dest)
	require.NoError(t, err)
	defer r.Close()

	buf := make([]byte, 16)
	var got []byte
	for {
		n, err := r.Read(buf)
		got = append(got, buf[:n]...)
		if err == io.EOF {
			break
		}
		require.NoError(t, err)
	}
	assert.Equal(t, payload, got)
}

func TestS3BackendExistsReportsFalseForMissingKey(t *testing.T) {
	b := newFakeS3Backend(t)
	assert.False(t, b.Exists(b.Location(404)))
}
