package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNewConfigReadsPerAppQueueAndRoutingKey(t *testing.T) {
	dir := t.TempDir()
	yaml := `
broker:
  host: broker.example.org
  port: 5671
  queue:
    verify: verify-queue
  routingkey:
    verify: verify-routing-key
db:
  host: db.example.org
`
	assert.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(yaml), 0600))

	wd, err := os.Getwd()
	assert.NoError(t, err)
	assert.NoError(t, os.Chdir(dir))
	defer func() { _ = os.Chdir(wd) }()

	c, err := NewConfig("verify")
	assert.NoError(t, err)
	assert.Equal(t, "broker.example.org", c.Broker.Host)
	assert.Equal(t, "verify-queue", c.Broker.Queue)
	assert.Equal(t, "verify-routing-key", c.Broker.RoutingKey)
	assert.Equal(t, "db.example.org", c.Database.Host)
	assert.Equal(t, 1, c.Database.Try)
	assert.Equal(t, 1, c.Database.TryInterval)
}

func TestNewConfigToleratesMissingFile(t *testing.T) {
	dir := t.TempDir()
	wd, err := os.Getwd()
	assert.NoError(t, err)
	assert.NoError(t, os.Chdir(dir))
	defer func() { _ = os.Chdir(wd) }()

	c, err := NewConfig("ingest")
	assert.NoError(t, err)
	assert.Equal(t, "posix", c.Archive.Driver)
}
