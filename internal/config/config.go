// Package config loads process configuration for each worker kind from a
// YAML file plus environment variable overrides, using viper. It mirrors
// the per-section layout the original Python configuration (lega/conf.py)
// used: one section per collaborator (broker, db, archive, inbox, backup).
// Every section is loaded for every worker; the worker name only selects
// its broker queue and routing key.
package config

import (
	"fmt"
	"strings"

	"github.com/elixir-oslo/crypt4gh/keys"
	"github.com/spf13/viper"
)

// BrokerConfig describes how to reach the message broker and which
// queues/routing keys a given worker uses.
type BrokerConfig struct {
	Host         string
	Port         int
	User         string
	Password     string
	Vhost        string
	Exchange     string
	Queue        string
	RoutingKey   string
	RoutingError string
	Durable      bool
	Ssl          bool
	VerifyPeer   bool
	CACert       string
	ClientCert   string
	ClientKey    string
}

// DatabaseConfig describes how to reach PostgreSQL and the reconnect
// schedule the gateway should follow.
type DatabaseConfig struct {
	Host        string
	Port        int
	User        string
	Password    string
	Database    string
	SslMode     string
	CACert      string
	ClientCert  string
	ClientKey   string
	TryInterval int
	Try         int
}

// StorageConfig describes one storage backend instance — either a POSIX
// tree or an S3-compatible bucket, selected by Driver.
type StorageConfig struct {
	Driver string // "posix" or "s3"

	// posix
	Location string

	// s3
	URL               string
	Port              int
	Bucket            string
	AccessKey         string
	SecretKey         string
	Region            string
	UploadConcurrency int
	Chunksize         int
	Cacert            string
}

// C4GHConfig names the passphrase-protected master key file used to
// deconstruct envelope headers.
type C4GHConfig struct {
	FilePath   string
	Passphrase string
}

// Config is the union of every sub-config any worker might need; NewConfig
// fills in all of them and each worker reads the ones it uses.
type Config struct {
	Broker      BrokerConfig
	Database    DatabaseConfig
	Archive     StorageConfig
	Inbox       StorageConfig
	Backup      StorageConfig
	C4GH        C4GHConfig
	SchemasPath string
}

// NewConfig loads configuration for the named application ("ingest",
// "verify", "finalize", "backup"), reading a YAML config file (if present)
// and overlaying environment variables prefixed SDA_, with "." in key
// names mapped to "_" (e.g. SDA_DB_HOST overrides db.host).
func NewConfig(app string) (*Config, error) {
	v := viper.New()
	v.SetConfigName("config")
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/sda-ingest")
	v.SetEnvPrefix("sda")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		if _, notFound := err.(viper.ConfigFileNotFoundError); !notFound {
			return nil, fmt.Errorf("reading config for %s: %w", app, err)
		}
	}

	c := &Config{
		Broker: BrokerConfig{
			Host:         v.GetString("broker.host"),
			Port:         v.GetInt("broker.port"),
			User:         v.GetString("broker.user"),
			Password:     v.GetString("broker.password"),
			Vhost:        v.GetString("broker.vhost"),
			Exchange:     v.GetString("broker.exchange"),
			Queue:        v.GetString("broker.queue." + app),
			RoutingKey:   v.GetString("broker.routingkey." + app),
			RoutingError: v.GetString("broker.routingerror"),
			Durable:      v.GetBool("broker.durable"),
			Ssl:          v.GetBool("broker.ssl"),
			VerifyPeer:   v.GetBool("broker.verifypeer"),
			CACert:       v.GetString("broker.cacert"),
			ClientCert:   v.GetString("broker.clientcert"),
			ClientKey:    v.GetString("broker.clientkey"),
		},
		Database: DatabaseConfig{
			Host:        v.GetString("db.host"),
			Port:        v.GetInt("db.port"),
			User:        v.GetString("db.user"),
			Password:    v.GetString("db.password"),
			Database:    v.GetString("db.database"),
			SslMode:     v.GetString("db.sslmode"),
			CACert:      v.GetString("db.cacert"),
			ClientCert:  v.GetString("db.clientcert"),
			ClientKey:   v.GetString("db.clientkey"),
			TryInterval: v.GetInt("db.try_interval"),
			Try:         v.GetInt("db.try"),
		},
		Archive:     storageConfig(v, "archive"),
		Inbox:       storageConfig(v, "inbox"),
		Backup:      storageConfig(v, "backup"),
		SchemasPath: v.GetString("schemas.path"),
		C4GH: C4GHConfig{
			FilePath:   v.GetString("c4gh.filepath"),
			Passphrase: v.GetString("c4gh.passphrase"),
		},
	}

	if c.Database.TryInterval <= 0 {
		c.Database.TryInterval = 1
	}
	if c.Database.Try <= 0 {
		c.Database.Try = 1
	}

	return c, nil
}

func storageConfig(v *viper.Viper, section string) StorageConfig {
	driver := v.GetString(section + ".storage_driver")
	if driver == "" {
		driver = "posix"
	}
	return StorageConfig{
		Driver:            driver,
		Location:          v.GetString(section + ".location"),
		URL:               v.GetString(section + ".s3_url"),
		Port:              v.GetInt(section + ".s3_port"),
		Bucket:            v.GetString(section + ".s3_bucket"),
		AccessKey:         v.GetString(section + ".s3_access_key"),
		SecretKey:         v.GetString(section + ".s3_secret_key"),
		Region:            v.GetString(section + ".s3_region"),
		UploadConcurrency: v.GetInt(section + ".s3_upload_concurrency"),
		Chunksize:         v.GetInt(section + ".s3_chunk_size"),
		Cacert:            v.GetString(section + ".s3_cacert"),
	}
}

// GetC4GHKey loads and unlocks the file-backed Crypt4GH master private key
// named by the C4GH section of the config.
func (c *Config) GetC4GHKey() (*[32]byte, error) {
	passphrase := c.C4GH.Passphrase
	privateKey, err := keys.GetPrivateKey(c.C4GH.FilePath, func() ([]byte, error) { return []byte(passphrase), nil })
	if err != nil {
		return nil, fmt.Errorf("reading c4gh private key %s: %w", c.C4GH.FilePath, err)
	}
	return &privateKey, nil
}
