package broker

import (
	"crypto/tls"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/neicnordic/sda-ingest-core/internal/config"
)

func TestBuildTLSConfigVerifiesPeerWhenConfigured(t *testing.T) {
	tlsConfig, err := buildTLSConfig(config.BrokerConfig{VerifyPeer: true})
	assert.NoError(t, err)
	assert.False(t, tlsConfig.InsecureSkipVerify)
	assert.Equal(t, uint16(tls.VersionTLS12), tlsConfig.MinVersion)
}

func TestBuildTLSConfigHonorsVerifyPeerFalse(t *testing.T) {
	tlsConfig, err := buildTLSConfig(config.BrokerConfig{VerifyPeer: false})
	assert.NoError(t, err)
	assert.True(t, tlsConfig.InsecureSkipVerify)
}

func TestBuildTLSConfigRejectsUnreadableCACert(t *testing.T) {
	_, err := buildTLSConfig(config.BrokerConfig{CACert: "/nonexistent/ca.pem"})
	assert.Error(t, err)
}
