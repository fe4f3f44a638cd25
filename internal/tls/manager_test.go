package tls

import (
	"crypto/tls"
	"crypto/x509"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gp-session-sync/internal/config"
)

func TestDevCertIsReused(t *testing.T) {
	dir := t.TempDir()
	gen := NewDevCertGenerator(dir)

	first, err := gen.GenerateCert([]string{"gpsync.local", "127.0.0.1"})
	require.NoError(t, err)
	second, err := gen.GenerateCert([]string{"gpsync.local", "127.0.0.1"})
	require.NoError(t, err)
	assert.Equal(t, first.Certificate[0], second.Certificate[0])

	leaf, err := x509.ParseCertificate(first.Certificate[0])
	require.NoError(t, err)
	assert.Contains(t, leaf.DNSNames, "gpsync.local")
	require.Len(t, leaf.IPAddresses, 1)
	assert.Equal(t, "127.0.0.1", leaf.IPAddresses[0].String())
}

func TestManagerFallsBackToSelfSignedOutsideProduction(t *testing.T) {
	m := NewTLSManager(config.ServerConfig{EnableTLS: true, AutoCertDir: t.TempDir(), Domain: "gpsync.local"}, false)

	cert, err := m.GetCertificate(&tls.ClientHelloInfo{ServerName: "gpsync.local"})
	require.NoError(t, err)
	again, err := m.GetCertificate(&tls.ClientHelloInfo{ServerName: "gpsync.local"})
	require.NoError(t, err)
	assert.Same(t, cert, again)
	assert.Nil(t, m.GetAutocertManager())
}

func TestManagerInProductionNeedsRealCertificate(t *testing.T) {
	m := NewTLSManager(config.ServerConfig{EnableTLS: true, CertFile: "missing.pem", KeyFile: "missing-key.pem"}, true)

	_, err := m.GetCertificate(&tls.ClientHelloInfo{ServerName: "gpsync.local"})
	assert.ErrorIs(t, err, ErrNoCertificate)
	assert.Equal(t, uint16(tls.VersionTLS12), m.GetTLSConfig().MinVersion)
}
