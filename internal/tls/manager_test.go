package tls

import (
	"crypto/tls"
	"crypto/x509"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"haven-service/internal/config"
)

func TestDevCertIsReused(t *testing.T) {
	gen := NewDevCertGenerator(t.TempDir())

	first, err := gen.GenerateCert([]string{"localhost", "127.0.0.1"})
	require.NoError(t, err)
	second, err := gen.GenerateCert([]string{"localhost", "127.0.0.1"})
	require.NoError(t, err)
	assert.Equal(t, first.Certificate[0], second.Certificate[0])

	leaf, err := x509.ParseCertificate(first.Certificate[0])
	require.NoError(t, err)
	assert.Contains(t, leaf.DNSNames, "localhost")
	require.Len(t, leaf.IPAddresses, 1)
	assert.Equal(t, "127.0.0.1", leaf.IPAddresses[0].String())
}

func TestSelfSignedOnlyOutsideProduction(t *testing.T) {
	server := config.ServerConfig{EnableTLS: true, Domain: "haven.local", AutoCertDir: t.TempDir()}

	dev := NewTLSManager(server, config.EnvDevelopment)
	cert, err := dev.GetCertificate(&tls.ClientHelloInfo{ServerName: "haven.local"})
	require.NoError(t, err)
	assert.NotNil(t, cert)
	assert.Nil(t, dev.GetAutocertManager())

	prod := NewTLSManager(server, config.EnvProduction)
	_, err = prod.GetCertificate(&tls.ClientHelloInfo{ServerName: "haven.local"})
	assert.ErrorIs(t, err, ErrNoCertificate)
}

func TestTLSConfigFloor(t *testing.T) {
	cfg := NewTLSManager(config.ServerConfig{}, config.EnvDevelopment).GetTLSConfig()
	assert.Equal(t, uint16(tls.VersionTLS12), cfg.MinVersion)
	assert.NotNil(t, cfg.GetCertificate)
}
