package app

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/json"
	"encoding/pem"
	"math/big"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// selfSignedPEM returns a PEM encoded certificate for 127.0.0.1 and its key.
func selfSignedPEM(t *testing.T) (certPEM, keyPEM []byte) {
	t.Helper()

	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)

	tmpl := &x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{CommonName: "127.0.0.1"},
		IPAddresses:  []net.IP{net.ParseIP("127.0.0.1")},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(time.Hour),
		KeyUsage:     x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
	}

	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	require.NoError(t, err)

	keyDER, err := x509.MarshalECPrivateKey(key)
	require.NoError(t, err)

	return pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der}),
		pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: keyDER})
}

func TestNewTLSConfig(t *testing.T) {
	certPEM, keyPEM := selfSignedPEM(t)

	t.Run("none configured", func(t *testing.T) {
		cfg, err := NewTLSConfig(testEnv{}, nil)
		require.NoError(t, err)
		require.Nil(t, cfg)
	})

	t.Run("from files", func(t *testing.T) {
		dir := t.TempDir()
		certFile, keyFile := filepath.Join(dir, "cert.pem"), filepath.Join(dir, "key.pem")
		require.NoError(t, os.WriteFile(certFile, certPEM, 0o600))
		require.NoError(t, os.WriteFile(keyFile, keyPEM, 0o600))

		cfg, err := NewTLSConfig(testEnv{certFile: certFile, keyFile: keyFile}, nil)
		require.NoError(t, err)
		require.Len(t, cfg.Certificates, 1)
	})

	t.Run("missing files", func(t *testing.T) {
		dir := t.TempDir()

		_, err := NewTLSConfig(testEnv{
			certFile: filepath.Join(dir, "cert.pem"),
			keyFile:  filepath.Join(dir, "key.pem"),
		}, nil)
		require.ErrorContains(t, err, "failed to load tls key pair")
	})

	t.Run("from secret", func(t *testing.T) {
		secret, err := json.Marshal(map[string]string{"cert": string(certPEM), "key": string(keyPEM)})
		require.NoError(t, err)

		reader := &mockSecretReader{secrets: map[string]string{"h2mux/tls": string(secret)}}

		cfg, err := NewTLSConfig(testEnv{secretID: "h2mux/tls"}, reader)
		require.NoError(t, err)
		require.Len(t, cfg.Certificates, 1)
	})

	t.Run("secret without key", func(t *testing.T) {
		secret, err := json.Marshal(map[string]string{"cert": string(certPEM)})
		require.NoError(t, err)

		reader := &mockSecretReader{secrets: map[string]string{"h2mux/tls": string(secret)}}

		_, err = NewTLSConfig(testEnv{secretID: "h2mux/tls"}, reader)
		require.ErrorContains(t, err, `secret path "key" not found`)
	})
}
