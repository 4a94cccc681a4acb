package app

import (
	"context"
	"crypto/tls"
	"time"

	"github.com/cockroachdb/errors"
)

const tlsInitTimeout = 10 * time.Second

// NewTLSConfig loads the server certificate from files or from a secret, see [BaseEnvironment].
// It returns nil when neither is configured.
func NewTLSConfig(env Environment, secrets SecretReader) (*tls.Config, error) {
	var (
		cert tls.Certificate
		err  error
	)

	switch {
	case env.tlsCertFile() != "":
		cert, err = tls.LoadX509KeyPair(env.tlsCertFile(), env.tlsKeyFile())
		if err != nil {
			return nil, errors.Wrap(err, "failed to load tls key pair")
		}
	case env.tlsSecretID() != "":
		ctx, cancel := context.WithTimeout(context.Background(), tlsInitTimeout)
		defer cancel()

		if cert, err = certFromSecret(ctx, secrets, env.tlsSecretID()); err != nil {
			return nil, err
		}
	default:
		return nil, nil
	}

	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		MinVersion:   tls.VersionTLS12,
	}, nil
}

// certFromSecret reads a JSON secret with PEM encoded "cert" and "key" fields.
func certFromSecret(ctx context.Context, secrets SecretReader, secretID string) (tls.Certificate, error) {
	if secrets == nil {
		return tls.Certificate{}, errors.New("app: secret reader not configured")
	}

	certPEM, err := secretFromReader(ctx, secrets, secretID, "cert")
	if err != nil {
		return tls.Certificate{}, err
	}

	keyPEM, err := secretFromReader(ctx, secrets, secretID, "key")
	if err != nil {
		return tls.Certificate{}, err
	}

	cert, err := tls.X509KeyPair([]byte(certPEM), []byte(keyPEM))
	if err != nil {
		return tls.Certificate{}, errors.Wrapf(err, "failed to parse key pair from secret %q", secretID)
	}

	return cert, nil
}
