package app

import (
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/cockroachdb/errors"
	"go.uber.org/zap/zapcore"
)

// Environment defines the interface that all environment configurations must implement.
// Embed BaseEnvironment in your struct to satisfy this interface.
type Environment interface {
	addr() string
	serviceName() string
	healthPath() string
	logLevel() zapcore.Level
	otelExporter() string
	tlsCertFile() string
	tlsKeyFile() string
	tlsSecretID() string
	maxConcurrentStreams() uint32
	readBufferSize() int
	writeTimeout() time.Duration
	clientTimeout() time.Duration
	clientConnectTimeout() time.Duration
	requestTimeout() time.Duration
}

// BaseEnvironment contains the environment variables every h2mux app reads.
// Embed this in your custom environment struct.
type BaseEnvironment struct {
	Addr         string        `env:"H2MUX_ADDR" envDefault:":8443"`
	ServiceName  string        `env:"H2MUX_SERVICE_NAME,required"`
	HealthPath   string        `env:"H2MUX_HEALTH_PATH" envDefault:"/healthz"`
	LogLevel     zapcore.Level `env:"H2MUX_LOG_LEVEL" envDefault:"info"`
	OtelExporter string        `env:"H2MUX_OTEL_EXPORTER" envDefault:"stdout"`

	// TLS material is read from the two files when they are set, otherwise from a JSON secret in
	// AWS Secrets Manager with "cert" and "key" fields. Without either the server speaks h2c.
	TLSCertFile string `env:"H2MUX_TLS_CERT_FILE"`
	TLSKeyFile  string `env:"H2MUX_TLS_KEY_FILE"`
	TLSSecretID string `env:"H2MUX_TLS_SECRET_ID"`

	MaxConcurrentStreams uint32        `env:"H2MUX_MAX_CONCURRENT_STREAMS" envDefault:"100"`
	ReadBufferSize       int           `env:"H2MUX_READ_BUFFER_SIZE" envDefault:"8192"`
	WriteTimeout         time.Duration `env:"H2MUX_WRITE_TIMEOUT" envDefault:"30s"`
	ClientTimeout        time.Duration `env:"H2MUX_CLIENT_TIMEOUT" envDefault:"30s"`
	ClientConnectTimeout time.Duration `env:"H2MUX_CLIENT_CONNECT_TIMEOUT" envDefault:"10s"`
	RequestTimeout       time.Duration `env:"H2MUX_REQUEST_TIMEOUT" envDefault:"0s"`
}

func (e BaseEnvironment) addr() string {
	return e.Addr
}

func (e BaseEnvironment) serviceName() string {
	return e.ServiceName
}

func (e BaseEnvironment) healthPath() string {
	return e.HealthPath
}

func (e BaseEnvironment) logLevel() zapcore.Level {
	return e.LogLevel
}

func (e BaseEnvironment) otelExporter() string {
	return e.OtelExporter
}

func (e BaseEnvironment) tlsCertFile() string {
	return e.TLSCertFile
}

func (e BaseEnvironment) tlsKeyFile() string {
	return e.TLSKeyFile
}

func (e BaseEnvironment) tlsSecretID() string {
	return e.TLSSecretID
}

func (e BaseEnvironment) maxConcurrentStreams() uint32 {
	return e.MaxConcurrentStreams
}

func (e BaseEnvironment) readBufferSize() int {
	return e.ReadBufferSize
}

func (e BaseEnvironment) writeTimeout() time.Duration {
	return e.WriteTimeout
}

func (e BaseEnvironment) clientTimeout() time.Duration {
	return e.ClientTimeout
}

func (e BaseEnvironment) clientConnectTimeout() time.Duration {
	return e.ClientConnectTimeout
}

func (e BaseEnvironment) requestTimeout() time.Duration {
	return e.RequestTimeout
}

var _ Environment = BaseEnvironment{}

// ParseEnv parses environment variables into the given Environment type.
func ParseEnv[E Environment]() func() (E, error) {
	return func() (e E, err error) {
		if err := env.Parse(&e); err != nil {
			return e, errors.Wrap(err, "failed to parse environment")
		}

		if (e.tlsCertFile() == "") != (e.tlsKeyFile() == "") {
			return e, errors.New("H2MUX_TLS_CERT_FILE and H2MUX_TLS_KEY_FILE must be set together")
		}

		return e, nil
	}
}
