package app

import (
	"time"

	"go.uber.org/zap/zapcore"
)

type testEnv struct {
	level    zapcore.Level
	otelExp  string
	certFile string
	keyFile  string
	secretID string
}

func (e testEnv) addr() string                        { return "127.0.0.1:0" }
func (e testEnv) serviceName() string                 { return "test" }
func (e testEnv) healthPath() string                  { return "/healthz" }
func (e testEnv) logLevel() zapcore.Level             { return e.level }
func (e testEnv) tlsCertFile() string                 { return e.certFile }
func (e testEnv) tlsKeyFile() string                  { return e.keyFile }
func (e testEnv) tlsSecretID() string                 { return e.secretID }
func (e testEnv) maxConcurrentStreams() uint32        { return 100 }
func (e testEnv) readBufferSize() int                 { return 8192 }
func (e testEnv) writeTimeout() time.Duration         { return 30 * time.Second }
func (e testEnv) clientTimeout() time.Duration        { return 30 * time.Second }
func (e testEnv) clientConnectTimeout() time.Duration { return 10 * time.Second }
func (e testEnv) requestTimeout() time.Duration       { return 0 }
func (e testEnv) otelExporter() string {
	if e.otelExp == "" {
		return "stdout"
	}
	return e.otelExp
}
