package security

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"os"
)

// ServerTLSConfig holds HTTPS configuration for the API server.
type ServerTLSConfig struct {
	CertFile     string // Server certificate file
	KeyFile      string // Server private key file
	ClientCAFile string // Optional CA for verifying client certificates
}

// LoadServerTLS builds a tls.Config for the API server.
// When ClientCAFile is set, clients must present a certificate signed by it.
func LoadServerTLS(cfg *ServerTLSConfig) (*tls.Config, error) {
	serverCert, err := tls.LoadX509KeyPair(cfg.CertFile, cfg.KeyFile)
	if err != nil {
		return nil, fmt.Errorf("load server certificate: %w", err)
	}

	tlsConfig := &tls.Config{
		Certificates: []tls.Certificate{serverCert},
		MinVersion:   tls.VersionTLS13,
	}

	if cfg.ClientCAFile == "" {
		return tlsConfig, nil
	}

	caCert, err := os.ReadFile(cfg.ClientCAFile)
	if err != nil {
		return nil, fmt.Errorf("read client CA certificate: %w", err)
	}

	caPool := x509.NewCertPool()
	if !caPool.AppendCertsFromPEM(caCert) {
		return nil, fmt.Errorf("failed to add client CA certificate")
	}
	tlsConfig.ClientAuth = tls.RequireAndVerifyClientCert
	tlsConfig.ClientCAs = caPool

	return tlsConfig, nil
}
