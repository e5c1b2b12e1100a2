package frontend

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"os"
	"strings"
)

// TLSConfig enables HTTPS on the client listener. With ClientCAFile set,
// client certificates signed by that bundle become caller identities.
type TLSConfig struct {
	CertFile     string
	KeyFile      string
	ClientCAFile string
}

func (c TLSConfig) Enabled() bool {
	return strings.TrimSpace(c.CertFile) != ""
}

func (c TLSConfig) validate() error {
	cert, key := strings.TrimSpace(c.CertFile), strings.TrimSpace(c.KeyFile)
	if (cert == "") != (key == "") {
		return fmt.Errorf("%w: tls cert and key must be set together", ErrInvalidConfig)
	}
	if cert == "" && strings.TrimSpace(c.ClientCAFile) != "" {
		return fmt.Errorf("%w: tls client ca requires a server cert", ErrInvalidConfig)
	}
	return nil
}

// ServerConfig loads the listener certificate and client CA bundle.
// Clients without a certificate still reach unauthenticated routes.
func (c TLSConfig) ServerConfig() (*tls.Config, error) {
	cert, err := tls.LoadX509KeyPair(c.CertFile, c.KeyFile)
	if err != nil {
		return nil, fmt.Errorf("frontend: load tls key pair: %w", err)
	}
	cfg := &tls.Config{
		MinVersion:   tls.VersionTLS12,
		Certificates: []tls.Certificate{cert},
		ClientAuth:   tls.NoClientCert,
	}
	if path := strings.TrimSpace(c.ClientCAFile); path != "" {
		caPEM, err := os.ReadFile(path)
		if err != nil {
			return nil, err
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(caPEM) {
			return nil, fmt.Errorf("frontend: parse client ca bundle: %s", path)
		}
		cfg.ClientCAs = pool
		cfg.ClientAuth = tls.VerifyClientCertIfGiven
	}
	return cfg, nil
}
