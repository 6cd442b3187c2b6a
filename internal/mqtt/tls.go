package mqtt

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"os"
	"path/filepath"
)

// NewTLSConfig builds a client TLS configuration from a device
// certificate/key pair and a root certificate location, which may be a
// single PEM file or a directory of them.
func NewTLSConfig(rootCertPath, certPath, keyPath, serverName string) (*tls.Config, error) {
	certpool := x509.NewCertPool()

	info, err := os.Stat(rootCertPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read root certificates at %s: %w", rootCertPath, err)
	}
	files := []string{rootCertPath}
	if info.IsDir() {
		entries, err := os.ReadDir(rootCertPath)
		if err != nil {
			return nil, fmt.Errorf("failed to list root certificates in %s: %w", rootCertPath, err)
		}
		files = files[:0]
		for _, e := range entries {
			if !e.IsDir() {
				files = append(files, filepath.Join(rootCertPath, e.Name()))
			}
		}
	}
	for _, f := range files {
		// Certificate directories commonly hold non-PEM helper files.
		if pemCerts, err := os.ReadFile(f); err == nil {
			certpool.AppendCertsFromPEM(pemCerts)
		}
	}

	cert, err := tls.LoadX509KeyPair(certPath, keyPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load device certificate: %w", err)
	}

	return &tls.Config{
		RootCAs:      certpool,
		Certificates: []tls.Certificate{cert},
		ServerName:   serverName,
		MinVersion:   tls.VersionTLS12,
	}, nil
}
