package gwconfig

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"os"
)

// Build converts c into a *tls.Config for the upstream connector. A nil
// receiver yields a nil *tls.Config (plaintext TCP).
func (c *TLSConfig) Build() (*tls.Config, error) {
	if c == nil {
		return nil, nil
	}

	cfg := &tls.Config{
		ServerName:         c.ServerName,
		InsecureSkipVerify: c.InsecureSkipVerify,
	}

	if c.CAFile == "" {
		return cfg, nil
	}

	pem, err := os.ReadFile(c.CAFile)
	if err != nil {
		return nil, fmt.Errorf("gwconfig: reading ca_file %s: %w", c.CAFile, err)
	}

	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(pem) {
		return nil, fmt.Errorf("gwconfig: no certificates found in %s", c.CAFile)
	}
	cfg.RootCAs = pool

	return cfg, nil
}
