package tunnel

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"os"

	"github.com/sbaresearch/moatt-go/internal/config"
)

// buildProviderTLSConfig turns a provider listener's optional TLS block
// into a *tls.Config, or returns nil if the listener is plain TCP (§4.7:
// "Provider connections MAY be wrapped in TLS"). There is no pack example
// of server-side TLS listener setup to ground this on; crypto/tls is the
// only idiomatic way to terminate TLS in Go, so this is stdlib by
// necessity rather than by choice (see DESIGN.md).
func buildProviderTLSConfig(cfg *config.TLSConfig) (*tls.Config, error) {
	if cfg == nil {
		return nil, nil
	}

	cert, err := tls.LoadX509KeyPair(cfg.CertFile, cfg.KeyFile)
	if err != nil {
		return nil, fmt.Errorf("tunnel: loading provider TLS cert: %w", err)
	}

	tlsCfg := &tls.Config{
		Certificates: []tls.Certificate{cert},
		MinVersion:   tls.VersionTLS12,
	}

	if cfg.ClientCAFile != "" {
		pem, err := os.ReadFile(cfg.ClientCAFile)
		if err != nil {
			return nil, fmt.Errorf("tunnel: reading client CA file: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pem) {
			return nil, fmt.Errorf("tunnel: no certificates parsed from client CA file")
		}
		tlsCfg.ClientCAs = pool
		if cfg.RequireClientCert {
			tlsCfg.ClientAuth = tls.RequireAndVerifyClientCert
		} else {
			tlsCfg.ClientAuth = tls.VerifyClientCertIfGiven
		}
	} else if cfg.RequireClientCert {
		return nil, fmt.Errorf("tunnel: require_client_cert set without client_ca_file")
	}

	return tlsCfg, nil
}
