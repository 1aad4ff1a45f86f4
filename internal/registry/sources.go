package registry

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"net/http"
	"os"

	"gopkg.in/yaml.v3"
)

// Sources is the parsed form of the `sources` YAML configuration file:
// registry host overrides, hosts to treat as insecure (plain HTTP or
// self-signed TLS), and custom CA certificates to trust in addition to
// the system pool. Grounded on
// openshift-cluster-capi-operator/pkg/providerimages/trustedca.go's
// "merge with the system pool, don't replace it" approach.
type Sources struct {
	// InsecureHosts lists registry hosts (host:port) that should be
	// reached without TLS verification.
	InsecureHosts []string `yaml:"insecure_hosts,omitempty"`
	// CACertPath, when set, is a PEM file of additional CAs to trust
	// when talking to any registry host.
	CACertPath string `yaml:"ca_cert_path,omitempty"`
}

// ReadSources parses a sources.yml document. A nil/empty document yields
// a zero-value Sources (every host uses default, verified TLS).
func ReadSources(data []byte) (*Sources, error) {
	var s Sources
	if len(data) == 0 {
		return &s, nil
	}
	if err := yaml.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("parsing sources config: %w", err)
	}
	return &s, nil
}

// IsInsecure reports whether host should be dialed without certificate
// verification.
func (s *Sources) IsInsecure(host string) bool {
	if s == nil {
		return false
	}
	for _, h := range s.InsecureHosts {
		if h == host {
			return true
		}
	}
	return false
}

// Transport builds an http.RoundTripper that trusts the system CA pool
// plus whatever CACertPath adds, and skips verification for hosts listed
// in InsecureHosts. host is the specific registry host this transport
// will be used for — each call clones http.DefaultTransport, so TLS
// skip-verify is set only on the clone built for an insecure host.
func (s *Sources) Transport(host string) (http.RoundTripper, error) {
	pool, err := x509.SystemCertPool()
	if err != nil || pool == nil {
		pool = x509.NewCertPool()
	}

	if s != nil && s.CACertPath != "" {
		pem, err := os.ReadFile(s.CACertPath)
		if err != nil {
			return nil, fmt.Errorf("reading custom CA cert %q: %w", s.CACertPath, err)
		}
		if ok := pool.AppendCertsFromPEM(pem); !ok {
			return nil, fmt.Errorf("no certificates found in %q", s.CACertPath)
		}
	}

	//nolint:gosec // InsecureSkipVerify is opt-in per host, operator-controlled.
	tlsConfig := &tls.Config{
		MinVersion:         tls.VersionTLS12,
		RootCAs:            pool,
		InsecureSkipVerify: s.IsInsecure(host),
	}

	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.TLSClientConfig = tlsConfig
	return transport, nil
}
