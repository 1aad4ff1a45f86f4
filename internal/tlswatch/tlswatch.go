// Package tlswatch serves the current TLS certificate/key pair to the
// HTTP server via tls.Config.GetCertificate, backed by an atomic pointer
// so a certificate rotation never races an in-flight handshake.
// Grounded on spec.md §6's certificate reload requirement; the
// atomic-pointer-over-callback shape is the idiomatic Go rendering of
// a hot-reloadable resource, in the spirit of the teacher's own
// certificate-watching controller (internal/controller/cert_controller.go).
package tlswatch

import (
	"crypto/tls"
	"fmt"
	"sync/atomic"
)

// Source supplies the current certificate to a *tls.Config via
// GetCertificate, and can be swapped out by Reload without disturbing
// connections already in progress.
type Source struct {
	current atomic.Pointer[tls.Certificate]
}

// NewSource builds a Source from an initial certificate/key pair on disk.
func NewSource(certFile, keyFile string) (*Source, error) {
	s := &Source{}
	if err := s.Reload(certFile, keyFile); err != nil {
		return nil, err
	}
	return s, nil
}

// Reload reads and parses a new certificate/key pair, atomically
// swapping it in for subsequent handshakes. In-flight connections keep
// using whatever certificate they already negotiated with.
func (s *Source) Reload(certFile, keyFile string) error {
	cert, err := tls.LoadX509KeyPair(certFile, keyFile)
	if err != nil {
		return fmt.Errorf("loading certificate pair: %w", err)
	}
	s.current.Store(&cert)
	return nil
}

// GetCertificate implements the signature tls.Config.GetCertificate
// expects.
func (s *Source) GetCertificate(*tls.ClientHelloInfo) (*tls.Certificate, error) {
	cert := s.current.Load()
	if cert == nil {
		return nil, fmt.Errorf("no certificate loaded")
	}
	return cert, nil
}

// TLSConfig builds a *tls.Config that always serves the Source's current
// certificate.
func (s *Source) TLSConfig() *tls.Config {
	return &tls.Config{
		MinVersion:     tls.VersionTLS12,
		GetCertificate: s.GetCertificate,
	}
}
