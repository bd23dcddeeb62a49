// Package tlsca owns the proxy's certificate authority and mints the
// per-host leaf certificates used to terminate intercepted HTTPS
// connections. A CA is loaded from disk if present, or generated and
// written on first use; leaf certificates are minted lazily per host and
// cached as pre-built *tls.Config values for the lifetime of the process.
package tlsca

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"errors"
	"fmt"
	"math/big"
	"net"
	"os"
	"sync"
	"time"

	"golang.org/x/net/idna"

	"yatangaki/internal/logger"
)

// caNotBefore/caNotAfter and leafNotBefore/leafNotAfter are fixed validity
// windows rather than rolling ones, so a CA or leaf minted today and one
// minted years from now carry the same validity window.
var (
	caNotBefore   = time.Date(2023, 1, 1, 0, 0, 0, 0, time.UTC)
	caNotAfter    = time.Date(4096, 1, 1, 0, 0, 0, 0, time.UTC)
	leafNotBefore = time.Date(2023, 1, 1, 0, 0, 0, 0, time.UTC)
	leafNotAfter  = time.Date(2048, 1, 1, 0, 0, 0, 0, time.UTC)
)

const maxCertCache = 10_000

// ErrTLSRejected indicates the peer declined the synthesized certificate
// (the usual cause is that the CA certificate has not been trusted yet).
var ErrTLSRejected = errors.New("tlsca: peer rejected certificate")

// ErrCertGen indicates the crypto library failed to mint or sign a
// certificate; it is distinct from ErrTLSRejected, which is a peer
// decision rather than a local failure.
var ErrCertGen = errors.New("tlsca: certificate generation failed")

// CA holds certificate authority material and the leaf certificate cache.
// The zero value is not usable; construct with LoadOrGenerateCA.
type CA struct {
	cert *x509.Certificate
	key  *rsa.PrivateKey
	log  *logger.Logger

	mu    sync.RWMutex
	cache map[string]*tls.Config // host → pre-built server TLS config
}

// LoadOrGenerateCA loads a CA from the given PEM files, generating and
// writing a fresh CA if the files do not exist. A log is optional; pass
// nil for a silent CA.
func LoadOrGenerateCA(certFile, keyFile string, log *logger.Logger) (*CA, error) {
	ca, err := LoadCA(certFile, keyFile, log)
	if err == nil {
		if log != nil {
			log.Infof("ca_load", "loaded CA from %s / %s", certFile, keyFile)
		}
		return ca, nil
	}

	if errors.Is(err, os.ErrNotExist) {
		if log != nil {
			log.Info("ca_generate", "CA files not found, generating a new CA")
		}
		if genErr := GenerateCA(certFile, keyFile); genErr != nil {
			return nil, fmt.Errorf("generate CA: %w", genErr)
		}
		ca, err = LoadCA(certFile, keyFile, log)
		if err != nil {
			return nil, fmt.Errorf("load generated CA: %w", err)
		}
		if log != nil {
			log.Infof("ca_generate", "generated new CA: %s / %s", certFile, keyFile)
		}
		return ca, nil
	}

	return nil, fmt.Errorf("load CA: %w", err)
}

// LoadCA reads a CA certificate and private key from PEM files. It
// returns an error satisfying errors.Is(err, os.ErrNotExist) when either
// file is absent.
func LoadCA(certFile, keyFile string, log *logger.Logger) (*CA, error) {
	certPEM, err := os.ReadFile(certFile)
	if err != nil {
		return nil, err
	}
	keyPEM, err := os.ReadFile(keyFile)
	if err != nil {
		return nil, err
	}

	certBlock, _ := pem.Decode(certPEM)
	if certBlock == nil {
		return nil, fmt.Errorf("no PEM block in %s", certFile)
	}
	caCert, err := x509.ParseCertificate(certBlock.Bytes)
	if err != nil {
		return nil, fmt.Errorf("parse CA cert: %w", err)
	}

	keyBlock, _ := pem.Decode(keyPEM)
	if keyBlock == nil {
		return nil, fmt.Errorf("no PEM block in %s", keyFile)
	}
	caKey, err := x509.ParsePKCS1PrivateKey(keyBlock.Bytes)
	if err != nil {
		key, err2 := x509.ParsePKCS8PrivateKey(keyBlock.Bytes)
		if err2 != nil {
			return nil, fmt.Errorf("parse CA key: %w (also tried PKCS8: %v)", err, err2)
		}
		ok := false
		caKey, ok = key.(*rsa.PrivateKey)
		if !ok {
			return nil, fmt.Errorf("CA key is not RSA")
		}
	}

	return &CA{
		cert:  caCert,
		key:   caKey,
		log:   log,
		cache: make(map[string]*tls.Config),
	}, nil
}

// GenerateCA creates a new self-signed CA certificate and private key and
// writes them to the given PEM files with 0600 permissions.
func GenerateCA(certFile, keyFile string) error {
	key, err := rsa.GenerateKey(rand.Reader, 4096)
	if err != nil {
		return fmt.Errorf("generate key: %w", err)
	}

	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return fmt.Errorf("generate serial: %w", err)
	}

	template := &x509.Certificate{
		SerialNumber:          serial,
		Subject:               pkix.Name{CommonName: "yatangaki_ca"},
		NotBefore:             caNotBefore,
		NotAfter:              caNotAfter,
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageCRLSign,
		BasicConstraintsValid: true,
		IsCA:                  true,
	}

	derBytes, err := x509.CreateCertificate(rand.Reader, template, template, &key.PublicKey, key)
	if err != nil {
		return fmt.Errorf("create CA cert: %w", err)
	}

	certOut, err := os.OpenFile(certFile, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0600)
	if err != nil {
		return fmt.Errorf("create cert file: %w", err)
	}
	defer certOut.Close() //nolint:errcheck // best-effort close
	if err := pem.Encode(certOut, &pem.Block{Type: "CERTIFICATE", Bytes: derBytes}); err != nil {
		return fmt.Errorf("write cert PEM: %w", err)
	}

	keyOut, err := os.OpenFile(keyFile, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0600)
	if err != nil {
		return fmt.Errorf("create key file: %w", err)
	}
	defer keyOut.Close() //nolint:errcheck // best-effort close
	if err := pem.Encode(keyOut, &pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(key)}); err != nil {
		return fmt.Errorf("write key PEM: %w", err)
	}

	return nil
}

// normalizeHost converts host to its ASCII/punycode form so the same
// cache key and certificate SAN are used regardless of how the client
// spelled an internationalized hostname. IP-literal authorities are
// rejected; minting certs for bare IPs is out of scope.
func normalizeHost(host string) (string, error) {
	if net.ParseIP(host) != nil {
		return "", fmt.Errorf("%w: IP-literal authority %q", ErrCertGen, host)
	}
	ascii, err := idna.Lookup.ToASCII(host)
	if err != nil {
		return "", fmt.Errorf("%w: normalize host %q: %v", ErrCertGen, host, err)
	}
	return ascii, nil
}

// certFor mints a fresh leaf certificate for host, signed by the CA, on
// every call. It does no caching itself; EnsureHostConfig caches the
// resulting TLS config per normalized host.
func (ca *CA) certFor(host string) (*tls.Certificate, error) {
	leafKey, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return nil, fmt.Errorf("%w: generate leaf key: %v", ErrCertGen, err)
	}

	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return nil, fmt.Errorf("%w: generate serial: %v", ErrCertGen, err)
	}

	template := &x509.Certificate{
		SerialNumber: serial,
		Subject:      pkix.Name{CommonName: host},
		DNSNames:     []string{host},
		NotBefore:    leafNotBefore,
		NotAfter:     leafNotAfter,
		KeyUsage:     x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
	}

	derBytes, err := x509.CreateCertificate(rand.Reader, template, ca.cert, &leafKey.PublicKey, ca.key)
	if err != nil {
		return nil, fmt.Errorf("%w: sign leaf cert: %v", ErrCertGen, err)
	}

	leaf := &tls.Certificate{
		Certificate: [][]byte{derBytes, ca.cert.Raw},
		PrivateKey:  leafKey,
	}
	leaf.Leaf, _ = x509.ParseCertificate(derBytes)
	return leaf, nil
}

// EnsureHostConfig returns a *tls.Config presenting a certificate whose
// DNS SAN is host, minting and caching one if this is the first request
// for host. A cache hit takes only the read lock; a miss re-checks and
// mints under the write lock, so concurrent callers for the same host
// share one minted certificate and minting is serialized.
func (ca *CA) EnsureHostConfig(host string) (*tls.Config, error) {
	host, err := normalizeHost(host)
	if err != nil {
		return nil, err
	}

	ca.mu.RLock()
	if cfg, ok := ca.cache[host]; ok {
		ca.mu.RUnlock()
		return cfg, nil
	}
	ca.mu.RUnlock()

	ca.mu.Lock()
	defer ca.mu.Unlock()
	if cfg, ok := ca.cache[host]; ok {
		return cfg, nil
	}

	leaf, err := ca.certFor(host)
	if err != nil {
		return nil, err
	}
	cfg := &tls.Config{
		MinVersion:   tls.VersionTLS12,
		Certificates: []tls.Certificate{*leaf},
		NextProtos:   []string{"http/1.1"},
	}

	if len(ca.cache) >= maxCertCache {
		ca.cache = make(map[string]*tls.Config)
	}
	ca.cache[host] = cfg
	if ca.log != nil {
		ca.log.Debugf("cert_mint", "minted leaf certificate for %s (expires %s)", host, leaf.Leaf.NotAfter.Format(time.RFC3339))
	}
	return cfg, nil
}

// UpgradeServer performs the server-side TLS handshake for an intercepted
// CONNECT tunnel, presenting a leaf certificate minted for host. It
// returns ErrTLSRejected if the handshake fails, which is the expected
// outcome when the client has not trusted the CA certificate.
func (ca *CA) UpgradeServer(ctx context.Context, host string, conn net.Conn) (*tls.Conn, error) {
	cfg, err := ca.EnsureHostConfig(host)
	if err != nil {
		return nil, err
	}

	tlsConn := tls.Server(conn, cfg)
	if deadline, ok := ctx.Deadline(); ok {
		_ = tlsConn.SetDeadline(deadline)
	}
	if err := tlsConn.HandshakeContext(ctx); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTLSRejected, err)
	}
	_ = tlsConn.SetDeadline(time.Time{})
	return tlsConn, nil
}
