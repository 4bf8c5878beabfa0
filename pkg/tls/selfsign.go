package tls

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	crand "crypto/rand"
	stdtls "crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"fmt"
	"math/big"
	"net"
	"os"
	"path/filepath"
	"time"
)

const (
	DefaultCertPath = "./certs/ingestq.crt"
	DefaultKeyPath  = "./certs/ingestq.key"
)

// EnsurePairExists writes a self-signed certificate and key when either file is missing and
// returns the paths in use. Existing files are never overwritten.
func EnsurePairExists(certPath, keyPath string, hosts []string, validFor time.Duration) (string, string, error) {
	if certPath == "" {
		certPath = DefaultCertPath
	}
	if keyPath == "" {
		keyPath = DefaultKeyPath
	}
	if fileExists(certPath) && fileExists(keyPath) {
		return certPath, keyPath, nil
	}
	if validFor <= 0 {
		validFor = 365 * 24 * time.Hour
	}
	if err := os.MkdirAll(filepath.Dir(certPath), 0o755); err != nil {
		return "", "", err
	}
	if err := os.MkdirAll(filepath.Dir(keyPath), 0o700); err != nil {
		return "", "", err
	}

	priv, err := ecdsa.GenerateKey(elliptic.P256(), crand.Reader)
	if err != nil {
		return "", "", err
	}
	serial, err := crand.Int(crand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return "", "", err
	}
	now := time.Now()
	tmpl := x509.Certificate{
		SerialNumber:          serial,
		Subject:               pkix.Name{CommonName: "ingestq self-signed"},
		NotBefore:             now.Add(-time.Hour),
		NotAfter:              now.Add(validFor),
		KeyUsage:              x509.KeyUsageDigitalSignature,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		BasicConstraintsValid: true,
	}
	for _, h := range hosts {
		if ip := net.ParseIP(h); ip != nil {
			tmpl.IPAddresses = append(tmpl.IPAddresses, ip)
		} else if h != "" {
			tmpl.DNSNames = append(tmpl.DNSNames, h)
		}
	}
	der, err := x509.CreateCertificate(crand.Reader, &tmpl, &tmpl, &priv.PublicKey, priv)
	if err != nil {
		return "", "", err
	}
	keyDER, err := x509.MarshalECPrivateKey(priv)
	if err != nil {
		return "", "", err
	}
	if err := os.WriteFile(certPath, pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der}), 0o644); err != nil {
		return "", "", err
	}
	if err := os.WriteFile(keyPath, pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: keyDER}), 0o600); err != nil {
		return "", "", err
	}
	return certPath, keyPath, nil
}

// ServerConfig loads the pair (creating it if needed) into a server-side tls.Config.
// minVersion is "1.2" (default) or "1.3".
func ServerConfig(certPath, keyPath, minVersion string, hosts []string) (*stdtls.Config, error) {
	certPath, keyPath, err := EnsurePairExists(certPath, keyPath, hosts, 0)
	if err != nil {
		return nil, fmt.Errorf("tls pair: %w", err)
	}
	pair, err := stdtls.LoadX509KeyPair(certPath, keyPath)
	if err != nil {
		return nil, fmt.Errorf("load tls pair: %w", err)
	}
	cfg := &stdtls.Config{Certificates: []stdtls.Certificate{pair}, MinVersion: stdtls.VersionTLS12}
	switch minVersion {
	case "", "1.2":
	case "1.3":
		cfg.MinVersion = stdtls.VersionTLS13
	default:
		return nil, fmt.Errorf("unsupported tls min version %q", minVersion)
	}
	return cfg, nil
}

func fileExists(p string) bool {
	if p == "" {
		return false
	}
	_, err := os.Stat(p)
	return err == nil
}
