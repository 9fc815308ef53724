// Package internaltls builds the TLS configurations used between DTX peers:
// mutual TLS from files in production and a process-local self-signed
// certificate for development and tests.
package internaltls

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"fmt"
	"math/big"
	"net"
	"os"
	"sync"
	"time"
)

// ALPN is the application protocol negotiated on peer connections.
const ALPN = "gojodtx"

// Files points at PEM material. Empty CertFile means development mode.
type Files struct {
	CAFile             string
	CertFile           string
	KeyFile            string
	InsecureSkipVerify bool
}

// Configs returns the server and client TLS configs for f.
func Configs(f Files) (server, client *tls.Config, err error) {
	if f.CertFile == "" {
		server, client = devConfigs()
		if f.InsecureSkipVerify {
			client = client.Clone()
			client.InsecureSkipVerify = true
		}
		return server, client, nil
	}
	server, err = LoadServerTLSConfig(f.CAFile, f.CertFile, f.KeyFile)
	if err != nil {
		return nil, nil, err
	}
	client, err = LoadClientTLSConfig(f.CAFile, f.CertFile, f.KeyFile)
	if err != nil {
		return nil, nil, err
	}
	client.InsecureSkipVerify = f.InsecureSkipVerify
	return server, client, nil
}

var (
	devOnce   sync.Once
	devServer *tls.Config
	devClient *tls.Config
)

func devConfigs() (*tls.Config, *tls.Config) {
	devOnce.Do(func() {
		cert, pool, err := selfSigned()
		if err != nil {
			panic(fmt.Sprintf("internaltls: generate development certificate: %v", err))
		}
		devServer = &tls.Config{
			Certificates: []tls.Certificate{cert},
			NextProtos:   []string{ALPN},
			MinVersion:   tls.VersionTLS13,
		}
		devClient = &tls.Config{
			Certificates: []tls.Certificate{cert},
			RootCAs:      pool,
			ServerName:   "localhost",
			NextProtos:   []string{ALPN},
			MinVersion:   tls.VersionTLS13,
		}
	})
	return devServer.Clone(), devClient.Clone()
}

func selfSigned() (tls.Certificate, *x509.CertPool, error) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return tls.Certificate{}, nil, err
	}
	template := x509.Certificate{
		SerialNumber:          big.NewInt(time.Now().UnixNano()),
		Subject:               pkix.Name{Organization: []string{"gojodtx dev"}, CommonName: "localhost"},
		NotBefore:             time.Now().Add(-time.Minute),
		NotAfter:              time.Now().Add(365 * 24 * time.Hour),
		KeyUsage:              x509.KeyUsageDigitalSignature | x509.KeyUsageCertSign,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth, x509.ExtKeyUsageClientAuth},
		BasicConstraintsValid: true,
		IsCA:                  true,
		DNSNames:              []string{"localhost"},
		IPAddresses:           []net.IP{net.IPv4(127, 0, 0, 1), net.IPv6loopback},
	}
	der, err := x509.CreateCertificate(rand.Reader, &template, &template, &key.PublicKey, key)
	if err != nil {
		return tls.Certificate{}, nil, err
	}
	leaf, err := x509.ParseCertificate(der)
	if err != nil {
		return tls.Certificate{}, nil, err
	}
	pool := x509.NewCertPool()
	pool.AddCert(leaf)
	return tls.Certificate{Certificate: [][]byte{der}, PrivateKey: key, Leaf: leaf}, pool, nil
}

func loadPool(caCertPath string) (*x509.CertPool, error) {
	caCert, err := os.ReadFile(caCertPath)
	if err != nil {
		return nil, fmt.Errorf("could not read CA certificate: %w", err)
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(caCert) {
		return nil, fmt.Errorf("no certificates found in %s", caCertPath)
	}
	return pool, nil
}

// LoadServerTLSConfig requires peers to present a certificate signed by the CA.
func LoadServerTLSConfig(caCertPath, certPath, keyPath string) (*tls.Config, error) {
	cert, err := tls.LoadX509KeyPair(certPath, keyPath)
	if err != nil {
		return nil, fmt.Errorf("could not load server key pair: %w", err)
	}
	pool, err := loadPool(caCertPath)
	if err != nil {
		return nil, err
	}
	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		ClientAuth:   tls.RequireAndVerifyClientCert,
		ClientCAs:    pool,
		NextProtos:   []string{ALPN},
		MinVersion:   tls.VersionTLS13,
	}, nil
}

// LoadClientTLSConfig presents the node certificate and verifies peers
// against the CA.
func LoadClientTLSConfig(caCertPath, certPath, keyPath string) (*tls.Config, error) {
	cert, err := tls.LoadX509KeyPair(certPath, keyPath)
	if err != nil {
		return nil, fmt.Errorf("could not load client key pair: %w", err)
	}
	pool, err := loadPool(caCertPath)
	if err != nil {
		return nil, err
	}
	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		RootCAs:      pool,
		NextProtos:   []string{ALPN},
		MinVersion:   tls.VersionTLS13,
	}, nil
}
