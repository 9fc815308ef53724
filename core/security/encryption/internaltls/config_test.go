package internaltls

import (
	"crypto/tls"
	"crypto/x509"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestConfigs_DevelopmentCertificateIsShared(t *testing.T) {
	server, client, err := Configs(Files{})
	require.NoError(t, err)
	require.Len(t, server.Certificates, 1)
	require.Equal(t, []string{ALPN}, client.NextProtos)
	require.False(t, client.InsecureSkipVerify)

	server2, _, err := Configs(Files{InsecureSkipVerify: true})
	require.NoError(t, err)
	require.Equal(t, server.Certificates[0].Certificate, server2.Certificates[0].Certificate)

	leaf := server.Certificates[0].Leaf
	_, err = leaf.Verify(x509VerifyOptions(client))
	require.NoError(t, err)
}

func TestConfigs_MissingFiles(t *testing.T) {
	_, _, err := Configs(Files{CAFile: "/nope/ca.pem", CertFile: "/nope/cert.pem", KeyFile: "/nope/key.pem"})
	require.Error(t, err)
}

func TestConfigs_InsecureClientDoesNotLeakIntoCache(t *testing.T) {
	_, insecure, err := Configs(Files{InsecureSkipVerify: true})
	require.NoError(t, err)
	require.True(t, insecure.InsecureSkipVerify)

	_, secure, err := Configs(Files{})
	require.NoError(t, err)
	require.False(t, secure.InsecureSkipVerify)
	require.Equal(t, uint16(tls.VersionTLS13), secure.MinVersion)
}

func x509VerifyOptions(client *tls.Config) x509.VerifyOptions {
	return x509.VerifyOptions{Roots: client.RootCAs, DNSName: client.ServerName}
}
