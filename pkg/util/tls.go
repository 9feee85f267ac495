package util

import (
	"crypto/tls"
	"crypto/x509"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// TLSConfiguration is the configuration structure shared by all TLS
// capable listeners and clients within this codebase.
type TLSConfiguration struct {
	// PEM encoded server or client certificate.
	CertificatePEM string `json:"certificatePem,omitempty"`
	// PEM encoded private key matching the certificate.
	PrivateKeyPEM string `json:"privateKeyPem,omitempty"`
	// PEM encoded certificate authorities used to validate the
	// remote peer.
	CertificateAuthoritiesPEM string `json:"certificateAuthoritiesPem,omitempty"`
	// Server name override for clients, mainly used in tests.
	ServerName string `json:"serverName,omitempty"`
}

// NewTLSConfigFromServerConfiguration creates a TLS configuration
// object based on parameters specified for a server.
func NewTLSConfigFromServerConfiguration(configuration *TLSConfiguration) (*tls.Config, error) {
	if configuration == nil {
		return nil, nil
	}
	cert, err := tls.X509KeyPair([]byte(configuration.CertificatePEM), []byte(configuration.PrivateKeyPEM))
	if err != nil {
		return nil, StatusWrapWithCode(err, codes.InvalidArgument, "Invalid server certificate or private key")
	}
	tlsConfig := &tls.Config{
		Certificates: []tls.Certificate{cert},
	}
	if cas := configuration.CertificateAuthoritiesPEM; cas != "" {
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM([]byte(cas)) {
			return nil, status.Error(codes.InvalidArgument, "Failed to parse client certificate authorities")
		}
		tlsConfig.ClientCAs = pool
		tlsConfig.ClientAuth = tls.RequireAndVerifyClientCert
	}
	return tlsConfig, nil
}

// NewTLSConfigFromClientConfiguration creates a TLS configuration
// object based on parameters specified for a client.
func NewTLSConfigFromClientConfiguration(configuration *TLSConfiguration) (*tls.Config, error) {
	if configuration == nil {
		return nil, nil
	}
	tlsConfig := &tls.Config{
		ServerName: configuration.ServerName,
	}
	if configuration.CertificatePEM != "" || configuration.PrivateKeyPEM != "" {
		cert, err := tls.X509KeyPair([]byte(configuration.CertificatePEM), []byte(configuration.PrivateKeyPEM))
		if err != nil {
			return nil, StatusWrapWithCode(err, codes.InvalidArgument, "Invalid client certificate or private key")
		}
		tlsConfig.Certificates = []tls.Certificate{cert}
	}
	if cas := configuration.CertificateAuthoritiesPEM; cas != "" {
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM([]byte(cas)) {
			return nil, status.Error(codes.InvalidArgument, "Failed to parse server certificate authorities")
		}
		tlsConfig.RootCAs = pool
	}
	return tlsConfig, nil
}
