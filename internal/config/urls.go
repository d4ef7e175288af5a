package config

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"os"
	"strings"
)

// NormalizeHost strips a scheme, a trailing slash and surrounding space from host.
func NormalizeHost(host string) string {
	host = strings.TrimSpace(host)
	for _, scheme := range []string{"https://", "http://", "wss://", "ws://"} {
		host = strings.TrimPrefix(host, scheme)
	}
	return strings.TrimRight(host, "/")
}

// BaseURL returns the peer's HTTP base URL.
func (ha *HomeAssistantConfig) BaseURL() string {
	scheme := "http"
	if ha.UseSSL {
		scheme = "https"
	}
	return fmt.Sprintf("%s://%s:%d", scheme, ha.Host, ha.Port)
}

// APIURL returns the REST API root.
func (ha *HomeAssistantConfig) APIURL() string {
	return ha.BaseURL() + "/api"
}

// WebSocketURL returns the WebSocket API endpoint.
func (ha *HomeAssistantConfig) WebSocketURL() string {
	scheme := "ws"
	if ha.UseSSL {
		scheme = "wss"
	}
	return fmt.Sprintf("%s://%s:%d/api/websocket", scheme, ha.Host, ha.Port)
}

// VerifySSL reports whether server certificates are verified.
func (ha *HomeAssistantConfig) VerifySSL() bool {
	return ha.SSLVerify == nil || *ha.SSLVerify
}

// TLSConfig returns the client TLS configuration, or nil when SSL is off.
func (ha *HomeAssistantConfig) TLSConfig() (*tls.Config, error) {
	if !ha.UseSSL {
		return nil, nil
	}

	cfg := &tls.Config{
		MinVersion:         tls.VersionTLS12,
		InsecureSkipVerify: !ha.VerifySSL(),
	}

	if ha.SSLCertPath != "" {
		pem, err := os.ReadFile(ha.SSLCertPath)
		if err != nil {
			return nil, fmt.Errorf("read ssl cert: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pem) {
			return nil, fmt.Errorf("ssl cert %s: no certificates found", ha.SSLCertPath)
		}
		cfg.RootCAs = pool
	}

	return cfg, nil
}
