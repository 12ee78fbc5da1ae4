package boot

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nkeys"
)

// ConnectNATS establishes a NATS connection using NKEY auth and, for tls://
// URLs or when NATS_REQUIRE_MTLS is set, mutual TLS. The connection
// reconnects indefinitely.
func ConnectNATS(cfg Config, name, seed string, tlsMat *TLSMaterial) (*nats.Conn, error) {
	kp, err := nkeys.FromSeed([]byte(seed))
	if err != nil {
		return nil, fmt.Errorf("parse seed: %w", err)
	}
	pub, err := kp.PublicKey()
	if err != nil {
		return nil, fmt.Errorf("public key: %w", err)
	}

	opts := []nats.Option{
		nats.Nkey(pub, kp.Sign),
		nats.Name(name),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2 * time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				log.Printf("nats: disconnected: %v", err)
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Printf("nats: reconnected to %s", nc.ConnectedUrl())
		}),
	}

	if cfg.RequiresTLS() {
		tlsCfg, err := clientTLS(tlsMat)
		if err != nil {
			return nil, err
		}
		opts = append(opts, nats.Secure(tlsCfg))
	}

	nc, err := nats.Connect(cfg.NATSUrl, opts...)
	if err != nil {
		return nil, fmt.Errorf("connect: %w", err)
	}
	return nc, nil
}

// RequiresTLS reports whether the NATS connection uses mutual TLS.
func (c Config) RequiresTLS() bool {
	return strings.HasPrefix(c.NATSUrl, "tls://") || c.NATSRequireMTLS
}

// clientTLS builds a TLS 1.3 client config from Vault material.
func clientTLS(mat *TLSMaterial) (*tls.Config, error) {
	if mat == nil {
		return nil, fmt.Errorf("TLS material is required for mTLS connection")
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(mat.CA) {
		return nil, fmt.Errorf("failed to parse CA certificate from Vault")
	}
	cert, err := tls.X509KeyPair(mat.Cert, mat.Key)
	if err != nil {
		return nil, fmt.Errorf("parse client certificate from Vault: %w", err)
	}
	return &tls.Config{
		RootCAs:      pool,
		Certificates: []tls.Certificate{cert},
		MinVersion:   tls.VersionTLS13,
	}, nil
}
