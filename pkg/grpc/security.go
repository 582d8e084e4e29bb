// Package grpc pkg/grpc/security.go loads transport credentials for the
// orchestrator endpoint. The service only accepts connections, so every
// provider is server-side: fleet monitors authenticate to us, we never
// dial out over gRPC.
package grpc

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"

	"github.com/spiffe/go-spiffe/v2/spiffeid"
	"github.com/spiffe/go-spiffe/v2/spiffetls/tlsconfig"
	"github.com/spiffe/go-spiffe/v2/workloadapi"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/mfreeman451/fleetota/pkg/models"
)

const (
	SecurityModeNone   models.SecurityMode = "none"
	SecurityModeSpiffe models.SecurityMode = "spiffe"
	SecurityModeMTLS   models.SecurityMode = "mtls"
)

// NoSecurityProvider serves plaintext. Development only.
type NoSecurityProvider struct{}

func (*NoSecurityProvider) GetServerCredentials(context.Context) (grpc.ServerOption, error) {
	return grpc.Creds(insecure.NewCredentials()), nil
}

func (*NoSecurityProvider) Close() error {
	return nil
}

// MTLSProvider authenticates fleet monitors with mutual TLS from a
// static certificate directory.
type MTLSProvider struct {
	serverCreds credentials.TransportCredentials
}

func NewMTLSProvider(config *models.SecurityConfig) (*MTLSProvider, error) {
	if config == nil {
		return nil, errSecurityConfigRequired
	}

	creds, err := loadServerCredentials(config)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", errFailedToLoadServerCreds, err)
	}

	return &MTLSProvider{serverCreds: creds}, nil
}

func (p *MTLSProvider) GetServerCredentials(context.Context) (grpc.ServerOption, error) {
	return grpc.Creds(p.serverCreds), nil
}

func (*MTLSProvider) Close() error {
	return nil
}

func loadServerCredentials(config *models.SecurityConfig) (credentials.TransportCredentials, error) {
	log.Printf("Loading server credentials from %s", config.CertDir)

	serverCert := filepath.Join(config.CertDir, "server.pem")
	serverKey := filepath.Join(config.CertDir, "server-key.pem")

	certificate, err := tls.LoadX509KeyPair(serverCert, serverKey)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", errFailedToLoadServerCert, err)
	}

	caCert, err := os.ReadFile(filepath.Join(config.CertDir, "root.pem"))
	if err != nil {
		return nil, fmt.Errorf("%w: %w", errFailedToReadCACert, err)
	}

	caPool := x509.NewCertPool()
	if !caPool.AppendCertsFromPEM(caCert) {
		return nil, errFailedToAppendCACert
	}

	tlsConfig := &tls.Config{
		Certificates: []tls.Certificate{certificate},
		ClientCAs:    caPool,
		ClientAuth:   tls.RequireAndVerifyClientCert,
		MinVersion:   tls.VersionTLS13,
	}

	return credentials.NewTLS(tlsConfig), nil
}

// SpiffeProvider sources server identity from the SPIFFE workload API
// and authorizes any workload in the configured trust domain.
type SpiffeProvider struct {
	config    *models.SecurityConfig
	client    *workloadapi.Client
	source    *workloadapi.X509Source
	closeOnce sync.Once
}

func NewSpiffeProvider(ctx context.Context, config *models.SecurityConfig) (*SpiffeProvider, error) {
	if config.WorkloadSocket == "" {
		config.WorkloadSocket = "unix:/run/spire/sockets/agent.sock"
	}

	client, err := workloadapi.New(
		context.Background(),
		workloadapi.WithAddr(config.WorkloadSocket),
	)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", errFailedWorkloadAPIClient, err)
	}

	source, err := workloadapi.NewX509Source(
		ctx,
		workloadapi.WithClient(client),
	)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", errFailedToCreateX509Source, err)
	}

	return &SpiffeProvider{
		config: config,
		client: client,
		source: source,
	}, nil
}

func (p *SpiffeProvider) GetServerCredentials(_ context.Context) (grpc.ServerOption, error) {
	authorizer := tlsconfig.AuthorizeAny()

	if p.config.TrustDomain != "" {
		trustDomain, err := spiffeid.TrustDomainFromString(p.config.TrustDomain)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", errInvalidTrustDomain, err)
		}

		authorizer = tlsconfig.AuthorizeMemberOf(trustDomain)
	}

	tlsConfig := tlsconfig.MTLSServerConfig(p.source, p.source, authorizer)

	return grpc.Creds(credentials.NewTLS(tlsConfig)), nil
}

func (p *SpiffeProvider) Close() error {
	var err error

	p.closeOnce.Do(func() {
		if p.source != nil {
			err = p.source.Close()
			if err != nil {
				log.Printf("Failed to close X.509 source: %v", err)

				return
			}
		}

		if p.client != nil {
			err = p.client.Close()
		}
	})

	return err
}

// NewSecurityProvider creates the provider for the configured mode. A
// nil config serves plaintext.
func NewSecurityProvider(ctx context.Context, config *models.SecurityConfig) (SecurityProvider, error) {
	if config == nil {
		log.Printf("No security config provided, serving plaintext")
		return &NoSecurityProvider{}, nil
	}

	log.Printf("Creating security provider with mode: %s", config.Mode)

	switch config.Mode {
	case SecurityModeNone:
		return &NoSecurityProvider{}, nil
	case SecurityModeMTLS:
		return NewMTLSProvider(config)
	case SecurityModeSpiffe:
		return NewSpiffeProvider(ctx, config)
	default:
		return nil, fmt.Errorf("%w: %s", errUnknownSecurityMode, config.Mode)
	}
}
