package grpc

import (
	"context"

	"google.golang.org/grpc"
)

// SecurityProvider supplies the endpoint's transport credentials. The
// orchestrator is server-only, so providers carry no dial-side surface.
type SecurityProvider interface {
	// GetServerCredentials returns credentials for accepting connections.
	GetServerCredentials(ctx context.Context) (grpc.ServerOption, error)

	// Close cleans up any resources
	Close() error
}
