package di

import (
	"context"

	"github.com/google/wire"
	natsio "github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"loomsync/application/ports"
	"loomsync/application/presence"
	"loomsync/application/session"
	"loomsync/infrastructure/config"
	"loomsync/interfaces/websocket"
	"loomsync/pkg/auth"
)

// Container holds all application dependencies
type Container struct {
	Config       *config.Config
	Logger       *zap.Logger
	NATSConn     *natsio.Conn
	RemoteStore  ports.RemoteStore
	ChangeFeed   ports.ChangeFeed
	Presence     presence.Transport
	Streamer     ports.CompletionStreamer
	JWTValidator *auth.JWTValidator
	Sessions     *session.Manager
	Hub          *websocket.Hub
	WebSocket    *websocket.Server
}

// SuperSet is the main provider set containing all providers
var SuperSet = wire.NewSet(
	ProvideLogger,
	ProvideAWSConfig,
	ProvideDynamoDBClient,
	ProvideRemoteStore,
	ProvideNATSConn,
	ProvideChangeFeed,
	ProvidePresenceTransport,
	ProvideCompletionStreamer,
	ProvideJWTValidator,
	ProvideSessionManager,
	ProvideHub,
	ProvideWebSocketServer,
	wire.Struct(new(Container), "*"),
)

// Shutdown releases every held resource: live sessions are flushed and
// closed first so their final saves reach the store before the bus drops.
func (c *Container) Shutdown(ctx context.Context) {
	if c.Sessions != nil {
		c.Sessions.CloseAll(ctx)
	}
	if c.Hub != nil {
		c.Hub.Stop()
	}
	if c.NATSConn != nil {
		c.NATSConn.Close()
	}
}
