package di

import (
	"context"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	awsdynamodb "github.com/aws/aws-sdk-go-v2/service/dynamodb"
	natsio "github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"loomsync/application/ports"
	"loomsync/application/presence"
	"loomsync/application/session"
	"loomsync/infrastructure/completion"
	"loomsync/infrastructure/config"
	"loomsync/infrastructure/messaging/nats"
	dynamostore "loomsync/infrastructure/persistence/dynamodb"
	"loomsync/interfaces/websocket"
	"loomsync/pkg/auth"
	"loomsync/pkg/logger"
)

// ProvideLogger builds the process logger from config.
func ProvideLogger(cfg *config.Config) *zap.Logger {
	return logger.New(cfg.LogLevel, cfg.LogFile, cfg.Environment == "production")
}

// ProvideAWSConfig creates AWS configuration
func ProvideAWSConfig(ctx context.Context, cfg *config.Config) (aws.Config, error) {
	return awsconfig.LoadDefaultConfig(ctx,
		awsconfig.WithRegion(cfg.AWSRegion),
	)
}

// ProvideDynamoDBClient creates a DynamoDB client
func ProvideDynamoDBClient(awsCfg aws.Config) *awsdynamodb.Client {
	return awsdynamodb.NewFromConfig(awsCfg)
}

// ProvideRemoteStore creates the durable graph store
func ProvideRemoteStore(client *awsdynamodb.Client, cfg *config.Config, log *zap.Logger) ports.RemoteStore {
	return dynamostore.NewStore(client, cfg.DynamoDBTable, log)
}

// ProvideNATSConn dials the realtime bus
func ProvideNATSConn(cfg *config.Config) (*natsio.Conn, error) {
	return nats.Connect(cfg.NATSURL)
}

// ProvideChangeFeed creates the row-level change feed
func ProvideChangeFeed(nc *natsio.Conn, log *zap.Logger) ports.ChangeFeed {
	return nats.NewFeed(nc, log)
}

// ProvidePresenceTransport creates the presence channel transport
func ProvidePresenceTransport(nc *natsio.Conn, log *zap.Logger) presence.Transport {
	return nats.NewTransport(nc, log)
}

// ProvideCompletionStreamer creates the chat completion client
func ProvideCompletionStreamer(cfg *config.Config) ports.CompletionStreamer {
	return completion.NewClient(cfg.CompletionURL, cfg.CompletionModel)
}

// ProvideJWTValidator creates the token validator
func ProvideJWTValidator(cfg *config.Config) (*auth.JWTValidator, error) {
	return auth.NewJWTValidator(auth.JWTConfig{
		SecretKey: cfg.JWTSecret,
		Issuer:    cfg.JWTIssuer,
	})
}

// ProvideSessionManager creates the session manager
func ProvideSessionManager(
	remote ports.RemoteStore,
	feed ports.ChangeFeed,
	transport presence.Transport,
	streamer ports.CompletionStreamer,
	cfg *config.Config,
	log *zap.Logger,
) *session.Manager {
	return session.NewManager(session.Deps{
		Remote:      remote,
		Feed:        feed,
		Presence:    transport,
		Streamer:    streamer,
		Logger:      log,
		Debounce:    cfg.SaveDebounce,
		SettleDelay: cfg.SubscriptionSettle,
	})
}

// ProvideHub creates the websocket connection hub
func ProvideHub(log *zap.Logger) *websocket.Hub {
	return websocket.NewHub(log)
}

// ProvideWebSocketServer creates the websocket server
func ProvideWebSocketServer(hub *websocket.Hub, sessions *session.Manager, log *zap.Logger) *websocket.Server {
	return websocket.NewServer(hub, sessions, log)
}
