// Package dynamokv is the wide-column cloud KV storage backend, built on
// aws-sdk-go-v2's DynamoDB client. Three tables back the three storage
// interfaces; conditional updates provide the per-key atomicity and
// per-session monotonic counter spec §4.A and §9 require from a
// distributed backend.
package dynamokv

import (
	"context"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"

	coreerrors "github.com/fieldkit/mcpcore/internal/storage"
)

// Config configures the DynamoDB client and the three table names.
type Config struct {
	Region        string
	Endpoint      string // non-empty to target a local DynamoDB-compatible endpoint
	SessionsTable string
	EventsTable   string
	TasksTable    string
}

// Backend implements storage.Backend against DynamoDB.
type Backend struct {
	client        *dynamodb.Client
	sessionsTable string
	eventsTable   string
	tasksTable    string
}

// New resolves AWS credentials from the default chain (environment, shared
// config, instance role) and returns a ready-to-use backend. Tables are
// assumed to already exist — provisioning them is an operator concern, not
// the framework's (mirroring how the pack's storage backends treat schema
// migration as out-of-band for cloud KV targets).
func New(ctx context.Context, cfg Config) (*Backend, error) {
	optFns := []func(*awsconfig.LoadOptions) error{}
	if cfg.Region != "" {
		optFns = append(optFns, awsconfig.WithRegion(cfg.Region))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, optFns...)
	if err != nil {
		return nil, coreerrors.NewBackendError("load aws config", err)
	}

	client := dynamodb.NewFromConfig(awsCfg, func(o *dynamodb.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
	})

	return &Backend{
		client:        client,
		sessionsTable: cfg.SessionsTable,
		eventsTable:   cfg.EventsTable,
		tasksTable:    cfg.TasksTable,
	}, nil
}

// Close is a no-op; the DynamoDB client holds no resources worth releasing.
func (b *Backend) Close() error { return nil }
