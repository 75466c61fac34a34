//go:build integration

package dynamokv_test

import (
	"context"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"github.com/stretchr/testify/require"
	tc "github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/fieldkit/mcpcore/internal/storage"
	"github.com/fieldkit/mcpcore/internal/storage/conformance"
	"github.com/fieldkit/mcpcore/internal/storage/dynamokv"
)

const (
	sessionsTable = "mcpcore_sessions"
	eventsTable   = "mcpcore_events"
	tasksTable    = "mcpcore_tasks"
)

// TestBackendConformance runs the shared conformance suite against a local
// amazon/dynamodb-local container, exercising the same conditional-update
// atomicity scheme the production backend relies on.
func TestBackendConformance(t *testing.T) {
	ctx := context.Background()

	req := tc.ContainerRequest{
		Image:        "amazon/dynamodb-local:2.5.3",
		ExposedPorts: []string{"8000/tcp"},
		Cmd:          []string{"-jar", "DynamoDBLocal.jar", "-inMemory", "-sharedDb"},
		WaitingFor:   wait.ForListeningPort("8000/tcp").WithStartupTimeout(30 * time.Second),
	}
	container, err := tc.GenericContainer(ctx, tc.GenericContainerRequest{ContainerRequest: req, Started: true})
	require.NoError(t, err)
	defer func() { require.NoError(t, container.Terminate(ctx)) }()

	endpoint, err := container.Endpoint(ctx, "http")
	require.NoError(t, err)

	client := rawClient(ctx, t, endpoint)
	createTables(ctx, t, client)

	conformance.Run(t, func(t *testing.T) storage.Backend {
		b, err := dynamokv.New(ctx, dynamokv.Config{
			Region:        "us-east-1",
			Endpoint:      "http://" + endpoint,
			SessionsTable: sessionsTable,
			EventsTable:   eventsTable,
			TasksTable:    tasksTable,
		})
		require.NoError(t, err)
		t.Cleanup(func() {
			wipeTables(ctx, t, client)
			require.NoError(t, b.Close())
		})
		return b
	})
}

func rawClient(ctx context.Context, t *testing.T, endpoint string) *dynamodb.Client {
	t.Helper()
	cfg, err := awsconfig.LoadDefaultConfig(ctx,
		awsconfig.WithRegion("us-east-1"),
		awsconfig.WithCredentialsProvider(credentials.NewStaticCredentialsProvider("test", "test", "")),
	)
	require.NoError(t, err)
	return dynamodb.NewFromConfig(cfg, func(o *dynamodb.Options) {
		o.BaseEndpoint = aws.String("http://" + endpoint)
	})
}

func createTables(ctx context.Context, t *testing.T, client *dynamodb.Client) {
	t.Helper()

	_, err := client.CreateTable(ctx, &dynamodb.CreateTableInput{
		TableName:   aws.String(sessionsTable),
		BillingMode: types.BillingModePayPerRequest,
		AttributeDefinitions: []types.AttributeDefinition{
			{AttributeName: aws.String("id"), AttributeType: types.ScalarAttributeTypeS},
		},
		KeySchema: []types.KeySchemaElement{
			{AttributeName: aws.String("id"), KeyType: types.KeyTypeHash},
		},
	})
	require.NoError(t, err)

	_, err = client.CreateTable(ctx, &dynamodb.CreateTableInput{
		TableName:   aws.String(eventsTable),
		BillingMode: types.BillingModePayPerRequest,
		AttributeDefinitions: []types.AttributeDefinition{
			{AttributeName: aws.String("session_id"), AttributeType: types.ScalarAttributeTypeS},
			{AttributeName: aws.String("id"), AttributeType: types.ScalarAttributeTypeN},
		},
		KeySchema: []types.KeySchemaElement{
			{AttributeName: aws.String("session_id"), KeyType: types.KeyTypeHash},
			{AttributeName: aws.String("id"), KeyType: types.KeyTypeRange},
		},
	})
	require.NoError(t, err)

	_, err = client.CreateTable(ctx, &dynamodb.CreateTableInput{
		TableName:   aws.String(tasksTable),
		BillingMode: types.BillingModePayPerRequest,
		AttributeDefinitions: []types.AttributeDefinition{
			{AttributeName: aws.String("id"), AttributeType: types.ScalarAttributeTypeS},
		},
		KeySchema: []types.KeySchemaElement{
			{AttributeName: aws.String("id"), KeyType: types.KeyTypeHash},
		},
	})
	require.NoError(t, err)
}

// wipeTables scans and deletes every item between conformance subtests since
// the container and its tables are shared across the whole suite.
func wipeTables(ctx context.Context, t *testing.T, client *dynamodb.Client) {
	t.Helper()
	for _, table := range []string{sessionsTable, eventsTable, tasksTable} {
		out, err := client.Scan(ctx, &dynamodb.ScanInput{TableName: aws.String(table)})
		require.NoError(t, err)
		for _, item := range out.Items {
			key := map[string]types.AttributeValue{"id": item["id"]}
			if sid, ok := item["session_id"]; ok {
				key = map[string]types.AttributeValue{"session_id": sid, "id": item["id"]}
			}
			_, err := client.DeleteItem(ctx, &dynamodb.DeleteItemInput{TableName: aws.String(table), Key: key})
			require.NoError(t, err)
		}
	}
}
