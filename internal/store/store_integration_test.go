//go:build integration

package store_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	tcmongodb "github.com/testcontainers/testcontainers-go/modules/mongodb"
	mongodriver "go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"goa.design/agentcore/internal/runmodel"
	"goa.design/agentcore/internal/store"
)

// TestStore_DBContractRoundTrip exercises the three operations the batch
// flusher actually performs against a real MongoDB instance. Run with
// `-tags integration`; not part of the default test suite since it
// requires Docker.
func TestStore_DBContractRoundTrip(t *testing.T) {
	ctx := context.Background()

	container, err := tcmongodb.Run(ctx, "mongo:7")
	require.NoError(t, err)
	t.Cleanup(func() { _ = testcontainers.TerminateContainer(container) })

	uri, err := container.ConnectionString(ctx)
	require.NoError(t, err)

	mongoClient, err := mongodriver.Connect(options.Client().ApplyURI(uri))
	require.NoError(t, err)
	t.Cleanup(func() { _ = mongoClient.Disconnect(ctx) })

	cli, err := store.New(store.Options{Client: mongoClient, Database: "agentcore_test"})
	require.NoError(t, err)

	require.NoError(t, cli.Ping(ctx))

	msg := runmodel.Message{
		MessageID: "msg-1",
		ThreadID:  "thread-1",
		Role:      runmodel.RoleAssistant,
		Content:   "hello",
		CreatedAt: time.Now(),
	}
	require.NoError(t, cli.InsertMessage(ctx, msg))
	// Re-inserting the same message id must not error or duplicate.
	require.NoError(t, cli.InsertMessage(ctx, msg))

	require.NoError(t, cli.DeductCredits(ctx, store.CreditDeduction{
		AccountID:   "acct-1",
		Amount:      1.5,
		ThreadID:    "thread-1",
		RunID:       "run-1",
		Description: "turn 1",
	}))

	require.NoError(t, cli.UpdateRunStatus(ctx, "run-1", runmodel.StatusCompleted, ""))
}
