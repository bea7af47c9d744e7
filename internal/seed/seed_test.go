package seed

import (
	"context"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/glebarez/sqlite"
	"github.com/smallbiznis/worksite/internal/clock"
	finance "github.com/smallbiznis/worksite/internal/finance/domain"
	financeservice "github.com/smallbiznis/worksite/internal/finance/service"
	recordstore "github.com/smallbiznis/worksite/internal/recordstore/domain"
	"github.com/smallbiznis/worksite/internal/recordstore/repository"
	recordservice "github.com/smallbiznis/worksite/internal/recordstore/service"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

func TestEnsureDemoProjectRunsOnce(t *testing.T) {
	db, err := gorm.Open(sqlite.Open("file::memory:"), &gorm.Config{})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	require.NoError(t, repository.Migrate(db))

	node, err := snowflake.NewNode(1)
	require.NoError(t, err)
	now := time.Date(2026, 3, 10, 14, 0, 0, 0, time.UTC)
	store := recordservice.NewStore(recordservice.Params{
		DB:         db,
		Node:       node,
		Repo:       repository.Provide(),
		Reconciler: financeservice.New(zap.NewNop()),
		Clock:      clock.NewFakeClock(now),
		Log:        zap.NewNop(),
	})
	ctx := context.Background()

	id, err := EnsureDemoProject(ctx, db, store, now)
	require.NoError(t, err)
	require.NotEmpty(t, id)

	project, err := store.Get(ctx, recordstore.KindProject, id)
	require.NoError(t, err)
	view := recordstore.ProjectFromRecord(project)
	assert.Equal(t, finance.StageDepositReceived, view.Stage)
	assert.Equal(t, finance.StageQuoteSent, view.PreDepositStage)

	quotes, err := store.Fetch(ctx, recordstore.KindQuote, id)
	require.NoError(t, err)
	assert.Len(t, quotes.Records, 2)

	again, err := EnsureDemoProject(ctx, db, store, now)
	require.NoError(t, err)
	if again != "" {
		t.Fatalf("expected no second demo project, got %s", again)
	}
}
