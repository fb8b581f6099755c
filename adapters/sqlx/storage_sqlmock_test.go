package sqlx_test

import (
	"context"
	"database/sql"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	libsqlx "github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/require"

	storage "rewardkit/adapters/sqlx"
	"rewardkit/core"
)

func newMockStore(t *testing.T) (*storage.Store, sqlmock.Sqlmock, func()) {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	xdb := storage.NewWithDB(libsqlx.NewDb(db, "postgres"), storage.DriverPostgres)
	cleanup := func() {
		_ = db.Close()
	}
	return xdb, mock, cleanup
}

var (
	gameCols   = []string{"id", "name", "description", "active", "start_date", "end_date", "daily_play_limit", "total_play_limit", "created_at", "updated_at"}
	rewardCols = []string{"game_id", "reward_id", "slot_order", "reward_type", "reward_value", "reward_code", "probability", "reward_limit", "awarded"}
	playCols   = []string{"id", "user_id", "game_id", "play_date", "reward_id", "reward_type", "reward_value", "reward_code", "used", "used_at"}
)

func mockGame() core.Game {
	start := time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC)
	return core.Game{
		ID:        "wheel",
		Name:      "Wheel",
		Active:    true,
		StartDate: start,
		EndDate:   start.Add(48 * time.Hour),
		Rewards: []core.RewardSlot{
			{ID: "disc", Type: core.RewardDiscount, Value: 10, Probability: 70},
			{ID: "pts", Type: core.RewardPoints, Value: 50, Probability: 30, Limit: 3},
		},
	}
}

func TestSQLMock_FindGame(t *testing.T) {
	store, mock, cleanup := newMockStore(t)
	defer cleanup()

	start := time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC).UnixMilli()
	mock.ExpectQuery(`SELECT .+ FROM games WHERE id`).
		WithArgs("wheel").
		WillReturnRows(sqlmock.NewRows(gameCols).AddRow("wheel", "Wheel", "", true, start, start+86400000, 1, 0, start, start))
	mock.ExpectQuery(`SELECT .+ FROM game_rewards WHERE game_id`).
		WithArgs("wheel").
		WillReturnRows(sqlmock.NewRows(rewardCols).
			AddRow("wheel", "disc", 0, "discount", 10.0, "TEN", 70.0, 0, 4).
			AddRow("wheel", "pts", 1, "points", 50.0, "", 30.0, 3, 3))

	g, err := store.FindGame(context.Background(), "wheel")
	require.NoError(t, err)
	require.Equal(t, 1, g.DailyPlayLimit)
	require.Len(t, g.Rewards, 2)
	require.Equal(t, "TEN", g.Rewards[0].Code)
	require.Equal(t, int64(3), g.Rewards[1].Awarded)
	require.False(t, g.Rewards[1].Available())
	require.Equal(t, time.UnixMilli(start).UTC(), g.StartDate)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLMock_FindGame_NotFound(t *testing.T) {
	store, mock, cleanup := newMockStore(t)
	defer cleanup()

	mock.ExpectQuery(`SELECT .+ FROM games WHERE id`).WithArgs("nope").WillReturnError(sql.ErrNoRows)
	_, err := store.FindGame(context.Background(), "nope")
	require.ErrorIs(t, err, core.ErrGameNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLMock_SaveGame_Insert(t *testing.T) {
	store, mock, cleanup := newMockStore(t)
	defer cleanup()

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT EXISTS`).
		WithArgs("wheel").
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(false))
	mock.ExpectExec(`INSERT INTO games`).
		WithArgs("wheel", "Wheel", "", true, sqlmock.AnyArg(), sqlmock.AnyArg(), 0, 0, sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectQuery(`SELECT reward_id FROM game_rewards`).
		WithArgs("wheel").
		WillReturnRows(sqlmock.NewRows([]string{"reward_id"}))
	mock.ExpectExec(`INSERT INTO game_rewards`).
		WithArgs("wheel", "disc", 0, "discount", 10.0, "", 70.0, int64(0), int64(0)).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec(`INSERT INTO game_rewards`).
		WithArgs("wheel", "pts", 1, "points", 50.0, "", 30.0, int64(3), int64(0)).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	require.NoError(t, store.SaveGame(context.Background(), mockGame()))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLMock_SaveGame_UpdateKeepsCounters(t *testing.T) {
	store, mock, cleanup := newMockStore(t)
	defer cleanup()

	g := mockGame()
	g.Rewards = g.Rewards[:1]
	g.Rewards[0].Probability = 100

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT EXISTS`).
		WithArgs("wheel").
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(true))
	mock.ExpectExec(`UPDATE games SET`).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery(`SELECT reward_id FROM game_rewards`).
		WithArgs("wheel").
		WillReturnRows(sqlmock.NewRows([]string{"reward_id"}).AddRow("disc").AddRow("pts"))
	mock.ExpectExec(`UPDATE game_rewards SET slot_order`).
		WithArgs(0, "discount", 10.0, "", 100.0, int64(0), "wheel", "disc").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`DELETE FROM game_rewards`).
		WithArgs("wheel", "pts").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery(`SELECT reward_id FROM game_rewards\s+WHERE game_id = \? AND reward_limit > 0 AND awarded > reward_limit`).
		WithArgs("wheel").
		WillReturnRows(sqlmock.NewRows([]string{"reward_id"}))
	mock.ExpectCommit()

	require.NoError(t, store.SaveGame(context.Background(), g))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLMock_SaveGame_RejectsLimitBelowAwarded(t *testing.T) {
	store, mock, cleanup := newMockStore(t)
	defer cleanup()

	g := mockGame()
	g.Rewards = g.Rewards[:1]
	g.Rewards[0].Probability = 100
	g.Rewards[0].Limit = 2

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT EXISTS`).
		WithArgs("wheel").
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(true))
	mock.ExpectExec(`UPDATE games SET`).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery(`SELECT reward_id FROM game_rewards`).
		WithArgs("wheel").
		WillReturnRows(sqlmock.NewRows([]string{"reward_id"}).AddRow("disc"))
	mock.ExpectExec(`UPDATE game_rewards SET slot_order`).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery(`awarded > reward_limit`).
		WithArgs("wheel").
		WillReturnRows(sqlmock.NewRows([]string{"reward_id"}).AddRow("disc"))
	mock.ExpectRollback()

	err := store.SaveGame(context.Background(), g)
	require.ErrorIs(t, err, core.ErrInvalidGame)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLMock_SaveGame_RollbackOnError(t *testing.T) {
	store, mock, cleanup := newMockStore(t)
	defer cleanup()

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT EXISTS`).WillReturnError(sql.ErrConnDone)
	mock.ExpectRollback()

	require.Error(t, store.SaveGame(context.Background(), mockGame()))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLMock_SaveGame_Invalid(t *testing.T) {
	store, _, cleanup := newMockStore(t)
	defer cleanup()

	g := mockGame()
	g.Rewards[0].Probability = 1
	require.ErrorIs(t, store.SaveGame(context.Background(), g), core.ErrInvalidGame)
}

func TestSQLMock_ConditionalIncrement(t *testing.T) {
	store, mock, cleanup := newMockStore(t)
	defer cleanup()
	ctx := context.Background()

	mock.ExpectExec(`UPDATE game_rewards SET awarded = awarded \+ 1`).
		WithArgs("wheel", "pts", int64(3)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`UPDATE game_rewards SET awarded = awarded \+ 1`).
		WithArgs("wheel", "pts", int64(3)).
		WillReturnResult(sqlmock.NewResult(0, 0))

	ok, err := store.ConditionalIncrementAward(ctx, "wheel", "pts", 3)
	require.NoError(t, err)
	require.True(t, ok)
	ok, err = store.ConditionalIncrementAward(ctx, "wheel", "pts", 3)
	require.NoError(t, err)
	require.False(t, ok)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLMock_DecrementAward(t *testing.T) {
	store, mock, cleanup := newMockStore(t)
	defer cleanup()
	ctx := context.Background()

	mock.ExpectExec(`UPDATE game_rewards SET awarded = awarded - 1`).
		WithArgs("wheel", "pts").
		WillReturnResult(sqlmock.NewResult(0, 1))
	require.NoError(t, store.DecrementAward(ctx, "wheel", "pts"))

	mock.ExpectExec(`UPDATE game_rewards SET awarded = awarded - 1`).
		WithArgs("gone", "pts").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(`SELECT EXISTS`).
		WithArgs("gone").
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(false))
	require.ErrorIs(t, store.DecrementAward(ctx, "gone", "pts"), core.ErrGameNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLMock_CountPlays(t *testing.T) {
	store, mock, cleanup := newMockStore(t)
	defer cleanup()

	since := time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC)
	mock.ExpectQuery(`SELECT COUNT\(\*\) FROM plays WHERE user_id = \$1 AND game_id = \$2 AND play_date >= \$3`).
		WithArgs("alice", "wheel", since.UnixMilli()).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(2))

	n, err := store.CountPlays(context.Background(), "alice", "wheel", &since)
	require.NoError(t, err)
	require.Equal(t, int64(2), n)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLMock_InsertAndListPlays(t *testing.T) {
	store, mock, cleanup := newMockStore(t)
	defer cleanup()
	ctx := context.Background()

	when := time.Date(2026, 6, 1, 10, 0, 0, 0, time.UTC)
	mock.ExpectExec(`INSERT INTO plays`).
		WithArgs("p1", "alice", "wheel", when.UnixMilli(), "disc", "discount", 10.0, "TEN", false, nil).
		WillReturnResult(sqlmock.NewResult(1, 1))
	require.NoError(t, store.InsertPlay(ctx, core.Play{
		ID: "p1", UserID: "alice", GameID: "wheel", PlayDate: when,
		Reward: &core.GrantedReward{SlotID: "disc", Type: core.RewardDiscount, Value: 10, Code: "TEN"},
	}))

	mock.ExpectQuery(`SELECT COUNT\(\*\) FROM plays WHERE user_id`).
		WithArgs("alice").
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(3))
	mock.ExpectQuery(`SELECT .+ FROM plays WHERE user_id = \$1 ORDER BY play_date DESC, id DESC LIMIT \$2 OFFSET \$3`).
		WithArgs("alice", 2, 0).
		WillReturnRows(sqlmock.NewRows(playCols).
			AddRow("p1", "alice", "wheel", when.UnixMilli(), "disc", "discount", 10.0, "TEN", false, nil).
			AddRow("p0", "alice", "wheel", when.Add(-time.Hour).UnixMilli(), nil, nil, nil, nil, false, nil))

	plays, total, err := store.ListPlays(ctx, "alice", 0, 2)
	require.NoError(t, err)
	require.Equal(t, int64(3), total)
	require.Len(t, plays, 2)
	require.NotNil(t, plays[0].Reward)
	require.Equal(t, "TEN", plays[0].Reward.Code)
	require.Nil(t, plays[1].Reward)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLMock_Migrate(t *testing.T) {
	store, mock, cleanup := newMockStore(t)
	defer cleanup()

	mock.ExpectExec(`CREATE TABLE IF NOT EXISTS games`).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(`CREATE TABLE IF NOT EXISTS game_rewards`).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(`CREATE TABLE IF NOT EXISTS plays`).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(`CREATE INDEX IF NOT EXISTS idx_plays_user_game_date`).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(`CREATE INDEX IF NOT EXISTS idx_plays_user_date`).WillReturnResult(sqlmock.NewResult(0, 0))

	require.NoError(t, store.Migrate(context.Background()))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestDefaultConfig(t *testing.T) {
	pg := storage.DefaultConfig(storage.DriverPostgres)
	require.Contains(t, pg.DSN, "postgres://")
	require.Equal(t, 10, pg.MaxOpenConns)

	lite := storage.DefaultConfig(storage.DriverSQLite)
	require.Equal(t, 1, lite.MaxOpenConns)

	_, err := storage.New(storage.Config{Driver: "oracle", DSN: "x"})
	require.Error(t, err)
}
