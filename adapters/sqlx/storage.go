package sqlx

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/go-sql-driver/mysql"
	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"

	"rewardkit/core"
)

// Driver names a supported database/sql driver.
type Driver string

const (
	DriverPostgres Driver = "postgres"
	DriverMySQL    Driver = "mysql"
	DriverSQLite   Driver = "sqlite"
)

// Config holds SQL connection settings.
type Config struct {
	Driver          Driver        `json:"driver" env:"REWARDKIT_SQL_DRIVER"`
	DSN             string        `json:"dsn,omitempty"`
	MaxOpenConns    int           `json:"max_open_conns" env:"REWARDKIT_SQL_MAX_OPEN_CONNS"`
	MaxIdleConns    int           `json:"max_idle_conns" env:"REWARDKIT_SQL_MAX_IDLE_CONNS"`
	ConnMaxLifetime time.Duration `json:"conn_max_lifetime" env:"REWARDKIT_SQL_CONN_MAX_LIFETIME"`
}

// DefaultConfig returns local defaults for driver.
func DefaultConfig(driver Driver) Config {
	cfg := Config{
		Driver:          driver,
		MaxOpenConns:    10,
		MaxIdleConns:    5,
		ConnMaxLifetime: 30 * time.Minute,
	}
	switch driver {
	case DriverPostgres:
		cfg.DSN = "postgres://localhost:5432/rewardkit?sslmode=disable"
	case DriverMySQL:
		cfg.DSN = "root@tcp(localhost:3306)/rewardkit"
	case DriverSQLite:
		cfg.DSN = "file:rewardkit.db?_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)"
		// a single connection serializes writers and keeps :memory: databases alive
		cfg.MaxOpenConns = 1
		cfg.MaxIdleConns = 1
		cfg.ConnMaxLifetime = 0
	}
	return cfg
}

// Store implements engine.Storage on a SQL database through sqlx.
// Timestamps are stored as UTC unix milliseconds.
type Store struct {
	db     *sqlx.DB
	driver Driver
	now    func() time.Time
}

// New opens the database, verifies the connection and applies the schema.
func New(cfg Config) (*Store, error) {
	switch cfg.Driver {
	case DriverPostgres, DriverMySQL, DriverSQLite:
	default:
		return nil, fmt.Errorf("unsupported sql driver %q", cfg.Driver)
	}
	if cfg.DSN == "" {
		return nil, errors.New("sql dsn is required")
	}
	db, err := sqlx.Open(string(cfg.Driver), cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", cfg.Driver, err)
	}
	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to connect to %s: %w", cfg.Driver, err)
	}
	s := NewWithDB(db, cfg.Driver)
	if err := s.Migrate(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// NewWithDB wraps an existing handle (useful for testing). The schema is not applied.
func NewWithDB(db *sqlx.DB, driver Driver) *Store {
	return &Store{db: db, driver: driver, now: time.Now}
}

// Close closes the database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping checks the connection.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Migrate creates the tables and indexes when missing.
func (s *Store) Migrate(ctx context.Context) error {
	for _, stmt := range schema(s.driver) {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to apply schema: %w", err)
		}
	}
	return nil
}

func schema(driver Driver) []string {
	games := `CREATE TABLE IF NOT EXISTS games (
	id VARCHAR(191) PRIMARY KEY,
	name VARCHAR(255) NOT NULL,
	description TEXT NOT NULL,
	active BOOLEAN NOT NULL,
	start_date BIGINT NOT NULL,
	end_date BIGINT NOT NULL,
	daily_play_limit INTEGER NOT NULL,
	total_play_limit INTEGER NOT NULL,
	created_at BIGINT NOT NULL,
	updated_at BIGINT NOT NULL
)`
	rewards := `CREATE TABLE IF NOT EXISTS game_rewards (
	game_id VARCHAR(191) NOT NULL,
	reward_id VARCHAR(191) NOT NULL,
	slot_order INTEGER NOT NULL,
	reward_type VARCHAR(32) NOT NULL,
	reward_value DOUBLE PRECISION NOT NULL,
	reward_code VARCHAR(255) NOT NULL,
	probability DOUBLE PRECISION NOT NULL,
	reward_limit BIGINT NOT NULL,
	awarded BIGINT NOT NULL,
	PRIMARY KEY (game_id, reward_id),
	FOREIGN KEY (game_id) REFERENCES games(id) ON DELETE CASCADE
)`
	plays := `CREATE TABLE IF NOT EXISTS plays (
	id VARCHAR(64) PRIMARY KEY,
	user_id VARCHAR(191) NOT NULL,
	game_id VARCHAR(191) NOT NULL,
	play_date BIGINT NOT NULL,
	reward_id VARCHAR(191) NULL,
	reward_type VARCHAR(32) NULL,
	reward_value DOUBLE PRECISION NULL,
	reward_code VARCHAR(255) NULL,
	used BOOLEAN NOT NULL,
	used_at BIGINT NULL%s
)`
	if driver == DriverMySQL {
		// MySQL has no CREATE INDEX IF NOT EXISTS; declare indexes inline.
		return []string{games, rewards, fmt.Sprintf(plays, `,
	INDEX idx_plays_user_game_date (user_id, game_id, play_date),
	INDEX idx_plays_user_date (user_id, play_date)`)}
	}
	return []string{
		games,
		rewards,
		fmt.Sprintf(plays, ""),
		`CREATE INDEX IF NOT EXISTS idx_plays_user_game_date ON plays (user_id, game_id, play_date)`,
		`CREATE INDEX IF NOT EXISTS idx_plays_user_date ON plays (user_id, play_date)`,
	}
}

type gameRow struct {
	ID             string `db:"id"`
	Name           string `db:"name"`
	Description    string `db:"description"`
	Active         bool   `db:"active"`
	StartDate      int64  `db:"start_date"`
	EndDate        int64  `db:"end_date"`
	DailyPlayLimit int    `db:"daily_play_limit"`
	TotalPlayLimit int    `db:"total_play_limit"`
	CreatedAt      int64  `db:"created_at"`
	UpdatedAt      int64  `db:"updated_at"`
}

type rewardRow struct {
	GameID      string  `db:"game_id"`
	RewardID    string  `db:"reward_id"`
	SlotOrder   int     `db:"slot_order"`
	RewardType  string  `db:"reward_type"`
	RewardValue float64 `db:"reward_value"`
	RewardCode  string  `db:"reward_code"`
	Probability float64 `db:"probability"`
	RewardLimit int64   `db:"reward_limit"`
	Awarded     int64   `db:"awarded"`
}

type playRow struct {
	ID          string          `db:"id"`
	UserID      string          `db:"user_id"`
	GameID      string          `db:"game_id"`
	PlayDate    int64           `db:"play_date"`
	RewardID    sql.NullString  `db:"reward_id"`
	RewardType  sql.NullString  `db:"reward_type"`
	RewardValue sql.NullFloat64 `db:"reward_value"`
	RewardCode  sql.NullString  `db:"reward_code"`
	Used        bool            `db:"used"`
	UsedAt      sql.NullInt64   `db:"used_at"`
}

const (
	gameColumns   = `id, name, description, active, start_date, end_date, daily_play_limit, total_play_limit, created_at, updated_at`
	rewardColumns = `game_id, reward_id, slot_order, reward_type, reward_value, reward_code, probability, reward_limit, awarded`
	playColumns   = `id, user_id, game_id, play_date, reward_id, reward_type, reward_value, reward_code, used, used_at`
)

func toMillis(t time.Time) int64 { return t.UTC().UnixMilli() }

func fromMillis(ms int64) time.Time { return time.UnixMilli(ms).UTC() }

func (r gameRow) toGame(rewards []rewardRow) core.Game {
	g := core.Game{
		ID:             core.GameID(r.ID),
		Name:           r.Name,
		Description:    r.Description,
		Active:         r.Active,
		StartDate:      fromMillis(r.StartDate),
		EndDate:        fromMillis(r.EndDate),
		DailyPlayLimit: r.DailyPlayLimit,
		TotalPlayLimit: r.TotalPlayLimit,
		CreatedAt:      fromMillis(r.CreatedAt),
		UpdatedAt:      fromMillis(r.UpdatedAt),
		Rewards:        make([]core.RewardSlot, 0, len(rewards)),
	}
	for _, rw := range rewards {
		g.Rewards = append(g.Rewards, core.RewardSlot{
			ID:          core.RewardID(rw.RewardID),
			Type:        core.RewardType(rw.RewardType),
			Value:       rw.RewardValue,
			Code:        rw.RewardCode,
			Probability: rw.Probability,
			Limit:       rw.RewardLimit,
			Awarded:     rw.Awarded,
		})
	}
	return g
}

func (r playRow) toPlay() core.Play {
	p := core.Play{
		ID:       core.PlayID(r.ID),
		UserID:   core.UserID(r.UserID),
		GameID:   core.GameID(r.GameID),
		PlayDate: fromMillis(r.PlayDate),
	}
	if r.RewardID.Valid {
		p.Reward = &core.GrantedReward{
			SlotID: core.RewardID(r.RewardID.String),
			Type:   core.RewardType(r.RewardType.String),
			Value:  r.RewardValue.Float64,
			Code:   r.RewardCode.String,
			Used:   r.Used,
		}
		if r.UsedAt.Valid {
			t := fromMillis(r.UsedAt.Int64)
			p.Reward.UsedAt = &t
		}
	}
	return p
}

func (s *Store) FindGame(ctx context.Context, id core.GameID) (core.Game, error) {
	var row gameRow
	err := s.db.GetContext(ctx, &row, s.db.Rebind(`SELECT `+gameColumns+` FROM games WHERE id = ?`), string(id))
	if errors.Is(err, sql.ErrNoRows) {
		return core.Game{}, core.ErrGameNotFound
	}
	if err != nil {
		return core.Game{}, fmt.Errorf("failed to load game: %w", err)
	}
	var rewards []rewardRow
	err = s.db.SelectContext(ctx, &rewards,
		s.db.Rebind(`SELECT `+rewardColumns+` FROM game_rewards WHERE game_id = ? ORDER BY slot_order`), string(id))
	if err != nil {
		return core.Game{}, fmt.Errorf("failed to load rewards: %w", err)
	}
	return row.toGame(rewards), nil
}

func (s *Store) ListGames(ctx context.Context) ([]core.Game, error) {
	var rows []gameRow
	if err := s.db.SelectContext(ctx, &rows, `SELECT `+gameColumns+` FROM games ORDER BY id`); err != nil {
		return nil, fmt.Errorf("failed to list games: %w", err)
	}
	var rewards []rewardRow
	if err := s.db.SelectContext(ctx, &rewards, `SELECT `+rewardColumns+` FROM game_rewards ORDER BY game_id, slot_order`); err != nil {
		return nil, fmt.Errorf("failed to list rewards: %w", err)
	}
	byGame := make(map[string][]rewardRow, len(rows))
	for _, rw := range rewards {
		byGame[rw.GameID] = append(byGame[rw.GameID], rw)
	}
	out := make([]core.Game, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.toGame(byGame[r.ID]))
	}
	return out, nil
}

// SaveGame upserts the definition in one transaction. Counters of existing
// slots are left untouched; new slots start at the Awarded value given in g.
func (s *Store) SaveGame(ctx context.Context, g core.Game) (err error) {
	if err := g.Validate(); err != nil {
		return err
	}
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	now := toMillis(s.now())
	var exists bool
	if err = tx.GetContext(ctx, &exists, tx.Rebind(`SELECT EXISTS(SELECT 1 FROM games WHERE id = ?)`), string(g.ID)); err != nil {
		return fmt.Errorf("failed to check game: %w", err)
	}
	if exists {
		_, err = tx.ExecContext(ctx, tx.Rebind(`UPDATE games SET name = ?, description = ?, active = ?, start_date = ?, end_date = ?,
			daily_play_limit = ?, total_play_limit = ?, updated_at = ? WHERE id = ?`),
			g.Name, g.Description, g.Active, toMillis(g.StartDate), toMillis(g.EndDate),
			g.DailyPlayLimit, g.TotalPlayLimit, now, string(g.ID))
	} else {
		_, err = tx.ExecContext(ctx, tx.Rebind(`INSERT INTO games (`+gameColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`),
			string(g.ID), g.Name, g.Description, g.Active, toMillis(g.StartDate), toMillis(g.EndDate),
			g.DailyPlayLimit, g.TotalPlayLimit, now, now)
	}
	if err != nil {
		return fmt.Errorf("failed to save game: %w", err)
	}

	var current []string
	if err = tx.SelectContext(ctx, &current, tx.Rebind(`SELECT reward_id FROM game_rewards WHERE game_id = ?`), string(g.ID)); err != nil {
		return fmt.Errorf("failed to read rewards: %w", err)
	}
	stale := make(map[string]struct{}, len(current))
	for _, id := range current {
		stale[id] = struct{}{}
	}
	for i, r := range g.Rewards {
		if _, ok := stale[string(r.ID)]; ok {
			delete(stale, string(r.ID))
			_, err = tx.ExecContext(ctx, tx.Rebind(`UPDATE game_rewards SET slot_order = ?, reward_type = ?, reward_value = ?,
				reward_code = ?, probability = ?, reward_limit = ? WHERE game_id = ? AND reward_id = ?`),
				i, string(r.Type), r.Value, r.Code, r.Probability, r.Limit, string(g.ID), string(r.ID))
		} else {
			_, err = tx.ExecContext(ctx, tx.Rebind(`INSERT INTO game_rewards (`+rewardColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`),
				string(g.ID), string(r.ID), i, string(r.Type), r.Value, r.Code, r.Probability, r.Limit, r.Awarded)
		}
		if err != nil {
			return fmt.Errorf("failed to save reward %s: %w", r.ID, err)
		}
	}
	for id := range stale {
		if _, err = tx.ExecContext(ctx, tx.Rebind(`DELETE FROM game_rewards WHERE game_id = ? AND reward_id = ?`), string(g.ID), id); err != nil {
			return fmt.Errorf("failed to remove reward %s: %w", id, err)
		}
	}
	if exists {
		var over []string
		if err = tx.SelectContext(ctx, &over, tx.Rebind(`SELECT reward_id FROM game_rewards
			WHERE game_id = ? AND reward_limit > 0 AND awarded > reward_limit`), string(g.ID)); err != nil {
			return fmt.Errorf("failed to check reward limits: %w", err)
		}
		if len(over) > 0 {
			err = fmt.Errorf("%w: rewards %v limit is below the awarded count", core.ErrInvalidGame, over)
			return err
		}
	}
	if err = tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit game: %w", err)
	}
	return nil
}

// ConditionalIncrementAward is a single guarded UPDATE; the row lock makes
// concurrent claims on the same slot serialize in the database.
func (s *Store) ConditionalIncrementAward(ctx context.Context, id core.GameID, slot core.RewardID, expectedLimit int64) (bool, error) {
	res, err := s.db.ExecContext(ctx, s.db.Rebind(`UPDATE game_rewards SET awarded = awarded + 1
		WHERE game_id = ? AND reward_id = ? AND reward_limit = ? AND (reward_limit = 0 OR awarded < reward_limit)`),
		string(id), string(slot), expectedLimit)
	if err != nil {
		return false, fmt.Errorf("failed to increment award: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to increment award: %w", err)
	}
	return n == 1, nil
}

func (s *Store) DecrementAward(ctx context.Context, id core.GameID, slot core.RewardID) error {
	res, err := s.db.ExecContext(ctx, s.db.Rebind(`UPDATE game_rewards SET awarded = awarded - 1
		WHERE game_id = ? AND reward_id = ? AND awarded > 0`), string(id), string(slot))
	if err != nil {
		return fmt.Errorf("failed to decrement award: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n > 0 {
		return nil
	}
	var exists bool
	if err := s.db.GetContext(ctx, &exists, s.db.Rebind(`SELECT EXISTS(SELECT 1 FROM games WHERE id = ?)`), string(id)); err != nil {
		return fmt.Errorf("failed to check game: %w", err)
	}
	if !exists {
		return core.ErrGameNotFound
	}
	return nil
}

func (s *Store) InsertPlay(ctx context.Context, p core.Play) error {
	row := playRow{
		ID:       string(p.ID),
		UserID:   string(p.UserID),
		GameID:   string(p.GameID),
		PlayDate: toMillis(p.PlayDate),
	}
	if r := p.Reward; r != nil {
		row.RewardID = sql.NullString{String: string(r.SlotID), Valid: true}
		row.RewardType = sql.NullString{String: string(r.Type), Valid: true}
		row.RewardValue = sql.NullFloat64{Float64: r.Value, Valid: true}
		row.RewardCode = sql.NullString{String: r.Code, Valid: true}
		row.Used = r.Used
		if r.UsedAt != nil {
			row.UsedAt = sql.NullInt64{Int64: toMillis(*r.UsedAt), Valid: true}
		}
	}
	_, err := s.db.ExecContext(ctx, s.db.Rebind(`INSERT INTO plays (`+playColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		row.ID, row.UserID, row.GameID, row.PlayDate, row.RewardID, row.RewardType, row.RewardValue, row.RewardCode, row.Used, row.UsedAt)
	if err != nil {
		return fmt.Errorf("failed to record play: %w", err)
	}
	return nil
}

func (s *Store) CountPlays(ctx context.Context, user core.UserID, game core.GameID, since *time.Time) (int64, error) {
	query := `SELECT COUNT(*) FROM plays WHERE user_id = ? AND game_id = ?`
	args := []any{string(user), string(game)}
	if since != nil {
		query += ` AND play_date >= ?`
		args = append(args, toMillis(*since))
	}
	var n int64
	if err := s.db.GetContext(ctx, &n, s.db.Rebind(query), args...); err != nil {
		return 0, fmt.Errorf("failed to count plays: %w", err)
	}
	return n, nil
}

func (s *Store) ListPlays(ctx context.Context, user core.UserID, offset, limit int) ([]core.Play, int64, error) {
	if offset < 0 {
		return nil, 0, core.ErrNegativeOffset
	}
	var total int64
	if err := s.db.GetContext(ctx, &total, s.db.Rebind(`SELECT COUNT(*) FROM plays WHERE user_id = ?`), string(user)); err != nil {
		return nil, 0, fmt.Errorf("failed to count plays: %w", err)
	}
	if total == 0 || int64(offset) >= total {
		return []core.Play{}, total, nil
	}
	if limit <= 0 {
		limit = int(total)
	}
	var rows []playRow
	err := s.db.SelectContext(ctx, &rows,
		s.db.Rebind(`SELECT `+playColumns+` FROM plays WHERE user_id = ? ORDER BY play_date DESC, id DESC LIMIT ? OFFSET ?`),
		string(user), limit, offset)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to list plays: %w", err)
	}
	plays := make([]core.Play, 0, len(rows))
	for _, r := range rows {
		plays = append(plays, r.toPlay())
	}
	return plays, total, nil
}
