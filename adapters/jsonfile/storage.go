package jsonfile

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"time"

	"rewardkit/adapters/memory"
	"rewardkit/core"
)

// Store persists entire state to a single JSON file.
// Suitable for demos and small deployments.
type Store struct {
	path string
	// serializes writers so the file always matches the in-memory state
	mu  sync.Mutex
	mem *memory.Store
}

func New(path string) (*Store, error) {
	s := &Store{path: path, mem: memory.New()}
	if err := s.load(); err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			return nil, err
		}
	}
	return s, nil
}

func (s *Store) load() error {
	b, err := os.ReadFile(s.path)
	if err != nil {
		return err
	}
	var st memory.State
	if err := json.Unmarshal(b, &st); err != nil {
		return fmt.Errorf("decode %s: %w", s.path, err)
	}
	s.mem.Restore(st)
	return nil
}

func (s *Store) persist() error {
	tmp := s.path + ".tmp"
	b, err := json.MarshalIndent(s.mem.Snapshot(), "", "  ")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return err
	}
	if err := os.WriteFile(tmp, b, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, s.path)
}

// mutate applies fn and writes the file; a failed write rolls memory back.
func (s *Store) mutate(fn func() (changed bool, err error)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	prev := s.mem.Snapshot()
	changed, err := fn()
	if err != nil || !changed {
		return err
	}
	if err := s.persist(); err != nil {
		s.mem.Restore(prev)
		return fmt.Errorf("persist %s: %w", s.path, err)
	}
	return nil
}

func (s *Store) FindGame(ctx context.Context, id core.GameID) (core.Game, error) {
	return s.mem.FindGame(ctx, id)
}

func (s *Store) ListGames(ctx context.Context) ([]core.Game, error) {
	return s.mem.ListGames(ctx)
}

func (s *Store) SaveGame(ctx context.Context, g core.Game) error {
	return s.mutate(func() (bool, error) {
		return true, s.mem.SaveGame(ctx, g)
	})
}

func (s *Store) ConditionalIncrementAward(ctx context.Context, id core.GameID, slot core.RewardID, expectedLimit int64) (bool, error) {
	var won bool
	err := s.mutate(func() (bool, error) {
		var err error
		won, err = s.mem.ConditionalIncrementAward(ctx, id, slot, expectedLimit)
		return won, err
	})
	if err != nil {
		return false, err
	}
	return won, nil
}

func (s *Store) DecrementAward(ctx context.Context, id core.GameID, slot core.RewardID) error {
	return s.mutate(func() (bool, error) {
		return true, s.mem.DecrementAward(ctx, id, slot)
	})
}

func (s *Store) CountPlays(ctx context.Context, user core.UserID, game core.GameID, since *time.Time) (int64, error) {
	return s.mem.CountPlays(ctx, user, game, since)
}

func (s *Store) InsertPlay(ctx context.Context, p core.Play) error {
	return s.mutate(func() (bool, error) {
		return true, s.mem.InsertPlay(ctx, p)
	})
}

func (s *Store) ListPlays(ctx context.Context, user core.UserID, offset, limit int) ([]core.Play, int64, error) {
	return s.mem.ListPlays(ctx, user, offset, limit)
}
