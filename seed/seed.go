// Package seed loads game definitions from a JSON file into storage.
package seed

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"rewardkit/core"
)

// GameSaver is the part of engine.GameStore the loader needs.
type GameSaver interface {
	SaveGame(ctx context.Context, game core.Game) error
}

// File is the on-disk format: either {"games": [...]} or a bare array.
type File struct {
	Games []core.Game `json:"games"`
}

// Decode reads game definitions from r and validates each one.
func Decode(r io.Reader) ([]core.Game, error) {
	raw, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("read seed: %w", err)
	}
	var games []core.Game
	if err := json.Unmarshal(raw, &games); err != nil {
		var f File
		if err2 := json.Unmarshal(raw, &f); err2 != nil {
			return nil, fmt.Errorf("decode seed: %w", err2)
		}
		games = f.Games
	}
	for i, g := range games {
		if err := g.Validate(); err != nil {
			return nil, fmt.Errorf("seed game %d (%s): %w", i, g.ID, err)
		}
	}
	return games, nil
}

// LoadFile decodes path and saves every game. It returns how many were saved.
func LoadFile(ctx context.Context, store GameSaver, path string) (int, error) {
	f, err := os.Open(filepath.Clean(path))
	if err != nil {
		return 0, fmt.Errorf("open seed file: %w", err)
	}
	defer f.Close()
	games, err := Decode(f)
	if err != nil {
		return 0, err
	}
	return Apply(ctx, store, games)
}

// Apply saves games in order and stops at the first error.
func Apply(ctx context.Context, store GameSaver, games []core.Game) (int, error) {
	for i, g := range games {
		if err := store.SaveGame(ctx, g); err != nil {
			return i, fmt.Errorf("save game %s: %w", g.ID, err)
		}
	}
	return len(games), nil
}
