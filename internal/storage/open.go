package storage

import (
	"fmt"

	"guardian-node/internal/config"
)

var (
	_ Store = (*KVStore)(nil)
	_ Store = (*DBStore)(nil)
)

// Open returns the Store selected by cfg.Type.
func Open(cfg config.DBConfig) (Store, error) {
	switch cfg.Type {
	case "postgres":
		s, err := InitDB(cfg)
		if err != nil {
			return nil, err
		}
		return s, nil
	case "badger":
		s, err := OpenBadger(cfg.BadgerPath, false)
		if err != nil {
			return nil, err
		}
		return s, nil
	case "memory", "":
		return NewMemoryStore(), nil
	default:
		return nil, fmt.Errorf("unknown database type %q", cfg.Type)
	}
}
