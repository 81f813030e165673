// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

package store

import "fmt"

// Open creates a Store based on the backend configuration.
func Open(backend, path string) (Store, error) {
	switch backend {
	case "", "memory":
		return NewMemoryStore(), nil
	case "sqlite":
		if path == "" {
			return nil, fmt.Errorf("sqlite backend requires a path")
		}
		return OpenSQLite(path)
	case "badger":
		if path == "" {
			return nil, fmt.Errorf("badger backend requires a path")
		}
		return OpenBadger(path)
	default:
		return nil, fmt.Errorf("unknown store backend: %s", backend)
	}
}
