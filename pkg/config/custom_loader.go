package config

import (
	"errors"
	"fmt"
	"sync"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// LoadEnv loads environment variables from the given .env files. Later files
// take precedence over earlier ones and over already-set variables. With no
// arguments it loads the default .env file from the working directory.
func LoadEnv(paths ...string) error {
	if len(paths) == 0 {
		if err := godotenv.Load(); err != nil {
			return fmt.Errorf("failed to load default .env file: %w", err)
		}
		return nil
	}

	for _, path := range paths {
		if err := godotenv.Overload(path); err != nil {
			return fmt.Errorf("failed to load env file %s: %w", path, err)
		}
	}
	return nil
}

// MustLoadEnv works like LoadEnv but panics on failure. Useful in main when
// a missing env file means the application cannot start.
func MustLoadEnv(paths ...string) {
	if err := LoadEnv(paths...); err != nil {
		panic(fmt.Sprintf("Failed to load environment files: %v", err))
	}
}

// ForceReloadConfig parses the environment into the config struct bypassing
// the cache, then refreshes the cached copy. Intended for tests and the rare
// case where the environment changes at runtime.
func ForceReloadConfig[T any](v *T) error {
	if v == nil {
		return ErrNilPointer
	}

	if parseErr := env.Parse(v); parseErr != nil {
		return errors.Join(ErrParsingConfig, parseErr)
	}

	typeName := getTypeName[T]()

	globalCache.mu.Lock()
	globalCache.values[typeName] = *v
	globalCache.onces[typeName] = new(sync.Once)
	globalCache.mu.Unlock()

	return nil
}

// ResetCache clears all cached configurations and re-arms the default .env
// load. Primarily for tests that manipulate the environment between loads.
func ResetCache() {
	globalCache.mu.Lock()
	globalCache.values = make(map[string]any)
	globalCache.onces = make(map[string]*sync.Once)
	globalCache.mu.Unlock()

	defaultEnvLoaded = sync.Once{}
}
