// Package db provides the database driver factory.
package db

import (
	"github.com/pkg/errors"

	"github.com/orbitgw/orbit/internal/profile"
	"github.com/orbitgw/orbit/store"
	"github.com/orbitgw/orbit/store/db/postgres"
	"github.com/orbitgw/orbit/store/db/sqlite"
)

// NewDBDriver creates a new database driver based on the profile.
func NewDBDriver(profile *profile.Profile) (store.Driver, error) {
	switch profile.Driver {
	case "sqlite":
		return sqlite.NewDB(profile)
	case "postgres":
		return postgres.NewDB(profile)
	default:
		return nil, errors.Errorf("unknown db driver %q", profile.Driver)
	}
}
