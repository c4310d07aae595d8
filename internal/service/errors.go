package service

import (
	"errors"

	"github.com/web-casa/dad/internal/store"
)

var (
	// ErrValidation rejects a create request before any state is touched.
	ErrValidation = errors.New("validation failed")
	// ErrNotFound is returned for unknown environment ids.
	ErrNotFound = store.ErrNotFound
	// ErrInProgress is returned when deleting an environment whose creation
	// has not finished yet.
	ErrInProgress = errors.New("environment creation in progress")
	// ErrNotDeployed is returned for log requests on an environment that has
	// no compose project on disk.
	ErrNotDeployed = errors.New("environment has no deployment")
)
