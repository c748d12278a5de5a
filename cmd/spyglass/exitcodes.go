package main

import (
	"errors"

	"github.com/streamcord/spyglass/internal/adapter/mongo"
	"github.com/streamcord/spyglass/internal/domain"
	"github.com/streamcord/spyglass/internal/platform/config"
)

// Process exit codes. Supervisors and alerting key off these values.
const (
	exitMissingEnv          = 1
	exitInvalidConfig       = 2
	exitNoAccessToken       = 3
	exitDatabaseConnection  = 4
	exitInvalidDatabaseName = 5
	exitInvalidCollection   = 6
	exitEgressConnection    = 7
	exitCallbackUnreachable = 8
	exitChangeFeed          = 9
	exitUncaught            = 255
)

var (
	errInvalidConfig      = errors.New("invalid configuration")
	errDatabaseConnection = errors.New("database connection failed")
	errEgressConnection   = errors.New("egress connection failed")
	errChangeFeed         = errors.New("change feed failed")
)

// exitCode maps a fatal error onto its exit code. The more specific causes
// are checked first since they may be wrapped together with a broader one.
func exitCode(err error) int {
	switch {
	case err == nil:
		return 0
	case errors.Is(err, config.ErrWorkerEnv):
		return exitMissingEnv
	case errors.Is(err, errInvalidConfig):
		return exitInvalidConfig
	case errors.Is(err, domain.ErrNoAccessToken):
		return exitNoAccessToken
	case errors.Is(err, mongo.ErrInvalidDatabaseName):
		return exitInvalidDatabaseName
	case errors.Is(err, mongo.ErrInvalidCollectionName):
		return exitInvalidCollection
	case errors.Is(err, errDatabaseConnection):
		return exitDatabaseConnection
	case errors.Is(err, errEgressConnection):
		return exitEgressConnection
	case errors.Is(err, domain.ErrCallbackInaccessible):
		return exitCallbackUnreachable
	case errors.Is(err, errChangeFeed), errors.Is(err, domain.ErrFeedInvalidated):
		return exitChangeFeed
	default:
		return exitUncaught
	}
}
