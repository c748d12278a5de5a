// Package mongo is the document store: the subscriptions and notifications
// collections and resumable change feeds over them.
package mongo

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"
)

var (
	ErrInvalidDatabaseName   = errors.New("invalid database name")
	ErrInvalidCollectionName = errors.New("invalid collection name")
)

const disconnectTimeout = 5 * time.Second

// Collections names the two collections the service works on.
type Collections struct {
	Subscriptions string
	Notifications string
}

// Store holds the client and the resolved collections.
type Store struct {
	client        *mongo.Client
	db            *mongo.Database
	subscriptions *mongo.Collection
	notifications *mongo.Collection
	preImages     bool
}

// Connect dials the deployment at uri, pings it and resolves the database and
// collections. Name errors wrap ErrInvalidDatabaseName or ErrInvalidCollectionName.
func Connect(ctx context.Context, uri, database string, collections Collections) (*Store, error) {
	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri).SetAppName("spyglass"))
	if err != nil {
		return nil, fmt.Errorf("failed to create mongo client: %w", err)
	}

	if err := client.Ping(ctx, readpref.Primary()); err != nil {
		disconnect(client)
		return nil, fmt.Errorf("failed to ping mongo: %w", err)
	}

	if err := ValidateDatabaseName(database); err != nil {
		disconnect(client)
		return nil, err
	}
	for _, name := range []string{collections.Subscriptions, collections.Notifications} {
		if err := ValidateCollectionName(name); err != nil {
			disconnect(client)
			return nil, err
		}
	}

	db := client.Database(database)
	slog.Info("Mongo connected", "database", database,
		"subscriptions", collections.Subscriptions, "notifications", collections.Notifications)

	return &Store{
		client:        client,
		db:            db,
		subscriptions: db.Collection(collections.Subscriptions),
		notifications: db.Collection(collections.Notifications),
	}, nil
}

func disconnect(client *mongo.Client) {
	ctx, cancel := context.WithTimeout(context.Background(), disconnectTimeout)
	defer cancel()
	if err := client.Disconnect(ctx); err != nil {
		slog.Warn("Failed to disconnect mongo client", "error", err)
	}
}

// ValidateDatabaseName applies the server's naming rules for databases.
func ValidateDatabaseName(name string) error {
	if name == "" || len(name) > 63 || strings.ContainsAny(name, "/\\. \"$*<>:|?\x00") {
		return fmt.Errorf("%w: %q", ErrInvalidDatabaseName, name)
	}
	return nil
}

// ValidateCollectionName applies the server's naming rules for collections.
func ValidateCollectionName(name string) error {
	if name == "" || strings.ContainsAny(name, "$\x00") || strings.HasPrefix(name, "system.") {
		return fmt.Errorf("%w: %q", ErrInvalidCollectionName, name)
	}
	return nil
}

// EnablePreImages turns on change stream pre-images for the notifications
// collection so delete events carry the removed document. Requires MongoDB 6.0
// and the collMod privilege; callers treat failure as a warning.
func (s *Store) EnablePreImages(ctx context.Context) error {
	cmd := bson.D{
		{Key: "collMod", Value: s.notifications.Name()},
		{Key: "changeStreamPreAndPostImages", Value: bson.D{{Key: "enabled", Value: true}}},
	}
	if err := s.db.RunCommand(ctx, cmd).Err(); err != nil {
		return fmt.Errorf("failed to enable pre-images on %s: %w", s.notifications.Name(), err)
	}
	s.preImages = true
	return nil
}

// PreImages reports whether EnablePreImages succeeded. Feeds only ask for
// pre-images when it did, since servers before 6.0 reject the option.
func (s *Store) PreImages() bool {
	return s.preImages
}

// Ping is used by the readiness check.
func (s *Store) Ping(ctx context.Context) error {
	return s.client.Ping(ctx, readpref.Primary())
}

func (s *Store) Close(ctx context.Context) error {
	return s.client.Disconnect(ctx)
}
