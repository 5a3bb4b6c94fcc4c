package cmd

import (
	"database/sql"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/forgefleet/conductor/internal/boardevents"
	"github.com/forgefleet/conductor/internal/broker"
	"github.com/forgefleet/conductor/internal/config"
	"github.com/forgefleet/conductor/internal/envelope"
	"github.com/forgefleet/conductor/internal/gitvcs"
	"github.com/forgefleet/conductor/internal/registry"
	"github.com/forgefleet/conductor/internal/statemachine"
	"github.com/forgefleet/conductor/internal/taskrepo"
)

// openDB opens (and migrates) the task repository's SQLite database.
func openDB(c config.Config) (*sql.DB, error) {
	db, err := taskrepo.Open(c.Database.Path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	return db, nil
}

// buildBroker constructs the stream broker selected by c.Broker.Kind.
func buildBroker(c config.Config) (broker.Broker, error) {
	switch c.Broker.Kind {
	case "", "memory":
		return broker.NewMemoryBroker(), nil
	case "redis":
		client := redis.NewClient(&redis.Options{
			Addr:     c.Broker.Addr,
			Password: c.Broker.Password,
			DB:       c.Broker.DB,
		})
		return broker.NewRedisBroker(client), nil
	default:
		return nil, fmt.Errorf("unknown broker.kind %q", c.Broker.Kind)
	}
}

// buildRegistry constructs the worker registry selected by c.Registry.Kind.
func buildRegistry(c config.Config) (registry.Registry, error) {
	switch c.Registry.Kind {
	case "", "memory":
		return registry.NewMemoryRegistry(c.Registry.HeartbeatTTL), nil
	case "redis":
		client := redis.NewClient(&redis.Options{
			Addr:     c.Registry.Addr,
			Password: c.Registry.Password,
			DB:       c.Registry.DB,
		})
		return registry.NewRedisRegistry(client, c.Registry.HeartbeatTTL), nil
	default:
		return nil, fmt.Errorf("unknown registry.kind %q", c.Registry.Kind)
	}
}

// buildCollaborator returns a real git collaborator rooted at
// c.Orchestration.GitRepoPath, or an in-memory mock when no path is
// configured (demos, tests without a real checkout).
func buildCollaborator(c config.Config) gitvcs.Collaborator {
	if c.Orchestration.GitRepoPath == "" {
		return gitvcs.NewMockCollaborator()
	}
	return gitvcs.NewRealCollaborator(c.Orchestration.GitRepoPath)
}

// buildStateMachine assembles the statemachine.Machine every service
// command drives tasks through.
func buildStateMachine(c config.Config, repo *taskrepo.Repository, brk broker.Broker) *statemachine.Machine {
	signer := envelope.NewSigner(c.Envelope.Secret)
	collab := buildCollaborator(c)
	board := boardevents.NewPublisher(brk)
	return statemachine.New(repo, brk, signer, collab, board)
}
