// Code generated manually. DO NOT EDIT.

//go:generate go run -mod=mod github.com/google/wire/cmd/wire
//go:build !wireinject
// +build !wireinject

package wire

import (
	"context"
	"fmt"

	"github.com/sevigo/invoice-relay/internal/app"
	"github.com/sevigo/invoice-relay/internal/config"
)

// InitializeApp creates and wires all application dependencies.
func InitializeApp(ctx context.Context) (*app.App, func(), error) {
	// Load configuration
	cfg, err := config.LoadConfig()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load config: %w", err)
	}

	// Setup logger
	loggerConfig := provideLoggerConfig(cfg)
	writer := provideLogWriter(cfg)
	slogLogger := provideSlogLogger(loggerConfig, writer)

	// Job store
	dbConfig := provideDBConfig(cfg)
	policy := provideRetryPolicy(cfg)
	store, cleanup, err := provideStore(dbConfig, policy, slogLogger)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open job store: %w", err)
	}

	appApp, err := app.NewApp(ctx, cfg, store, slogLogger)
	if err != nil {
		cleanup()
		return nil, nil, err
	}
	return appApp, cleanup, nil
}
