//go:build wireinject
// +build wireinject

package di

import (
	"context"

	"QuantFlow/pkg/config"
	"QuantFlow/pkg/server"

	"github.com/google/wire"
)

// InitializeApp wires up all dependencies and returns the application.
// Wire will generate the implementation of this function.
func InitializeApp(ctx context.Context, cfg *config.Config) (*server.App, func(), error) {
	wire.Build(
		// Infrastructure clients
		ProvideKafkaProducer,
		ProvideLogger,
		ProvideMetrics,
		ProvideRedisClient,
		ProvideClickHouseClient,

		// Repositories and services
		ProvideDataStore,
		ProvideRunStore,
		ProvideMarketData,
		ProvideClassifier,
		ProvideHub,
		ProvideEventPipeline,
		ProvideEventRelay,

		// Graph and use cases
		ProvideNodes,
		ProvideGraph,
		ProvideExecutor,
		ProvideQueue,
		ProvideRunService,

		// Application server
		ProvideHandler,
		ProvideApp,
	)
	return nil, nil, nil
}
