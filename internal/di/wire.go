//go:build wireinject
// +build wireinject

package di

import (
	"PolySignals/pkg/config"
	"PolySignals/pkg/server"

	"github.com/google/wire"
)

// InitializeApp wires up all dependencies and returns the application.
// Wire will generate the implementation of this function.
func InitializeApp(cfg *config.Config) (*server.App, error) {
	wire.Build(
		// Ambient
		ProvideLogger,
		ProvideMetrics,
		ProvideMode,
		ProvideStatus,

		// Infrastructure clients
		ProvideRedisCache,
		ProvideCache,
		ProvideClickHouseClient,
		ProvideKafkaProducer,
		ProvideVenue,
		ProvideStream,

		// Repositories
		ProvideSnapshotCache,
		ProvideMarketLocker,
		ProvideDelayQueue,
		ProvideFreeDeliveryStore,
		ProvideLedgerStore,
		ProvideHistory,

		// Use cases
		ProvideSnapshotProvider,
		ProvideScanner,
		ProvideCalibration,
		ProvideGenerator,
		ProvideLedger,
		ProvideEngine,
		ProvideTracker,
		ProvideGate,
		ProvideFeed,
		ProvideDispatcher,
		ProvidePipeline,
		ProvideScheduler,
		ProvideTickPipeline,
		ProvideResolutionHandler,
		ProvideKafkaConsumer,

		// Marketplace and HTTP
		ProvideEntitlements,
		ProvideOffering,
		ProvideQuota,
		ProvideAPIHandler,
		ProvideHTTPServer,

		// Application server
		ProvideApp,
	)
	return &server.App{}, nil
}
