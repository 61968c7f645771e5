package adapters

import (
	"fmt"
	"sync"

	"bitbucket.org/mmdatafocus/barops_backend/config"
	"bitbucket.org/mmdatafocus/barops_backend/models"
	"github.com/sirupsen/logrus"
)

var (
	registryOnce sync.Once
	registry     map[models.SourceSystem]SourceAdapter
)

func buildRegistry() {
	logger := config.GetLogger()
	registry = make(map[models.SourceSystem]SourceAdapter)

	for _, build := range []func() (SourceAdapter, error){
		func() (SourceAdapter, error) { return newPosProAdapter() },
		func() (SourceAdapter, error) { return newLedgerlyAdapter() },
		func() (SourceAdapter, error) { return newTicketHubAdapter() },
		func() (SourceAdapter, error) { return newResBookAdapter() },
	} {
		adapter, err := build()
		if err != nil {
			logger.WithError(err).Warn("source adapter not configured, skipping")
			continue
		}
		if !config.SourceSyncEnabled(string(adapter.System())) {
			logger.WithFields(logrus.Fields{"source": adapter.System()}).Info("source sync disabled")
			continue
		}
		registry[adapter.System()] = adapter
	}
}

// Get returns the adapter for one source system. Sources without credentials
// or disabled via SYNC_DISABLED_SOURCES are absent.
func Get(source models.SourceSystem) (SourceAdapter, error) {
	registryOnce.Do(buildRegistry)
	adapter, ok := registry[source]
	if !ok {
		return nil, fmt.Errorf("no adapter registered for source %s", source)
	}
	return adapter, nil
}

// Registered lists the source systems with a usable adapter.
func Registered() []models.SourceSystem {
	registryOnce.Do(buildRegistry)
	var sources []models.SourceSystem
	for _, s := range models.AllSourceSystems() {
		if _, ok := registry[s]; ok {
			sources = append(sources, s)
		}
	}
	return sources
}

// SetForTest swaps in a fake adapter. Test helper only.
func SetForTest(source models.SourceSystem, adapter SourceAdapter) {
	registryOnce.Do(buildRegistry)
	if adapter == nil {
		delete(registry, source)
		return
	}
	registry[source] = adapter
}
