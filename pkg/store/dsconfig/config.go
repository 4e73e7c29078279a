package dsconfig

import (
	"fmt"
	"strings"
	"sync"

	ds "github.com/ipfs/go-datastore"
)

// Datastore is the datastore interface backing a repo: ds.Batching gives
// batched put/delete in addition to plain Get/Put/Delete/Query.
type Datastore interface {
	ds.Batching
}

// DatastoreConfig is implemented by every datastore type's config: it can
// describe itself as a DiskSpec and instantiate the Datastore it describes.
type DatastoreConfig interface {
	DiskSpec() DiskSpec
	Create(path string) (Datastore, error)
}

// ConfigFactory builds a DatastoreConfig from a params map (typically
// decoded from JSON).
type ConfigFactory func(map[string]interface{}) (DatastoreConfig, error)

// configRegistry maps datastore type names ("mount", "flatfs", ...) to
// the factory that parses their params.
type configRegistry struct {
	mu        sync.RWMutex
	factories map[string]ConfigFactory
}

var globalConfigRegistry = &configRegistry{
	factories: make(map[string]ConfigFactory),
}

var registryOnce sync.Once

func ensureInitialized() {
	registryOnce.Do(func() {
		globalConfigRegistry.registerDefaults()
	})
}

func (r *configRegistry) registerDefaults() {
	r.factories["mount"] = MountDatastoreConfig
	r.factories["measure"] = MeasureDatastoreConfig
	r.factories["levelds"] = LevelDBDatastoreConfig
	r.factories["flatfs"] = FlatFsDatastoreConfig
}

// register adds or replaces the factory for a datastore type. Safe for
// concurrent use.
func (r *configRegistry) register(name string, factory ConfigFactory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[name] = factory
}

func (r *configRegistry) get(name string) ConfigFactory {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.factories[name]
}

func (r *configRegistry) list() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	types := make([]string, 0, len(r.factories))
	for name := range r.factories {
		types = append(types, name)
	}
	return types
}

// AnyDatastoreConfig dispatches on params["type"] to build whichever
// DatastoreConfig the map describes. Supported types: mount, measure,
// levelds, flatfs.
func AnyDatastoreConfig(params map[string]interface{}) (DatastoreConfig, error) {
	ensureInitialized()

	datastoreType, ok := params["type"].(string)
	if !ok {
		return nil, fmt.Errorf("'type' field missing or not a string")
	}

	datastoreType = strings.ToLower(datastoreType)

	configFactory := globalConfigRegistry.get(datastoreType)
	if configFactory == nil {
		availableTypes := globalConfigRegistry.list()
		return nil, fmt.Errorf("unknown datastore type: %s (available: %v)",
			datastoreType, availableTypes)
	}

	return configFactory(params)
}
