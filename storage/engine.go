package storage

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/janelia-flyem/labelmerge/dvid"
)

var (
	availEngines   = map[string]Engine{}
	availEnginesMu sync.RWMutex

	manager managerT
)

type managerT struct {
	sync.RWMutex
	setup  bool
	stores map[Alias]Store
}

// RegisterEngine registers an Engine for use in configurations.  Engines call
// this from their package init.
func RegisterEngine(e Engine) {
	availEnginesMu.Lock()
	availEngines[e.GetName()] = e
	availEnginesMu.Unlock()
}

// GetEngine returns the registered Engine with the given name.
func GetEngine(name string) (Engine, error) {
	availEnginesMu.RLock()
	defer availEnginesMu.RUnlock()
	e, found := availEngines[name]
	if !found {
		return nil, fmt.Errorf("no storage engine %q available; compiled engines: %s", name, enginesAvailable())
	}
	return e, nil
}

func enginesAvailable() string {
	var names []string
	for name := range availEngines {
		names = append(names, name)
	}
	sort.Strings(names)
	return strings.Join(names, ", ")
}

// Versions returns a description of each registered engine and its version.
func Versions() map[string]string {
	availEnginesMu.RLock()
	defer availEnginesMu.RUnlock()
	versions := make(map[string]string, len(availEngines))
	for name, e := range availEngines {
		versions[name] = fmt.Sprintf("%s (%s)", e.GetSemVer(), e.GetDescription())
	}
	return versions
}

// Initialize opens a store for each configured alias.  Any previously opened
// stores are closed first.
func Initialize(configs map[Alias]dvid.StoreConfig) error {
	Shutdown()

	stores := make(map[Alias]Store, len(configs))
	for alias, config := range configs {
		e, err := GetEngine(config.Engine)
		if err != nil {
			closeStores(stores)
			return fmt.Errorf("store %q: %v", alias, err)
		}
		store, created, err := e.NewStore(config)
		if err != nil {
			closeStores(stores)
			return fmt.Errorf("unable to open store %q with engine %s: %v", alias, e, err)
		}
		if created {
			dvid.Infof("Created new %s store %q: %s\n", e.GetName(), alias, store)
		} else {
			dvid.Infof("Opened %s store %q: %s\n", e.GetName(), alias, store)
		}
		stores[alias] = store
	}

	manager.Lock()
	manager.stores = stores
	manager.setup = true
	manager.Unlock()
	return nil
}

// GetStoreByAlias returns an initialized store.
func GetStoreByAlias(alias Alias) (Store, error) {
	manager.RLock()
	defer manager.RUnlock()
	if !manager.setup {
		return nil, fmt.Errorf("storage manager not initialized before requesting store %q", alias)
	}
	store, found := manager.stores[alias]
	if !found {
		return nil, fmt.Errorf("no store configured with alias %q", alias)
	}
	return store, nil
}

// Shutdown closes all initialized stores.
func Shutdown() {
	manager.Lock()
	stores := manager.stores
	manager.stores = nil
	manager.setup = false
	manager.Unlock()
	closeStores(stores)
}

func closeStores(stores map[Alias]Store) {
	for alias, store := range stores {
		dvid.Infof("Closing store %q: %s\n", alias, store)
		store.Close()
	}
}
