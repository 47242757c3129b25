package server

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"runtime"
	"sync"
	"time"

	"github.com/janelia-flyem/labelmerge/dvid"
	"github.com/janelia-flyem/labelmerge/labels"
	"github.com/janelia-flyem/labelmerge/layer"
	"github.com/janelia-flyem/labelmerge/storage"

	"github.com/blang/semver"
)

// Version of the labelmerge server.
var Version = semver.MustParse("0.3.0")

var (
	registry   *layer.Registry
	registryMu sync.RWMutex

	webMux http.Handler

	httpServer   *http.Server
	httpServerMu sync.Mutex

	// label writes dispatched by merges and not yet landed
	pendingWrites sync.WaitGroup
)

// Layers returns the registry of served layers, or nil if not initialized.
func Layers() *layer.Registry {
	registryMu.RLock()
	defer registryMu.RUnlock()
	return registry
}

// Initialize sets up logging, stores, kafka and layers from the loaded
// configuration.
func Initialize() error {
	tc.Logging.SetLogger()
	dvid.Infof("Using %d logical CPUs for labelmerge %s.\n", runtime.NumCPU(), Version)

	if err := loadAuthFile(); err != nil {
		return fmt.Errorf("unable to load auth file: %v", err)
	}
	configs, err := tc.storeConfigs()
	if err != nil {
		return err
	}
	if err := storage.Initialize(configs); err != nil {
		return err
	}
	if tc.Mutations.Jsonstore != "" {
		if err := os.MkdirAll(tc.Mutations.Jsonstore, 0755); err != nil {
			return fmt.Errorf("unable to create mutation log directory: %v", err)
		}
	}
	if err := tc.Kafka.Initialize(); err != nil {
		return fmt.Errorf("unable to initialize kafka: %v", err)
	}
	reg, err := buildRegistry()
	if err != nil {
		return err
	}
	registryMu.Lock()
	registry = reg
	webMux = initRoutes()
	registryMu.Unlock()
	return nil
}

func buildRegistry() (*layer.Registry, error) {
	step := tc.Dims.CurrentStep
	if len(step) == 0 {
		var ndim int
		for _, lc := range tc.Labels {
			if len(lc.Shape) > ndim {
				ndim = len(lc.Shape)
			}
		}
		for _, pc := range tc.Points {
			if pc.Ndim > ndim {
				ndim = pc.Ndim
			}
		}
		step = make([]int, ndim)
	}
	reg := layer.NewRegistry(layer.NewDims(step))

	for name, lc := range tc.Labels {
		if len(lc.Shape) > len(step) {
			return nil, fmt.Errorf("labels %q is %d-d but dims only have %d axes", name, len(lc.Shape), len(step))
		}
		store, err := storage.GetStoreByAlias(lc.Store)
		if err != nil {
			return nil, fmt.Errorf("labels %q: %v", name, err)
		}
		ls, err := store.LabelStore(name, lc.Shape)
		if err != nil {
			return nil, fmt.Errorf("labels %q: %v", name, err)
		}
		toWorld, err := lc.dataToWorld(len(lc.Shape))
		if err != nil {
			return nil, fmt.Errorf("labels %q transform: %v", name, err)
		}
		l, err := layer.NewLabels(name, ls, toWorld)
		if err != nil {
			return nil, err
		}
		l.OnRefresh(func(name string, region labels.Region) {
			dvid.Infof("Labels %q refreshed in %s\n", name, region)
		})
		if err := reg.AddLabels(l); err != nil {
			return nil, err
		}
	}
	for name, pc := range tc.Points {
		if pc.Ndim > len(step) {
			return nil, fmt.Errorf("points %q are %d-d but dims only have %d axes", name, pc.Ndim, len(step))
		}
		toWorld, err := pc.dataToWorld(pc.Ndim)
		if err != nil {
			return nil, fmt.Errorf("points %q transform: %v", name, err)
		}
		p, err := layer.NewPoints(name, pc.Ndim, toWorld)
		if err != nil {
			return nil, err
		}
		if err := reg.AddPoints(p); err != nil {
			return nil, err
		}
	}
	dvid.Infof("Serving labels %v and points %v at step %v\n", reg.LabelNames(), reg.PointNames(), step)
	return reg, nil
}

// ServeSingleHTTP fulfills one request using the default web Mux.
func ServeSingleHTTP(w http.ResponseWriter, r *http.Request) {
	registryMu.RLock()
	mux := webMux
	registryMu.RUnlock()
	if mux == nil {
		http.Error(w, "server not initialized", http.StatusServiceUnavailable)
		return
	}
	mux.ServeHTTP(w, r)
}

// Serve listens and serves HTTP requests until Shutdown is called.
func Serve() error {
	httpServerMu.Lock()
	if httpServer != nil {
		httpServerMu.Unlock()
		return fmt.Errorf("server already running at %s", httpServer.Addr)
	}
	src := &http.Server{
		Addr:        HTTPAddress(),
		Handler:     http.HandlerFunc(ServeSingleHTTP),
		ReadTimeout: 1 * time.Hour,
	}
	httpServer = src
	httpServerMu.Unlock()

	dvid.Infof("Web server listening at %s (%s) ...\n", src.Addr, Host())
	if err := src.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		httpServerMu.Lock()
		httpServer = nil
		httpServerMu.Unlock()
		return err
	}
	return nil
}

// Shutdown stops the web server, waits for outstanding label writes and
// closes the mutation logs, kafka and stores.
func Shutdown() {
	delay := time.Duration(tc.Server.ShutdownDelay) * time.Second
	if delay <= 0 {
		delay = DefaultShutdownDelay * time.Second
	}

	httpServerMu.Lock()
	src := httpServer
	httpServer = nil
	httpServerMu.Unlock()
	if src != nil {
		ctx, cancel := context.WithTimeout(context.Background(), delay)
		if err := src.Shutdown(ctx); err != nil {
			dvid.Errorf("Web server did not shut down cleanly: %v\n", err)
		}
		cancel()
	}

	done := make(chan struct{})
	go func() {
		pendingWrites.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(delay):
		dvid.Criticalf("Label writes still outstanding after %s\n", delay)
	}

	closeJSONLogFiles()
	storage.KafkaShutdown()
	storage.Shutdown()

	registryMu.Lock()
	registry = nil
	webMux = nil
	registryMu.Unlock()
}
