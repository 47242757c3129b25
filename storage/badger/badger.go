package badger

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/janelia-flyem/labelmerge/dvid"
	"github.com/janelia-flyem/labelmerge/storage"

	"github.com/blang/semver"
	"github.com/coocood/freecache"
	"github.com/dgraph-io/badger/v3"
)

const (
	// DefaultTileSize is the extent of the square 2d tiles along the last two
	// axes of a volume.  Each tile is one key-value pair.
	DefaultTileSize = 64

	// DefaultCacheMB is the size of the decoded tile cache.  Freecache rejects
	// entries over 1/1024 of its size, so this must allow a full default tile.
	DefaultCacheMB = 64

	// DefaultSyncWrites is true if all writes are synced to disk, thereby making db resilient
	// at cost of speed.
	DefaultSyncWrites = false
)

var (
	metaPrefix = []byte("meta/")
	tilePrefix = []byte("tile/")
)

func init() {
	ver, err := semver.Make("0.2.0")
	if err != nil {
		dvid.Errorf("Unable to make semver in badger: %v\n", err)
	}
	e := Engine{"badger", "BadgerDB tiled label volumes", ver}
	storage.RegisterEngine(e)
}

// --- Engine Implementation ------

type Engine struct {
	name   string
	desc   string
	semver semver.Version
}

func (e Engine) GetName() string {
	return e.name
}

func (e Engine) GetDescription() string {
	return e.desc
}

func (e Engine) GetSemVer() semver.Version {
	return e.semver
}

func (e Engine) String() string {
	return fmt.Sprintf("%s [%s]", e.name, e.semver)
}

// NewStore returns a badger store.  The passed Config must contain a "path" string
// unless "inmemory" is true.
func (e Engine) NewStore(config dvid.StoreConfig) (storage.Store, bool, error) {
	return e.newDB(config)
}

type dbConfig struct {
	path        string
	inMemory    bool
	compression dvid.Compression
	tileSize    int
	cacheBytes  int
	syncWrites  bool
}

func parseConfig(config dvid.StoreConfig) (c dbConfig, err error) {
	var found bool
	if c.inMemory, _, err = config.GetBool("inmemory"); err != nil {
		return
	}
	c.path, found, err = config.GetString("path")
	if err != nil {
		return
	}
	if !found && !c.inMemory {
		err = fmt.Errorf("%q must be specified for BadgerDB configuration", "path")
		return
	}
	var compression string
	if compression, _, err = config.GetString("compression"); err != nil {
		return
	}
	if c.compression, err = dvid.ParseCompression(compression); err != nil {
		return
	}
	if c.tileSize, found, err = config.GetInt("tilesize"); err != nil {
		return
	}
	if !found {
		c.tileSize = DefaultTileSize
	}
	if c.tileSize <= 0 {
		err = fmt.Errorf("tile size must be positive, got %d", c.tileSize)
		return
	}
	var cacheMB int
	if cacheMB, found, err = config.GetInt("cachemb"); err != nil {
		return
	}
	if !found {
		cacheMB = DefaultCacheMB
	}
	c.cacheBytes = cacheMB * dvid.Mega
	if c.syncWrites, found, err = config.GetBool("syncwrites"); err != nil {
		return
	}
	if !found {
		c.syncWrites = DefaultSyncWrites
	}
	return
}

// badgerLogger routes badger's own messages into the dvid log.
type badgerLogger struct{}

func (badgerLogger) Errorf(format string, args ...interface{}) {
	dvid.Errorf("badger: "+format, args...)
}

func (badgerLogger) Warningf(format string, args ...interface{}) {
	dvid.Warningf("badger: "+format, args...)
}

func (badgerLogger) Infof(format string, args ...interface{}) {
	dvid.Debugf("badger: "+format, args...)
}

func (badgerLogger) Debugf(format string, args ...interface{}) {
	dvid.Debugf("badger: "+format, args...)
}

// Periodically sync to prevent too many writes from being buffered
// if server crashes.
func syncPeriodically(db *BadgerDB) {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-db.stopSyncCh:
			dvid.Infof("Stopping sync goroutine for %s\n", db)
			return
		case <-ticker.C:
			if err := db.bdp.Sync(); err != nil {
				dvid.Errorf("Unable to sync %s: %v\n", db, err)
			}
		}
	}
}

// newDB returns a Badger backend, creating one at path if it doesn't exist.
func (e Engine) newDB(config dvid.StoreConfig) (*BadgerDB, bool, error) {
	c, err := parseConfig(config)
	if err != nil {
		return nil, false, err
	}

	var opts badger.Options
	var created bool
	if c.inMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
		created = true
	} else {
		if _, err := os.Stat(c.path); os.IsNotExist(err) {
			dvid.TimeInfof("Database not already at path (%s). Creating directory...\n", c.path)
			created = true
			if err := os.MkdirAll(c.path, 0744); err != nil {
				return nil, true, fmt.Errorf("can't make directory at %s: %v", c.path, err)
			}
		} else {
			dvid.TimeInfof("Found directory at %s (err = %v)\n", c.path, err)
		}
		opts = badger.DefaultOptions(filepath.Clean(c.path))
	}
	opts = opts.WithNumVersionsToKeep(1).WithSyncWrites(c.syncWrites).WithLogger(badgerLogger{})

	dvid.TimeInfof("Opening badger @ path %q (in memory: %t)\n", c.path, c.inMemory)
	bdp, err := badger.Open(opts)
	if err != nil {
		return nil, false, err
	}
	db := &BadgerDB{
		directory:   c.path,
		config:      c,
		bdp:         bdp,
		cache:       freecache.NewCache(c.cacheBytes),
		volumes:     make(map[string]*labelVolume),
		stopSyncCh:  make(chan bool),
		syncStopped: make(chan struct{}),
	}
	if !c.inMemory {
		go func() {
			syncPeriodically(db)
			close(db.syncStopped)
		}()
	} else {
		close(db.syncStopped)
	}
	return db, created, nil
}

// BadgerDB is a badger-backed store of label volumes.
type BadgerDB struct {
	directory string
	config    dbConfig

	bdp   *badger.DB
	cache *freecache.Cache

	mu      sync.Mutex
	volumes map[string]*labelVolume

	stopSyncCh  chan bool
	syncStopped chan struct{}
	closeOnce   sync.Once
}

func (db *BadgerDB) String() string {
	if db.config.inMemory {
		return "badger (in memory)"
	}
	return fmt.Sprintf("badger @ %s", db.directory)
}

// Close closes the BadgerDB
func (db *BadgerDB) Close() {
	db.closeOnce.Do(func() {
		if !db.config.inMemory {
			db.stopSyncCh <- true
		}
		<-db.syncStopped
		if err := db.bdp.Close(); err != nil {
			dvid.Errorf("Error closing %s: %v\n", db, err)
			return
		}
		dvid.Infof("Closed %s\n", db)
	})
}

type volumeMeta struct {
	Shape    []int
	TileSize int
}

func metaKey(name string) []byte {
	return append(append([]byte(nil), metaPrefix...), name...)
}

// LabelStore returns the named label volume, recording its shape on first use.
func (db *BadgerDB) LabelStore(name string, shape []int) (storage.LabelStore, error) {
	db.mu.Lock()
	defer db.mu.Unlock()
	if v, found := db.volumes[name]; found {
		if err := checkShape(v.shape, shape); err != nil {
			return nil, fmt.Errorf("label volume %q: %v", name, err)
		}
		return v, nil
	}
	if len(shape) < 2 {
		return nil, fmt.Errorf("label volume %q must have at least 2 dimensions, got shape %v", name, shape)
	}
	for _, extent := range shape {
		if extent <= 0 {
			return nil, fmt.Errorf("label volume %q has bad shape %v", name, shape)
		}
	}

	meta := volumeMeta{Shape: shape, TileSize: db.config.tileSize}
	var stored []byte
	err := db.bdp.View(func(txn *badger.Txn) error {
		item, err := txn.Get(metaKey(name))
		if err == badger.ErrKeyNotFound {
			return nil
		}
		if err != nil {
			return err
		}
		stored, err = item.ValueCopy(nil)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("unable to read metadata for label volume %q: %v", name, err)
	}
	if stored != nil {
		var prev volumeMeta
		if err := json.Unmarshal(stored, &prev); err != nil {
			return nil, fmt.Errorf("bad metadata for label volume %q: %v", name, err)
		}
		if err := checkShape(prev.Shape, shape); err != nil {
			return nil, fmt.Errorf("label volume %q: %v", name, err)
		}
		meta.TileSize = prev.TileSize
	} else {
		data, err := json.Marshal(meta)
		if err != nil {
			return nil, err
		}
		err = db.bdp.Update(func(txn *badger.Txn) error {
			return txn.Set(metaKey(name), data)
		})
		if err != nil {
			return nil, fmt.Errorf("unable to store metadata for label volume %q: %v", name, err)
		}
	}

	v := &labelVolume{
		db:       db,
		name:     name,
		shape:    append([]int(nil), shape...),
		tileSize: meta.TileSize,
	}
	db.volumes[name] = v
	return v, nil
}

func checkShape(have, want []int) error {
	if len(have) != len(want) {
		return fmt.Errorf("stored shape %v differs from requested %v", have, want)
	}
	for i := range have {
		if have[i] != want[i] {
			return fmt.Errorf("stored shape %v differs from requested %v", have, want)
		}
	}
	return nil
}

// tileKey is the volume name followed by big-endian plane and tile coordinates.
func tileKey(name string, plane []int, ty, tx int) []byte {
	key := make([]byte, 0, len(tilePrefix)+len(name)+1+4*(len(plane)+2))
	key = append(key, tilePrefix...)
	key = append(key, name...)
	key = append(key, 0)
	var buf [4]byte
	for _, c := range append(append([]int(nil), plane...), ty, tx) {
		binary.BigEndian.PutUint32(buf[:], uint32(c))
		key = append(key, buf[:]...)
	}
	return key
}
