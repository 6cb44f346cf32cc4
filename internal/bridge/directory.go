package bridge

import (
	"context"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"

	"github.com/agentworkforce/leadbridge/internal/logger"
)

// Directory resolves chat users: display names for store attribution and
// @handles for in-thread mentions. Both maps are maintained by hand on disk.
type Directory struct {
	tables *Tables
	log    *logger.Logger

	mu      sync.RWMutex
	names   map[ID]string
	handles []Entry[ID]
}

func NewDirectory(tables *Tables, log *logger.Logger) *Directory {
	if log == nil {
		log = logger.Nop()
	}
	d := &Directory{tables: tables, log: log}
	d.Reload()
	return d
}

func (d *Directory) Reload() {
	names := map[ID]string{}
	users := d.tables.load(TableUsers)
	for _, key := range users.Keys() {
		var name string
		if ok, err := users.Get(key, &name); ok && err == nil {
			names[ID(key)] = name
		}
	}
	handleTable := d.tables.load(TableHandles)
	handles := make([]Entry[ID], 0, handleTable.Len())
	for _, key := range handleTable.Keys() {
		var userID ID
		if ok, err := handleTable.Get(key, &userID); ok && err == nil && !userID.IsZero() {
			handles = append(handles, Entry[ID]{Key: key, Value: userID})
		}
	}
	d.mu.Lock()
	d.names = names
	d.handles = handles
	d.mu.Unlock()
	d.log.Debug("directory reloaded", "users", len(names), "handles", len(handles))
}

func (d *Directory) DisplayName(userID ID) (string, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	name, ok := d.names[userID]
	return name, ok
}

// Handle returns the first handle mapped to userID.
func (d *Directory) Handle(userID ID) (string, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	for _, entry := range d.handles {
		if entry.Value == userID {
			return entry.Key, true
		}
	}
	return "", false
}

// Watch reloads the directory whenever either backing file in dir changes,
// until ctx is done.
func (d *Directory) Watch(ctx context.Context, dir string) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := watcher.Add(dir); err != nil {
		_ = watcher.Close()
		return err
	}
	go func() {
		defer watcher.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				switch filepath.Base(event.Name) {
				case TableUsers, TableHandles:
					if event.Has(fsnotify.Write) || event.Has(fsnotify.Create) || event.Has(fsnotify.Rename) || event.Has(fsnotify.Remove) {
						d.Reload()
					}
				}
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				d.log.Warn("directory watcher error", "error", err)
			}
		}
	}()
	return nil
}
