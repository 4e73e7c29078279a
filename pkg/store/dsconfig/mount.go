package dsconfig

import (
	"fmt"
	"sort"

	ds "github.com/ipfs/go-datastore"
	"github.com/ipfs/go-datastore/mount"
)

// mountDatastoreConfig configures a mount datastore: several child
// datastores, each owning a key prefix.
type mountDatastoreConfig struct {
	mounts []mountItem
}

// mountItem is a single mount point.
type mountItem struct {
	ds     DatastoreConfig
	prefix ds.Key
}

// MountDatastoreConfig builds a mount datastore config from a params map.
// params must contain "mounts": an array of maps, each with a "mountpoint"
// string plus its own nested datastore config.
func MountDatastoreConfig(params map[string]interface{}) (DatastoreConfig, error) {
	var config mountDatastoreConfig

	mounts, ok := params["mounts"].([]interface{})
	if !ok {
		return nil, fmt.Errorf("'mounts' field is missing or not an array")
	}

	for _, item := range mounts {
		mountParams, ok := item.(map[string]interface{})
		if !ok {
			return nil, fmt.Errorf("expected map for mountpoint")
		}

		child, err := AnyDatastoreConfig(mountParams)
		if err != nil {
			return nil, err
		}

		prefix, found := mountParams["mountpoint"]
		if !found {
			return nil, fmt.Errorf("no 'mountpoint' on mount")
		}

		prefixStr, ok := prefix.(string)
		if !ok {
			return nil, fmt.Errorf("'mountpoint' must be a string, got %T", prefix)
		}

		config.mounts = append(config.mounts, mountItem{
			ds:     child,
			prefix: ds.NewKey(prefixStr),
		})
	}

	sort.Slice(config.mounts,
		func(i, j int) bool {
			return config.mounts[i].prefix.String() > config.mounts[j].prefix.String()
		})

	return &config, nil
}

// DiskSpec returns the mount's disk spec, one entry per child mountpoint.
func (cfg *mountDatastoreConfig) DiskSpec() DiskSpec {
	spec := map[string]interface{}{"type": "mount"}
	mounts := make([]interface{}, len(cfg.mounts))

	for i, m := range cfg.mounts {
		mountSpec := m.ds.DiskSpec()
		if mountSpec == nil {
			mountSpec = make(map[string]interface{})
		}

		mountSpec["mountpoint"] = m.prefix.String()
		mounts[i] = mountSpec
	}

	spec["mounts"] = mounts

	return spec
}

// Create builds the mount datastore instance from this config.
func (cfg *mountDatastoreConfig) Create(path string) (Datastore, error) {
	mounts := make([]mount.Mount, len(cfg.mounts))

	for i, m := range cfg.mounts {
		store, err := m.ds.Create(path)
		if err != nil {
			return nil, err
		}

		mounts[i].Datastore = store
		mounts[i].Prefix = m.prefix
	}

	return mount.New(mounts), nil
}
