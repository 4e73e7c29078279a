// Package dsconfig builds github.com/ipfs/go-datastore Batching datastores
// from a small JSON-serializable spec, the same way a kubo-style repo
// describes its on-disk datastore layout. A spec is written once at repo
// creation time and compared against on every open so the storage root
// can't silently switch backends underneath a running node.
package dsconfig

import (
	"bytes"
	"encoding/json"
)

// DiskSpec is the on-disk description of a datastore tree: nested
// "type"-tagged maps ("mount", "measure", "flatfs", "levelds").
type DiskSpec map[string]interface{}

// DefaultDiskSpec returns the node's standard storage layout:
//   - /blocks: FlatFS, one file per block, for bulky immutable block data
//   - /: LevelDB, for everything else (links, names, dangling CIDs)
//
// Both mounts are wrapped in "measure" so datastore operation counts and
// latencies are exported the same way as the rest of the node's metrics.
func DefaultDiskSpec() DiskSpec {
	return map[string]interface{}{
		"type": "mount",
		"mounts": []interface{}{
			map[string]interface{}{
				"mountpoint": "/blocks",
				"type":       "measure",
				"prefix":     "flatfs.datastore",
				"child": map[string]interface{}{
					"type":      "flatfs",
					"path":      "blocks",
					"sync":      true,
					"shardFunc": "/repo/flatfs/shard/v1/next-to-last/2",
				},
			},
			map[string]interface{}{
				"mountpoint": "/",
				"type":       "measure",
				"prefix":     "leveldb.datastore",
				"child": map[string]interface{}{
					"type":        "levelds",
					"path":        "datastore",
					"compression": "none",
				},
			},
		},
	}
}

// Bytes serializes the spec as compact JSON, suitable for writing to a
// datastore_spec file.
func (s DiskSpec) Bytes() []byte {
	b, err := json.Marshal(s)
	if err != nil {
		panic(err)
	}

	return bytes.TrimSpace(b)
}

// String is Bytes as a string.
func (s DiskSpec) String() string {
	return string(s.Bytes())
}
