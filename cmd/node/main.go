// Command node runs a single disruption-tolerant radio node: it loads a
// Config, opens storage, and wires the transport, sync engine and
// shipper into a Node that serves requests until the process is
// interrupted.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	goruntime "runtime"
	"syscall"
	"time"

	logging "github.com/ipfs/go-log/v2"

	"github.com/dtn-radio/spore/internal/config"
	"github.com/dtn-radio/spore/pkg/node"
	"github.com/dtn-radio/spore/pkg/repo"
	"github.com/dtn-radio/spore/pkg/shipper"
	"github.com/dtn-radio/spore/pkg/store"
	"github.com/dtn-radio/spore/pkg/store/dsconfig"
	"github.com/dtn-radio/spore/pkg/syncengine"
	"github.com/dtn-radio/spore/pkg/transport"
)

var log = logging.Logger("cmd/node")

// version is stamped at build time via -ldflags; "dev" otherwise.
var version = "dev"

// buildProfile reports "dev" for an unstamped binary, "release" otherwise,
// mirroring the debug/release distinction a Cargo build reports.
func buildProfile() string {
	if version == "dev" {
		return "dev"
	}
	return "release"
}

func main() {
	configPath := flag.String("config", "", "path to a TOML config file (defaults built in if omitted)")
	flag.Parse()

	if err := run(*configPath); err != nil {
		log.Errorf("node exited: %v", err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	if err := os.MkdirAll(cfg.StoragePath, 0o755); err != nil {
		return fmt.Errorf("create storage dir: %w", err)
	}

	provider, err := openProvider(cfg)
	if err != nil {
		return fmt.Errorf("open storage: %w", err)
	}
	defer provider.Close()

	r := repo.New(provider, int(cfg.BlockSize))

	tr, err := transport.NewUDPTransport(cfg.ListenAddress, cfg.MTU)
	if err != nil {
		return fmt.Errorf("open transport: %w", err)
	}
	defer tr.Close()

	knownCIDs, err := r.ListAvailableCIDs()
	if err != nil {
		return fmt.Errorf("list available cids: %w", err)
	}
	dags, err := r.ListAvailableDAGs()
	if err != nil {
		return fmt.Errorf("list available dags: %w", err)
	}
	names := make(map[string]string, len(dags))
	for _, d := range dags {
		names[d.CID.String()] = d.Filename
	}
	knownKnowns := make([]syncengine.NamedCID, len(knownCIDs))
	for i, c := range knownCIDs {
		knownKnowns[i] = syncengine.NamedCID{CID: c, Name: names[c.String()]}
	}
	knownUnknowns := r.DanglingCIDs()

	sy, err := syncengine.New(int(cfg.MTU), knownKnowns, knownUnknowns)
	if err != nil {
		return fmt.Errorf("init sync engine: %w", err)
	}

	sh := shipper.New(r, tr, cfg.WindowSize, time.Duration(cfg.RetryTimeoutDurationMS)*time.Millisecond)
	// A freshly started node starts out assumed connected; APISetConnected
	// toggles this down if the radio link later reports otherwise.
	sh.SetConnected(true)

	vi := node.VersionInfo{
		Version: version,
		Target:  goruntime.GOOS + "/" + goruntime.GOARCH,
		Profile: buildProfile(),
	}
	n := node.New(r, tr, sy, sh, cfg.RadioAddress, vi)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	log.Infof("listening on %s (pid=%d)", cfg.ListenAddress, os.Getpid())
	if err := n.Run(ctx, time.Duration(cfg.ChatterMS)*time.Millisecond); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// openProvider builds the Storage Provider the config's datastore
// selector names: "filesystem" for the flat blocks/cids/names layout,
// or "flatfs"/"leveldb" for a single go-datastore backend wrapped as a
// Provider.
func openProvider(cfg *config.Config) (store.Provider, error) {
	diskBytes := cfg.DiskUsageBytes()

	switch cfg.Datastore {
	case "", "filesystem":
		return store.NewFSProvider(cfg.StoragePath, diskBytes)

	case "flatfs":
		dsCfg, err := dsconfig.FlatFsDatastoreConfig(map[string]interface{}{
			"path":      "blocks",
			"shardFunc": "/repo/flatfs/shard/v1/next-to-last/2",
			"sync":      true,
		})
		if err != nil {
			return nil, err
		}
		d, err := dsCfg.Create(cfg.StoragePath)
		if err != nil {
			return nil, err
		}
		return store.NewDSProvider(d, diskBytes), nil

	case "leveldb":
		dsCfg, err := dsconfig.LevelDBDatastoreConfig(map[string]interface{}{
			"path":        "datastore",
			"compression": "none",
		})
		if err != nil {
			return nil, err
		}
		d, err := dsCfg.Create(cfg.StoragePath)
		if err != nil {
			return nil, err
		}
		return store.NewDSProvider(d, diskBytes), nil

	default:
		return nil, fmt.Errorf("unknown datastore %q", cfg.Datastore)
	}
}
