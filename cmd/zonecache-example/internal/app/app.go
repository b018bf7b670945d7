// Package app wires a pkg/zonecache.Client from CLI flags: one Replica per
// node, each treated as its own single-node zone/server-group, fed into a
// pool.StaticPool.
package app

import (
	"fmt"
	"os"
	"time"

	"github.com/cachemir/zonecache/pkg/event"
	"github.com/cachemir/zonecache/pkg/metrics"
	"github.com/cachemir/zonecache/pkg/pool"
	"github.com/cachemir/zonecache/pkg/replica"
	"github.com/cachemir/zonecache/pkg/zconfig"
	"github.com/cachemir/zonecache/pkg/zlog"
	"github.com/cachemir/zonecache/pkg/zonecache"
)

const (
	virtualNodesPerReplica = 64
	connTimeout            = 2 * time.Second
	readTimeout            = 500 * time.Millisecond
	operationTimeout       = 500 * time.Millisecond
	maxConnsPerNode        = 4
	retryAttempts          = 1
)

// MustClient builds a zonecache.Client over one single-node Replica per
// entry in nodes. Exits the process on a wiring error — this is a CLI, not a
// library entry point.
func MustClient(application string, nodes []string) *zonecache.Client {
	if len(nodes) == 0 {
		fmt.Fprintln(os.Stderr, "zonecache-example: at least one --nodes entry is required")
		os.Exit(1)
	}

	replicas := make([]pool.Replica, 0, len(nodes))
	for _, node := range nodes {
		replicas = append(replicas, replica.New(replica.Config{
			ServerGroup:   node,
			Nodes:         []string{node},
			VirtualNodes:  virtualNodesPerReplica,
			MaxConns:      maxConnsPerNode,
			ConnTimeout:   connTimeout,
			RetryAttempts: retryAttempts,
		}))
	}

	staticPool := pool.NewStaticPool(replicas, nil, readTimeout, operationTimeout, len(replicas) > 1)
	cfgStore := zconfig.NewStore(application, nil)
	bus := event.NewBus(zlog.For("events"), func(listenerName, stage string) {
		zlog.For("events").Warnw("listener failure", "listener", listenerName, "stage", stage)
	})
	metricsReg := metrics.NewRegistry()

	return zonecache.New(zonecache.Config{
		Application: application,
		ResolvePool: func() pool.Pool { return staticPool },
		ConfigStore: cfgStore,
		Events:      bus,
		Metrics:     metricsReg,
	})
}

// ParsePolicy maps a CLI policy name onto zonecache.Policy, defaulting to
// ONE for anything unrecognised.
func ParsePolicy(s string) zonecache.Policy {
	switch s {
	case "NONE":
		return zonecache.PolicyNone
	case "QUORUM":
		return zonecache.PolicyQuorum
	case "ALL_MINUS_1":
		return zonecache.PolicyAllMinus1
	case "ALL":
		return zonecache.PolicyAll
	default:
		return zonecache.PolicyOne
	}
}
