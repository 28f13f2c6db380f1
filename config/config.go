// Copyright 2023 PingCAP, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//	http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package config

import (
	"github.com/BurntSushi/toml"
	"github.com/pingcap/errors"
	"go.uber.org/atomic"

	"github.com/Mu-L/ByConity/util/logutil"
)

// Config is the process configuration.
type Config struct {
	Host    string `toml:"host" json:"host"`
	Port    int    `toml:"port" json:"port"`
	NodeID  string `toml:"node-id" json:"node-id"`
	DataDir string `toml:"data-dir" json:"data-dir"`

	Log              logutil.LogConfig      `toml:"log" json:"log"`
	EagerAggregation EagerAggregationConfig `toml:"eager-aggregation" json:"eager-aggregation"`
	PartsExchange    PartsExchangeConfig    `toml:"parts-exchange" json:"parts-exchange"`
}

// EagerAggregationConfig controls the eager-aggregation plan rewrite.
type EagerAggregationConfig struct {
	// AggPushDownThreshold is the minimum rowCount/predicted reduction ratio
	// a candidate must achieve. Zero approves candidates without statistics.
	AggPushDownThreshold float64 `toml:"agg-push-down-threshold" json:"agg-push-down-threshold"`
	// MultiAggKeysCorrelatedCoefficient damps the NDV contribution of every
	// group-by key after the leading one.
	MultiAggKeysCorrelatedCoefficient float64 `toml:"multi-agg-keys-correlated-coefficient" json:"multi-agg-keys-correlated-coefficient"`
	// OnlyPushAggWithFunctions refuses candidates whose pushed aggregate
	// carries no aggregate functions (keys only).
	OnlyPushAggWithFunctions bool `toml:"only-push-agg-with-functions" json:"only-push-agg-with-functions"`
	// AggPushDownEveryJoin stops the bottom-join search at the first join
	// instead of descending to the deepest valid one.
	AggPushDownEveryJoin bool `toml:"agg-push-down-every-join" json:"agg-push-down-every-join"`
	// EagerAggJoinIDBlocklist is a comma-separated list of join ids that must
	// never receive a pushed aggregate.
	EagerAggJoinIDBlocklist string `toml:"eager-agg-join-id-blocklist" json:"eager-agg-join-id-blocklist"`
	// EagerAggJoinIDWhitelist is a comma-separated list of <joinID>-<child>
	// entries; when non-empty only the listed targets are allowed.
	EagerAggJoinIDWhitelist string `toml:"eager-agg-join-id-whitelist" json:"eager-agg-join-id-whitelist"`
}

// PartsExchangeConfig controls the replicated part-exchange endpoint.
type PartsExchangeConfig struct {
	ReplicatedMaxParallelSends          int    `toml:"replicated-max-parallel-sends" json:"replicated-max-parallel-sends"`
	ReplicatedMaxParallelSendsForTable  int    `toml:"replicated-max-parallel-sends-for-table" json:"replicated-max-parallel-sends-for-table"`
	ReplicatedMaxParallelFetchesForHost int    `toml:"replicated-max-parallel-fetches-for-host" json:"replicated-max-parallel-fetches-for-host"`
	AllowRemoteFSZeroCopyReplication    bool   `toml:"allow-remote-fs-zero-copy-replication" json:"allow-remote-fs-zero-copy-replication"`
	MinCompressedBytesToFsyncAfterFetch uint64 `toml:"min-compressed-bytes-to-fsync-after-fetch" json:"min-compressed-bytes-to-fsync-after-fetch"`
	FsyncPartDirectory                  bool   `toml:"fsync-part-directory" json:"fsync-part-directory"`
	// MaxBytesPerSecond caps the combined byte rate of all sends of one
	// service, and separately of all fetches of one fetcher; it is not a
	// per-send cap. Zero means unthrottled.
	MaxBytesPerSecond uint64 `toml:"max-bytes-per-second" json:"max-bytes-per-second"`
}

// NewConfig returns the default configuration.
func NewConfig() *Config {
	return &Config{
		Host:    "0.0.0.0",
		Port:    9010,
		NodeID:  "replica-1",
		DataDir: "data",
		Log:     logutil.LogConfig{Level: logutil.DefaultLogLevel},
		EagerAggregation: EagerAggregationConfig{
			AggPushDownThreshold:              1.0,
			MultiAggKeysCorrelatedCoefficient: 1.0,
		},
		PartsExchange: PartsExchangeConfig{
			ReplicatedMaxParallelSends:         64,
			ReplicatedMaxParallelSendsForTable: 8,
		},
	}
}

// Load overlays the file at path onto the defaults.
func (c *Config) Load(path string) error {
	meta, err := toml.DecodeFile(path, c)
	if err != nil {
		return errors.Trace(err)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		return errors.Errorf("config file %s contains invalid item %v", path, undecoded[0])
	}
	return nil
}

var globalConf = atomic.NewPointer(NewConfig())

// GetGlobalConfig returns the process-global configuration.
func GetGlobalConfig() *Config {
	return globalConf.Load()
}

// StoreGlobalConfig replaces the process-global configuration.
func StoreGlobalConfig(cfg *Config) {
	globalConf.Store(cfg)
}
