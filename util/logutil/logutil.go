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

package logutil

import (
	"github.com/pingcap/errors"
	"github.com/pingcap/log"
	"go.uber.org/zap"
)

// DefaultLogLevel is the level used when the config leaves it empty.
const DefaultLogLevel = "info"

// LogConfig carries the subset of log settings the server exposes.
type LogConfig struct {
	Level  string `toml:"level" json:"level"`
	Format string `toml:"format" json:"format"`
	File   string `toml:"file" json:"file"`
}

// InitLogger initializes the process-global logger. Must be called before
// any BgLogger use in a server process; tests run fine on the default.
func InitLogger(cfg *LogConfig) error {
	level := cfg.Level
	if level == "" {
		level = DefaultLogLevel
	}
	conf := &log.Config{
		Level:  level,
		Format: cfg.Format,
		File:   log.FileLogConfig{Filename: cfg.File},
	}
	logger, props, err := log.InitLogger(conf)
	if err != nil {
		return errors.Trace(err)
	}
	log.ReplaceGlobals(logger, props)
	return nil
}

// BgLogger returns the default global logger.
func BgLogger() *zap.Logger {
	return log.L()
}

// Logger returns a named child of the global logger.
func Logger(name string) *zap.Logger {
	return log.L().With(zap.String("component", name))
}
