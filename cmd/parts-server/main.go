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

package main

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/spf13/pflag"
	"go.uber.org/zap"

	"github.com/Mu-L/ByConity/config"
	"github.com/Mu-L/ByConity/storage/exchange"
	"github.com/Mu-L/ByConity/storage/parts"
	"github.com/Mu-L/ByConity/util/logutil"
)

var (
	configPath = pflag.StringP("config", "c", "", "config file path")
	host       = pflag.String("host", "", "listen host, overrides the config file")
	port       = pflag.Int("port", 0, "listen port, overrides the config file")
	dataDir    = pflag.String("data-dir", "", "part data directory, overrides the config file")
	nodeID     = pflag.String("node-id", "", "replica node id, overrides the config file")
	tableName  = pflag.String("table", "default", "table this replica serves")
)

func main() {
	pflag.Parse()

	cfg := config.NewConfig()
	if *configPath != "" {
		if err := cfg.Load(*configPath); err != nil {
			fmt.Fprintln(os.Stderr, "invalid config file:", err)
			os.Exit(1)
		}
	}
	if *host != "" {
		cfg.Host = *host
	}
	if *port != 0 {
		cfg.Port = *port
	}
	if *dataDir != "" {
		cfg.DataDir = *dataDir
	}
	if *nodeID != "" {
		cfg.NodeID = *nodeID
	}
	config.StoreGlobalConfig(cfg)

	if err := logutil.InitLogger(&cfg.Log); err != nil {
		fmt.Fprintln(os.Stderr, "invalid log config:", err)
		os.Exit(1)
	}
	log := logutil.BgLogger()

	disk, err := parts.NewLocalDisk("default", filepath.Join(cfg.DataDir, *tableName), 1<<40)
	if err != nil {
		log.Fatal("cannot open data directory", zap.Error(err))
	}
	catalog := parts.NewCatalog(*tableName, disk)
	if err := loadExistingParts(catalog, disk); err != nil {
		log.Fatal("cannot load existing parts", zap.Error(err))
	}

	service := exchange.NewService(catalog, &cfg.PartsExchange)
	handler := exchange.NewHandler()
	handler.Register(exchange.EndpointID(cfg.NodeID), service)

	router := mux.NewRouter()
	handler.RegisterRoutes(router)

	addr := net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.Port))
	server := &http.Server{Addr: addr, Handler: router}

	go func() {
		log.Info("parts exchange server listening",
			zap.String("addr", addr),
			zap.String("endpoint", exchange.EndpointID(cfg.NodeID)))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("server stopped", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("shutting down")
	service.Blocker().Cancel()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		log.Warn("shutdown did not finish cleanly", zap.Error(err))
	}
}

// loadExistingParts registers every committed part directory found under
// the disk root.
func loadExistingParts(catalog *parts.Catalog, disk parts.Disk) error {
	entries, err := disk.ListDir(".")
	if err != nil {
		return err
	}
	log := logutil.BgLogger()
	for _, entry := range entries {
		if _, err := parts.ParsePartName(entry); err != nil {
			continue
		}
		part, err := catalog.CreatePart(entry, disk, entry)
		if err != nil {
			log.Warn("skipping unreadable part directory", zap.String("dir", entry), zap.Error(err))
			continue
		}
		catalog.AddPart(part, parts.Committed)
	}
	return nil
}
