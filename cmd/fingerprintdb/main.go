// Copyright 2014 Prometheus Team
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
// http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package main

import (
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/golang/glog"
	"github.com/prometheus/client_golang/prometheus"

	local "github.com/mrtcode/fingerprint-db/storage/local"
)

var (
	storageRoot         = flag.String("storage.root", "", "The path to the directory holding the persisted hash table.")
	checkpointDebounce  = flag.Duration("checkpoint.debounce", 2*time.Second, "How long the index must go without a write before it is checkpointed.")
	checkpointInterval  = flag.Duration("checkpoint.interval", 10*time.Millisecond, "How often the checkpointer polls the index for quiescence.")
	indexDirtySweepRows = flag.Int("index.dirty-sweep-rows", 0, "Dirty rows collected per CollectDirty call (0 uses the built-in default).")
)

func main() {
	flag.Parse()

	if *storageRoot == "" {
		glog.Fatal("Must provide -storage.root.")
	}

	if err := os.MkdirAll(*storageRoot, 0700); err != nil {
		glog.Fatalf("Could not create storage root %q: %v", *storageRoot, err)
	}

	storage, err := local.NewStorage(local.Options{
		StorageRoot:        *storageRoot,
		CheckpointDebounce: *checkpointDebounce,
		CheckpointInterval: *checkpointInterval,
		DirtySweepRows:     *indexDirtySweepRows,
	})
	if err != nil {
		glog.Fatalf("Could not open storage: %v", err)
	}
	prometheus.MustRegister(storage)
	storage.Start()

	glog.Infof("fingerprintdb ready, storage root %q.", *storageRoot)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	glog.Info("Shutting down, flushing hash table...")
	if err := storage.Stop(); err != nil {
		glog.Errorf("Error during shutdown: %v", err)
	}
	glog.Info("Done.")
}
