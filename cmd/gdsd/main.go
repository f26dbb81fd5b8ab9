/*
 * Copyright 2025 The gds-shmem Authors
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

// gdsd is the host-side data server: it collects job metadata from a
// description file, publishes it through shared-memory segments, and
// answers client registrations on a unix control socket. Liveness,
// readiness, and prometheus metrics are served over HTTP.
package main

import (
	"bufio"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/heptiolabs/healthcheck"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/opengds/gds-shmem/internal/logging"
	"github.com/opengds/gds-shmem/pkg/control"
	"github.com/opengds/gds-shmem/pkg/gds"
	"github.com/opengds/gds-shmem/pkg/keyval"
	"github.com/opengds/gds-shmem/pkg/shmem"
)

var internalLogger = logging.New("gdsd")

// fileSource serves job data parsed from a key=value description file.
// Every value is stored as a string record.
type fileSource struct {
	path string
}

func (s *fileSource) FetchJobData(nspace string) ([]keyval.Pair, error) {
	f, err := os.Open(s.path)
	if err != nil {
		return nil, fmt.Errorf("job description: %w", err)
	}
	defer f.Close()

	var pairs []keyval.Pair
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		key, val, ok := strings.Cut(line, "=")
		if !ok {
			return nil, fmt.Errorf("job description: malformed line %q", line)
		}
		pairs = append(pairs, keyval.String(strings.TrimSpace(key), strings.TrimSpace(val)))
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	return pairs, nil
}

func main() {
	var (
		socket   = flag.String("socket", "/tmp/gdsd.sock", "control socket path")
		httpAddr = flag.String("http", ":9470", "metrics and health listen address")
		nspace   = flag.String("nspace", "", "namespace to serve")
		nLocal   = flag.Uint("nlocalprocs", 1, "expected local clients of the namespace")
		nProcs   = flag.Uint("nprocs", 1, "total processes in the namespace")
		jobdata  = flag.String("jobdata", "", "key=value job description file")
		workers  = flag.Int("workers", 8, "control connection workers")
	)
	flag.Parse()
	if *nspace == "" || *jobdata == "" {
		flag.Usage()
		os.Exit(2)
	}

	mod := gds.New(gds.Config{Source: &fileSource{path: *jobdata}})
	if err := mod.Init(); err != nil {
		internalLogger.Errorf("init: %v", err)
		os.Exit(1)
	}
	if err := mod.AddNamespace(*nspace, uint32(*nLocal), uint32(*nProcs)); err != nil {
		internalLogger.Errorf("add namespace: %v", err)
		os.Exit(1)
	}

	srv, err := control.NewServer(*socket, mod, *workers)
	if err != nil {
		internalLogger.Errorf("control server: %v", err)
		os.Exit(1)
	}

	health := healthcheck.NewHandler()
	health.AddLivenessCheck("goroutines", healthcheck.GoroutineCountCheck(10000))
	health.AddReadinessCheck("control-socket", func() error {
		if !shmem.PathExists(*socket) {
			return fmt.Errorf("socket %s not present", *socket)
		}
		return nil
	})

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/live", health.LiveEndpoint)
	mux.HandleFunc("/ready", health.ReadyEndpoint)
	go func() {
		if herr := http.ListenAndServe(*httpAddr, mux); herr != nil {
			internalLogger.Errorf("http: %v", herr)
		}
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sig
		internalLogger.Infof("shutting down")
		if cerr := srv.Close(); cerr != nil {
			internalLogger.Warnf("closing control server: %v", cerr)
		}
	}()

	internalLogger.Infof("serving %s on %s", *nspace, *socket)
	if err := srv.Serve(); err != nil {
		internalLogger.Errorf("serve: %v", err)
	}
	if err := mod.DelNamespace(*nspace); err != nil {
		internalLogger.Warnf("deleting namespace: %v", err)
	}
	if err := mod.Finalize(); err != nil {
		internalLogger.Warnf("finalize: %v", err)
	}
}
