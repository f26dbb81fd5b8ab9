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

// gdsinfo is a client-side probe: it registers with a running gdsd,
// attaches the published shared-memory segments, and resolves keys with
// direct memory reads.
package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/opengds/gds-shmem/pkg/codec"
	"github.com/opengds/gds-shmem/pkg/control"
	"github.com/opengds/gds-shmem/pkg/gds"
	"github.com/opengds/gds-shmem/pkg/keyval"
)

func main() {
	var (
		socket = flag.String("socket", "/tmp/gdsd.sock", "control socket path")
		nspace = flag.String("nspace", "", "namespace to query")
		rank   = flag.Uint("rank", uint(keyval.WildcardRank), "rank to query, default job level")
		key    = flag.String("key", "", "key to fetch, empty for all")
	)
	flag.Parse()
	if *nspace == "" {
		flag.Usage()
		os.Exit(2)
	}

	if err := run(*socket, *nspace, uint32(*rank), *key); err != nil {
		fmt.Fprintln(os.Stderr, "gdsinfo:", err)
		os.Exit(1)
	}
}

func run(socket, nspace string, rank uint32, key string) error {
	cli, err := control.Dial(socket)
	if err != nil {
		return err
	}
	defer cli.Close()

	payload, err := cli.Register(nspace, rank)
	if err != nil {
		return err
	}

	mod := gds.New(gds.Config{})
	if err := mod.Init(); err != nil {
		return err
	}
	defer func() { _ = mod.Finalize() }()
	if err := mod.StoreJobInfo(nspace, codec.Load(payload)); err != nil {
		return err
	}

	pairs, err := mod.Fetch(gds.Peer{Nspace: nspace, Rank: rank}, key)
	if err != nil {
		return err
	}
	for _, p := range pairs {
		fmt.Printf("%s = %s\n", p.Key, formatValue(p.Value))
	}
	return nil
}

func formatValue(v keyval.Value) string {
	switch v.Type {
	case keyval.TypeString:
		return v.Str
	case keyval.TypeBytes:
		return fmt.Sprintf("%d bytes", len(v.Bytes))
	case keyval.TypeUint32:
		return fmt.Sprintf("%d", v.U32)
	case keyval.TypeUint64:
		return fmt.Sprintf("%d", v.U64)
	case keyval.TypeBool:
		return fmt.Sprintf("%t", v.Flag)
	case keyval.TypeInfoArray:
		return fmt.Sprintf("info array, %d records", len(v.Pairs))
	default:
		return fmt.Sprintf("type %d", v.Type)
	}
}
