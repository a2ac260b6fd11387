/*
 *
 * Copyright 2025 The shmbus Authors
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
 *
 */

// shmbus-introspect prints the header and pool usage of a mapped data
// segment. Debug aid for a live broker.
package main

import (
	"flag"
	"fmt"
	"log"

	"github.com/dustin/go-humanize"

	"shmbus/internal/mempool"
	"shmbus/internal/relptr"
	"shmbus/internal/shm"
)

func main() {
	name := flag.String("segment", "data_default", "data segment name")
	flag.Parse()

	seg, err := shm.Open(*name)
	if err != nil {
		log.Fatalf("open segment: %v", err)
	}
	defer seg.Close()

	// Map under a scratch id; the real id is only needed for cross-process
	// references, not for reading pool counters.
	reg := relptr.NewRegistry()
	id := relptr.SegmentID(relptr.MaxSegments - 1)
	if err := reg.Register(id, seg.Base(), seg.Size()); err != nil {
		log.Fatalf("register segment: %v", err)
	}

	alloc, err := mempool.OpenDataSegmentAnyID(reg, id, seg.Mem)
	if err != nil {
		log.Fatalf("attach segment: %v", err)
	}

	fmt.Printf("segment %s: %s mapped\n", *name, humanize.IBytes(seg.Size()))
	usage := alloc.Usage()
	for i, u := range usage {
		kind := "payload"
		if i == len(usage)-1 {
			kind = "management"
		}
		fmt.Printf("  pool %-10s blocks=%-6d used=%-6d block=%s\n",
			kind, u.BlockCount, u.Used, humanize.IBytes(u.BlockSize))
	}
}
