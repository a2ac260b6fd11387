//go:build !unix

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

package shm

import (
	"errors"
	"os"
)

var errMmapNotSupported = errors.New("shared memory mapping not supported on this platform")

func init() {
	mapMemory = func(*os.File, int) ([]byte, error) { return nil, errMmapNotSupported }
	unmapMemory = func([]byte) error { return errMmapNotSupported }
}
