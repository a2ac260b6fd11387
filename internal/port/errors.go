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

package port

import "errors"

// ErrNotOffered is returned by Send on a port that is not offering.
var ErrNotOffered = errors.New("publisher port is not offering")

// ErrTooManyConsumers is returned when a publisher's connection list is full.
var ErrTooManyConsumers = errors.New("publisher connection list full")

// ErrTooManyLoans is returned when a publisher already holds the maximum
// number of loaned, unsent chunks.
var ErrTooManyLoans = errors.New("too many chunks loaned in parallel")

// ErrEmpty is returned by Take when the delivery queue is empty.
var ErrEmpty = errors.New("delivery queue empty")

// ErrTooManySamples is returned by Take when the subscriber already holds
// the maximum number of unreleased samples.
var ErrTooManySamples = errors.New("too many samples held")
