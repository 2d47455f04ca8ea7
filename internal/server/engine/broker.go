// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package engine

import (
	"sync"

	"github.com/tombee/flux/pkg/execution"
)

const subscriberBuffer = 1024

// broker fans out freshly persisted events to API subscribers (SSE streams
// and synchronous waiters). Delivery is best effort; slow subscribers lose
// events and fall back to polling the store.
type broker struct {
	mu   sync.Mutex
	subs map[string]map[int]chan execution.Event
	next int
}

func newBroker() *broker {
	return &broker{subs: make(map[string]map[int]chan execution.Event)}
}

// subscribe returns a channel of new events for one execution and a cancel
// function that must be called when done.
func (b *broker) subscribe(executionID string) (<-chan execution.Event, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch := make(chan execution.Event, subscriberBuffer)
	if b.subs[executionID] == nil {
		b.subs[executionID] = make(map[int]chan execution.Event)
	}
	id := b.next
	b.next++
	b.subs[executionID][id] = ch

	return ch, func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if set, ok := b.subs[executionID]; ok {
			delete(set, id)
			if len(set) == 0 {
				delete(b.subs, executionID)
			}
		}
	}
}

// publish delivers events to every subscriber of their execution.
func (b *broker) publish(events []execution.Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, ev := range events {
		for _, ch := range b.subs[ev.ExecutionID] {
			select {
			case ch <- ev:
			default:
			}
		}
	}
}
