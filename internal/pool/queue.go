/*
 * Copyright 2026 The FileRipper Team
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

package pool

import (
	"container/heap"
	"context"
	"path"
	"path/filepath"
	"sort"
	"sync"
	"time"
)

// pqItems is a min-heap of *Task ordered by Priority, ties broken by
// insertion sequence so Pop is stable.
type pqItems []*Task

func (pq pqItems) Len() int { return len(pq) }
func (pq pqItems) Less(i, j int) bool {
	if pq[i].Priority != pq[j].Priority {
		return pq[i].Priority < pq[j].Priority
	}
	return pq[i].seq < pq[j].seq
}
func (pq pqItems) Swap(i, j int) {
	pq[i], pq[j] = pq[j], pq[i]
	pq[i].index, pq[j].index = i, j
}
func (pq *pqItems) Push(x any) {
	t := x.(*Task)
	t.index = len(*pq)
	*pq = append(*pq, t)
}
func (pq *pqItems) Pop() any {
	old := *pq
	n := len(old)
	t := old[n-1]
	old[n-1] = nil
	*pq = old[:n-1]
	return t
}

// Queue is a thread-safe priority queue of Tasks. Dequeue blocks for
// up to ~2 seconds at a time (spec section 5, "Suspension points") so
// a worker checking for shutdown between tasks stays responsive.
type Queue struct {
	mu     sync.Mutex
	items  pqItems
	notify chan struct{}
	closed bool
	nextSeq int64
}

func NewQueue() *Queue {
	q := &Queue{notify: make(chan struct{}, 1)}
	heap.Init(&q.items)
	return q
}

// Push adds a task. Requeue uses Push too, after demoting priority.
func (q *Queue) Push(t *Task) {
	q.mu.Lock()
	t.seq = q.nextSeq
	q.nextSeq++
	heap.Push(&q.items, t)
	q.mu.Unlock()
	select {
	case q.notify <- struct{}{}:
	default:
	}
}

// Pop blocks until a task is available, the queue is closed, or ctx
// is done, whichever comes first. It re-checks every ~2 seconds so a
// caller relying on ctx cancellation between iterations is never
// blocked indefinitely.
func (q *Queue) Pop(ctx context.Context) *Task {
	for {
		q.mu.Lock()
		if len(q.items) > 0 {
			t := heap.Pop(&q.items).(*Task)
			q.mu.Unlock()
			return t
		}
		closed := q.closed
		q.mu.Unlock()
		if closed {
			return nil
		}

		select {
		case <-ctx.Done():
			return nil
		case <-q.notify:
			continue
		case <-time.After(2 * time.Second):
			continue
		}
	}
}

func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Close marks the queue drained: once empty, Pop returns nil instead
// of blocking further.
func (q *Queue) Close() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
	select {
	case q.notify <- struct{}{}:
	default:
	}
}

// BuildQueue orders candidates per spec section 4.5: small files
// (below threshold) first, grouped by directory so one directory's
// files land together for early visible progress; large files last,
// largest first so the longest transfers start as early as possible
// within that group.
func BuildQueue(candidates []Candidate, remoteRoot, localRoot string, threshold uint64) *Queue {
	if threshold == 0 {
		threshold = 1 << 20
	}

	var small, large []Candidate
	for _, c := range candidates {
		if c.Size < threshold {
			small = append(small, c)
		} else {
			large = append(large, c)
		}
	}

	sort.Slice(small, func(i, j int) bool {
		di, dj := path.Dir(small[i].RelPath), path.Dir(small[j].RelPath)
		if di != dj {
			return di < dj
		}
		return small[i].RelPath < small[j].RelPath
	})
	sort.Slice(large, func(i, j int) bool {
		if large[i].Size != large[j].Size {
			return large[i].Size > large[j].Size
		}
		return large[i].RelPath < large[j].RelPath
	})

	q := NewQueue()
	priority := 0
	push := func(c Candidate) {
		q.Push(&Task{
			RelPath:    c.RelPath,
			RemotePath: path.Join(remoteRoot, c.RelPath),
			LocalPath:  filepath.Join(localRoot, filepath.FromSlash(c.RelPath)),
			Size:       c.Size,
			Priority:   priority,
		})
		priority++
	}
	for _, c := range small {
		push(c)
	}
	for _, c := range large {
		push(c)
	}
	return q
}
