// Package nulldriver simulates a Driver entirely in host memory, for
// tests and for running hetero without a physical accelerator present.
package nulldriver

import (
	"fmt"
	"sync"
)

// ShardSize is the size of each memory shard. Sharded locking gives
// parallel access to disjoint byte ranges, which matters here because
// multiple device-pool consumers and pipeline stages may read/write
// distinct buffers concurrently against the same simulated device.
const ShardSize = 64 * 1024

// shardedBytes is a RAM-backed byte array guarded by per-shard
// RWMutexes rather than one global lock.
type shardedBytes struct {
	data   []byte
	shards []sync.RWMutex
}

func newShardedBytes(size int) *shardedBytes {
	if size < 0 {
		size = 0
	}
	numShards := (size + ShardSize - 1) / ShardSize
	if numShards == 0 {
		numShards = 1
	}
	return &shardedBytes{
		data:   make([]byte, size),
		shards: make([]sync.RWMutex, numShards),
	}
}

func (m *shardedBytes) shardRange(off, length int) (start, end int) {
	if length <= 0 {
		return 0, -1
	}
	start = off / ShardSize
	end = (off + length - 1) / ShardSize
	if end >= len(m.shards) {
		end = len(m.shards) - 1
	}
	return start, end
}

func (m *shardedBytes) readAt(dst []byte, off int) (int, error) {
	if off >= len(m.data) {
		return 0, nil
	}
	available := len(m.data) - off
	if len(dst) > available {
		dst = dst[:available]
	}
	start, end := m.shardRange(off, len(dst))
	for i := start; i <= end; i++ {
		m.shards[i].RLock()
	}
	n := copy(dst, m.data[off:off+len(dst)])
	for i := start; i <= end; i++ {
		m.shards[i].RUnlock()
	}
	return n, nil
}

func (m *shardedBytes) writeAt(src []byte, off int) (int, error) {
	if off >= len(m.data) {
		return 0, fmt.Errorf("write beyond end of buffer")
	}
	available := len(m.data) - off
	if len(src) > available {
		src = src[:available]
	}
	start, end := m.shardRange(off, len(src))
	for i := start; i <= end; i++ {
		m.shards[i].Lock()
	}
	n := copy(m.data[off:off+len(src)], src)
	for i := start; i <= end; i++ {
		m.shards[i].Unlock()
	}
	return n, nil
}

// copyFrom copies the full contents of src into m starting at offset 0,
// locking both in a fixed order (by pointer identity) to avoid deadlock
// against a concurrent reverse copy.
func (m *shardedBytes) copyFrom(src *shardedBytes) error {
	if len(src.data) != len(m.data) {
		return fmt.Errorf("copyFrom: size mismatch: %d != %d", len(src.data), len(m.data))
	}
	first, second := m, src
	if fmt.Sprintf("%p", src) < fmt.Sprintf("%p", m) {
		first, second = src, m
	}
	for i := range first.shards {
		first.shards[i].Lock()
	}
	if first != second {
		for i := range second.shards {
			second.shards[i].Lock()
		}
	}
	defer func() {
		for i := range first.shards {
			first.shards[i].Unlock()
		}
		if first != second {
			for i := range second.shards {
				second.shards[i].Unlock()
			}
		}
	}()
	copy(m.data, src.data)
	return nil
}

func (m *shardedBytes) len() int { return len(m.data) }
