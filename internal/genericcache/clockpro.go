// Copyright 2025 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

package genericcache

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/cockroachdb/swiss"
)

// nodeStatus is the CLOCK-Pro state of a node. Hot and cold nodes hold a
// value; test nodes are the ghosts of recently evicted cold nodes.
type nodeStatus int8

const (
	test nodeStatus = iota
	cold
	hot
	numStatuses
)

func (p nodeStatus) String() string {
	switch p {
	case test:
		return "test"
	case cold:
		return "cold"
	case hot:
		return "hot"
	}
	return "unknown"
}

// node is an entry on the clock ring.
type node[K Key, V any] struct {
	key   K
	value *value[V]

	next, prev *node[K, V]
	status     nodeStatus
	// referenced is set on access and cleared by the clock hands.
	referenced atomic.Bool
}

// following returns the next node on the ring, or nil for a nil node.
func (n *node[K, V]) following() *node[K, V] {
	if n == nil {
		return nil
	}
	return n.next
}

// insertBefore links s into the ring immediately before n.
func (n *node[K, V]) insertBefore(s *node[K, V]) {
	s.prev = n.prev
	s.prev.next = s
	s.next = n
	n.prev = s
}

// detach removes n from the ring and returns its successor, which is n
// itself if n was alone.
func (n *node[K, V]) detach() *node[K, V] {
	next := n.next
	n.prev.next = n.next
	n.next.prev = n.prev
	n.prev, n.next = n, n
	return next
}

type shard[K Key, V any] struct {
	hits      atomic.Int64
	misses    atomic.Int64
	evictions atomic.Int64

	capacity       int
	initValueFn    InitValueFn[K, V]
	releaseValueFn ReleaseValueFn[V]

	mu struct {
		sync.RWMutex
		nodes swiss.Map[K, *node[K, V]]
		// hands and sizes are indexed by nodeStatus.
		hands      [numStatuses]*node[K, V]
		sizes      [numStatuses]int
		coldTarget int
	}

	// Values whose last reference was dropped are released asynchronously so
	// that Unref never blocks on a slow release.
	releasingCh     chan *value[V]
	releaseLoopExit sync.WaitGroup
}

func (s *shard[K, V]) init(
	capacity int, initValueFn InitValueFn[K, V], releaseValueFn ReleaseValueFn[V],
) {
	s.capacity = capacity
	s.initValueFn = initValueFn
	s.releaseValueFn = releaseValueFn
	s.mu.nodes.Init(capacity)
	s.mu.coldTarget = capacity
	s.releasingCh = make(chan *value[V], 100)
	s.releaseLoopExit.Add(1)
	go s.releaseLoop()
}

func (s *shard[K, V]) releaseLoop() {
	defer s.releaseLoopExit.Done()
	for v := range s.releasingCh {
		s.release(v)
	}
}

func (s *shard[K, V]) release(v *value[V]) {
	<-v.initialized
	if v.err == nil {
		s.releaseValueFn(&v.v)
	}
}

func (s *shard[K, V]) unref(v *value[V]) {
	if v.refs.Add(-1) == 0 {
		s.releasingCh <- v
	}
}

// pin takes a reference on the value of a hot or cold node. s.mu must be
// held.
func (s *shard[K, V]) pin(n *node[K, V]) *value[V] {
	v := n.value
	v.refs.Add(1)
	return v
}

func (s *shard[K, V]) findOrCreate(ctx context.Context, key K) *value[V] {
	s.mu.RLock()
	if n, _ := s.mu.nodes.Get(key); n != nil && n.value != nil {
		v := s.pin(n)
		s.mu.RUnlock()
		if !n.referenced.Load() {
			n.referenced.Store(true)
		}
		s.hits.Add(1)
		<-v.initialized
		return v
	}
	s.mu.RUnlock()

	s.mu.Lock()
	n, _ := s.mu.nodes.Get(key)
	switch {
	case n == nil:
		n = &node[K, V]{}
		s.insertLocked(n, key, cold)

	case n.value != nil:
		// Raced with another creator.
		v := s.pin(n)
		n.referenced.Store(true)
		s.mu.Unlock()
		s.hits.Add(1)
		<-v.initialized
		return v

	default:
		// A test node was hit: the key was evicted too early, so the cold
		// target grows and the key comes back hot.
		s.removeLocked(n)
		s.mu.coldTarget = min(s.mu.coldTarget+1, s.capacity)
		n.referenced.Store(false)
		s.insertLocked(n, key, hot)
	}

	v := &value[V]{initialized: make(chan struct{})}
	// One reference for the shard and one for the caller.
	v.refs.Store(2)
	n.value = v
	s.misses.Add(1)
	s.mu.Unlock()

	v.err = s.initValueFn(ctx, key, ValueRef[K, V]{shard: s, value: v})
	if v.err != nil {
		s.mu.Lock()
		// The node may have been evicted in the meantime.
		if n, _ := s.mu.nodes.Get(key); n != nil && n.value == v {
			s.removeLocked(n)
			s.clearLocked(n)
		}
		s.mu.Unlock()
	}
	close(v.initialized)
	return v
}

// insertLocked adds n to the ring just behind the hot hand, evicting first
// if the shard is full.
func (s *shard[K, V]) insertLocked(n *node[K, V], key K, status nodeStatus) {
	n.key = key
	n.status = status
	s.evictLocked()
	s.mu.nodes.Put(key, n)

	n.next, n.prev = n, n
	if h := s.mu.hands[hot]; h == nil {
		for i := range s.mu.hands {
			s.mu.hands[i] = n
		}
	} else {
		h.insertBefore(n)
	}
	if s.mu.hands[cold] == s.mu.hands[hot] {
		s.mu.hands[cold] = s.mu.hands[cold].prev
	}
	s.mu.sizes[status]++
}

// removeLocked takes n off the ring and out of the map. Its value, if any,
// is left in place.
func (s *shard[K, V]) removeLocked(n *node[K, V]) {
	s.mu.nodes.Delete(n.key)
	s.mu.sizes[n.status]--
	for i := range s.mu.hands {
		if s.mu.hands[i] == n {
			s.mu.hands[i] = n.prev
		}
	}
	if n.detach() == n {
		// The ring is empty.
		s.mu.hands = [numStatuses]*node[K, V]{}
	}
	n.next, n.prev = nil, nil
}

// clearLocked drops the shard's reference on the value of n.
func (s *shard[K, V]) clearLocked(n *node[K, V]) {
	if v := n.value; v != nil {
		n.value = nil
		s.unref(v)
	}
}

func (s *shard[K, V]) evictLocked() {
	for s.capacity <= s.mu.sizes[hot]+s.mu.sizes[cold] && s.mu.hands[cold] != nil {
		s.runHandCold()
	}
}

func (s *shard[K, V]) runHandCold() {
	n := s.mu.hands[cold]
	if n.status == cold {
		if n.referenced.Load() {
			n.referenced.Store(false)
			n.status = hot
			s.mu.sizes[cold]--
			s.mu.sizes[hot]++
		} else {
			s.clearLocked(n)
			s.evictions.Add(1)
			n.status = test
			s.mu.sizes[cold]--
			s.mu.sizes[test]++
			for s.capacity < s.mu.sizes[test] && s.mu.hands[test] != nil {
				s.runHandTest()
			}
		}
	}
	s.mu.hands[cold] = s.mu.hands[cold].following()

	for s.capacity-s.mu.coldTarget <= s.mu.sizes[hot] && s.mu.hands[hot] != nil {
		s.runHandHot()
	}
}

func (s *shard[K, V]) runHandHot() {
	if s.mu.hands[hot] == s.mu.hands[test] && s.mu.hands[test] != nil {
		s.runHandTest()
		if s.mu.hands[hot] == nil {
			return
		}
	}
	n := s.mu.hands[hot]
	if n.status == hot {
		if n.referenced.Load() {
			n.referenced.Store(false)
		} else {
			n.status = cold
			s.mu.sizes[hot]--
			s.mu.sizes[cold]++
		}
	}
	s.mu.hands[hot] = s.mu.hands[hot].following()
}

func (s *shard[K, V]) runHandTest() {
	if s.mu.sizes[cold] > 0 && s.mu.hands[test] == s.mu.hands[cold] && s.mu.hands[cold] != nil {
		s.runHandCold()
		if s.mu.hands[test] == nil {
			return
		}
	}
	n := s.mu.hands[test]
	if n.status == test {
		s.mu.coldTarget = max(s.mu.coldTarget-1, 0)
		s.removeLocked(n)
		s.clearLocked(n)
	}
	s.mu.hands[test] = s.mu.hands[test].following()
}

// evict releases the value for key synchronously.
func (s *shard[K, V]) evict(key K) {
	s.mu.Lock()
	var v *value[V]
	if n, _ := s.mu.nodes.Get(key); n != nil {
		s.removeLocked(n)
		v = n.value
	}
	s.mu.Unlock()

	if v != nil {
		if v.refs.Add(-1) != 0 {
			panic("genericcache: evicting a value with outstanding references")
		}
		s.release(v)
	}
}

// checkUnreferenced panics if a cached value has a reference besides the
// cache's own.
func (s *shard[K, V]) checkUnreferenced() {
	s.mu.RLock()
	defer s.mu.RUnlock()
	start := s.mu.hands[hot]
	if start == nil {
		return
	}
	for n := start; ; {
		if n.value != nil && n.value.refs.Load() != 1 {
			panic("genericcache: closing with outstanding references")
		}
		if n = n.next; n == start {
			return
		}
	}
}

func (s *shard[K, V]) close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for s.mu.hands[hot] != nil {
		n := s.mu.hands[hot]
		if v := n.value; v != nil {
			if v.refs.Add(-1) != 0 {
				panic("genericcache: closing with outstanding references")
			}
			s.releasingCh <- v
		}
		s.removeLocked(n)
	}
	s.mu.nodes.Close()
	close(s.releasingCh)
	s.releaseLoopExit.Wait()
}
