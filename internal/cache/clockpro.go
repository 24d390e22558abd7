// Copyright 2018. All rights reserved. Use of this source code is governed by
// an MIT-style license that can be found in the LICENSE file.

// Package cache implements the tiered blob value cache: a sharded primary
// tier running the CLOCK-Pro replacement algorithm, and an optional secondary
// tier that receives values evicted from the primary.
//
// CLOCK-Pro is a patent-free alternative to the Adaptive Replacement Cache,
// https://en.wikipedia.org/wiki/Adaptive_replacement_cache.
// It is an approximation of LIRS ( https://en.wikipedia.org/wiki/LIRS_caching_algorithm ),
// much like the CLOCK page replacement algorithm is an approximation of LRU.
//
// This implementation is based on the python code from https://bitbucket.org/SamiLehtinen/pyclockpro .
//
// Slides describing the algorithm: http://fr.slideshare.net/huliang64/clockpro
//
// The original paper: http://static.usenix.org/event/usenix05/tech/general/full_papers/jiang/jiang_html/html.html
//
// It is MIT licensed, like the original.
package cache

import (
	"sync"
	"sync/atomic"

	"github.com/cockroachdb/swiss"
)

var entryMapOptions = []swiss.Option[Key, *entry]{
	swiss.WithHash[Key, *entry](func(k *Key, seed uintptr) uintptr {
		return uintptr(k.hash(seed))
	}),
	swiss.WithMaxBucketCapacity[Key, *entry](1 << 16),
}

// evictedValue is a value dropped from a shard by the clock hands. The
// shard's reference on the value travels with it.
type evictedValue struct {
	key   Key
	value *value
}

type shard struct {
	hits   atomic.Int64
	misses atomic.Int64

	mu sync.RWMutex

	maxSize    int64
	coldTarget int64
	entries    swiss.Map[Key, *entry]

	handHot  *entry
	handCold *entry
	handTest *entry

	sizeHot  int64
	sizeCold int64
	sizeTest int64

	// evicted accumulates the values dropped while mu is held. They are
	// handed to the caller, which demotes and releases them after mu is
	// released.
	evicted []evictedValue
}

func (c *shard) init(maxSize int64) {
	*c = shard{
		maxSize:    maxSize,
		coldTarget: maxSize,
	}
	c.entries.Init(16, entryMapOptions...)
}

func (c *shard) lookup(k Key) Handle {
	c.mu.RLock()
	var v *value
	if e, _ := c.entries.Get(k); e != nil {
		if v = e.acquireValue(); v != nil {
			e.referenced.Store(true)
		}
	}
	c.mu.RUnlock()
	if v == nil {
		c.misses.Add(1)
		return Handle{}
	}
	c.hits.Add(1)
	return Handle{value: v}
}

// insert adds or replaces the value for k. It returns a handle on the new
// value, along with the values the insertion displaced.
func (c *shard) insert(k Key, buf []byte, charge int64) (Handle, []evictedValue, error) {
	c.mu.Lock()
	if charge > c.targetSize() {
		c.mu.Unlock()
		return Handle{}, nil, ErrEntryTooLarge
	}
	e, _ := c.entries.Get(k)
	// One reference for the entry and one for the returned handle.
	v := newValue(buf, 2)

	var replaced *value
	switch {
	case e == nil:
		// no cache entry? add it
		e = newEntry(k, charge)
		e.setValue(v)
		c.metaAdd(k, e)
		c.sizeCold += e.size

	case e.val != nil:
		// cache entry was a hot or cold page
		replaced = e.setValue(v)
		e.referenced.Store(true)
		delta := charge - e.size
		e.size = charge
		if e.ptype == etHot {
			c.sizeHot += delta
		} else {
			c.sizeCold += delta
		}
		c.evict()

	default:
		// cache entry was a test page
		c.coldTarget += e.size
		if c.coldTarget > c.targetSize() {
			c.coldTarget = c.targetSize()
		}
		e.referenced.Store(false)
		e.setValue(v)
		c.sizeTest -= e.size
		c.metaDel(e)
		e.ptype = etHot
		e.size = charge
		c.metaAdd(k, e)
		c.sizeHot += e.size
	}

	evicted := c.evicted
	c.evicted = nil
	c.mu.Unlock()

	if replaced != nil {
		replaced.release()
	}
	return Handle{value: v}, evicted, nil
}

// erase removes the entry for k, returning its value (if any). The caller
// must release the returned value.
func (c *shard) erase(k Key) *value {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, _ := c.entries.Get(k)
	if e == nil {
		return nil
	}
	return c.metaEvict(e)
}

// eraseUnref removes every entry whose value is not referenced by any handle,
// along with all test entries. It returns the removed values, which the
// caller must release.
func (c *shard) eraseUnref() []*value {
	c.mu.Lock()
	defer c.mu.Unlock()

	var victims []*entry
	c.entries.All(func(_ Key, e *entry) bool {
		if e.val == nil || e.val.refs.Load() == 1 {
			victims = append(victims, e)
		}
		return true
	})
	var values []*value
	for _, e := range victims {
		if v := c.metaEvict(e); v != nil {
			values = append(values, v)
		}
	}
	return values
}

// free drops every entry, returning the values for the caller to release.
func (c *shard) free() []*value {
	c.mu.Lock()
	defer c.mu.Unlock()

	var values []*value
	for c.handHot != nil {
		if v := c.metaEvict(c.handHot); v != nil {
			values = append(values, v)
		}
	}
	c.entries.Close()
	c.entries.Init(16, entryMapOptions...)
	return values
}

func (c *shard) usage() int64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.sizeHot + c.sizeCold
}

func (c *shard) targetSize() int64 {
	// Always return a positive integer for targetSize. This is so that we don't
	// end up in an infinite loop in evict(), in cases where maxSize is zero.
	if c.maxSize < 1 {
		return 1
	}
	return c.maxSize
}

// metaAdd links the entry into the clock, evicting to make room for it
// first. The caller has already checked that the entry fits.
func (c *shard) metaAdd(k Key, e *entry) {
	for c.targetSize() < c.sizeHot+c.sizeCold+e.size && c.handCold != nil {
		c.runHandCold()
	}

	c.entries.Put(k, e)

	if c.handHot == nil {
		// first element
		c.handHot = e
		c.handCold = e
		c.handTest = e
	} else {
		c.handHot.link(e)
	}

	if c.handCold == c.handHot {
		c.handCold = c.handCold.prev()
	}
}

func (c *shard) metaDel(e *entry) {
	c.entries.Delete(e.key)

	if e == c.handHot {
		c.handHot = c.handHot.prev()
	}
	if e == c.handCold {
		c.handCold = c.handCold.prev()
	}
	if e == c.handTest {
		c.handTest = c.handTest.prev()
	}

	if e.unlink() == e {
		// This was the last entry in the cache.
		c.handHot = nil
		c.handCold = nil
		c.handTest = nil
	}
}

// metaEvict removes the entry from the shard, returning its value (which the
// caller must release).
func (c *shard) metaEvict(e *entry) *value {
	switch e.ptype {
	case etHot:
		c.sizeHot -= e.size
	case etCold:
		c.sizeCold -= e.size
	case etTest:
		c.sizeTest -= e.size
	}
	c.metaDel(e)
	return e.setValue(nil)
}

func (c *shard) evict() {
	for c.targetSize() <= c.sizeHot+c.sizeCold && c.handCold != nil {
		c.runHandCold()
	}
}

func (c *shard) runHandCold() {
	e := c.handCold
	if e.ptype == etCold {
		if e.referenced.Load() {
			e.referenced.Store(false)
			e.ptype = etHot
			c.sizeCold -= e.size
			c.sizeHot += e.size
		} else {
			if v := e.setValue(nil); v != nil {
				c.evicted = append(c.evicted, evictedValue{key: e.key, value: v})
			}
			e.ptype = etTest
			c.sizeCold -= e.size
			c.sizeTest += e.size
			for c.targetSize() < c.sizeTest && c.handTest != nil {
				c.runHandTest()
			}
		}
	}

	c.handCold = c.handCold.next()

	for c.targetSize()-c.coldTarget <= c.sizeHot && c.handHot != nil {
		c.runHandHot()
	}
}

func (c *shard) runHandHot() {
	if c.handHot == c.handTest && c.handTest != nil {
		c.runHandTest()
		if c.handHot == nil {
			return
		}
	}

	e := c.handHot
	if e.ptype == etHot {
		if e.referenced.Load() {
			e.referenced.Store(false)
		} else {
			e.ptype = etCold
			c.sizeHot -= e.size
			c.sizeCold += e.size
		}
	}

	c.handHot = c.handHot.next()
}

func (c *shard) runHandTest() {
	if c.sizeCold > 0 && c.handTest == c.handCold && c.handCold != nil {
		c.runHandCold()
		if c.handTest == nil {
			return
		}
	}

	e := c.handTest
	if e.ptype == etTest {
		c.coldTarget -= e.size
		if c.coldTarget < 0 {
			c.coldTarget = 0
		}
		c.sizeTest -= e.size
		c.metaDel(e)
	}

	c.handTest = c.handTest.next()
}
