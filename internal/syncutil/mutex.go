// Package syncutil provides context-aware locks.
package syncutil

import (
	"context"
	"hash/fnv"
	"slices"
	"sync"
)

// Mutex is a mutual exclusion lock whose Lock gives up when ctx ends. The
// zero value is not usable; call NewMutex.
type Mutex struct {
	token chan struct{}
}

// NewMutex returns an unlocked Mutex.
func NewMutex() *Mutex {
	m := &Mutex{token: make(chan struct{}, 1)}
	m.token <- struct{}{}
	return m
}

// Lock waits for the lock or for ctx to end. The returned unlock is safe to
// call more than once.
func (m *Mutex) Lock(ctx context.Context) (unlock func(), err error) {
	select {
	case <-m.token:
		return sync.OnceFunc(func() { m.token <- struct{}{} }), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// TryLock takes the lock only if it is free.
func (m *Mutex) TryLock() (unlock func(), ok bool) {
	select {
	case <-m.token:
		return sync.OnceFunc(func() { m.token <- struct{}{} }), true
	default:
		return nil, false
	}
}

const stripeCount = 256

// KeyedMutex locks string keys (wallet IDs) over a fixed set of stripes.
// Keys hashing to the same stripe contend with each other.
type KeyedMutex struct {
	stripes [stripeCount]*Mutex
}

// NewKeyedMutex returns a KeyedMutex with every stripe unlocked.
func NewKeyedMutex() *KeyedMutex {
	k := &KeyedMutex{}
	for i := range k.stripes {
		k.stripes[i] = NewMutex()
	}
	return k
}

// Lock takes the stripes of all keys in ascending stripe order, each stripe
// once. On cancellation the stripes already held are released.
func (k *KeyedMutex) Lock(ctx context.Context, keys ...string) (unlock func(), err error) {
	order := make([]int, 0, len(keys))
	for _, key := range keys {
		order = append(order, stripeOf(key))
	}
	slices.Sort(order)
	order = slices.Compact(order)

	held := make([]func(), 0, len(order))
	releaseAll := func() {
		for _, release := range slices.Backward(held) {
			release()
		}
	}
	for _, i := range order {
		release, err := k.stripes[i].Lock(ctx)
		if err != nil {
			releaseAll()
			return nil, err
		}
		held = append(held, release)
	}
	return sync.OnceFunc(releaseAll), nil
}

func stripeOf(key string) int {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return int(h.Sum32() % stripeCount)
}
