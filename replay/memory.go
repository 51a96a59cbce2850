package replay

import (
	"context"
	"sync"

	"github.com/cespare/xxhash/v2"
)

const shardCount = 64

// MemoryGuard is an in-process Guard. Keys are spread over mutex-guarded
// shards, so contention is limited to keys that hash together.
type MemoryGuard struct {
	shards [shardCount]*shard
}

type shard struct {
	mu     sync.Mutex
	sparse map[sparseKey]*sparseEntry
	words  map[wordKey]*bitmapWord
}

type sparseKey struct {
	scope string
	nonce [32]byte
}

type sparseEntry struct {
	used  bool
	owner string
}

type wordKey struct {
	scope string
	word  [31]byte
}

// bitmapWord mirrors one 256-bit Permit2 bitmap word plus the bits that are
// reserved but not yet committed.
type bitmapWord struct {
	used    [4]uint64
	pending [4]uint64
	owners  map[uint8]string
}

func (w *bitmapWord) isUsed(bit uint8) bool    { return w.used[bit>>6]&(1<<(bit&63)) != 0 }
func (w *bitmapWord) isPending(bit uint8) bool { return w.pending[bit>>6]&(1<<(bit&63)) != 0 }
func (w *bitmapWord) setUsed(bit uint8)        { w.used[bit>>6] |= 1 << (bit & 63) }
func (w *bitmapWord) setPending(bit uint8)     { w.pending[bit>>6] |= 1 << (bit & 63) }
func (w *bitmapWord) clearPending(bit uint8) {
	w.pending[bit>>6] &^= 1 << (bit & 63)
	delete(w.owners, bit)
}

// NewMemoryGuard returns an empty MemoryGuard.
func NewMemoryGuard() *MemoryGuard {
	g := &MemoryGuard{}
	for i := range g.shards {
		g.shards[i] = &shard{
			sparse: make(map[sparseKey]*sparseEntry),
			words:  make(map[wordKey]*bitmapWord),
		}
	}
	return g
}

// shardFor hashes the scope and, for bitmap keys, the word index, so that
// every bit of one bitmap word lands in the same shard.
func (g *MemoryGuard) shardFor(key Key) *shard {
	d := xxhash.New()
	_, _ = d.WriteString(key.Scope)
	if key.Kind == KindBitmap {
		w := key.Word()
		_, _ = d.Write(w[:])
	} else {
		_, _ = d.Write(key.Nonce[:])
	}
	return g.shards[d.Sum64()%shardCount]
}

// Reserve implements Guard.
func (g *MemoryGuard) Reserve(_ context.Context, key Key, owner string) error {
	if err := validate(key); err != nil {
		return err
	}
	s := g.shardFor(key)
	s.mu.Lock()
	defer s.mu.Unlock()

	if key.Kind == KindBitmap {
		wk := wordKey{scope: key.Scope, word: key.Word()}
		w, ok := s.words[wk]
		if !ok {
			w = &bitmapWord{owners: make(map[uint8]string)}
			s.words[wk] = w
		}
		bit := key.Bit()
		switch {
		case w.isUsed(bit):
			return ErrAlreadyUsed
		case w.isPending(bit):
			return ErrAlreadyReserved
		}
		w.setPending(bit)
		w.owners[bit] = owner
		return nil
	}

	sk := sparseKey{scope: key.Scope, nonce: key.Nonce}
	if e, ok := s.sparse[sk]; ok {
		if e.used {
			return ErrAlreadyUsed
		}
		return ErrAlreadyReserved
	}
	s.sparse[sk] = &sparseEntry{owner: owner}
	return nil
}

// Commit implements Guard.
func (g *MemoryGuard) Commit(_ context.Context, key Key, _ string) error {
	if err := validate(key); err != nil {
		return err
	}
	s := g.shardFor(key)
	s.mu.Lock()
	defer s.mu.Unlock()

	if key.Kind == KindBitmap {
		wk := wordKey{scope: key.Scope, word: key.Word()}
		w, ok := s.words[wk]
		if !ok {
			w = &bitmapWord{owners: make(map[uint8]string)}
			s.words[wk] = w
		}
		bit := key.Bit()
		w.clearPending(bit)
		w.setUsed(bit)
		return nil
	}

	s.sparse[sparseKey{scope: key.Scope, nonce: key.Nonce}] = &sparseEntry{used: true}
	return nil
}

// Release implements Guard.
func (g *MemoryGuard) Release(_ context.Context, key Key, owner string) error {
	if err := validate(key); err != nil {
		return err
	}
	s := g.shardFor(key)
	s.mu.Lock()
	defer s.mu.Unlock()

	if key.Kind == KindBitmap {
		wk := wordKey{scope: key.Scope, word: key.Word()}
		w, ok := s.words[wk]
		bit := key.Bit()
		if !ok || !w.isPending(bit) || w.owners[bit] != owner {
			return ErrNotReserved
		}
		w.clearPending(bit)
		if w.used == [4]uint64{} && w.pending == [4]uint64{} {
			delete(s.words, wk)
		}
		return nil
	}

	sk := sparseKey{scope: key.Scope, nonce: key.Nonce}
	e, ok := s.sparse[sk]
	if !ok || e.used || e.owner != owner {
		return ErrNotReserved
	}
	delete(s.sparse, sk)
	return nil
}
