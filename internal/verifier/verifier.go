// Package verifier implements the signature verifier pool of spec.md
// §4.4: a fixed worker pool that looks up key material in the Identity
// Map, selects a curve by key_type, verifies, and forwards valid events
// downstream, dropping invalid ones.
//
// Grounded on the teacher's internal/memtable/memtableManager.go
// rotation-under-backpressure style (bounded work, explicit capacity
// checks) generalized to a bounded-channel fan-in pool, and on
// original_source/src/verify.rs's per-curve verifying-key cache
// (SECP_CACHE/P256_CACHE keyed by raw SEC1 pubkey bytes, self-cleaning
// above 100k entries).
package verifier

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/sha256"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	dcrecdsa "github.com/decred/dcrd/dcrec/secp256k1/v4/ecdsa"
	"golang.org/x/sync/errgroup"

	"sovereignhose/internal/identitymap"
	"sovereignhose/internal/metrics"
	"sovereignhose/internal/model"
)

// ErrInvalidSignature is returned (and counted) when verification fails.
var ErrInvalidSignature = errors.New("verifier: invalid signature")

// ChannelCapacityPerWorker sizes the bounded input channel relative to
// pool size (§4.4: "capacity ~8x workers").
const ChannelCapacityPerWorker = 8

// keyCacheLimit mirrors original_source/src/verify.rs's self-cleaning
// threshold for the parsed-key caches.
const keyCacheLimit = 100_000

// Pool is a fixed-size worker pool verifying decoded events against the
// Identity Map.
type Pool struct {
	workers int
	idmap   *identitymap.Map
	in      chan model.Event
	out     chan model.Event
	metrics *metrics.Registry

	saturated int32 // atomic bool: exported as the load-shedding signal (§4.4)

	secpMu    sync.Mutex
	secpCache map[string]*secp256k1.PublicKey // keyed by raw SEC1 pubkey bytes

	p256Mu    sync.Mutex
	p256Cache map[string]*ecdsa.PublicKey
}

// New builds a verifier pool of the given size, reading decoded events
// from in and writing verified ones to out.
func New(workers int, idmap *identitymap.Map, m *metrics.Registry) *Pool {
	if workers <= 0 {
		workers = 1
	}
	cap := workers * ChannelCapacityPerWorker
	return &Pool{
		workers:   workers,
		idmap:     idmap,
		in:        make(chan model.Event, cap),
		out:       make(chan model.Event, cap),
		metrics:   m,
		secpCache: make(map[string]*secp256k1.PublicKey),
		p256Cache: make(map[string]*ecdsa.PublicKey),
	}
}

// Submit enqueues a decoded event for verification. It blocks if the
// channel is full — the intended back-pressure / load-shedding signal
// (§4.4) — and sets the saturation flag for the duration of the block.
func (p *Pool) Submit(ctx context.Context, ev model.Event) error {
	select {
	case p.in <- ev:
		return nil
	default:
		atomic.StoreInt32(&p.saturated, 1)
		defer atomic.StoreInt32(&p.saturated, 0)
		select {
		case p.in <- ev:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Saturated reports whether a Submit call is currently blocked on a full
// channel; the flag is cleared when that call returns.
func (p *Pool) Saturated() bool {
	return atomic.LoadInt32(&p.saturated) == 1
}

// Out returns the channel of successfully verified events.
func (p *Pool) Out() <-chan model.Event { return p.out }

// Run starts the worker pool; it returns when ctx is cancelled and all
// in-flight work drains (§5 shutdown: "flush verifier pool").
func (p *Pool) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < p.workers; i++ {
		g.Go(func() error {
			return p.worker(ctx)
		})
	}
	err := g.Wait()
	close(p.out)
	return err
}

func (p *Pool) worker(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-p.in:
			if !ok {
				return nil
			}
			p.process(ev)
		}
	}
}

func (p *Pool) process(ev model.Event) {
	ref, err := p.idmap.Lookup(ev.DID)
	if err != nil {
		p.metrics.IncError(model.ErrKindIdentityMiss)
		return
	}

	ok, err := p.verify(ev, ref)
	if err != nil || !ok {
		p.metrics.IncError(model.ErrKindVerification)
		return
	}

	ev.KeyRef = ref
	p.out <- ev
}

// verify dispatches on key_type as a small closed-enumeration tagged
// variant (spec.md §9's "Dynamic dispatch" note — no virtual table).
func (p *Pool) verify(ev model.Event, ref model.KeyRef) (bool, error) {
	hash := sha256.Sum256(ev.Canonical)
	switch ref.KeyType {
	case model.KeyTypeSecp256k1:
		return p.verifySecp256k1(ref.Key, ev.Sig, hash[:])
	case model.KeyTypeP256:
		return p.verifyP256(ref.Key, ev.Sig, hash[:])
	default:
		return false, fmt.Errorf("verifier: unknown key type %d", ref.KeyType)
	}
}

func (p *Pool) verifySecp256k1(pubkey, sig, hash []byte) (bool, error) {
	cacheKey := string(pubkey)

	p.secpMu.Lock()
	vk, cached := p.secpCache[cacheKey]
	if !cached {
		if len(p.secpCache) > keyCacheLimit {
			p.secpCache = make(map[string]*secp256k1.PublicKey)
		}
		parsed, err := secp256k1.ParsePubKey(pubkey)
		if err != nil {
			p.secpMu.Unlock()
			return false, err
		}
		vk = parsed
		p.secpCache[cacheKey] = vk
	}
	p.secpMu.Unlock()

	var s *dcrecdsa.Signature
	if len(sig) == 64 {
		// Raw compact R||S form: reconstruct the DER-free signature
		// directly from the two 32-byte scalars.
		var rScalar, sScalar secp256k1.ModNScalar
		rScalar.SetByteSlice(sig[:32])
		sScalar.SetByteSlice(sig[32:])
		s = dcrecdsa.NewSignature(&rScalar, &sScalar)
	} else {
		parsed, err := dcrecdsa.ParseDERSignature(sig)
		if err != nil {
			return false, err
		}
		s = parsed
	}
	return s.Verify(hash, vk), nil
}

func (p *Pool) verifyP256(pubkey, sig, hash []byte) (bool, error) {
	cacheKey := string(pubkey)

	p.p256Mu.Lock()
	vk, cached := p.p256Cache[cacheKey]
	if !cached {
		if len(p.p256Cache) > keyCacheLimit {
			p.p256Cache = make(map[string]*ecdsa.PublicKey)
		}
		x, y := elliptic.UnmarshalCompressed(elliptic.P256(), pubkey)
		if x == nil {
			x, y = elliptic.Unmarshal(elliptic.P256(), pubkey)
		}
		if x == nil {
			p.p256Mu.Unlock()
			return false, fmt.Errorf("verifier: invalid P-256 public key")
		}
		vk = &ecdsa.PublicKey{Curve: elliptic.P256(), X: x, Y: y}
		p.p256Cache[cacheKey] = vk
	}
	p.p256Mu.Unlock()

	r, s, err := splitRawRS(sig)
	if err != nil {
		return false, err
	}
	return ecdsa.Verify(vk, hash, r, s), nil
}
