// Package device models the narrow Device collaborator from spec §6:
// submit_bio, latency sampling, io_ref counting, and a per-device dying
// flag, plus the lock-free latency EWMA and circuit breaker spec §5 and
// SPEC_FULL §6 call for. Submission is grounded directly on
// writeToBlobnodesWithHystrix in the teacher's blobstore/access/stream_put.go
// (hystrix.Do wrapping the actual I/O, with a "ready" channel used as a
// once-only guard against double-counting the circuit breaker's callback).
package device

import (
	"context"
	"errors"
	"math/rand"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/afex/hystrix-go/hystrix"
	"github.com/benbjohnson/clock"
	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/pneumaticat/bcachefs-go/extent"
)

var ErrDying = errors.New("device: device is being torn down")

// Tier is a storage tier; lower is faster, matching spec §4.4's "replica
// is not on the fastest tier" promotion trigger.
type Tier int

// Bio is the device's view of one in-flight I/O: a byte range at a device
// offset, read or write.
type Bio struct {
	Sector   uint64
	Data     []byte
	IsWrite  bool
	FUA      bool // force-unit-access: set when the device lacks separate journal-flush semantics
}

// Device is the narrow collaborator the data path submits I/O against.
type Device interface {
	ID() extent.DeviceID
	Tier() Tier
	Generation() uint64
	Dying() bool
	SubmitBio(ctx context.Context, bio *Bio) error
	IORef() *int64 // in-flight counter, incremented/decremented by callers around SubmitBio
}

// Latency is a lock-free per-device latency estimator: a CAS loop that
// skips the update when the new sample is within half the current value
// and a small random-time gate fires, exactly as spec §5 specifies.
type Latency struct {
	usEwma int64 // atomic
	clock  clock.Clock
}

func NewLatency(clk clock.Clock) *Latency {
	if clk == nil {
		clk = clock.New()
	}
	return &Latency{clock: clk}
}

// Sample folds one observed latency (microseconds) into the EWMA.
func (l *Latency) Sample(us int64) {
	for {
		cur := atomic.LoadInt64(&l.usEwma)
		if cur != 0 {
			delta := us - cur
			if delta < 0 {
				delta = -delta
			}
			// Close to the current estimate: only update with some
			// probability, so a flood of near-identical samples doesn't
			// thrash the CAS.
			if delta < cur/2 && rand.Intn(8) != 0 {
				return
			}
		}
		next := cur + (us-cur)/4 // EWMA with alpha = 1/4
		if cur == 0 {
			next = us
		}
		if atomic.CompareAndSwapInt64(&l.usEwma, cur, next) {
			return
		}
	}
}

func (l *Latency) Microseconds() int64 { return atomic.LoadInt64(&l.usEwma) }

// memDevice is an in-memory reference Device, used by tests and by any
// caller that wants to exercise the pipelines without real disks.
type memDevice struct {
	id      extent.DeviceID
	tier    Tier
	gen     uint64
	dying   atomic.Bool
	ioRef   int64
	latency *Latency

	mu      sync.RWMutex
	backing map[uint64][]byte // sector -> data, simulating a block device

	failNext atomic.Bool // test hook: fail the next SubmitBio call
}

func NewMemDevice(id extent.DeviceID, tier Tier) *memDevice {
	return &memDevice{
		id:      id,
		tier:    tier,
		gen:     1,
		latency: NewLatency(nil),
		backing: make(map[uint64][]byte),
	}
}

func (d *memDevice) ID() extent.DeviceID    { return d.id }
func (d *memDevice) Tier() Tier             { return d.tier }
func (d *memDevice) Generation() uint64     { return d.gen }
func (d *memDevice) Dying() bool            { return d.dying.Load() }
func (d *memDevice) SetDying(v bool)        { d.dying.Store(v) }
func (d *memDevice) Bump()                  { atomic.AddUint64(&d.gen, 1) }
func (d *memDevice) FailNext()              { d.failNext.Store(true) }
func (d *memDevice) IORef() *int64          { return &d.ioRef }

func (d *memDevice) SubmitBio(ctx context.Context, bio *Bio) error {
	if d.dying.Load() {
		return ErrDying
	}
	if d.failNext.CompareAndSwap(true, false) {
		return errors.New("device: injected failure")
	}
	start := time.Now()
	defer func() { d.latency.Sample(time.Since(start).Microseconds()) }()

	d.mu.Lock()
	defer d.mu.Unlock()
	if bio.IsWrite {
		buf := make([]byte, len(bio.Data))
		copy(buf, bio.Data)
		d.backing[bio.Sector] = buf
		return nil
	}
	buf, ok := d.backing[bio.Sector]
	if !ok {
		// A read may start inside a previously written range.
		for start, data := range d.backing {
			if start < bio.Sector && bio.Sector < start+uint64(len(data)) {
				buf, ok = data[bio.Sector-start:], true
				break
			}
		}
	}
	if !ok {
		return errors.New("device: no such sector")
	}
	n := copy(bio.Data, buf)
	if n < len(bio.Data) {
		return errors.New("device: short read")
	}
	return nil
}

// Corrupt flips a bit in the data stored at sector, used by integrity
// tests (spec §8's "stored checksum has been corrupted on device 0").
func (d *memDevice) Corrupt(sector uint64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if buf, ok := d.backing[sector]; ok && len(buf) > 0 {
		buf[0] ^= 0xff
	}
}

// Set is the filesystem's collection of devices, keyed by id, plus an LRU
// cache of each device's tier.
type Set struct {
	mu      sync.RWMutex
	devices map[extent.DeviceID]Device
	tierCache *lru.Cache[extent.DeviceID, Tier]
}

func NewSet() *Set {
	c, _ := lru.New[extent.DeviceID, Tier](256)
	return &Set{devices: make(map[extent.DeviceID]Device), tierCache: c}
}

func (s *Set) Add(d Device) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.devices[d.ID()] = d
	s.tierCache.Add(d.ID(), d.Tier())
}

func (s *Set) Get(id extent.DeviceID) (Device, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	d, ok := s.devices[id]
	return d, ok
}

func (s *Set) Live() []Device {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Device, 0, len(s.devices))
	for _, d := range s.devices {
		if !d.Dying() {
			out = append(out, d)
		}
	}
	return out
}

// breakerName returns a stable hystrix command name per device so each
// device gets an independent circuit, mirroring the teacher's single
// "rwCommand" constant but scoped per device since bcachefs, unlike the
// blobstore access gateway, talks to a fixed small device set it knows by
// identity.
func breakerName(id extent.DeviceID) string {
	return "device-io-" + strconv.FormatUint(uint64(id), 10)
}

// SubmitWithBreaker wraps Device.SubmitBio in a circuit breaker, exactly as
// the teacher's writeToBlobnodesWithHystrix wraps writeToBlobnodes: once
// the breaker is open, calls fail fast rather than piling up against a
// device that's clearly down.
func SubmitWithBreaker(ctx context.Context, d Device, bio *Bio) error {
	name := breakerName(d.ID())
	hystrix.ConfigureCommand(name, hystrix.CommandConfig{
		Timeout:               5000,
		MaxConcurrentRequests:  256,
		ErrorPercentThreshold: 50,
	})
	ref := d.IORef()
	atomic.AddInt64(ref, 1)
	defer atomic.AddInt64(ref, -1)
	return hystrix.Do(name, func() error {
		return d.SubmitBio(ctx, bio)
	}, nil)
}
