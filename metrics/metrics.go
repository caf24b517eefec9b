// Package metrics exposes the sysfs-facing counters named in spec §6:
// read_realloc_races, extent_migrate_done, extent_migrate_raced, and
// per-data-type/per-tier byte counters. It is grounded on the teacher's
// pervasive use of github.com/prometheus/client_golang for exactly this
// kind of "number sysfs/the CLI can read" counter.
package metrics

import (
	"sort"
	"strconv"
	"strings"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/pneumaticat/bcachefs-go/extent"
)

var (
	ReadReallocRaces = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "datapath",
		Name:      "read_realloc_races_total",
		Help:      "narrow-crcs compare-and-exchange attempts that lost to a concurrent writer",
	})

	ExtentMigrateDone = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "datapath",
		Name:      "extent_migrate_done_total",
		Help:      "candidate extents the move engine rewrote without racing",
	})

	ExtentMigrateRaced = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "datapath",
		Name:      "extent_migrate_raced_total",
		Help:      "candidate extents the move engine observed but discarded due to a concurrent foreground write",
	})

	DeviceIOErrors = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "datapath",
		Name:      "device_io_errors_total",
		Help:      "per-device I/O errors observed by the read or write pipeline",
	}, []string{"device"})

	BytesReadByTier = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "datapath",
		Name:      "bytes_read_total",
		Help:      "plaintext bytes read, by storage tier of the chosen replica",
	}, []string{"tier"})

	BytesWrittenByTier = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "datapath",
		Name:      "bytes_written_total",
		Help:      "plaintext bytes written, by storage tier of the write point",
	}, []string{"tier"})

	// ExtentsByTierCompressed and ExtentsByTierUncompressed count extents as
	// the write pipeline durably commits them, bucketed by the tier of the
	// fastest device holding a dirty replica at commit time. They are
	// incremented once per committed extent and are not revised by later
	// moves/migrations (spec §4.5 changes a committed extent's device set,
	// not whether it was committed compressed), so they read as
	// "compressed/uncompressed extents written, by tier", not a live total.
	ExtentsByTierCompressed = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "datapath",
		Name:      "extents_compressed",
		Help:      "extents committed with compression_type != none, by tier of fastest dirty replica at commit time",
	}, []string{"tier"})

	ExtentsByTierUncompressed = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "datapath",
		Name:      "extents_uncompressed",
		Help:      "extents committed with compression_type == none, by tier of fastest dirty replica at commit time",
	}, []string{"tier"})

	// ReplicaSetPresence stands in for the superblock replicas table (out of
	// scope per spec §1): one increment per key whose replica-set presence
	// spec §4.3's default index updater (or spec §4.5's migrate index
	// update) records, labeled by the key's sorted dirty-device-id set.
	ReplicaSetPresence = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "datapath",
		Name:      "replica_set_presence_total",
		Help:      "keys whose replica-set presence was recorded, by sorted dirty device-id set",
	}, []string{"replica_set"})
)

// ObserveCommittedExtent folds one freshly committed extent into the
// per-tier compressed/uncompressed gauges. tier is the fastest tier among
// the extent's dirty replicas at commit time.
func ObserveCommittedExtent(tier string, compressed bool) {
	if compressed {
		ExtentsByTierCompressed.WithLabelValues(tier).Inc()
	} else {
		ExtentsByTierUncompressed.WithLabelValues(tier).Inc()
	}
}

// ReplicaSetLabel renders ptrs' dirty device ids as the stable, sorted,
// comma-joined label ReplicaSetPresence is keyed by.
func ReplicaSetLabel(ptrs []extent.Pointer) string {
	devs := make([]int, 0, len(ptrs))
	for _, p := range ptrs {
		if !p.Cached {
			devs = append(devs, int(p.Device))
		}
	}
	sort.Ints(devs)
	parts := make([]string, len(devs))
	for i, d := range devs {
		parts[i] = strconv.Itoa(d)
	}
	return strings.Join(parts, ",")
}

// RecordReplicaSetPresence increments ReplicaSetPresence for ptrs' dirty
// device set, unless it is empty (no surviving dirty pointers to record).
func RecordReplicaSetPresence(ptrs []extent.Pointer) {
	label := ReplicaSetLabel(ptrs)
	if label == "" {
		return
	}
	ReplicaSetPresence.WithLabelValues(label).Inc()
}

// Register adds every counter to reg. Call once at mount; a second call
// against the same registry is a caller error, same as client_golang's own
// contract.
func Register(reg *prometheus.Registry) error {
	collectors := []prometheus.Collector{
		ReadReallocRaces, ExtentMigrateDone, ExtentMigrateRaced,
		DeviceIOErrors, BytesReadByTier, BytesWrittenByTier,
		ExtentsByTierCompressed, ExtentsByTierUncompressed, ReplicaSetPresence,
	}
	for _, c := range collectors {
		if err := reg.Register(c); err != nil {
			return err
		}
	}
	return nil
}
