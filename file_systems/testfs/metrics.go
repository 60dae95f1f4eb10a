package testfs

import (
	"sync"

	"github.com/mkatiyar/testfs/errors"
	"github.com/prometheus/client_golang/prometheus"
)

var (
	prometheusMetrics sync.Once

	allocatorOperations = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "testfs",
			Subsystem: "allocator",
			Name:      "operations_total",
			Help:      "Number of index allocations and frees, by outcome.",
		},
		[]string{"operation", "outcome"})
	allocatorFreeIndices = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "testfs",
			Subsystem: "allocator",
			Name:      "free_indices",
			Help:      "Number of unallocated indices, by volume.",
		},
		[]string{"volume"})
	directoryOperations = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "testfs",
			Subsystem: "directory",
			Name:      "operations_total",
			Help:      "Number of directory inserts, deletes and lookups, by outcome.",
		},
		[]string{"operation", "outcome"})
)

func registerMetrics() {
	prometheusMetrics.Do(func() {
		prometheus.MustRegister(allocatorOperations)
		prometheus.MustRegister(allocatorFreeIndices)
		prometheus.MustRegister(directoryOperations)
	})
}

// outcomeLabel converts the result of an operation to a metric label.
func outcomeLabel(err error) string {
	if err == nil {
		return "success"
	}
	return errors.StrError(errors.CastToDriverError(err).Errno())
}
