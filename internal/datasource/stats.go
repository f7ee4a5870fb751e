package datasource

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/influxdata/tdigest"
)

// Stats is a snapshot of one session's counters.
type Stats struct {
	OpenedAt time.Time `json:"opened_at,omitzero"`

	BytesReceived  int64 `json:"bytes_received"`
	BytesPushed    int64 `json:"bytes_pushed"`
	BytesPopped    int64 `json:"bytes_popped"`
	BytesDelivered int64 `json:"bytes_delivered"`

	Reads      int64 `json:"reads"`
	DataReads  int64 `json:"data_reads"`
	ZeroReads  int64 `json:"zero_reads"`
	EOSReads   int64 `json:"eos_reads"`
	ErrorReads int64 `json:"error_reads"`

	NetworkReads int64         `json:"network_reads"`
	NetworkP50   time.Duration `json:"network_p50"`
	NetworkP90   time.Duration `json:"network_p90"`
	NetworkP99   time.Duration `json:"network_p99"`
}

// counters are written by the owning goroutine and read by Stats callers.
type counters struct {
	openedAt atomic.Int64

	received  atomic.Int64
	pushed    atomic.Int64
	popped    atomic.Int64
	delivered atomic.Int64

	reads      atomic.Int64
	dataReads  atomic.Int64
	zeroReads  atomic.Int64
	eosReads   atomic.Int64
	errorReads atomic.Int64

	mu           sync.Mutex
	networkReads int64
	latency      *tdigest.TDigest
}

func newCounters() *counters {
	c := &counters{latency: tdigest.NewWithCompression(100)}
	c.openedAt.Store(time.Now().UnixNano())
	return c
}

func (c *counters) observeNetworkRead(d time.Duration) {
	c.mu.Lock()
	c.networkReads++
	c.latency.Add(float64(d.Nanoseconds()), 1)
	c.mu.Unlock()
}

func (c *counters) snapshot() Stats {
	s := Stats{
		OpenedAt:       time.Unix(0, c.openedAt.Load()),
		BytesReceived:  c.received.Load(),
		BytesPushed:    c.pushed.Load(),
		BytesPopped:    c.popped.Load(),
		BytesDelivered: c.delivered.Load(),
		Reads:          c.reads.Load(),
		DataReads:      c.dataReads.Load(),
		ZeroReads:      c.zeroReads.Load(),
		EOSReads:       c.eosReads.Load(),
		ErrorReads:     c.errorReads.Load(),
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	s.NetworkReads = c.networkReads
	if c.networkReads > 0 {
		s.NetworkP50 = time.Duration(c.latency.Quantile(0.50))
		s.NetworkP90 = time.Duration(c.latency.Quantile(0.90))
		s.NetworkP99 = time.Duration(c.latency.Quantile(0.99))
	}
	return s
}
