package projection

import (
	"sync"

	fpmath "TroveWatch/internal/math"
	"TroveWatch/internal/state"
)

// PricePoint is the collateral price observed at one block.
type PricePoint struct {
	Key            state.Key      `json:"key"`
	BlockNumber    uint64         `json:"block_number"`
	BlockTimestamp uint64         `json:"block_timestamp"`
	Price          fpmath.Decimal `json:"price"`
}

// PriceHistory keeps the most recent price points per key in memory. It
// serves queries when no database is configured.
type PriceHistory struct {
	mu       sync.RWMutex
	capacity int
	points   map[state.Key][]PricePoint
}

func NewPriceHistory(capacity int) *PriceHistory {
	if capacity <= 0 {
		capacity = 1024
	}
	return &PriceHistory{capacity: capacity, points: make(map[state.Key][]PricePoint)}
}

// Add appends p unless it is not newer than the last point for its key
// or carries the same price. It reports whether p was recorded.
func (h *PriceHistory) Add(p PricePoint) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	pts := h.points[p.Key]
	if n := len(pts); n > 0 && (pts[n-1].BlockNumber >= p.BlockNumber || pts[n-1].Price.Eq(p.Price)) {
		return false
	}
	pts = append(pts, p)
	if len(pts) > h.capacity {
		pts = append(pts[:0:0], pts[len(pts)-h.capacity:]...)
	}
	h.points[p.Key] = pts
	return true
}

// Query returns up to limit points for key, newest first.
func (h *PriceHistory) Query(key state.Key, limit int) []PricePoint {
	h.mu.RLock()
	defer h.mu.RUnlock()
	pts := h.points[key]
	result := make([]PricePoint, 0, min(limit, len(pts)))
	for i := len(pts) - 1; i >= 0 && len(result) < limit; i-- {
		result = append(result, pts[i])
	}
	return result
}
