package ranking

import (
	"container/heap"
	"math"
)

const earthRadiusKM = 6371.0

// HaversineKM is the great-circle distance between two points in degrees.
func HaversineKM(lat1, lon1, lat2, lon2 float64) float64 {
	rad := math.Pi / 180
	dLat := (lat2 - lat1) * rad
	dLon := (lon2 - lon1) * rad
	a := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(lat1*rad)*math.Cos(lat2*rad)*math.Sin(dLon/2)*math.Sin(dLon/2)
	return 2 * earthRadiusKM * math.Asin(math.Sqrt(a))
}

// topK returns the k best candidates, score descending then driver id
// ascending.
func topK(candidates []Candidate, k int) []Candidate {
	if k <= 0 {
		return []Candidate{}
	}
	h := &candidateHeap{}
	for _, c := range candidates {
		heap.Push(h, c)
		if h.Len() > k {
			heap.Pop(h)
		}
	}
	out := make([]Candidate, h.Len())
	for i := len(out) - 1; i >= 0; i-- {
		out[i] = heap.Pop(h).(Candidate)
	}
	return out
}

// better reports whether a ranks ahead of b.
func better(a, b Candidate) bool {
	if a.Score != b.Score {
		return a.Score > b.Score
	}
	return a.DriverID < b.DriverID
}

// candidateHeap is a min-heap on rank: the root is the worst kept candidate.
type candidateHeap []Candidate

func (h candidateHeap) Len() int           { return len(h) }
func (h candidateHeap) Less(i, j int) bool { return better(h[j], h[i]) }
func (h candidateHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }

func (h *candidateHeap) Push(x any) {
	*h = append(*h, x.(Candidate))
}

func (h *candidateHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}
