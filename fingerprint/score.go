package fingerprint

import (
	"math"

	"golang.org/x/exp/slices"
)

// Similarity is the comparison of a scan against one anchor.
type Similarity struct {
	Score       float64
	Matches     int
	CellMatches int
	// Mean absolute RSSI difference over the shared APs, 0 when none are shared.
	RSSIDiffAvg float64
}

// wifiVector keeps the k strongest APs keyed by BSSID digest. Duplicate digests keep
// the strongest reading.
func wifiVector(obs []WifiObservation, k int) map[string]int {
	sorted := make([]WifiObservation, 0, len(obs))
	for _, o := range obs {
		if o.BSSIDHash != "" {
			sorted = append(sorted, o)
		}
	}
	slices.SortFunc(sorted, func(a, b WifiObservation) int {
		if a.RSSI != b.RSSI {
			return b.RSSI - a.RSSI
		}
		if a.BSSIDHash < b.BSSIDHash {
			return -1
		}
		if a.BSSIDHash > b.BSSIDHash {
			return 1
		}
		return 0
	})
	vec := make(map[string]int, k)
	for _, o := range sorted {
		if len(vec) == k {
			break
		}
		if _, ok := vec[o.BSSIDHash]; ok {
			continue
		}
		vec[o.BSSIDHash] = o.RSSI
	}
	return vec
}

func cellVector(obs []CellObservation, k int) map[string]struct{} {
	sorted := slices.Clone(obs)
	// strongest first; towers without a reading sort last
	slices.SortStableFunc(sorted, func(a, b CellObservation) int {
		ad, bd := math.MinInt32, math.MinInt32
		if a.DBM != nil {
			ad = *a.DBM
		}
		if b.DBM != nil {
			bd = *b.DBM
		}
		return bd - ad
	})
	vec := make(map[string]struct{}, k)
	for _, c := range sorted {
		if len(vec) == k {
			break
		}
		vec[c.Key()] = struct{}{}
	}
	return vec
}

// Score compares a scan (a) against an anchor (b). The result is in [0, 1].
func (p Params) Score(aWifi []WifiObservation, aCell []CellObservation, bWifi []WifiObservation, bCell []CellObservation) Similarity {
	va := wifiVector(aWifi, p.WifiTopK)
	vb := wifiVector(bWifi, p.WifiTopK)
	var sim Similarity

	var closeness, diffSum float64
	for bssid, ra := range va {
		rb, ok := vb[bssid]
		if !ok {
			continue
		}
		sim.Matches++
		d := math.Abs(float64(ra - rb))
		diffSum += d
		closeness += math.Max(0, 1-d/p.RSSIScaleDB)
	}
	var overlap, rssi float64
	if sim.Matches > 0 {
		overlap = float64(sim.Matches) / float64(minInt(len(va), len(vb)))
		rssi = closeness / float64(sim.Matches)
		sim.RSSIDiffAvg = diffSum / float64(sim.Matches)
	}

	var cellOverlap float64
	ca := cellVector(aCell, p.CellTopK)
	cb := cellVector(bCell, p.CellTopK)
	if len(ca) > 0 && len(cb) > 0 {
		for key := range ca {
			if _, ok := cb[key]; ok {
				sim.CellMatches++
			}
		}
		cellOverlap = float64(sim.CellMatches) / float64(minInt(len(ca), len(cb)))
	}

	raw := p.OverlapWeight*overlap + p.RSSIWeight*rssi + p.CellWeight*cellOverlap
	boost := p.BoostFloor + (1-p.BoostFloor)*math.Min(1, float64(sim.Matches)/float64(p.BoostAt))
	sim.Score = clamp(raw*boost, 0, 1)
	return sim
}

func minInt(a, b int) int {
	if a < b {
		return a
	}
	return b
}

func clamp(v, lo, hi float64) float64 {
	return math.Max(lo, math.Min(hi, v))
}
