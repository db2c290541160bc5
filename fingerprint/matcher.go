package fingerprint

import (
	"math"

	"github.com/fieldops/tracklink/internal"
	"golang.org/x/exp/slices"
)

// Anchor is a stored train sample with known coordinates.
type Anchor struct {
	ID          int64
	TimestampMs int64
	Lat         float64
	Lon         float64
	AccuracyM   *float64
	Wifi        []WifiObservation
	Cell        []CellObservation
}

// Estimate is a position derived from anchors. It is never stored on its own.
type Estimate struct {
	Lat               float64 `json:"lat"`
	Lon               float64 `json:"lon"`
	AccuracyM         float64 `json:"accuracy_m"`
	Confidence        float64 `json:"confidence"`
	MatchCount        int     `json:"match_count"`
	MatchesCell       int     `json:"matches_cell"`
	RSSIDiffAvgDB     float64 `json:"rssi_diff_avg_db"`
	SpreadM           float64 `json:"spread_m"`
	AnchorTimestampMs int64   `json:"anchor_ts"`
	AnchorsConsidered int     `json:"anchors_considered"`
	ClustersTotal     int     `json:"clusters_total"`
	ClustersUsed      int     `json:"clusters_used"`
}

type candidate struct {
	anchor *Anchor
	sim    Similarity
}

type cluster struct {
	best      candidate
	weightSum float64
	latSum    float64
	lonSum    float64
	size      int
}

func (c *cluster) centroid() (float64, float64) {
	if c.weightSum == 0 {
		return c.best.anchor.Lat, c.best.anchor.Lon
	}
	return c.latSum / c.weightSum, c.lonSum / c.weightSum
}

type gridKey struct {
	lat, lon int64
}

// Locate estimates where a scan was taken from the device's own anchors. It returns
// nil when the scan is too thin or no anchor clears the confidence floor, which is
// a normal outcome.
func (p Params) Locate(wifi []WifiObservation, cell []CellObservation, anchors []Anchor) *Estimate {
	if len(wifiVector(wifi, p.WifiTopK)) < p.LocateMinWifi || len(anchors) == 0 {
		return nil
	}

	clusters := make(map[gridKey]*cluster)
	for i := range anchors {
		a := &anchors[i]
		if !internal.ValidCoordinates(a.Lat, a.Lon) {
			continue
		}
		sim := p.Score(wifi, cell, a.Wifi, a.Cell)
		if sim.Matches < p.MinMatches {
			continue
		}
		key := gridKey{
			lat: int64(math.Round(a.Lat / p.GridDeg)),
			lon: int64(math.Round(a.Lon / p.GridDeg)),
		}
		c := clusters[key]
		if c == nil {
			c = &cluster{best: candidate{anchor: a, sim: sim}}
			clusters[key] = c
		} else if betterCandidate(candidate{a, sim}, c.best) {
			c.best = candidate{anchor: a, sim: sim}
		}
		w := sim.Score * sim.Score
		c.weightSum += w
		c.latSum += a.Lat * w
		c.lonSum += a.Lon * w
		c.size++
	}
	if len(clusters) == 0 {
		return nil
	}

	ranked := make([]*cluster, 0, len(clusters))
	for _, c := range clusters {
		ranked = append(ranked, c)
	}
	slices.SortFunc(ranked, func(a, b *cluster) int {
		if a.best.sim.Score != b.best.sim.Score {
			if a.best.sim.Score > b.best.sim.Score {
				return -1
			}
			return 1
		}
		if a.weightSum != b.weightSum {
			if a.weightSum > b.weightSum {
				return -1
			}
			return 1
		}
		return int(b.best.anchor.TimestampMs - a.best.anchor.TimestampMs)
	})

	top := ranked[0]
	if top.best.sim.Score < p.MinScore || top.best.sim.Matches < p.MinMatches {
		return nil
	}

	var used []*cluster
	for _, c := range ranked {
		if len(used) == p.MaxClusters {
			break
		}
		if c.best.sim.Score < p.MinScore {
			break
		}
		used = append(used, c)
	}

	var lat, lon, wsum float64
	for _, c := range used {
		w := c.best.sim.Score * c.best.sim.Score
		clat, clon := c.centroid()
		lat += clat * w
		lon += clon * w
		wsum += w
	}
	lat /= wsum
	lon /= wsum

	var sq float64
	for _, c := range used {
		clat, clon := c.centroid()
		d := internal.HaversineMeters(lat, lon, clat, clon)
		sq += d * d
	}
	spread := math.Sqrt(sq / float64(len(used)))

	best := top.best
	score := best.sim.Score
	base := p.BaseAccuracyM
	if best.anchor.AccuracyM != nil && *best.anchor.AccuracyM > 0 {
		base = *best.anchor.AccuracyM
	}
	acc := clamp(base*(1+(1-score)*2)+spread, p.MinAccuracyM, p.MaxAccuracyM)
	// an estimate is never sharper than the anchor it came from
	if best.anchor.AccuracyM != nil && acc < *best.anchor.AccuracyM {
		acc = *best.anchor.AccuracyM
	}

	return &Estimate{
		Lat:               lat,
		Lon:               lon,
		AccuracyM:         acc,
		Confidence:        score,
		MatchCount:        best.sim.Matches,
		MatchesCell:       best.sim.CellMatches,
		RSSIDiffAvgDB:     best.sim.RSSIDiffAvg,
		SpreadM:           spread,
		AnchorTimestampMs: best.anchor.TimestampMs,
		AnchorsConsidered: len(anchors),
		ClustersTotal:     len(clusters),
		ClustersUsed:      len(used),
	}
}

func betterCandidate(a, b candidate) bool {
	if a.sim.Score != b.sim.Score {
		return a.sim.Score > b.sim.Score
	}
	return a.anchor.TimestampMs > b.anchor.TimestampMs
}
