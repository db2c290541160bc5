package internal

import "math"

const earthRadiusM = 6371000.0

// HaversineMeters is the great-circle distance between two WGS84 coordinates.
func HaversineMeters(lat1, lon1, lat2, lon2 float64) float64 {
	p1 := lat1 * math.Pi / 180
	p2 := lat2 * math.Pi / 180
	dp := (lat2 - lat1) * math.Pi / 180
	dl := (lon2 - lon1) * math.Pi / 180
	a := math.Sin(dp/2)*math.Sin(dp/2) + math.Cos(p1)*math.Cos(p2)*math.Sin(dl/2)*math.Sin(dl/2)
	return 2 * earthRadiusM * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))
}

// ImpliedSpeed returns metres per second between two fixes. A non-positive time delta
// yields +Inf when the fixes are apart and 0 when they coincide.
func ImpliedSpeed(lat1, lon1 float64, tsMs1 int64, lat2, lon2 float64, tsMs2 int64) float64 {
	dist := HaversineMeters(lat1, lon1, lat2, lon2)
	dt := float64(tsMs2-tsMs1) / 1000
	if dt <= 0 {
		if dist < 1 {
			return 0
		}
		return math.Inf(1)
	}
	return dist / dt
}

// ValidCoordinates reports whether lat/lon are finite and within WGS84 bounds.
func ValidCoordinates(lat, lon float64) bool {
	if math.IsNaN(lat) || math.IsNaN(lon) || math.IsInf(lat, 0) || math.IsInf(lon, 0) {
		return false
	}
	return lat >= -90 && lat <= 90 && lon >= -180 && lon <= 180
}
