package fingerprint

import (
	"fmt"
	"time"
)

// Params tunes scoring and localisation. The zero value is not usable; start from DefaultParams.
type Params struct {
	// Strongest access points / cells kept per side before comparing.
	WifiTopK int `yaml:"wifi_top_k"`
	CellTopK int `yaml:"cell_top_k"`

	OverlapWeight float64 `yaml:"overlap_weight"`
	RSSIWeight    float64 `yaml:"rssi_weight"`
	CellWeight    float64 `yaml:"cell_weight"`
	// RSSI difference in dB at which closeness for a shared AP reaches zero.
	RSSIScaleDB float64 `yaml:"rssi_scale_db"`
	// The raw score is multiplied by BoostFloor when one AP is shared, rising
	// linearly to 1 at BoostAt shared APs.
	BoostFloor float64 `yaml:"boost_floor"`
	BoostAt    int     `yaml:"boost_at"`

	MinMatches  int     `yaml:"min_matches"`
	MinScore    float64 `yaml:"min_score"`
	GridDeg     float64 `yaml:"grid_deg"`
	MaxClusters int     `yaml:"max_clusters"`

	BaseAccuracyM float64 `yaml:"base_accuracy_m"`
	MinAccuracyM  float64 `yaml:"min_accuracy_m"`
	MaxAccuracyM  float64 `yaml:"max_accuracy_m"`

	AnchorWindow       time.Duration `yaml:"anchor_window"`
	AnchorLimit        int           `yaml:"anchor_limit"`
	AnchorMaxAccuracyM float64       `yaml:"anchor_max_accuracy_m"`

	// A sample needs this many APs before localisation is attempted.
	LocateMinWifi int `yaml:"locate_min_wifi"`
	// Samples whose own fix is worse than this are localised even when tagged train.
	LocateAccuracyM float64 `yaml:"locate_accuracy_m"`
	// Untagged samples with a fix at least this good become anchors.
	TrainMaxAccuracyM float64 `yaml:"train_max_accuracy_m"`
}

func DefaultParams() Params {
	return Params{
		WifiTopK:           10,
		CellTopK:           6,
		OverlapWeight:      0.58,
		RSSIWeight:         0.30,
		CellWeight:         0.12,
		RSSIScaleDB:        25,
		BoostFloor:         0.55,
		BoostAt:            6,
		MinMatches:         3,
		MinScore:           0.55,
		GridDeg:            1e-4,
		MaxClusters:        3,
		BaseAccuracyM:      50,
		MinAccuracyM:       25,
		MaxAccuracyM:       260,
		AnchorWindow:       30 * 24 * time.Hour,
		AnchorLimit:        300,
		AnchorMaxAccuracyM: 80,
		LocateMinWifi:      3,
		LocateAccuracyM:    80,
		TrainMaxAccuracyM:  60,
	}
}

func (p Params) Validate() error {
	if p.WifiTopK <= 0 || p.CellTopK <= 0 {
		return fmt.Errorf("fingerprint: top-k must be positive (wifi=%d cell=%d)", p.WifiTopK, p.CellTopK)
	}
	if p.OverlapWeight < 0 || p.RSSIWeight < 0 || p.CellWeight < 0 {
		return fmt.Errorf("fingerprint: weights must not be negative")
	}
	if p.RSSIScaleDB <= 0 {
		return fmt.Errorf("fingerprint: rssi_scale_db must be positive")
	}
	if p.BoostFloor < 0 || p.BoostFloor > 1 || p.BoostAt <= 0 {
		return fmt.Errorf("fingerprint: boost_floor must be in [0,1] and boost_at positive")
	}
	if p.MinMatches < 1 || p.MaxClusters < 1 || p.GridDeg <= 0 {
		return fmt.Errorf("fingerprint: min_matches, max_clusters and grid_deg must be positive")
	}
	if p.MinAccuracyM > p.MaxAccuracyM {
		return fmt.Errorf("fingerprint: min_accuracy_m %v exceeds max_accuracy_m %v", p.MinAccuracyM, p.MaxAccuracyM)
	}
	if p.AnchorWindow <= 0 || p.AnchorLimit <= 0 {
		return fmt.Errorf("fingerprint: anchor window and limit must be positive")
	}
	return nil
}
