package fingerprint

import (
	"fmt"
	"strings"

	"github.com/fxamacker/cbor/v2"
)

const (
	MaxSamplesPerRequest = 50
	MaxWifiPerSample     = 32
	MaxCellPerSample     = 16
)

type Purpose string

const (
	PurposeTrain  Purpose = "train"
	PurposeLocate Purpose = "locate"
)

// WifiObservation is one access point seen in a scan. Only digests are held.
type WifiObservation struct {
	BSSIDHash string `json:"bssid_hash" cbor:"1,keyasint"`
	SSIDHash  string `json:"ssid_hash,omitempty" cbor:"2,keyasint,omitempty"`
	RSSI      int    `json:"rssi" cbor:"3,keyasint"`
	FreqMHz   int    `json:"freq_mhz,omitempty" cbor:"4,keyasint,omitempty"`
}

// NewWifiObservation hashes the raw identifiers.
func NewWifiObservation(bssid, ssid string, rssi, freqMHz int) WifiObservation {
	return WifiObservation{
		BSSIDHash: HashIdentifier(bssid),
		SSIDHash:  HashIdentifier(ssid),
		RSSI:      rssi,
		FreqMHz:   freqMHz,
	}
}

type CellObservation struct {
	Type     string `json:"type" cbor:"1,keyasint"`
	MCC      int    `json:"mcc" cbor:"2,keyasint"`
	MNC      int    `json:"mnc" cbor:"3,keyasint"`
	CellID   int64  `json:"cell_id" cbor:"4,keyasint"`
	AreaCode int    `json:"area_code" cbor:"5,keyasint"`
	PCI      *int   `json:"pci,omitempty" cbor:"6,keyasint,omitempty"`
	DBM      *int   `json:"dbm,omitempty" cbor:"7,keyasint,omitempty"`
}

// Key identifies the tower; signal strength is not part of it.
func (c CellObservation) Key() string {
	pci := ""
	if c.PCI != nil {
		pci = fmt.Sprint(*c.PCI)
	}
	return fmt.Sprintf("%s|%d|%d|%d|%d|%s", strings.ToLower(c.Type), c.MCC, c.MNC, c.CellID, c.AreaCode, pci)
}

type Sample struct {
	DeviceID    string
	TimestampMs int64
	Lat         *float64
	Lon         *float64
	AccuracyM   *float64
	Wifi        []WifiObservation
	Cell        []CellObservation
	Purpose     Purpose
	Mode        string
}

func (s *Sample) HasPosition() bool {
	return s.Lat != nil && s.Lon != nil
}

// DerivePurpose picks train or locate. An explicit value wins. Otherwise a sample is
// training data only when it carries a fix at least as good as p.TrainMaxAccuracyM.
func DerivePurpose(explicit string, lat, lon, accuracyM *float64, p Params) Purpose {
	switch Purpose(strings.ToLower(strings.TrimSpace(explicit))) {
	case PurposeTrain:
		return PurposeTrain
	case PurposeLocate:
		return PurposeLocate
	}
	if lat != nil && lon != nil && accuracyM != nil && *accuracyM <= p.TrainMaxAccuracyM {
		return PurposeTrain
	}
	return PurposeLocate
}

// ShouldLocalize reports whether the server should try to estimate a position for s.
func (p Params) ShouldLocalize(s *Sample) bool {
	if len(s.Wifi) < p.LocateMinWifi {
		return false
	}
	if s.Purpose == PurposeLocate || !s.HasPosition() {
		return true
	}
	return s.AccuracyM != nil && *s.AccuracyM > p.LocateAccuracyM
}

// Trim drops observations without an identifier and caps both lists.
func (s *Sample) Trim() {
	wifi := s.Wifi[:0]
	for _, w := range s.Wifi {
		if w.BSSIDHash == "" {
			continue
		}
		wifi = append(wifi, w)
		if len(wifi) == MaxWifiPerSample {
			break
		}
	}
	s.Wifi = wifi
	if len(s.Cell) > MaxCellPerSample {
		s.Cell = s.Cell[:MaxCellPerSample]
	}
}

var encMode cbor.EncMode

func init() {
	var err error
	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("fingerprint: cbor encoder: " + err.Error())
	}
}

func EncodeWifi(obs []WifiObservation) ([]byte, error) {
	if obs == nil {
		obs = []WifiObservation{}
	}
	return encMode.Marshal(obs)
}

func DecodeWifi(b []byte) ([]WifiObservation, error) {
	var obs []WifiObservation
	if len(b) == 0 {
		return obs, nil
	}
	err := cbor.Unmarshal(b, &obs)
	return obs, err
}

func EncodeCell(obs []CellObservation) ([]byte, error) {
	if obs == nil {
		obs = []CellObservation{}
	}
	return encMode.Marshal(obs)
}

func DecodeCell(b []byte) ([]CellObservation, error) {
	var obs []CellObservation
	if len(b) == 0 {
		return obs, nil
	}
	err := cbor.Unmarshal(b, &obs)
	return obs, err
}
