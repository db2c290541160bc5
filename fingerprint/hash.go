package fingerprint

import (
	"encoding/hex"
	"strings"

	"github.com/zeebo/blake3"
)

// identKey keys every BSSID/SSID digest. It is the same for all devices so a device's
// scans stay comparable with its own anchors across reinstalls. Changing it invalidates
// every stored fingerprint.
var identKey = [32]byte{
	't', 'r', 'a', 'c', 'k', 'l', 'i', 'n', 'k', '.', 'r', 'a', 'd', 'i', 'o', '.',
	'i', 'd', 'e', 'n', 't', 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0,
}

// HashIdentifier returns the hex keyed BLAKE3 digest of a BSSID or SSID, lower-cased
// and trimmed first. Empty input hashes to "". Input that already looks like a
// 64-character hex digest is assumed to be hashed on the device and returned as-is.
func HashIdentifier(raw string) string {
	s := strings.ToLower(strings.TrimSpace(raw))
	if s == "" {
		return ""
	}
	if isHexDigest(s) {
		return s
	}
	h, err := blake3.NewKeyed(identKey[:])
	if err != nil {
		// only fails for a key of the wrong length
		panic("fingerprint: bad identity key: " + err.Error())
	}
	h.Write([]byte(s))
	return hex.EncodeToString(h.Sum(nil))
}

func isHexDigest(s string) bool {
	if len(s) != 64 {
		return false
	}
	for i := 0; i < len(s); i++ {
		c := s[i]
		if !(c >= '0' && c <= '9' || c >= 'a' && c <= 'f') {
			return false
		}
	}
	return true
}
