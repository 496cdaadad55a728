// Package devicemeta parses the mDNS advertisement of an AirPlay 2 device
// and decides which pairing mode applies to it (spec.md §6). Discovery
// itself is out of this spec's scope (§1 Non-goals) — this package only
// models the already-resolved TXT record fields, named-interface-only, so
// it deliberately does not depend on an mDNS browser library such as
// brutella/dnssd even though that library is present elsewhere in the
// retrieved example corpus.
package devicemeta

import (
	"encoding/hex"
	"fmt"
	"strings"
)

// Feature bits consumed by this spec (spec.md §6's table; the full Apple
// bit table is much larger, but only these are load-bearing here).
const (
	FeatureAirPlayAudio              = 9
	FeatureFairPlayAuth               = 14
	FeatureMetaArtwork                = 15
	FeatureMetaProgress               = 16
	FeatureMetaText                   = 17
	FeatureMFiAuth                    = 26
	FeatureLegacyPairing              = 27
	FeatureUnifiedMediaControl        = 38
	FeatureBufferedAudio              = 40
	FeatureSupportsPTP                = 41
	FeatureSystemPairing              = 43
	FeatureHKPairingAndAccessControl  = 46
	FeatureCoreUtilsPairingEncryption = 48
	FeatureUnifiedPairSetupAndMFi     = 51
)

// FeatureSet is the decoded 64-bit `features` TXT field (two hex 32-bit
// words, low word first).
type FeatureSet uint64

// ParseFeatures decodes the mDNS `features` TXT value, which is either a
// single hex token or two separated by a comma (high word, low word per
// owntone's txt parsing; here: "lo" or "lo,hi").
func ParseFeatures(s string) (FeatureSet, error) {
	parts := strings.Split(strings.TrimSpace(s), ",")
	if len(parts) == 0 || len(parts) > 2 {
		return 0, fmt.Errorf("devicemeta: malformed features field %q", s)
	}

	lo, err := parseHexWord(parts[0])
	if err != nil {
		return 0, fmt.Errorf("devicemeta: parse features low word: %w", err)
	}

	var hi uint64
	if len(parts) == 2 {
		hi, err = parseHexWord(parts[1])
		if err != nil {
			return 0, fmt.Errorf("devicemeta: parse features high word: %w", err)
		}
	}

	return FeatureSet(hi<<32 | lo), nil
}

func parseHexWord(s string) (uint64, error) {
	s = strings.TrimPrefix(strings.TrimSpace(s), "0x")
	b, err := hex.DecodeString(pad8(s))
	if err != nil {
		return 0, err
	}
	var v uint64
	for _, c := range b {
		v = v<<8 | uint64(c)
	}
	return v, nil
}

func pad8(s string) string {
	for len(s) < 8 {
		s = "0" + s
	}
	return s
}

// Has reports whether bit is set.
func (f FeatureSet) Has(bit uint) bool {
	return f&(1<<bit) != 0
}

// PairingMode is the pairing sequence this spec should run for a device,
// decided from its advertised features per spec.md §6's rule.
type PairingMode int

const (
	// PairingUnsupported means no recognised pairing flag is advertised;
	// the device is out of scope for this engine.
	PairingUnsupported PairingMode = iota
	// PairingTransient uses pair-setup's 4-message fixed-PIN variant
	// ("3939" under the hood), no long-term key persisted.
	PairingTransient
	// PairingNormal uses the full 6-message pair-setup with a
	// user-supplied PIN and persists a long-term ed25519 identity.
	PairingNormal
)

func (m PairingMode) String() string {
	switch m {
	case PairingTransient:
		return "transient"
	case PairingNormal:
		return "normal"
	default:
		return "unsupported"
	}
}

// DecidePairingMode applies spec.md §6's rule: bit 43 or 48 set selects
// transient pairing; else bit 46 selects normal HomeKit pairing; else the
// device is unsupported.
func (f FeatureSet) DecidePairingMode() PairingMode {
	if f.Has(FeatureSystemPairing) || f.Has(FeatureCoreUtilsPairingEncryption) {
		return PairingTransient
	}
	if f.Has(FeatureHKPairingAndAccessControl) {
		return PairingNormal
	}
	return PairingUnsupported
}

// DeviceID decodes the mDNS `deviceid` TXT field (a MAC address string,
// e.g. "AA:BB:CC:DD:EE:FF") into the 48-bit integer, sign-extended to
// 64 bits, that identifies the device throughout this spec (used as the
// RTSP Active-Remote low 32 bits, and as the pair-verify peer identifier
// key).
func DeviceID(macString string) (int64, error) {
	clean := strings.ReplaceAll(macString, ":", "")
	clean = strings.ReplaceAll(clean, "-", "")
	if len(clean) != 12 {
		return 0, fmt.Errorf("devicemeta: malformed deviceid %q", macString)
	}
	b, err := hex.DecodeString(clean)
	if err != nil {
		return 0, fmt.Errorf("devicemeta: parse deviceid %q: %w", macString, err)
	}
	var v uint64
	for _, c := range b {
		v = v<<8 | uint64(c)
	}
	// Sign-extend from 48 bits.
	if v&(1<<47) != 0 {
		v |= ^uint64(0) << 48
	}
	return int64(v), nil
}

// Advertisement is the parsed mDNS `_airplay._tcp` TXT record.
type Advertisement struct {
	DeviceID int64
	Name     string
	Model    string
	Features FeatureSet
}

// ParseAdvertisement builds an Advertisement from the already-resolved TXT
// map (key lookup and record browsing themselves are outside this spec's
// scope).
func ParseAdvertisement(name string, txt map[string]string) (Advertisement, error) {
	id, err := DeviceID(txt["deviceid"])
	if err != nil {
		return Advertisement{}, err
	}
	features, err := ParseFeatures(txt["features"])
	if err != nil {
		return Advertisement{}, err
	}
	return Advertisement{
		DeviceID: id,
		Name:     name,
		Model:    txt["model"],
		Features: features,
	}, nil
}

// ActiveRemote is the low 32 bits of the device id, sent as the
// Active-Remote RTSP header (spec.md §4.5.3).
func ActiveRemote(deviceID int64) uint32 {
	return uint32(uint64(deviceID) & 0xffffffff)
}
