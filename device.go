package airplay2

import (
	"sync"

	"github.com/owntone-go/airplay2/devicemeta"
)

// Flags are the persistent per-device boolean attributes spec.md §3 names:
// requires-auth, ipv6-disabled, resurrect-on-disconnect.
type Flags uint8

const (
	FlagRequiresAuth Flags = 1 << iota
	FlagIPv6Disabled
	FlagResurrectOnDisconnect
)

// Has reports whether all bits of want are set.
func (f Flags) Has(want Flags) bool { return f&want == want }

// Device is one AirPlay output device, keyed by the 64-bit id derived from
// its MAC address. Fields mirror spec.md §3's "Output device": identity,
// pairing key, volume, quality, and flags. A Device is created when mDNS
// first advertises the speaker and removed when it disappears, unless
// FlagResurrectOnDisconnect is set — that lifecycle is driven by a caller
// feeding devicemeta.Advertisement values in, since the mDNS browser itself
// is out of scope (spec.md §1).
type Device struct {
	mu sync.Mutex

	DeviceID int64
	Name     string
	Model    string
	Address  string // host:port of the device's RTSP control socket
	Features devicemeta.FeatureSet

	// PairingKey is the opaque long-term pairing identity set once after a
	// successful normal pair-setup and persisted across reconnects. Nil
	// for devices that have never completed normal pairing, or that only
	// ever use transient pairing.
	PairingKey *PairingKey

	Volume  int // [0, 100]
	Quality Quality
	Flags   Flags
}

// PairingKey is the persisted controller identity used to skip pair-setup
// on subsequent connections to a previously paired accessory.
type PairingKey struct {
	ControllerID string
	PrivateKey   []byte // ed25519.PrivateKey, seed form
	AccessoryID  string
	AccessoryKey []byte // ed25519.PublicKey of the paired accessory
}

// Quality is the negotiated audio format. AirPlay only ever negotiates one
// quality today (spec.md §9's Open Question); this is still its own type
// so a higher-quality master session key has somewhere to plug in, per
// mastersession.Key's generality.
type Quality struct {
	SampleRate    uint32
	BitsPerSample uint8
	Channels      uint8
}

// DefaultQuality is AirPlay's hard-coded audioFormat 0x40000: 44.1 kHz,
// 16-bit, stereo (spec.md §9).
var DefaultQuality = Quality{SampleRate: 44100, BitsPerSample: 16, Channels: 2}

// NewDeviceFromAdvertisement builds a Device from a parsed mDNS
// advertisement, deciding its required pairing mode from the feature bits
// (spec.md §6's bit table).
func NewDeviceFromAdvertisement(adv devicemeta.Advertisement) *Device {
	return &Device{
		DeviceID: adv.DeviceID,
		Name:     adv.Name,
		Model:    adv.Model,
		Features: adv.Features,
		Quality:  DefaultQuality,
	}
}

// PairingMode decides, from the device's advertised features, whether this
// device uses transient, normal, or unsupported pairing (spec.md §6).
func (d *Device) PairingMode() devicemeta.PairingMode {
	return d.Features.DecidePairingMode()
}

// ActiveRemote is the 32-bit value this device must echo on its event
// channel for DACP-style identification (spec.md §4.5.3): the low 32 bits
// of the device id.
func (d *Device) ActiveRemote() uint32 {
	return devicemeta.ActiveRemote(d.DeviceID)
}

// SetVolume updates the device's last-known volume, clamped to [0,100].
func (d *Device) SetVolume(v int) {
	if v < 0 {
		v = 0
	} else if v > 100 {
		v = 100
	}
	d.mu.Lock()
	d.Volume = v
	d.mu.Unlock()
}

// needsKeepAlive reports whether this device's model is known to disconnect
// when idle (AppleTV 4, HomePod), per spec.md §4.5.6 — needing the 25 s
// keep-alive progress broadcast.
func (d *Device) needsKeepAlive() bool {
	switch d.Model {
	case "AppleTV4,1", "AppleTV4,2", "AudioAccessory1,1", "AudioAccessory1,2":
		return true
	default:
		return false
	}
}
