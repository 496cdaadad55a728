package devicemeta

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParseFeaturesSingleWord(t *testing.T) {
	f, err := ParseFeatures("0x445C340")
	require.NoError(t, err)
	require.True(t, f.Has(FeatureAirPlayAudio))
}

func TestParseFeaturesTwoWords(t *testing.T) {
	// bit 43 lives in the high word (bit 11 of the high 32 bits).
	f, err := ParseFeatures("0,0x800")
	require.NoError(t, err)
	require.True(t, f.Has(FeatureSystemPairing))
	require.False(t, f.Has(FeatureHKPairingAndAccessControl))
}

func TestDecidePairingModeTransientWhenSystemPairingBitSet(t *testing.T) {
	f, err := ParseFeatures("0,0x800")
	require.NoError(t, err)
	require.Equal(t, PairingTransient, f.DecidePairingMode())
}

func TestDecidePairingModeNormalWhenOnlyHKBitSet(t *testing.T) {
	f, err := ParseFeatures("0,0x4000")
	require.NoError(t, err)
	require.Equal(t, PairingNormal, f.DecidePairingMode())
}

func TestDecidePairingModeUnsupportedWhenNeitherBitSet(t *testing.T) {
	f, err := ParseFeatures("0x1,0")
	require.NoError(t, err)
	require.Equal(t, PairingUnsupported, f.DecidePairingMode())
}

func TestDeviceIDFromMACString(t *testing.T) {
	id, err := DeviceID("AA:BB:CC:DD:EE:FF")
	require.NoError(t, err)
	require.Equal(t, ActiveRemote(id), uint32(0xCCDDEEFF))
}

func TestDeviceIDRejectsMalformed(t *testing.T) {
	_, err := DeviceID("not-a-mac")
	require.Error(t, err)
}

func TestParseAdvertisement(t *testing.T) {
	adv, err := ParseAdvertisement("Living Room", map[string]string{
		"deviceid": "AA:BB:CC:DD:EE:FF",
		"model":    "AudioAccessory5,1",
		"features": "0,0x4000",
	})
	require.NoError(t, err)
	require.Equal(t, "Living Room", adv.Name)
	require.Equal(t, "AudioAccessory5,1", adv.Model)
	require.Equal(t, PairingNormal, adv.Features.DecidePairingMode())
}
