package airplay2

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/owntone-go/airplay2/devicemeta"
)

func TestFlagsHasChecksAllBits(t *testing.T) {
	f := FlagRequiresAuth | FlagResurrectOnDisconnect
	require.True(t, f.Has(FlagRequiresAuth))
	require.True(t, f.Has(FlagResurrectOnDisconnect))
	require.True(t, f.Has(FlagRequiresAuth|FlagResurrectOnDisconnect))
	require.False(t, f.Has(FlagIPv6Disabled))
}

func TestSetVolumeClampsToRange(t *testing.T) {
	d := &Device{}
	d.SetVolume(-5)
	require.Equal(t, 0, d.Volume)
	d.SetVolume(150)
	require.Equal(t, 100, d.Volume)
	d.SetVolume(42)
	require.Equal(t, 42, d.Volume)
}

func TestNeedsKeepAliveRecognisesKnownModels(t *testing.T) {
	require.True(t, (&Device{Model: "AppleTV4,1"}).needsKeepAlive())
	require.True(t, (&Device{Model: "AudioAccessory1,1"}).needsKeepAlive())
	require.False(t, (&Device{Model: "AppleTV3,2"}).needsKeepAlive())
	require.False(t, (&Device{Model: ""}).needsKeepAlive())
}

func TestActiveRemoteMatchesDeviceMetaHelper(t *testing.T) {
	d := &Device{DeviceID: 123456789}
	require.Equal(t, devicemeta.ActiveRemote(d.DeviceID), d.ActiveRemote())
}

func TestPairingModeDelegatesToFeatureSet(t *testing.T) {
	features, err := devicemeta.ParseFeatures("0x0,0x4000")
	require.NoError(t, err)
	d := &Device{Features: features}
	require.Equal(t, features.DecidePairingMode(), d.PairingMode())
}

func TestNewDeviceFromAdvertisementCopiesFields(t *testing.T) {
	features, err := devicemeta.ParseFeatures("0x0,0x0")
	require.NoError(t, err)
	adv := devicemeta.Advertisement{
		DeviceID: 99,
		Name:     "Living Room",
		Model:    "AppleTV4,1",
		Features: features,
	}
	d := NewDeviceFromAdvertisement(adv)
	require.Equal(t, adv.DeviceID, d.DeviceID)
	require.Equal(t, adv.Name, d.Name)
	require.Equal(t, adv.Model, d.Model)
	require.Equal(t, DefaultQuality, d.Quality)
}
