package airplay2

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
)

func newTestDeviceSession() *DeviceSession {
	return &DeviceSession{state: StateStopped}
}

// TestSequenceAbortStopsAtFirstFailingStep verifies Testable Property 8:
// once a step aborts, no further request is built, OnError runs exactly
// once, and the session ends in failed.
func TestSequenceAbortStopsAtFirstFailingStep(t *testing.T) {
	ds := newTestDeviceSession()
	var thirdStepBuilt bool
	var onErrorCalls int

	seq := Sequence{
		Name: "test",
		Steps: []Step{
			{
				Name: "ok",
				Build: func(ds *DeviceSession) (StepResult, []byte, error) {
					return StepSkip, nil, nil
				},
			},
			{
				Name: "fails",
				Build: func(ds *DeviceSession) (StepResult, []byte, error) {
					return StepAbort, nil, nil
				},
			},
			{
				Name: "never-reached",
				Build: func(ds *DeviceSession) (StepResult, []byte, error) {
					thirdStepBuilt = true
					return StepSkip, nil, nil
				},
			},
		},
		OnError: func(ds *DeviceSession, err error) { onErrorCalls++ },
	}

	err := seq.Run(ds)
	require.Error(t, err)
	require.False(t, thirdStepBuilt)
	require.Equal(t, 1, onErrorCalls)
	require.Equal(t, StateFailed, ds.State())
}

// TestSequenceBuildErrorFailsExactlyOnce checks the same single-OnError
// guarantee when the failure originates from a builder returning a Go
// error rather than an explicit StepAbort verdict.
func TestSequenceBuildErrorFailsExactlyOnce(t *testing.T) {
	ds := newTestDeviceSession()
	var onErrorCalls int

	seq := Sequence{
		Name: "test",
		Steps: []Step{
			{
				Name: "broken",
				Build: func(ds *DeviceSession) (StepResult, []byte, error) {
					return StepSend, nil, fmt.Errorf("boom")
				},
			},
		},
		OnError: func(ds *DeviceSession, err error) { onErrorCalls++ },
	}

	err := seq.Run(ds)
	require.Error(t, err)
	require.Equal(t, 1, onErrorCalls)
	require.Equal(t, StateFailed, ds.State())
}

// TestSequenceSkipStepLeavesStateUntouched exercises the StepSkip verdict:
// a skipped step's HandleResponse and the transport are never invoked.
func TestSequenceSkipStepLeavesStateUntouched(t *testing.T) {
	ds := newTestDeviceSession()
	handled := false

	seq := Sequence{
		Name: "test",
		Steps: []Step{
			{
				Name: "skip-me",
				Build: func(ds *DeviceSession) (StepResult, []byte, error) {
					return StepSkip, nil, nil
				},
				HandleResponse: func(ds *DeviceSession, resp *RTSPResponse) (StepResult, error) {
					handled = true
					return StepSend, nil
				},
			},
		},
	}

	require.NoError(t, seq.Run(ds))
	require.False(t, handled)
	require.Equal(t, StateStopped, ds.State())
}

func TestIsSuccessClassifiesStatusCodes(t *testing.T) {
	require.True(t, isSuccess(200))
	require.True(t, isSuccess(204))
	require.False(t, isSuccess(401))
	require.False(t, isSuccess(500))
}
