package airplay2

import (
	"fmt"
	"net"

	"github.com/pion/rtcp"

	"github.com/owntone-go/airplay2/pairing"
)

// infoSequence issues GET /info (spec.md §4.5.2's first step of every
// startup: "GET /info") and moves the session to StateInfo; the reply body
// is not parsed.
var infoSequence = Sequence{
	Name: "info",
	Steps: []Step{
		{
			Name:   "get-info",
			Method: "GET",
			URI:    func(ds *DeviceSession) string { return "/info" },
			Build:  func(ds *DeviceSession) (StepResult, []byte, error) { return StepSend, nil, nil },
			HandleResponse: func(ds *DeviceSession, resp *RTSPResponse) (StepResult, error) {
				ds.setState(StateInfo)
				return StepSend, nil
			},
		},
	},
	OnError: func(ds *DeviceSession, err error) {},
}

// pairSetupTransientSequence runs the 4-message (states 1,2 then 3,4)
// transient pair-setup exchange, per spec.md §4.1/§8 scenario S1: no
// long-term key is persisted, and the SRP session key becomes the shared
// secret directly.
func pairSetupTransientSequence(pin string) Sequence {
	return Sequence{
		Name: "pair-setup-transient",
		Steps: []Step{
			{
				Name:        "pair-setup-m1",
				Method:      "POST",
				URI:         func(ds *DeviceSession) string { return "/pair-setup" },
				ContentType: "application/octet-stream",
				Build: func(ds *DeviceSession) (StepResult, []byte, error) {
					ds.setup = pairing.NewClientSetup(ds.identity, pin, true)
					return StepSend, pairing.Format(ds.setup.M1()), nil
				},
				HandleResponse: func(ds *DeviceSession, resp *RTSPResponse) (StepResult, error) {
					m2, err := pairing.Parse(resp.Body)
					if err != nil {
						return StepAbort, err
					}
					m3, err := ds.setup.M3(m2)
					if err != nil {
						return StepAbort, err
					}
					ds.pendingBody = pairing.Format(m3)
					return StepSend, nil
				},
			},
			{
				Name:        "pair-setup-m3",
				Method:      "POST",
				URI:         func(ds *DeviceSession) string { return "/pair-setup" },
				ContentType: "application/octet-stream",
				Build: func(ds *DeviceSession) (StepResult, []byte, error) {
					return StepSend, ds.pendingBody, nil
				},
				HandleResponse: func(ds *DeviceSession, resp *RTSPResponse) (StepResult, error) {
					m4, err := pairing.Parse(resp.Body)
					if err != nil {
						return StepAbort, err
					}
					if _, err := ds.setup.M5(m4); err != nil {
						return StepAbort, err
					}
					ds.setState(StatePairSetup)
					return StepSend, nil
				},
			},
		},
		OnError: func(ds *DeviceSession, err error) {},
	}
}

// pairSetupNormalSequence runs the full 6-message normal pair-setup
// exchange, persisting the accessory's long-term identity via peers on
// success, per spec.md §8 scenario S2.
func pairSetupNormalSequence(pin string) Sequence {
	return Sequence{
		Name: "pair-setup-normal",
		Steps: []Step{
			{
				Name:        "pair-setup-m1",
				Method:      "POST",
				URI:         func(ds *DeviceSession) string { return "/pair-setup" },
				ContentType: "application/octet-stream",
				Build: func(ds *DeviceSession) (StepResult, []byte, error) {
					ds.setup = pairing.NewClientSetup(ds.identity, pin, false)
					return StepSend, pairing.Format(ds.setup.M1()), nil
				},
				HandleResponse: func(ds *DeviceSession, resp *RTSPResponse) (StepResult, error) {
					m2, err := pairing.Parse(resp.Body)
					if err != nil {
						return StepAbort, err
					}
					m3, err := ds.setup.M3(m2)
					if err != nil {
						return StepAbort, err
					}
					ds.pendingBody = pairing.Format(m3)
					return StepSend, nil
				},
			},
			{
				Name:        "pair-setup-m3",
				Method:      "POST",
				URI:         func(ds *DeviceSession) string { return "/pair-setup" },
				ContentType: "application/octet-stream",
				Build: func(ds *DeviceSession) (StepResult, []byte, error) {
					return StepSend, ds.pendingBody, nil
				},
				HandleResponse: func(ds *DeviceSession, resp *RTSPResponse) (StepResult, error) {
					m4, err := pairing.Parse(resp.Body)
					if err != nil {
						return StepAbort, err
					}
					m5, err := ds.setup.M5(m4)
					if err != nil {
						return StepAbort, err
					}
					ds.pendingBody = pairing.Format(m5)
					return StepSend, nil
				},
			},
			{
				Name:        "pair-setup-m5",
				Method:      "POST",
				URI:         func(ds *DeviceSession) string { return "/pair-setup" },
				ContentType: "application/octet-stream",
				Build: func(ds *DeviceSession) (StepResult, []byte, error) {
					return StepSend, ds.pendingBody, nil
				},
				HandleResponse: func(ds *DeviceSession, resp *RTSPResponse) (StepResult, error) {
					m6, err := pairing.Parse(resp.Body)
					if err != nil {
						return StepAbort, err
					}
					if err := ds.setup.VerifyM6(m6, ds.peers); err != nil {
						return StepAbort, err
					}
					ds.setState(StatePairSetup)
					return StepSend, nil
				},
			},
		},
		OnError: func(ds *DeviceSession, err error) {},
	}
}

// pairVerifySequence runs the 4-message pair-verify exchange, installing
// the resulting transport cipher and audio key on success.
var pairVerifySequence = Sequence{
	Name: "pair-verify",
	Steps: []Step{
		{
			Name:        "pair-verify-m1",
			Method:      "POST",
			URI:         func(ds *DeviceSession) string { return "/pair-verify" },
			ContentType: "application/octet-stream",
			Build: func(ds *DeviceSession) (StepResult, []byte, error) {
				v, err := pairing.NewClientVerify(ds.identity)
				if err != nil {
					return StepAbort, nil, err
				}
				ds.verify = v
				return StepSend, pairing.Format(v.M1()), nil
			},
			HandleResponse: func(ds *DeviceSession, resp *RTSPResponse) (StepResult, error) {
				m2, err := pairing.Parse(resp.Body)
				if err != nil {
					return StepAbort, err
				}
				m3, err := ds.verify.M3(m2, ds.peers)
				if err != nil {
					return StepAbort, err
				}
				ds.pendingBody = pairing.Format(m3)
				return StepSend, nil
			},
		},
		{
			Name:        "pair-verify-m3",
			Method:      "POST",
			URI:         func(ds *DeviceSession) string { return "/pair-verify" },
			ContentType: "application/octet-stream",
			Build: func(ds *DeviceSession) (StepResult, []byte, error) {
				return StepSend, ds.pendingBody, nil
			},
			HandleResponse: func(ds *DeviceSession, resp *RTSPResponse) (StepResult, error) {
				m4, err := pairing.Parse(resp.Body)
				if err != nil {
					return StepAbort, err
				}
				if err := ds.verify.VerifyM4(m4); err != nil {
					return StepAbort, err
				}
				shared := ds.verify.SharedSecret()
				cipher, err := pairing.NewTransportCipher(shared, pairing.ChannelControl, false)
				if err != nil {
					return StepAbort, err
				}
				ds.transport.SetCipher(cipher)
				if err := ds.deriveAudioCipher(shared); err != nil {
					return StepAbort, err
				}
				ds.setState(StateEncrypted)
				return StepSend, nil
			},
		},
	},
	OnError: func(ds *DeviceSession, err error) {},
}

// setupPayload is the minimal SETUP request/response plist shape this
// engine exchanges: session-level SETUP negotiates timing/control ports
// and the session id; stream-level SETUP negotiates the data port and
// type. Field names follow Apple's documented SETUP plist keys.
type setupPayload struct {
	SessionUUID string `plist:"sessionUUID,omitempty"`
	TimingPort  int    `plist:"timingPort,omitempty"`
	EventPort   int    `plist:"eventPort,omitempty"`
	ControlPort int    `plist:"controlPort,omitempty"`
	DataPort    int    `plist:"dataPort,omitempty"`
	Type        int    `plist:"type,omitempty"`
	AudioFormat int    `plist:"audioFormat,omitempty"`
	ClockID     uint64 `plist:"clockID,omitempty"`
	StreamID    int    `plist:"streamID,omitempty"`
}

// setupSessionStep negotiates the per-session timing/control ports and
// captures the session id the device assigns. A 401 response carrying a
// digest challenge is answered once (spec.md §8 Testable Property 9,
// scenario S3); a second 401 aborts the sequence.
func setupSessionStep(username, password string) Step {
	return Step{
		Name:           "setup-session",
		Method:         "SETUP",
		URI:            func(ds *DeviceSession) string { return ds.SessionURL },
		ContentType:    "application/x-apple-binary-plist",
		ProceedOnNonOK: true,
		Build: func(ds *DeviceSession) (StepResult, []byte, error) {
			if err := ds.openLocalSockets(); err != nil {
				return StepAbort, nil, err
			}
			body, err := marshalPlist(setupPayload{
				SessionUUID: ds.SessionUUID,
				TimingPort:  udpLocalPort(ds.EventsConn),
				ControlPort: udpLocalPort(ds.ControlConn),
			})
			return StepSend, body, err
		},
		HandleResponse: func(ds *DeviceSession, resp *RTSPResponse) (StepResult, error) {
			if resp.StatusCode == 401 {
				header, ok := wwwAuthenticate(resp)
				if !ok || !isDigestChallenge(header) {
					return StepAbort, fmt.Errorf("%w: 401 without a digest challenge", ErrAuthentication)
				}
				auth, err := buildDigestAuthorization(header, "SETUP", ds.SessionURL, username, password)
				if err != nil {
					return StepAbort, err
				}
				ds.pendingAuth = auth
				return stepRetry, nil
			}
			if !isSuccess(resp.StatusCode) {
				return StepAbort, fmt.Errorf("%w: setup failed with status %d", ErrProtocol, resp.StatusCode)
			}
			var reply setupPayload
			if err := unmarshalPlist(resp.Body, &reply); err != nil {
				return StepAbort, err
			}
			if reply.ControlPort != 0 {
				ds.controlPeer = ds.peerAddr(reply.ControlPort)
			}
			ds.setState(StateSetup)
			return StepSend, nil
		},
	}
}

func recordStep() Step {
	return Step{
		Name:   "record",
		Method: "RECORD",
		URI:    func(ds *DeviceSession) string { return ds.SessionURL },
		Build:  func(ds *DeviceSession) (StepResult, []byte, error) { return StepSend, nil, nil },
		HandleResponse: func(ds *DeviceSession, resp *RTSPResponse) (StepResult, error) {
			ds.setState(StateRecord)
			return StepSend, nil
		},
	}
}

func setPeersStep() Step {
	return Step{
		Name:        "set-peers",
		Method:      "SETPEERS",
		URI:         func(ds *DeviceSession) string { return ds.SessionURL },
		ContentType: "application/x-apple-binary-plist",
		Build: func(ds *DeviceSession) (StepResult, []byte, error) {
			body, err := marshalPlist([]string{})
			return StepSend, body, err
		},
	}
}

// setupStreamStep negotiates the audio data stream (port, format, clock
// identifier) for the quality this device session's master session uses.
func setupStreamStep(clockIdentifier uint64) Step {
	return Step{
		Name:        "setup-stream",
		Method:      "SETUP",
		URI:         func(ds *DeviceSession) string { return ds.SessionURL },
		ContentType: "application/x-apple-binary-plist",
		Build: func(ds *DeviceSession) (StepResult, []byte, error) {
			body, err := marshalPlist(setupPayload{
				Type:        96,
				AudioFormat: 0x40000,
				ClockID:     clockIdentifier,
				DataPort:    udpLocalPort(ds.DataConn),
			})
			return StepSend, body, err
		},
		HandleResponse: func(ds *DeviceSession, resp *RTSPResponse) (StepResult, error) {
			var reply setupPayload
			if err := unmarshalPlist(resp.Body, &reply); err != nil {
				return StepAbort, err
			}
			if reply.DataPort != 0 {
				ds.audioPeer = ds.peerAddr(reply.DataPort)
			}
			ds.mu.Lock()
			ds.needsJoinSync = true
			ds.mu.Unlock()
			ds.setState(StateConnected)
			return StepSend, nil
		},
	}
}

func setVolumeStep(volume int) Step {
	return Step{
		Name:        "set-volume",
		Method:      "SET_PARAMETER",
		URI:         func(ds *DeviceSession) string { return ds.SessionURL },
		ContentType: "text/parameters",
		Build: func(ds *DeviceSession) (StepResult, []byte, error) {
			return StepSend, []byte(fmt.Sprintf("volume: %.6f\r\n", airplayVolume(volume))), nil
		},
	}
}

// airplayVolume maps [0,100] to AirPlay's volume parameter range: -30.0 (min
// audible) to 0.0 (max), or -144.0 for mute at 0.
func airplayVolume(v int) float64 {
	if v <= 0 {
		return -144.0
	}
	if v > 100 {
		v = 100
	}
	return -30.0 + (float64(v)/100.0)*30.0
}

// startPlaybackSequence issues the startup sequence spec.md §4.5.2 names
// as an example: SETUP(session), RECORD, SETPEERS, SETUP(stream),
// SET_PARAMETER(volume). On success the session moves to connected,
// awaiting the join sync packet + marker packet to reach streaming
// (spec.md §4.5.4).
func startPlaybackSequence(clockIdentifier uint64, volume int, username, password string) Sequence {
	return Sequence{
		Name: "start-playback",
		Steps: []Step{
			setupSessionStep(username, password),
			recordStep(),
			setPeersStep(),
			setupStreamStep(clockIdentifier),
			setVolumeStep(volume),
		},
		OnError: func(ds *DeviceSession, err error) {
			ds.detachMaster()
		},
	}
}

// teardownPayload carries either just the stream id (first TEARDOWN, per
// spec.md §6 NEW note) or nothing (the second, resurrect-only TEARDOWN).
type teardownPayload struct {
	StreamID int `plist:"streams,omitempty"`
}

// teardownSequence tears a device session down, per spec.md §8 scenario
// S5: a first TEARDOWN names the stream id; if the device is flagged
// resurrect-on-disconnect, a second, empty-bodied TEARDOWN follows.
func teardownSequence(streamID int, resurrect bool) Sequence {
	steps := []Step{
		{
			Name:        "teardown-stream",
			Method:      "TEARDOWN",
			URI:         func(ds *DeviceSession) string { return ds.SessionURL },
			ContentType: "application/x-apple-binary-plist",
			Build: func(ds *DeviceSession) (StepResult, []byte, error) {
				body, err := marshalPlist(teardownPayload{StreamID: streamID})
				return StepSend, body, err
			},
		},
	}
	if resurrect {
		steps = append(steps, Step{
			Name:   "teardown-session",
			Method: "TEARDOWN",
			URI:    func(ds *DeviceSession) string { return ds.SessionURL },
			Build:  func(ds *DeviceSession) (StepResult, []byte, error) { return StepSend, nil, nil },
		})
	}
	return Sequence{
		Name:  "teardown",
		Steps: steps,
		OnError: func(ds *DeviceSession, err error) {
			ds.detachMaster()
			ds.setState(StateStopped)
		},
	}
}

// flushSequence asks the device to discard buffered audio up to
// (rtpSeq, rtpTime), per spec.md §6's NEW FLUSH-payload note recovered
// from original_source/.
func flushSequence(rtpSeq uint16, rtpTime uint32) Sequence {
	return Sequence{
		Name: "flush",
		Steps: []Step{
			{
				Name:   "flush",
				Method: "FLUSH",
				URI:    func(ds *DeviceSession) string { return ds.SessionURL },
				Build: func(ds *DeviceSession) (StepResult, []byte, error) {
					return StepSend, []byte(fmt.Sprintf("RTP-Info: seq=%d;rtptime=%d\r\n", rtpSeq, rtpTime)), nil
				},
			},
		},
		OnError: func(ds *DeviceSession, err error) {},
	}
}

// volumeSequence pushes a new volume to an already-streaming device.
func volumeSequence(volume int) Sequence {
	return Sequence{
		Name:    "set-volume",
		Steps:   []Step{setVolumeStep(volume)},
		OnError: func(ds *DeviceSession, err error) {},
	}
}

// FeedbackReport is a periodic quality snapshot sent to /feedback: packets
// sent, retransmits served/missed, and loss/jitter as reported back by
// the device (spec.md §4.5.2's NEW feedback-payload note). FractionLost and
// Jitter are carried straight out of a pion/rtcp.ReceptionReport rather
// than re-derived, since that's the RTCP-native shape the retransmit
// tracker already accumulates loss/jitter into.
type FeedbackReport struct {
	PacketsSent       uint32 `plist:"packetsSent,omitempty"`
	RetransmitsServed uint32 `plist:"retransmitsServed,omitempty"`
	RetransmitsMissed uint32 `plist:"retransmitsMissed,omitempty"`
	FractionLost      uint8  `plist:"fractionLost,omitempty"`
	Jitter            uint32 `plist:"jitter,omitempty"`
}

// NewFeedbackReport builds a FeedbackReport from a pion/rtcp reception
// report plus the counters the transport layer keeps itself (packets sent,
// retransmits served/missed aren't part of RTCP's reception-report shape).
func NewFeedbackReport(rr rtcp.ReceptionReport, packetsSent, retransmitsServed, retransmitsMissed uint32) FeedbackReport {
	return FeedbackReport{
		PacketsSent:       packetsSent,
		RetransmitsServed: retransmitsServed,
		RetransmitsMissed: retransmitsMissed,
		FractionLost:      rr.FractionLost,
		Jitter:            rr.Jitter,
	}
}

// feedbackSequence reports a quality snapshot: retransmits served/missed,
// packets sent, and an RTCP-reception-report-shaped jitter/loss estimate
// (spec.md §4.5.2's NEW feedback-payload note).
func feedbackSequence(report FeedbackReport) Sequence {
	return Sequence{
		Name: "feedback",
		Steps: []Step{
			{
				Name:        "feedback",
				Method:      "POST",
				URI:         func(ds *DeviceSession) string { return "/feedback" },
				ContentType: "application/x-apple-binary-plist",
				Build: func(ds *DeviceSession) (StepResult, []byte, error) {
					body, err := marshalPlist(report)
					return StepSend, body, err
				},
			},
		},
		OnError: func(ds *DeviceSession, err error) {},
	}
}

// progressSequence broadcasts the keep-alive progress SET_PARAMETER,
// per spec.md §4.5.6.
func progressSequence(p Progress) Sequence {
	return Sequence{
		Name: "progress",
		Steps: []Step{
			{
				Name:        "set-progress",
				Method:      "SET_PARAMETER",
				URI:         func(ds *DeviceSession) string { return ds.SessionURL },
				ContentType: "text/parameters",
				Build: func(ds *DeviceSession) (StepResult, []byte, error) {
					return StepSend, []byte(fmt.Sprintf("progress: %d/%d/%d\r\n", p.Start, p.Cur, p.End)), nil
				},
			},
		},
		OnError: func(ds *DeviceSession, err error) {},
	}
}
