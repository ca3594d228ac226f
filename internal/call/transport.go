package call

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/pion/interceptor"
	"github.com/pion/rtcp"
	"github.com/pion/webrtc/v4"
)

// NewPionTransport builds the production TransportFactory. stunServers
// feed the ICE configuration; sink receives remote audio payloads and
// may be nil to discard them.
func NewPionTransport(stunServers []string, sink AudioSink) TransportFactory {
	return func(ctx context.Context, media MediaSession, ev TransportEvents) (PeerTransport, error) {
		engine := &webrtc.MediaEngine{}
		if media != nil {
			if err := media.Populate(engine); err != nil {
				return nil, fmt.Errorf("populate media engine: %w", err)
			}
		} else {
			if err := engine.RegisterDefaultCodecs(); err != nil {
				return nil, fmt.Errorf("register codecs: %w", err)
			}
		}

		ir := &interceptor.Registry{}
		if err := webrtc.RegisterDefaultInterceptors(engine, ir); err != nil {
			return nil, fmt.Errorf("register interceptors: %w", err)
		}

		se := webrtc.SettingEngine{}
		se.SetICETimeouts(30*time.Second, 120*time.Second, 2*time.Second)

		api := webrtc.NewAPI(
			webrtc.WithMediaEngine(engine),
			webrtc.WithInterceptorRegistry(ir),
			webrtc.WithSettingEngine(se),
		)

		var servers []webrtc.ICEServer
		if len(stunServers) > 0 {
			servers = append(servers, webrtc.ICEServer{URLs: stunServers})
		}
		pc, err := api.NewPeerConnection(webrtc.Configuration{ICEServers: servers})
		if err != nil {
			return nil, fmt.Errorf("new peer connection: %w", err)
		}

		t := &pionTransport{pc: pc, ev: ev, sink: sink}

		if media != nil {
			sender, err := media.AddTo(pc)
			if err != nil {
				pc.Close()
				return nil, fmt.Errorf("attach microphone: %w", err)
			}
			t.sender = sender
			t.sendTrack = sender.Track()
			go t.readRTCP(sender)
		} else {
			if _, err := pc.AddTransceiverFromKind(webrtc.RTPCodecTypeAudio,
				webrtc.RTPTransceiverInit{Direction: webrtc.RTPTransceiverDirectionRecvonly}); err != nil {
				pc.Close()
				return nil, fmt.Errorf("add recv transceiver: %w", err)
			}
		}

		pc.OnICECandidate(func(c *webrtc.ICECandidate) {
			if c == nil || ev.OnCandidate == nil {
				return
			}
			b, err := json.Marshal(c.ToJSON())
			if err != nil {
				log.Printf("RTC: marshal candidate: %v", err)
				return
			}
			ev.OnCandidate(string(b))
		})

		pc.OnConnectionStateChange(func(st webrtc.PeerConnectionState) {
			log.Printf("RTC: connection state %s", st)
			switch st {
			case webrtc.PeerConnectionStateConnected:
				if ev.OnConnected != nil {
					ev.OnConnected()
				}
			case webrtc.PeerConnectionStateFailed, webrtc.PeerConnectionStateDisconnected:
				t.reportClosed(fmt.Errorf("peer connection %s", st))
			case webrtc.PeerConnectionStateClosed:
				t.reportClosed(nil)
			}
		})

		pc.OnTrack(func(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
			if track.Kind() != webrtc.RTPCodecTypeAudio {
				return
			}
			log.Printf("RTC: remote audio track %s (%s)", track.ID(), track.Codec().MimeType)
			go pumpRemoteAudio(track, t.sink)
		})

		return t, nil
	}
}

type pionTransport struct {
	pc        *webrtc.PeerConnection
	sender    *webrtc.RTPSender
	sendTrack webrtc.TrackLocal
	ev        TransportEvents
	sink      AudioSink

	closeOnce sync.Once
	closedMu  sync.Mutex
	closed    bool
}

func (t *pionTransport) CreateOffer(ctx context.Context) (string, error) {
	offer, err := t.pc.CreateOffer(nil)
	if err != nil {
		return "", err
	}
	if err := t.pc.SetLocalDescription(offer); err != nil {
		return "", err
	}
	return marshalSDP(offer)
}

func (t *pionTransport) CreateAnswer(ctx context.Context) (string, error) {
	answer, err := t.pc.CreateAnswer(nil)
	if err != nil {
		return "", err
	}
	if err := t.pc.SetLocalDescription(answer); err != nil {
		return "", err
	}
	return marshalSDP(answer)
}

func (t *pionTransport) SetRemoteDescription(sdp string) error {
	var desc webrtc.SessionDescription
	if err := json.Unmarshal([]byte(sdp), &desc); err != nil {
		return fmt.Errorf("decode description: %w", err)
	}
	return t.pc.SetRemoteDescription(desc)
}

func (t *pionTransport) AddICECandidate(candidate string) error {
	var init webrtc.ICECandidateInit
	if err := json.Unmarshal([]byte(candidate), &init); err != nil {
		return fmt.Errorf("decode candidate: %w", err)
	}
	return t.pc.AddICECandidate(init)
}

// SetMuted swaps the outbound track for nil and back. No renegotiation;
// the far side just stops receiving packets.
func (t *pionTransport) SetMuted(muted bool) error {
	if t.sender == nil {
		return nil
	}
	if muted {
		return t.sender.ReplaceTrack(nil)
	}
	return t.sender.ReplaceTrack(t.sendTrack)
}

func (t *pionTransport) Close() error {
	var err error
	t.closeOnce.Do(func() {
		t.closedMu.Lock()
		t.closed = true
		t.closedMu.Unlock()
		err = t.pc.Close()
	})
	return err
}

// reportClosed forwards transport-initiated shutdowns only. A local
// Close already has the session in teardown.
func (t *pionTransport) reportClosed(err error) {
	t.closedMu.Lock()
	wasLocal := t.closed
	t.closed = true
	t.closedMu.Unlock()
	if wasLocal || t.ev.OnClosed == nil {
		return
	}
	t.ev.OnClosed(err)
}

// readRTCP surfaces receiver reports so packet loss on the uplink shows
// up in the logs instead of only as garbled audio on the far side.
func (t *pionTransport) readRTCP(sender *webrtc.RTPSender) {
	for {
		pkts, _, err := sender.ReadRTCP()
		if err != nil {
			return
		}
		for _, pkt := range pkts {
			rr, ok := pkt.(*rtcp.ReceiverReport)
			if !ok {
				continue
			}
			for _, rep := range rr.Reports {
				if rep.FractionLost > 25 {
					log.Printf("RTC: uplink loss %d/256, jitter %d", rep.FractionLost, rep.Jitter)
				}
			}
		}
	}
}

func marshalSDP(desc webrtc.SessionDescription) (string, error) {
	b, err := json.Marshal(desc)
	if err != nil {
		return "", err
	}
	return string(b), nil
}
