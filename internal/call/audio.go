package call

import "log"

// NopCues satisfies AudioCues with no output. Used in tests and on
// hosts without a local audio path.
type NopCues struct{}

func (NopCues) StartRingback()  {}
func (NopCues) StartRingtone()  {}
func (NopCues) Stop()           {}
func (NopCues) SetSpeaker(bool) {}

// LogCues logs cue transitions. The embedding app replaces this with a
// real tone player.
type LogCues struct{}

func (LogCues) StartRingback() { log.Printf("CALL: cue ringback start") }
func (LogCues) StartRingtone() { log.Printf("CALL: cue ringtone start") }
func (LogCues) Stop()          { log.Printf("CALL: cue stop") }
func (LogCues) SetSpeaker(on bool) {
	log.Printf("CALL: speakerphone %v", on)
}
