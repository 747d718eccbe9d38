package models

// CallMode is the media mode of a call.
type CallMode string

const (
	CallModeAudio CallMode = "audio"
	CallModeVideo CallMode = "video"
)

// CallStatus is the minimal call-state sequence. There is no persistence
// requirement beyond the live signaling exchange; these values only travel
// inside events.
type CallStatus string

const (
	CallStatusRequested CallStatus = "requested"
	CallStatusRinging   CallStatus = "ringing"
	CallStatusAccepted  CallStatus = "accepted"
	CallStatusEnded     CallStatus = "ended"
	CallStatusDeclined  CallStatus = "declined"
	CallStatusMissed    CallStatus = "missed"
)
