// Package telephony implements the Twilio side of the gateway: the Media
// Streams WebSocket message format, TwiML generation for call setup, and a
// minimal REST client for outbound call origination.
package telephony

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
)

// Media Streams event names.
const (
	EventConnected = "connected"
	EventStart     = "start"
	EventMedia     = "media"
	EventStop      = "stop"
	EventMark      = "mark"
	EventDTMF      = "dtmf"
	EventClear     = "clear"
)

// MediaFormat describes the audio encoding negotiated for a stream. Twilio
// always sends audio/x-mulaw at 8000 Hz mono over Media Streams.
type MediaFormat struct {
	Encoding   string `json:"encoding"`
	SampleRate int    `json:"sampleRate"`
	Channels   int    `json:"channels"`
}

// Start carries the metadata of the "start" event that opens a stream.
type Start struct {
	StreamSid        string            `json:"streamSid"`
	CallSid          string            `json:"callSid"`
	AccountSid       string            `json:"accountSid"`
	Tracks           []string          `json:"tracks"`
	MediaFormat      MediaFormat       `json:"mediaFormat"`
	CustomParameters map[string]string `json:"customParameters,omitempty"`
}

// Media carries one base64-encoded μ-law audio chunk.
type Media struct {
	Track     string `json:"track,omitempty"`
	Chunk     string `json:"chunk,omitempty"`
	Timestamp string `json:"timestamp,omitempty"`
	Payload   string `json:"payload"`
}

// Stop carries the metadata of the "stop" event that ends a stream.
type Stop struct {
	CallSid    string `json:"callSid"`
	AccountSid string `json:"accountSid"`
}

// Mark acknowledges a previously sent mark message.
type Mark struct {
	Name string `json:"name"`
}

// DTMF carries a keypad digit pressed by the caller.
type DTMF struct {
	Track string `json:"track"`
	Digit string `json:"digit"`
}

// Frame is one inbound Media Streams message. Only the section matching
// Event is populated.
type Frame struct {
	Event          string `json:"event"`
	SequenceNumber string `json:"sequenceNumber,omitempty"`
	StreamSid      string `json:"streamSid,omitempty"`
	Start          *Start `json:"start,omitempty"`
	Media          *Media `json:"media,omitempty"`
	Stop           *Stop  `json:"stop,omitempty"`
	Mark           *Mark  `json:"mark,omitempty"`
	DTMF           *DTMF  `json:"dtmf,omitempty"`
}

// ParseFrame decodes one inbound WebSocket text message. Unknown events are
// not an error; callers decide whether to ignore them.
func ParseFrame(data []byte) (Frame, error) {
	var f Frame
	if err := json.Unmarshal(data, &f); err != nil {
		return Frame{}, fmt.Errorf("could not parse media stream message: %w", err)
	}
	if f.Event == "" {
		return Frame{}, fmt.Errorf("media stream message has no event field")
	}
	return f, nil
}

// AudioPayload decodes the base64 μ-law bytes of a "media" frame.
func (f Frame) AudioPayload() ([]byte, error) {
	if f.Media == nil {
		return nil, fmt.Errorf("%q frame carries no media section", f.Event)
	}
	raw, err := base64.StdEncoding.DecodeString(f.Media.Payload)
	if err != nil {
		return nil, fmt.Errorf("could not decode media payload: %w", err)
	}
	return raw, nil
}

// MediaMessage serialises one outbound μ-law audio chunk for the given
// stream. The payload is base64-encoded as the wire format requires.
func MediaMessage(streamSid string, mulaw []byte) ([]byte, error) {
	msg := Frame{
		Event:     EventMedia,
		StreamSid: streamSid,
		Media:     &Media{Payload: base64.StdEncoding.EncodeToString(mulaw)},
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("could not marshal media message: %w", err)
	}
	return data, nil
}

// ClearMessage serialises the "clear" event that tells Twilio to discard all
// buffered outbound audio. Sent on barge-in so playback stops immediately.
func ClearMessage(streamSid string) ([]byte, error) {
	msg := Frame{Event: EventClear, StreamSid: streamSid}
	data, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("could not marshal clear message: %w", err)
	}
	return data, nil
}

// MarkMessage serialises a "mark" event used to learn when Twilio has played
// out all audio queued before it.
func MarkMessage(streamSid, name string) ([]byte, error) {
	msg := struct {
		Event     string `json:"event"`
		StreamSid string `json:"streamSid"`
		Mark      Mark   `json:"mark"`
	}{EventMark, streamSid, Mark{Name: name}}
	data, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("could not marshal mark message: %w", err)
	}
	return data, nil
}
