package telephony

import (
	"encoding/xml"
	"fmt"
)

// TwiML response structures for the voice webhook. Only the verbs the
// gateway emits are modelled.
type twimlResponse struct {
	XMLName xml.Name      `xml:"Response"`
	Say     *twimlSay     `xml:"Say,omitempty"`
	Connect *twimlConnect `xml:"Connect"`
}

type twimlSay struct {
	Voice string `xml:"voice,attr,omitempty"`
	Text  string `xml:",chardata"`
}

type twimlConnect struct {
	Stream twimlStream `xml:"Stream"`
}

type twimlStream struct {
	URL   string `xml:"url,attr"`
	Track string `xml:"track,attr,omitempty"`
}

// StreamTwiML builds the TwiML document that connects a call to the media
// WebSocket. A non-empty greeting is spoken before the stream opens, which
// also gives Twilio time to establish the audio path.
func StreamTwiML(websocketURL, greeting, voice string) (string, error) {
	resp := twimlResponse{
		Connect: &twimlConnect{
			Stream: twimlStream{URL: websocketURL, Track: "inbound_track"},
		},
	}
	if greeting != "" {
		resp.Say = &twimlSay{Voice: voice, Text: greeting}
	}

	body, err := xml.Marshal(resp)
	if err != nil {
		return "", fmt.Errorf("could not marshal TwiML: %w", err)
	}
	return xml.Header + string(body), nil
}
