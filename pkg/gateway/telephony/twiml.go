package telephony

import (
	"encoding/xml"
	"fmt"
)

type twimlResponse struct {
	XMLName  xml.Name      `xml:"Response"`
	Play     *twimlPlay    `xml:"Play,omitempty"`
	Connect  *twimlConnect `xml:"Connect,omitempty"`
	Redirect string        `xml:"Redirect,omitempty"`
}

type twimlConnect struct {
	Stream twimlStream `xml:"Stream"`
}

type twimlStream struct {
	URL string `xml:"url,attr"`
}

type twimlPlay struct {
	Digits string `xml:"digits,attr"`
}

func renderTwiML(r twimlResponse) (string, error) {
	b, err := xml.Marshal(r)
	if err != nil {
		return "", fmt.Errorf("render twiml: %w", err)
	}
	return xml.Header + string(b), nil
}

// StreamTwiML connects the answered call to a bidirectional media stream.
func StreamTwiML(streamURL string) (string, error) {
	return renderTwiML(twimlResponse{Connect: &twimlConnect{Stream: twimlStream{URL: streamURL}}})
}

// PlayDigitsTwiML plays touch-tones into the call and then re-enters the stream flow.
func PlayDigitsTwiML(digits, redirectURL string) (string, error) {
	return renderTwiML(twimlResponse{Play: &twimlPlay{Digits: digits}, Redirect: redirectURL})
}
