// Package audio decodes provider media frames and prepares them for the
// transcription uplink: G.711 expansion, rate conversion, level measurement.
package audio

import "fmt"

// Codec identifies the wire encoding of a provider audio frame.
type Codec string

const (
	CodecPCM      Codec = "pcm"
	CodecG711Ulaw Codec = "g711_ulaw"
	CodecG711Alaw Codec = "g711_alaw"
)

// Decode converts one media frame to float32 samples in [-1, 1] and reports
// the rate they are at. G.711 is always narrowband 8 kHz; PCM frames carry
// their own rate.
func Decode(data []byte, codec Codec, sampleRate int) ([]float32, int, error) {
	switch codec {
	case CodecPCM:
		return decodePCM(data), sampleRate, nil
	case CodecG711Ulaw:
		return expandG711(data, &ulawToPCM), 8000, nil
	case CodecG711Alaw:
		return expandG711(data, &alawToPCM), 8000, nil
	}
	return nil, 0, fmt.Errorf("unsupported codec: %s", codec)
}
