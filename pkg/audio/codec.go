package audio

import "encoding/base64"

// Format describes a raw PCM stream: little-endian signed 16-bit samples.
type Format struct {
	SampleRateHz int
	Channels     int
}

const bytesPerSample = 2

// CaptureFormat is what the microphone produces and the transport expects
// as realtime input.
var CaptureFormat = Format{SampleRateHz: 16000, Channels: 1}

// PlaybackFormat is what the live transport streams back.
var PlaybackFormat = Format{SampleRateHz: 24000, Channels: 1}

// BytesPerSecond returns the raw byte rate of the format.
func (f Format) BytesPerSecond() int {
	return f.SampleRateHz * f.Channels * bytesPerSample
}

// DurationMS returns how many milliseconds of audio n bytes hold.
func (f Format) DurationMS(n int) int64 {
	bps := f.BytesPerSecond()
	if bps <= 0 || n <= 0 {
		return 0
	}
	return int64(n) * 1000 / int64(bps)
}

// EncodeFrame packs float samples in [-1, 1] as 16-bit signed LE PCM.
// Values are scaled by 32768 and truncated, matching the wire format the
// live transport expects.
func EncodeFrame(samples []float32) []byte {
	out := make([]byte, len(samples)*bytesPerSample)
	for i, v := range samples {
		s := int16(v * 32768)
		out[i*2] = byte(s)
		out[i*2+1] = byte(s >> 8)
	}
	return out
}

// DecodeFrame is the inverse of EncodeFrame. A trailing odd byte is
// ignored; callers feeding garbage get garbage samples back, never a
// panic.
func DecodeFrame(data []byte) []float32 {
	n := len(data) / bytesPerSample
	out := make([]float32, n)
	for i := 0; i < n; i++ {
		s := int16(data[i*2]) | int16(data[i*2+1])<<8
		out[i] = float32(s) / 32768.0
	}
	return out
}

// EncodeBase64 wraps a PCM frame for JSON transport.
func EncodeBase64(frame []byte) string {
	return base64.StdEncoding.EncodeToString(frame)
}

// DecodeBase64 unwraps a transport payload back into PCM bytes.
func DecodeBase64(payload string) ([]byte, error) {
	return base64.StdEncoding.DecodeString(payload)
}
