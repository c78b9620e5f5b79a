package stream

import (
	"encoding/json"

	"go.uber.org/zap"
)

// Decoder turns RawFrames into typed Frames. An "event:" label applies to the
// next data frame only, and only when the payload names no kind itself.
type Decoder struct {
	label  string
	logger *zap.Logger
}

// NewDecoder creates a decoder. A nil logger discards decode warnings.
func NewDecoder(logger *zap.Logger) *Decoder {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Decoder{logger: logger}
}

// Decode returns the typed frame for raw. ok is false for event labels and for
// payloads that are valid JSON but not a frame object.
func (d *Decoder) Decode(raw RawFrame) (Frame, bool) {
	if !raw.IsData() {
		d.label = raw.Event
		return Frame{}, false
	}

	label := d.label
	d.label = ""

	var wire struct {
		Frame
		Kind Kind `json:"kind"`
	}
	if err := json.Unmarshal(raw.Data, &wire); err != nil {
		d.logger.Warn("skipping undecodable stream frame",
			zap.Error(err),
			zap.String("payload", truncate(string(raw.Data), 256)),
		)
		return Frame{}, false
	}

	frame := wire.Frame
	if frame.Kind == "" {
		frame.Kind = wire.Kind
	}
	if frame.Kind == "" {
		frame.Kind = Kind(label)
	}
	return frame, true
}

// DecodeAll decodes a batch of raw frames in order
func (d *Decoder) DecodeAll(raws []RawFrame) []Frame {
	var frames []Frame
	for _, raw := range raws {
		if frame, ok := d.Decode(raw); ok {
			frames = append(frames, frame)
		}
	}
	return frames
}
