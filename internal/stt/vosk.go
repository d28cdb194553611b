//go:build vosk

package stt

import (
	"errors"
	"fmt"

	vosk "github.com/alphacep/vosk-api/go"
)

// VoskRecognizer streams frames into a Kaldi/Vosk recognizer.
type VoskRecognizer struct {
	model *vosk.VoskModel
	rec   *vosk.VoskRecognizer
}

func NewVoskRecognizer(modelPath string, sampleRate int) (Recognizer, error) {
	vosk.SetLogLevel(-1)
	model, err := vosk.NewModel(modelPath)
	if err != nil {
		return nil, fmt.Errorf("load vosk model: %w", err)
	}
	rec, err := vosk.NewRecognizer(model, float64(sampleRate))
	if err != nil {
		model.Free()
		return nil, fmt.Errorf("create vosk recognizer: %w", err)
	}
	rec.SetWords(0)
	return &VoskRecognizer{model: model, rec: rec}, nil
}

func (r *VoskRecognizer) AcceptWaveform(pcm []byte) (bool, error) {
	switch r.rec.AcceptWaveform(pcm) {
	case 1:
		return true, nil
	case 0:
		return false, nil
	default:
		return false, errors.New("vosk rejected waveform")
	}
}

func (r *VoskRecognizer) Partial() string {
	text, err := decodeVoskPartial(r.rec.PartialResult())
	if err != nil {
		return ""
	}
	return text
}

func (r *VoskRecognizer) Final() string {
	text, err := decodeVoskFinal(r.rec.Result())
	if err != nil {
		return ""
	}
	return text
}

func (r *VoskRecognizer) Flush() (string, error) {
	return decodeVoskFinal(r.rec.FinalResult())
}

func (r *VoskRecognizer) Close() error {
	if r.rec != nil {
		r.rec.Free()
		r.rec = nil
	}
	if r.model != nil {
		r.model.Free()
		r.model = nil
	}
	return nil
}
