//go:build !vosk

package stt

import "fmt"

func NewVoskRecognizer(string, int) (Recognizer, error) {
	return nil, fmt.Errorf("%w: rebuild with -tags vosk", ErrBackendUnavailable)
}
