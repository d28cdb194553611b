package stt

import (
	"encoding/json"
	"fmt"
)

type voskFinal struct {
	Text string `json:"text"`
}

type voskPartial struct {
	Partial string `json:"partial"`
}

func decodeVoskFinal(raw string) (string, error) {
	var res voskFinal
	if err := json.Unmarshal([]byte(raw), &res); err != nil {
		return "", fmt.Errorf("decode vosk result: %w", err)
	}
	return res.Text, nil
}

func decodeVoskPartial(raw string) (string, error) {
	var res voskPartial
	if err := json.Unmarshal([]byte(raw), &res); err != nil {
		return "", fmt.Errorf("decode vosk partial: %w", err)
	}
	return res.Partial, nil
}
