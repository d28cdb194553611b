package stt

import "strings"

// MockStep is one scripted recognizer outcome.
type MockStep struct {
	Text  string
	Final bool
}

// MockRecognizer replays a fixed script, one step per accepted frame.
type MockRecognizer struct {
	steps   []MockStep
	loop    bool
	idx     int
	partial string
	final   string
	closed  bool
}

func NewMockRecognizer(steps []MockStep, loop bool) *MockRecognizer {
	return &MockRecognizer{steps: steps, loop: loop}
}

func (m *MockRecognizer) AcceptWaveform(_ []byte) (bool, error) {
	if m.idx >= len(m.steps) {
		if !m.loop || len(m.steps) == 0 {
			m.partial = ""
			return false, nil
		}
		m.idx = 0
	}
	step := m.steps[m.idx]
	m.idx++
	if step.Final {
		m.final = step.Text
		m.partial = ""
		return true, nil
	}
	m.partial = step.Text
	return false, nil
}

func (m *MockRecognizer) Partial() string { return m.partial }

func (m *MockRecognizer) Final() string {
	text := m.final
	m.final = ""
	return text
}

func (m *MockRecognizer) Close() error {
	m.closed = true
	return nil
}

// DemoScript builds a script that reveals each sentence word by word as
// partials, holding every word for hold frames, then commits it.
func DemoScript(sentences []string, hold int) []MockStep {
	if hold < 1 {
		hold = 1
	}
	var steps []MockStep
	for _, sentence := range sentences {
		words := strings.Fields(sentence)
		for i := range words {
			partial := strings.Join(words[:i+1], " ")
			for h := 0; h < hold; h++ {
				steps = append(steps, MockStep{Text: partial})
			}
		}
		steps = append(steps, MockStep{Text: sentence, Final: true})
		for h := 0; h < hold; h++ {
			steps = append(steps, MockStep{})
		}
	}
	return steps
}
