package entities

// Voice describes a synthesis voice from the static catalog
type Voice struct {
	ID       string `json:"id" yaml:"id"`
	Name     string `json:"name" yaml:"name"`
	Language string `json:"language" yaml:"language"`
	Gender   string `json:"gender" yaml:"gender"` // male, female
}

// Transcript is the result of one recognition call
type Transcript struct {
	Text            string      `json:"text"`
	Language        string      `json:"language,omitempty"`
	DurationSeconds float64     `json:"duration_seconds"`
	Confidence      float64     `json:"confidence,omitempty"`
	Utterances      []Utterance `json:"utterances,omitempty"`
}

// Utterance is a segment of recognized speech
type Utterance struct {
	Text      string `json:"text"`
	StartTime int    `json:"start_time,omitempty"` // milliseconds
	EndTime   int    `json:"end_time,omitempty"`   // milliseconds
	Definite  bool   `json:"definite"`
}
