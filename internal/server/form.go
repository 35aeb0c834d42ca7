package server

import (
	"github.com/book-expert/voice-clone-service/internal/core"
)

// Form labels.
const (
	FormTitle         = "Chatterbox Voice Cloning"
	LabelText         = "Text to speak"
	LabelVoice        = "Voice to clone"
	LabelExaggeration = "Exaggeration"
	LabelCFGWeight    = "CFG Weight"
	LabelOutput       = "Generated Speech"
)

// Multipart field names accepted by the generate endpoint.
const (
	FieldText         = "text"
	FieldVoice        = "voice"
	FieldExaggeration = "exaggeration"
	FieldCFGWeight    = "cfg_weight"
)

const (
	textRows    = 3
	sliderStep  = 0.05
	voiceAccept = "audio/wav,audio/x-wav,audio/mpeg,.wav,.mp3"
)

// Slider describes a numeric range input. Zero values are meaningful, so
// nothing here is omitted from JSON.
type Slider struct {
	Min     float64 `json:"min"`
	Max     float64 `json:"max"`
	Step    float64 `json:"step"`
	Default float64 `json:"default"`
}

// Field is one input of the form.
type Field struct {
	Name   string  `json:"name"`
	Label  string  `json:"label"`
	Kind   string  `json:"kind"`
	Rows   int     `json:"rows,omitempty"`
	Accept string  `json:"accept,omitempty"`
	Slider *Slider `json:"slider,omitempty"`
}

// Form is the schema of the voice-cloning form, served as JSON and rendered
// as the index page.
type Form struct {
	Title       string  `json:"title"`
	Fields      []Field `json:"fields"`
	OutputLabel string  `json:"output_label"`
	Device      string  `json:"device"`
	SampleRate  int     `json:"sample_rate"`
}

var (
	exaggerationSlider = Slider{
		Min: core.MinExaggeration, Max: core.MaxExaggeration, Step: sliderStep, Default: core.DefaultExaggeration,
	}
	cfgWeightSlider = Slider{
		Min: core.MinCFGWeight, Max: core.MaxCFGWeight, Step: sliderStep, Default: core.DefaultCFGWeight,
	}
)

// withDefault returns a copy of the slider with value as its default. Nil
// and out-of-range values leave the default unchanged.
func (s Slider) withDefault(value *float64) Slider {
	if value != nil && *value >= s.Min && *value <= s.Max {
		s.Default = *value
	}

	return s
}

func newForm(deviceName string, sampleRate int, exaggeration, cfgWeight Slider) Form {
	return Form{
		Title: FormTitle,
		Fields: []Field{
			{Name: FieldText, Label: LabelText, Kind: "textarea", Rows: textRows},
			{Name: FieldVoice, Label: LabelVoice, Kind: "audio", Accept: voiceAccept},
			{Name: FieldExaggeration, Label: LabelExaggeration, Kind: "slider", Slider: &exaggeration},
			{Name: FieldCFGWeight, Label: LabelCFGWeight, Kind: "slider", Slider: &cfgWeight},
		},
		OutputLabel: LabelOutput,
		Device:      deviceName,
		SampleRate:  sampleRate,
	}
}
