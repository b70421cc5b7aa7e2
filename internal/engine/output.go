package engine

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// Style is the visual/emotional presentation of the assistant's reply. The
// client uses it to theme the notepad.
type Style string

const (
	StyleSoft    Style = "soft"
	StyleFlirty  Style = "flirty"
	StyleSerious Style = "serious"
)

// IsValid reports whether s is a recognised style.
func (s Style) IsValid() bool {
	switch s {
	case StyleSoft, StyleFlirty, StyleSerious:
		return true
	}
	return false
}

// Phoneme is a coarse viseme class for the avatar's mouth shape while the
// reply is spoken.
type Phoneme string

const (
	PhonemeMBP  Phoneme = "MBP"
	PhonemeTDNL Phoneme = "TDNL"
	PhonemeAHAA Phoneme = "AHAA"
	PhonemeOUW  Phoneme = "OUW"
	PhonemeEE   Phoneme = "EE"
	PhonemeFV   Phoneme = "FV"
)

// IsValid reports whether p is a recognised phoneme class.
func (p Phoneme) IsValid() bool {
	switch p {
	case PhonemeMBP, PhonemeTDNL, PhonemeAHAA, PhonemeOUW, PhonemeEE, PhonemeFV:
		return true
	}
	return false
}

// StructuredOutput is the JSON shape the model must return on every turn.
// The four context fields are only populated during the collect stage, where
// the model extracts them from the user's speech.
type StructuredOutput struct {
	Style          Style    `json:"style"`
	SpokenResponse string   `json:"spokenResponse"`
	NoteDraft      string   `json:"noteDraft"`
	Tags           []string `json:"tags"`
	Phoneme        Phoneme  `json:"phoneme,omitempty"`

	Recipient      string `json:"recipient,omitempty"`
	Situation      string `json:"situation,omitempty"`
	DesiredTone    string `json:"desiredTone,omitempty"`
	DesiredOutcome string `json:"desiredOutcome,omitempty"`
}

// ParseStructuredOutput extracts and validates a [StructuredOutput] from raw
// model text. Models frequently wrap JSON in markdown code fences; those are
// stripped before parsing. Unknown fields are tolerated since models drift,
// but the core fields must validate.
func ParseStructuredOutput(raw string) (*StructuredOutput, error) {
	cleaned := stripFences(raw)

	var out StructuredOutput
	if err := json.Unmarshal([]byte(cleaned), &out); err != nil {
		return nil, fmt.Errorf("engine: parse structured output: %w", err)
	}
	if err := out.validate(); err != nil {
		return nil, fmt.Errorf("engine: invalid structured output: %w", err)
	}
	if out.Tags == nil {
		out.Tags = []string{}
	}
	return &out, nil
}

func (o *StructuredOutput) validate() error {
	var errs []error
	if !o.Style.IsValid() {
		errs = append(errs, fmt.Errorf("style %q must be one of soft, flirty, serious", o.Style))
	}
	if o.SpokenResponse == "" {
		errs = append(errs, errors.New("spokenResponse must be non-empty"))
	}
	if o.Phoneme != "" && !o.Phoneme.IsValid() {
		errs = append(errs, fmt.Errorf("phoneme %q not recognised", o.Phoneme))
	}
	return errors.Join(errs...)
}

// stripFences removes a leading ``` or ```json fence and its closing fence.
func stripFences(raw string) string {
	cleaned := strings.TrimSpace(raw)
	if !strings.HasPrefix(cleaned, "```") {
		return cleaned
	}
	cleaned = strings.TrimPrefix(cleaned, "```")
	cleaned = strings.TrimPrefix(cleaned, "json")
	cleaned = strings.TrimSuffix(strings.TrimSpace(cleaned), "```")
	return strings.TrimSpace(cleaned)
}
