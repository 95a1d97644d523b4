package push

import (
	"bytes"
	"encoding/json"
	"strconv"
	"strings"

	"pgonotify/internal/encounter"
	"pgonotify/internal/geo"
	logx "pgonotify/pkg/logx"
)

// TypePokemon is the only envelope type that carries an encounter.
const TypePokemon = "pokemon"

// Labeler resolves species ids to display labels.
type Labeler interface {
	Label(id string) (string, bool)
}

// Parser turns webhook envelopes into encounters.
type Parser struct {
	labels Labeler
	log    logx.Logger
}

func NewParser(labels Labeler, log logx.Logger) *Parser {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Parser{labels: labels, log: log}
}

type envelope struct {
	Type    *string         `json:"type"`
	Message json.RawMessage `json:"message"`
}

type pokemonMessage struct {
	EncounterID   flexString `json:"encounter_id"`
	PokemonID     flexString `json:"pokemon_id"`
	Latitude      flexFloat  `json:"latitude"`
	Longitude     flexFloat  `json:"longitude"`
	DisappearTime flexFloat  `json:"disappear_time"`
	RespawnInfo   flexString `json:"respawn_info"`
}

// Parse decodes one envelope. Envelopes of another type yield (nil, nil).
// Any decoding or validation failure wraps encounter.ErrMalformedInput.
func (p *Parser) Parse(raw []byte) (*encounter.Encounter, error) {
	var env envelope
	if err := json.Unmarshal(bytes.TrimSpace(raw), &env); err != nil {
		return nil, encounter.Malformed("envelope: %v", err)
	}
	if env.Type == nil {
		return nil, encounter.Malformed("envelope: missing type")
	}
	if *env.Type != TypePokemon {
		return nil, nil
	}
	if len(env.Message) == 0 || string(env.Message) == "null" {
		return nil, encounter.Malformed("envelope: missing message")
	}

	var msg pokemonMessage
	if err := json.Unmarshal(env.Message, &msg); err != nil {
		return nil, encounter.Malformed("message: %v", err)
	}
	switch {
	case !msg.EncounterID.set || msg.EncounterID.v == "":
		return nil, encounter.Malformed("message: missing encounter_id")
	case !msg.PokemonID.set || msg.PokemonID.v == "":
		return nil, encounter.Malformed("message: missing pokemon_id")
	case !msg.Latitude.set || !msg.Longitude.set:
		return nil, encounter.Malformed("message: missing coordinates")
	case !msg.DisappearTime.set:
		return nil, encounter.Malformed("message: missing disappear_time")
	}
	if err := geo.ValidateCoordinate(msg.Latitude.v, msg.Longitude.v); err != nil {
		return nil, err
	}
	expires, err := encounter.UnixTime(msg.DisappearTime.v)
	if err != nil {
		return nil, encounter.Malformed("disappear_time: %v", err)
	}

	return &encounter.Encounter{
		ID:           msg.EncounterID.v,
		SpeciesLabel: p.label(msg.PokemonID.v),
		Latitude:     msg.Latitude.v,
		Longitude:    msg.Longitude.v,
		ExpiresAt:    expires,
		ExtraNote:    strings.TrimSpace(msg.RespawnInfo.v),
		Source:       encounter.SourcePush,
	}, nil
}

// label falls back to a placeholder for ids missing from the locale table so
// an outdated table never silences a notification.
func (p *Parser) label(speciesID string) string {
	if p.labels != nil {
		if s, ok := p.labels.Label(speciesID); ok {
			return s
		}
	}
	p.log.Warn("unknown species id; using placeholder label", logx.String("species_id", speciesID))
	return UnknownLabel(speciesID)
}

// UnknownLabel is the label used for species ids missing from the locale.
func UnknownLabel(speciesID string) string { return "Unknown #" + speciesID }

// flexFloat decodes a JSON number or a numeric string.
type flexFloat struct {
	v   float64
	set bool
}

func (f *flexFloat) UnmarshalJSON(b []byte) error {
	s := strings.TrimSpace(string(b))
	if s == "null" {
		return nil
	}
	if unq, err := strconv.Unquote(s); err == nil {
		s = strings.TrimSpace(unq)
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return encounter.Malformed("not a number: %s", string(b))
	}
	f.v, f.set = v, true
	return nil
}

// flexString decodes a JSON string or number into its string form.
type flexString struct {
	v   string
	set bool
}

func (f *flexString) UnmarshalJSON(b []byte) error {
	s := strings.TrimSpace(string(b))
	if s == "null" {
		return nil
	}
	if strings.HasPrefix(s, `"`) {
		var str string
		if err := json.Unmarshal(b, &str); err != nil {
			return err
		}
		f.v, f.set = strings.TrimSpace(str), true
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return encounter.Malformed("not a string or number: %s", s)
	}
	f.v, f.set = n.String(), true
	return nil
}
