// Package bemfa encodes Home Assistant entity state into bemfa cloud messages
// and decodes inbound bemfa messages into Home Assistant service calls.
//
// A message is a list of positional fields joined with '#'. Field 0 is always
// "on", "off" or "pause"; the meaning of the remaining positions depends on
// the entity domain (see the domain table). Every function here is pure and
// safe for concurrent use.
package bemfa

import (
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"strings"
)

// TopicPrefix starts every topic created for a Home Assistant entity
const TopicPrefix = "hass"

// Action is a candidate service call decoded from the field range [Start, End)
// of an inbound message
type Action struct {
	Start   int
	End     int
	Service string
	Data    map[string]interface{}
}

// Topic returns the bemfa topic for an entity.
// The topic is alphanumeric: prefix, md5 of the entity id, domain suffix.
func Topic(domain, entityID string) (string, error) {
	d, err := Lookup(domain)
	if err != nil {
		return "", err
	}
	sum := md5.Sum([]byte(entityID))
	return TopicPrefix + hex.EncodeToString(sum[:]) + d.Suffix, nil
}

// GenerateFields builds the outbound field list for an entity.
// An "off" token short-circuits the remaining generators. Trailing absent
// fields are trimmed but the token is always kept.
func GenerateFields(domain, state string, attrs map[string]interface{}) ([]Field, error) {
	d, err := Lookup(domain)
	if err != nil {
		return nil, err
	}

	token := d.Generate[0](state, attrs)
	if token.String() == MsgOff {
		return []Field{token}, nil
	}

	fields := make([]Field, 0, len(d.Generate))
	fields = append(fields, token)
	for _, gen := range d.Generate[1:] {
		fields = append(fields, gen(state, attrs))
	}
	return trimTrailing(fields), nil
}

// Generate builds the outbound wire message for an entity
func Generate(domain, state string, attrs map[string]interface{}) (string, error) {
	fields, err := GenerateFields(domain, state, attrs)
	if err != nil {
		return "", err
	}
	return Join(fields), nil
}

// Resolve parses an inbound message and returns its fields together with
// every candidate action the domain's resolver rules produce.
//
// An "off" or "pause" message is total: anything after the token is ignored.
// In an "on" message every non-empty field must be numeric, otherwise an error
// wrapping ErrMalformedMessage is returned. Any other leading token yields no
// fields, no actions and no error.
func Resolve(domain, raw string, attrs map[string]interface{}) ([]Field, []Action, error) {
	d, err := Lookup(domain)
	if err != nil {
		return nil, nil, err
	}

	fields, err := parseMessage(raw)
	if err != nil || fields == nil {
		return nil, nil, err
	}

	var actions []Action
	for _, rule := range d.Resolve {
		if len(fields) <= rule.Start {
			continue
		}
		slice := fields[rule.Start:min(rule.End, len(fields))]
		if !anyPresent(slice) {
			continue
		}
		service, data := rule.Fn(slice, attrs)
		if service == "" {
			continue
		}
		actions = append(actions, Action{
			Start:   rule.Start,
			End:     rule.End,
			Service: service,
			Data:    data,
		})
	}
	return fields, actions, nil
}

func parseMessage(raw string) ([]Field, error) {
	parts := strings.Split(raw, Separator)

	switch parts[0] {
	case MsgOff, MsgPause:
		return []Field{Token(parts[0])}, nil
	case MsgOn:
	default:
		return nil, nil
	}

	fields := make([]Field, len(parts))
	fields[0] = Token(MsgOn)
	for i, part := range parts[1:] {
		if part == "" {
			continue
		}
		f, err := parseNumber(part)
		if err != nil {
			return nil, fmt.Errorf("%w: field %d of %q: %w", ErrMalformedMessage, i+1, raw, err)
		}
		fields[i+1] = f
	}
	return fields, nil
}

func anyPresent(fields []Field) bool {
	for _, f := range fields {
		if f.Present() {
			return true
		}
	}
	return false
}
