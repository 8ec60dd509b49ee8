package stromer

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// BikeIdentity describes one bike on the account. It does not change after discovery.
type BikeIdentity struct {
	ID       string `json:"id"`
	Nickname string `json:"nickname"`
	Model    string `json:"model"`
	Color    string `json:"color"`
	Serial   string `json:"serial"`
}

// Payload is one decoded vendor response object.
type Payload map[string]any

// Period selects a statistics aggregate.
type Period string

const (
	PeriodDay   Period = "day"
	PeriodMonth Period = "month"
	PeriodYear  Period = "year"
)

// LightMode is a light command accepted by the vendor API.
type LightMode string

const (
	LightOn     LightMode = "on"
	LightOff    LightMode = "off"
	LightBright LightMode = "bright"
	LightDim    LightMode = "dim"
	LightFlash  LightMode = "flash"
)

func ParseLightMode(raw string) (LightMode, error) {
	mode := LightMode(strings.ToLower(strings.TrimSpace(raw)))
	switch mode {
	case LightOn, LightOff, LightBright, LightDim, LightFlash:
		return mode, nil
	}
	return "", fmt.Errorf("unknown light mode %q", raw)
}

// Lit is the light capability value after switching to this mode.
func (m LightMode) Lit() bool {
	return m == LightOn || m == LightBright
}

// decodePayload unwraps the portal's {"data": [...]} envelope when present.
func decodePayload(raw []byte) (Payload, error) {
	var value any
	if err := json.Unmarshal(raw, &value); err != nil {
		return nil, fmt.Errorf("decode payload: %w", err)
	}
	for depth := 0; depth < 2; depth++ {
		switch v := value.(type) {
		case map[string]any:
			data, ok := v["data"]
			if !ok {
				return Payload(v), nil
			}
			value = data
		case []any:
			if len(v) == 0 {
				return nil, fmt.Errorf("decode payload: empty list")
			}
			value = v[0]
		default:
			return nil, fmt.Errorf("decode payload: unexpected %T", value)
		}
	}
	if obj, ok := value.(map[string]any); ok {
		return Payload(obj), nil
	}
	return nil, fmt.Errorf("decode payload: unexpected %T", value)
}

func decodeList(raw []byte) ([]Payload, error) {
	var value any
	if err := json.Unmarshal(raw, &value); err != nil {
		return nil, fmt.Errorf("decode list: %w", err)
	}
	if obj, ok := value.(map[string]any); ok {
		value = obj["data"]
	}
	items, ok := value.([]any)
	if !ok {
		return nil, fmt.Errorf("decode list: unexpected %T", value)
	}
	out := make([]Payload, 0, len(items))
	for _, item := range items {
		if obj, ok := item.(map[string]any); ok {
			out = append(out, Payload(obj))
		}
	}
	return out, nil
}

func bikeFromPayload(p Payload) BikeIdentity {
	bike := BikeIdentity{
		ID:       p.text("bikeid", "id"),
		Nickname: p.text("nickname", "name"),
		Model:    p.text("biketype"),
		Color:    p.text("color"),
		Serial:   p.text("bikenumber"),
	}
	if bike.Nickname == "" {
		bike.Nickname = strings.TrimSpace("Stromer " + bike.Model)
	}
	return bike
}

func (p Payload) lookup(path string) (any, bool) {
	var current any = map[string]any(p)
	for _, part := range strings.Split(path, ".") {
		obj, ok := current.(map[string]any)
		if !ok {
			return nil, false
		}
		current, ok = obj[part]
		if !ok || current == nil {
			return nil, false
		}
	}
	return current, true
}

// number returns the first numeric value among paths.
func (p Payload) number(paths ...string) (float64, bool) {
	for _, path := range paths {
		raw, ok := p.lookup(path)
		if !ok {
			continue
		}
		switch v := raw.(type) {
		case float64:
			return v, true
		case string:
			if f, err := strconv.ParseFloat(strings.TrimSpace(v), 64); err == nil {
				return f, true
			}
		}
	}
	return 0, false
}

func (p Payload) text(paths ...string) string {
	for _, path := range paths {
		raw, ok := p.lookup(path)
		if !ok {
			continue
		}
		switch v := raw.(type) {
		case string:
			if v != "" {
				return v
			}
		case float64:
			return strconv.FormatFloat(v, 'f', -1, 64)
		case bool:
			return strconv.FormatBool(v)
		}
	}
	return ""
}
