package control

import (
	"encoding/json"
	"fmt"

	"github.com/care/segstream/internal/prompt"
)

// Kind discriminates the decoded command variants.
type Kind int

const (
	KindUnrecognized Kind = iota
	KindSetMode
	KindAddPoint
	KindSetBox
	KindClear
	KindGetStatus
	KindSetRefreshInterval
	KindShutdown
)

func (k Kind) String() string {
	switch k {
	case KindSetMode:
		return "set_mode"
	case KindAddPoint:
		return "add_point"
	case KindSetBox:
		return "set_box"
	case KindClear:
		return "clear"
	case KindGetStatus:
		return "get_status"
	case KindSetRefreshInterval:
		return "set_refresh_interval"
	case KindShutdown:
		return "shutdown"
	default:
		return "unrecognized"
	}
}

// Command is the tagged variant produced by Decode. Only the fields of the
// matching Kind are meaningful. Coordinates are normalized to [0,1] as they
// arrive on the wire; scaling to pixels happens when the command is applied.
type Command struct {
	Kind Kind

	Mode prompt.Mode // KindSetMode

	X, Y  float64 // KindAddPoint
	Label int     // KindAddPoint

	X1, Y1, X2, Y2 float64 // KindSetBox

	Ticks int // KindSetRefreshInterval

	Raw string // KindUnrecognized: the offending payload (truncated)
}

// envelope is the wire form: {"command": "...", "params": {...}}.
type envelope struct {
	Command string                 `json:"command"`
	Params  map[string]interface{} `json:"params"`
}

const rawPreviewLimit = 256

// Decode parses wire bytes into a Command. It never fails: anything that
// does not decode into a known variant becomes KindUnrecognized with the
// reason preserved for the observability sink.
func Decode(payload []byte) Command {
	var env envelope
	if err := json.Unmarshal(payload, &env); err != nil {
		return unrecognized(payload, fmt.Sprintf("invalid JSON: %v", err))
	}

	switch env.Command {
	case "set_mode":
		name, ok := env.Params["mode"].(string)
		if !ok {
			return unrecognized(payload, "set_mode: missing or invalid 'mode' parameter")
		}
		mode, err := prompt.ParseMode(name)
		if err != nil {
			return unrecognized(payload, fmt.Sprintf("set_mode: %v", err))
		}
		return Command{Kind: KindSetMode, Mode: mode}

	case "add_point":
		x, okX := floatParam(env.Params, "x")
		y, okY := floatParam(env.Params, "y")
		if !okX || !okY {
			return unrecognized(payload, "add_point: missing or invalid 'x'/'y' parameters")
		}
		label := 1 // positive unless stated otherwise
		if raw, present := env.Params["label"]; present {
			f, ok := raw.(float64)
			if !ok || f != float64(int(f)) {
				return unrecognized(payload, "add_point: invalid 'label' parameter")
			}
			label = int(f)
		}
		return Command{Kind: KindAddPoint, X: x, Y: y, Label: label}

	case "set_box":
		x1, ok1 := floatParam(env.Params, "x1")
		y1, ok2 := floatParam(env.Params, "y1")
		x2, ok3 := floatParam(env.Params, "x2")
		y2, ok4 := floatParam(env.Params, "y2")
		if !ok1 || !ok2 || !ok3 || !ok4 {
			return unrecognized(payload, "set_box: missing or invalid corner parameters")
		}
		return Command{Kind: KindSetBox, X1: x1, Y1: y1, X2: x2, Y2: y2}

	case "clear":
		return Command{Kind: KindClear}

	case "get_status":
		return Command{Kind: KindGetStatus}

	case "set_refresh_interval":
		f, ok := floatParam(env.Params, "ticks")
		if !ok || f < 1 || f != float64(int(f)) {
			return unrecognized(payload, "set_refresh_interval: 'ticks' must be a positive integer")
		}
		return Command{Kind: KindSetRefreshInterval, Ticks: int(f)}

	case "shutdown":
		return Command{Kind: KindShutdown}

	default:
		return unrecognized(payload, fmt.Sprintf("unknown command %q", env.Command))
	}
}

func floatParam(params map[string]interface{}, key string) (float64, bool) {
	f, ok := params[key].(float64)
	return f, ok
}

func unrecognized(payload []byte, reason string) Command {
	raw := string(payload)
	if len(raw) > rawPreviewLimit {
		raw = raw[:rawPreviewLimit]
	}
	return Command{Kind: KindUnrecognized, Raw: raw + " (" + reason + ")"}
}
