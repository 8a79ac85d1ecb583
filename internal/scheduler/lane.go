package scheduler

import (
	"strings"

	"haul/internal/services"
)

// Lane is a priority class. Lower values have higher priority.
type Lane int

const (
	Express Lane = iota
	Standard
	Background
)

const laneCount = 3

// Lanes lists every lane in priority order.
var Lanes = []Lane{Express, Standard, Background}

func (l Lane) String() string {
	switch l {
	case Express:
		return "express"
	case Standard:
		return "standard"
	case Background:
		return "background"
	default:
		return "unknown"
	}
}

// Valid reports whether l is a known lane.
func (l Lane) Valid() bool {
	return l >= Express && l <= Background
}

// Outranks reports whether l has strictly higher priority than other.
func (l Lane) Outranks(other Lane) bool {
	return l < other
}

// ParseLane converts a lane name. An empty name yields Standard.
func ParseLane(value string) (Lane, error) {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "express":
		return Express, nil
	case "", "standard":
		return Standard, nil
	case "background":
		return Background, nil
	default:
		return Standard, services.Wrap(services.ErrValidation, "scheduler", "parse lane", "unknown lane "+value, nil)
	}
}
