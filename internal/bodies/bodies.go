// Package bodies holds the fixed table of Sun and planet definitions:
// gravitational parameters, radii, and mean classical orbital elements
// at the simulation epoch. The table is built once at init and never
// mutated.
package bodies

import (
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/orbitengine/backend/internal/orbiterr"
)

// ID identifies one of the fixed enumeration of bodies.
type ID string

const (
	Sun     ID = "sun"
	Mercury ID = "mercury"
	Venus   ID = "venus"
	Earth   ID = "earth"
	Mars    ID = "mars"
	Jupiter ID = "jupiter"
	Saturn  ID = "saturn"
	Uranus  ID = "uranus"
	Neptune ID = "neptune"
)

// ErrUnknownBody is returned by Get for an id outside the enumeration.
var ErrUnknownBody = errors.New("orbitengine: unknown body")

// MuSun is the Sun's standard gravitational parameter, m^3/s^2.
const MuSun = 1.32712440018e20

// Epoch is the calendar instant defining t=0 for every internal
// simulation second. It matches the epoch the original planner used.
var Epoch = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

// Elements are the six classical orbital elements at Epoch, plus the
// derived mean motion.
type Elements struct {
	SemiMajorAxis float64 // a, meters
	Eccentricity  float64 // e, unitless
	Inclination   float64 // i, radians
	RAAN          float64 // Ω, radians
	ArgPeriapsis  float64 // ω, radians
	MeanAnomaly0  float64 // M0 at Epoch, radians
}

// MeanMotion returns n = sqrt(MuSun / a^3), rad/s.
func (e Elements) MeanMotion() float64 {
	return math.Sqrt(MuSun / (e.SemiMajorAxis * e.SemiMajorAxis * e.SemiMajorAxis))
}

// Body is one entry in the fixed body table.
type Body struct {
	ID       ID
	Name     string
	Kind     string // "star" or "planet"
	Color    string // display hex color, inert metadata
	Mu       float64
	RadiusM  float64
	Elements Elements // zero value for the Sun
}

// IsSun reports whether b is the Sun.
func (b Body) IsSun() bool { return b.ID == Sun }

// MeanMotion returns the body's mean motion; zero for the Sun.
func (b Body) MeanMotion() float64 {
	if b.IsSun() {
		return 0
	}
	return b.Elements.MeanMotion()
}

// Period returns the sidereal orbital period; zero for the Sun.
func (b Body) Period() time.Duration {
	n := b.MeanMotion()
	if n == 0 {
		return 0
	}
	return time.Duration((2 * math.Pi / n) * float64(time.Second))
}

// table holds every defined body, keyed by ID. Populated once in init
// and never mutated afterward.
var table map[ID]Body

// order lists body ids in the display order (Sun, then increasing
// semi-major axis).
var order = []ID{Sun, Mercury, Venus, Earth, Mars, Jupiter, Saturn, Uranus, Neptune}

func init() {
	orbiterr.Register(ErrUnknownBody, orbiterr.KindUnknownBody)

	const auM = 1.495978707e11
	deg := func(d float64) float64 { return d * math.Pi / 180 }

	table = map[ID]Body{
		Sun: {
			ID:      Sun,
			Name:    "Sun",
			Kind:    "star",
			Color:   "#FDB813",
			Mu:      MuSun,
			RadiusM: 6.957e8,
		},
		Mercury: {
			ID:      Mercury,
			Name:    "Mercury",
			Kind:    "planet",
			Color:   "#8C7853",
			Mu:      2.2032e13,
			RadiusM: 2.4397e6,
			Elements: Elements{
				SemiMajorAxis: 0.38709893 * auM,
				Eccentricity:  0.20563069,
				Inclination:   deg(7.00487),
				RAAN:          deg(48.33167),
				ArgPeriapsis:  deg(77.45645 - 48.33167),
				MeanAnomaly0:  deg(252.25084 - 77.45645),
			},
		},
		Venus: {
			ID:      Venus,
			Name:    "Venus",
			Kind:    "planet",
			Color:   "#FFC649",
			Mu:      3.24859e14,
			RadiusM: 6.0518e6,
			Elements: Elements{
				SemiMajorAxis: 0.72333199 * auM,
				Eccentricity:  0.00677323,
				Inclination:   deg(3.39471),
				RAAN:          deg(76.68069),
				ArgPeriapsis:  deg(131.53298 - 76.68069),
				MeanAnomaly0:  deg(181.97973 - 131.53298),
			},
		},
		Earth: {
			ID:      Earth,
			Name:    "Earth",
			Kind:    "planet",
			Color:   "#4B7BEC",
			Mu:      3.986004418e14,
			RadiusM: 6.371e6,
			Elements: Elements{
				SemiMajorAxis: 1.00000011 * auM,
				Eccentricity:  0.01671022,
				Inclination:   deg(0.00005),
				RAAN:          deg(-11.26064),
				ArgPeriapsis:  deg(102.94719 - (-11.26064)),
				MeanAnomaly0:  deg(100.46435 - 102.94719),
			},
		},
		Mars: {
			ID:      Mars,
			Name:    "Mars",
			Kind:    "planet",
			Color:   "#CD5C5C",
			Mu:      4.282837e13,
			RadiusM: 3.3895e6,
			Elements: Elements{
				SemiMajorAxis: 1.52366231 * auM,
				Eccentricity:  0.09341233,
				Inclination:   deg(1.85061),
				RAAN:          deg(49.57854),
				ArgPeriapsis:  deg(336.04084 - 49.57854),
				MeanAnomaly0:  deg(355.45332 - 336.04084),
			},
		},
		Jupiter: {
			ID:      Jupiter,
			Name:    "Jupiter",
			Kind:    "planet",
			Color:   "#DAA520",
			Mu:      1.26686534e17,
			RadiusM: 6.9911e7,
			Elements: Elements{
				SemiMajorAxis: 5.20336301 * auM,
				Eccentricity:  0.04839266,
				Inclination:   deg(1.30530),
				RAAN:          deg(100.55615),
				ArgPeriapsis:  deg(14.75385 - 100.55615),
				MeanAnomaly0:  deg(34.40438 - 14.75385),
			},
		},
		Saturn: {
			ID:      Saturn,
			Name:    "Saturn",
			Kind:    "planet",
			Color:   "#F4E99B",
			Mu:      3.7931187e16,
			RadiusM: 5.8232e7,
			Elements: Elements{
				SemiMajorAxis: 9.53707032 * auM,
				Eccentricity:  0.05415060,
				Inclination:   deg(2.48446),
				RAAN:          deg(113.71504),
				ArgPeriapsis:  deg(92.43194 - 113.71504),
				MeanAnomaly0:  deg(49.94432 - 92.43194),
			},
		},
		Uranus: {
			ID:      Uranus,
			Name:    "Uranus",
			Kind:    "planet",
			Color:   "#4FD0E0",
			Mu:      5.793939e15,
			RadiusM: 2.5362e7,
			Elements: Elements{
				SemiMajorAxis: 19.19126393 * auM,
				Eccentricity:  0.04716771,
				Inclination:   deg(0.76986),
				RAAN:          deg(74.22988),
				ArgPeriapsis:  deg(170.96424 - 74.22988),
				MeanAnomaly0:  deg(313.23218 - 170.96424),
			},
		},
		Neptune: {
			ID:      Neptune,
			Name:    "Neptune",
			Kind:    "planet",
			Color:   "#4169E1",
			Mu:      6.836529e15,
			RadiusM: 2.4622e7,
			Elements: Elements{
				SemiMajorAxis: 30.06896348 * auM,
				Eccentricity:  0.00858587,
				Inclination:   deg(1.76917),
				RAAN:          deg(131.72169),
				ArgPeriapsis:  deg(44.97135 - 131.72169),
				MeanAnomaly0:  deg(304.88003 - 44.97135),
			},
		},
	}
}

// Get returns the Body for id, or ErrUnknownBody if id is not defined.
func Get(id ID) (Body, error) {
	b, ok := table[id]
	if !ok {
		return Body{}, fmt.Errorf("%w: %q", ErrUnknownBody, id)
	}
	return b, nil
}

// All returns every defined body in a stable display order (Sun first,
// then increasing semi-major axis).
func All() []Body {
	out := make([]Body, 0, len(order))
	for _, id := range order {
		out = append(out, table[id])
	}
	return out
}
