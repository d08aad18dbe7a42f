package telemetry

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"math"
	mrand "math/rand"
	"sync"
	"time"

	"github.com/prudhvinik1/edgeshadow/internal/models"
)

var ErrUnknownDevice = errors.New("unknown device")

// DatetimeLayout is the UTC, second precision timestamp format of a reading.
const DatetimeLayout = "2006-01-02T15:04:05"

const tripIDBytes = 15

// Range is an inclusive [Min, Max] bound for a random field.
type Range struct {
	Min float64
	Max float64
}

var (
	EngineSpeedMean       = Range{700.55555, 3000.55555}
	FuelLevel             = Range{20, 100}
	HighAccelerationEvent = Range{0, 12}
	HighBreakingEvent     = Range{0, 4}
	Odometer              = Range{0.374318249, 8.142630049}
	OilTempMean           = Range{12.7100589, 205.3165256}
)

// Metadata is the static part of a reading for one device.
type Metadata struct {
	VIN       string
	Latitude  float64
	Longitude float64
}

var devices = map[string]Metadata{
	"car1": {VIN: "I5Z45ZSGBRZFU4YRM", Latitude: 39.122229, Longitude: -77.133578},
	"car2": {VIN: "ETWUASOOGRZOPQRTR", Latitude: 40.8173411, Longitude: -73.94332990000001},
}

// Lookup returns the static metadata of a known device.
func Lookup(identity string) (Metadata, bool) {
	md, ok := devices[identity]
	return md, ok
}

// Generator fabricates readings. The zero value is not usable; use NewGenerator.
type Generator struct {
	mu      sync.Mutex
	rnd     *mrand.Rand
	entropy io.Reader
	now     func() time.Time
}

type GeneratorOption func(*Generator)

// WithSeed makes numeric fields deterministic.
func WithSeed(seed int64) GeneratorOption {
	return func(g *Generator) { g.rnd = mrand.New(mrand.NewSource(seed)) }
}

// WithEntropy replaces the source of trip identifiers.
func WithEntropy(r io.Reader) GeneratorOption {
	return func(g *Generator) { g.entropy = r }
}

func WithClock(now func() time.Time) GeneratorOption {
	return func(g *Generator) { g.now = now }
}

func NewGenerator(opts ...GeneratorOption) *Generator {
	g := &Generator{
		rnd:     mrand.New(mrand.NewSource(time.Now().UnixNano())),
		entropy: rand.Reader,
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// GenerateReading builds a fresh reading for identity.
func (g *Generator) GenerateReading(identity string) (models.Reading, error) {
	md, ok := Lookup(identity)
	if !ok {
		return models.Reading{}, fmt.Errorf("%w: %s", ErrUnknownDevice, identity)
	}

	trip := make([]byte, tripIDBytes)
	if _, err := io.ReadFull(g.entropy, trip); err != nil {
		return models.Reading{}, fmt.Errorf("failed to generate trip id: %w", err)
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	return models.Reading{
		TripID:                hex.EncodeToString(trip),
		EngineSpeedMean:       g.between(EngineSpeedMean),
		FuelLevel:             g.between(FuelLevel),
		HighAccelerationEvent: g.between(HighAccelerationEvent),
		HighBreakingEvent:     g.between(HighBreakingEvent),
		Odometer:              g.between(Odometer),
		OilTempMean:           g.between(OilTempMean),
		VIN:                   md.VIN,
		Latitude:              md.Latitude,
		Longitude:             md.Longitude,
		Device:                identity,
		Datetime:              g.now().UTC().Format(DatetimeLayout),
	}, nil
}

func (g *Generator) between(r Range) float64 {
	return math.Min(r.Min+g.rnd.Float64()*(r.Max-r.Min), r.Max)
}
