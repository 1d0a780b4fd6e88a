package market

import (
	"fmt"
	"math"
	mathrand "math/rand"
	"strconv"
	"strings"
	"sync"
	"time"
)

const (
	MinRate     = 0.0
	MaxRate     = 10.0
	NeutralRate = 1.0
)

// Bin is a half-open rate interval [Lo, Hi) with an integer draw weight.
type Bin struct {
	Lo     float64
	Hi     float64
	Weight int
}

// DefaultBins has an expected rate of roughly 1.0.
var DefaultBins = []Bin{
	{Lo: 0.0, Hi: 0.5, Weight: 39},
	{Lo: 0.5, Hi: 1.0, Weight: 29},
	{Lo: 1.0, Hi: 1.5, Weight: 27},
	{Lo: 1.5, Hi: 2.5, Weight: 11},
	{Lo: 2.5, Hi: 5.0, Weight: 5},
	{Lo: 5.0, Hi: 7.5, Weight: 1},
	{Lo: 7.5, Hi: 10.0, Weight: 0},
}

// Sampler draws the shared return rate of a tick from weighted bins.
type Sampler struct {
	mu    sync.Mutex
	rand  *mathrand.Rand
	bins  []Bin
	total int
}

func NewSampler(bins []Bin, seed int64) (*Sampler, error) {
	if err := ValidateBins(bins); err != nil {
		return nil, err
	}
	total := 0
	for _, b := range bins {
		total += b.Weight
	}
	return &Sampler{
		rand:  mathrand.New(mathrand.NewSource(seed)),
		bins:  append([]Bin(nil), bins...),
		total: total,
	}, nil
}

// NewTimeSeededSampler is NewSampler seeded from the wall clock.
func NewTimeSeededSampler(bins []Bin) (*Sampler, error) {
	return NewSampler(bins, time.Now().UnixNano())
}

func (s *Sampler) Bins() []Bin {
	return append([]Bin(nil), s.bins...)
}

// Rate samples one multiplier in [MinRate, MaxRate], reduced to one decimal.
func (s *Sampler) Rate() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.total <= 0 {
		return NeutralRate
	}
	draw := s.rand.Float64() * float64(s.total)
	acc := 0.0
	for _, b := range s.bins {
		acc += float64(b.Weight)
		if draw < acc {
			return oneDecimal(b.Lo+s.rand.Float64()*(b.Hi-b.Lo), b)
		}
	}
	return NeutralRate
}

// oneDecimal rounds down so the value stays inside its bin.
func oneDecimal(v float64, b Bin) float64 {
	k := math.Floor(v * 10)
	if k/10 >= b.Hi {
		k--
	}
	if k/10 < b.Lo {
		return lowestTenth(b.Lo)
	}
	return k / 10
}

func lowestTenth(lo float64) float64 {
	return math.Ceil(lo*10-1e-9) / 10
}

// ExpectedRate is the weighted mean of the bin midpoints.
func ExpectedRate(bins []Bin) float64 {
	total, sum := 0, 0.0
	for _, b := range bins {
		total += b.Weight
		sum += float64(b.Weight) * (b.Lo + b.Hi) / 2
	}
	if total == 0 {
		return NeutralRate
	}
	return sum / float64(total)
}

func ValidateBins(bins []Bin) error {
	if len(bins) == 0 {
		return fmt.Errorf("at least one rate bin is required")
	}
	prevHi := MinRate
	for i, b := range bins {
		if b.Lo < MinRate || b.Hi > MaxRate {
			return fmt.Errorf("bin %d [%g,%g) outside [%g,%g]", i, b.Lo, b.Hi, MinRate, MaxRate)
		}
		if b.Hi <= b.Lo {
			return fmt.Errorf("bin %d [%g,%g) is empty", i, b.Lo, b.Hi)
		}
		if lowestTenth(b.Lo) >= b.Hi {
			return fmt.Errorf("bin %d [%g,%g) holds no one-decimal rate", i, b.Lo, b.Hi)
		}
		if b.Lo < prevHi {
			return fmt.Errorf("bin %d [%g,%g) overlaps or is out of order", i, b.Lo, b.Hi)
		}
		if b.Weight < 0 {
			return fmt.Errorf("bin %d has negative weight %d", i, b.Weight)
		}
		prevHi = b.Hi
	}
	return nil
}

// ParseBins reads "lo-hi:weight" items separated by commas, e.g. "0-0.5:39,0.5-1:29".
func ParseBins(s string) ([]Bin, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return append([]Bin(nil), DefaultBins...), nil
	}
	var out []Bin
	for _, item := range strings.Split(s, ",") {
		item = strings.TrimSpace(item)
		rng, weight, ok := strings.Cut(item, ":")
		if !ok {
			return nil, fmt.Errorf("rate bin %q: missing weight", item)
		}
		lo, hi, ok := strings.Cut(rng, "-")
		if !ok {
			return nil, fmt.Errorf("rate bin %q: range must be lo-hi", item)
		}
		var b Bin
		var err error
		if b.Lo, err = strconv.ParseFloat(strings.TrimSpace(lo), 64); err != nil {
			return nil, fmt.Errorf("rate bin %q: %w", item, err)
		}
		if b.Hi, err = strconv.ParseFloat(strings.TrimSpace(hi), 64); err != nil {
			return nil, fmt.Errorf("rate bin %q: %w", item, err)
		}
		if b.Weight, err = strconv.Atoi(strings.TrimSpace(weight)); err != nil {
			return nil, fmt.Errorf("rate bin %q: %w", item, err)
		}
		out = append(out, b)
	}
	if err := ValidateBins(out); err != nil {
		return nil, err
	}
	return out, nil
}

func FormatBins(bins []Bin) string {
	parts := make([]string, 0, len(bins))
	for _, b := range bins {
		parts = append(parts, fmt.Sprintf("%g-%g:%d", b.Lo, b.Hi, b.Weight))
	}
	return strings.Join(parts, ",")
}
