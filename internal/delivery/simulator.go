package delivery

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"
)

// Simulator fakes a delivery provider with a configurable success rate.
// It is used in development and demos where no provider account exists.
type Simulator struct {
	successRate float64 // 0.0 to 1.0 (e.g., 0.95 = 95% success)
	minLatency  time.Duration
	maxLatency  time.Duration

	mu   sync.Mutex
	rand *rand.Rand
}

// NewSimulator creates a simulated provider.
// successRate: probability of successful send (0.0 to 1.0)
func NewSimulator(successRate float64) *Simulator {
	return &Simulator{
		successRate: clampRate(successRate),
		minLatency:  50 * time.Millisecond,
		maxLatency:  200 * time.Millisecond,
		rand:        rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// WithLatency overrides the simulated latency range
func (s *Simulator) WithLatency(min, max time.Duration) *Simulator {
	if max < min {
		max = min
	}
	s.minLatency = min
	s.maxLatency = max
	return s
}

// WithSeed makes the outcome sequence reproducible
func (s *Simulator) WithSeed(seed int64) *Simulator {
	s.mu.Lock()
	s.rand = rand.New(rand.NewSource(seed))
	s.mu.Unlock()
	return s
}

var simulatedFailures = []string{
	"recipient not found",
	"recipient does not accept messages",
	"session expired",
	"rate limited by platform",
	"service temporarily unavailable",
}

// Deliver simulates sending text to recipient
func (s *Simulator) Deliver(ctx context.Context, recipient, text string) (Result, error) {
	s.mu.Lock()
	latency := s.minLatency
	if span := s.maxLatency - s.minLatency; span > 0 {
		latency += time.Duration(s.rand.Int63n(int64(span)))
	}
	success := s.rand.Float64() < s.successRate
	reason := simulatedFailures[s.rand.Intn(len(simulatedFailures))]
	s.mu.Unlock()

	// Simulate network latency
	if latency > 0 {
		timer := time.NewTimer(latency)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return Result{}, ctx.Err()
		case <-timer.C:
		}
	}

	if !success {
		return Failed(fmt.Sprintf("failed to message %s: %s", recipient, reason)), nil
	}
	return Delivered(), nil
}

// SuccessRate returns the configured success rate
func (s *Simulator) SuccessRate() float64 {
	return s.successRate
}

func clampRate(rate float64) float64 {
	if rate < 0.0 {
		return 0.0
	}
	if rate > 1.0 {
		return 1.0
	}
	return rate
}
