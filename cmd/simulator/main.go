// Command simulator publishes synthetic driver and ride request events to
// the events topic so the pipeline can be exercised end to end.
//
// Drivers wander around a city center and periodically refresh their
// acceptance statistics; riders open requests at random origins. A fraction
// of events can be emitted without a zone offset to exercise the naive
// timestamp policy.
//
// Usage:
//
//	go run ./cmd/simulator [-config configs/development.yaml] [-drivers 200] [-rate 100] [-duration 1m]
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"math"
	"math/rand/v2"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/Adithya-Monish-Kumar-K/RideMatch-Feature-Platform/internal/event"
	"github.com/Adithya-Monish-Kumar-K/RideMatch-Feature-Platform/pkg/config"
	"github.com/Adithya-Monish-Kumar-K/RideMatch-Feature-Platform/pkg/kafka"
	"github.com/Adithya-Monish-Kumar-K/RideMatch-Feature-Platform/pkg/logger"
	"github.com/google/uuid"
)

const naiveLayout = "2006-01-02T15:04:05.000"

type envelope struct {
	EntityType string         `json:"entity_type"`
	EntityID   string         `json:"entity_id"`
	EventType  string         `json:"event_type"`
	Timestamp  string         `json:"timestamp"`
	Payload    map[string]any `json:"payload"`
}

type driver struct {
	id         string
	lat, lon   float64
	acceptRate float64
	responseMs float64
}

type simulator struct {
	drivers       []*driver
	centerLat     float64
	centerLon     float64
	radiusKM      float64
	riderShare    float64
	naiveFraction float64
	rng           *rand.Rand
}

func main() {
	configPath := flag.String("config", "configs/development.yaml", "path to config file")
	numDrivers := flag.Int("drivers", 200, "number of simulated drivers")
	rate := flag.Int("rate", 100, "events per second")
	duration := flag.Duration("duration", time.Minute, "how long to run; 0 runs until interrupted")
	centerLat := flag.Float64("lat", 40.7128, "city center latitude")
	centerLon := flag.Float64("lon", -74.0060, "city center longitude")
	radius := flag.Float64("radius-km", 8, "radius drivers and riders are spread over")
	riderShare := flag.Float64("rider-share", 0.2, "fraction of events that are ride requests")
	naive := flag.Float64("naive-fraction", 0, "fraction of events emitted without a zone offset")
	seed := flag.Uint64("seed", 1, "random seed")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}
	logger.Setup(cfg.Logging.Level, cfg.Logging.Format)
	if *numDrivers <= 0 || *rate <= 0 {
		fmt.Fprintln(os.Stderr, "-drivers and -rate must be positive")
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if *duration > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, *duration)
		defer cancel()
	}

	sim := newSimulator(*numDrivers, *centerLat, *centerLon, *radius, *seed)
	sim.riderShare = *riderShare
	sim.naiveFraction = *naive

	producer := kafka.NewProducer(cfg.Kafka, cfg.Kafka.Topics.Events)
	defer producer.Close()
	slog.Info("simulator started",
		"topic", cfg.Kafka.Topics.Events,
		"drivers", *numDrivers,
		"rate", *rate,
		"duration", *duration,
	)

	// Events go out in batches every 100ms.
	perTick := max(*rate/10, 1)
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()

	var published, failed int
	for {
		select {
		case <-ctx.Done():
			slog.Info("simulator stopped", "published", published, "failed_batches", failed)
			return
		case <-ticker.C:
			batch := make([]kafka.Event, perTick)
			for i := range batch {
				batch[i] = sim.next(time.Now())
			}
			if err := producer.PublishBatch(ctx, batch); err != nil {
				if ctx.Err() != nil {
					continue
				}
				failed++
				slog.Warn("publish failed", "events", len(batch), "error", err)
				continue
			}
			published += len(batch)
			if published%(perTick*100) == 0 {
				slog.Info("simulator progress", "published", published)
			}
		}
	}
}

func newSimulator(n int, lat, lon, radiusKM float64, seed uint64) *simulator {
	s := &simulator{
		centerLat: lat,
		centerLon: lon,
		radiusKM:  radiusKM,
		rng:       rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15)),
	}
	for i := range n {
		dLat, dLon := s.scatter()
		s.drivers = append(s.drivers, &driver{
			id:         fmt.Sprintf("driver_%d", i),
			lat:        dLat,
			lon:        dLon,
			acceptRate: 0.5 + 0.5*s.rng.Float64(),
			responseMs: 200 + 1300*s.rng.Float64(),
		})
	}
	return s
}

// scatter returns a uniform point within radiusKM of the center.
func (s *simulator) scatter() (float64, float64) {
	r := s.radiusKM * math.Sqrt(s.rng.Float64())
	theta := 2 * math.Pi * s.rng.Float64()
	dLat := r * math.Cos(theta) / 111.32
	dLon := r * math.Sin(theta) / (111.32 * math.Cos(s.centerLat*math.Pi/180))
	return s.centerLat + dLat, s.centerLon + dLon
}

func (s *simulator) next(now time.Time) kafka.Event {
	if s.rng.Float64() < s.riderShare {
		return s.rideRequest(now)
	}
	return s.driverUpdate(now)
}

func (s *simulator) driverUpdate(now time.Time) kafka.Event {
	d := s.drivers[s.rng.IntN(len(s.drivers))]
	// Roughly 200m per update.
	d.lat += (s.rng.Float64() - 0.5) * 0.004
	d.lon += (s.rng.Float64() - 0.5) * 0.004

	payload := map[string]any{
		"lat":    d.lat,
		"lon":    d.lon,
		"status": []string{"available", "available", "available", "on_trip", "offline"}[s.rng.IntN(5)],
	}
	if s.rng.Float64() < 0.1 {
		d.acceptRate = math.Min(1, math.Max(0, d.acceptRate+(s.rng.Float64()-0.5)*0.05))
		d.responseMs = math.Max(50, d.responseMs+(s.rng.Float64()-0.5)*100)
		payload["accept_rate_7d"] = d.acceptRate
		payload["avg_response_ms"] = d.responseMs
	}
	return kafka.Event{Key: d.id, Value: envelope{
		EntityType: "driver",
		EntityID:   d.id,
		EventType:  "driver_update",
		Timestamp:  s.timestamp(now),
		Payload:    payload,
	}}
}

func (s *simulator) rideRequest(now time.Time) kafka.Event {
	id := "ride_" + uuid.NewString()
	lat, lon := s.scatter()
	return kafka.Event{Key: id, Value: envelope{
		EntityType: "ride_request",
		EntityID:   id,
		EventType:  "rider_request",
		Timestamp:  s.timestamp(now),
		Payload: map[string]any{
			"origin_lat":   lat,
			"origin_lon":   lon,
			"pref_vehicle": []string{"sedan", "suv", "any"}[s.rng.IntN(3)],
		},
	}}
}

func (s *simulator) timestamp(now time.Time) string {
	now = now.UTC()
	if s.rng.Float64() < s.naiveFraction {
		return now.Format(naiveLayout)
	}
	return event.FormatTimestamp(now)
}
