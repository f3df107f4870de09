// Package tempstore implements the gateway's in-memory temperature history:
// a fixed-capacity ring buffer per known sensor, rebuilt whenever the host
// announces set_klippy_ready, appended to once a second from the last
// status_update notification. Mirrors moonraker.py's
// temperature_store/_update_temperature_store/_record_last_temp/
// _set_klippy_ready/_handle_temp_store_request, with the Python
// deque(maxlen=...) replaced by a hand-rolled drop-oldest ring buffer.
package tempstore

import (
	"sync"
	"time"
)

// Capacity mirrors TEMPERATURE_STORE_SIZE: 20 minutes of 1-second samples.
const Capacity = 20 * 60

// UpdateInterval mirrors TEMPERATURE_UPDATE_MS.
const UpdateInterval = time.Second

// ring is a fixed-capacity, drop-oldest float64 buffer.
type ring struct {
	buf   []float64
	start int
	size  int
}

func newRing(capacity int) *ring {
	return &ring{buf: make([]float64, capacity)}
}

func (r *ring) push(v float64) {
	idx := (r.start + r.size) % len(r.buf)
	r.buf[idx] = v
	if r.size < len(r.buf) {
		r.size++
	} else {
		r.start = (r.start + 1) % len(r.buf)
	}
}

func (r *ring) values() []float64 {
	out := make([]float64, r.size)
	for i := 0; i < r.size; i++ {
		out[i] = r.buf[(r.start+i)%len(r.buf)]
	}
	return out
}

type sensorHistory struct {
	temperatures *ring
	targets      *ring
}

// lastTemp is the most recently observed (temperature, target) pair for a
// sensor, recorded from status_update notifications and flushed into the
// ring buffers once per UpdateInterval, mirroring last_temps.
type lastTemp struct {
	temperature float64
	target      float64
}

// Store owns the per-sensor ring buffers and the sampler loop.
type Store struct {
	mu      sync.Mutex
	history map[string]*sensorHistory
	last    map[string]lastTemp

	stop chan struct{}
	once sync.Once
}

// New returns an empty Store; call SetKlippyReady once the host announces
// its sensor list before samples are recorded.
func New() *Store {
	return &Store{
		history: map[string]*sensorHistory{},
		last:    map[string]lastTemp{},
		stop:    make(chan struct{}),
	}
}

// SetKlippyReady rebuilds the sensor table for the announced sensor list,
// preserving history for sensors that were already tracked, mirroring
// _set_klippy_ready's new_store construction.
func (s *Store) SetKlippyReady(sensors []string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	next := make(map[string]*sensorHistory, len(sensors))
	for _, name := range sensors {
		if existing, ok := s.history[name]; ok {
			next[name] = existing
			continue
		}
		next[name] = &sensorHistory{
			temperatures: newRing(Capacity),
			targets:      newRing(Capacity),
		}
	}
	s.history = next
}

// RecordStatusUpdate extracts temperature/target for every tracked sensor
// present in data, mirroring _record_last_temp. data is the status_update
// notification payload: a map keyed by object name (e.g. "extruder") to an
// object with "temperature"/"target" fields.
func (s *Store) RecordStatusUpdate(data map[string]map[string]float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for sensor := range s.history {
		obj, ok := data[sensor]
		if !ok {
			continue
		}
		s.last[sensor] = lastTemp{
			temperature: round2(obj["temperature"]),
			target:      obj["target"],
		}
	}
}

func round2(v float64) float64 {
	return float64(int(v*100+0.5)) / 100
}

// Sample appends the current last-observed value for every tracked sensor,
// mirroring _update_temperature_store; called once per UpdateInterval by
// Run, or directly by tests.
func (s *Store) Sample() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for sensor, hist := range s.history {
		lt := s.last[sensor] // zero value if never observed, matching the "unknown" fallback
		hist.temperatures.push(lt.temperature)
		hist.targets.push(lt.target)
	}
}

// Run starts the periodic sampler; it blocks until Stop is called.
func (s *Store) Run() {
	ticker := time.NewTicker(UpdateInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			s.Sample()
		case <-s.stop:
			return
		}
	}
}

// Stop halts the sampler loop; safe to call once.
func (s *Store) Stop() {
	s.once.Do(func() { close(s.stop) })
}

// Dump returns the full temperature/target history for every tracked
// sensor, mirroring _handle_temp_store_request.
func (s *Store) Dump() map[string]map[string][]float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]map[string][]float64, len(s.history))
	for sensor, hist := range s.history {
		out[sensor] = map[string][]float64{
			"temperatures": hist.temperatures.values(),
			"targets":      hist.targets.values(),
		}
	}
	return out
}
