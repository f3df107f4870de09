package hostsdk

import (
	"context"
	"regexp"
	"sync"
	"time"

	"github.com/nullstream/moongate/internal/logging"
	"github.com/nullstream/moongate/internal/wire"
)

// statusUpdateEnvelope builds the notification envelope a status_update
// batch is sent as, mirroring send_notification('status_update', status).
func statusUpdateEnvelope(status map[string]interface{}) wire.Envelope {
	return wire.Envelope{
		Method: "notification",
		Params: mustMarshal(wire.NotificationParams{Name: "status_update", State: mustMarshal(status)}),
	}
}

// MaxTicks is the modulus the tick counter wraps at, mirroring api_server.py's
// MAX_TICKS.
const MaxTicks = 64

// StatusProvider supplies the printer object graph a SubscriptionWheel polls,
// mirroring Klippy's get_status()-bearing objects.
type StatusProvider interface {
	// AvailableObjects lists every subscribable object and its known
	// attributes, mirroring StatusHandler.initialize's status_objs scan.
	AvailableObjects() map[string][]string
	// Status resolves the requested objects/attrs to their current values,
	// mirroring _process_status_request.
	Status(objects map[string][]string) map[string]interface{}
}

type pollRule struct {
	re    *regexp.Regexp
	ticks int
}

type subscription struct {
	objects map[string][]string
	ticks   int
}

// SubscriptionWheel batches status polling across registered subscriptions
// into MaxTicks buckets so expensive objects are sampled less often than
// cheap ones, mirroring StatusHandler's tick/poll_ticks machinery exactly.
type SubscriptionWheel struct {
	mu sync.Mutex

	tickInterval time.Duration
	currentTick  int
	literal      map[string]int
	rules        []pollRule
	subs         []*subscription

	provider StatusProvider
	sender   Sender

	stop chan struct{}
}

// NewSubscriptionWheel returns a wheel with the default poll-tick table:
// toolhead/gcode/idle_timeout/pause_resume every tick, fan every 2,
// virtual_sdcard/extruder*/heater*/temperature_fan every 4, gcode_macro*
// permanently blacklisted (0 == never polled), everything else every 16.
func NewSubscriptionWheel(tickInterval time.Duration, sender Sender, provider StatusProvider) *SubscriptionWheel {
	return &SubscriptionWheel{
		tickInterval: tickInterval,
		literal: map[string]int{
			"toolhead":       1,
			"gcode":          1,
			"idle_timeout":   1,
			"pause_resume":   1,
			"fan":            2,
			"virtual_sdcard": 4,
			"temperature_fan": 4,
			"default":        16,
		},
		rules: []pollRule{
			{re: regexp.MustCompile(`^extruder.*`), ticks: 4},
			{re: regexp.MustCompile(`^heater.*`), ticks: 4},
			{re: regexp.MustCompile(`^gcode_macro.*`), ticks: 0},
		},
		sender:   sender,
		provider: provider,
		stop:     make(chan struct{}),
	}
}

// SetStatusTier assigns the given objects to tier (1-6), mirroring
// status_tier_N config options: tier N polls every 2^(N-1) ticks.
// gcode_macro-prefixed names are silently skipped, since they are
// permanently blacklisted regardless of tier.
func (w *SubscriptionWheel) SetStatusTier(tier int, objects []string) {
	if tier < 1 {
		tier = 1
	}
	ticks := 1 << uint(tier-1)
	w.mu.Lock()
	defer w.mu.Unlock()
	for _, name := range objects {
		if len(name) >= len("gcode_macro") && name[:len("gcode_macro")] == "gcode_macro" {
			continue
		}
		w.literal[name] = ticks
	}
}

func (w *SubscriptionWheel) getPollTicks(obj string) int {
	if t, ok := w.literal[obj]; ok {
		return t
	}
	for _, rule := range w.rules {
		if rule.re.MatchString(obj) {
			return rule.ticks
		}
	}
	return w.literal["default"]
}

func (w *SubscriptionWheel) subByTicks(ticks int) *subscription {
	for _, s := range w.subs {
		if s.ticks == ticks {
			return s
		}
	}
	return nil
}

// AddSubscription merges newObjects into the wheel's bucketed subscriptions,
// mirroring add_subscripton. Objects not present in AvailableObjects, or
// blacklisted at 0 ticks, are dropped.
func (w *SubscriptionWheel) AddSubscription(newObjects map[string][]string) {
	if len(newObjects) == 0 {
		return
	}
	available := w.provider.AvailableObjects()

	w.mu.Lock()
	defer w.mu.Unlock()
	for obj, attrs := range newObjects {
		if _, ok := available[obj]; !ok {
			logging.Sugar().Infow("hostsdk: object not available for subscription", "object", obj)
			continue
		}
		ticks := w.getPollTicks(obj)
		if ticks == 0 {
			continue
		}
		if sub := w.subByTicks(ticks); sub != nil {
			sub.objects[obj] = attrs
		} else {
			w.subs = append(w.subs, &subscription{objects: map[string][]string{obj: attrs}, ticks: ticks})
		}
	}
}

// GetSubInfo reports every subscribed object (with its full available
// attribute set when the subscription requested "all attributes") and the
// effective poll period, mirroring get_sub_info.
func (w *SubscriptionWheel) GetSubInfo() (objects map[string][]string, pollTimes map[string]float64) {
	available := w.provider.AvailableObjects()

	w.mu.Lock()
	defer w.mu.Unlock()
	objects = map[string][]string{}
	pollTimes = map[string]float64{}
	for _, sub := range w.subs {
		for obj, attrs := range sub.objects {
			if len(attrs) == 0 {
				attrs = available[obj]
			}
			objects[obj] = attrs
			pollTimes[obj] = float64(sub.ticks) * w.tickInterval.Seconds()
		}
	}
	return objects, pollTimes
}

// Run drives the tick loop until ctx is cancelled or Stop is called,
// mirroring _batch_subscription_handler's reactor timer.
func (w *SubscriptionWheel) Run(ctx context.Context) {
	ticker := time.NewTicker(w.tickInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stop:
			return
		case <-ticker.C:
			w.tick()
		}
	}
}

// Stop halts the tick loop.
func (w *SubscriptionWheel) Stop() {
	close(w.stop)
}

func (w *SubscriptionWheel) tick() {
	w.mu.Lock()
	due := map[string][]string{}
	for _, sub := range w.subs {
		if sub.ticks != 0 && w.currentTick%sub.ticks == 0 {
			for obj, attrs := range sub.objects {
				due[obj] = attrs
			}
		}
	}
	w.currentTick = (w.currentTick + 1) % MaxTicks
	w.mu.Unlock()

	if len(due) == 0 {
		return
	}
	status := w.provider.Status(due)
	if err := w.sender.Send(statusUpdateEnvelope(status)); err != nil {
		logging.Sugar().Warnw("hostsdk: failed to send status_update", "err", err)
	}
}
