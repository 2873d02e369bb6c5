package scheduler

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/jiaming2012/tradecore/src/clock"
	"github.com/jiaming2012/tradecore/src/eventpubsub"
)

type ScheduledAction struct {
	Name       string
	Recurrence Recurrence
	Callback   func() error

	nextDueUtc time.Time
	seq        uint64
	removed    bool
}

func (a *ScheduledAction) NextDueUtc() time.Time {
	return a.nextDueUtc
}

// ActionInfo is a read-only snapshot of a registered action.
type ActionInfo struct {
	Name       string
	Recurrence string
	NextDueUtc time.Time
}

type ErrorHandler func(err *CallbackError)

// Keeper owns the named actions and fires the ones that are due against the world clock.
// Callbacks run without the keeper lock held, so they may Add or Remove actions; they
// must not call CheckAll.
type Keeper struct {
	mu      sync.Mutex
	sweepMu sync.Mutex
	clock   clock.WorldClock
	actions map[string]*ScheduledAction
	retired map[string]*ScheduledAction
	seq     uint64
	onError ErrorHandler
	logger  *log.Entry
}

type firing struct {
	action *ScheduledAction
	dueUtc time.Time
	err    error
}

// Add registers callback under name, replacing any action of the same name. The first due
// time is the first occurrence of rule at or after the current clock time.
func (k *Keeper) Add(name string, rule Recurrence, callback func() error) (*ScheduledAction, error) {
	if name == "" || rule == nil || callback == nil {
		return nil, fmt.Errorf("Keeper.Add: %w: name, recurrence and callback are required", ErrInvalidAction)
	}

	now := k.clock.UtcNow()
	due := rule.Next(now.Add(-time.Nanosecond))
	if !due.Before(Never) {
		return nil, fmt.Errorf("Keeper.Add: %q (%s): %w", name, rule, ErrNoOccurrence)
	}

	k.mu.Lock()
	defer k.mu.Unlock()

	k.seq++
	action := &ScheduledAction{
		Name:       name,
		Recurrence: rule,
		Callback:   callback,
		nextDueUtc: due,
		seq:        k.seq,
	}

	if old, replaced := k.actions[name]; replaced {
		old.removed = true
		k.logger.WithField("action", name).Debug("replacing scheduled action")
	}
	if old, ok := k.retired[name]; ok {
		old.removed = true
	}

	k.actions[name] = action
	k.logger.WithFields(log.Fields{"action": name, "next_due": due}).Debugf("scheduled %s", rule)

	return action, nil
}

// Remove deletes the action if present; unknown names are ignored.
func (k *Keeper) Remove(name string) {
	k.mu.Lock()
	defer k.mu.Unlock()

	if a, ok := k.actions[name]; ok {
		a.removed = true
		delete(k.actions, name)
	}

	// final firings of the running sweep are no longer in actions
	if a, ok := k.retired[name]; ok {
		a.removed = true
	}
}

// NextActionUtc is the earliest pending due time, or Never when the keeper is empty.
func (k *Keeper) NextActionUtc() time.Time {
	k.mu.Lock()
	defer k.mu.Unlock()

	next := Never
	for _, a := range k.actions {
		if a.nextDueUtc.Before(next) {
			next = a.nextDueUtc
		}
	}

	return next
}

func (k *Keeper) Len() int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return len(k.actions)
}

func (k *Keeper) Actions() []ActionInfo {
	k.mu.Lock()
	defer k.mu.Unlock()

	sorted := k.sortedLocked(func(*ScheduledAction) bool { return true })
	out := make([]ActionInfo, 0, len(sorted))
	for _, a := range sorted {
		out = append(out, ActionInfo{
			Name:       a.Name,
			Recurrence: a.Recurrence.String(),
			NextDueUtc: a.nextDueUtc,
		})
	}

	return out
}

// CheckAll fires every action due at the current clock time once, in ascending due order
// with ties broken by registration order. Each fired action is advanced to its next
// occurrence before its callback runs, so a failing callback never re-fires the same
// occurrence. An action removed or replaced by an earlier callback of the same sweep is
// skipped. It returns the number of callbacks invoked.
func (k *Keeper) CheckAll() int {
	k.sweepMu.Lock()
	defer k.sweepMu.Unlock()

	now := k.clock.UtcNow()

	ctx, span := otel.Tracer("scheduler").Start(context.Background(), "Keeper.CheckAll", trace.WithSpanKind(trace.SpanKindInternal))
	defer span.End()

	k.mu.Lock()
	due := k.sortedLocked(func(a *ScheduledAction) bool { return !a.nextDueUtc.After(now) })

	firings := make([]firing, 0, len(due))
	for _, a := range due {
		f := firing{action: a, dueUtc: a.nextDueUtc}

		next := a.Recurrence.Next(a.nextDueUtc)
		switch {
		case !next.Before(Never):
			delete(k.actions, a.Name)
			k.retired[a.Name] = a
		case !next.After(a.nextDueUtc):
			delete(k.actions, a.Name)
			k.retired[a.Name] = a
			f.err = ErrRecurrenceStalled
		default:
			a.nextDueUtc = next
		}

		firings = append(firings, f)
	}
	k.mu.Unlock()

	fired := 0
	for _, f := range firings {
		k.mu.Lock()
		removed := f.action.removed
		k.mu.Unlock()

		if removed {
			k.logger.WithContext(ctx).WithField("action", f.action.Name).Debug("skipping action removed during sweep")
			continue
		}

		k.invoke(ctx, f.action, f.dueUtc)
		fired++

		if f.err != nil {
			k.report(ctx, &CallbackError{Action: f.action.Name, DueUtc: f.dueUtc, Err: f.err})
		}
	}

	k.mu.Lock()
	clear(k.retired)
	k.mu.Unlock()

	span.SetAttributes(
		attribute.Int("scheduler.fired", fired),
		attribute.String("scheduler.now", now.Format(time.RFC3339)),
	)

	return fired
}

func (k *Keeper) invoke(ctx context.Context, a *ScheduledAction, dueUtc time.Time) {
	defer func() {
		if r := recover(); r != nil {
			k.report(ctx, &CallbackError{Action: a.Name, DueUtc: dueUtc, Err: fmt.Errorf("panic: %v", r)})
		}
	}()

	k.logger.WithContext(ctx).WithFields(log.Fields{"action": a.Name, "due": dueUtc}).Trace("firing scheduled action")

	if err := a.Callback(); err != nil {
		k.report(ctx, &CallbackError{Action: a.Name, DueUtc: dueUtc, Err: err})
	}
}

func (k *Keeper) report(ctx context.Context, err *CallbackError) {
	defer func() {
		if r := recover(); r != nil {
			k.logger.WithContext(ctx).Errorf("scheduler error handler panicked: %v", r)
		}
	}()

	trace.SpanFromContext(ctx).AddEvent("callback error", trace.WithAttributes(
		attribute.String("scheduler.action", err.Action),
		attribute.String("scheduler.error", err.Err.Error()),
	))

	k.onError(err)
}

func (k *Keeper) sortedLocked(include func(*ScheduledAction) bool) []*ScheduledAction {
	out := make([]*ScheduledAction, 0, len(k.actions))
	for _, a := range k.actions {
		if include(a) {
			out = append(out, a)
		}
	}

	sort.Slice(out, func(i, j int) bool {
		if !out[i].nextDueUtc.Equal(out[j].nextDueUtc) {
			return out[i].nextDueUtc.Before(out[j].nextDueUtc)
		}
		return out[i].seq < out[j].seq
	})

	return out
}

// LogErrorHandler logs callback errors and, when bus is non-nil, publishes them.
func LogErrorHandler(logger *log.Entry, bus *eventpubsub.Bus) ErrorHandler {
	return func(err *CallbackError) {
		logger.WithFields(log.Fields{"action": err.Action, "due": err.DueUtc}).Errorf("scheduled action failed: %v", err.Err)
		bus.Publish(eventpubsub.TopicCallbackError, err)
	}
}

// NewKeeper builds a keeper on the given clock. A nil onError logs failures.
func NewKeeper(c clock.WorldClock, onError ErrorHandler, logger *log.Entry) *Keeper {
	if logger == nil {
		logger = log.NewEntry(log.StandardLogger())
	}
	logger = logger.WithField("component", "keeper")

	if onError == nil {
		onError = LogErrorHandler(logger, nil)
	}

	return &Keeper{
		clock:   c,
		actions: make(map[string]*ScheduledAction),
		retired: make(map[string]*ScheduledAction),
		onError: onError,
		logger:  logger,
	}
}
