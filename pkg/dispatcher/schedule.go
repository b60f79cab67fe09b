package dispatcher

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/dukex/conduit/pkg/engine"
	"github.com/dukex/conduit/pkg/models"
	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"
)

func newScheduleEntry(workflow *models.Workflow, trigger *models.Trigger, now time.Time) (*scheduleEntry, error) {
	settings := trigger.Schedule
	if settings == nil || settings.Cron == "" {
		return nil, fmt.Errorf("%w: schedule trigger without cron expression", ErrInvalidTrigger)
	}

	schedule, err := cron.ParseStandard(settings.Cron)
	if err != nil {
		return nil, fmt.Errorf("%w: cron expression %q: %w", ErrInvalidTrigger, settings.Cron, err)
	}

	location := time.UTC

	if settings.Timezone != "" {
		location, err = time.LoadLocation(settings.Timezone)
		if err != nil {
			return nil, fmt.Errorf("%w: timezone %q: %w", ErrInvalidTrigger, settings.Timezone, err)
		}
	}

	return &scheduleEntry{
		workflow: workflow,
		trigger:  trigger,
		schedule: schedule,
		location: location,
		next:     schedule.Next(now.In(location)),
	}, nil
}

// Run drives the schedule table until ctx is done.
func (d *Dispatcher) Run(ctx context.Context) error {
	ticker := time.NewTicker(d.tick)
	defer ticker.Stop()

	d.logger.WithField("tick", d.tick).Info("Schedule loop started")

	for {
		select {
		case <-ctx.Done():
			d.logger.Info("Schedule loop stopped")

			return nil
		case <-ticker.C:
			d.Tick(ctx, d.now())
		}
	}
}

// Tick starts one execution per schedule due at now. Each due entry's next fire time is
// advanced before its execution starts, so the same due time never fires twice and a
// long running execution never delays the next one.
func (d *Dispatcher) Tick(ctx context.Context, now time.Time) int {
	type fire struct {
		entry *scheduleEntry
		dueAt time.Time
	}

	d.mu.Lock()

	due := make([]fire, 0)

	for _, entry := range d.schedules {
		if entry.next.IsZero() || entry.next.After(now) {
			continue
		}

		due = append(due, fire{entry: entry, dueAt: entry.next})
		entry.next = entry.schedule.Next(now.In(entry.location))
	}

	d.mu.Unlock()

	sort.Slice(due, func(i, j int) bool { return due[i].dueAt.Before(due[j].dueAt) })

	started := 0

	for _, f := range due {
		settings := f.entry.trigger.Schedule
		logger := d.logger.WithFields(logrus.Fields{
			"workflow_id": f.entry.workflow.ID,
			"trigger_id":  f.entry.trigger.ID,
			"cron":        settings.Cron,
		})

		item := d.triggerItem(models.TriggerKindSchedule, f.entry.trigger.NodeID)
		item["cron"] = settings.Cron
		item["timezone"] = f.entry.location.String()
		item["scheduledAt"] = f.dueAt.UTC().Format(time.RFC3339)

		execution, err := d.engine.Start(ctx, engine.RunRequest{
			Workflow:    f.entry.workflow,
			StartNodeID: f.entry.trigger.NodeID,
			Input:       models.PortData{models.MainPort: {item}},
			Mode:        models.TriggerKindSchedule,
		})
		if err != nil {
			logger.WithError(err).Error("Failed to start scheduled execution")

			continue
		}

		started++

		logger.WithField("execution_id", execution.ID).Info("Schedule fired")
	}

	return started
}

// NextFire reports when a workflow's schedule trigger fires next.
func (d *Dispatcher) NextFire(workflowID, triggerID string) (time.Time, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	for _, entry := range d.schedules {
		if entry.workflow.ID == workflowID && entry.trigger.ID == triggerID {
			return entry.next, true
		}
	}

	return time.Time{}, false
}
