package engine

import (
	"fmt"
	"time"

	"github.com/robfig/cron/v3"

	"deliveryd/internal/delivery"
	"deliveryd/internal/shared"
)

// cronParser accepts standard 5-field cron expressions plus descriptors like
// @hourly and @every.
var cronParser = cron.NewParser(
	cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
)

// NextRun resolves the definition's schedule to the next run strictly after
// the given time. Returns nil when the schedule will never fire again (a
// one-off timestamp in the past).
func (d Definition) NextRun(after time.Time) (*time.Time, error) {
	if d.At != nil {
		if d.At.After(after) {
			t := *d.At
			return &t, nil
		}
		return nil, nil
	}
	sched, err := cronParser.Parse(d.Cron)
	if err != nil {
		return nil, shared.MarkKind(fmt.Errorf("invalid cron expression %q: %w", d.Cron, err), shared.KindValidation)
	}
	t := sched.Next(after)
	return &t, nil
}

// OneOff reports whether the definition fires once at an explicit timestamp.
func (d Definition) OneOff() bool {
	return d.At != nil
}

// Validate checks a definition the way the registry and send-now both require:
// a name, a resolvable schedule, and at least one well-formed target.
func (d Definition) Validate() error {
	if d.Name == "" {
		return shared.MarkKind(fmt.Errorf("scheduler name is required"), shared.KindValidation)
	}
	if d.ProjectID == "" {
		return shared.MarkKind(fmt.Errorf("project id is required"), shared.KindValidation)
	}
	if d.ContentRef == "" {
		return shared.MarkKind(fmt.Errorf("content reference is required"), shared.KindValidation)
	}
	if (d.Cron == "") == (d.At == nil) {
		return shared.MarkKind(fmt.Errorf("exactly one of cron expression or timestamp is required"), shared.KindValidation)
	}
	if d.Cron != "" {
		if _, err := cronParser.Parse(d.Cron); err != nil {
			return shared.MarkKind(fmt.Errorf("invalid cron expression %q: %w", d.Cron, err), shared.KindValidation)
		}
	}
	if len(d.Targets) == 0 {
		return shared.MarkKind(fmt.Errorf("at least one delivery target is required"), shared.KindValidation)
	}
	for i, t := range d.Targets {
		if err := validateTarget(t); err != nil {
			return shared.Wrapf(err, "target %d", i)
		}
	}
	return nil
}

func validateTarget(t delivery.TargetConfig) error {
	if !t.Kind.Valid() {
		return shared.MarkKind(fmt.Errorf("unknown target kind %q", t.Kind), shared.KindValidation)
	}
	switch t.Kind {
	case delivery.KindChat:
		if t.Channel == "" {
			return shared.MarkKind(fmt.Errorf("chat target requires a channel"), shared.KindValidation)
		}
	case delivery.KindEmail:
		if len(t.Recipients) == 0 {
			return shared.MarkKind(fmt.Errorf("email target requires recipients"), shared.KindValidation)
		}
	case delivery.KindTeams:
		if t.WebhookURL == "" {
			return shared.MarkKind(fmt.Errorf("teams target requires a webhook url"), shared.KindValidation)
		}
	}
	return nil
}

// ValidateSort rejects sort requests outside the closed column enum. A nil
// sort is valid and means repository default ordering.
func ValidateSort(sort *Sort) error {
	if sort == nil {
		return nil
	}
	if sort.Column != SortByName {
		return shared.MarkKind(fmt.Errorf("unknown sort column %q", sort.Column), shared.KindValidation)
	}
	if sort.Direction != SortAsc && sort.Direction != SortDesc {
		return shared.MarkKind(fmt.Errorf("unknown sort direction %q", sort.Direction), shared.KindValidation)
	}
	return nil
}
