package sched

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
	"time"

	"prodpulse/internal/sensor"
)

// Kind selects the firing pipeline for a job.
type Kind string

const (
	// KindSimple stores and reports raw sensor snapshots.
	KindSimple Kind = "simple"
	// KindCumulative treats the sensor as a monotonic counter and reports
	// increments and rates.
	KindCumulative Kind = "cumulative"
)

func (k Kind) Valid() bool { return k == KindSimple || k == KindCumulative }

// State tells whether a job's trigger is live.
type State string

const (
	StateActive State = "active"
	StatePaused State = "paused"
)

// Shift-report child jobs derive their names from the parent.
const (
	childSuffixAM = "_shift_report_am"
	childSuffixPM = "_shift_report_pm"
)

// nameRe enforces the three-part snake_case job naming convention
// (area_machine_metric).
var nameRe = regexp.MustCompile(`^[a-zA-Z0-9_]+_[a-zA-Z0-9_]+_[a-zA-Z0-9_]+$`)

// CronSpec holds cron-style trigger fields. Empty fields default to "*",
// except Second which defaults to "0" so minute-level specs don't fire every
// second. Week (week of year) is accepted in definitions for compatibility
// but only the wildcard is supported.
type CronSpec struct {
	Day       string `json:"day,omitempty"`
	Week      string `json:"week,omitempty"`
	DayOfWeek string `json:"day_of_week,omitempty"`
	Hour      string `json:"hour,omitempty"`
	Minute    string `json:"minute,omitempty"`
	Second    string `json:"second,omitempty"`
}

// Spec renders the 6-field cron line (with seconds) for the cron parser.
func (c CronSpec) Spec() string {
	field := func(v, def string) string {
		v = strings.TrimSpace(v)
		if v == "" {
			return def
		}
		return v
	}
	return strings.Join([]string{
		field(c.Second, "0"),
		field(c.Minute, "*"),
		field(c.Hour, "*"),
		field(c.Day, "*"),
		"*", // month
		field(c.DayOfWeek, "*"),
	}, " ")
}

func (c CronSpec) validate() error {
	if w := strings.TrimSpace(c.Week); w != "" && w != "*" {
		return fmt.Errorf("cron week restriction %q is not supported", c.Week)
	}
	return nil
}

// Trigger is either an interval or a cron schedule, exactly one of them.
type Trigger struct {
	Interval time.Duration `json:"-"`
	Cron     *CronSpec     `json:"cron,omitempty"`
}

// triggerJSON keeps the interval human-readable in persisted definitions.
type triggerJSON struct {
	Interval string    `json:"interval,omitempty"`
	Cron     *CronSpec `json:"cron,omitempty"`
}

func (t Trigger) MarshalJSON() ([]byte, error) {
	out := triggerJSON{Cron: t.Cron}
	if t.Interval > 0 {
		out.Interval = t.Interval.String()
	}
	return json.Marshal(out)
}

func (t *Trigger) UnmarshalJSON(b []byte) error {
	var raw triggerJSON
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	t.Cron = raw.Cron
	t.Interval = 0
	if s := strings.TrimSpace(raw.Interval); s != "" {
		d, err := time.ParseDuration(s)
		if err != nil {
			return fmt.Errorf("trigger interval: %w", err)
		}
		t.Interval = d
	}
	return nil
}

func (t Trigger) validate() error {
	hasInterval := t.Interval > 0
	hasCron := t.Cron != nil
	switch {
	case hasInterval && hasCron:
		return fmt.Errorf("trigger must be interval or cron, not both")
	case !hasInterval && !hasCron:
		return fmt.Errorf("trigger required")
	case hasCron:
		return t.Cron.validate()
	}
	return nil
}

// Job is one monitored metric: what to read, when to fire and how to report.
type Job struct {
	Name        string       `json:"name"`
	Description string       `json:"description"`
	Kind        Kind         `json:"kind"`
	Trigger     Trigger      `json:"trigger"`
	Sensors     []sensor.Ref `json:"sensors"`

	TgSend      bool `json:"tg_send"`
	ShiftReport bool `json:"shift_report"`
	Summation   bool `json:"summation"`
	SpeedInfo   bool `json:"speed_info"`

	// Chat is the routing label resolved to a Telegram thread.
	Chat string `json:"chat,omitempty"`

	State State `json:"state"`

	// Parent is set on shift-report children and names the owning job.
	Parent string `json:"parent,omitempty"`
}

// IsChild reports whether the job is a derived shift-report child.
func (j Job) IsChild() bool { return j.Parent != "" }

// SeriesKey names the series this job records into. Children share the
// parent's series.
func (j Job) SeriesKey() string {
	if j.IsChild() {
		return j.Parent
	}
	return j.Name
}

// Validate checks a user-supplied definition. Derived children are built
// internally and bypass the naming rules.
func (j Job) Validate() error {
	name := strings.TrimSpace(j.Name)
	if len(name) < 3 || len(name) > 30 {
		return fmt.Errorf("%w: name must be 3..30 characters", ErrInvalidDef)
	}
	if !nameRe.MatchString(name) {
		return fmt.Errorf("%w: name %q must be three snake_case parts (area_machine_metric)", ErrInvalidDef, name)
	}
	if strings.Contains(name, "_shift_report") {
		return fmt.Errorf("%w: the _shift_report name space is reserved", ErrInvalidDef)
	}
	desc := strings.TrimSpace(j.Description)
	if len(desc) < 3 || len(desc) > 100 {
		return fmt.Errorf("%w: description must be 3..100 characters", ErrInvalidDef)
	}
	if !j.Kind.Valid() {
		return fmt.Errorf("%w: unknown kind %q", ErrInvalidDef, j.Kind)
	}
	if err := j.Trigger.validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidDef, err)
	}
	if len(j.Sensors) == 0 {
		return fmt.Errorf("%w: at least one sensor required", ErrInvalidDef)
	}
	for _, ref := range j.Sensors {
		if strings.TrimSpace(ref.ID) == "" {
			return fmt.Errorf("%w: sensor with empty id", ErrInvalidDef)
		}
		if !ref.Type.Valid() {
			return fmt.Errorf("%w: unknown sensor type %q", ErrInvalidDef, ref.Type)
		}
	}
	if j.Kind == KindCumulative && len(j.Sensors) > 1 && !j.Summation {
		return fmt.Errorf("%w: cumulative job with multiple sensors requires summation", ErrInvalidDef)
	}
	if j.ShiftReport && !j.TgSend {
		return fmt.Errorf("%w: shift_report requires tg_send", ErrInvalidDef)
	}
	if j.ShiftReport && j.Kind != KindCumulative {
		return fmt.Errorf("%w: shift_report requires a cumulative job", ErrInvalidDef)
	}
	return nil
}

// childName derives a shift-report child name from the parent.
func childName(parent string, am bool) string {
	if am {
		return parent + childSuffixAM
	}
	return parent + childSuffixPM
}

// stripChildSuffix maps any job name to its parent: a child name loses the
// _shift_report_am/_pm tail, other names pass through.
func stripChildSuffix(name string) string {
	switch {
	case strings.HasSuffix(name, childSuffixAM):
		return strings.TrimSuffix(name, childSuffixAM)
	case strings.HasSuffix(name, childSuffixPM):
		return strings.TrimSuffix(name, childSuffixPM)
	}
	return name
}

func isChildName(name string) bool {
	return strings.HasSuffix(name, childSuffixAM) || strings.HasSuffix(name, childSuffixPM)
}
