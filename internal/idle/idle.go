// Package idle tracks consecutive no-change firings per job and gates
// idle/fault alerting.
package idle

import (
	"sync"

	logx "prodpulse/pkg/logx"
)

// Kind selects the alert wording.
type Kind string

const (
	KindIdle  Kind = "idle"
	KindFault Kind = "fault"
)

// threshold is the number of consecutive idle cycles before one alert fires.
const threshold = 3

// Detector is the process-wide idle state. Entries are keyed by job name
// and evicted on job deletion, so the map stays bounded to known jobs.
type Detector struct {
	mu     sync.Mutex
	counts map[string]int
	log    logx.Logger
}

func New(log logx.Logger) *Detector {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Detector{counts: map[string]int{}, log: log}
}

// Mark records one idle/unchanged firing for the job and reports whether
// an alert must be emitted this cycle. The alert fires exactly when the
// streak reaches the threshold and not again until Reset. A sensor fault
// observed this cycle selects the fault wording.
func (d *Detector) Mark(job string, hasFault bool) (fire bool, kind Kind) {
	d.mu.Lock()
	d.counts[job]++
	n := d.counts[job]
	d.mu.Unlock()

	if n != threshold {
		return false, KindIdle
	}
	if hasFault {
		d.log.Warn("job in fault state", logx.String("job", job))
		return true, KindFault
	}
	d.log.Warn("job is idle", logx.String("job", job))
	return true, KindIdle
}

// Reset clears the job's streak after an accepted sample.
func (d *Detector) Reset(job string) {
	d.mu.Lock()
	_, had := d.counts[job]
	delete(d.counts, job)
	d.mu.Unlock()
	if had {
		d.log.Info("idle counter reset", logx.String("job", job))
	}
}

// Forget evicts the job's entry on deletion.
func (d *Detector) Forget(job string) {
	d.mu.Lock()
	delete(d.counts, job)
	d.mu.Unlock()
}

// Count reports the current streak (diagnostics).
func (d *Detector) Count(job string) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.counts[job]
}
