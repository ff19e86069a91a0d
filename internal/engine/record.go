package engine

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Category identifies a job type. At most one non-terminal job per
// category exists at any time.
type Category string

const (
	CategoryFill Category = "fill"
	CategoryMix  Category = "mix"
	CategorySend Category = "send"
)

// ParseCategory converts a path or payload string into a Category.
func ParseCategory(s string) (Category, error) {
	switch Category(s) {
	case CategoryFill, CategoryMix, CategorySend:
		return Category(s), nil
	}
	return "", fmt.Errorf("unknown job category %q", s)
}

// Status is a job's lifecycle state.
type Status string

const (
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusStopped   Status = "stopped"
)

// Terminal reports whether the status is an end state.
func (s Status) Terminal() bool {
	return s != StatusRunning
}

// Target holds the validated operation parameters. Immutable after
// record creation.
type Target struct {
	Tank        int     `json:"tank"`
	Volume      float64 `json:"volume,omitempty"`
	Destination int     `json:"destination,omitempty"`
}

// SensorSnapshot is a structured sensor reading with threshold flags.
type SensorSnapshot struct {
	Conductivity        float64   `json:"conductivity"`
	Acidity             float64   `json:"acidity"`
	ConductivityInRange bool      `json:"conductivityInRange"`
	AcidityInRange      bool      `json:"acidityInRange"`
	TakenAt             time.Time `json:"takenAt"`
}

// Record is the canonical state of one running job. The tick loop is
// the sole writer; the serving layer reads through Snapshot(). The
// mutex makes those concurrent reads race-free without slowing the
// single writer down meaningfully.
type Record struct {
	mu sync.RWMutex

	id       string
	category Category
	target   Target

	status         Status
	currentStep    string
	completedSteps []string
	progress       float64
	timerRemaining *float64
	sensors        *SensorSnapshot
	errMsg         string
	startedAt      time.Time
	endedAt        time.Time
}

// newRecord creates a running Record for a validated start request.
func newRecord(category Category, target Target, startedAt time.Time) *Record {
	return &Record{
		id:        uuid.NewString(),
		category:  category,
		target:    target,
		status:    StatusRunning,
		startedAt: startedAt,
	}
}

// Category returns the record's immutable category.
func (r *Record) Category() Category {
	return r.category
}

// setStep records the step currently executing.
func (r *Record) setStep(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.currentStep = name
}

// completeStep appends a finished step name.
func (r *Record) completeStep(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.completedSteps = append(r.completedSteps, name)
}

// setProgress raises progress_percent. Progress never moves backwards
// while the job is running.
func (r *Record) setProgress(pct float64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if pct > 100 {
		pct = 100
	}
	if pct > r.progress {
		r.progress = pct
	}
}

// setTimer records the remaining seconds of a timed step.
func (r *Record) setTimer(seconds float64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.timerRemaining = &seconds
}

// clearTimer removes the countdown once the timed step is over.
func (r *Record) clearTimer() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.timerRemaining = nil
}

// setSensors stores the latest sensor snapshot.
func (r *Record) setSensors(s SensorSnapshot) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sensors = &s
}

// finish transitions the record to a terminal status. errMsg is set
// exactly once, only for StatusFailed.
func (r *Record) finish(status Status, errMsg string, endedAt time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.status.Terminal() {
		return
	}
	r.status = status
	r.endedAt = endedAt
	if status == StatusFailed {
		r.errMsg = errMsg
	}
	if status != StatusRunning {
		r.timerRemaining = nil
	}
}

// Snapshot is the serializable view of a Record handed to readers.
type Snapshot struct {
	ID             string          `json:"id"`
	Category       Category        `json:"category"`
	Status         Status          `json:"status"`
	Target         Target          `json:"target"`
	CurrentStep    string          `json:"currentStep,omitempty"`
	CompletedSteps []string        `json:"completedSteps"`
	Progress       float64         `json:"progressPercent"`
	TimerRemaining *float64        `json:"timerRemaining,omitempty"`
	Sensors        *SensorSnapshot `json:"sensorReadings,omitempty"`
	Error          string          `json:"error,omitempty"`
	StartedAt      time.Time       `json:"startedAt"`
	EndedAt        *time.Time      `json:"endedAt,omitempty"`
}

// Snapshot returns a copy safe to hand to concurrent readers.
func (r *Record) Snapshot() *Snapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()

	snap := &Snapshot{
		ID:             r.id,
		Category:       r.category,
		Status:         r.status,
		Target:         r.target,
		CurrentStep:    r.currentStep,
		CompletedSteps: append([]string(nil), r.completedSteps...),
		Progress:       r.progress,
		Error:          r.errMsg,
		StartedAt:      r.startedAt,
	}
	if r.timerRemaining != nil {
		t := *r.timerRemaining
		snap.TimerRemaining = &t
	}
	if r.sensors != nil {
		s := *r.sensors
		snap.Sensors = &s
	}
	if !r.endedAt.IsZero() {
		e := r.endedAt
		snap.EndedAt = &e
	}
	return snap
}
