package eventbus

import (
	"fmt"
	"time"

	"geopub/internal/model"
)

// Kind is the wire name of an event variant.
type Kind string

const (
	KindPublishProgress      Kind = "publish_progress"
	KindAccountCheckProgress Kind = "account_check_progress"
	KindAccountCheckComplete Kind = "account_check_complete"
	KindAuthComplete         Kind = "auth_complete"
	KindTaskLifecycle        Kind = "task_lifecycle"
)

// Kinds lists every variant.
func Kinds() []Kind {
	return []Kind{
		KindPublishProgress,
		KindAccountCheckProgress,
		KindAccountCheckComplete,
		KindAuthComplete,
		KindTaskLifecycle,
	}
}

// Event carries exactly one Payload variant. Consumers switch on the
// payload type and must report variants they do not handle.
type Event struct {
	Kind    Kind
	Time    time.Time
	Payload Payload
}

// Payload is implemented only by the variants in this file.
type Payload interface {
	Kind() Kind
	sealed()
}

// PublishProgress is emitted on every publish task state change.
type PublishProgress struct {
	RequestID string            `json:"request_id"`
	Task      model.PublishTask `json:"task"`
	Complete  bool              `json:"complete"`
}

// AccountCheckProgress is emitted once per probed account.
type AccountCheckProgress struct {
	Current  int                      `json:"current"`
	Total    int                      `json:"total"`
	Progress int                      `json:"progress"`
	Result   model.AccountCheckResult `json:"result"`
}

// AccountCheckComplete closes a check run.
type AccountCheckComplete struct {
	Summary model.AccountCheckSummary `json:"summary"`
}

// AuthComplete is emitted when a login session reaches a terminal state.
type AuthComplete struct {
	Session model.AuthSession `json:"session"`
	Account model.Account     `json:"account"`
}

// TaskPhase is a worker-pool lifecycle step.
type TaskPhase string

const (
	PhaseStarted  TaskPhase = "started"
	PhaseRetry    TaskPhase = "retry"
	PhaseFinished TaskPhase = "finished"
	PhaseFailed   TaskPhase = "failed"
	PhaseSkipped  TaskPhase = "skipped"
	PhaseDropped  TaskPhase = "dropped"
)

// TaskLifecycle reports worker-pool internals. It is not forwarded to live
// dashboard clients.
type TaskLifecycle struct {
	Phase      TaskPhase     `json:"phase"`
	ID         string        `json:"id"`
	Name       string        `json:"name"`
	Started    time.Time     `json:"started"`
	QueueDelay time.Duration `json:"queue_delay"`
	Duration   time.Duration `json:"duration"`
	Attempts   int           `json:"attempts"`
	Error      string        `json:"error,omitempty"`
}

func (PublishProgress) Kind() Kind      { return KindPublishProgress }
func (AccountCheckProgress) Kind() Kind { return KindAccountCheckProgress }
func (AccountCheckComplete) Kind() Kind { return KindAccountCheckComplete }
func (AuthComplete) Kind() Kind         { return KindAuthComplete }
func (TaskLifecycle) Kind() Kind        { return KindTaskLifecycle }

func (PublishProgress) sealed()      {}
func (AccountCheckProgress) sealed() {}
func (AccountCheckComplete) sealed() {}
func (AuthComplete) sealed()         {}
func (TaskLifecycle) sealed()        {}

// NewEvent stamps p with its kind and the current time.
func NewEvent(p Payload) Event {
	return Event{Kind: p.Kind(), Time: time.Now(), Payload: p}
}

// UnknownPayloadError is returned by consumers that meet a variant they do
// not handle.
type UnknownPayloadError struct {
	Kind    Kind
	Payload any
}

func (e UnknownPayloadError) Error() string {
	return fmt.Sprintf("eventbus: unhandled event kind %q (%T)", e.Kind, e.Payload)
}
