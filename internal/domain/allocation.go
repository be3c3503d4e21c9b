package domain

import (
	"fmt"
	"time"

	"github.com/lib/pq"
)

type AllocationStatus string

const (
	AllocationPending   AllocationStatus = "pending"
	AllocationExecuting AllocationStatus = "executing"
	AllocationCompleted AllocationStatus = "completed"
	AllocationFailed    AllocationStatus = "failed"
)

func ParseAllocationStatus(s string) (AllocationStatus, error) {
	switch st := AllocationStatus(s); st {
	case AllocationPending, AllocationExecuting, AllocationCompleted, AllocationFailed:
		return st, nil
	default:
		return "", fmt.Errorf("%w: unknown allocation status %q", ErrInvalidArgument, s)
	}
}

// Active allocations hold their feeds: no other allocation of the same task
// may cover them.
func (s AllocationStatus) Active() bool {
	return s == AllocationPending || s == AllocationExecuting
}

// Terminal states never transition again.
func (s AllocationStatus) Terminal() bool {
	return s == AllocationCompleted || s == AllocationFailed
}

// AllocationEvent is the symbolic name of a transition.
type AllocationEvent string

const (
	EventClaim      AllocationEvent = "claim"
	EventCheckpoint AllocationEvent = "checkpoint"
	EventSucceed    AllocationEvent = "succeed"
	EventFail       AllocationEvent = "fail"
	EventExpire     AllocationEvent = "expire"
)

type Transition struct {
	Event AllocationEvent
	From  AllocationStatus
	To    AllocationStatus
}

func (t Transition) String() string {
	return fmt.Sprintf("%v---%v--->%v", t.From, t.Event, t.To)
}

// AllocationRules is the transition table. Completed and failed have no
// outgoing rules.
var AllocationRules = []Transition{
	{Event: EventClaim, From: AllocationPending, To: AllocationExecuting},
	{Event: EventExpire, From: AllocationPending, To: AllocationFailed},

	{Event: EventCheckpoint, From: AllocationExecuting, To: AllocationExecuting},
	{Event: EventSucceed, From: AllocationExecuting, To: AllocationCompleted},
	{Event: EventFail, From: AllocationExecuting, To: AllocationFailed},
	{Event: EventExpire, From: AllocationExecuting, To: AllocationFailed},
}

// ApplyEvent returns the status reached from cur on ev, or
// ErrInvalidTransition when no rule matches.
func ApplyEvent(cur AllocationStatus, ev AllocationEvent) (AllocationStatus, error) {
	for _, r := range AllocationRules {
		if r.Event == ev && r.From == cur {
			return r.To, nil
		}
	}
	return cur, fmt.Errorf("%w: %s on %s", ErrInvalidTransition, ev, cur)
}

// EventForReport maps a status reported by a node onto the event it
// represents given the allocation's current status.
func EventForReport(cur, reported AllocationStatus) (AllocationEvent, error) {
	switch reported {
	case AllocationExecuting:
		if cur == AllocationPending {
			return EventClaim, nil
		}
		return EventCheckpoint, nil
	case AllocationCompleted:
		return EventSucceed, nil
	case AllocationFailed:
		return EventFail, nil
	default:
		return "", fmt.Errorf("%w: nodes cannot report status %q", ErrInvalidArgument, reported)
	}
}

type Allocation struct {
	ID              string           `db:"id"`
	NodeID          string           `db:"node_id"`
	TaskID          string           `db:"task_id"`
	TaskName        string           `db:"task_name"`
	FeedIDs         pq.StringArray   `db:"feed_ids"`
	Status          AllocationStatus `db:"status"`
	ScheduleRunID   string           `db:"schedule_run_id"`
	ErrorMessage    *string          `db:"error_message"`
	ArticleCount    int              `db:"article_count"`
	NewArticleCount int              `db:"new_article_count"`
	CreatedAt       time.Time        `db:"created_at"`
	UpdatedAt       time.Time        `db:"updated_at"`
	StartedAt       *time.Time       `db:"started_at"`
	CompletedAt     *time.Time       `db:"completed_at"`
}

// StatusChange is a compare-and-set on an allocation's status. It applies
// only if the stored status is one of From and, when set, the stored
// updated_at is before UpdatedBefore and the owner is NodeID.
type StatusChange struct {
	ID              string
	From            AllocationStatus
	To              AllocationStatus
	At              time.Time
	UpdatedBefore   *time.Time
	NodeID          string
	ErrorMessage    *string
	ArticleCount    *int
	NewArticleCount *int
}

type AllocationFilter struct {
	TaskID string
	NodeID string
	Status AllocationStatus
	Limit  int
	Offset int
}

type AllocationCounts struct {
	Pending        int `json:"pending" db:"pending"`
	Executing      int `json:"executing" db:"executing"`
	CompletedToday int `json:"completed_today" db:"completed_today"`
	FailedToday    int `json:"failed_today" db:"failed_today"`
}

// AllocationReport is what a node sends about one of its allocations.
type AllocationReport struct {
	AllocationID    string
	Status          AllocationStatus
	ErrorMessage    string
	ArticleCount    int
	NewArticleCount int
}
