package notifier

import (
	"errors"
	"strings"
	"time"

	"defectbot/internal/transport"
)

// ErrDisabled is returned by Deliver when no channel is configured.
var ErrDisabled = errors.New("notifications disabled")

// EventBatch is the event bus type published after every delivered batch.
const EventBatch = "notify.batch"

type Role string

const (
	RoleResponsible Role = "responsible"
	RoleExecutor    Role = "executor"
)

// Payload carries the defect fields a notification shows.
// Empty fields render as "N/A".
type Payload struct {
	ID          int64
	Equipment   string
	Section     string
	Description string
	DangerLevel string
	// PhotoRef is a stored photo path like "/uploads/x.jpg"; empty means text only.
	PhotoRef string
}

// Assignment names who should hear about the defect. Empty means absent.
type Assignment struct {
	Responsible string
	Executor    string
}

type target struct {
	role Role
	name string
}

// targets lists recipients in delivery order. An executor equal to the
// responsible person collapses into the responsible entry.
func (a Assignment) targets() []target {
	resp := strings.TrimSpace(a.Responsible)
	exec := strings.TrimSpace(a.Executor)

	out := make([]target, 0, 2)
	if resp != "" {
		out = append(out, target{role: RoleResponsible, name: resp})
	}
	if exec != "" && exec != resp {
		out = append(out, target{role: RoleExecutor, name: exec})
	}
	return out
}

// Outcome is the result of one delivery attempt.
type Outcome struct {
	Name    string            `json:"name"`
	Role    Role              `json:"role"`
	Address transport.Address `json:"address"`
	Err     error             `json:"-"`
	Error   string            `json:"error,omitempty"`
}

func (o Outcome) OK() bool { return o.Err == nil }

// BatchEvent summarizes one dispatch. It is both the event bus payload and
// the history entry.
type BatchEvent struct {
	DefectID int64     `json:"defect_id"`
	At       time.Time `json:"at"`
	Outcomes []Outcome `json:"outcomes"`
	// Skipped holds names the directory did not know.
	Skipped []string `json:"skipped,omitempty"`
}

func (b BatchEvent) Failed() int {
	n := 0
	for _, o := range b.Outcomes {
		if !o.OK() {
			n++
		}
	}
	return n
}
