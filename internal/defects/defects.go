// Package defects implements the defect workflow on top of storage: creating
// and triaging defects, reference lists, and notification subscriptions.
// Assignment changes are announced through a Notifier.
package defects

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"defectbot/internal/notifier"
	"defectbot/internal/storage"
	logx "defectbot/pkg/logx"
)

// Stored status values. The web client and existing databases use these
// exact strings.
const (
	StatusNew        = storage.DefaultStatus // "новый"
	StatusInProgress = "в работе"
	StatusCompleted  = "завершён"
)

var statusAliases = map[string]string{
	StatusNew:        StatusNew,
	StatusInProgress: StatusInProgress,
	StatusCompleted:  StatusCompleted,
	"завершен":       StatusCompleted,
	"new":            StatusNew,
	"in_progress":    StatusInProgress,
	"completed":      StatusCompleted,
}

// ParseStatus maps a stored status or its English alias (new, in_progress,
// completed) to the stored value.
func ParseStatus(s string) (string, bool) {
	st, ok := statusAliases[strings.ToLower(strings.TrimSpace(s))]
	return st, ok
}

var (
	// ErrNotUpdated is returned when an update matched no row or changed nothing.
	ErrNotUpdated = fmt.Errorf("defect not found or not updated: %w", storage.ErrNotFound)
	ErrInvalid    = errors.New("invalid input")
)

// Notifier receives assignment notifications. notifier.Dispatcher implements it.
type Notifier interface {
	Dispatch(p notifier.Payload, a notifier.Assignment)
}

// NewDefect is a defect report as submitted by an operator.
type NewDefect struct {
	Equipment   string
	Description string
	Section     string
	DangerLevel string
	Responsible string
	PhotoURL    string
}

// Patch carries the triage fields an admin may change. nil leaves a field as is.
type Patch struct {
	Status      *string `json:"status"`
	AssignedTo  *string `json:"assigned_to"`
	Responsible *string `json:"responsible"`
}

type Filter = storage.DefectFilter

// View is a defect as returned by the API. Unset columns are null.
type View struct {
	ID             int64   `json:"id"`
	Equipment      string  `json:"equipment"`
	Description    string  `json:"description"`
	Section        string  `json:"section"`
	TimeFound      string  `json:"time_found"`
	DangerLevel    string  `json:"danger_level"`
	Status         string  `json:"status"`
	AssignedTo     *string `json:"assigned_to"`
	Responsible    *string `json:"responsible"`
	TimeStarted    *string `json:"time_started"`
	TimeCompleted  *string `json:"time_completed"`
	ResolutionTime string  `json:"resolution_time"`
	PhotoURL       *string `json:"photo_url"`
}

type Service struct {
	store  storage.Store
	notify Notifier
	log    logx.Logger
	now    func() time.Time
}

type Option func(*Service)

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		if now != nil {
			s.now = now
		}
	}
}

func New(store storage.Store, n Notifier, log logx.Logger, opts ...Option) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	s := &Service{store: store, notify: n, log: log, now: time.Now}
	for _, o := range opts {
		o(s)
	}
	return s
}

func (s *Service) stamp() string { return s.now().Format(storage.TimeLayout) }

// Create stores a new defect and notifies its responsible person, if any.
func (s *Service) Create(ctx context.Context, in NewDefect) (int64, error) {
	d := storage.Defect{
		Equipment:   in.Equipment,
		Description: in.Description,
		Section:     in.Section,
		TimeFound:   s.stamp(),
		DangerLevel: in.DangerLevel,
		Status:      StatusNew,
		Responsible: strings.TrimSpace(in.Responsible),
		PhotoURL:    in.PhotoURL,
	}
	id, err := s.store.CreateDefect(ctx, d)
	if err != nil {
		return 0, fmt.Errorf("create defect: %w", err)
	}
	d.ID = id
	s.log.Info("defect created",
		logx.Int64("id", id),
		logx.String("equipment", d.Equipment),
		logx.String("danger_level", d.DangerLevel),
	)

	if d.Responsible != "" {
		s.dispatch(d, notifier.Assignment{Responsible: d.Responsible})
	}
	return id, nil
}

// Update applies p to defect id. Moving to "в работе" stamps time_started,
// moving to "завершён" stamps time_completed. Unknown statuses are ErrInvalid. Changed assignees are notified:
// the new executor first, then the new responsible person unless that is the
// same person as the new executor.
func (s *Service) Update(ctx context.Context, id int64, p Patch) error {
	if p.Status != nil {
		st, ok := ParseStatus(*p.Status)
		if !ok {
			return fmt.Errorf("%w: unknown status %q", ErrInvalid, *p.Status)
		}
		p.Status = &st
	}

	before, err := s.store.GetDefect(ctx, id)
	if err != nil {
		return err
	}

	patch := storage.DefectPatch{
		Status:      p.Status,
		AssignedTo:  p.AssignedTo,
		Responsible: p.Responsible,
	}
	if p.Status != nil {
		now := s.stamp()
		switch *p.Status {
		case StatusInProgress:
			patch.TimeStarted = &now
		case StatusCompleted:
			patch.TimeCompleted = &now
		}
	}

	if err := s.store.UpdateDefect(ctx, id, patch); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return ErrNotUpdated
		}
		return fmt.Errorf("update defect %d: %w", id, err)
	}

	after, err := s.store.GetDefect(ctx, id)
	if err != nil {
		// The update itself succeeded; only notifications are lost.
		s.log.Warn("re-read after update failed", logx.Int64("id", id), logx.Err(err))
		return nil
	}
	s.log.Info("defect updated",
		logx.Int64("id", id),
		logx.String("status", after.Status),
		logx.String("assigned_to", after.AssignedTo),
		logx.String("responsible", after.Responsible),
	)

	if after.AssignedTo != "" && after.AssignedTo != before.AssignedTo {
		s.dispatch(after, notifier.Assignment{Executor: after.AssignedTo})
	}
	if after.Responsible != "" && after.Responsible != before.Responsible && after.Responsible != after.AssignedTo {
		s.dispatch(after, notifier.Assignment{Responsible: after.Responsible})
	}
	return nil
}

func (s *Service) dispatch(d storage.Defect, a notifier.Assignment) {
	if s.notify == nil {
		return
	}
	s.notify.Dispatch(PayloadOf(d), a)
}

// PayloadOf builds the notification payload for d.
func PayloadOf(d storage.Defect) notifier.Payload {
	return notifier.Payload{
		ID:          d.ID,
		Equipment:   d.Equipment,
		Section:     d.Section,
		Description: d.Description,
		DangerLevel: d.DangerLevel,
		PhotoRef:    d.PhotoURL,
	}
}

// Get returns one defect.
func (s *Service) Get(ctx context.Context, id int64) (storage.Defect, error) {
	return s.store.GetDefect(ctx, id)
}

// List returns the defects matching f with their resolution time.
func (s *Service) List(ctx context.Context, f Filter) ([]View, error) {
	if st, ok := ParseStatus(f.Status); ok {
		f.Status = st
	}
	rows, err := s.store.ListDefects(ctx, f)
	if err != nil {
		return nil, fmt.Errorf("list defects: %w", err)
	}
	now := s.now()
	out := make([]View, 0, len(rows))
	for _, d := range rows {
		out = append(out, View{
			ID:             d.ID,
			Equipment:      d.Equipment,
			Description:    d.Description,
			Section:        d.Section,
			TimeFound:      d.TimeFound,
			DangerLevel:    d.DangerLevel,
			Status:         d.Status,
			AssignedTo:     nullable(d.AssignedTo),
			Responsible:    nullable(d.Responsible),
			TimeStarted:    nullable(d.TimeStarted),
			TimeCompleted:  nullable(d.TimeCompleted),
			ResolutionTime: ResolutionTime(d.TimeStarted, d.TimeCompleted, now),
			PhotoURL:       nullable(d.PhotoURL),
		})
	}
	return out, nil
}

// ResolutionTime renders the hours between start and completion, or between
// start and now for work still in progress. Unparsable stamps give "error".
func ResolutionTime(started, completed string, now time.Time) string {
	if started == "" {
		return ""
	}
	start, err := time.ParseInLocation(storage.TimeLayout, started, time.Local)
	if err != nil {
		return "error"
	}
	if completed == "" {
		return fmt.Sprintf("%.1f h (in progress)", now.Sub(start).Hours())
	}
	end, err := time.ParseInLocation(storage.TimeLayout, completed, time.Local)
	if err != nil {
		return "error"
	}
	return fmt.Sprintf("%.1f h", end.Sub(start).Hours())
}

func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

// Dropdowns returns the reference lists used by the report form.
func (s *Service) Dropdowns(ctx context.Context) (map[string][]string, error) {
	return s.store.DropdownLists(ctx)
}

// UpdateDropdowns replaces the named lists. Values are newline-separated items.
func (s *Service) UpdateDropdowns(ctx context.Context, lists map[string]string) error {
	for name := range lists {
		if strings.TrimSpace(name) == "" {
			return fmt.Errorf("%w: empty list name", ErrInvalid)
		}
	}
	if err := s.store.UpdateDropdownLists(ctx, lists); err != nil {
		return err
	}
	s.log.Info("dropdown lists updated", logx.Int("lists", len(lists)))
	return nil
}

// Subscribe binds a display name to a Telegram chat id. A chat id that is
// already registered yields storage.ErrDuplicate.
func (s *Service) Subscribe(ctx context.Context, name, telegramID string) error {
	name, telegramID = strings.TrimSpace(name), strings.TrimSpace(telegramID)
	if name == "" || telegramID == "" {
		return fmt.Errorf("%w: name and telegram_id are required", ErrInvalid)
	}
	if err := s.store.Subscribe(ctx, name, telegramID); err != nil {
		return err
	}
	s.log.Info("user subscribed", logx.String("name", name), logx.String("telegram_id", telegramID))
	return nil
}
