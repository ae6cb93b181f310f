package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"lawtrack/internal/config"
	"lawtrack/internal/domain"
	"lawtrack/internal/engine/auth"
	"lawtrack/internal/events"
	"lawtrack/internal/repo"
)

// Engine owns every mutation of tasks and stages. Copies share the task
// locks, so it may be passed by value.
type Engine struct {
	DB       *sql.DB
	Repo     repo.Repo
	Events   events.Writer
	Config   *config.Config
	Resolver auth.Resolver
	Notifier Notifier
	Logger   *slog.Logger
	Now      func() time.Time

	locks *taskLocks
}

// ApprovalEvent is handed to the Notifier after an approval commits.
type ApprovalEvent struct {
	EventID    int64                 `json:"event_id"`
	TaskID     string                `json:"task_id"`
	TaskCode   string                `json:"task_code"`
	ApproverID string                `json:"approver_id"`
	Checkpoint domain.Checkpoint     `json:"checkpoint"`
	Status     domain.ApprovalStatus `json:"approval_status"`
	At         time.Time             `json:"at"`
}

// Notifier receives committed approvals. Errors are logged and dropped.
type Notifier interface {
	ApprovalGranted(ctx context.Context, evt ApprovalEvent) error
}

func New(db *sql.DB, cfg *config.Config, logger *slog.Logger) (Engine, error) {
	if cfg == nil {
		cfg = config.Default()
	}
	resolver, err := auth.NewResolver(cfg.Approvals.PrincipalEligibility, cfg.Approvals.ReviewerRoles)
	if err != nil {
		return Engine{}, fmt.Errorf("approvals config: %w", err)
	}
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return Engine{
		DB:       db,
		Repo:     repo.Repo{DB: db},
		Events:   events.Writer{},
		Config:   cfg,
		Resolver: resolver,
		Logger:   logger,
		Now:      time.Now,
		locks:    newTaskLocks(),
	}, nil
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

// timestampLayout is fixed width so stored timestamps sort as strings.
const timestampLayout = "2006-01-02T15:04:05.000000000Z07:00"

func (e Engine) timestamp() string {
	return e.now().UTC().Format(timestampLayout)
}

func (e Engine) log() *slog.Logger {
	if e.Logger != nil {
		return e.Logger
	}
	return slog.Default()
}

// eventWriter stamps events with the engine clock unless Events carries its own.
func (e Engine) eventWriter() events.Writer {
	w := e.Events
	if w.Now == nil {
		w.Now = e.now
	}
	return w
}

func (e Engine) codePrefix() string {
	if e.Config != nil && e.Config.Office.CodePrefix != "" {
		return e.Config.Office.CodePrefix
	}
	return "TSK"
}

// lockTask serializes work on one task id within this process.
func (e Engine) lockTask(id string) func() {
	if e.locks == nil {
		return func() {}
	}
	return e.locks.lock(id)
}

// mutateTask loads the task inside an immediate transaction, lets apply
// change it and append events, then writes it back with compare-and-set on
// version. When apply reports no change the transaction is rolled back and
// the stored task is returned as is.
func (e Engine) mutateTask(ctx context.Context, taskID string, apply func(tx *sql.Tx, t domain.Task) (domain.Task, bool, error)) (domain.Task, error) {
	taskID = e.resolveTaskRef(ctx, taskID)
	unlock := e.lockTask(taskID)
	defer unlock()

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Task{}, err
	}
	defer tx.Rollback()

	current, err := e.Repo.GetTaskTx(ctx, tx, taskID)
	if err != nil {
		return domain.Task{}, notFound("task", taskID, err)
	}
	next, changed, err := apply(tx, current)
	if err != nil {
		return current, err
	}
	if !changed {
		return current, nil
	}
	next.Version = current.Version + 1
	next.UpdatedAt = e.timestamp()
	if err := e.Repo.UpdateTaskCAS(ctx, tx, next, current.Version); err != nil {
		if errors.Is(err, repo.ErrStaleVersion) {
			return current, ConflictError{Reason: fmt.Sprintf("concurrent update of task %s", current.Code)}
		}
		return current, notFound("task", taskID, err)
	}
	if err := tx.Commit(); err != nil {
		return current, err
	}
	return next, nil
}

// resolveTaskRef maps a task code to its id. Codes never change, so the
// lookup can run outside the task lock. Unknown refs are returned as is.
func (e Engine) resolveTaskRef(ctx context.Context, ref string) string {
	if _, err := e.Repo.GetTask(ctx, ref); err == nil {
		return ref
	}
	if t, err := e.Repo.GetTaskByCode(ctx, ref); err == nil {
		return t.ID
	}
	return ref
}

// stageOf returns the task's current stage, or the zero Stage when unset.
func (e Engine) stageOf(ctx context.Context, tx *sql.Tx, t domain.Task) (domain.Stage, error) {
	if !t.HasStage() {
		return domain.Stage{}, nil
	}
	s, err := e.Repo.GetStage(ctx, tx, *t.StageID)
	if err != nil {
		return domain.Stage{}, notFound("stage", *t.StageID, err)
	}
	return s, nil
}

type taskLocks struct {
	mu    sync.Mutex
	locks map[string]*taskLock
}

type taskLock struct {
	mu   sync.Mutex
	refs int
}

func newTaskLocks() *taskLocks {
	return &taskLocks{locks: map[string]*taskLock{}}
}

func (l *taskLocks) lock(id string) func() {
	l.mu.Lock()
	entry, ok := l.locks[id]
	if !ok {
		entry = &taskLock{}
		l.locks[id] = entry
	}
	entry.refs++
	l.mu.Unlock()

	entry.mu.Lock()
	return func() {
		entry.mu.Unlock()
		l.mu.Lock()
		entry.refs--
		if entry.refs == 0 {
			delete(l.locks, id)
		}
		l.mu.Unlock()
	}
}

func optionalString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
