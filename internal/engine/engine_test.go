package engine_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"lawtrack/internal/config"
	"lawtrack/internal/db"
	"lawtrack/internal/domain"
	"lawtrack/internal/engine"
	"lawtrack/internal/engine/auth"
	"lawtrack/internal/events"
	"lawtrack/internal/migrate"
	"lawtrack/internal/repo"
)

var (
	admin    = domain.User{ID: "ada", Name: "Ada", Role: domain.RoleAdmin}
	reviewer = domain.User{ID: "pete", Name: "Pete", Role: domain.RoleLawyer}
	assignee = domain.User{ID: "ann", Name: "Ann", Role: domain.RoleStaff}
	outsider = domain.User{ID: "olga", Name: "Olga", Role: domain.RoleStaff}
)

type testEnv struct {
	Engine engine.Engine
	Ctx    context.Context
	Stages []domain.Stage
}

func newTestEnv(t *testing.T) testEnv {
	t.Helper()
	return newTestEnvWithConfig(t, config.Default())
}

func newTestEnvWithConfig(t *testing.T, cfg *config.Config) testEnv {
	t.Helper()
	dir := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: dir})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	require.NoError(t, migrate.Migrate(conn))

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	eng, err := engine.New(conn, cfg, logger)
	require.NoError(t, err)
	eng.Now = func() time.Time { return time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC) }
	ctx := context.Background()
	for _, u := range []domain.User{admin, reviewer, assignee, outsider} {
		_, err := eng.RegisterUser(ctx, u, "system")
		require.NoError(t, err)
	}
	var stages []domain.Stage
	for i, policy := range []string{"single", "multiple", "admin_only"} {
		s, err := eng.CreateStage(ctx, engine.StageInput{
			Name:           []string{"Intake", "Drafting", "Partner Review"}[i],
			Order:          i + 1,
			ApprovalPolicy: policy,
		}, admin)
		require.NoError(t, err)
		stages = append(stages, s)
	}
	return testEnv{Engine: eng, Ctx: ctx, Stages: stages}
}

func (env testEnv) createTask(t *testing.T, stageID string) domain.Task {
	t.Helper()
	task, err := env.Engine.CreateTask(env.Ctx, engine.CreateTaskInput{
		Title:               "Draft lease agreement",
		PrincipalReviewerID: reviewer.ID,
		AssigneeID:          assignee.ID,
		InitialStageID:      stageID,
	}, admin)
	require.NoError(t, err)
	return task
}

func (env testEnv) countEvents(t *testing.T, taskID, evtType string) int {
	t.Helper()
	evts, err := env.Engine.ListEvents(env.Ctx, 1000, 0, repo.EventFilters{Type: evtType, EntityKind: "task", EntityID: taskID})
	require.NoError(t, err)
	return len(evts)
}

func TestCreateTaskStartsPendingAdmin(t *testing.T) {
	env := newTestEnv(t)
	task := env.createTask(t, env.Stages[0].ID)

	assert.Equal(t, "TSK-1", task.Code)
	assert.Equal(t, domain.StatusPendingAdmin, task.ApprovalStatus())
	assert.Equal(t, domain.ApprovalChain{}, task.Approvals)
	assert.Equal(t, domain.LifecycleOpen, task.LifecycleStatus)
	assert.Equal(t, "normal", task.Priority)
	require.NotNil(t, task.StageID)
	assert.Equal(t, env.Stages[0].ID, *task.StageID)

	second := env.createTask(t, "")
	assert.Equal(t, "TSK-2", second.Code)
	assert.False(t, second.HasStage())
	assert.Equal(t, 1, env.countEvents(t, task.ID, events.TaskCreated))
}

func TestCreateTaskValidation(t *testing.T) {
	env := newTestEnv(t)
	base := engine.CreateTaskInput{Title: "t", PrincipalReviewerID: reviewer.ID, AssigneeID: assignee.ID}
	tests := []struct {
		name  string
		edit  func(in *engine.CreateTaskInput)
		field string
	}{
		{"missing title", func(in *engine.CreateTaskInput) { in.Title = "  " }, "title"},
		{"missing reviewer", func(in *engine.CreateTaskInput) { in.PrincipalReviewerID = "" }, "principal_reviewer_id"},
		{"missing assignee", func(in *engine.CreateTaskInput) { in.AssigneeID = "" }, "assignee_id"},
		{"unknown assignee", func(in *engine.CreateTaskInput) { in.AssigneeID = "ghost" }, "assignee_id"},
		{"bad priority", func(in *engine.CreateTaskInput) { in.Priority = "asap" }, "priority"},
		{"bad due date", func(in *engine.CreateTaskInput) { in.DueDate = "31/12/2024" }, "due_date"},
		{"unknown stage", func(in *engine.CreateTaskInput) { in.InitialStageID = "nope" }, "initial_stage_id"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			in := base
			tt.edit(&in)
			_, err := env.Engine.CreateTask(env.Ctx, in, admin)
			var verr engine.ValidationError
			require.True(t, errors.As(err, &verr), "got %v", err)
			assert.Equal(t, tt.field, verr.Field)
		})
	}
}

func TestApprovalChainScenario(t *testing.T) {
	env := newTestEnv(t)
	task := env.createTask(t, env.Stages[0].ID)

	steps := []struct {
		user domain.User
		cp   string
		want domain.ApprovalStatus
	}{
		{admin, "admin", domain.StatusPendingPrincipal},
		{reviewer, "principal", domain.StatusPendingAssignee},
		{assignee, "assignee", domain.StatusApproved},
	}
	for _, step := range steps {
		var err error
		task, err = env.Engine.ApproveCheckpoint(env.Ctx, task.ID, step.cp, step.user)
		require.NoError(t, err, step.cp)
		assert.Equal(t, step.want, task.ApprovalStatus())
	}
	assert.Equal(t, int64(4), task.Version)

	again, err := env.Engine.ApproveCheckpoint(env.Ctx, task.ID, "admin", admin)
	require.NoError(t, err)
	assert.Equal(t, task, again)
	assert.Equal(t, 3, env.countEvents(t, task.ID, events.ApprovalGranted))
}

func TestApproveCheckpointErrors(t *testing.T) {
	env := newTestEnv(t)
	task := env.createTask(t, env.Stages[0].ID)

	_, err := env.Engine.ApproveCheckpoint(env.Ctx, task.ID, "partner", admin)
	var verr engine.ValidationError
	assert.True(t, errors.As(err, &verr))

	_, err = env.Engine.ApproveCheckpoint(env.Ctx, "missing", "admin", admin)
	assert.True(t, errors.Is(err, repo.ErrNotFound))

	_, err = env.Engine.ApproveCheckpoint(env.Ctx, task.ID, "principal", reviewer)
	var conflict engine.ConflictError
	require.True(t, errors.As(err, &conflict))
	assert.Equal(t, "checkpoint principal not open; approval status pending_admin", conflict.Reason)

	_, err = env.Engine.ApproveCheckpoint(env.Ctx, task.ID, "admin", reviewer)
	var forbidden auth.ForbiddenError
	require.True(t, errors.As(err, &forbidden))
	assert.Equal(t, domain.CheckpointAdmin, forbidden.Checkpoint)

	_, err = env.Engine.ApproveCheckpoint(env.Ctx, task.ID, "admin", admin)
	require.NoError(t, err)
	_, err = env.Engine.ApproveCheckpoint(env.Ctx, task.ID, "principal", assignee)
	assert.True(t, errors.As(err, &forbidden), "assignee may not approve the principal checkpoint")

	stored, err := env.Engine.GetTask(env.Ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusPendingPrincipal, stored.ApprovalStatus())
}

func TestAdminOnlyStageForbidsNonAdmin(t *testing.T) {
	env := newTestEnv(t)
	task := env.createTask(t, env.Stages[2].ID)

	_, err := env.Engine.ApproveCheckpoint(env.Ctx, task.ID, "admin", reviewer)
	var forbidden auth.ForbiddenError
	require.True(t, errors.As(err, &forbidden))
	assert.Equal(t, domain.PolicyAdminOnly, forbidden.Policy)

	stored, err := env.Engine.GetTask(env.Ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.ApprovalChain{}, stored.Approvals)
	assert.Equal(t, task.Version, stored.Version)
}

func TestConcurrentApprovalRecordsOneEvent(t *testing.T) {
	env := newTestEnv(t)
	task := env.createTask(t, env.Stages[0].ID)

	const workers = 8
	var wg sync.WaitGroup
	errs := make(chan error, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := env.Engine.ApproveCheckpoint(env.Ctx, task.ID, "admin", admin)
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		assert.NoError(t, err)
	}
	assert.Equal(t, 1, env.countEvents(t, task.ID, events.ApprovalGranted))
	stored, err := env.Engine.GetTask(env.Ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(2), stored.Version)
}

func TestAdvanceStageIsSequential(t *testing.T) {
	env := newTestEnv(t)
	task := env.createTask(t, env.Stages[1].ID)
	for _, step := range []struct {
		user domain.User
		cp   string
	}{{admin, "admin"}, {reviewer, "principal"}, {assignee, "assignee"}} {
		_, err := env.Engine.ApproveCheckpoint(env.Ctx, task.ID, step.cp, step.user)
		require.NoError(t, err)
	}

	moved, err := env.Engine.MoveToNextStage(env.Ctx, task.ID, assignee)
	require.NoError(t, err)
	assert.Equal(t, env.Stages[2].ID, *moved.StageID)
	assert.Equal(t, domain.StatusApproved, moved.ApprovalStatus())

	_, err = env.Engine.AdvanceStage(env.Ctx, task.ID, admin)
	var conflict engine.ConflictError
	require.True(t, errors.As(err, &conflict))
	assert.Contains(t, conflict.Reason, "no further stage")

	evts, err := env.Engine.ListEvents(env.Ctx, 10, 0, repo.EventFilters{Type: events.StageAdvanced, EntityID: task.ID})
	require.NoError(t, err)
	require.Len(t, evts, 1)
	assert.Contains(t, evts[0].Payload, env.Stages[2].ID)
}

func TestAdvanceStageHonoursPolicy(t *testing.T) {
	env := newTestEnv(t)

	t.Run("multiple needs a complete chain", func(t *testing.T) {
		task := env.createTask(t, env.Stages[1].ID)
		_, err := env.Engine.AdvanceStage(env.Ctx, task.ID, admin)
		var forbidden auth.ForbiddenError
		require.True(t, errors.As(err, &forbidden))
		assert.Equal(t, domain.PolicyMultiple, forbidden.Policy)
	})

	t.Run("single lets a participant advance", func(t *testing.T) {
		task := env.createTask(t, env.Stages[0].ID)
		moved, err := env.Engine.AdvanceStage(env.Ctx, task.ID, assignee)
		require.NoError(t, err)
		assert.Equal(t, env.Stages[1].ID, *moved.StageID)
		assert.Equal(t, task.Approvals, moved.Approvals)
	})

	t.Run("no stage", func(t *testing.T) {
		task := env.createTask(t, "")
		_, err := env.Engine.AdvanceStage(env.Ctx, task.ID, admin)
		var conflict engine.ConflictError
		assert.True(t, errors.As(err, &conflict))
	})
}

func TestAdvanceFromStage(t *testing.T) {
	env := newTestEnv(t)
	task := env.createTask(t, env.Stages[0].ID)

	_, err := env.Engine.AdvanceFromStage(env.Ctx, env.Stages[1].ID, task.ID, admin)
	var conflict engine.ConflictError
	require.True(t, errors.As(err, &conflict))

	_, err = env.Engine.AdvanceFromStage(env.Ctx, "missing", task.ID, admin)
	assert.True(t, errors.Is(err, repo.ErrNotFound))

	moved, err := env.Engine.AdvanceFromStage(env.Ctx, env.Stages[0].ID, task.ID, admin)
	require.NoError(t, err)
	assert.Equal(t, env.Stages[1].ID, *moved.StageID)
}

func TestReassignStage(t *testing.T) {
	env := newTestEnv(t)
	task := env.createTask(t, "")

	placed, err := env.Engine.ReassignStage(env.Ctx, task.ID, env.Stages[2].ID, assignee)
	require.NoError(t, err)
	assert.Equal(t, env.Stages[2].ID, *placed.StageID)
	assert.Equal(t, 1, env.countEvents(t, task.ID, events.StageAssigned))

	_, err = env.Engine.AssignInitialStage(env.Ctx, task.ID, env.Stages[0].ID, admin)
	var conflict engine.ConflictError
	assert.True(t, errors.As(err, &conflict))

	_, err = env.Engine.ReassignStage(env.Ctx, task.ID, env.Stages[0].ID, assignee)
	var forbidden auth.ForbiddenError
	require.True(t, errors.As(err, &forbidden))

	_, err = env.Engine.ApproveCheckpoint(env.Ctx, task.ID, "admin", admin)
	require.NoError(t, err)
	back, err := env.Engine.ReassignStage(env.Ctx, task.ID, env.Stages[0].ID, admin)
	require.NoError(t, err)
	assert.Equal(t, env.Stages[0].ID, *back.StageID)
	assert.True(t, back.Approvals.AdminApproved, "override keeps the approval chain")
	assert.Equal(t, 1, env.countEvents(t, task.ID, events.StageOverridden))

	_, err = env.Engine.ReassignStage(env.Ctx, task.ID, "missing", admin)
	assert.True(t, errors.Is(err, repo.ErrNotFound))
}

func TestMutationsAcceptTaskCode(t *testing.T) {
	env := newTestEnv(t)
	task := env.createTask(t, "")

	placed, err := env.Engine.ReassignStage(env.Ctx, task.Code, env.Stages[0].ID, admin)
	require.NoError(t, err)
	assert.Equal(t, task.ID, placed.ID)
	assert.Equal(t, env.Stages[0].ID, *placed.StageID)

	approved, err := env.Engine.ApproveCheckpoint(env.Ctx, task.Code, "admin", admin)
	require.NoError(t, err)
	assert.True(t, approved.Approvals.AdminApproved)

	moved, err := env.Engine.AdvanceStage(env.Ctx, task.Code, assignee)
	require.NoError(t, err)
	assert.Equal(t, env.Stages[1].ID, *moved.StageID)

	_, err = env.Engine.ApproveCheckpoint(env.Ctx, "TSK-999", "admin", admin)
	assert.True(t, errors.Is(err, repo.ErrNotFound))
}

func TestEventsUseEngineClock(t *testing.T) {
	env := newTestEnv(t)
	at := time.Date(2031, 5, 6, 7, 8, 9, 0, time.UTC)
	env.Engine.Now = func() time.Time { return at }
	notifier := &recordingNotifier{}
	env.Engine.Notifier = notifier
	task := env.createTask(t, env.Stages[0].ID)

	_, err := env.Engine.ApproveCheckpoint(env.Ctx, task.ID, "admin", admin)
	require.NoError(t, err)
	require.Len(t, notifier.got, 1)
	assert.True(t, at.Equal(notifier.got[0].At))

	evts, err := env.Engine.ListEvents(env.Ctx, 10, 0, repo.EventFilters{EntityKind: "task", EntityID: task.ID})
	require.NoError(t, err)
	require.NotEmpty(t, evts)
	for _, evt := range evts {
		ts, err := time.Parse(time.RFC3339Nano, evt.TS)
		require.NoError(t, err)
		assert.True(t, at.Equal(ts), evt.Type)
	}
}

func TestAssignInitialStageRequiresParticipant(t *testing.T) {
	env := newTestEnv(t)
	task := env.createTask(t, "")
	_, err := env.Engine.AssignInitialStage(env.Ctx, task.ID, env.Stages[0].ID, outsider)
	var forbidden auth.ForbiddenError
	assert.True(t, errors.As(err, &forbidden))
}

func TestStageRegistry(t *testing.T) {
	env := newTestEnv(t)

	stages, err := env.Engine.ListStages(env.Ctx)
	require.NoError(t, err)
	require.Len(t, stages, 3)
	for i, s := range stages {
		assert.Equal(t, i+1, s.Order)
	}

	for _, in := range []engine.StageInput{
		{Name: "Dup", Order: 2, ApprovalPolicy: "single"},
		{Name: "Zero", Order: 0, ApprovalPolicy: "single"},
		{Name: "", Order: 9, ApprovalPolicy: "single"},
		{Name: "Odd", Order: 9, ApprovalPolicy: "unanimous"},
	} {
		_, err := env.Engine.CreateStage(env.Ctx, in, admin)
		var verr engine.ValidationError
		assert.True(t, errors.As(err, &verr), "input %+v", in)
	}

	_, err = env.Engine.CreateStage(env.Ctx, engine.StageInput{Name: "Filing", Order: 4, ApprovalPolicy: "single"}, reviewer)
	var forbidden auth.ForbiddenError
	assert.True(t, errors.As(err, &forbidden))

	filing, err := env.Engine.CreateStage(env.Ctx, engine.StageInput{Name: "Filing", Order: 4, ApprovalPolicy: "single"}, admin)
	require.NoError(t, err)

	updated, err := env.Engine.UpdateStage(env.Ctx, filing.ID, engine.StageInput{Name: "Court Filing", Order: 4, ApprovalPolicy: "admin_only", Color: "#111"}, admin)
	require.NoError(t, err)
	assert.Equal(t, "Court Filing", updated.Name)
	assert.Equal(t, domain.PolicyAdminOnly, updated.ApprovalPolicy)

	_, err = env.Engine.UpdateStage(env.Ctx, filing.ID, engine.StageInput{Name: "Court Filing", Order: 1, ApprovalPolicy: "single"}, admin)
	var verr engine.ValidationError
	assert.True(t, errors.As(err, &verr))

	_, err = env.Engine.GetStage(env.Ctx, "missing")
	assert.True(t, errors.Is(err, repo.ErrNotFound))
}

func TestDeleteStageWhileReferenced(t *testing.T) {
	env := newTestEnv(t)
	task := env.createTask(t, env.Stages[0].ID)

	err := env.Engine.DeleteStage(env.Ctx, env.Stages[0].ID, admin)
	var conflict engine.ConflictError
	require.True(t, errors.As(err, &conflict))

	_, err = env.Engine.OverrideStage(env.Ctx, task.ID, env.Stages[1].ID, admin)
	require.NoError(t, err)
	require.NoError(t, env.Engine.DeleteStage(env.Ctx, env.Stages[0].ID, admin))

	_, err = env.Engine.GetStage(env.Ctx, env.Stages[0].ID)
	assert.True(t, errors.Is(err, repo.ErrNotFound))
	assert.True(t, errors.Is(env.Engine.DeleteStage(env.Ctx, env.Stages[0].ID, admin), repo.ErrNotFound))
}

func TestSeedStagesOnlyWhenEmpty(t *testing.T) {
	env := newTestEnv(t)
	n, err := env.Engine.SeedStages(env.Ctx, config.Default().Stages, "system")
	require.NoError(t, err)
	assert.Zero(t, n)

	fresh := newTestEnvWithConfig(t, config.Default())
	for _, s := range fresh.Stages {
		require.NoError(t, fresh.Engine.DeleteStage(fresh.Ctx, s.ID, admin))
	}
	n, err = fresh.Engine.SeedStages(fresh.Ctx, config.Default().Stages, "system")
	require.NoError(t, err)
	assert.Equal(t, len(config.Default().Stages), n)
}

func TestLifecycleTransitions(t *testing.T) {
	env := newTestEnv(t)
	task := env.createTask(t, env.Stages[0].ID)

	_, err := env.Engine.SetLifecycleStatus(env.Ctx, task.ID, "completed", false, assignee)
	var conflict engine.ConflictError
	require.True(t, errors.As(err, &conflict))

	task, err = env.Engine.SetLifecycleStatus(env.Ctx, task.ID, "in_progress", false, assignee)
	require.NoError(t, err)
	task, err = env.Engine.SetLifecycleStatus(env.Ctx, task.ID, "completed", false, assignee)
	require.NoError(t, err)
	assert.Equal(t, domain.LifecycleCompleted, task.LifecycleStatus)

	_, err = env.Engine.SetLifecycleStatus(env.Ctx, task.ID, "open", false, assignee)
	assert.True(t, errors.As(err, &conflict))
	_, err = env.Engine.SetLifecycleStatus(env.Ctx, task.ID, "open", true, assignee)
	var forbidden auth.ForbiddenError
	assert.True(t, errors.As(err, &forbidden))

	task, err = env.Engine.SetLifecycleStatus(env.Ctx, task.ID, "open", true, admin)
	require.NoError(t, err)
	assert.Equal(t, domain.LifecycleOpen, task.LifecycleStatus)
	assert.Equal(t, domain.StatusPendingAdmin, task.ApprovalStatus())
}

type recordingNotifier struct {
	mu   sync.Mutex
	got  []engine.ApprovalEvent
	fail bool
}

func (n *recordingNotifier) ApprovalGranted(_ context.Context, evt engine.ApprovalEvent) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.got = append(n.got, evt)
	if n.fail {
		return errors.New("smtp unavailable")
	}
	return nil
}

func TestNotifierFailureDoesNotRollBack(t *testing.T) {
	env := newTestEnv(t)
	notifier := &recordingNotifier{fail: true}
	env.Engine.Notifier = notifier
	task := env.createTask(t, env.Stages[0].ID)

	approved, err := env.Engine.ApproveCheckpoint(env.Ctx, task.ID, "admin", admin)
	require.NoError(t, err)
	assert.True(t, approved.Approvals.AdminApproved)

	require.Len(t, notifier.got, 1)
	evt := notifier.got[0]
	assert.Equal(t, task.ID, evt.TaskID)
	assert.Equal(t, admin.ID, evt.ApproverID)
	assert.Equal(t, domain.CheckpointAdmin, evt.Checkpoint)
	assert.NotZero(t, evt.EventID)

	stored, err := env.Engine.GetTask(env.Ctx, task.Code)
	require.NoError(t, err)
	assert.True(t, stored.Approvals.AdminApproved)

	_, err = env.Engine.ApproveCheckpoint(env.Ctx, task.ID, "admin", admin)
	require.NoError(t, err)
	assert.Len(t, notifier.got, 1, "no notification for an idempotent approval")
}

func TestDesignatedPrincipalEligibility(t *testing.T) {
	cfg := config.Default()
	cfg.Approvals.PrincipalEligibility = config.EligibilityDesignated
	env := newTestEnvWithConfig(t, cfg)
	task := env.createTask(t, env.Stages[0].ID)
	_, err := env.Engine.ApproveCheckpoint(env.Ctx, task.ID, "admin", admin)
	require.NoError(t, err)

	_, err = env.Engine.ApproveCheckpoint(env.Ctx, task.ID, "principal", outsider)
	var forbidden auth.ForbiddenError
	require.True(t, errors.As(err, &forbidden))

	task, err = env.Engine.ApproveCheckpoint(env.Ctx, task.ID, "principal", reviewer)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusPendingAssignee, task.ApprovalStatus())
}

func TestAPIKeys(t *testing.T) {
	env := newTestEnv(t)
	plain, key, err := env.Engine.CreateAPIKey(env.Ctx, reviewer.ID, "laptop")
	require.NoError(t, err)
	assert.NotEqual(t, plain, key.KeyHash)

	user, err := env.Engine.UserForAPIKey(env.Ctx, plain)
	require.NoError(t, err)
	assert.Equal(t, reviewer.ID, user.ID)
	assert.Equal(t, domain.RoleLawyer, user.Role)

	_, err = env.Engine.UserForAPIKey(env.Ctx, "lt_wrong")
	assert.True(t, errors.Is(err, repo.ErrNotFound))

	_, _, err = env.Engine.CreateAPIKey(env.Ctx, "ghost", "")
	assert.True(t, errors.Is(err, repo.ErrNotFound))

	var forbidden auth.ForbiddenError
	err = env.Engine.RevokeAPIKey(env.Ctx, key.ID, outsider)
	assert.True(t, errors.As(err, &forbidden))

	require.NoError(t, env.Engine.RevokeAPIKey(env.Ctx, key.ID, reviewer))
	_, err = env.Engine.UserForAPIKey(env.Ctx, plain)
	assert.True(t, errors.Is(err, repo.ErrNotFound))
	keys, err := env.Engine.ListAPIKeys(env.Ctx, reviewer.ID)
	require.NoError(t, err)
	assert.Empty(t, keys)

	err = env.Engine.RevokeAPIKey(env.Ctx, key.ID, admin)
	assert.True(t, errors.Is(err, repo.ErrNotFound))
}

func TestRandomApprovalAttemptsKeepChainConsistent(t *testing.T) {
	env := newTestEnv(t)
	users := []domain.User{admin, reviewer, assignee, outsider}
	rapid.Check(t, func(rt *rapid.T) {
		stage := rapid.SampledFrom(env.Stages).Draw(rt, "stage")
		task, err := env.Engine.CreateTask(env.Ctx, engine.CreateTaskInput{
			Title:               "Random walk",
			PrincipalReviewerID: reviewer.ID,
			AssigneeID:          assignee.ID,
			InitialStageID:      stage.ID,
		}, admin)
		if err != nil {
			rt.Fatalf("create task: %v", err)
		}
		granted := 0
		attempts := rapid.IntRange(1, 12).Draw(rt, "attempts")
		for i := 0; i < attempts; i++ {
			user := rapid.SampledFrom(users).Draw(rt, "user")
			cp := rapid.SampledFrom(domain.Checkpoints).Draw(rt, "checkpoint")
			before := task.Approvals
			next, err := env.Engine.ApproveCheckpoint(env.Ctx, task.ID, string(cp), user)
			if err == nil && !before.Approved(cp) {
				granted++
			}
			for _, other := range domain.Checkpoints {
				if before.Approved(other) && !next.Approvals.Approved(other) {
					rt.Fatalf("checkpoint %s was cleared", other)
				}
			}
			task = next
		}
		stored, err := env.Engine.GetTask(env.Ctx, task.ID)
		if err != nil {
			rt.Fatalf("get task: %v", err)
		}
		if stored.ApprovalStatus() != stored.Approvals.Status() {
			rt.Fatalf("status drifted")
		}
		if got := env.countEvents(t, task.ID, events.ApprovalGranted); got != granted {
			rt.Fatalf("recorded %d approval events, granted %d", got, granted)
		}
		if stored.Version != int64(1+granted) {
			rt.Fatalf("version %d after %d grants", stored.Version, granted)
		}
	})
}
