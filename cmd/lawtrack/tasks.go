package main

import (
	"context"
	"fmt"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"lawtrack/internal/domain"
	"lawtrack/internal/engine"
	"lawtrack/internal/repo"
)

func taskCmd() *cobra.Command {
	task := &cobra.Command{
		Use:   "task",
		Short: "Manage tasks",
		Long:  "Tasks move through the stage pipeline. Each needs an admin, then the principal reviewer, then the assignee to approve it; stage policies decide who may move it on.",
	}
	task.AddCommand(taskCreateCmd())
	task.AddCommand(taskListCmd())
	task.AddCommand(taskGetCmd())
	task.AddCommand(taskApproveCmd())
	task.AddCommand(taskAdvanceCmd())
	task.AddCommand(taskAssignStageCmd())
	task.AddCommand(taskStatusCmd())
	return task
}

func taskCreateCmd() *cobra.Command {
	var in engine.CreateTaskInput
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a task",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withActor(cmd.Context(), func(ctx context.Context, e engine.Engine, actor domain.User) error {
				t, err := e.CreateTask(ctx, in, actor)
				if err != nil {
					return err
				}
				return printTask(t)
			})
		},
	}
	cmd.Flags().StringVar(&in.Title, "title", "", "title")
	cmd.Flags().StringVar(&in.Description, "description", "", "description")
	cmd.Flags().StringVar(&in.PrincipalReviewerID, "principal", "", "principal reviewer user id")
	cmd.Flags().StringVar(&in.AssigneeID, "assignee", "", "assignee user id")
	cmd.Flags().StringVar(&in.ClientID, "client", "", "client id")
	cmd.Flags().StringVar(&in.DepartmentID, "department", "", "department id")
	cmd.Flags().StringVar(&in.Priority, "priority", "normal", "low, normal, high or urgent")
	cmd.Flags().StringVar(&in.DueDate, "due", "", "due date (YYYY-MM-DD)")
	cmd.Flags().StringVar(&in.InitialStageID, "stage", "", "initial stage id")
	_ = cmd.MarkFlagRequired("title")
	_ = cmd.MarkFlagRequired("principal")
	_ = cmd.MarkFlagRequired("assignee")
	return cmd
}

func taskListCmd() *cobra.Command {
	var f repo.TaskFilters
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List tasks",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				tasks, err := e.ListTasks(ctx, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(tasks)
				}
				stageNames, err := stageNamesByID(ctx, e)
				if err != nil {
					return err
				}
				tw := newTable()
				tw.AppendHeader(table.Row{"Code", "Title", "Stage", "Approval", "Status", "Principal", "Assignee"})
				for _, t := range tasks {
					tw.AppendRow(table.Row{t.Code, t.Title, stageNames[deref(t.StageID)], t.ApprovalStatus(), t.LifecycleStatus, t.PrincipalReviewerID, t.AssigneeID})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&f.StageID, "stage", "", "stage filter")
	cmd.Flags().StringVar(&f.AssigneeID, "assignee", "", "assignee filter")
	cmd.Flags().StringVar(&f.LifecycleStatus, "status", "", "status filter")
	cmd.Flags().IntVar(&f.Limit, "limit", 50, "maximum tasks to list")
	return cmd
}

func taskGetCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "get <id|code>",
		Short: "Get task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				t, err := e.GetTask(ctx, args[0])
				if err != nil {
					return err
				}
				return printTask(t)
			})
		},
	}
	return cmd
}

func taskApproveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:       "approve <id|code> <admin|principal|assignee>",
		Short:     "Approve a checkpoint",
		Args:      cobra.ExactArgs(2),
		ValidArgs: []string{"admin", "principal", "assignee"},
		RunE: func(cmd *cobra.Command, args []string) error {
			return withTask(cmd.Context(), args[0], func(ctx context.Context, e engine.Engine, actor domain.User, t domain.Task) error {
				updated, err := e.ApproveCheckpoint(ctx, t.ID, args[1], actor)
				if err != nil {
					return err
				}
				return printTask(updated)
			})
		},
	}
	return cmd
}

func taskAdvanceCmd() *cobra.Command {
	var from string
	cmd := &cobra.Command{
		Use:   "advance <id|code>",
		Short: "Move a task to the next stage",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withTask(cmd.Context(), args[0], func(ctx context.Context, e engine.Engine, actor domain.User, t domain.Task) error {
				var (
					updated domain.Task
					err     error
				)
				if from != "" {
					updated, err = e.AdvanceFromStage(ctx, from, t.ID, actor)
				} else {
					updated, err = e.MoveToNextStage(ctx, t.ID, actor)
				}
				if err != nil {
					return err
				}
				return printTask(updated)
			})
		},
	}
	cmd.Flags().StringVar(&from, "from", "", "only advance if the task is still at this stage")
	return cmd
}

func taskAssignStageCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "assign-stage <id|code> <stage-id>",
		Short: "Place a task at a stage (override when already placed)",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withTask(cmd.Context(), args[0], func(ctx context.Context, e engine.Engine, actor domain.User, t domain.Task) error {
				updated, err := e.ReassignStage(ctx, t.ID, args[1], actor)
				if err != nil {
					return err
				}
				return printTask(updated)
			})
		},
	}
	return cmd
}

func taskStatusCmd() *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "status <id|code> <open|in_progress|completed>",
		Short: "Set lifecycle status",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withTask(cmd.Context(), args[0], func(ctx context.Context, e engine.Engine, actor domain.User, t domain.Task) error {
				updated, err := e.SetLifecycleStatus(ctx, t.ID, args[1], force, actor)
				if err != nil {
					return err
				}
				return printTask(updated)
			})
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "skip transition rules (admin only)")
	return cmd
}

// withTask resolves ref by id or code before running fn as the actor.
func withTask(ctx context.Context, ref string, fn func(context.Context, engine.Engine, domain.User, domain.Task) error) error {
	return withActor(ctx, func(ctx context.Context, e engine.Engine, actor domain.User) error {
		t, err := e.GetTask(ctx, ref)
		if err != nil {
			return err
		}
		return fn(ctx, e, actor, t)
	})
}

func stageNamesByID(ctx context.Context, e engine.Engine) (map[string]string, error) {
	stages, err := e.ListStages(ctx)
	if err != nil {
		return nil, err
	}
	names := make(map[string]string, len(stages))
	for _, s := range stages {
		names[s.ID] = s.Name
	}
	return names, nil
}

type taskView struct {
	domain.Task
	ApprovalStatus domain.ApprovalStatus `json:"approval_status"`
}

func printTask(t domain.Task) error {
	if viper.GetBool("json") {
		return printJSON(taskView{Task: t, ApprovalStatus: t.ApprovalStatus()})
	}
	tw := newTable()
	tw.AppendRows([]table.Row{
		{"Code", t.Code},
		{"ID", t.ID},
		{"Title", t.Title},
		{"Stage", deref(t.StageID)},
		{"Status", t.LifecycleStatus},
		{"Approval", t.ApprovalStatus()},
		{"Chain", fmt.Sprintf("admin=%t principal=%t assignee=%t", t.Approvals.AdminApproved, t.Approvals.PrincipalApproved, t.Approvals.AssigneeApproved)},
		{"Principal", t.PrincipalReviewerID},
		{"Assignee", t.AssigneeID},
		{"Version", t.Version},
	})
	tw.Render()
	return nil
}
