package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gofrs/flock"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"lawtrack/internal/app"
	"lawtrack/internal/db"
	"lawtrack/internal/domain"
	"lawtrack/internal/engine"
	"lawtrack/internal/engine/auth"
	"lawtrack/internal/repo"
	"lawtrack/internal/server"
)

func stageCmd() *cobra.Command {
	stage := &cobra.Command{
		Use:   "stage",
		Short: "Manage pipeline stages",
		Long:  "Stages are ordered steps. Their approval policy decides who may advance a task: single (any participant), multiple (participant, full approval chain), admin_only (admins).",
	}
	stage.AddCommand(stageListCmd())
	stage.AddCommand(stageCreateCmd())
	stage.AddCommand(stageUpdateCmd())
	stage.AddCommand(stageDeleteCmd())
	return stage
}

func stageListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List stages in order",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				stages, err := e.ListStages(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(stages)
				}
				tw := newTable()
				tw.AppendHeader(table.Row{"Order", "Name", "Policy", "ID"})
				for _, s := range stages {
					tw.AppendRow(table.Row{s.Order, s.Name, s.ApprovalPolicy, s.ID})
				}
				tw.Render()
				return nil
			})
		},
	}
}

func stageFlags(cmd *cobra.Command, in *engine.StageInput) {
	cmd.Flags().StringVar(&in.Name, "name", "", "stage name")
	cmd.Flags().IntVar(&in.Order, "order", 0, "position in the pipeline (unique, positive)")
	cmd.Flags().StringVar(&in.ApprovalPolicy, "policy", "single", "single, multiple or admin_only")
	cmd.Flags().StringVar(&in.Color, "color", "", "display color")
	cmd.Flags().StringVar(&in.Requirements, "requirements", "", "what the stage expects")
	cmd.Flags().StringVar(&in.Description, "description", "", "description")
}

func stageCreateCmd() *cobra.Command {
	var in engine.StageInput
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a stage",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withActor(cmd.Context(), func(ctx context.Context, e engine.Engine, actor domain.User) error {
				s, err := e.CreateStage(ctx, in, actor)
				if err != nil {
					return err
				}
				return printJSON(s)
			})
		},
	}
	stageFlags(cmd, &in)
	_ = cmd.MarkFlagRequired("name")
	_ = cmd.MarkFlagRequired("order")
	return cmd
}

func stageUpdateCmd() *cobra.Command {
	var in engine.StageInput
	cmd := &cobra.Command{
		Use:   "update <stage-id>",
		Short: "Update a stage",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withActor(cmd.Context(), func(ctx context.Context, e engine.Engine, actor domain.User) error {
				current, err := e.GetStage(ctx, args[0])
				if err != nil {
					return err
				}
				// Unchanged flags keep the stored values.
				merged := engine.StageInput{
					Name:           current.Name,
					Order:          current.Order,
					ApprovalPolicy: string(current.ApprovalPolicy),
					Color:          current.Color,
					Requirements:   current.Requirements,
					Description:    current.Description,
				}
				flags := cmd.Flags()
				if flags.Changed("name") {
					merged.Name = in.Name
				}
				if flags.Changed("order") {
					merged.Order = in.Order
				}
				if flags.Changed("policy") {
					merged.ApprovalPolicy = in.ApprovalPolicy
				}
				if flags.Changed("color") {
					merged.Color = in.Color
				}
				if flags.Changed("requirements") {
					merged.Requirements = in.Requirements
				}
				if flags.Changed("description") {
					merged.Description = in.Description
				}
				s, err := e.UpdateStage(ctx, current.ID, merged, actor)
				if err != nil {
					return err
				}
				return printJSON(s)
			})
		},
	}
	stageFlags(cmd, &in)
	return cmd
}

func stageDeleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <stage-id>",
		Short: "Delete a stage with no tasks",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withActor(cmd.Context(), func(ctx context.Context, e engine.Engine, actor domain.User) error {
				if err := e.DeleteStage(ctx, args[0], actor); err != nil {
					return err
				}
				fmt.Println("deleted", args[0])
				return nil
			})
		},
	}
}

func userCmd() *cobra.Command {
	user := &cobra.Command{Use: "user", Short: "Manage the user directory"}
	user.AddCommand(userAddCmd())
	user.AddCommand(userListCmd())
	return user
}

func userAddCmd() *cobra.Command {
	var u domain.User
	var role string
	cmd := &cobra.Command{
		Use:   "add <user-id>",
		Short: "Add or update a user",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withActor(cmd.Context(), func(ctx context.Context, e engine.Engine, actor domain.User) error {
				if err := auth.RequireAdmin(actor, "managing users"); err != nil {
					return err
				}
				u.ID = args[0]
				u.Role = domain.Role(role)
				created, err := e.RegisterUser(ctx, u, actor.ID)
				if err != nil {
					return err
				}
				return printJSON(created)
			})
		},
	}
	cmd.Flags().StringVar(&u.Name, "name", "", "display name")
	cmd.Flags().StringVar(&role, "role", "staff", "admin, lawyer or staff")
	return cmd
}

func userListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List users",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				users, err := e.ListUsers(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(users)
				}
				tw := newTable()
				tw.AppendHeader(table.Row{"ID", "Name", "Role"})
				for _, u := range users {
					tw.AppendRow(table.Row{u.ID, u.Name, u.Role})
				}
				tw.Render()
				return nil
			})
		},
	}
}

func apikeyCmd() *cobra.Command {
	keys := &cobra.Command{Use: "apikey", Short: "Manage API keys"}
	keys.AddCommand(apikeyCreateCmd())
	keys.AddCommand(apikeyListCmd())
	keys.AddCommand(apikeyRevokeCmd())
	return keys
}

func apikeyCreateCmd() *cobra.Command {
	var name, userID string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Mint an API key (printed once)",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withActor(cmd.Context(), func(ctx context.Context, e engine.Engine, actor domain.User) error {
				owner := actor.ID
				if userID != "" && userID != actor.ID {
					if err := auth.RequireAdmin(actor, "creating keys for other users"); err != nil {
						return err
					}
					owner = userID
				}
				plain, key, err := e.CreateAPIKey(ctx, owner, name)
				if err != nil {
					return err
				}
				return printJSON(map[string]any{"id": key.ID, "user_id": key.UserID, "name": key.Name, "key": plain})
			})
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "label for the key")
	cmd.Flags().StringVar(&userID, "user", "", "owner (defaults to --actor)")
	return cmd
}

func apikeyListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List the actor's API keys",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withActor(cmd.Context(), func(ctx context.Context, e engine.Engine, actor domain.User) error {
				keys, err := e.ListAPIKeys(ctx, actor.ID)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(keys)
				}
				tw := newTable()
				tw.AppendHeader(table.Row{"ID", "Name", "Created"})
				for _, k := range keys {
					tw.AppendRow(table.Row{k.ID, k.Name, k.CreatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
}

func apikeyRevokeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "revoke <key-id>",
		Short: "Revoke an API key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withActor(cmd.Context(), func(ctx context.Context, e engine.Engine, actor domain.User) error {
				if err := e.RevokeAPIKey(ctx, args[0], actor); err != nil {
					return err
				}
				fmt.Println("revoked", args[0])
				return nil
			})
		},
	}
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			lock := flock.New(db.LockPath(workspace))
			locked, err := lock.TryLock()
			if err != nil {
				return fmt.Errorf("acquiring serve lock: %w", err)
			}
			if !locked {
				return fmt.Errorf("another lawtrack server is already using %s", workspace)
			}
			defer func() { _ = lock.Unlock() }()

			ctx := cmd.Context()
			env, err := openEnv(ctx)
			if err != nil {
				return err
			}
			defer env.Close()
			cfg := env.Config
			logger := env.Logger
			if !cmd.Flags().Changed("addr") && cfg.Server.Addr != "" {
				addr = cfg.Server.Addr
			}
			if !cmd.Flags().Changed("base-path") && cfg.Server.BasePath != "" {
				basePath = cfg.Server.BasePath
			}
			authCfg := server.AuthConfig{
				JWTSecret:              app.JWTSecret(cfg),
				AllowLegacyActorHeader: cfg.Auth.AllowLegacyActorHeader,
				Logger:                 logger,
			}
			if authCfg.JWTSecret == "" {
				logger.Warn("no jwt secret configured; bearer tokens are rejected", "env", cfg.Auth.JWTSecretEnv)
			}

			e := env.Engine
			dispatcher, err := server.NewWebhookDispatcher(ctx, e, logger)
			if err != nil {
				return err
			}
			e.Notifier = dispatcher
			go dispatcher.Run(ctx)

			handler, err := server.New(server.Config{Engine: e, BasePath: basePath, Auth: authCfg, Logger: logger})
			if err != nil {
				return err
			}
			srv := &http.Server{Addr: addr, Handler: handler, ReadHeaderTimeout: 10 * time.Second}
			go func() {
				<-ctx.Done()
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				srv.Shutdown(shutdownCtx)
			}()
			logger.Info("serving lawtrack API", "addr", addr, "base_path", basePath, "docs", "/docs")
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			logger.Info("server stopped")
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8080", "listen address")
	cmd.Flags().StringVar(&basePath, "base-path", "/v1", "API base path")
	return cmd
}

func eventFilters(evtType, entityKind, entityID string) repo.EventFilters {
	return repo.EventFilters{Type: evtType, EntityKind: entityKind, EntityID: entityID}
}
