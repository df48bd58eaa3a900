package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/google/uuid"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"dealflow/internal/app"
	"dealflow/internal/db"
	"dealflow/internal/domain"
	"dealflow/internal/engine"
	"dealflow/internal/migrate"
	"dealflow/internal/repo"
	"dealflow/internal/server"
	"dealflow/internal/signature"
	"dealflow/internal/tui"
	"dealflow/internal/workflow"
)

func adminCmd() *cobra.Command {
	adm := &cobra.Command{
		Use:   "admin",
		Short: "Admin-gated transitions (run with --role admin)",
	}
	adm.AddCommand(adminActionCmd())
	adm.AddCommand(adminOverrideCommissionCmd())
	return adm
}

func adminActionCmd() *cobra.Command {
	var opts workflow.AdminOptions
	var status string
	cmd := &cobra.Command{
		Use:   "action <id> <approve|schedule_install|send_invoice|approve_payment|pay_commission|override>",
		Short: "Apply an admin transition",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			action, err := workflow.ParseAdminAction(args[1])
			if err != nil {
				return err
			}
			if status != "" {
				if opts.Status, err = domain.ParseStatus(status); err != nil {
					return err
				}
			}
			return withActor(cmd.Context(), func(ctx context.Context, a *app.App, actor engine.Actor) error {
				res, err := a.Engine.AdminAction(ctx, actor, args[0], action, opts)
				if err != nil {
					return err
				}
				return printResult(res)
			})
		},
	}
	cmd.Flags().StringVar(&opts.InstallDate, "install-date", "", "install date (schedule_install)")
	cmd.Flags().StringVar(&status, "status", "", "target status (override)")
	cmd.Flags().StringVar(&opts.Reason, "reason", "", "reason (override)")
	return cmd
}

func adminOverrideCommissionCmd() *cobra.Command {
	var amount, reason string
	var clearOverride bool
	cmd := &cobra.Command{
		Use:   "override-commission <id>",
		Short: "Set or clear the commission override",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var amt *float64
			switch {
			case clearOverride:
			case amount == "":
				return errors.New("--amount or --clear required")
			default:
				v, err := strconv.ParseFloat(amount, 64)
				if err != nil {
					return fmt.Errorf("invalid --amount: %w", err)
				}
				amt = &v
			}
			return withActor(cmd.Context(), func(ctx context.Context, a *app.App, actor engine.Actor) error {
				res, err := a.Engine.SetCommissionOverride(ctx, actor, args[0], amt, reason)
				if err != nil {
					return err
				}
				return printResult(res)
			})
		},
	}
	cmd.Flags().StringVar(&amount, "amount", "", "override amount")
	cmd.Flags().StringVar(&reason, "reason", "", "override reason (required when setting)")
	cmd.Flags().BoolVar(&clearOverride, "clear", false, "remove the override")
	return cmd
}

func signCmd() *cobra.Command {
	var crewLead, walkthrough string
	cmd := &cobra.Command{
		Use:   "sign <agreement|completion> <id>",
		Short: "Run a terminal signing session",
		Long: `Collects every signature of the insurance agreement or the completion form in order.
Nothing is saved unless the whole session finishes; Esc discards it.`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withActor(cmd.Context(), func(ctx context.Context, a *app.App, actor engine.Actor) error {
				var flow *signature.Flow
				var err error
				switch signature.FlowKind(args[0]) {
				case signature.FlowAgreement:
					flow, err = a.Engine.OpenAgreement(ctx, actor, args[1])
				case signature.FlowCompletion:
					flow, err = a.Engine.OpenCompletion(ctx, actor, args[1])
					if err == nil {
						if crewLead != "" {
							flow.CrewLead = crewLead
						}
						if walkthrough != "" {
							flow.Walkthrough = walkthrough
						}
					}
				default:
					return fmt.Errorf("unknown document %q (want agreement or completion)", args[0])
				}
				if err != nil {
					return err
				}
				m := tui.NewSigning(ctx, flow, func(ctx context.Context, f *signature.Flow) (domain.Deal, error) {
					return a.Engine.FinishSigning(ctx, actor, f)
				})
				final, err := tea.NewProgram(m, tea.WithContext(ctx)).Run()
				if err != nil {
					return err
				}
				s, ok := final.(*tui.Signing)
				if !ok || s.Canceled() {
					fmt.Println("signing canceled; nothing saved")
					return nil
				}
				d, done := s.Deal()
				if !done {
					return errors.New("signing did not finish; nothing saved")
				}
				return printJSONOrTable(d)
			})
		},
	}
	cmd.Flags().StringVar(&crewLead, "crew-lead", "", "crew lead name (completion)")
	cmd.Flags().StringVar(&walkthrough, "walkthrough", "", "walkthrough type: in_person, virtual, declined (completion)")
	return cmd
}

func logCmd() *cobra.Command {
	lg := &cobra.Command{
		Use:   "log",
		Short: "Inspect the event log",
	}
	lg.AddCommand(logTailCmd())
	return lg
}

func logTailCmd() *cobra.Command {
	var n int
	var evtType, dealID string
	var follow bool
	var interval time.Duration
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Tail events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				events, err := a.Repo.LatestEvents(ctx, n, 0, dealID, evtType)
				if err != nil {
					return err
				}
				// newest first from the store; print oldest first
				for i, j := 0, len(events)-1; i < j; i, j = i+1, j-1 {
					events[i], events[j] = events[j], events[i]
				}
				if !follow {
					return printEvents(events)
				}
				var cursor int64
				if len(events) > 0 {
					cursor = events[len(events)-1].ID
				}
				if err := printEvents(events); err != nil {
					return err
				}
				ticker := time.NewTicker(interval)
				defer ticker.Stop()
				for {
					select {
					case <-ctx.Done():
						return nil
					case <-ticker.C:
					}
					more, err := a.Repo.EventsAfter(ctx, 100, cursor, dealID)
					if err != nil {
						return err
					}
					var shown []domain.Event
					for _, e := range more {
						cursor = e.ID
						if evtType == "" || e.Type == evtType {
							shown = append(shown, e)
						}
					}
					if len(shown) > 0 {
						if err := printEvents(shown); err != nil {
							return err
						}
					}
				}
			})
		},
	}
	cmd.Flags().IntVar(&n, "n", 20, "number of events")
	cmd.Flags().StringVar(&evtType, "type", "", "event type filter")
	cmd.Flags().StringVar(&dealID, "deal", "", "deal id filter")
	cmd.Flags().BoolVarP(&follow, "follow", "f", false, "keep polling for new events")
	cmd.Flags().DurationVar(&interval, "interval", 2*time.Second, "poll interval with --follow")
	return cmd
}

func printEvents(events []domain.Event) error {
	if viper.GetBool("json") {
		return printJSON(events)
	}
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	tw.AppendHeader(table.Row{"ID", "TS", "Type", "Deal", "Actor", "Payload"})
	for _, e := range events {
		tw.AppendRow(table.Row{e.ID, e.TS, e.Type, e.DealID, e.ActorID, e.Payload})
	}
	tw.Render()
	return nil
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	var devLogin bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			secret := viper.GetString("jwt-secret")
			if secret == "" {
				return fmt.Errorf("DEALFLOW_JWT_SECRET is required for bearer auth")
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				logger := log.New(os.Stderr, "df serve: ", log.LstdFlags)
				a.Engine.Logger = logger
				handler, err := server.New(server.Config{
					Engine:   a.Engine,
					Repo:     a.Repo,
					BasePath: basePath,
					Auth:     server.AuthConfig{JWTSecret: secret, AllowDevLogin: devLogin, Logger: logger},
				})
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
				fmt.Printf("Serving Dealflow API on http://%s%s (OpenAPI at %s/openapi.json, Swagger UI at /docs)\n", addr, basePath, basePath)
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					return err
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8080", "listen address")
	cmd.Flags().StringVar(&basePath, "base-path", "/v1", "API base path")
	cmd.Flags().BoolVar(&devLogin, "dev-login", false, "enable POST /auth/dev/login (local development only)")
	return cmd
}

func tokenCmd() *cobra.Command {
	var subject, role string
	var ttl time.Duration
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Mint a bearer token signed with DEALFLOW_JWT_SECRET",
		RunE: func(cmd *cobra.Command, args []string) error {
			r, err := parseRole(role)
			if err != nil {
				return err
			}
			tok, err := server.SignToken(viper.GetString("jwt-secret"), subject, r, ttl, time.Now())
			if err != nil {
				return err
			}
			if viper.GetBool("json") {
				return printJSON(map[string]any{"token": tok, "subject": subject, "role": r, "expires_in": int(ttl.Seconds())})
			}
			fmt.Println(tok)
			return nil
		},
	}
	cmd.Flags().StringVar(&subject, "subject", "", "actor id carried in the token")
	cmd.Flags().StringVar(&role, "as", string(domain.RoleRep), "role carried in the token (rep, admin)")
	cmd.Flags().DurationVar(&ttl, "ttl", 12*time.Hour, "token lifetime")
	_ = cmd.MarkFlagRequired("subject")
	return cmd
}

func apiKeyCmd() *cobra.Command {
	keys := &cobra.Command{
		Use:   "apikey",
		Short: "Manage API keys for SDK clients",
	}
	keys.AddCommand(apiKeyCreateCmd())
	keys.AddCommand(apiKeyListCmd())
	keys.AddCommand(apiKeyRevokeCmd())
	return keys
}

func apiKeyCreateCmd() *cobra.Command {
	var actorID, role, name string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create an API key (the key is shown once)",
		RunE: func(cmd *cobra.Command, args []string) error {
			r, err := parseRole(role)
			if err != nil {
				return err
			}
			secret := "dfk_" + strings.ReplaceAll(uuid.NewString(), "-", "")
			key := repo.APIKey{
				ID:      uuid.NewString(),
				ActorID: actorID,
				Role:    r,
				Name:    name,
				KeyHash: repo.HashAPIKey(secret),
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				if err := a.Repo.InsertAPIKey(ctx, key); err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]any{"id": key.ID, "actor_id": key.ActorID, "role": key.Role, "key": secret})
				}
				fmt.Printf("id:  %s\nkey: %s\n", key.ID, secret)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&actorID, "actor", "", "actor id the key acts as")
	cmd.Flags().StringVar(&role, "as", string(domain.RoleRep), "role (rep, admin)")
	cmd.Flags().StringVar(&name, "name", "", "label")
	_ = cmd.MarkFlagRequired("actor")
	return cmd
}

func apiKeyListCmd() *cobra.Command {
	var actorID string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List API keys",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				keys, err := a.Repo.ListAPIKeys(ctx, actorID)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(keys)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Actor", "Role", "Name", "Created"})
				for _, k := range keys {
					tw.AppendRow(table.Row{k.ID, k.ActorID, k.Role, k.Name, k.CreatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&actorID, "actor", "", "only keys for this actor")
	return cmd
}

func apiKeyRevokeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "revoke <id>",
		Short: "Delete an API key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				if err := a.Repo.DeleteAPIKey(ctx, args[0]); err != nil {
					return err
				}
				fmt.Printf("revoked %s\n", args[0])
				return nil
			})
		},
	}
}

func dbCmd() *cobra.Command {
	d := &cobra.Command{
		Use:   "db",
		Short: "Workspace database",
	}
	d.AddCommand(&cobra.Command{
		Use:   "status",
		Short: "Show database path and schema version",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				current, err := migrate.Version(ctx, a.DB)
				if err != nil {
					return err
				}
				latest, err := migrate.Latest()
				if err != nil {
					return err
				}
				out := map[string]any{
					"path":    db.Path(a.Workspace),
					"version": current,
					"latest":  latest,
					"backend": a.Config.Backend(),
				}
				if viper.GetBool("json") {
					return printJSON(out)
				}
				fmt.Printf("Database: %s\nSchema: %d/%d\nDeal store: %s\n", out["path"], current, latest, out["backend"])
				return nil
			})
		},
	})
	return d
}
