package main

import (
	"context"
	"encoding/json"
	"fmt"
	"mime"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"dealflow/internal/app"
	"dealflow/internal/domain"
	"dealflow/internal/engine"
	"dealflow/internal/finance"
	"dealflow/internal/workflow"
)

func dealCmd() *cobra.Command {
	deal := &cobra.Command{
		Use:   "deal",
		Short: "Manage deals",
	}
	deal.AddCommand(dealCreateCmd())
	deal.AddCommand(dealListCmd())
	deal.AddCommand(dealShowCmd())
	deal.AddCommand(dealUpdateCmd())
	deal.AddCommand(dealEditCmd())
	deal.AddCommand(dealWorkflowCmd())
	deal.AddCommand(dealFinancialsCmd())
	deal.AddCommand(dealUploadCmd())
	deal.AddCommand(dealAttachCmd())
	deal.AddCommand(dealRequestPaymentCmd())
	return deal
}

// withActor opens the workspace and resolves the acting user from flags.
func withActor(ctx context.Context, fn func(context.Context, *app.App, engine.Actor) error) error {
	actor, err := currentActor()
	if err != nil {
		return err
	}
	return withApp(ctx, func(ctx context.Context, a *app.App) error {
		return fn(ctx, a, actor)
	})
}

func dealCreateCmd() *cobra.Command {
	var pinID, repID string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Convert a map pin into a lead",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withActor(cmd.Context(), func(ctx context.Context, a *app.App, actor engine.Actor) error {
				d, err := a.Engine.CreateFromPin(ctx, actor, pinID, repID)
				if err != nil {
					return err
				}
				return printJSONOrTable(d)
			})
		},
	}
	cmd.Flags().StringVar(&pinID, "pin", "", "pin id")
	cmd.Flags().StringVar(&repID, "rep", "", "owning rep (admins only; reps always own their deals)")
	_ = cmd.MarkFlagRequired("pin")
	return cmd
}

func dealListCmd() *cobra.Command {
	var status, cursor string
	var opts engine.ListOptions
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List deals, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			if status != "" {
				s, err := domain.ParseStatus(status)
				if err != nil {
					return err
				}
				opts.Status = s
			}
			if cursor != "" {
				updated, id, ok := strings.Cut(cursor, "|")
				if !ok {
					return fmt.Errorf("invalid cursor %q", cursor)
				}
				opts.CursorUpdated, opts.CursorID = updated, id
			}
			return withActor(cmd.Context(), func(ctx context.Context, a *app.App, actor engine.Actor) error {
				deals, err := a.Engine.List(ctx, actor, opts)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(deals)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Status", "Rep", "Homeowner", "Awaiting", "Updated"})
				for _, d := range deals {
					awaiting := ""
					if s, ok := workflow.AwaitingAdmin(d); ok {
						awaiting = string(s)
					}
					tw.AppendRow(table.Row{d.ID, d.Status, d.RepID, domain.Value(d.HomeownerName), awaiting, d.UpdatedAt})
				}
				tw.Render()
				if opts.Limit > 0 && len(deals) == opts.Limit {
					last := deals[len(deals)-1]
					fmt.Printf("next page: --cursor '%s|%s'\n", last.UpdatedAt, last.ID)
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "status filter")
	cmd.Flags().StringVar(&opts.RepID, "rep", "", "rep filter (admins only)")
	cmd.Flags().BoolVar(&opts.AwaitingAdmin, "awaiting-admin", false, "only deals waiting on an admin action")
	cmd.Flags().IntVar(&opts.Limit, "limit", 50, "page size")
	cmd.Flags().StringVar(&cursor, "cursor", "", "cursor from a previous page")
	return cmd
}

func dealShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <id>",
		Short: "Show a deal",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withActor(cmd.Context(), func(ctx context.Context, a *app.App, actor engine.Actor) error {
				d, err := a.Engine.Get(ctx, actor, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(d)
			})
		},
	}
}

func dealUpdateCmd() *cobra.Command {
	var sets []string
	cmd := &cobra.Command{
		Use:   "update <id>",
		Short: "Update deal fields",
		Long: `Update deal fields with --set field=value (repeatable). An empty value clears the field.
Text fields take the value as-is; numbers and booleans are parsed, e.g. --set rcv=18250.50 --set adjuster_not_assigned=true.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			patch, err := parseSets(sets)
			if err != nil {
				return err
			}
			return withActor(cmd.Context(), func(ctx context.Context, a *app.App, actor engine.Actor) error {
				res, err := a.Engine.UpdateDeal(ctx, actor, args[0], patch)
				if err != nil {
					return err
				}
				return printResult(res)
			})
		},
	}
	cmd.Flags().StringArrayVar(&sets, "set", nil, "field=value")
	_ = cmd.MarkFlagRequired("set")
	return cmd
}

// parseSets builds a patch from field=value pairs, decoding each value the way the API would.
func parseSets(sets []string) (domain.Patch, error) {
	raw := map[string]json.RawMessage{}
	var cleared []domain.Field
	for _, kv := range sets {
		k, v, ok := strings.Cut(kv, "=")
		k = strings.TrimSpace(k)
		if !ok || k == "" {
			return domain.Patch{}, fmt.Errorf("invalid --set %q (want field=value)", kv)
		}
		f := domain.Field(k)
		if !domain.KnownField(f) {
			return domain.Patch{}, fmt.Errorf("unknown field %q", k)
		}
		if v == "" {
			cleared = append(cleared, f)
			continue
		}
		var probe domain.Patch
		if probe.SetText(f, v) != nil && json.Valid([]byte(v)) {
			raw[k] = json.RawMessage(v)
			continue
		}
		b, _ := json.Marshal(v)
		raw[k] = b
	}
	var patch domain.Patch
	b, err := json.Marshal(raw)
	if err != nil {
		return domain.Patch{}, err
	}
	if err := json.Unmarshal(b, &patch); err != nil {
		return domain.Patch{}, fmt.Errorf("invalid --set value: %w", err)
	}
	patch.Clear = cleared
	return patch, nil
}

func dealWorkflowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "workflow <id>",
		Short: "Show pipeline progress and what the current stage needs",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withActor(cmd.Context(), func(ctx context.Context, a *app.App, actor engine.Actor) error {
				v, err := a.Engine.Workflow(ctx, actor, args[0])
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(v)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"#", "Stage", "State", "Admin", "Needs"})
				for _, s := range v.Steps {
					var needs []string
					for _, r := range s.Missing {
						needs = append(needs, r.Label)
					}
					admin := ""
					if s.AdminOnly {
						admin = "yes"
					}
					state := s.State
					if s.State == "current" && v.AwaitingAdmin {
						state = "current (awaiting admin)"
					}
					tw.AppendRow(table.Row{s.Position, s.Label, state, admin, strings.Join(needs, "\n")})
				}
				tw.Render()
				return nil
			})
		},
	}
}

func dealFinancialsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "financials <id>",
		Short: "Show derived financials and commission",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withActor(cmd.Context(), func(ctx context.Context, a *app.App, actor engine.Actor) error {
				s, err := a.Engine.Financials(ctx, actor, args[0])
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(s)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendRows([]table.Row{
					{"RCV", finance.Money(s.RCV)},
					{"ACV", finance.Money(s.ACV)},
					{"Deductible", finance.Money(s.Deductible)},
					{"Depreciation", finance.Money(s.Depreciation)},
					{"Sales tax", finance.Money(s.SalesTax)},
					{"Base amount", finance.Money(s.BaseAmount)},
					{"First check", finance.Money(s.FirstCheck)},
					{"Second check", finance.Money(s.SecondCheck)},
					{"Commission", fmt.Sprintf("%s (%s)", finance.Money(s.Commission.Amount), s.Commission.Source)},
				})
				tw.Render()
				if s.Locked {
					fmt.Println("financials locked")
				}
				for _, line := range []string{s.Banner, s.Reminder} {
					if line != "" {
						fmt.Println(line)
					}
				}
				return nil
			})
		},
	}
}

func dealUploadCmd() *cobra.Command {
	var category, path string
	cmd := &cobra.Command{
		Use:   "upload <id>",
		Short: "Upload a photo set (inspection_photos, adjuster_photos, install_photos)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			kind, err := workflow.ParseUpload(category)
			if err != nil {
				return err
			}
			data, name, mimeType, err := readUpload(path)
			if err != nil {
				return err
			}
			return withActor(cmd.Context(), func(ctx context.Context, a *app.App, actor engine.Actor) error {
				res, err := a.Engine.Upload(ctx, actor, args[0], kind, data, name, mimeType)
				if err != nil {
					return err
				}
				return printResult(res)
			})
		},
	}
	cmd.Flags().StringVar(&category, "category", "", "upload category")
	cmd.Flags().StringVar(&path, "file", "", "file to upload")
	_ = cmd.MarkFlagRequired("category")
	_ = cmd.MarkFlagRequired("file")
	return cmd
}

func dealAttachCmd() *cobra.Command {
	var field, path string
	cmd := &cobra.Command{
		Use:   "attach <id>",
		Short: "Attach a document such as a permit or a check receipt",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			f := domain.Field(field)
			if !domain.IsDocumentField(f) {
				return fmt.Errorf("%q is not a document field", field)
			}
			data, name, mimeType, err := readUpload(path)
			if err != nil {
				return err
			}
			return withActor(cmd.Context(), func(ctx context.Context, a *app.App, actor engine.Actor) error {
				res, err := a.Engine.AttachDocument(ctx, actor, args[0], f, data, name, mimeType)
				if err != nil {
					return err
				}
				return printResult(res)
			})
		},
	}
	cmd.Flags().StringVar(&field, "field", "", "document field, e.g. permit_key")
	cmd.Flags().StringVar(&path, "file", "", "file to attach")
	_ = cmd.MarkFlagRequired("field")
	_ = cmd.MarkFlagRequired("file")
	return cmd
}

func dealRequestPaymentCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "request-payment <id>",
		Short: "Ask an admin to pay out the commission",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withActor(cmd.Context(), func(ctx context.Context, a *app.App, actor engine.Actor) error {
				res, err := a.Engine.RequestPayment(ctx, actor, args[0])
				if err != nil {
					return err
				}
				return printResult(res)
			})
		},
	}
}

func readUpload(path string) ([]byte, string, string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, "", "", err
	}
	mimeType := mime.TypeByExtension(filepath.Ext(path))
	if mimeType == "" {
		mimeType = http.DetectContentType(data)
	}
	return data, filepath.Base(path), mimeType, nil
}
