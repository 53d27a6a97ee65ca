package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"caseflow/internal/config"
	"caseflow/internal/db"
	"caseflow/internal/domain"
	"caseflow/internal/engine"
	"caseflow/internal/history"
	"caseflow/internal/migrate"
	"caseflow/internal/repo"
	"caseflow/internal/server"
)

var rootCmd = &cobra.Command{
	Use:   "cf",
	Short: "Caseflow CLI",
	Long: `Caseflow tracks administrative processes as they move between departments.
Core concepts:
- Workspace: your .caseflow directory with the database; routing lives in caseflow.yml.
- Process instance: one department-facing record of a case; the case number is DEPT-BASE.
- Demand cycle: all instances of a base number stitched together by a relational key.
- Transfer: the instance pointer moves; a snapshot freezes what the origin department saw.
- Finalization: a department leg ends into outbound review; the whole cycle closes from there.
- Timeline: replay of the movement ledger for audit, view with 'cf timeline'.`,
}

func main() {
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	if err := rootCmd.Execute(); err != nil {
		fmt.Println("error:", err)
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("CASEFLOW")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("actor-id", "local-user", "actor identifier")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("actor-id", rootCmd.PersistentFlags().Lookup("actor-id"))
}

func registerCommands() {
	rootCmd.AddCommand(initCmd())
	rootCmd.AddCommand(createCmd())
	rootCmd.AddCommand(listCmd())
	rootCmd.AddCommand(showCmd())
	rootCmd.AddCommand(moveCmd())
	rootCmd.AddCommand(finalizeCmd())
	rootCmd.AddCommand(closeCmd())
	rootCmd.AddCommand(returnCmd())
	rootCmd.AddCommand(assignCmd())
	rootCmd.AddCommand(editCmd())
	rootCmd.AddCommand(inspectCmd())
	rootCmd.AddCommand(timelineCmd())
	rootCmd.AddCommand(occupancyCmd())
	rootCmd.AddCommand(fieldsCmd())
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(serveCmd())
}

func initCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Initialize a workspace",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			if _, err := db.EnsureWorkspace(workspace); err != nil {
				return err
			}
			conn, err := db.Open(db.Config{Workspace: workspace})
			if err != nil {
				return err
			}
			defer conn.Close()
			if err := migrate.Migrate(conn); err != nil {
				return err
			}
			cfgPath := config.Path(workspace)
			if _, err := os.Stat(cfgPath); os.IsNotExist(err) {
				if err := os.WriteFile(cfgPath, []byte(config.GenerateDefault()), 0o644); err != nil {
					return err
				}
				fmt.Println("wrote", cfgPath)
			}
			v, err := migrate.Version(conn)
			if err != nil {
				return err
			}
			fmt.Printf("workspace ready: %s (schema v%d)\n", db.Path(workspace), v)
			return nil
		},
	}
	return cmd
}

func createCmd() *cobra.Command {
	var opts engine.CreateOptions
	var attrs []string
	cmd := &cobra.Command{
		Use:   "create <case-number>",
		Short: "Create a process instance",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			opts.CaseNumber = args[0]
			opts.ActorID = viper.GetString("actor-id")
			parsed, err := parseAttrs(attrs)
			if err != nil {
				return err
			}
			opts.Attributes = parsed
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				p, err := e.CreateInstance(ctx, opts)
				if err != nil {
					return err
				}
				return printJSONOrTable(p)
			})
		},
	}
	cmd.Flags().StringVar(&opts.Department, "department", "", "target department (code, name or alias)")
	cmd.Flags().StringVar(&opts.Subject, "subject", "", "subject")
	cmd.Flags().StringVar(&opts.Stakeholder, "stakeholder", "", "stakeholder")
	cmd.Flags().StringVar(&opts.ExternalParty, "external-party", "", "external party")
	cmd.Flags().StringVar(&opts.Status, "status", "", "initial status")
	cmd.Flags().StringVar(&opts.Coordination, "coordination", "", "coordination")
	cmd.Flags().StringVar(&opts.Team, "team", "", "team")
	cmd.Flags().StringVar(&opts.AssigneeID, "assignee-id", "", "assignee id")
	cmd.Flags().StringVar(&opts.DeadlineAt, "deadline", "", "deadline (YYYY-MM-DD)")
	cmd.Flags().StringVar(&opts.ReviewDeadlineAt, "review-deadline", "", "review deadline (YYYY-MM-DD)")
	cmd.Flags().StringVar(&opts.Notes, "notes", "", "notes")
	cmd.Flags().StringVar(&opts.RelationalKey, "relational-key", "", "join an explicit demand cycle")
	cmd.Flags().StringArrayVar(&attrs, "attr", []string{}, "custom field as key=kind:value (repeatable)")
	_ = cmd.MarkFlagRequired("department")
	return cmd
}

func listCmd() *cobra.Command {
	var f repo.InstanceFilters
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List process instances",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.Repo.ListInstances(ctx, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Case", "Department", "Status", "Assignee", "Closed"})
				for _, p := range items {
					assignee := ""
					if p.AssigneeID != nil {
						assignee = *p.AssigneeID
					}
					closed := ""
					if p.ClosedAt != nil {
						closed = *p.ClosedAt
					}
					tw.AppendRow(table.Row{p.ID, p.CaseNumber, p.Department, p.Status, assignee, closed})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&f.Department, "department", "", "department filter")
	cmd.Flags().StringVar(&f.Status, "status", "", "status filter")
	cmd.Flags().BoolVar(&f.ActiveOnly, "active", false, "only open instances")
	cmd.Flags().IntVar(&f.Limit, "limit", 0, "limit")
	return cmd
}

func showCmd() *cobra.Command {
	var inDept string
	cmd := &cobra.Command{
		Use:   "show <id>",
		Short: "Show a process instance",
		Long:  "Shows the live record. With --in, shows the record as it looked in that department; values frozen at hand-off win once the instance has moved on.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id := args[0]
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				if inDept != "" {
					dept, ok := e.Norm.Normalize(inDept, true)
					if !ok {
						return fmt.Errorf("unknown department %q", inDept)
					}
					view, err := history.New(e.Repo).DepartmentView(ctx, id, dept)
					if err != nil {
						return err
					}
					return printJSONOrTable(view)
				}
				p, err := e.Repo.GetInstance(ctx, id)
				if err != nil {
					return err
				}
				return printJSONOrTable(p)
			})
		},
	}
	cmd.Flags().StringVar(&inDept, "in", "", "department whose view to render")
	return cmd
}

func moveCmd() *cobra.Command {
	var target string
	cmd := &cobra.Command{
		Use:   "move <id>",
		Short: "Transfer an instance to another department",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id := args[0]
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				res, err := e.Transfer(ctx, id, target, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printResult(res)
			})
		},
	}
	cmd.Flags().StringVar(&target, "to", "", "target department")
	_ = cmd.MarkFlagRequired("to")
	return cmd
}

func finalizeCmd() *cobra.Command {
	var next string
	cmd := &cobra.Command{
		Use:   "finalize <id>",
		Short: "Finalize the department leg into outbound review",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id := args[0]
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				res, err := e.FinalizeDepartment(ctx, engine.FinalizeDepartmentOptions{
					InstanceID:     id,
					NextDepartment: next,
					ActorID:        viper.GetString("actor-id"),
				})
				if err != nil {
					return err
				}
				return printResult(res)
			})
		},
	}
	cmd.Flags().StringVar(&next, "next", "", "spawn a sibling in this department")
	return cmd
}

func closeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "close <id>",
		Short: "Globally finalize the demand cycle",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id := args[0]
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				res, err := e.FinalizeGlobal(ctx, id, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printResult(res)
			})
		},
	}
	return cmd
}

func returnCmd() *cobra.Command {
	var target string
	cmd := &cobra.Command{
		Use:   "return <id>",
		Short: "Return an instance from outbound review",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id := args[0]
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				res, err := e.ReturnFromReview(ctx, id, target, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printResult(res)
			})
		},
	}
	cmd.Flags().StringVar(&target, "to", "", "target department")
	_ = cmd.MarkFlagRequired("to")
	return cmd
}

func assignCmd() *cobra.Command {
	var assignee string
	cmd := &cobra.Command{
		Use:   "assign <id>",
		Short: "Reassign responsibility",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id := args[0]
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				p, err := e.Reassign(ctx, id, assignee, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(p)
			})
		},
	}
	cmd.Flags().StringVar(&assignee, "to", "", "assignee id")
	_ = cmd.MarkFlagRequired("to")
	return cmd
}

func editCmd() *cobra.Command {
	var subject, stakeholder, externalParty, status, coordination, team string
	var deadline, reviewDeadline, notes string
	var setAttrs, removeAttrs []string
	cmd := &cobra.Command{
		Use:   "edit <id>",
		Short: "Edit workflow fields",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			opts := engine.EditOptions{
				InstanceID:       args[0],
				ActorID:          viper.GetString("actor-id"),
				RemoveAttributes: removeAttrs,
			}
			if cmd.Flags().Changed("subject") {
				opts.Subject = &subject
			}
			if cmd.Flags().Changed("stakeholder") {
				opts.Stakeholder = &stakeholder
			}
			if cmd.Flags().Changed("external-party") {
				opts.ExternalParty = &externalParty
			}
			if cmd.Flags().Changed("status") {
				opts.Status = &status
			}
			if cmd.Flags().Changed("coordination") {
				opts.Coordination = &coordination
			}
			if cmd.Flags().Changed("team") {
				opts.Team = &team
			}
			if cmd.Flags().Changed("deadline") {
				opts.DeadlineAt = &deadline
			}
			if cmd.Flags().Changed("review-deadline") {
				opts.ReviewDeadlineAt = &reviewDeadline
			}
			if cmd.Flags().Changed("notes") {
				opts.Notes = &notes
			}
			parsed, err := parseAttrs(setAttrs)
			if err != nil {
				return err
			}
			opts.SetAttributes = parsed
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				p, err := e.Edit(ctx, opts)
				if err != nil {
					return err
				}
				return printJSONOrTable(p)
			})
		},
	}
	cmd.Flags().StringVar(&subject, "subject", "", "subject")
	cmd.Flags().StringVar(&stakeholder, "stakeholder", "", "stakeholder")
	cmd.Flags().StringVar(&externalParty, "external-party", "", "external party (empty clears)")
	cmd.Flags().StringVar(&status, "status", "", "status")
	cmd.Flags().StringVar(&coordination, "coordination", "", "coordination")
	cmd.Flags().StringVar(&team, "team", "", "team")
	cmd.Flags().StringVar(&deadline, "deadline", "", "deadline (YYYY-MM-DD, empty clears)")
	cmd.Flags().StringVar(&reviewDeadline, "review-deadline", "", "review deadline (YYYY-MM-DD, empty clears)")
	cmd.Flags().StringVar(&notes, "notes", "", "notes")
	cmd.Flags().StringArrayVar(&setAttrs, "set-attr", []string{}, "custom field as key=kind:value (repeatable)")
	cmd.Flags().StringArrayVar(&removeAttrs, "remove-attr", []string{}, "custom field key to remove (repeatable)")
	return cmd
}

func inspectCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "inspect <case-number>",
		Short: "Analyze existing demand cycles of a case number",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			number := args[0]
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				analysis, err := e.Inspect(ctx, number)
				if err != nil {
					return err
				}
				return printJSONOrTable(analysis)
			})
		},
	}
	return cmd
}

func timelineCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "timeline <id>",
		Short: "Replay the movement ledger for an instance's cycle",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id := args[0]
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				entries, err := history.New(e.Repo).Timeline(ctx, id)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(entries)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"When", "Kind", "What"})
				for _, en := range entries {
					tw.AppendRow(table.Row{en.OccurredAt, en.Kind, en.Text})
				}
				tw.Render()
				return nil
			})
		},
	}
	return cmd
}

func occupancyCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "occupancy",
		Short: "Active instances per department",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				counts, err := history.New(e.Repo).Occupancy(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(counts)
				}
				depts := make([]string, 0, len(counts))
				for d := range counts {
					depts = append(depts, d)
				}
				sort.Strings(depts)
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Department", "Active"})
				for _, d := range depts {
					tw.AppendRow(table.Row{d, counts[d]})
				}
				tw.Render()
				return nil
			})
		},
	}
	return cmd
}

func fieldsCmd() *cobra.Command {
	f := &cobra.Command{
		Use:   "fields",
		Short: "Manage custom field definitions",
	}
	f.AddCommand(fieldsListCmd())
	f.AddCommand(fieldsAddCmd())
	f.AddCommand(fieldsRmCmd())
	return f
}

func fieldsListCmd() *cobra.Command {
	var dept string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List field definitions for a department",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				code, ok := e.Norm.Normalize(dept, false)
				if !ok {
					return fmt.Errorf("unknown department %q", dept)
				}
				items, err := e.Repo.ListFields(ctx, code)
				if err != nil {
					return err
				}
				return printJSONOrTable(items)
			})
		},
	}
	cmd.Flags().StringVar(&dept, "department", "", "department")
	_ = cmd.MarkFlagRequired("department")
	return cmd
}

func fieldsAddCmd() *cobra.Command {
	var dept, key, label, kind string
	cmd := &cobra.Command{
		Use:   "add",
		Short: "Define a custom field",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				code, ok := e.Norm.Normalize(dept, false)
				if !ok {
					return fmt.Errorf("unknown department %q", dept)
				}
				f, err := e.Repo.CreateField(ctx, domain.DepartmentField{
					ID:         uuid.NewString(),
					Department: code,
					Key:        key,
					Label:      label,
					ValueKind:  kind,
					CreatedAt:  time.Now().UTC().Format(time.RFC3339),
				})
				if err != nil {
					return err
				}
				return printJSONOrTable(f)
			})
		},
	}
	cmd.Flags().StringVar(&dept, "department", "", "department")
	cmd.Flags().StringVar(&key, "key", "", "field key")
	cmd.Flags().StringVar(&label, "label", "", "display label")
	cmd.Flags().StringVar(&kind, "kind", "text", "value kind (text, number, date)")
	_ = cmd.MarkFlagRequired("department")
	_ = cmd.MarkFlagRequired("key")
	_ = cmd.MarkFlagRequired("label")
	return cmd
}

func fieldsRmCmd() *cobra.Command {
	var dept string
	cmd := &cobra.Command{
		Use:   "rm <key>",
		Short: "Delete a custom field and purge its stored values",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			key := args[0]
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				code, ok := e.Norm.Normalize(dept, false)
				if !ok {
					return fmt.Errorf("unknown department %q", dept)
				}
				return e.Repo.DeleteField(ctx, code, key)
			})
		},
	}
	cmd.Flags().StringVar(&dept, "department", "", "department")
	_ = cmd.MarkFlagRequired("department")
	return cmd
}

func configCmd() *cobra.Command {
	cfg := &cobra.Command{
		Use:   "config",
		Short: "Inspect routing config",
	}
	cfg.AddCommand(configShowCmd())
	cfg.AddCommand(configValidateCmd())
	return cfg
}

func configShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show",
		Short: "Show loaded config",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				return printJSONOrTable(e.Config)
			})
		},
	}
	return cmd
}

func configValidateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Validate workspace config",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(viper.GetString("workspace"))
			if err != nil {
				return err
			}
			if err := cfg.Validate(); err != nil {
				return err
			}
			fmt.Println("config OK")
			return nil
		},
	}
	return cmd
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			if _, err := db.EnsureWorkspace(workspace); err != nil {
				return err
			}
			conn, err := db.Open(db.Config{Workspace: workspace})
			if err != nil {
				return err
			}
			defer conn.Close()
			if err := migrate.Migrate(conn); err != nil {
				return err
			}
			cfg, err := config.LoadOptional(workspace)
			if err != nil {
				return err
			}
			if cfg == nil {
				cfg = config.Default()
			}
			e := engine.New(conn, cfg)
			handler, err := server.New(server.Config{Engine: e, BasePath: basePath})
			if err != nil {
				return err
			}
			srv := &http.Server{Addr: addr, Handler: handler}
			go func() {
				<-cmd.Context().Done()
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				srv.Shutdown(ctx)
			}()
			fmt.Printf("Serving Caseflow API on http://%s%s (OpenAPI at %s/openapi.json)\n", addr, basePath, basePath)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8080", "listen address")
	cmd.Flags().StringVar(&basePath, "base-path", "/v0", "API base path")
	return cmd
}

// --- helpers ---

func withEngine(ctx context.Context, fn func(context.Context, engine.Engine) error) error {
	workspace := viper.GetString("workspace")
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return err
	}
	defer conn.Close()
	if err := migrate.Migrate(conn); err != nil {
		return err
	}
	cfg, err := config.LoadOptional(workspace)
	if err != nil {
		return err
	}
	if cfg == nil {
		cfg = config.Default()
	}
	return fn(ctx, engine.New(conn, cfg))
}

// parseAttrs decodes key=kind:value pairs; a bare key=value defaults to text.
func parseAttrs(pairs []string) (map[string]domain.FieldValue, error) {
	if len(pairs) == 0 {
		return nil, nil
	}
	out := make(map[string]domain.FieldValue, len(pairs))
	for _, pair := range pairs {
		key, rest, ok := strings.Cut(pair, "=")
		if !ok || key == "" {
			return nil, fmt.Errorf("invalid attribute %q, want key=kind:value", pair)
		}
		kind, value, ok := strings.Cut(rest, ":")
		if !ok {
			kind, value = "text", rest
		}
		switch kind {
		case "text", "number", "date":
		default:
			return nil, fmt.Errorf("invalid attribute kind %q in %q", kind, pair)
		}
		out[key] = domain.FieldValue{Kind: kind, Value: value}
	}
	return out, nil
}

func printResult(res engine.Result) error {
	if viper.GetBool("json") {
		return printJSON(res)
	}
	if err := printJSONOrTable(res.Instances); err != nil {
		return err
	}
	if res.Warning != "" {
		fmt.Println("warning:", res.Warning)
	}
	return nil
}

func printJSONOrTable(v any) error {
	if viper.GetBool("json") {
		return printJSON(v)
	}
	b, _ := json.MarshalIndent(v, "", "  ")
	fmt.Println(string(b))
	return nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
