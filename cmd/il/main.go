package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fatih/color"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"issueline/internal/app"
	"issueline/internal/config"
	"issueline/internal/db"
	"issueline/internal/domain"
	"issueline/internal/engine"
	"issueline/internal/migrate"
	"issueline/internal/server"
	"issueline/internal/store"
)

var rootCmd = &cobra.Command{
	Use:   "il",
	Short: "Issueline CLI",
	Long: `Issueline tracks issues through a phase-aware lifecycle with dependency checks.
Core concepts:
- Workspace: your .issueline directory holding only the database; config is stored in the DB and imported explicitly.
- Project: owns all issues and the lifecycle state catalogue.
- Phases: negotiation -> processing -> conclusion; every state, system or user-defined, sits in exactly one phase.
- Issues: work items with a parent/child hierarchy and predecessor/successor ordering; both relation graphs are kept cycle-free.
- States: Checking, Negotiating, Processing, Waiting, Blocked, Review, Completed, Cancelled, Archived; requesting Processing may land in Waiting (start date in the future) or Blocked (unfinished predecessors or a negotiating parent).
- Schedules: start and end dates arm countdowns; a passed start date promotes the issue, a passed end date notifies author, client and assignees.
- Event log: diary of changes, view with 'il log tail'.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		workspace := viper.GetString("workspace")
		if _, err := db.EnsureWorkspace(workspace); err != nil {
			return err
		}
		return nil
	},
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
	viper.SetEnvPrefix("ISSUELINE")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("actor-id", "local-user", "actor identifier")
	rootCmd.PersistentFlags().String("project", "", "project id (overrides config default)")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("actor-id", rootCmd.PersistentFlags().Lookup("actor-id"))
	_ = viper.BindPFlag("project", rootCmd.PersistentFlags().Lookup("project"))
}

func registerCommands() {
	rootCmd.AddCommand(projectCmd())
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(issueCmd())
	rootCmd.AddCommand(stateCmd())
	rootCmd.AddCommand(messageCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(serveCmd())
}

func projectCmd() *cobra.Command {
	prj := &cobra.Command{Use: "project", Short: "Manage projects"}
	prj.AddCommand(projectListCmd())
	prj.AddCommand(projectCreateCmd())
	prj.AddCommand(projectShowCmd())
	prj.AddCommand(projectDeleteCmd())
	prj.AddCommand(projectConfigCmd())
	prj.AddCommand(projectUseCmd())
	return prj
}

func projectListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List projects",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(cmd.Context(), func(ctx context.Context, st store.Store) error {
				items, err := st.ListProjects(ctx)
				if err != nil {
					return err
				}
				return printJSONOrTable(items)
			})
		},
	}
	return cmd
}

func projectCreateCmd() *cobra.Command {
	var id, name, desc string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create project",
		RunE: func(cmd *cobra.Command, args []string) error {
			if id == "" {
				return fmt.Errorf("--id required")
			}
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
			cfg := config.Default(id)
			e := engine.New(conn, cfg)
			p, err := e.InitProject(cmd.Context(), id, name, desc, viper.GetString("actor-id"))
			if err != nil {
				return err
			}
			return printJSONOrTable(p)
		},
	}
	cmd.Flags().StringVar(&id, "id", "", "project id")
	cmd.Flags().StringVar(&name, "name", "", "project name")
	cmd.Flags().StringVar(&desc, "description", "", "description")
	_ = cmd.MarkFlagRequired("id")
	return cmd
}

func projectShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show",
		Short: "Show a project",
		RunE: func(cmd *cobra.Command, args []string) error {
			target := viper.GetString("project")
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				if target == "" {
					target = e.Config.Project.ID
				}
				p, err := e.Store.GetProject(ctx, target)
				if err != nil {
					return err
				}
				return printJSONOrTable(p)
			})
		},
	}
	return cmd
}

func projectDeleteCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "delete",
		Short: "Delete a project",
		RunE: func(cmd *cobra.Command, args []string) error {
			target := viper.GetString("project")
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				if target == "" {
					target = e.Config.Project.ID
				}
				return e.Store.DeleteProject(ctx, target)
			})
		},
	}
	return cmd
}

func projectUseCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "use <id>",
		Short: "Set current project for this workspace",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			projectID := strings.TrimSpace(args[0])
			if projectID == "" {
				return fmt.Errorf("project id is required")
			}
			workspace := viper.GetString("workspace")
			if err := setEnvValue(filepath.Join(workspace, ".env"), "ISSUELINE_DEFAULT_PROJECT", projectID); err != nil {
				return err
			}
			fmt.Printf("Set ISSUELINE_DEFAULT_PROJECT=%s in %s/.env\n", projectID, workspace)
			return nil
		},
	}
	return cmd
}

func projectConfigCmd() *cobra.Command {
	cfg := &cobra.Command{
		Use:   "config",
		Short: "Manage project config",
	}
	cfg.AddCommand(projectConfigShowCmd())
	cfg.AddCommand(projectConfigImportCmd())
	return cfg
}

func projectConfigShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show",
		Short: "Show project config stored in DB",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				return printJSONOrTable(e.Config)
			})
		},
	}
	return cmd
}

func projectConfigImportCmd() *cobra.Command {
	var filePath string
	cmd := &cobra.Command{
		Use:   "import",
		Short: "Import project config from YAML into the DB",
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := os.ReadFile(filePath)
			if err != nil {
				return err
			}
			cfg, err := config.FromYAML(data)
			if err != nil {
				return err
			}
			projectID := cfg.Project.ID
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				if projectID == "" {
					projectID = e.Config.Project.ID
				}
				if err := e.Store.UpsertProjectConfig(ctx, projectID, cfg); err != nil {
					return err
				}
				return printJSONOrTable(cfg)
			})
		},
	}
	cmd.Flags().StringVar(&filePath, "file", "", "path to YAML config")
	_ = cmd.MarkFlagRequired("file")
	return cmd
}

func configCmd() *cobra.Command {
	cfg := &cobra.Command{
		Use:   "config",
		Short: "Inspect project config",
		Long:  "Config is the rulebook (stored in DB): project id/kind, user-defined states per phase, canonical state mapping, scheduler and notification settings. Import from issueline.yml if desired.",
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
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				return printJSONOrTable(e.Config)
			})
		},
	}
	return cmd
}

func configValidateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Validate stored config",
		RunE: func(cmd *cobra.Command, args []string) error {
			err := withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				return e.Config.Validate()
			})
			if viper.GetBool("json") {
				return printJSON(map[string]any{"ok": err == nil, "error": fmt.Sprint(err)})
			}
			if err != nil {
				return err
			}
			fmt.Println("config OK")
			return nil
		},
	}
	return cmd
}

func issueCmd() *cobra.Command {
	issue := &cobra.Command{
		Use:   "issue",
		Short: "Manage issues",
		Long:  "Issues are the work items. They move through negotiation, processing and conclusion phases; requesting a state may land somewhere else (Waiting, Blocked) depending on dates and relations.",
	}
	issue.AddCommand(issueCreateCmd())
	issue.AddCommand(issueListCmd())
	issue.AddCommand(issueGetCmd())
	issue.AddCommand(issueUpdateCmd())
	issue.AddCommand(issueDeleteCmd())
	issue.AddCommand(issueStateCmd())
	issue.AddCommand(issueSetParentCmd())
	issue.AddCommand(issueRemoveParentCmd())
	issue.AddCommand(issueAddPredecessorCmd())
	issue.AddCommand(issueRemovePredecessorCmd())
	issue.AddCommand(issueTreeCmd())
	return issue
}

func issueCreateCmd() *cobra.Command {
	var opts engine.IssueCreateOptions
	var estimate float64
	var priority int
	var assignees []string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create an issue",
		RunE: func(cmd *cobra.Command, args []string) error {
			opts.ActorID = viper.GetString("actor-id")
			opts.Estimate = estimate
			opts.AssigneeIDs = assignees
			if cmd.Flags().Changed("priority") {
				opts.Priority = &priority
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				if opts.ProjectID == "" {
					opts.ProjectID = e.Config.Project.ID
				}
				i, err := e.CreateIssue(ctx, opts)
				if err != nil {
					return err
				}
				return printJSONOrTable(i)
			})
		},
	}
	cmd.Flags().StringVar(&opts.ID, "id", "", "issue id (optional, deterministic UUID if omitted)")
	cmd.Flags().StringVar(&opts.ProjectID, "project", "", "project id")
	cmd.Flags().StringVar(&opts.ParentID, "parent", "", "parent issue id")
	cmd.Flags().StringVar(&opts.Name, "name", "", "name")
	cmd.Flags().StringVar(&opts.Type, "type", "task", "issue type")
	cmd.Flags().StringVar(&opts.StartDate, "start-date", "", "start date (RFC3339)")
	cmd.Flags().StringVar(&opts.EndDate, "end-date", "", "end date (RFC3339)")
	cmd.Flags().Float64Var(&estimate, "estimate", 0, "effort estimate in hours")
	cmd.Flags().BoolVar(&opts.Requirements, "requirements", false, "start in Checking for requirements gathering")
	cmd.Flags().StringVar(&opts.Visibility, "visibility", "", "visibility")
	cmd.Flags().IntVar(&priority, "priority", 0, "priority (lower is higher)")
	cmd.Flags().StringVar(&opts.ClientID, "client-id", "", "client id")
	cmd.Flags().StringArrayVar(&assignees, "assignee-id", []string{}, "assignee id (repeatable)")
	_ = cmd.MarkFlagRequired("name")
	return cmd
}

func issueListCmd() *cobra.Command {
	var projectID string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List issues",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				if projectID == "" {
					projectID = e.Config.Project.ID
				}
				issues, err := e.Store.ListProjectIssues(ctx, projectID)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(issues)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Name", "State", "Estimate", "Progress", "Parent"})
				for _, i := range issues {
					st, err := e.Store.GetState(ctx, i.StateID)
					if err != nil {
						return err
					}
					parent := ""
					if i.ParentID != nil {
						parent = *i.ParentID
					}
					tw.AppendRow(table.Row{i.ID, i.Name, colorState(st), fmt.Sprintf("%.1fh", i.Estimate), fmt.Sprintf("%d%%", i.Progress), parent})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&projectID, "project", "", "project id")
	return cmd
}

func issueGetCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "get <id>",
		Short: "Get issue",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id := args[0]
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				i, err := e.Store.GetIssue(ctx, id)
				if err != nil {
					return err
				}
				return printJSONOrTable(i)
			})
		},
	}
	return cmd
}

func issueUpdateCmd() *cobra.Command {
	var name, typ, startDate, endDate, visibility, clientID string
	var estimate float64
	var progress, priority int
	var assignees []string
	cmd := &cobra.Command{
		Use:   "update <id>",
		Short: "Update issue details",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			opts := engine.IssueUpdateOptions{
				ID:      args[0],
				ActorID: viper.GetString("actor-id"),
			}
			if cmd.Flags().Changed("name") {
				opts.Name = &name
			}
			if cmd.Flags().Changed("type") {
				opts.Type = &typ
			}
			if cmd.Flags().Changed("start-date") {
				opts.StartDate = &startDate
			}
			if cmd.Flags().Changed("end-date") {
				opts.EndDate = &endDate
			}
			if cmd.Flags().Changed("estimate") {
				opts.Estimate = &estimate
			}
			if cmd.Flags().Changed("progress") {
				opts.Progress = &progress
			}
			if cmd.Flags().Changed("visibility") {
				opts.Visibility = &visibility
			}
			if cmd.Flags().Changed("priority") {
				opts.Priority = &priority
			}
			if cmd.Flags().Changed("client-id") {
				opts.ClientID = &clientID
			}
			if cmd.Flags().Changed("assignee-id") {
				opts.AssigneeIDs = assignees
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				i, err := e.UpdateIssue(ctx, opts)
				if err != nil {
					return err
				}
				return printJSONOrTable(i)
			})
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "name")
	cmd.Flags().StringVar(&typ, "type", "", "issue type")
	cmd.Flags().StringVar(&startDate, "start-date", "", "start date (RFC3339, empty clears)")
	cmd.Flags().StringVar(&endDate, "end-date", "", "end date (RFC3339, empty clears)")
	cmd.Flags().Float64Var(&estimate, "estimate", 0, "effort estimate in hours")
	cmd.Flags().IntVar(&progress, "progress", 0, "progress percentage")
	cmd.Flags().StringVar(&visibility, "visibility", "", "visibility")
	cmd.Flags().IntVar(&priority, "priority", 0, "priority (lower is higher)")
	cmd.Flags().StringVar(&clientID, "client-id", "", "client id (empty clears)")
	cmd.Flags().StringArrayVar(&assignees, "assignee-id", []string{}, "assignee id (repeatable, replaces set)")
	return cmd
}

func issueDeleteCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "delete <id>",
		Short: "Delete issue",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id := args[0]
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				return e.DeleteIssue(ctx, id, viper.GetString("actor-id"))
			})
		},
	}
	return cmd
}

func issueStateCmd() *cobra.Command {
	var state string
	cmd := &cobra.Command{
		Use:   "state <id>",
		Short: "Request a lifecycle transition",
		Long:  "Requests a transition; the issue may land in a different state than requested (Waiting when the start date is in the future, Blocked when predecessors are unfinished or the parent is still negotiating). The landed state is printed.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id := args[0]
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				st, err := e.UpdateState(ctx, id, state, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(st)
				}
				fmt.Printf("issue %s is now %s (%s phase)\n", id, colorState(st), st.Phase)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&state, "to", "", "target state name")
	_ = cmd.MarkFlagRequired("to")
	return cmd
}

func issueSetParentCmd() *cobra.Command {
	var parent string
	cmd := &cobra.Command{
		Use:   "set-parent <id>",
		Short: "Set hierarchy parent",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id := args[0]
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				if err := e.SetParent(ctx, id, parent, viper.GetString("actor-id")); err != nil {
					return err
				}
				i, err := e.Store.GetIssue(ctx, id)
				if err != nil {
					return err
				}
				return printJSONOrTable(i)
			})
		},
	}
	cmd.Flags().StringVar(&parent, "parent", "", "parent issue id")
	_ = cmd.MarkFlagRequired("parent")
	return cmd
}

func issueRemoveParentCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "remove-parent <id>",
		Short: "Remove hierarchy parent",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id := args[0]
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				return e.RemoveParent(ctx, id, viper.GetString("actor-id"))
			})
		},
	}
	return cmd
}

func issueAddPredecessorCmd() *cobra.Command {
	var predecessor string
	cmd := &cobra.Command{
		Use:   "add-predecessor <id>",
		Short: "Add ordering predecessor",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id := args[0]
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				if err := e.SetPredecessor(ctx, id, predecessor, viper.GetString("actor-id")); err != nil {
					return err
				}
				i, err := e.Store.GetIssue(ctx, id)
				if err != nil {
					return err
				}
				return printJSONOrTable(i)
			})
		},
	}
	cmd.Flags().StringVar(&predecessor, "predecessor", "", "predecessor issue id")
	_ = cmd.MarkFlagRequired("predecessor")
	return cmd
}

func issueRemovePredecessorCmd() *cobra.Command {
	var predecessor string
	cmd := &cobra.Command{
		Use:   "remove-predecessor <id>",
		Short: "Remove ordering predecessor",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id := args[0]
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				return e.RemovePredecessor(ctx, id, predecessor, viper.GetString("actor-id"))
			})
		},
	}
	cmd.Flags().StringVar(&predecessor, "predecessor", "", "predecessor issue id")
	_ = cmd.MarkFlagRequired("predecessor")
	return cmd
}

func issueTreeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "tree",
		Short: "Show issue hierarchy",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				issues, err := e.Store.ListProjectIssues(ctx, e.Config.Project.ID)
				if err != nil {
					return err
				}
				states := map[string]domain.State{}
				for _, i := range issues {
					if _, ok := states[i.StateID]; !ok {
						st, err := e.Store.GetState(ctx, i.StateID)
						if err != nil {
							return err
						}
						states[i.StateID] = st
					}
				}
				nodes := map[string][]domain.Issue{}
				var roots []domain.Issue
				for _, i := range issues {
					if i.ParentID != nil {
						nodes[*i.ParentID] = append(nodes[*i.ParentID], i)
					} else {
						roots = append(roots, i)
					}
				}
				if viper.GetBool("json") {
					type Node struct {
						Issue    domain.Issue `json:"issue"`
						Children []Node       `json:"children,omitempty"`
					}
					var build func(i domain.Issue) Node
					build = func(i domain.Issue) Node {
						var childNodes []Node
						for _, c := range nodes[i.ID] {
							childNodes = append(childNodes, build(c))
						}
						return Node{Issue: i, Children: childNodes}
					}
					var treeNodes []Node
					for _, r := range roots {
						treeNodes = append(treeNodes, build(r))
					}
					return printJSON(treeNodes)
				}
				for _, r := range roots {
					printIssueTree(r, nodes, states, "", true)
				}
				return nil
			})
		},
	}
	return cmd
}

func stateCmd() *cobra.Command {
	st := &cobra.Command{
		Use:   "state",
		Short: "Inspect lifecycle states",
	}
	st.AddCommand(stateListCmd())
	return st
}

func stateListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List a project's states",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				items, err := e.Store.ListProjectStates(ctx, e.Config.Project.ID)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Name", "Phase", "User-defined"})
				for _, st := range items {
					tw.AppendRow(table.Row{colorState(st), st.Phase, st.UserDefined})
				}
				tw.Render()
				return nil
			})
		},
	}
	return cmd
}

func messageCmd() *cobra.Command {
	msg := &cobra.Command{
		Use:   "messages",
		Short: "Notifications and conversation logs",
	}
	msg.AddCommand(messageListCmd())
	return msg
}

func messageListCmd() *cobra.Command {
	var f store.MessageFilters
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List messages",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				if f.ProjectID == "" {
					f.ProjectID = e.Config.Project.ID
				}
				items, err := e.Store.ListMessages(ctx, f)
				if err != nil {
					return err
				}
				return printJSONOrTable(items)
			})
		},
	}
	cmd.Flags().StringVar(&f.ProjectID, "project", "", "project id")
	cmd.Flags().StringVar(&f.IssueID, "issue-id", "", "issue filter")
	cmd.Flags().StringVar(&f.RecipientID, "recipient-id", "", "recipient filter")
	cmd.Flags().StringVar(&f.Kind, "kind", "", "kind filter")
	cmd.Flags().IntVar(&f.Limit, "n", 50, "number of messages")
	return cmd
}

func logCmd() *cobra.Command {
	log := &cobra.Command{
		Use:   "log",
		Short: "Event log",
		Long:  "The diary of everything that happened: issue changes, relation edits, transitions, schedules.",
	}
	log.AddCommand(logTailCmd())
	return log
}

func logTailCmd() *cobra.Command {
	var n int
	var evtType, entityKind, entityID string
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Tail events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				events, err := e.Store.LatestEvents(ctx, n, e.Config.Project.ID, evtType, entityKind, entityID)
				if err != nil {
					return err
				}
				return printJSONOrTable(events)
			})
		},
	}
	cmd.Flags().IntVar(&n, "n", 20, "number of events")
	cmd.Flags().StringVar(&evtType, "type", "", "event type filter")
	cmd.Flags().StringVar(&entityKind, "entity-kind", "", "entity kind")
	cmd.Flags().StringVar(&entityID, "entity-id", "", "entity id")
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
			var e *engine.Engine
			err = func() error {
				boot := engine.New(conn, config.Default("bootstrap"))
				_, cfg, err := app.ResolveProjectAndConfig(cmd.Context(), viper.GetString("project"), viper.GetString("actor-id"), boot)
				if err != nil {
					return err
				}
				e = engine.New(conn, cfg)
				return nil
			}()
			if err != nil {
				return err
			}
			if e.Config.Scheduler.RearmOnStartup {
				if err := e.RearmAll(cmd.Context()); err != nil {
					return err
				}
			}
			defer e.Scheduler.Shutdown()
			authCfg := server.AuthConfig{JWTSecret: os.Getenv("ISSUELINE_JWT_SECRET")}
			if authCfg.JWTSecret == "" {
				return fmt.Errorf("ISSUELINE_JWT_SECRET is required for bearer auth")
			}
			handler, err := server.New(server.Config{Engine: e, BasePath: basePath, Auth: authCfg})
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
			fmt.Printf("Serving Issueline API on http://%s%s (OpenAPI at /openapi.json, Swagger UI at /docs)\n", addr, basePath)
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

func withEngine(ctx context.Context, fn func(context.Context, *engine.Engine) error) error {
	workspace := viper.GetString("workspace")
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return err
	}
	defer conn.Close()
	if err := migrate.Migrate(conn); err != nil {
		return err
	}
	boot := engine.New(conn, config.Default("bootstrap"))
	_, cfg, err := app.ResolveProjectAndConfig(ctx, viper.GetString("project"), viper.GetString("actor-id"), boot)
	if err != nil {
		return err
	}
	e := engine.New(conn, cfg)
	defer e.Scheduler.Shutdown()
	return fn(ctx, e)
}

func withStore(ctx context.Context, fn func(context.Context, store.Store) error) error {
	workspace := viper.GetString("workspace")
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return err
	}
	defer conn.Close()
	if err := migrate.Migrate(conn); err != nil {
		return err
	}
	return fn(ctx, store.Store{DB: conn})
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

func colorState(st domain.State) string {
	switch st.Phase {
	case domain.PhaseNegotiation:
		return color.YellowString(st.Name)
	case domain.PhaseConclusion:
		return color.GreenString(st.Name)
	default:
		if st.Name == domain.StateBlocked {
			return color.RedString(st.Name)
		}
		return color.CyanString(st.Name)
	}
}

func setEnvValue(path, key, value string) error {
	var lines []string
	seen := false
	f, err := os.Open(path)
	if err == nil {
		scanner := bufio.NewScanner(f)
		for scanner.Scan() {
			line := scanner.Text()
			if strings.HasPrefix(line, key+"=") {
				lines = append(lines, fmt.Sprintf("%s=%s", key, value))
				seen = true
			} else {
				lines = append(lines, line)
			}
		}
		if err := scanner.Err(); err != nil {
			f.Close()
			return err
		}
		f.Close()
	} else if !os.IsNotExist(err) {
		return err
	}
	if !seen {
		lines = append(lines, fmt.Sprintf("%s=%s", key, value))
	}
	content := strings.Join(lines, "\n")
	if content != "" && !strings.HasSuffix(content, "\n") {
		content += "\n"
	}
	return os.WriteFile(path, []byte(content), 0o644)
}

func printIssueTree(i domain.Issue, children map[string][]domain.Issue, states map[string]domain.State, prefix string, last bool) {
	connector := "├── "
	newPrefix := prefix + "│   "
	if last {
		connector = "└── "
		newPrefix = prefix + "    "
	}
	fmt.Printf("%s%s%s [%s]\n", prefix, connector, i.Name, colorState(states[i.StateID]))
	for idx, c := range children[i.ID] {
		printIssueTree(c, children, states, newPrefix, idx == len(children[i.ID])-1)
	}
}
