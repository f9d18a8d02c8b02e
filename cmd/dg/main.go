package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/sync/errgroup"

	"draftgate/internal/app"
	"draftgate/internal/config"
	"draftgate/internal/db"
	"draftgate/internal/domain"
	"draftgate/internal/engine"
	"draftgate/internal/migrate"
	"draftgate/internal/notify"
	"draftgate/internal/producer"
	"draftgate/internal/repo"
	"draftgate/internal/server"
	"draftgate/internal/session"
)

var rootCmd = &cobra.Command{
	Use:   "dg",
	Short: "Draftgate CLI",
	Long: `Draftgate streams page generations from a producer service and gates
them behind human review.
- Workspace: your .draftgate directory holding the database; the plan config
  lives in draftgate.yml or in the DB.
- Project: owns every generated page, its approvals, and the event log.
- Pages: each route holds one versioned artifact; regenerating bumps the
  version and re-enters review with approval and feedback cleared.
- Review: approve locks a page; request-revision records feedback that is
  fed back into the next generation.
- Phases: a phase gate opens when all of its routes are approved; advancing
  also needs reviewer and requester sign-off.
- Event log: diary of changes, view with 'dg log tail'.`,
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
	viper.SetEnvPrefix("DRAFTGATE")
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
	rootCmd.AddCommand(pageCmd())
	rootCmd.AddCommand(phaseCmd())
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(serveCmd())
}

func projectCmd() *cobra.Command {
	prj := &cobra.Command{Use: "project", Short: "Manage projects"}
	prj.AddCommand(projectListCmd())
	prj.AddCommand(projectCreateCmd())
	prj.AddCommand(projectShowCmd())
	return prj
}

func projectListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List projects",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				items, err := r.ListProjects(ctx)
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
	var id, desc string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create project",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			conn, err := db.Open(db.Config{Workspace: workspace})
			if err != nil {
				return err
			}
			defer conn.Close()
			if err := migrate.Migrate(conn); err != nil {
				return err
			}
			e := engine.New(conn, config.Default(id))
			p, err := e.InitProject(cmd.Context(), id, desc, viper.GetString("actor-id"))
			if err != nil {
				return err
			}
			return printJSONOrTable(p)
		},
	}
	cmd.Flags().StringVar(&id, "id", "", "project id")
	cmd.Flags().StringVar(&desc, "description", "", "description")
	_ = cmd.MarkFlagRequired("id")
	return cmd
}

func projectShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show",
		Short: "Show the active project",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				p, err := e.Repo.GetProject(ctx, e.Config.Project.ID)
				if err != nil {
					return err
				}
				return printJSONOrTable(p)
			})
		},
	}
	return cmd
}

func pageCmd() *cobra.Command {
	page := &cobra.Command{Use: "page", Short: "Generate and review pages"}
	page.AddCommand(pageGenerateCmd())
	page.AddCommand(pageListCmd())
	page.AddCommand(pageShowCmd())
	page.AddCommand(pageApproveCmd())
	page.AddCommand(pageReviseCmd())
	return page
}

func pageGenerateCmd() *cobra.Command {
	var route string
	var override bool
	cmd := &cobra.Command{
		Use:   "generate",
		Short: "Stream a page generation and wait for the result",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				key := domain.OwnerKey{ProjectID: e.Config.Project.ID, Route: route}
				if err := e.CheckGenerate(ctx, key, override); err != nil {
					return err
				}
				req := producer.Request{
					ProjectID: key.ProjectID,
					Route:     key.Route,
					Sections:  e.Config.SectionsFor(route),
				}
				if plan, ok := e.Config.Plans[route]; ok {
					req.Description = plan.Description
				}
				if prior, err := e.Repo.GetArtifact(ctx, key); err == nil {
					req.PriorContent = prior.Content
					if prior.Feedback != nil {
						req.Feedback = *prior.Feedback
					}
				}
				s := session.New(key, producer.NewHTTP(e.Config.Producer), e, session.Options{
					Sections:    e.Config.SectionsFor(route),
					IdleTimeout: e.Config.Producer.IdleTimeout,
					ActorID:     viper.GetString("actor-id"),
				})
				if err := s.Start(ctx, req); err != nil {
					return err
				}
				waitForSession(s)
				st := s.Status()
				if viper.GetBool("json") {
					return printJSON(st)
				}
				switch st.State {
				case session.StateComplete:
					fmt.Printf("complete: %s version %d (%d bytes)\n", route, st.Artifact.Version, len(st.Artifact.Content))
				case session.StateCancelled:
					fmt.Println("cancelled: nothing saved")
				default:
					return fmt.Errorf("generation failed: %s", st.Error)
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&route, "route", "", "page route, e.g. /pricing")
	cmd.Flags().BoolVar(&override, "override", false, "regenerate an approved page")
	_ = cmd.MarkFlagRequired("route")
	return cmd
}

// waitForSession blocks until the session reaches a terminal state while
// rendering component progress on the terminal.
func waitForSession(s *session.Session) {
	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()
	last := -1
	for {
		select {
		case <-s.Done():
			return
		case <-ticker.C:
			st := s.Status()
			if st.Progress == last {
				continue
			}
			last = st.Progress
			building := ""
			for _, c := range st.Components {
				if c.Status == domain.ComponentBuilding {
					building = c.Name
				}
			}
			if building != "" {
				fmt.Printf("  %3d%%  building %s\n", st.Progress, building)
			} else {
				fmt.Printf("  %3d%%\n", st.Progress)
			}
		}
	}
}

func pageListCmd() *cobra.Command {
	var status string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List pages",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.Repo.ListArtifacts(ctx, repo.ArtifactFilters{ProjectID: e.Config.Project.ID, Status: status})
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Route", "Status", "Approved", "Version", "Updated"})
				for _, a := range items {
					tw.AppendRow(table.Row{a.Route, a.Status, a.Approved, a.Version, a.UpdatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "status filter")
	return cmd
}

func pageShowCmd() *cobra.Command {
	var route string
	var contentOnly bool
	cmd := &cobra.Command{
		Use:   "show",
		Short: "Show one page",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				a, err := e.Repo.GetArtifact(ctx, domain.OwnerKey{ProjectID: e.Config.Project.ID, Route: route})
				if err != nil {
					return err
				}
				if contentOnly {
					fmt.Println(a.Content)
					return nil
				}
				return printJSONOrTable(a)
			})
		},
	}
	cmd.Flags().StringVar(&route, "route", "", "page route")
	cmd.Flags().BoolVar(&contentOnly, "content", false, "print raw content only")
	_ = cmd.MarkFlagRequired("route")
	return cmd
}

func pageApproveCmd() *cobra.Command {
	var route string
	cmd := &cobra.Command{
		Use:   "approve",
		Short: "Approve a page",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				a, err := e.Approve(ctx, domain.OwnerKey{ProjectID: e.Config.Project.ID, Route: route}, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(a)
			})
		},
	}
	cmd.Flags().StringVar(&route, "route", "", "page route")
	_ = cmd.MarkFlagRequired("route")
	return cmd
}

func pageReviseCmd() *cobra.Command {
	var route, feedback string
	cmd := &cobra.Command{
		Use:   "revise",
		Short: "Request a revision with feedback",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				a, err := e.RequestRevision(ctx, domain.OwnerKey{ProjectID: e.Config.Project.ID, Route: route}, feedback, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(a)
			})
		},
	}
	cmd.Flags().StringVar(&route, "route", "", "page route")
	cmd.Flags().StringVar(&feedback, "feedback", "", "what to change")
	_ = cmd.MarkFlagRequired("route")
	_ = cmd.MarkFlagRequired("feedback")
	return cmd
}

func phaseCmd() *cobra.Command {
	phase := &cobra.Command{Use: "phase", Short: "Phase gates and sign-offs"}
	phase.AddCommand(phaseStatusCmd())
	phase.AddCommand(phaseSignoffCmd())
	phase.AddCommand(phaseResetCmd())
	return phase
}

func phaseStatusCmd() *cobra.Command {
	var phaseID string
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show phase gate status",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				if phaseID != "" {
					st, err := e.PhaseStatus(ctx, e.Config.Project.ID, phaseID)
					if err != nil {
						return err
					}
					return printJSONOrTable(st)
				}
				var all []domain.PhaseStatus
				for _, ph := range e.Config.Phases {
					st, err := e.PhaseStatus(ctx, e.Config.Project.ID, ph.ID)
					if err != nil {
						return err
					}
					all = append(all, st)
				}
				if viper.GetBool("json") {
					return printJSON(all)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Phase", "Approved", "Gate", "Reviewer", "Requester", "Advance"})
				for _, st := range all {
					tw.AppendRow(table.Row{
						st.PhaseID,
						fmt.Sprintf("%d/%d", st.ApprovedCount, st.ExpectedCount),
						st.GateOpen, st.ReviewerApproved, st.RequesterApproved, st.CanAdvance,
					})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&phaseID, "phase", "", "phase id (all phases when omitted)")
	return cmd
}

func phaseSignoffCmd() *cobra.Command {
	var phaseID, role string
	cmd := &cobra.Command{
		Use:   "signoff",
		Short: "Record a reviewer or requester sign-off",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				s, err := e.Signoff(ctx, e.Config.Project.ID, phaseID, role, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(s)
			})
		},
	}
	cmd.Flags().StringVar(&phaseID, "phase", "", "phase id")
	cmd.Flags().StringVar(&role, "role", "", "reviewer or requester")
	_ = cmd.MarkFlagRequired("phase")
	_ = cmd.MarkFlagRequired("role")
	return cmd
}

func phaseResetCmd() *cobra.Command {
	var phaseID string
	cmd := &cobra.Command{
		Use:   "reset",
		Short: "Clear both sign-offs for a phase",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				s, err := e.ResetSignoffs(ctx, e.Config.Project.ID, phaseID, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(s)
			})
		},
	}
	cmd.Flags().StringVar(&phaseID, "phase", "", "phase id")
	_ = cmd.MarkFlagRequired("phase")
	return cmd
}

func configCmd() *cobra.Command {
	cfg := &cobra.Command{Use: "config", Short: "Workspace configuration"}
	cfg.AddCommand(configShowCmd())
	cfg.AddCommand(configInitCmd())
	cfg.AddCommand(configImportCmd())
	return cfg
}

func configShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show",
		Short: "Show the effective config",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				return printJSONOrTable(e.Config)
			})
		},
	}
	return cmd
}

func configInitCmd() *cobra.Command {
	var projectID string
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a starter draftgate.yml into the workspace",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			path := config.Path(workspace)
			if _, err := os.Stat(path); err == nil {
				return fmt.Errorf("%s already exists", path)
			}
			if err := os.WriteFile(path, []byte(config.GenerateDefault(projectID)), 0o644); err != nil {
				return err
			}
			fmt.Println("wrote", path)
			return nil
		},
	}
	cmd.Flags().StringVar(&projectID, "id", "my-site", "project id for the template")
	return cmd
}

func configImportCmd() *cobra.Command {
	var file string
	cmd := &cobra.Command{
		Use:   "import",
		Short: "Import a config file into the project database",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.FromFile(file)
			if err != nil {
				return err
			}
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				if _, err := r.GetProject(ctx, cfg.Project.ID); err != nil {
					return err
				}
				if err := r.UpsertProjectConfig(ctx, cfg.Project.ID, cfg); err != nil {
					return err
				}
				fmt.Println("imported config for", cfg.Project.ID)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&file, "file", "", "config file path")
	_ = cmd.MarkFlagRequired("file")
	return cmd
}

func logCmd() *cobra.Command {
	log := &cobra.Command{Use: "log", Short: "Event log"}
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
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				events, err := e.Repo.LatestEvents(ctx, n, e.Config.Project.ID, evtType, entityKind, entityID)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(events)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "TS", "Type", "Entity", "Actor"})
				for _, ev := range events {
					tw.AppendRow(table.Row{ev.ID, ev.TS, ev.Type, ev.EntityKind + ":" + ev.EntityID, ev.ActorID})
				}
				tw.Render()
				return nil
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
	var allowActorHeader bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			conn, err := db.Open(db.Config{Workspace: workspace})
			if err != nil {
				return err
			}
			defer conn.Close()
			if err := migrate.Migrate(conn); err != nil {
				return err
			}
			r := repo.Repo{DB: conn}
			_, cfg, err := app.ResolveProjectAndConfig(cmd.Context(), workspace, viper.GetString("project"), viper.GetString("actor-id"), r)
			if err != nil {
				return err
			}
			hub := notify.NewHub(nil)
			e := engine.New(conn, cfg)
			e.Hub = hub
			authCfg := server.AuthConfig{
				JWTSecret:              os.Getenv("DRAFTGATE_JWT_SECRET"),
				AllowLegacyActorHeader: allowActorHeader,
			}
			if authCfg.JWTSecret == "" && !allowActorHeader {
				return fmt.Errorf("DRAFTGATE_JWT_SECRET is required for bearer auth (or pass --allow-actor-header for local use)")
			}
			registry := session.NewRegistry()
			handler, err := server.New(server.Config{
				Engine:   e,
				Registry: registry,
				Producer: producer.NewHTTP(cfg.Producer),
				Hub:      hub,
				BasePath: basePath,
				Auth:     authCfg,
			})
			if err != nil {
				return err
			}
			srv := &http.Server{Addr: addr, Handler: handler}

			g, ctx := errgroup.WithContext(cmd.Context())
			g.Go(func() error {
				fmt.Printf("Serving Draftgate API on http://%s%s (OpenAPI at %s/openapi.json)\n", addr, basePath, basePath)
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					return err
				}
				return nil
			})
			g.Go(func() error {
				<-ctx.Done()
				registry.CancelAll()
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				return srv.Shutdown(shutdownCtx)
			})
			return g.Wait()
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8080", "listen address")
	cmd.Flags().StringVar(&basePath, "base-path", "/v0", "API base path")
	cmd.Flags().BoolVar(&allowActorHeader, "allow-actor-header", false, "accept X-Actor-ID without a JWT (local use)")
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
	r := repo.Repo{DB: conn}
	_, cfg, err := app.ResolveProjectAndConfig(ctx, workspace, viper.GetString("project"), viper.GetString("actor-id"), r)
	if err != nil {
		return err
	}
	return fn(ctx, engine.New(conn, cfg))
}

func withRepo(ctx context.Context, fn func(context.Context, repo.Repo) error) error {
	workspace := viper.GetString("workspace")
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return err
	}
	defer conn.Close()
	if err := migrate.Migrate(conn); err != nil {
		return err
	}
	return fn(ctx, repo.Repo{DB: conn})
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
