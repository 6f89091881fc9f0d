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

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"questline/internal/app"
	"questline/internal/config"
	"questline/internal/db"
	"questline/internal/engine"
	"questline/internal/migrate"
	"questline/internal/readiness"
	"questline/internal/repo"
	"questline/internal/server"
)

var rootCmd = &cobra.Command{
	Use:   "ql",
	Short: "Questline CLI",
	Long: `Questline tracks how ready each repository is for AI-agent development.
A versioned quest catalog defines the requirements (docs, tests, CI gates,
review process); CI scanners push reports that are merged into per-repository
readiness snapshots. Manual approvals always win over automated results and
survive every later scan until someone revokes them.`,
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
	viper.SetEnvPrefix("QUESTLINE")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("actor-id", "local-user", "actor identifier")
	rootCmd.PersistentFlags().String("team", "", "team id (overrides config)")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("actor-id", rootCmd.PersistentFlags().Lookup("actor-id"))
	_ = viper.BindPFlag("team", rootCmd.PersistentFlags().Lookup("team"))
}

func registerCommands() {
	rootCmd.AddCommand(initCmd())
	rootCmd.AddCommand(scanCmd())
	rootCmd.AddCommand(readinessCmd())
	rootCmd.AddCommand(questCmd())
	rootCmd.AddCommand(repoCmd())
	rootCmd.AddCommand(teamCmd())
	rootCmd.AddCommand(apikeyCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(serveCmd())
}

func initCmd() *cobra.Command {
	var teamID string
	var force bool
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Initialize a workspace",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			path := config.Path(workspace)
			if _, err := os.Stat(path); err == nil && !force {
				return fmt.Errorf("%s already exists; use --force to overwrite", path)
			}
			if teamID == "" {
				teamID = viper.GetString("team")
			}
			if teamID == "" {
				return fmt.Errorf("--team-id required")
			}
			if err := os.WriteFile(path, []byte(config.GenerateDefault(teamID)), 0o644); err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				n, err := e.SeedCatalog(ctx, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				fmt.Printf("Initialized %s with %d quests\n", path, n)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&teamID, "team-id", "", "team id for the new workspace")
	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing config")
	return cmd
}

// scanReportFile is the on-disk shape of a scanner report.
type scanReportFile struct {
	CommitSHA       string                    `json:"commit_sha"`
	Ref             string                    `json:"ref"`
	ProviderRunID   string                    `json:"provider_run_id"`
	RunURL          string                    `json:"run_url"`
	WorkflowVersion string                    `json:"workflow_version"`
	ScannedAt       string                    `json:"scanned_at"`
	Results         map[string]map[string]any `json:"results"`
}

func scanCmd() *cobra.Command {
	scan := &cobra.Command{Use: "scan", Short: "Scan reports"}
	scan.AddCommand(scanIngestCmd())
	scan.AddCommand(scanListCmd())
	return scan
}

func scanIngestCmd() *cobra.Command {
	var repoID, file, language, name, branch string
	cmd := &cobra.Command{
		Use:   "ingest",
		Short: "Ingest a scan report and recompute readiness",
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := os.ReadFile(file)
			if err != nil {
				return err
			}
			var report scanReportFile
			if err := json.Unmarshal(data, &report); err != nil {
				return fmt.Errorf("invalid scan report: %w", err)
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				if _, err := app.EnsureRepository(ctx, e.Repo, app.RepositoryOptions{
					ID:            repoID,
					TeamID:        e.Config.Team.ID,
					Name:          name,
					Language:      language,
					DefaultBranch: branch,
				}); err != nil {
					return err
				}
				results := make(map[string]readiness.Measurement, len(report.Results))
				for key, m := range report.Results {
					results[key] = readiness.Measurement(m)
				}
				run, snap, err := e.IngestScanRun(ctx, engine.IngestOptions{
					RepoID:          repoID,
					CommitSHA:       report.CommitSHA,
					Ref:             report.Ref,
					ProviderRunID:   report.ProviderRunID,
					RunURL:          report.RunURL,
					WorkflowVersion: report.WorkflowVersion,
					ScannedAt:       report.ScannedAt,
					Results:         results,
					ActorID:         viper.GetString("actor-id"),
				})
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]any{"scan_run": run, "snapshot": snap})
				}
				fmt.Printf("Ingested scan %s (%d results) for %s\n", run.ID, len(run.Results), repoID)
				renderSnapshot(snap)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&repoID, "repo", "", "repository id")
	cmd.Flags().StringVar(&file, "file", "", "scan report JSON file")
	cmd.Flags().StringVar(&language, "language", "", "repository language")
	cmd.Flags().StringVar(&name, "name", "", "repository name")
	cmd.Flags().StringVar(&branch, "default-branch", "", "default branch")
	_ = cmd.MarkFlagRequired("repo")
	_ = cmd.MarkFlagRequired("file")
	return cmd
}

func scanListCmd() *cobra.Command {
	var repoID string
	var n int
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List scan runs for a repository",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				runs, err := r.ListScanRuns(ctx, repoID, n)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(runs)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Commit", "Ref", "Scanned At", "Results"})
				for _, run := range runs {
					tw.AppendRow(table.Row{run.ID, run.CommitSHA, run.Ref, run.ScannedAt, len(run.Results)})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&repoID, "repo", "", "repository id")
	cmd.Flags().IntVar(&n, "n", 20, "number of scan runs")
	_ = cmd.MarkFlagRequired("repo")
	return cmd
}

func readinessCmd() *cobra.Command {
	rd := &cobra.Command{Use: "readiness", Short: "Repository readiness"}
	rd.AddCommand(readinessShowCmd())
	rd.AddCommand(readinessApproveCmd())
	rd.AddCommand(readinessRevokeCmd())
	return rd
}

func readinessShowCmd() *cobra.Command {
	var repoID string
	cmd := &cobra.Command{
		Use:   "show",
		Short: "Show a repository's readiness snapshot",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				snap, err := e.GetReadiness(ctx, repoID)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(snap)
				}
				renderSnapshot(snap)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&repoID, "repo", "", "repository id")
	_ = cmd.MarkFlagRequired("repo")
	return cmd
}

func readinessApproveCmd() *cobra.Command {
	var repoID, questKey, approvedBy string
	var level int
	cmd := &cobra.Command{
		Use:   "approve",
		Short: "Manually approve a quest for a repository",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				actorID := viper.GetString("actor-id")
				if approvedBy == "" {
					approvedBy = actorID
				}
				snap, err := e.ApproveQuest(ctx, repoID, questKey, approvedBy, level, actorID)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(snap)
				}
				entry := snap.Quests[questKey]
				fmt.Printf("Approved %s at level %d for %s\n", questKey, entry.Level, repoID)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&repoID, "repo", "", "repository id")
	cmd.Flags().StringVar(&questKey, "quest", "", "quest key")
	cmd.Flags().StringVar(&approvedBy, "approved-by", "", "who approved (defaults to actor)")
	cmd.Flags().IntVar(&level, "level", 0, "approved level (default 1)")
	_ = cmd.MarkFlagRequired("repo")
	_ = cmd.MarkFlagRequired("quest")
	return cmd
}

func readinessRevokeCmd() *cobra.Command {
	var repoID, questKey string
	cmd := &cobra.Command{
		Use:   "revoke",
		Short: "Revoke a manual approval",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				snap, err := e.RevokeApproval(ctx, repoID, questKey, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(snap)
				}
				fmt.Printf("Revoked approval of %s for %s\n", questKey, repoID)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&repoID, "repo", "", "repository id")
	cmd.Flags().StringVar(&questKey, "quest", "", "quest key")
	_ = cmd.MarkFlagRequired("repo")
	_ = cmd.MarkFlagRequired("quest")
	return cmd
}

func questCmd() *cobra.Command {
	quest := &cobra.Command{Use: "quest", Short: "Quest catalog"}
	quest.AddCommand(questListCmd())
	quest.AddCommand(questShowCmd())
	quest.AddCommand(questSeedCmd())
	quest.AddCommand(questCreateCmd())
	quest.AddCommand(questActivateCmd())
	quest.AddCommand(questDeactivateCmd())
	quest.AddCommand(questDescribeCmd())
	return quest
}

func questListCmd() *cobra.Command {
	var all bool
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List quests",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				quests, err := r.ListQuests(ctx, all)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(quests)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Key", "Title", "Category", "Detection", "Levels", "Active"})
				for _, q := range quests {
					tw.AppendRow(table.Row{q.Key, q.Title, q.Category, q.DetectionType, len(q.Levels), q.Active})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&all, "all", false, "include inactive quests")
	return cmd
}

func questShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show KEY",
		Short: "Show a quest",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				q, err := r.GetQuestByKey(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSON(q)
			})
		},
	}
	return cmd
}

func questSeedCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "seed",
		Short: "Seed the catalog from the workspace config",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				n, err := e.SeedCatalog(ctx, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				fmt.Printf("Seeded %d quests\n", n)
				return nil
			})
		},
	}
	return cmd
}

func questCreateCmd() *cobra.Command {
	var key, title, category, description, detection string
	var languages []string
	var levelSpecs []string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a quest",
		Long:  "Create a quest. Levels are given as LEVEL:CONDITION[:MIN], e.g. --level 1:count:1 --level 2:count:25.",
		RunE: func(cmd *cobra.Command, args []string) error {
			levels, err := parseLevelSpecs(levelSpecs)
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				q, err := e.CreateQuest(ctx, readiness.QuestOptions{
					Key:           key,
					Title:         title,
					Category:      category,
					Description:   description,
					DetectionType: readiness.DetectionType(detection),
					Languages:     languages,
					Levels:        levels,
				}, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSON(q)
			})
		},
	}
	cmd.Flags().StringVar(&key, "key", "", "quest key")
	cmd.Flags().StringVar(&title, "title", "", "quest title")
	cmd.Flags().StringVar(&category, "category", "", "quest category")
	cmd.Flags().StringVar(&description, "description", "", "quest description")
	cmd.Flags().StringVar(&detection, "detection", "auto", "detection type: auto, manual or both")
	cmd.Flags().StringSliceVar(&languages, "language", nil, "applicable language (repeatable)")
	cmd.Flags().StringArrayVar(&levelSpecs, "level", nil, "level spec LEVEL:CONDITION[:MIN] (repeatable)")
	_ = cmd.MarkFlagRequired("key")
	_ = cmd.MarkFlagRequired("title")
	_ = cmd.MarkFlagRequired("category")
	_ = cmd.MarkFlagRequired("description")
	return cmd
}

func parseLevelSpecs(specs []string) ([]readiness.Level, error) {
	var levels []readiness.Level
	for _, spec := range specs {
		parts := strings.Split(spec, ":")
		if len(parts) < 2 || len(parts) > 3 {
			return nil, fmt.Errorf("invalid level spec %q; want LEVEL:CONDITION[:MIN]", spec)
		}
		var lvl int
		if _, err := fmt.Sscanf(parts[0], "%d", &lvl); err != nil {
			return nil, fmt.Errorf("invalid level in %q", spec)
		}
		cond := readiness.Condition{Type: readiness.ConditionType(parts[1])}
		if len(parts) == 3 {
			if _, err := fmt.Sscanf(parts[2], "%f", &cond.Min); err != nil {
				return nil, fmt.Errorf("invalid min in %q", spec)
			}
		}
		levels = append(levels, readiness.Level{Level: lvl, Condition: cond})
	}
	return levels, nil
}

func questActivateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "activate KEY",
		Short: "Activate a quest",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				q, err := e.SetQuestActive(ctx, args[0], true, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				fmt.Printf("Quest %s is active\n", q.Key)
				return nil
			})
		},
	}
	return cmd
}

func questDeactivateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "deactivate KEY",
		Short: "Deactivate a quest",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				q, err := e.SetQuestActive(ctx, args[0], false, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				fmt.Printf("Quest %s is inactive\n", q.Key)
				return nil
			})
		},
	}
	return cmd
}

func questDescribeCmd() *cobra.Command {
	var description string
	cmd := &cobra.Command{
		Use:   "describe KEY",
		Short: "Update a quest's description",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				q, err := e.UpdateQuestDescription(ctx, args[0], description, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSON(q)
			})
		},
	}
	cmd.Flags().StringVar(&description, "description", "", "new description")
	_ = cmd.MarkFlagRequired("description")
	return cmd
}

func repoCmd() *cobra.Command {
	rp := &cobra.Command{Use: "repo", Short: "Repositories"}
	rp.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List repositories",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				items, err := r.ListRepositories(ctx, viper.GetString("team"))
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Team", "Name", "Language", "Created"})
				for _, it := range items {
					tw.AppendRow(table.Row{it.ID, it.TeamID, it.Name, it.Language, it.CreatedAt})
				}
				tw.Render()
				return nil
			})
		},
	})
	return rp
}

func teamCmd() *cobra.Command {
	tm := &cobra.Command{Use: "team", Short: "Teams"}
	tm.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List teams",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				items, err := r.ListTeams(ctx)
				if err != nil {
					return err
				}
				return printJSONOrTable(items)
			})
		},
	})
	return tm
}

func apikeyCmd() *cobra.Command {
	ak := &cobra.Command{Use: "apikey", Short: "API keys for scanners"}
	ak.AddCommand(apikeyCreateCmd())
	ak.AddCommand(apikeyListCmd())
	ak.AddCommand(apikeyDeleteCmd())
	return ak
}

func apikeyCreateCmd() *cobra.Command {
	var actorID, name string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create an API key",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				if actorID == "" {
					actorID = viper.GetString("actor-id")
				}
				plaintext, key, err := e.CreateAPIKey(ctx, actorID, name)
				if err != nil {
					return err
				}
				fmt.Printf("API key %s for %s (shown once):\n%s\n", key.ID, key.ActorID, plaintext)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&actorID, "actor", "", "actor the key authenticates as")
	cmd.Flags().StringVar(&name, "name", "", "key label")
	return cmd
}

func apikeyListCmd() *cobra.Command {
	var actorID string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List API keys",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				keys, err := r.ListAPIKeys(ctx, actorID)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(keys)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Actor", "Name", "Created"})
				for _, key := range keys {
					tw.AppendRow(table.Row{key.ID, key.ActorID, key.Name, key.CreatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&actorID, "actor", "", "filter by actor")
	return cmd
}

func apikeyDeleteCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "delete ID",
		Short: "Delete an API key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				return r.DeleteAPIKey(ctx, args[0])
			})
		},
	}
	return cmd
}

func logCmd() *cobra.Command {
	lg := &cobra.Command{Use: "log", Short: "Event log"}
	lg.AddCommand(logTailCmd())
	return lg
}

func logTailCmd() *cobra.Command {
	var n int
	var repoID string
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Tail events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				events, err := r.ListEvents(ctx, repoID, n)
				if err != nil {
					return err
				}
				return printJSONOrTable(events)
			})
		},
	}
	cmd.Flags().IntVar(&n, "n", 20, "number of events")
	cmd.Flags().StringVar(&repoID, "repo", "", "repository filter")
	return cmd
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	var allowAnonymous bool
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
			r := repo.Repo{DB: conn}
			_, cfg, err := app.ResolveTeamAndConfig(cmd.Context(), workspace, viper.GetString("team"), r)
			if err != nil {
				return err
			}
			e := engine.New(conn, cfg)
			authCfg := server.AuthConfig{
				JWTSecret:      os.Getenv("QUESTLINE_JWT_SECRET"),
				AllowAnonymous: allowAnonymous,
			}
			if authCfg.JWTSecret == "" && !allowAnonymous {
				return fmt.Errorf("QUESTLINE_JWT_SECRET is required for bearer auth (or pass --allow-anonymous)")
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
			fmt.Printf("Serving Questline API on http://%s%s (OpenAPI at /openapi.json, Swagger UI at /docs)\n", addr, basePath)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8080", "listen address")
	cmd.Flags().StringVar(&basePath, "base-path", "/v0", "API base path")
	cmd.Flags().BoolVar(&allowAnonymous, "allow-anonymous", false, "allow unauthenticated requests as a local actor")
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
	_, cfg, err := app.ResolveTeamAndConfig(ctx, workspace, viper.GetString("team"), r)
	if err != nil {
		return err
	}
	e := engine.New(conn, cfg)
	return fn(ctx, e)
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
	r := repo.Repo{DB: conn}
	return fn(ctx, r)
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

func renderSnapshot(snap readiness.Snapshot) {
	keys := make([]string, 0, len(snap.Quests))
	for key := range snap.Quests {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	tw.AppendHeader(table.Row{"Quest", "Status", "Level", "Source", "Last Seen"})
	for _, key := range keys {
		entry := snap.Quests[key]
		tw.AppendRow(table.Row{key, entry.Status, entry.Level, entry.CompletionSource, entry.LastSeenAt})
	}
	tw.Render()
	fmt.Printf("Computed from scan run %s at %s\n", snap.ComputedFromScanRunID, snap.UpdatedAt)
}
