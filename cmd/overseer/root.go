package main

import (
	"bufio"
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/overseer-ai/overseer/config"
	"github.com/overseer-ai/overseer/engine"
	"github.com/overseer-ai/overseer/llm"
)

var version = "dev"

type rootFlags struct {
	configPath string
	mode       string
	planFile   string
	model      string
	prompt     string
	workDir    string
}

func newRootCmd() *cobra.Command {
	flags := &rootFlags{}

	cmd := &cobra.Command{
		Use:   "overseer",
		Short: "An execution runtime for LLM coding agents",
		Long: `Overseer pairs a language model with developer tools and runs the agent
loop: permission-gated tool calls, file snapshots with history rewind,
background tasks, and scoped subagents.`,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), flags)
		},
	}

	cmd.Flags().StringVarP(&flags.configPath, "config", "c", "", "config file path")
	cmd.Flags().StringVar(&flags.mode, "mode", "", "permission mode: default, plan, or bypass")
	cmd.Flags().StringVar(&flags.planFile, "plan-file", "", "plan file path for plan mode")
	cmd.Flags().StringVarP(&flags.model, "model", "m", "", "model id")
	cmd.Flags().StringVarP(&flags.prompt, "prompt", "p", "", "run a single prompt and exit")
	cmd.Flags().StringVarP(&flags.workDir, "workdir", "w", "", "working directory")

	cmd.AddCommand(newVersionCmd())
	cmd.AddCommand(&cobra.Command{
		Use:          "run",
		Short:        "Start an interactive session",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), flags)
		},
	})
	return cmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println("overseer", version)
		},
	}
}

func run(ctx context.Context, flags *rootFlags) error {
	_ = godotenv.Load()

	cfg, err := config.Load(flags.configPath)
	if err != nil {
		return err
	}
	if flags.mode != "" {
		cfg.PermissionMode = flags.mode
	}
	if flags.planFile != "" {
		cfg.PlanFile = flags.planFile
	}
	if flags.model != "" {
		cfg.Model = flags.model
	}
	if flags.workDir != "" {
		cfg.WorkingDir = flags.workDir
	}
	if cfg.WorkingDir == "" {
		cfg.WorkingDir, _ = os.Getwd()
	}

	logger := newLogger(cfg.LogLevel)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	rt, err := buildRuntime(cfg, logger)
	if err != nil {
		return err
	}
	defer rt.tasks.Cleanup()
	defer rt.emitter.Close()

	go printEvents(rt.emitter)

	if flags.prompt != "" {
		final, err := rt.session.SendMessage(ctx, flags.prompt)
		if err != nil {
			return err
		}
		fmt.Println(final.Text())
		return nil
	}
	return repl(ctx, rt)
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch strings.ToLower(level) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}

// runtime bundles the wired collaborators for one interactive session.
type runtime struct {
	session *engine.Session
	tasks   *engine.TaskRegistry
	perms   *engine.PermissionEngine
	emitter *engine.EventEmitter
}

func buildRuntime(cfg *config.Config, logger *slog.Logger) (*runtime, error) {
	env := engine.NewLocalEnvironment(cfg.WorkingDir)
	reversion := engine.NewReversionEngine(env, logger)
	tasks := engine.NewTaskRegistry(logger)
	hooks := engine.NewHookRunner(cfg.Hooks, cfg.WorkingDir, logger)
	perms := engine.NewPermissionEngine(cfg.Mode(), cfg.PlanFile, terminalConfirm, logger)

	sessionID := uuid.New().String()
	log, err := engine.NewSessionLog(cfg.SessionDir, sessionID, engine.SessionPrimary)
	if err != nil {
		return nil, err
	}
	history := engine.NewHistory(reversion, log, logger)
	emitter := engine.NewEventEmitter(sessionID, 256)

	tools := engine.NewToolRegistry(logger)
	engine.RegisterBuiltinTools(tools)

	client, err := llm.NewGollmClient(cfg.Provider,
		llm.WithModel(cfg.Model),
		llm.WithAPIKey(cfg.APIKey),
		llm.WithMaxTokens(cfg.MaxTokens),
	)
	if err != nil {
		return nil, err
	}
	retrying := llm.WithRetry(client, llm.DefaultRetryPolicy())

	subagents := engine.NewSubagentCoordinator(engine.SubagentCoordinatorConfig{
		Configs:     cfg.Subagents,
		Client:      retrying,
		Tools:       tools,
		Permissions: perms,
		Reversion:   reversion,
		Tasks:       tasks,
		Env:         env,
		Hooks:       hooks,
		Parent:      history,
		Emitter:     emitter,
		SessionDir:  cfg.SessionDir,
		Model:       cfg.Model,
		Logger:      logger,
	})

	// A rewound history must stop the background subagent tasks it removes.
	history.OnSubagentTaskStopRequested(func(taskID string) {
		if err := tasks.StopTask(taskID); err != nil {
			logger.Debug("subagent task stop on rewind", "task_id", taskID, "error", err)
		}
	})

	tokens, err := engine.NewTokenCounter(cfg.Model)
	if err != nil {
		logger.Warn("token counter unavailable", "error", err)
	}

	session := engine.NewSession(engine.SessionConfig{
		ID:            sessionID,
		Client:        retrying,
		Model:         cfg.Model,
		SystemPrompt:  cfg.SystemPrompt,
		MaxRounds:     cfg.MaxRounds,
		ContextWindow: cfg.ContextWindow,
		Tools:         tools,
		Permissions:   perms,
		Reversion:     reversion,
		Tasks:         tasks,
		Subagents:     subagents,
		Env:           env,
		Hooks:         hooks,
		History:       history,
		Emitter:       emitter,
		Tokens:        tokens,
		Logger:        logger,
		WorkingDir:    cfg.WorkingDir,
	})

	return &runtime{session: session, tasks: tasks, perms: perms, emitter: emitter}, nil
}

// terminalConfirm prompts on the terminal for an "ask" permission decision.
func terminalConfirm(ctx context.Context, req engine.PermissionRequest, reason string) (bool, error) {
	if reason != "" {
		fmt.Printf("\n%s\n", reason)
	}
	fmt.Printf("Allow %s? [y/N] ", req.Tool)
	reader := bufio.NewReader(os.Stdin)
	line, err := reader.ReadString('\n')
	if err != nil {
		return false, err
	}
	answer := strings.ToLower(strings.TrimSpace(line))
	return answer == "y" || answer == "yes", nil
}

func printEvents(emitter *engine.EventEmitter) {
	for ev := range emitter.Events() {
		switch ev.Kind {
		case engine.EventAssistantText:
			// Printed from the final message by the REPL.
		case engine.EventToolCallStart:
			fmt.Printf("  → %v\n", ev.Data["tool"])
		case engine.EventWarning:
			fmt.Printf("  ! %v\n", ev.Data["reason"])
		case engine.EventRoundLimit:
			fmt.Printf("  ! tool round limit reached\n")
		}
	}
}

func repl(ctx context.Context, rt *runtime) error {
	fmt.Println("overseer", version, "- /help for commands")
	scanner := bufio.NewScanner(os.Stdin)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	for {
		fmt.Print("> ")
		if !scanner.Scan() {
			return scanner.Err()
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if strings.HasPrefix(line, "/") {
			if quit := command(rt, line); quit {
				return nil
			}
			continue
		}

		final, err := rt.session.SendMessage(ctx, line)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			fmt.Fprintln(os.Stderr, "error:", err)
			continue
		}
		fmt.Println(final.Text())
	}
}

// command handles a slash command. Returns true on /quit.
func command(rt *runtime, line string) bool {
	fields := strings.Fields(line)
	switch fields[0] {
	case "/quit", "/exit":
		return true
	case "/help":
		fmt.Println(`/mode <default|plan|bypass> [plan-file]  change permission mode
/rewind <index>                          truncate history at index
/tasks                                   list background tasks
/bg                                      move the running command to the background
/quit                                    exit`)
	case "/mode":
		if len(fields) < 2 {
			mode, planFile := rt.perms.Mode()
			fmt.Printf("mode: %s", mode)
			if mode == engine.ModePlan {
				fmt.Printf(" (plan file: %s)", planFile)
			}
			fmt.Println()
			return false
		}
		planFile := ""
		if len(fields) > 2 {
			planFile = fields[2]
		}
		rt.perms.SetMode(engine.PermissionMode(fields[1]), planFile)
	case "/rewind":
		if len(fields) < 2 {
			fmt.Println("usage: /rewind <index>")
			return false
		}
		index, err := strconv.Atoi(fields[1])
		if err != nil {
			fmt.Println("usage: /rewind <index>")
			return false
		}
		restored, err := rt.session.History().Truncate(index)
		if err != nil {
			fmt.Fprintln(os.Stderr, "rewind:", err)
			return false
		}
		fmt.Printf("rewound to %d, restored %d file(s)\n", index, restored)
	case "/tasks":
		tasksList := rt.tasks.List()
		if len(tasksList) == 0 {
			fmt.Println("no tasks")
			return false
		}
		for _, t := range tasksList {
			fmt.Printf("%s  %-9s %s\n", t.ID, t.Status(), t.Kind)
		}
	case "/bg":
		rt.session.MoveToBackground()
	default:
		fmt.Println("unknown command; /help for commands")
	}
	return false
}
