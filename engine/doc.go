// Package engine implements an execution runtime for LLM coding agents.
//
// It pairs a language model with developer tools and runs the agent loop:
// call the model, execute the tool calls it requests, feed the results back,
// and repeat until the model answers without tools.
//
// # Architecture
//
// The package is organized around these core concepts:
//
//   - Session: The turn orchestrator. Owns the loop, converts history to
//     transport messages, and dispatches tool calls.
//   - PermissionEngine: Gates every tool call by mode (default, plan,
//     bypass), hook verdicts, and an external confirmation channel.
//   - ReversionEngine: Snapshots files before mutation so a history rewind
//     restores them.
//   - TaskRegistry: Tracks background shell commands and subagent runs,
//     including adopting a live foreground process without restarting it.
//   - ToolRegistry: Resolves, validates, and executes tools through the
//     permission and reversion pipeline.
//   - SubagentCoordinator: Runs scoped delegated agents that share the
//     parent's permission mode and task registry.
//   - History: The append-only conversation record; Truncate rewinds it and
//     undoes the removed messages' file mutations.
//
// # Quick Start
//
//	env := engine.NewLocalEnvironment("/path/to/project")
//	perms := engine.NewPermissionEngine(engine.ModeDefault, "", nil, nil)
//	reversion := engine.NewReversionEngine(env, nil)
//	tools := engine.NewToolRegistry(nil)
//	engine.RegisterBuiltinTools(tools)
//
//	session := engine.NewSession(engine.SessionConfig{
//	    Client:      client,
//	    Tools:       tools,
//	    Permissions: perms,
//	    Reversion:   reversion,
//	    Tasks:       engine.NewTaskRegistry(nil),
//	    Env:         env,
//	    History:     engine.NewHistory(reversion, nil, nil),
//	})
//
//	final, err := session.SendMessage(ctx, "Create a hello.py file")
package engine
