// Command friendsbar runs the Friends Bar round-robin dialogue or reports
// the state of a previous run.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"

	"go.uber.org/zap"

	"github.com/bayred/friends-bar/internal/orchestrator"
	"github.com/bayred/friends-bar/internal/runstate"
)

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	if len(args) == 0 {
		usage()
		return 1
	}
	switch args[0] {
	case "run":
		return runDialogue(args[1:])
	case "status":
		return runStatus(args[1:])
	case "-h", "--help", "help":
		usage()
		return 0
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n", args[0])
		usage()
		return 1
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, `usage:
  friendsbar run [flags] <user request>
  friendsbar status <run log dir>`)
}

func runDialogue(args []string) int {
	fs := flag.NewFlagSet("run", flag.ContinueOnError)
	rounds := fs.Int("rounds", 0, "total turns (default from config)")
	startAgent := fs.String("start-agent", "", "first agent (id, display name, or provider alias)")
	projectPath := fs.String("project", "", "agent working directory (default cwd)")
	useSession := fs.Bool("session", false, "reuse provider sessions")
	noSession := fs.Bool("no-session", false, "force sessions off")
	stream := fs.Bool("stream", true, "stream provider output")
	timeoutLevel := fs.String("timeout-level", "", "quick|standard|complex")
	configPath := fs.String("config", "config.toml", "config file path")
	seed := fs.Uint("seed", 0, "deterministic 32-bit seed (0 = random)")
	dryRun := fs.Bool("dry-run", false, "build prompts without provider calls")
	dumpPrompt := fs.Bool("dump-prompt", false, "record full prompts in the audit log")
	debug := fs.Bool("debug", false, "enable debug diagnostics")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	if fs.NArg() == 0 {
		fmt.Fprintln(os.Stderr, "user request is required")
		return 1
	}
	userRequest := fs.Arg(0)

	log := zap.NewNop()
	if *debug {
		if dev, err := zap.NewDevelopment(); err == nil {
			log = dev
			defer func() { _ = log.Sync() }()
		}
	}

	params := orchestrator.Params{
		UserRequest:  userRequest,
		Rounds:       *rounds,
		StartAgent:   *startAgent,
		ProjectPath:  *projectPath,
		TimeoutLevel: *timeoutLevel,
		ConfigPath:   *configPath,
		DryRun:       *dryRun,
		DumpPrompt:   *dumpPrompt,
	}
	params.Stream = stream
	switch {
	case *noSession:
		off := false
		params.UseSession = &off
	case *useSession:
		on := true
		params.UseSession = &on
	}
	if *seed != 0 {
		s := uint32(*seed)
		params.Seed = &s
	}

	result, err := orchestrator.New(log).Run(context.Background(), params)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	out, _ := json.MarshalIndent(result, "", "  ")
	fmt.Println(string(out))
	return 0
}

func runStatus(args []string) int {
	if len(args) != 1 {
		fmt.Fprintln(os.Stderr, "usage: friendsbar status <run log dir>")
		return 1
	}
	snap, err := runstate.Load(args[0])
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	out, _ := json.MarshalIndent(snap, "", "  ")
	fmt.Println(string(out))
	return 0
}
