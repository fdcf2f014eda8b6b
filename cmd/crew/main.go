// Copyright 2026 © The Kairos Authors
// SPDX-License-Identifier: Apache-2.0

// Package main implements the crew CLI: it serves the chat gateway and
// inspects the crew configuration and its completion host.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/jllopis/crew/internal/app"
	"github.com/jllopis/crew/pkg/config"
	"github.com/jllopis/crew/pkg/llm"
)

type globalFlags struct {
	ConfigArgs []string
	JSON       bool
	Help       bool
}

type checkResult struct {
	Host      string          `json:"host"`
	Reachable bool            `json:"reachable"`
	Models    []llm.ModelInfo `json:"models,omitempty"`
	Missing   []string        `json:"missing,omitempty"`
	Error     string          `json:"error,omitempty"`
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	global, args, err := parseGlobalFlags(os.Args[1:])
	if err != nil {
		fatal(err)
	}
	if global.Help {
		printUsage()
		return
	}

	cmd := "serve"
	if len(args) > 0 {
		cmd = args[0]
		args = args[1:]
	}

	switch cmd {
	case "help":
		printUsage()
		return
	case "version":
		fmt.Println(app.Version)
		return
	}

	if err := config.LoadEnvFiles(); err != nil {
		fatal(err)
	}
	cfg, err := config.LoadWithCLI(global.ConfigArgs)
	if err != nil {
		fatal(err)
	}

	switch cmd {
	case "serve":
		ensureNoArgs(args)
		runServe(ctx, global, cfg)
	case "check":
		ensureNoArgs(args)
		if !runCheck(ctx, os.Stdout, global, cfg) {
			os.Exit(1)
		}
	case "config":
		ensureNoArgs(args)
		if err := runConfig(os.Stdout, cfg); err != nil {
			fatal(err)
		}
	default:
		fatal(fmt.Errorf("unknown command %q", cmd))
	}
}

func parseGlobalFlags(args []string) (globalFlags, []string, error) {
	var flags globalFlags
	for i := 0; i < len(args); i++ {
		arg := args[i]
		if arg == "--" {
			return flags, args[i+1:], nil
		}
		if !strings.HasPrefix(arg, "-") {
			return flags, args[i:], nil
		}
		switch {
		case arg == "-h" || arg == "--help":
			flags.Help = true
			return flags, nil, nil
		case arg == "--json":
			flags.JSON = true
		case arg == "--config", arg == "--profile", arg == "--env", arg == "--set":
			if i+1 >= len(args) {
				return flags, nil, fmt.Errorf("missing value for %s", arg)
			}
			flags.ConfigArgs = append(flags.ConfigArgs, arg, args[i+1])
			i++
		case strings.HasPrefix(arg, "--config="),
			strings.HasPrefix(arg, "--profile="),
			strings.HasPrefix(arg, "--env="),
			strings.HasPrefix(arg, "--set="):
			flags.ConfigArgs = append(flags.ConfigArgs, arg)
		default:
			return flags, nil, fmt.Errorf("unknown global flag %q", arg)
		}
	}
	return flags, nil, nil
}

func runServe(ctx context.Context, flags globalFlags, cfg *config.Config) {
	application, err := app.New(cfg, app.WithGlobalLogger(), app.WithReloader(func() (*config.Config, error) {
		return config.LoadWithCLI(flags.ConfigArgs)
	}))
	if err != nil {
		fatal(fmt.Errorf("create app: %w", err))
	}
	runErr := application.Run(ctx)

	closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := application.Close(closeCtx); err != nil {
		application.Logger().Warn("shutdown incomplete", "error", err)
	}
	if runErr != nil {
		fatal(runErr)
	}
}

// runCheck reports the models installed on the completion host. It returns
// false when the host is unreachable or a crew model is missing.
func runCheck(ctx context.Context, w io.Writer, flags globalFlags, cfg *config.Config) bool {
	result := checkResult{Host: cfg.Ollama.Host}
	installed, missing, err := app.CheckModels(ctx, llm.NewOllama(cfg.Ollama.Host), app.CrewModels(app.DefaultCrew, cfg), cfg.Ollama.CheckTimeout)
	if err != nil {
		result.Error = err.Error()
	} else {
		result.Reachable = true
		result.Models = installed
		result.Missing = missing
	}

	if flags.JSON {
		printJSON(w, result)
		return result.Reachable && len(result.Missing) == 0
	}

	if !result.Reachable {
		fmt.Fprintf(w, "Failed to connect to Ollama at %s: %s\n", result.Host, result.Error)
		return false
	}
	fmt.Fprintf(w, "Successfully connected to Ollama at %s\n", result.Host)
	tw := tabwriter.NewWriter(w, 0, 2, 2, ' ', 0)
	fmt.Fprintln(tw, "MODEL\tSIZE\tMODIFIED")
	for _, m := range result.Models {
		fmt.Fprintf(tw, "%s\t%d\t%s\n", m.Name, m.Size, m.ModifiedAt)
	}
	_ = tw.Flush()
	if len(result.Missing) > 0 {
		fmt.Fprintf(w, "Missing crew models: %s\n", strings.Join(result.Missing, ", "))
		return false
	}
	return true
}

// runConfig prints the effective configuration and the crew definition.
func runConfig(w io.Writer, cfg *config.Config) error {
	steps, err := app.BuildSteps(app.DefaultCrew, cfg, llm.NewOllama(cfg.Ollama.Host))
	if err != nil {
		return err
	}
	doc := cfg.Map()
	doc["crew"] = app.DescribeSteps(steps)
	if len(cfg.Sources) > 0 {
		doc["sources"] = cfg.Sources
	}
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(doc); err != nil {
		return err
	}
	return enc.Close()
}

func printJSON(w io.Writer, v any) {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		fatal(err)
	}
}

func printUsage() {
	fmt.Println(`crew - sequential multi-agent chat gateway

Usage:
  crew [global flags] [command]

Global flags:
  --config <path>      Path to config.yaml
  --profile <name>     Overlay config.<name>.yaml (alias --env)
  --set key=value      Override config (repeatable)
  --json               JSON output (check)

Commands:
  serve                Serve POST /chat (default)
  check                List models on the Ollama host and report missing crew models
  config               Print the effective configuration and crew definition
  version              Print the version

CREW_* variables override the config; .env.local and .env are read first.`)
}

func fatal(err error) {
	fmt.Fprintln(os.Stderr, err)
	os.Exit(1)
}

func ensureNoArgs(args []string) {
	if len(args) > 0 {
		fatal(fmt.Errorf("unexpected args: %v", args))
	}
}
