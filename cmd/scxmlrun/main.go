// Command scxmlrun loads an SCXML document and runs it to termination.
// Runtime expression errors stay inside the state machine as SCXML error
// events; the process exits non-zero only when startup fails.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	scxml "github.com/agentflare-ai/scxml-go"
	"github.com/agentflare-ai/scxml-go/expr"
	"github.com/agentflare-ai/scxml-go/exprmodel"
	"github.com/agentflare-ai/scxml-go/reader"
)

// evalLiteral evaluates an expression with no variables in scope, enough
// for the literal grammar used in run configurations.
func evalLiteral(src string) (scxml.Value, error) {
	nodes, err := expr.Parse(src)
	if err != nil {
		return scxml.None, err
	}
	env := &expr.Env{Scope: expr.NewScope(), Actions: scxml.NewActionRegistry()}
	out := env.EvalList(nodes)
	if out.IsError() {
		return scxml.None, fmt.Errorf("%s", out.Str())
	}
	return out, nil
}

// RunConfig is the optional YAML configuration for a run: seed data and a
// script of external events to inject.
type RunConfig struct {
	// Data seeds variables into the data model before document binding.
	// Values are literal expressions of the bundled expression language,
	// evaluated against an empty scope whatever --datamodel selects.
	Data map[string]string `yaml:"data"`

	// Events are injected in order after the session starts.
	Events []EventSpec `yaml:"events"`
}

// EventSpec is one scripted external event.
type EventSpec struct {
	Name  string `yaml:"name"`
	Data  string `yaml:"data"`  // optional literal expression, evaluated like RunConfig.Data values
	After string `yaml:"after"` // optional wait before injection, e.g. "50ms"
}

func main() {
	var (
		configPath string
		dataModel  string
		timeout    time.Duration
		verbose    bool
	)

	rootCmd := &cobra.Command{
		Use:   "scxmlrun <document.scxml>",
		Short: "Run an SCXML state chart to termination",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), args[0], configPath, dataModel, timeout, verbose)
		},
	}
	f := rootCmd.Flags()
	f.StringVar(&configPath, "config", "", "YAML run configuration (seed data, scripted events)")
	f.StringVar(&dataModel, "datamodel", "", "override the document's datamodel attribute")
	f.DurationVar(&timeout, "timeout", 30*time.Second, "maximum session runtime")
	f.BoolVar(&verbose, "verbose", false, "debug logging")

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func run(ctx context.Context, path, configPath, dataModel string, timeout time.Duration, verbose bool) error {
	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	exprmodel.Register()

	doc, err := reader.Load(path)
	if err != nil {
		return fmt.Errorf("loading %s: %w", path, err)
	}

	var cfg RunConfig
	if configPath != "" {
		raw, err := os.ReadFile(configPath)
		if err != nil {
			return fmt.Errorf("reading config: %w", err)
		}
		if err := yaml.Unmarshal(raw, &cfg); err != nil {
			return fmt.Errorf("parsing config: %w", err)
		}
	}

	// Seed data and scripted event payloads are literal expressions; they
	// are evaluated against an empty scope before the session starts.
	seed := make(map[string]scxml.Value, len(cfg.Data))
	for id, expression := range cfg.Data {
		v, err := evalLiteral(expression)
		if err != nil {
			return fmt.Errorf("seed data %q: %w", id, err)
		}
		seed[id] = v
	}

	opts := []scxml.Option{
		scxml.WithLogger(logger),
		scxml.WithInitialData(seed),
		scxml.WithInvokeLoader(func(ctx context.Context, src string) (*scxml.Document, error) {
			return reader.Load(src)
		}),
	}
	if dataModel != "" {
		opts = append(opts, scxml.WithDataModelName(dataModel))
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	session, err := scxml.Start(ctx, doc, opts...)
	if err != nil {
		return fmt.Errorf("starting session: %w", err)
	}
	defer session.Stop(context.Background())

	go func() {
		for _, spec := range cfg.Events {
			if spec.After != "" {
				d, err := time.ParseDuration(spec.After)
				if err != nil {
					logger.Warn("bad event delay", "event", spec.Name, "after", spec.After)
				} else {
					select {
					case <-time.After(d):
					case <-ctx.Done():
						return
					}
				}
			}
			ev := &scxml.Event{Name: spec.Name}
			if spec.Data != "" {
				if v, err := evalLiteral(spec.Data); err == nil {
					ev.Data = v
				} else {
					logger.Warn("bad event data", "event", spec.Name, "error", err)
				}
			}
			if err := session.Send(ctx, ev); err != nil {
				return
			}
		}
	}()

	if err := session.Await(ctx); err != nil {
		logger.Info("session did not terminate", "error", err, "configuration", session.Configuration())
		return nil
	}
	if done := session.DoneEvent(); done != nil {
		logger.Info("session terminated", "done", done.Name)
	} else {
		logger.Info("session cancelled")
	}
	return nil
}
