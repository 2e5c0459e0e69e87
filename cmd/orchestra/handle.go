package main

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/opentalon/orchestra/internal/app"
	"github.com/opentalon/orchestra/internal/intent"
	"github.com/opentalon/orchestra/internal/toolcall"
	"github.com/opentalon/orchestra/internal/workflow"
)

type handleFlags struct {
	user        string
	session     string
	location    string
	personality string
	pins        map[string]string
	output      string
}

func (f *handleFlags) userContext() intent.UserContext {
	return intent.UserContext{
		UserID:      f.user,
		SessionID:   f.session,
		Location:    f.location,
		Personality: f.personality,
		PinnedTools: f.pins,
	}
}

func (f *handleFlags) register(cmd *cobra.Command) {
	fl := cmd.Flags()
	fl.StringVar(&f.user, "user", "", "user id")
	fl.StringVar(&f.session, "session", "", "session id")
	fl.StringVar(&f.location, "location", "", "default district when the request names none")
	fl.StringVar(&f.personality, "personality", "", "default MBTI type, e.g. INTJ")
	fl.StringToStringVar(&f.pins, "pin", nil, "force a tool per capability, e.g. --pin search=SearchTool")
	fl.StringVarP(&f.output, "output", "o", "text", "output format: text or json")
}

func newHandleCmd(g *globalFlags) *cobra.Command {
	f := &handleFlags{}
	cmd := &cobra.Command{
		Use:   "handle <request>",
		Short: "Run a single request and print the result",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if f.output != "text" && f.output != "json" {
				return fmt.Errorf("--output must be text or json, got %q", f.output)
			}
			cfg, logger, err := g.load(cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			a, err := app.New(ctx, cfg, logger)
			if err != nil {
				return err
			}
			defer func() { _ = a.Close(ctx) }()

			res, err := a.Engine.Handle(ctx, strings.Join(args, " "), f.userContext())
			if err != nil {
				return err
			}
			return writeResult(cmd, f.output, res)
		},
	}
	f.register(cmd)
	return cmd
}

type stepView struct {
	Step         string        `json:"step"`
	Capability   string        `json:"capability"`
	Tool         string        `json:"tool"`
	State        string        `json:"state"`
	UsedFallback bool          `json:"used_fallback,omitempty"`
	Attempts     []attemptView `json:"attempts"`
	Error        string        `json:"error,omitempty"`
}

type attemptView struct {
	Tool    string        `json:"tool"`
	Number  int           `json:"number"`
	Kind    toolcall.Kind `json:"kind,omitempty"`
	Latency time.Duration `json:"latency_ns"`
	Error   string        `json:"error,omitempty"`
}

type resultView struct {
	CorrelationID string                     `json:"correlation_id"`
	Intent        intent.Type                `json:"intent"`
	State         string                     `json:"state"`
	Partial       bool                       `json:"partial"`
	Degraded      []string                   `json:"degraded,omitempty"`
	Summary       string                     `json:"summary"`
	Outputs       map[string]toolcall.Output `json:"outputs"`
	Steps         []stepView                 `json:"steps"`
}

func viewOf(res *workflow.Result) resultView {
	v := resultView{
		CorrelationID: res.CorrelationID,
		Intent:        res.Intent,
		State:         res.State.String(),
		Partial:       res.Partial,
		Degraded:      res.Degraded,
		Summary:       res.Summary,
		Outputs:       res.Outputs,
	}
	for _, s := range res.Steps {
		sv := stepView{
			Step:         s.StepID,
			Capability:   s.Capability,
			Tool:         s.ToolID,
			State:        s.State.String(),
			UsedFallback: s.UsedFallback,
		}
		if s.Err != nil {
			sv.Error = s.Err.Error()
		}
		for _, at := range s.Attempts {
			sv.Attempts = append(sv.Attempts, attemptView{
				Tool: at.ToolID, Number: at.Number, Kind: at.Kind, Latency: at.Latency, Error: at.Error,
			})
		}
		v.Steps = append(v.Steps, sv)
	}
	return v
}

func writeResult(cmd *cobra.Command, format string, res *workflow.Result) error {
	v := viewOf(res)
	if format == "json" {
		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	}
	printf(cmd, "%s (%s)\n", v.Summary, v.Intent)
	for _, s := range v.Steps {
		printf(cmd, "  %-12s %-20s %s", s.Step, s.Tool, s.State)
		if s.UsedFallback {
			printf(cmd, " (fallback)")
		}
		if s.Error != "" {
			printf(cmd, ": %s", s.Error)
		}
		printf(cmd, "\n")
	}
	out, err := json.MarshalIndent(v.Outputs, "", "  ")
	if err != nil {
		return err
	}
	printf(cmd, "%s\n", out)
	return nil
}
