package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"atelier/pkg/graph"
	"atelier/pkg/persistence"
	"atelier/pkg/proto"
	"atelier/pkg/utils"
)

const maxInterrupts = 20

func runCmd() *cobra.Command {
	var (
		file            string
		userID          string
		sessionID       string
		answersPath     string
		auto            bool
		skipReview      bool
		skipCalibration bool
	)
	cmd := &cobra.Command{
		Use:   "run [brief]",
		Short: "Start a session from a design brief",
		Long: `Start a workflow session. The brief is taken from the argument, from --file,
or from stdin when neither is given. Interrupts are answered from --answers,
with defaults under --auto, or interactively on a terminal; otherwise the
session stays paused and can be continued with "atelier resume".`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			brief, err := readBrief(args, file, cmd.InOrStdin())
			if err != nil {
				return err
			}
			answers, err := loadAnswers(answersPath)
			if err != nil {
				return err
			}
			initial := map[string]any{proto.KeyUserInput: brief}
			if skipReview {
				initial[proto.FlagSkipUnifiedReview] = true
			}
			if skipCalibration {
				initial[proto.FlagSkipCalibration] = true
			}

			w := cmd.OutOrStdout()
			return withApp(cmd.Context(), func(ctx context.Context, a *app) error {
				if err := a.watchPrompts(ctx); err != nil {
					return err
				}
				out, err := a.engine.Start(ctx, initial, graph.StartOptions{SessionID: sessionID, UserID: userID})
				if err != nil {
					return err
				}
				out, err = drive(ctx, a.engine, out, newResponder(answers, auto, cmd.InOrStdin(), w), w)
				if err != nil {
					return err
				}
				return printOutcome(w, out)
			})
		},
	}
	cmd.Flags().StringVarP(&file, "file", "f", "", "read the brief from a file")
	cmd.Flags().StringVar(&userID, "user", "", "user id recorded on the session")
	cmd.Flags().StringVar(&sessionID, "session", "", "session id (generated when empty)")
	cmd.Flags().StringVar(&answersPath, "answers", "", "JSON file mapping interaction types to responses")
	cmd.Flags().BoolVar(&auto, "auto", false, "accept the default response for every interrupt")
	cmd.Flags().BoolVar(&skipReview, "skip-review", false, "skip the role and task review")
	cmd.Flags().BoolVar(&skipCalibration, "skip-calibration", false, "skip requirements confirmation")
	return cmd
}

func resumeCmd() *cobra.Command {
	var (
		response    string
		answersPath string
		auto        bool
	)
	cmd := &cobra.Command{
		Use:   "resume <session-id>",
		Short: "Answer the pending interrupt of a session and continue it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			answers, err := loadAnswers(answersPath)
			if err != nil {
				return err
			}
			w := cmd.OutOrStdout()
			return withApp(cmd.Context(), func(ctx context.Context, a *app) error {
				if err := a.watchPrompts(ctx); err != nil {
					return err
				}
				sess, err := a.engine.Session(ctx, args[0])
				if err != nil {
					return err
				}
				if sess.Status != persistence.StatusWaitingForInput {
					return fmt.Errorf("session %s is %s: %w", sess.SessionID, sess.Status, graph.ErrNoPendingInterrupt)
				}
				pending := &graph.Outcome{
					SessionID:   sess.SessionID,
					Status:      sess.Status,
					CurrentNode: sess.CurrentNode,
					Interrupt:   sess.InterruptPayload,
				}

				r := newResponder(answers, auto, cmd.InOrStdin(), w)
				if response != "" {
					resp, _, err := parseResponse(interactionKind(pending.Interrupt), response)
					if err != nil {
						return err
					}
					if pending, err = a.engine.Resume(ctx, sess.SessionID, resp); err != nil {
						return err
					}
				}
				out, err := drive(ctx, a.engine, pending, r, w)
				if err != nil {
					return err
				}
				return printOutcome(w, out)
			})
		},
	}
	cmd.Flags().StringVarP(&response, "response", "r", "", "response to the pending interrupt (action name or JSON)")
	cmd.Flags().StringVar(&answersPath, "answers", "", "JSON file mapping interaction types to responses")
	cmd.Flags().BoolVar(&auto, "auto", false, "accept the default response for every interrupt")
	return cmd
}

// drive answers interrupts until the session terminates or the responder pauses.
func drive(ctx context.Context, e *graph.Engine, out *graph.Outcome, r *responder, w io.Writer) (*graph.Outcome, error) {
	for i := 0; out.Status == persistence.StatusWaitingForInput; i++ {
		if i >= maxInterrupts {
			return out, fmt.Errorf("session %s: more than %d interrupts", out.SessionID, maxInterrupts)
		}
		printInterrupt(w, out.Interrupt)
		resp, ok, err := r.respond(interactionKind(out.Interrupt))
		if err != nil {
			return out, err
		}
		if !ok {
			return out, nil
		}
		if out, err = e.Resume(ctx, out.SessionID, resp); err != nil {
			return nil, err
		}
	}
	return out, nil
}

func interactionKind(payload any) string {
	return utils.AsString(utils.AsMap(payload)["interaction_type"])
}

func readBrief(args []string, file string, stdin io.Reader) (string, error) {
	var brief string
	switch {
	case len(args) == 1:
		brief = args[0]
	case file != "":
		raw, err := os.ReadFile(file)
		if err != nil {
			return "", fmt.Errorf("read brief: %w", err)
		}
		brief = string(raw)
	default:
		raw, err := io.ReadAll(stdin)
		if err != nil {
			return "", fmt.Errorf("read brief from stdin: %w", err)
		}
		brief = string(raw)
	}
	brief = strings.TrimSpace(brief)
	if brief == "" {
		return "", errors.New("empty brief")
	}
	return brief, nil
}
