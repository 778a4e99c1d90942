package main

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/agentworkforce/fieldqueue/internal/submission"
)

var errRejected = errors.New("application rejected")

type submitView struct {
	submission.Result
	Documents []pushView `json:"documents,omitempty"`
}

func newSubmitCmd(c *cli) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "submit <draft-id>",
		Short: "Validate and submit a draft, or queue it when offline",
		Args:  cobra.ExactArgs(1),
		RunE:  c.submit,
	}
	cmd.Flags().Bool("allow-missing", false, "submit even when required documents are missing")
	return cmd
}

func (c *cli) submit(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	allowMissing, _ := cmd.Flags().GetBool("allow-missing")
	if !allowMissing {
		missing, err := c.app.Documents.MissingRequired(ctx, args[0])
		if err != nil {
			return err
		}
		if len(missing) > 0 {
			return fmt.Errorf("required documents missing: %v", missing)
		}
	}

	online, disconnect := c.connect(ctx)
	defer disconnect()
	result, err := c.app.Gate.Submit(ctx, args[0])
	if err != nil {
		return err
	}

	// Accepted while online: push the cached documents now instead of
	// waiting for their queued uploads.
	var uploads []pushView
	if result.Outcome == submission.OutcomeAccepted && online {
		results, err := c.app.Documents.UploadDocumentsToRemote(ctx, result.ApplicationID)
		if err != nil {
			writeLine(cmd.ErrOrStderr(), "%s documents stay queued: %v", warnColor("warning:"), err)
		}
		uploads, _ = pushViews(results)
	}

	out := cmd.OutOrStdout()
	if c.jsonOutput {
		view := submitView{Result: result, Documents: uploads}
		if err := printJSON(out, view); err != nil {
			return err
		}
	} else {
		switch result.Outcome {
		case submission.OutcomeAccepted:
			writeLine(out, "%s %s reference %s", okColor("accepted"), result.ApplicationID, result.ExternalReferenceID)
			printPushViews(out, uploads)
		case submission.OutcomeQueued:
			writeLine(out, "%s %s; validation runs when the remote is reachable", warnColor("queued"), result.ApplicationID)
		case submission.OutcomeInProgress:
			writeLine(out, "%s submission %s", warnColor("in progress"), result.CorrelationID)
		case submission.OutcomeRejected:
			writeLine(out, "%s %s [%s] %s", errColor("rejected"), result.ApplicationID, result.Code, result.Message)
		}
	}
	if result.Outcome == submission.OutcomeRejected {
		return errRejected
	}
	return nil
}
