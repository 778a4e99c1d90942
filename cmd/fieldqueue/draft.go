package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/agentworkforce/fieldqueue/internal/drafts"
)

func newDraftCmd(c *cli) *cobra.Command {
	cmd := &cobra.Command{Use: "draft", Short: "Read and write application drafts"}
	show := &cobra.Command{Use: "show <draft-id>", Short: "Show a draft", Args: cobra.ExactArgs(1), RunE: c.draftShow}
	show.Flags().Bool("remote", false, "reconcile with the remote copy before showing")
	cmd.AddCommand(show)
	save := &cobra.Command{Use: "save <draft-id>", Short: "Save draft fields and queue the remote update", Args: cobra.ExactArgs(1), RunE: c.draftSave}
	save.Flags().String("fields", "", "draft fields as a JSON object")
	save.Flags().String("file", "", "read draft fields from a JSON file")
	cmd.AddCommand(save)
	return cmd
}

type draftView struct {
	Draft      drafts.Record     `json:"draft"`
	Resolution drafts.Resolution `json:"resolution,omitempty"`
}

func (c *cli) draftShow(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	useRemote, _ := cmd.Flags().GetBool("remote")
	view := draftView{}
	if useRemote {
		_, disconnect := c.connect(ctx)
		defer disconnect()
		record, resolution, err := c.app.Drafts.Load(ctx, args[0])
		if err != nil {
			return err
		}
		view = draftView{Draft: record, Resolution: resolution}
	} else {
		record, err := c.app.Drafts.Get(ctx, args[0])
		if err != nil {
			return err
		}
		view.Draft = record
	}

	out := cmd.OutOrStdout()
	if c.jsonOutput {
		return printJSON(out, view)
	}
	writeLine(out, "draft %s", view.Draft.ID)
	writeLine(out, "  updated  %s", view.Draft.LastLocalUpdate.Format(time.RFC3339))
	if view.Draft.LastSyncedAt != nil {
		writeLine(out, "  synced   %s", okColor(view.Draft.LastSyncedAt.Format(time.RFC3339)))
	} else {
		writeLine(out, "  synced   %s", warnColor("never"))
	}
	if view.Resolution != "" {
		writeLine(out, "  resolved %s", view.Resolution)
	}
	var pretty any
	if err := json.Unmarshal(view.Draft.Fields, &pretty); err == nil {
		encoded, _ := json.MarshalIndent(pretty, "  ", "  ")
		writeLine(out, "  fields   %s", encoded)
	}
	return nil
}

func (c *cli) draftSave(cmd *cobra.Command, args []string) error {
	inline, _ := cmd.Flags().GetString("fields")
	path, _ := cmd.Flags().GetString("file")
	var raw []byte
	switch {
	case inline != "" && path != "":
		return errors.New("use either --fields or --file")
	case inline != "":
		raw = []byte(inline)
	case path != "":
		data, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("read %s: %w", path, err)
		}
		raw = data
	default:
		return errors.New("--fields or --file is required")
	}
	record, err := c.app.Drafts.Save(cmd.Context(), args[0], json.RawMessage(raw))
	if err != nil {
		return err
	}
	if c.jsonOutput {
		return printJSON(cmd.OutOrStdout(), record)
	}
	writeLine(cmd.OutOrStdout(), "%s draft %s at %s", okColor("saved"), record.ID, record.LastLocalUpdate.Format(time.RFC3339Nano))
	return nil
}
