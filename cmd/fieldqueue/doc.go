package main

import (
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/agentworkforce/fieldqueue/internal/documents"
)

func newDocCmd(c *cli) *cobra.Command {
	cmd := &cobra.Command{Use: "doc", Short: "Manage an application's document checklist"}
	cmd.AddCommand(&cobra.Command{Use: "list <application-id>", Short: "Show the document checklist", Args: cobra.ExactArgs(1), RunE: c.docList})
	attach := &cobra.Command{Use: "attach <application-id> <document-id> <path>", Short: "Cache a file and queue its upload", Args: cobra.ExactArgs(3), RunE: c.docAttach}
	attach.Flags().String("content-type", "", "content type (detected when empty)")
	cmd.AddCommand(attach)
	cmd.AddCommand(&cobra.Command{Use: "remove <application-id> <document-id>", Short: "Clear a document slot", Args: cobra.ExactArgs(2), RunE: c.docRemove})
	cmd.AddCommand(&cobra.Command{Use: "push <application-id>", Short: "Upload every cached document now", Args: cobra.ExactArgs(1), RunE: c.docPush})
	return cmd
}

func (c *cli) docList(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	items, err := c.app.Documents.Items(ctx, args[0])
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	if c.jsonOutput {
		return printJSON(out, items)
	}
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "DOCUMENT\tREQUIRED\tSTATUS\tFILE\tREMOTE")
	for _, item := range items {
		required := ""
		if item.Required {
			required = "yes"
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", item.ID, dash(required), itemLabel(item), dash(item.FileName), dash(item.RemoteURL))
	}
	if err := tw.Flush(); err != nil {
		return err
	}
	missing, err := c.app.Documents.MissingRequired(ctx, args[0])
	if err != nil {
		return err
	}
	if len(missing) > 0 {
		writeLine(out, "%s %s", warnColor("missing:"), strings.Join(missing, ", "))
	}
	return nil
}

func (c *cli) docAttach(cmd *cobra.Command, args []string) error {
	path := args[2]
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read %s: %w", path, err)
	}
	contentType, _ := cmd.Flags().GetString("content-type")
	if contentType == "" {
		contentType = http.DetectContentType(data)
	}
	item, err := c.app.Documents.UploadDocument(cmd.Context(), args[0], args[1], documents.File{
		Name:        filepath.Base(path),
		ContentType: contentType,
		Data:        data,
	})
	if err != nil {
		return err
	}
	if c.jsonOutput {
		return printJSON(cmd.OutOrStdout(), item)
	}
	writeLine(cmd.OutOrStdout(), "%s %s (%d bytes, %s), upload queued", okColor("attached"), item.ID, item.Size, item.ContentType)
	return nil
}

func (c *cli) docRemove(cmd *cobra.Command, args []string) error {
	item, err := c.app.Documents.RemoveDocument(cmd.Context(), args[0], args[1])
	if err != nil {
		return err
	}
	writeLine(cmd.OutOrStdout(), "%s %s", okColor("cleared"), item.ID)
	return nil
}

type pushView struct {
	DocumentID string `json:"documentId"`
	URL        string `json:"url,omitempty"`
	Error      string `json:"error,omitempty"`
}

func (c *cli) docPush(cmd *cobra.Command, args []string) error {
	online, disconnect := c.connect(cmd.Context())
	defer disconnect()
	if !online {
		return errOffline
	}
	results, err := c.app.Documents.UploadDocumentsToRemote(cmd.Context(), args[0])
	if err != nil {
		return err
	}
	views, failed := pushViews(results)
	out := cmd.OutOrStdout()
	if c.jsonOutput {
		if err := printJSON(out, views); err != nil {
			return err
		}
	} else {
		if len(views) == 0 {
			writeLine(out, "nothing to upload")
		}
		printPushViews(out, views)
	}
	if failed > 0 {
		return fmt.Errorf("%d of %d uploads failed", failed, len(views))
	}
	return nil
}

func pushViews(results []documents.UploadResult) ([]pushView, int) {
	views := make([]pushView, 0, len(results))
	failed := 0
	for _, result := range results {
		view := pushView{DocumentID: result.DocumentID, URL: result.URL}
		if result.Err != nil {
			view.Error = result.Err.Error()
			failed++
		}
		views = append(views, view)
	}
	return views, failed
}

func printPushViews(out io.Writer, views []pushView) {
	for _, view := range views {
		if view.Error != "" {
			writeLine(out, "%s %s: %s", errColor("failed"), view.DocumentID, view.Error)
			continue
		}
		writeLine(out, "%s %s -> %s", okColor("uploaded"), view.DocumentID, view.URL)
	}
}

func itemLabel(item documents.Item) string {
	switch {
	case item.Uploaded():
		return okColor("uploaded")
	case item.Status == documents.StatusSuccess:
		return warnColor("cached")
	case item.Status == documents.StatusError:
		return errColor("error: " + item.Error)
	case item.Status == documents.StatusLoading:
		return warnColor(string(item.Status))
	}
	return dimColor(string(item.Status))
}
