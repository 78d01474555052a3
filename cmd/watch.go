package cmd

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/JakeFAU/bmie/internal/stream"
)

type watchOptions struct {
	server string
	from   int
	apiKey string
	raw    bool
}

// newWatchCmd creates the 'watch' subcommand, which follows the event stream
// of the run active on a bmie server.
func newWatchCmd() *cobra.Command {
	opts := &watchOptions{}
	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Follows the current run on a bmie server",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return watchRun(cmd, opts, http.DefaultClient)
		},
	}
	cmd.Flags().StringVar(&opts.server, "server", "http://localhost:8080", "bmie server base URL")
	cmd.Flags().IntVar(&opts.from, "from", 0, "first event sequence number to replay")
	cmd.Flags().StringVar(&opts.apiKey, "api-key", "", "server API key")
	cmd.Flags().BoolVar(&opts.raw, "json", false, "print raw NDJSON events")
	return cmd
}

func watchRun(cmd *cobra.Command, opts *watchOptions, client *http.Client) error {
	endpoint, err := url.JoinPath(strings.TrimRight(opts.server, "/"), "v1", "jobs", "current", "events")
	if err != nil {
		return fmt.Errorf("server url: %w", err)
	}
	req, err := http.NewRequestWithContext(cmd.Context(), http.MethodGet, endpoint+"?from="+strconv.Itoa(opts.from), nil)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	if opts.apiKey != "" {
		req.Header.Set("X-API-Key", opts.apiKey)
	}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("connect %s: %w", opts.server, err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4<<10))
		return fmt.Errorf("server returned %s: %s", resp.Status, strings.TrimSpace(string(body)))
	}

	printer := newEventPrinter(cmd.OutOrStdout(), opts.raw)
	err = stream.Decode(resp.Body, func(rec stream.Record) error {
		if rec.Err != nil {
			fmt.Fprintln(cmd.ErrOrStderr(), hintStyle.Render("skipped: "+rec.Err.Error()))
			return nil
		}
		return printer.print(rec.Event)
	})
	if err != nil {
		return fmt.Errorf("read events: %w", err)
	}
	if printer.last == "" {
		return errors.New("stream ended before the run finished")
	}
	if printer.failed() {
		return fmt.Errorf("run ended %s", printer.last)
	}
	return nil
}
