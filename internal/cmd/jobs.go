package cmd

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/3leaps/vidgen/internal/config"
	apperrors "github.com/3leaps/vidgen/internal/errors"
	"github.com/3leaps/vidgen/internal/observability"
	"github.com/3leaps/vidgen/internal/server/handlers"
	"github.com/3leaps/vidgen/pkg/jobregistry"
)

var jobsCmd = &cobra.Command{
	Use:   "jobs",
	Short: "Submit and inspect generation jobs on a running server",
	Long: `Talk to the job control API of a running 'vidgen serve'.

All subcommands accept --server (default http://localhost:8080 or
$VIDGEN_SERVER) and --json for machine readable output.`,
}

var jobsSubmitCmd = &cobra.Command{
	Use:   "submit",
	Short: "Submit a generation job",
	RunE:  runJobsSubmit,
}

var jobsStatusCmd = &cobra.Command{
	Use:   "status <job_id>",
	Short: "Show status for a job",
	Args:  cobra.ExactArgs(1),
	RunE:  runJobsStatus,
}

var jobsStopCmd = &cobra.Command{
	Use:   "stop <job_id>",
	Short: "Stop a queued or running job",
	Args:  cobra.ExactArgs(1),
	RunE:  runJobsStop,
}

var jobsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List known jobs, newest first",
	RunE:  runJobsList,
}

var jobsWatchCmd = &cobra.Command{
	Use:   "watch <job_id>",
	Short: "Poll a job until it finishes",
	Long: `Poll a job and print each progress change until the job reaches a
terminal state. Exits non-zero when the job ends in error or is stopped.`,
	Args: cobra.ExactArgs(1),
	RunE: runJobsWatch,
}

func init() {
	rootCmd.AddCommand(jobsCmd)
	jobsCmd.AddCommand(jobsSubmitCmd, jobsStatusCmd, jobsStopCmd, jobsListCmd, jobsWatchCmd)

	jobsCmd.PersistentFlags().String("server", "", "server base URL (default $VIDGEN_SERVER or http://localhost:8080)")
	jobsCmd.PersistentFlags().Bool("json", false, "Output as JSON")
	jobsCmd.PersistentFlags().Duration("timeout", 30*time.Second, "HTTP request timeout")

	jobsSubmitCmd.Flags().String("image", "", "avatar image: URL or path under the server uploads dir")
	jobsSubmitCmd.Flags().String("text", "", "pitch text to speak")
	jobsSubmitCmd.Flags().String("gender", "", "voice gender")
	jobsSubmitCmd.Flags().String("nationality", "", "voice nationality")
	jobsSubmitCmd.Flags().String("user", "", "owning user id")
	jobsSubmitCmd.Flags().Bool("wait", false, "watch the job after submitting")

	jobsWatchCmd.Flags().Duration("interval", 2*time.Second, "poll interval")
}

// jobsClient calls the job control API.
type jobsClient struct {
	base string
	http *http.Client
}

// apiError is a non-2xx response from the server.
type apiError struct {
	Status int
	Body   apperrors.HTTPError
}

func (e *apiError) Error() string {
	if e.Body.Message == "" {
		return fmt.Sprintf("server returned %d", e.Status)
	}
	return fmt.Sprintf("server returned %d: %s", e.Status, e.Body.Message)
}

func newJobsClient(cmd *cobra.Command) (*jobsClient, error) {
	server, _ := cmd.Flags().GetString("server")
	if server == "" {
		server = defaultServerURL()
	}
	u, err := url.Parse(server)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, exitError(foundry.ExitInvalidArgument, "Invalid --server value", fmt.Errorf("%q is not an absolute URL", server))
	}
	timeout, _ := cmd.Flags().GetDuration("timeout")
	return &jobsClient{
		base: strings.TrimRight(server, "/"),
		http: &http.Client{Timeout: timeout},
	}, nil
}

func defaultServerURL() string {
	prefix := config.DefaultIdentity.EnvPrefix
	if id := GetAppIdentity(); id != nil && id.EnvPrefix != "" {
		prefix = id.EnvPrefix
	}
	if v := strings.TrimSpace(os.Getenv(prefix + "_SERVER")); v != "" {
		return v
	}
	return "http://localhost:8080"
}

func (c *jobsClient) do(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return err
		}
		body = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, body)
	if err != nil {
		return err
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		apiErr := &apiError{Status: resp.StatusCode}
		var env apperrors.HTTPErrorResponse
		if json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&env) == nil {
			apiErr.Body = env.Error
		}
		return apiErr
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func (c *jobsClient) Submit(ctx context.Context, req handlers.SubmitRequest) (string, error) {
	var resp handlers.SubmitResponse
	if err := c.do(ctx, http.MethodPost, "/jobs", req, &resp); err != nil {
		return "", err
	}
	return resp.JobID, nil
}

func (c *jobsClient) Status(ctx context.Context, id string) (*handlers.JobView, error) {
	var view handlers.JobView
	if err := c.do(ctx, http.MethodGet, "/jobs/"+url.PathEscape(id), nil, &view); err != nil {
		return nil, err
	}
	return &view, nil
}

func (c *jobsClient) Stop(ctx context.Context, id string) (string, error) {
	var resp handlers.MessageResponse
	if err := c.do(ctx, http.MethodPost, "/jobs/"+url.PathEscape(id)+"/stop", nil, &resp); err != nil {
		return "", err
	}
	return resp.Message, nil
}

func (c *jobsClient) List(ctx context.Context) ([]handlers.JobView, error) {
	var views []handlers.JobView
	if err := c.do(ctx, http.MethodGet, "/jobs", nil, &views); err != nil {
		return nil, err
	}
	return views, nil
}

// clientExit maps transport and API failures to exit codes.
func clientExit(msg string, err error) error {
	var ae *apiError
	if errors.As(err, &ae) {
		switch ae.Status {
		case http.StatusNotFound:
			return exitError(foundry.ExitFileNotFound, msg, err)
		case http.StatusBadRequest:
			return exitError(foundry.ExitInvalidArgument, msg, err)
		}
	}
	return exitError(foundry.ExitExternalServiceUnavailable, msg, err)
}

func cmdContext(cmd *cobra.Command) context.Context {
	if ctx := cmd.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func runJobsSubmit(cmd *cobra.Command, _ []string) error {
	client, err := newJobsClient(cmd)
	if err != nil {
		return err
	}
	flag := func(name string) string {
		v, _ := cmd.Flags().GetString(name)
		return v
	}
	req := handlers.SubmitRequest{
		InputRef:    flag("image"),
		Text:        flag("text"),
		Gender:      flag("gender"),
		Nationality: flag("nationality"),
		UserID:      flag("user"),
	}

	id, err := client.Submit(cmdContext(cmd), req)
	if err != nil {
		return clientExit("Failed to submit job", err)
	}
	observability.CLILogger.Debug("Job submitted", zap.String("job_id", id))

	if wait, _ := cmd.Flags().GetBool("wait"); wait {
		return watchJob(cmd, client, id, 2*time.Second)
	}
	out := cmd.OutOrStdout()
	if asJSON, _ := cmd.Flags().GetBool("json"); asJSON {
		return writeJSON(out, handlers.SubmitResponse{JobID: id})
	}
	_, _ = fmt.Fprintf(out, "job_id=%s\n", id)
	return nil
}

func runJobsStatus(cmd *cobra.Command, args []string) error {
	client, err := newJobsClient(cmd)
	if err != nil {
		return err
	}
	view, err := client.Status(cmdContext(cmd), strings.TrimSpace(args[0]))
	if err != nil {
		return clientExit("Failed to get job status", err)
	}
	out := cmd.OutOrStdout()
	if asJSON, _ := cmd.Flags().GetBool("json"); asJSON {
		return writeJSON(out, view)
	}
	printJob(out, view)
	return nil
}

func printJob(w io.Writer, v *handlers.JobView) {
	_, _ = fmt.Fprintf(w, "job_id=%s\n", v.JobID)
	_, _ = fmt.Fprintf(w, "status=%s\n", v.Status)
	if v.Progress != "" {
		_, _ = fmt.Fprintf(w, "progress=%s\n", v.Progress)
	}
	if v.ResultURL != "" {
		_, _ = fmt.Fprintf(w, "result_url=%s\n", v.ResultURL)
	}
	if v.Error != "" {
		_, _ = fmt.Fprintf(w, "error=%s\n", v.Error)
	}
	if v.UserID != "" {
		_, _ = fmt.Fprintf(w, "user_id=%s\n", v.UserID)
	}
	if v.ExitCode != nil {
		_, _ = fmt.Fprintf(w, "exit_code=%d\n", *v.ExitCode)
	}
	_, _ = fmt.Fprintf(w, "created_at=%s\n", v.CreatedAt.UTC().Format(time.RFC3339))
	if v.StartedAt != nil {
		_, _ = fmt.Fprintf(w, "started_at=%s\n", v.StartedAt.UTC().Format(time.RFC3339))
	}
	if v.EndedAt != nil {
		_, _ = fmt.Fprintf(w, "ended_at=%s\n", v.EndedAt.UTC().Format(time.RFC3339))
	}
}

func runJobsStop(cmd *cobra.Command, args []string) error {
	client, err := newJobsClient(cmd)
	if err != nil {
		return err
	}
	msg, err := client.Stop(cmdContext(cmd), strings.TrimSpace(args[0]))
	if err != nil {
		return clientExit("Failed to stop job", err)
	}
	out := cmd.OutOrStdout()
	if asJSON, _ := cmd.Flags().GetBool("json"); asJSON {
		return writeJSON(out, handlers.MessageResponse{Message: msg})
	}
	_, _ = fmt.Fprintln(out, msg)
	return nil
}

func runJobsList(cmd *cobra.Command, _ []string) error {
	client, err := newJobsClient(cmd)
	if err != nil {
		return err
	}
	views, err := client.List(cmdContext(cmd))
	if err != nil {
		return clientExit("Failed to list jobs", err)
	}
	out := cmd.OutOrStdout()
	if asJSON, _ := cmd.Flags().GetBool("json"); asJSON {
		return writeJSON(out, views)
	}
	if len(views) == 0 {
		_, _ = fmt.Fprintln(out, "No jobs found")
		return nil
	}

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	defer func() { _ = w.Flush() }()
	_, _ = fmt.Fprintln(w, "JOB ID\tSTATUS\tUSER\tCREATED\tDETAIL")
	for _, v := range views {
		detail := v.Progress
		switch {
		case v.Error != "":
			detail = v.Error
		case v.ResultURL != "":
			detail = v.ResultURL
		}
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
			v.JobID,
			v.Status,
			dash(v.UserID),
			v.CreatedAt.UTC().Format(time.RFC3339),
			dash(detail),
		)
	}
	return nil
}

func dash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

func runJobsWatch(cmd *cobra.Command, args []string) error {
	client, err := newJobsClient(cmd)
	if err != nil {
		return err
	}
	interval, _ := cmd.Flags().GetDuration("interval")
	return watchJob(cmd, client, strings.TrimSpace(args[0]), interval)
}

func watchJob(cmd *cobra.Command, client *jobsClient, id string, interval time.Duration) error {
	if interval <= 0 {
		interval = 2 * time.Second
	}
	asJSON, _ := cmd.Flags().GetBool("json")
	out := cmd.OutOrStdout()
	ctx := cmdContext(cmd)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	var lastStatus, lastProgress string
	for {
		view, err := client.Status(ctx, id)
		if err != nil {
			return clientExit("Failed to poll job", err)
		}
		if view.Status != lastStatus || view.Progress != lastProgress {
			lastStatus, lastProgress = view.Status, view.Progress
			if asJSON {
				if err := json.NewEncoder(out).Encode(view); err != nil {
					return err
				}
			} else {
				_, _ = fmt.Fprintf(out, "%s\t%s\t%s\n", view.JobID, view.Status, dash(view.Progress))
			}
		}

		state := jobregistry.JobState(view.Status)
		if state.Terminal() {
			if asJSON {
				return jobOutcome(view)
			}
			switch state {
			case jobregistry.JobStateSuccess:
				_, _ = fmt.Fprintf(out, "result_url=%s\n", view.ResultURL)
			case jobregistry.JobStateError:
				_, _ = fmt.Fprintf(out, "error=%s\n", view.Error)
			}
			return jobOutcome(view)
		}

		select {
		case <-ctx.Done():
			return exitError(foundry.ExitSignalInt, "watch cancelled", ctx.Err())
		case <-ticker.C:
		}
	}
}

func jobOutcome(v *handlers.JobView) error {
	switch jobregistry.JobState(v.Status) {
	case jobregistry.JobStateSuccess:
		return nil
	case jobregistry.JobStateStopped:
		return exitError(foundry.ExitFailure, "job was stopped", nil)
	default:
		return exitError(foundry.ExitFailure, "job failed", errors.New(v.Error))
	}
}
