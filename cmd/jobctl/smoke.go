package main

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"slices"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"tenderhub/pkg/logger"
)

type smokeCheck struct {
	method string
	path   string
	accept []int
}

// smokeChecks only touch read-only endpoints, so they are safe against a
// live deployment.
var smokeChecks = []smokeCheck{
	{http.MethodGet, "/api/health", []int{http.StatusOK}},
	{http.MethodGet, "/api/invoices", []int{http.StatusOK}},
	{http.MethodGet, "/api/available-pdfs", []int{http.StatusOK}},
	{http.MethodGet, "/api/dashboard", []int{http.StatusOK, http.StatusNotFound}},
	{http.MethodGet, "/metrics", []int{http.StatusOK}},
}

func newSmokeCmd() *cobra.Command {
	var (
		baseURL string
		timeout time.Duration
	)
	cmd := &cobra.Command{
		Use:   "smoke",
		Short: "Check that a running API answers its read-only endpoints",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			client := &http.Client{Timeout: timeout}
			return smoke(cmd.Context(), client, strings.TrimRight(baseURL, "/"), cmd.OutOrStdout())
		},
	}
	cmd.Flags().StringVar(&baseURL, "base-url", "http://localhost:4000", "API base URL")
	cmd.Flags().DurationVar(&timeout, "timeout", 10*time.Second, "per-request timeout")
	return cmd
}

func smoke(ctx context.Context, client *http.Client, baseURL string, out io.Writer) error {
	failed := 0
	for _, check := range smokeChecks {
		status, err := probe(ctx, client, check.method, baseURL+check.path)
		switch {
		case err != nil:
			failed++
			logger.Error("smoke check failed", zap.String("path", check.path), zap.Error(err))
			fmt.Fprintf(out, "FAIL %s %s: %v\n", check.method, check.path, err)
		case !slices.Contains(check.accept, status):
			failed++
			fmt.Fprintf(out, "FAIL %s %s: status %d\n", check.method, check.path, status)
		default:
			fmt.Fprintf(out, "ok   %s %s (%d)\n", check.method, check.path, status)
		}
	}
	if failed > 0 {
		return fmt.Errorf("%d of %d smoke checks failed", failed, len(smokeChecks))
	}
	return nil
}

func probe(ctx context.Context, client *http.Client, method, url string) (int, error) {
	req, err := http.NewRequestWithContext(ctx, method, url, nil)
	if err != nil {
		return 0, err
	}
	resp, err := client.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	return resp.StatusCode, nil
}
