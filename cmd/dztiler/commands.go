package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/loykin/dztiler"
	"github.com/loykin/dztiler/internal/auth"
	"github.com/loykin/dztiler/pkg/client"
)

func loadConfig(path string) (*dztiler.Config, error) {
	if path == "" {
		return dztiler.DefaultConfig()
	}
	cfg, err := dztiler.LoadConfig(path)
	if err != nil {
		return nil, fmt.Errorf("error loading config: %w", err)
	}
	return cfg, nil
}

func runServe(ctx context.Context, path string) error {
	cfg, err := loadConfig(path)
	if err != nil {
		return err
	}
	svc, err := dztiler.New(cfg)
	if err != nil {
		return err
	}
	defer func() { _ = svc.Close() }()

	if ctx == nil {
		ctx = context.Background()
	}
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	svc.Logger().Info("starting dztiler", "data_dir", cfg.DataDir, "listen", cfg.Server.Listen,
		"workers", cfg.Workers)
	err = svc.Run(ctx)
	svc.Logger().Info("shutting down")
	return err
}

func newClient(g *GlobalFlags) *client.Client {
	return client.New(client.Config{
		BaseURL: g.APIUrl,
		Timeout: g.APITimeout,
		Token:   g.Token,
	})
}

func requireDaemon(ctx context.Context, c *client.Client, url string) error {
	if !c.IsReachable(ctx) {
		return fmt.Errorf("daemon not reachable at %s - please start daemon first with 'dztiler serve'", url)
	}
	return nil
}

func runStatus(cmd *cobra.Command, g *GlobalFlags, f StatusFlags) error {
	ctx := cmd.Context()
	c := newClient(g)
	if err := requireDaemon(ctx, c, g.APIUrl); err != nil {
		return err
	}
	out := cmd.OutOrStdout()

	if f.Name != "" {
		d, err := c.Dataset(ctx, f.Name)
		if err != nil {
			return err
		}
		if f.Output == "table" {
			printDatasets(out, []client.Dataset{d})
			for _, line := range d.Logs {
				_, _ = fmt.Fprintln(out, "  "+line)
			}
			return nil
		}
		return printAs(out, f.Output, d)
	}

	list, err := c.Datasets(ctx)
	if err != nil {
		return err
	}
	if f.Output == "table" {
		printDatasets(out, list)
		return nil
	}
	return printAs(out, f.Output, list)
}

func runAnnotationsList(cmd *cobra.Command, g *GlobalFlags, name, output string) error {
	ctx := cmd.Context()
	c := newClient(g)
	list, err := c.Annotations(ctx, name)
	if err != nil {
		return err
	}
	if output == "table" {
		tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
		_, _ = fmt.Fprintln(tw, "X\tY\tTEXT")
		for _, a := range list {
			_, _ = fmt.Fprintf(tw, "%.4f\t%.4f\t%s\n", a.X, a.Y, a.Text)
		}
		return tw.Flush()
	}
	return printAs(cmd.OutOrStdout(), output, list)
}

func runAnnotationsAdd(cmd *cobra.Command, g *GlobalFlags, name string, f AnnotationFlags) error {
	c := newClient(g)
	a, err := c.AddAnnotation(cmd.Context(), name, client.Annotation{X: f.X, Y: f.Y, Text: f.Text})
	if err != nil {
		var apiErr *client.APIError
		if errors.As(err, &apiErr) && apiErr.StatusCode == 401 {
			return fmt.Errorf("%w (pass --token or set DZTILER_TOKEN)", err)
		}
		return err
	}
	_, _ = fmt.Fprintf(cmd.OutOrStdout(), "added annotation to %s at (%.4f, %.4f): %s\n", name, a.X, a.Y, a.Text)
	return nil
}

func runConvert(cmd *cobra.Command, g *GlobalFlags, f ConvertFlags, file string) error {
	cfg, err := loadConfig(g.ConfigPath)
	if err != nil {
		return err
	}
	if f.DataDir != "" {
		cfg.DataDir = f.DataDir
	}
	// no listeners for a one-shot run
	cfg.Server.Listen = ""
	cfg.Metrics.Enabled = false
	if _, err := os.Stat(file); err != nil {
		return fmt.Errorf("source file: %w", err)
	}

	svc, err := dztiler.New(cfg)
	if err != nil {
		return err
	}
	defer func() { _ = svc.Close() }()

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	snap, runErr := svc.Process(ctx, file)
	out := cmd.OutOrStdout()
	for _, line := range snap.Logs {
		_, _ = fmt.Fprintln(out, line)
	}
	if runErr != nil {
		return runErr
	}
	_, _ = fmt.Fprintf(out, "manifest: %s\n", svc.ManifestPath(snap.Name))
	return nil
}

func runToken(cmd *cobra.Command, g *GlobalFlags, f TokenFlags) error {
	cfg, err := loadConfig(g.ConfigPath)
	if err != nil {
		return err
	}
	if cfg.Server.JWTSecret == "" {
		return errors.New("server.jwt_secret is not configured")
	}
	svc, err := auth.NewService(cfg.Server.JWTSecret)
	if err != nil {
		return err
	}
	tok, err := svc.Issue(f.Subject, f.TTL, f.Scopes...)
	if err != nil {
		return err
	}
	_, _ = fmt.Fprintln(cmd.OutOrStdout(), tok.Value)
	_, _ = fmt.Fprintf(cmd.ErrOrStderr(), "expires at %s\n", tok.ExpiresAt.Format(time.RFC3339))
	return nil
}
