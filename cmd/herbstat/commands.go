package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/igm/herbstat/internal/config"
	"github.com/igm/herbstat/internal/herbstore"
	"github.com/igm/herbstat/internal/interchange"
	"github.com/igm/herbstat/internal/llm"
	"github.com/igm/herbstat/internal/server"
	"github.com/igm/herbstat/internal/storage"
	"github.com/igm/herbstat/internal/tracer"
)

// configCmd handles configuration
var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage configuration",
}

var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Initialize configuration file",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := config.DefaultConfig()

		fmt.Printf("Provider (%s) [%s]: ", strings.Join(llm.Types(), "/"), cfg.Provider.Type)
		var provider string
		fmt.Scanln(&provider)
		if provider != "" {
			cfg.Provider.Type = provider
		}

		if apiKey := os.Getenv("HERBSTAT_API_KEY"); apiKey != "" {
			cfg.Provider.APIKey = apiKey
		} else {
			fmt.Print("Enter API key (leave empty to read it from the environment): ")
			fmt.Scanln(&cfg.Provider.APIKey)
		}

		fmt.Printf("Model [%s]: ", llm.DefaultModel(cfg.Provider.Type))
		var model string
		fmt.Scanln(&model)
		if model != "" {
			cfg.Provider.Model = model
		}

		if err := cfg.Validate(); err != nil {
			return err
		}
		if err := cfg.Save(); err != nil {
			return fmt.Errorf("saving config: %w", err)
		}

		fmt.Printf("Configuration saved to: %s\n", cfg.ConfigPath())
		return nil
	},
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show current configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}

		baseURL := cfg.Provider.BaseURL
		if baseURL == "" {
			baseURL = llm.DefaultBaseURL(cfg.Provider.Type)
		}
		model := cfg.Provider.Model
		if model == "" {
			model = llm.DefaultModel(cfg.Provider.Type)
		}

		fmt.Printf("Provider: %s\n", cfg.Provider.Type)
		fmt.Printf("Base URL: %s\n", baseURL)
		fmt.Printf("Model: %s\n", model)
		fmt.Printf("API Key set: %t\n", cfg.Provider.APIKey != "")
		fmt.Printf("Storage: %s\n", cfg.Storage.Driver)
		fmt.Printf("Herb DB: %s\n", cfg.HerbStore().Path)
		fmt.Printf("Work Dir: %s\n", cfg.Storage.WorkDir)
		fmt.Printf("Temperature: %.2f\n", cfg.Session.Temperature)
		fmt.Printf("Max Output Tokens: %d\n", cfg.Session.MaxOutputTokens)
		fmt.Printf("Server: %s\n", cfg.Server.Addr)
		return nil
	},
}

func init() {
	configCmd.AddCommand(configInitCmd)
	configCmd.AddCommand(configShowCmd)
}

// herbsCmd manages the herb store
var herbsCmd = &cobra.Command{
	Use:   "herbs",
	Short: "Manage the herb store",
}

var (
	herbName     string
	herbMinPrice float64
	herbMaxPrice float64
)

var herbsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List herbs",
	RunE: func(cmd *cobra.Command, args []string) error {
		ag, _, err := openAgent(false)
		if err != nil {
			return err
		}
		defer ag.Close()

		var f herbstore.Filter
		if cmd.Flags().Changed("name") {
			f.Name = &herbName
		}
		if cmd.Flags().Changed("min-price") {
			f.MinPrice = &herbMinPrice
		}
		if cmd.Flags().Changed("max-price") {
			f.MaxPrice = &herbMaxPrice
		}

		records, err := ag.Store().Query(cmd.Context(), f)
		if err != nil {
			return err
		}
		if len(records) == 0 {
			fmt.Println("No herbs found")
			return nil
		}

		tw := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintln(tw, "ID\tNAME\tPRICE\tEFFECT\tUSAGE")
		for _, r := range records {
			fmt.Fprintf(tw, "%d\t%s\t%.2f\t%s\t%s\n", r.ID, r.Name, r.Price, r.Effect, r.Usage)
		}
		return tw.Flush()
	},
}

var herbsImportCmd = &cobra.Command{
	Use:   "import <file.csv>",
	Short: "Replace the herb store with a CSV file",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ag, _, err := openAgent(false)
		if err != nil {
			return err
		}
		defer ag.Close()

		f, err := os.Open(args[0])
		if err != nil {
			return err
		}
		defer f.Close()

		n, err := interchange.Import(cmd.Context(), ag.Store(), f)
		if err != nil {
			return err
		}
		fmt.Printf("Imported %d herbs\n", n)
		return nil
	},
}

var herbsExportCmd = &cobra.Command{
	Use:   "export [file.csv]",
	Short: "Write the herb store as CSV (stdout by default)",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ag, _, err := openAgent(false)
		if err != nil {
			return err
		}
		defer ag.Close()

		var w io.Writer = os.Stdout
		if len(args) == 1 {
			f, err := os.Create(args[0])
			if err != nil {
				return err
			}
			defer f.Close()
			w = f
		}

		n, err := interchange.Export(cmd.Context(), ag.Store(), w)
		if err != nil {
			return err
		}
		if len(args) == 1 {
			fmt.Printf("Exported %d herbs to %s\n", n, args[0])
		}
		return nil
	},
}

func init() {
	herbsListCmd.Flags().StringVar(&herbName, "name", "", "only herbs whose name contains this text")
	herbsListCmd.Flags().Float64Var(&herbMinPrice, "min-price", 0, "minimum price per gram")
	herbsListCmd.Flags().Float64Var(&herbMaxPrice, "max-price", 0, "maximum price per gram")

	herbsCmd.AddCommand(herbsListCmd)
	herbsCmd.AddCommand(herbsImportCmd)
	herbsCmd.AddCommand(herbsExportCmd)
}

// sessionsCmd manages chat sessions
var sessionsCmd = &cobra.Command{
	Use:   "sessions",
	Short: "Manage chat sessions",
}

var sessionsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List sessions",
	RunE: func(cmd *cobra.Command, args []string) error {
		ag, _, err := openAgent(false)
		if err != nil {
			return err
		}
		defer ag.Close()

		ids, err := ag.Sessions().List()
		if err != nil {
			return err
		}

		if len(ids) == 0 {
			fmt.Println("No sessions found")
			return nil
		}

		fmt.Println("Sessions:")
		for _, id := range ids {
			fmt.Printf("  %s\n", id)
		}
		return nil
	},
}

var sessionsShowCmd = &cobra.Command{
	Use:   "show <id>",
	Short: "Show a session's history and workflow state",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ag, _, err := openAgent(false)
		if err != nil {
			return err
		}
		defer ag.Close()

		sess, err := ag.Sessions().Get(args[0])
		if err != nil {
			return err
		}

		fmt.Printf("Session: %s\n", sess.ID)
		fmt.Printf("Created: %s\n", sess.CreatedAt.Format(time.RFC3339))
		fmt.Printf("Model: %s (temperature %.2f, max tokens %d)\n",
			sess.Config.Model, sess.Config.Temperature, sess.Config.MaxOutputTokens)
		for _, m := range sess.Messages {
			fmt.Printf("\n[%s]\n%s\n", m.Role, m.Content)
		}

		cp, err := ag.State(sess.ID)
		if errors.Is(err, storage.ErrNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		fmt.Printf("\nLast turn %s: %s\n", cp.TurnID, cp.State)
		if cp.Error != "" {
			fmt.Printf("Error: %s\n", cp.Error)
		}
		return nil
	},
}

var sessionsDeleteCmd = &cobra.Command{
	Use:   "delete <id>",
	Short: "Delete a session",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ag, _, err := openAgent(false)
		if err != nil {
			return err
		}
		defer ag.Close()

		return ag.Sessions().Delete(args[0])
	},
}

func init() {
	sessionsCmd.AddCommand(sessionsListCmd)
	sessionsCmd.AddCommand(sessionsShowCmd)
	sessionsCmd.AddCommand(sessionsDeleteCmd)
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the HTTP API",
	RunE: func(cmd *cobra.Command, args []string) error {
		ag, cfg, err := openAgent(true)
		if err != nil {
			return err
		}
		defer ag.Close()

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		shutdownTracer, err := tracer.Init(ctx, cfg.Tracing)
		if err != nil {
			return fmt.Errorf("initializing tracing: %w", err)
		}
		defer func() {
			flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			shutdownTracer(flushCtx)
		}()

		srv := server.New(cfg.Server, ag)

		g, ctx := errgroup.WithContext(ctx)
		g.Go(srv.Listen)
		g.Go(func() error {
			<-ctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		})
		return g.Wait()
	},
}
