package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/igm/herbstat/internal/agent"
	"github.com/igm/herbstat/internal/config"
	"github.com/igm/herbstat/internal/logger"
)

var (
	cfgFile     string
	sessionID   string
	streaming   bool
	offline     bool
	showVersion bool

	version = "dev"
)

func main() {
	// A missing .env file is fine.
	_ = godotenv.Load()

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "herbstat [prompt]",
	Short: "Herb price and usage assistant",
	Long: `herbstat answers questions about herbs in a local price list. A model
decides whether to look herbs up or total a prescription, the lookup runs
against the herb store, and the model turns the result into an answer.

Without a prompt an interactive session is started.`,
	Args:          cobra.ArbitraryArgs,
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE:          runAgent,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "config file (default is ~/.herbstat/config.yaml)")
	rootCmd.Flags().StringVarP(&sessionID, "session", "S", "", "session ID (default: start a new session)")
	rootCmd.Flags().BoolVarP(&streaming, "stream", "s", true, "stream response")
	rootCmd.PersistentFlags().BoolVar(&offline, "offline", false, "answer without a model using keyword matching and tables")
	rootCmd.Flags().BoolVarP(&showVersion, "version", "v", false, "show version")

	// Subcommands
	rootCmd.AddCommand(configCmd)
	rootCmd.AddCommand(herbsCmd)
	rootCmd.AddCommand(sessionsCmd)
	rootCmd.AddCommand(serveCmd)
}

// loadConfig reads the configuration and sets up logging.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}
	logger.Init(cfg.Logging.Logger(), nil)
	return cfg, nil
}

// openAgent creates an agent. Commands that never chat pass needsModel
// false so they work without an API key.
func openAgent(needsModel bool) (*agent.Agent, *config.Config, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, nil, err
	}

	ag, err := agent.New(cfg, offline || !needsModel)
	if err != nil {
		return nil, nil, fmt.Errorf("creating agent: %w", err)
	}
	return ag, cfg, nil
}

func runAgent(cmd *cobra.Command, args []string) error {
	if showVersion {
		fmt.Println("herbstat", version)
		return nil
	}

	ag, _, err := openAgent(true)
	if err != nil {
		return err
	}
	defer ag.Close()

	if err := ag.SetSession(sessionID); err != nil {
		return fmt.Errorf("setting session: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Interactive mode if no prompt provided
	if len(args) == 0 {
		return ag.Interactive(ctx, os.Stdin, os.Stdout)
	}

	// Single message mode
	prompt := strings.Join(args, " ")

	var onChunk func(string)
	if streaming {
		onChunk = func(chunk string) {
			fmt.Print(chunk)
		}
	}

	response, err := ag.Chat(ctx, prompt, onChunk)
	if err != nil {
		return err
	}
	if !streaming {
		fmt.Print(response)
	}
	fmt.Println()
	fmt.Fprintf(os.Stderr, "session: %s\n", ag.SessionID())
	return nil
}
