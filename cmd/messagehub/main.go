// Command messagehub runs the hub and talks to a running one.
//
// Usage:
//
//	messagehub serve [--config config.yaml]
//	messagehub publish orders.created '{"order":42}'
//	messagehub events --partition orders.created --follow
//	messagehub deadletters list --topic 'orders.>'
//	messagehub compact --up-to 1000
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/snehjoshi/messagehub/pkg/client"
)

var (
	configPath string
	hubURL     string
	apiKey     string
	jsonOutput bool

	hub *client.Client
)

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

var rootCmd = &cobra.Command{
	Use:           "messagehub <command>",
	Short:         "Durable publish/subscribe hub with retries, circuit breakers and dead letters",
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		hub = client.New(hubURL, client.WithAPIKey(apiKey))
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", envOr("MESSAGEHUB_CONFIG", "config.yaml"), "path to config file (serve)")
	rootCmd.PersistentFlags().StringVar(&hubURL, "url", envOr("MESSAGEHUB_URL", "http://localhost:8080"), "hub control API URL")
	rootCmd.PersistentFlags().StringVar(&apiKey, "api-key", os.Getenv("MESSAGEHUB_API_KEY"), "API key for the control API")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "output as JSON")

	rootCmd.AddGroup(
		&cobra.Group{ID: "messages", Title: "Messages:"},
		&cobra.Group{ID: "ops", Title: "Operations:"},
		&cobra.Group{ID: "system", Title: "System:"},
	)

	rootCmd.AddCommand(publishCmd)
	rootCmd.AddCommand(messageCmd)
	rootCmd.AddCommand(eventsCmd)

	rootCmd.AddCommand(deadLettersCmd)
	rootCmd.AddCommand(instancesCmd)
	rootCmd.AddCommand(compactCmd)

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(healthCmd)
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		stop()
		fmt.Fprintf(os.Stderr, "messagehub: %v\n", err)
		os.Exit(1)
	}
}
