// Command awim streams live microphone audio to a peer over UDP or TCP.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "awim",
	Short: "Stream the microphone over the local network",
	Long: `awim captures 16-bit PCM from the microphone and serves it to one peer.

UDP peers send a 4-byte little-endian size probe and receive one datagram
with that many bytes. TCP peers send the same 4-byte length on a connection
and receive that many bytes on the stream.`,
	SilenceUsage: true,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the control server and stream sessions",
	RunE: func(cmd *cobra.Command, _ []string) error {
		return runServe(cmd.Context(), cfgFile)
	},
}

var checkConfigCmd = &cobra.Command{
	Use:   "check-config",
	Short: "Validate the configuration file and exit",
	RunE: func(cmd *cobra.Command, _ []string) error {
		return checkConfig(cmd.OutOrStdout(), cfgFile)
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version number",
	Run: func(cmd *cobra.Command, _ []string) {
		fmt.Fprintf(cmd.OutOrStdout(), "awim %s\n", version)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "awim.yaml", "path to the YAML configuration file")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(checkConfigCmd)
	rootCmd.AddCommand(versionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "awim:", err)
		os.Exit(1)
	}
}
