/*
Copyright © 2023-2026 blacktop

Permission is hereby granted, free of charge, to any person obtaining a copy
of this software and associated documentation files (the "Software"), to deal
in the Software without restriction, including without limitation the rights
to use, copy, modify, merge, publish, distribute, sublicense, and/or sell
copies of the Software, and to permit persons to whom the Software is
furnished to do so, subject to the following conditions:

The above copyright notice and this permission notice shall be included in
all copies or substantial portions of the Software.

THE SOFTWARE IS PROVIDED "AS IS", WITHOUT WARRANTY OF ANY KIND, EXPRESS OR
IMPLIED, INCLUDING BUT NOT LIMITED TO THE WARRANTIES OF MERCHANTABILITY,
FITNESS FOR A PARTICULAR PURPOSE AND NONINFRINGEMENT. IN NO EVENT SHALL THE
AUTHORS OR COPYRIGHT HOLDERS BE LIABLE FOR ANY CLAIM, DAMAGES OR OTHER
LIABILITY, WHETHER IN AN ACTION OF CONTRACT, TORT OR OTHERWISE, ARISING FROM,
OUT OF OR IN CONNECTION WITH THE SOFTWARE OR THE USE OR OTHER DEALINGS IN
THE SOFTWARE.
*/
package cmd

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/MakeNowJust/heredoc/v2"
	"github.com/apex/log"
	clihander "github.com/apex/log/handlers/cli"
	"github.com/blacktop/otalog/internal/colors"
	"github.com/blacktop/otalog/internal/commands/diagnose"
	"github.com/blacktop/otalog/internal/config"
	"github.com/blacktop/otalog/internal/report"
	"github.com/blacktop/otalog/pkg/bcert"
	"github.com/blacktop/otalog/pkg/otalog"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

var (
	cfgFile string
	// Verbose boolean flag for verbose logging
	Verbose bool
	// Color boolean flag for colorized output
	Color bool
	// AppVersion stores the plugin's version
	AppVersion string
	// AppBuildTime stores the plugin's build time
	AppBuildTime string
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "otalog <OTAUpdate.ips>",
	Short: "Diagnose failed OTA updates from OTAUpdate logs",
	Example: heredoc.Doc(`
		# Explain why an update failed
		$ otalog OTAUpdate-2023-10-04-091244.ips

		# Dump the TSS request and the BCert found in the log
		$ otalog OTAUpdate.ips --print-request --print-bcert

		# Treat a missing SEP version or TSS response as fatal
		$ otalog OTAUpdate.ips --strict

		# Machine readable report (read the log from stdin)
		$ cat OTAUpdate.ips | otalog - --format json | jq .diagnostics
	`),
	Args:          cobra.ExactArgs(1),
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE: func(cmd *cobra.Command, args []string) error {

		if Verbose {
			log.SetLevel(log.DebugLevel)
		}
		if viper.IsSet("color") {
			color := viper.GetBool("color")
			colors.Init(&color)
		}

		conf, err := config.LoadConfig()
		if err != nil {
			return err
		}

		doc, err := open(args[0])
		if err != nil {
			return err
		}

		dconf := &diagnose.Config{Diagnose: conf.Diagnose, Output: os.Stdout}

		var sink report.Sink = report.Console{}
		if conf.Diagnose.Format.Structured() {
			sink = report.Discard
			// keep stdout parseable
			dconf.Output = os.Stderr
		} else {
			log.Infof("Diagnosing %s", filepath.Base(doc.Path))
		}
		rep := report.New(sink)

		res, err := diagnose.Run(doc, dconf, rep)
		if conf.Diagnose.Format.Structured() {
			if werr := report.Write(os.Stdout, conf.Diagnose.Format, res); werr != nil {
				return werr
			}
		}

		return err
	},
}

func open(path string) (*otalog.Document, error) {
	if path == "-" {
		doc, err := otalog.Parse(os.Stdin)
		if err != nil {
			return nil, fmt.Errorf("failed to read log from stdin: %v", err)
		}
		doc.Path = "stdin"
		return doc, nil
	}
	return otalog.Open(filepath.Clean(path))
}

func addDiagnoseFlags(flags *pflag.FlagSet) {
	flags.BoolP("print-bcert", "b", false, "Print the BCert found in the TSS request (base64)")
	flags.BoolP("print-request", "r", false, "Print the decoded TSS request (XML plist)")
	flags.StringP("format", "f", string(report.FormatText), "Output format (text, json or yaml)")
	flags.Bool("strict", false, "Treat a missing SEP version or TSS response line as fatal")
	flags.String("status-severity", report.WarnLevel.String(), "Severity of a missing TSS response line (warning, error or fatal)")
	flags.String("sep-oid", bcert.SEPVersionOID, "OID of the BCert extension holding the SEP version")
	flags.StringSlice("strategies", []string{string(bcert.StrategyPositional), string(bcert.StrategyOID)}, "SEP version lookup strategies, in order")
	flags.String("bcert-key", "", "TSS request key holding the BCert (default \"@BCert\")")
	flags.MarkHidden("bcert-key")

	for _, name := range []string{
		"print-bcert",
		"print-request",
		"format",
		"strict",
		"status-severity",
		"sep-oid",
		"strategies",
		"bcert-key",
	} {
		viper.BindPFlag("diagnose."+name, flags.Lookup(name))
	}
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the rootCmd.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		// fatal diagnostics were already reported
		if !errors.Is(err, report.ErrFatal) {
			log.Error(err.Error())
		}
		os.Exit(1)
	}
}

func init() {
	log.SetHandler(clihander.Default)

	cobra.OnInitialize(initConfig)

	// Flags
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/.config/otalog/config.yaml)")
	rootCmd.PersistentFlags().BoolVarP(&Verbose, "verbose", "V", false, "verbose output")
	rootCmd.PersistentFlags().BoolVar(&Color, "color", false, "colorize output")
	viper.BindPFlag("verbose", rootCmd.PersistentFlags().Lookup("verbose"))
	viper.BindPFlag("color", rootCmd.PersistentFlags().Lookup("color"))
	viper.BindEnv("color", "CLICOLOR")
	addDiagnoseFlags(rootCmd.Flags())
	// Settings
	rootCmd.CompletionOptions.HiddenDefaultCmd = true
}

// initConfig reads in config file and ENV variables if set.
func initConfig() {
	if cfgFile != "" {
		// Use config file from the flag.
		viper.SetConfigFile(cfgFile)
	} else {
		// Find home directory.
		home, err := os.UserHomeDir()
		cobra.CheckErr(err)

		viper.AddConfigPath(filepath.Join(home, ".config", "otalog"))
		viper.SetConfigType("yaml")
		viper.SetConfigName("config")
	}

	viper.SetEnvPrefix("otalog")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_", ".", "_"))
	viper.AutomaticEnv()

	// If a config file is found, read it in.
	if err := viper.ReadInConfig(); err == nil {
		fmt.Fprintln(os.Stderr, "Using config file:", viper.ConfigFileUsed())
	}
}
