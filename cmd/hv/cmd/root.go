/*
Copyright © 2025 blacktop

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
	"encoding/json"
	"errors"
	"fmt"
	"os"

	hypervisor "github.com/blacktop/go-ehyve"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

var (
	verbose     bool
	configFile  string
	showMetrics bool
)

var rootCmd = &cobra.Command{
	Use:   "hv",
	Short: "Boot and run unikernel guests on KVM",
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		if verbose {
			logrus.SetLevel(logrus.DebugLevel)
		}
		hypervisor.SetLogger(logrus.StandardLogger().WithField("pkg", "hypervisor"))
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if !showMetrics {
			return
		}
		out, err := json.MarshalIndent(hypervisor.GetMetrics(), "", "  ")
		if err != nil {
			logrus.WithError(err).Error("failed to marshal metrics")
			return
		}
		fmt.Fprintln(os.Stderr, string(out))
	},
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		var code exitCodeError
		if errors.As(err, &code) {
			os.Exit(int(code))
		}
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func init() {
	logrus.SetFormatter(&logrus.TextFormatter{DisableTimestamp: true})
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "V", false, "Enable debug logging")
	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "", "TOML config file")
	rootCmd.PersistentFlags().BoolVar(&showMetrics, "metrics", false, "Print hypervisor metrics as JSON to stderr on exit")
}
