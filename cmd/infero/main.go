// Command infero runs a model over an input tensor, optionally across a process group,
// and checks the prediction against a reference.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"k8s.io/klog/v2"

	"k8s.io/examples/AI/infero/pkg/config"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := newRootCmd().ExecuteContext(ctx)
	stop()
	klog.Flush()
	if err != nil {
		fmt.Fprintf(os.Stderr, "%s\n", err)
	}
	os.Exit(exitCode(err))
}

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:           "infero",
		Short:         "Machine learning inference driver",
		SilenceUsage:  true,
		SilenceErrors: true,
		CompletionOptions: cobra.CompletionOptions{
			DisableDefaultCmd: true,
		},
	}

	klogFlags := flag.NewFlagSet("klog", flag.ExitOnError)
	klog.InitFlags(klogFlags)
	if level := config.LogLevel(); level > 0 {
		_ = klogFlags.Set("v", strconv.Itoa(level))
	}
	rootCmd.PersistentFlags().AddGoFlagSet(klogFlags)
	rootCmd.SetGlobalNormalizationFunc(wordSepNormalizeFunc)

	rootCmd.AddCommand(
		newRunCmd(),
		newEnginesCmd(),
		newEnvCmd(),
	)
	return rootCmd
}

// wordSepNormalizeFunc accepts flags spelled with either "-" or "_", so both --ref_path
// and --ref-path work.
func wordSepNormalizeFunc(f *pflag.FlagSet, name string) pflag.NormalizedName {
	return pflag.NormalizedName(strings.ReplaceAll(name, "_", "-"))
}

// thresholdError reports a prediction that failed its reference check.
type thresholdError struct {
	metric    string
	value     float64
	threshold float64
}

func (e *thresholdError) Error() string {
	return fmt.Sprintf("%s error %g is not below threshold %g", e.metric, e.value, e.threshold)
}

// exitCode is 0 on success, 2 when the reference check failed and 1 for anything else.
func exitCode(err error) int {
	var te *thresholdError
	switch {
	case err == nil:
		return 0
	case errors.As(err, &te):
		return 2
	default:
		return 1
	}
}
