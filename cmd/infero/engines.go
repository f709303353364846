package main

import (
	"fmt"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"k8s.io/examples/AI/infero/pkg/config"
	"k8s.io/examples/AI/infero/pkg/engine"
)

var modelFormats = map[string]string{
	"fallback": "YAML dense network",
	"onnx":     "ONNX protobuf (.onnx)",
	"tflite":   "TensorFlow Lite flatbuffer (.tflite)",
}

func newEnginesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "engines",
		Short: "List the compiled-in inference backends",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			var data [][]string
			for _, name := range engine.Registered() {
				format, ok := modelFormats[name]
				if !ok {
					format = "-"
				}
				data = append(data, []string{name, format})
			}

			table := tablewriter.NewWriter(cmd.OutOrStdout())
			table.SetHeader([]string{"ENGINE", "MODEL FORMAT"})
			table.SetHeaderAlignment(tablewriter.ALIGN_LEFT)
			table.SetAlignment(tablewriter.ALIGN_LEFT)
			table.SetHeaderLine(false)
			table.SetBorder(false)
			table.SetNoWhiteSpace(true)
			table.SetTablePadding("    ")
			table.AppendBulk(data)
			table.Render()
			return nil
		},
	}
}

func newEnvCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "env",
		Short: "Show the environment variables infero reads",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			for _, e := range config.AsList() {
				fmt.Fprintf(cmd.OutOrStdout(), "%-26s %-20v %s\n", e.Name, e.Value, e.Description)
			}
			return nil
		},
	}
}
