package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"k8s.io/klog/v2"

	"k8s.io/examples/AI/infero/pkg/engine"
	"k8s.io/examples/AI/infero/pkg/server"
	"k8s.io/examples/AI/infero/pkg/tensor/tensorio"
)

func main() {
	ctx := context.Background()
	err := run(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "%s\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context) error {
	serverAddr := "127.0.0.1:9876"
	flag.StringVar(&serverAddr, "server", serverAddr, "tensorserver address")
	input := "data.npy"
	flag.StringVar(&input, "input", input, "input tensor (.npy or .csv)")
	inputName := ""
	flag.StringVar(&inputName, "input-name", inputName, "model input to bind; defaults to the model's first input")
	output := ""
	flag.StringVar(&output, "output", output, "where to write the first output (.npy or .csv); logged when empty")
	timeout := 30 * time.Second
	flag.DurationVar(&timeout, "timeout", timeout, "deadline for each call")

	klog.InitFlags(nil)
	flag.Parse()

	log := klog.FromContext(ctx)

	in, err := tensorio.Load(input)
	if err != nil {
		return fmt.Errorf("reading input: %w", err)
	}

	client, err := server.Dial(serverAddr)
	if err != nil {
		return err
	}
	defer client.Close()

	log.Info("Starting tensorclient", "server", serverAddr, "input", input, "shape", in.Shape)

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	engineType, sig, err := client.Describe(ctx)
	if err != nil {
		return fmt.Errorf("failed to describe model: %w", err)
	}
	log.V(2).Info("Server model", "engine", engineType, "inputs", sig.Inputs, "outputs", sig.Outputs)
	if inputName == "" {
		if len(sig.Inputs) == 0 {
			return fmt.Errorf("server model declares no inputs")
		}
		inputName = sig.Inputs[0].Name
	}
	if len(sig.Outputs) == 0 {
		return fmt.Errorf("server model declares no outputs")
	}
	first := sig.Outputs[0].Name

	outputs, err := client.Infer(ctx, []engine.Named{{Name: inputName, Tensor: in}}, first)
	if err != nil {
		return fmt.Errorf("failed to infer: %w", err)
	}
	out := outputs[first]
	if out == nil {
		return fmt.Errorf("server did not return output %q", first)
	}

	if output == "" {
		log.Info("Response", "output", first, "tensor", out)
		return nil
	}
	if err := tensorio.Save(out, output); err != nil {
		return fmt.Errorf("writing output: %w", err)
	}
	log.Info("Wrote output", "path", output, "shape", out.Shape)
	return nil
}
