package main

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
	"k8s.io/klog/v2"

	"k8s.io/examples/AI/infero/pkg/collective"
	"k8s.io/examples/AI/infero/pkg/config"
	"k8s.io/examples/AI/infero/pkg/distribute"
	_ "k8s.io/examples/AI/infero/pkg/engine/backends"
	"k8s.io/examples/AI/infero/pkg/infero"
	"k8s.io/examples/AI/infero/pkg/tensor"
	"k8s.io/examples/AI/infero/pkg/tensor/tensorio"
)

type runOptions struct {
	Input      string
	Output     string
	Model      string
	Engine     string
	RefPath    string
	Threshold  float64
	OutShape   string
	Metric     string
	LocalRanks int

	// writeOutput is set when --output was given explicitly.
	writeOutput bool
}

func newRunCmd() *cobra.Command {
	o := &runOptions{}
	runCmd := &cobra.Command{
		Use:   "run",
		Short: "Run a model over an input tensor",
		Long: `Loads the model on rank 0, distributes it to every member of the process group and
runs one inference on each. Rank 0 writes the prediction and checks it against --ref_path.

Exits 1 on error and 2 when the prediction is not within --threshold of the reference.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			o.writeOutput = cmd.Flags().Changed("output")
			return o.Run(cmd.Context())
		},
	}

	runCmd.Flags().StringVar(&o.Input, "input", "data.npy", "Path to the input tensor (.npy or .csv)")
	runCmd.Flags().StringVar(&o.Output, "output", "out.csv", "Path to write the prediction to; only written when given")
	runCmd.Flags().StringVar(&o.Model, "model", "model.onnx", "Model location: a path, gs://bucket/object or model-store URL")
	runCmd.Flags().StringVar(&o.Engine, "engine", "onnx", "Inference backend (see 'infero engines')")
	runCmd.Flags().StringVar(&o.RefPath, "ref_path", "", "Reference prediction to verify against")
	runCmd.Flags().Float64Var(&o.Threshold, "threshold", 0.001, "Largest acceptable error against the reference")
	runCmd.Flags().StringVar(&o.OutShape, "out_shape", "", "Output tensor shape, e.g. 1,1; defaults to the model's")
	runCmd.Flags().StringVar(&o.Metric, "metric", "mse", "Error metric: mse, mae or max")
	runCmd.Flags().IntVar(&o.LocalRanks, "local-ranks", 0, "Run this many ranks in-process instead of joining the group from the environment")

	return runCmd
}

func (o *runOptions) Run(ctx context.Context) error {
	log := klog.FromContext(ctx)

	metric, err := tensor.ParseMetric(o.Metric)
	if err != nil {
		return err
	}
	var outShape []int
	if o.OutShape != "" {
		if outShape, err = tensor.ParseShape(o.OutShape); err != nil {
			return err
		}
	}

	in, err := tensorio.Load(o.Input)
	if err != nil {
		return fmt.Errorf("reading input: %w", err)
	}
	log.Info("read input", "path", o.Input, "shape", in.Shape)

	var pred *tensor.Tensor
	if o.LocalRanks > 1 {
		comms := collective.NewLocalGroup(o.LocalRanks)
		preds := make([]*tensor.Tensor, len(comms))
		g, gctx := errgroup.WithContext(ctx)
		for rank, comm := range comms {
			g.Go(func() error {
				var err error
				preds[rank], err = o.runRank(gctx, comm, in, outShape)
				return err
			})
		}
		if err := g.Wait(); err != nil {
			return err
		}
		pred = preds[0]
	} else {
		var comm collective.Communicator
		if o.LocalRanks == 1 {
			comm = collective.Self()
		}
		pred, err = o.runRank(ctx, comm, in, outShape)
		if err != nil {
			return err
		}
	}

	// Only rank 0 reports.
	if pred == nil {
		return nil
	}
	return o.report(ctx, pred, metric)
}

// runRank runs the whole lifecycle for one member of the group. comm nil joins the group
// from the environment. Only rank 0 returns its prediction.
func (o *runOptions) runRank(ctx context.Context, comm collective.Communicator, in *tensor.Tensor, outShape []int) (_ *tensor.Tensor, err error) {
	rt := infero.NewRuntime()
	opts := []infero.Option{infero.WithDistribution(distribute.Options{Timeout: config.BroadcastTimeout()})}
	if comm != nil {
		opts = append(opts, infero.WithCommunicator(comm))
	}
	if err := rt.Initialise(ctx, opts...); err != nil {
		return nil, err
	}
	defer func() {
		err = errors.Join(err, rt.Finalise(ctx))
	}()

	group, err := rt.Communicator()
	if err != nil {
		return nil, err
	}
	rank := group.Rank()
	log := klog.FromContext(ctx).WithValues("rank", rank)
	ctx = klog.NewContext(ctx, log)

	id, err := rt.CreateHandle(config.New(map[string]any{
		config.KeyPath: o.Model,
		config.KeyType: o.Engine,
	}))
	if err != nil {
		return nil, err
	}
	if err := rt.OpenHandle(ctx, id); err != nil {
		return nil, err
	}
	if log.V(1).Enabled() {
		var sb strings.Builder
		if err := rt.Print(id, &sb); err == nil {
			log.Info("opened engine", "summary", sb.String())
		}
	}

	out := tensor.Empty()
	if outShape != nil {
		out = tensor.New(outShape...)
	}
	if err := rt.Infer(ctx, id, in, out); err != nil {
		return nil, fmt.Errorf("running inference: %w", err)
	}
	log.V(2).Info("inference done", "shape", out.Shape)

	if err := rt.CloseHandle(id); err != nil {
		return nil, err
	}
	if err := rt.DeleteHandle(id); err != nil {
		return nil, err
	}

	if rank != 0 {
		return nil, nil
	}
	return out, nil
}

func (o *runOptions) report(ctx context.Context, pred *tensor.Tensor, metric tensor.Metric) error {
	log := klog.FromContext(ctx)

	if o.writeOutput {
		if err := tensorio.Save(pred, o.Output); err != nil {
			return fmt.Errorf("writing prediction: %w", err)
		}
		log.Info("wrote prediction", "path", o.Output, "shape", pred.Shape)
	}

	if o.RefPath == "" {
		return nil
	}
	ref, err := tensorio.Load(o.RefPath)
	if err != nil {
		return fmt.Errorf("reading reference: %w", err)
	}
	value, err := tensor.Compare(pred, ref, metric)
	if err != nil {
		return err
	}
	log.Info("compared prediction", "metric", metric.String(), "error", value, "threshold", o.Threshold)
	if !(value < o.Threshold) {
		return &thresholdError{metric: metric.String(), value: value, threshold: o.Threshold}
	}
	return nil
}
