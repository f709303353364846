package main

import (
	"context"
	"flag"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"

	"google.golang.org/grpc"
	"k8s.io/klog/v2"

	"k8s.io/examples/AI/infero/pkg/config"
	_ "k8s.io/examples/AI/infero/pkg/engine/backends"
	"k8s.io/examples/AI/infero/pkg/infero"
	"k8s.io/examples/AI/infero/pkg/modelbuffer"
	"k8s.io/examples/AI/infero/pkg/server"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	err := run(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "%s\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context) error {
	listen := ":9876"
	flag.StringVar(&listen, "listen", listen, "address to serve on")
	model := "model.onnx"
	flag.StringVar(&model, "model", model, "model path, gs:// object or model-store URL")
	engineType := "onnx"
	flag.StringVar(&engineType, "engine", engineType, "inference backend")
	attempts := 3
	flag.IntVar(&attempts, "download-attempts", attempts, "attempts made to fetch a remote model")

	klog.InitFlags(nil)
	flag.Parse()

	log := klog.FromContext(ctx)

	cfg := config.New(map[string]any{
		config.KeyPath: model,
		config.KeyType: engineType,
	})
	h, err := infero.NewHandle(cfg, infero.WithSourceOptions(modelbuffer.SourceOptions{MaxAttempts: attempts}))
	if err != nil {
		return err
	}
	if err := h.Open(ctx); err != nil {
		return fmt.Errorf("opening %s model %q: %w", engineType, model, err)
	}
	defer func() {
		if err := h.Close(); err != nil {
			log.Error(err, "closing handle")
		}
	}()

	lis, err := net.Listen("tcp", listen)
	if err != nil {
		return fmt.Errorf("listening on %q: %w", listen, err)
	}
	grpcServer := grpc.NewServer(server.ServerOptions()...)
	server.New(h, engineType).Register(grpcServer)

	go func() {
		<-ctx.Done()
		log.Info("Shutting down tensorserver")
		grpcServer.GracefulStop()
	}()

	log.Info("Starting tensorserver", "listen", listen, "engine", engineType, "model", model)
	if err := grpcServer.Serve(lis); err != nil {
		return fmt.Errorf("serving GRPC: %w", err)
	}

	return nil
}
