// Package infero is the embedding API: process-wide setup, and handles that load a
// model across the process group and run inference on it.
//
// A typical caller does
//
//	infero.Initialise(ctx)
//	id, _ := infero.CreateHandleFromYAML("path: model.onnx\ntype: onnx")
//	infero.OpenHandle(ctx, id)
//	infero.Infer(ctx, id, in, out)
//	infero.CloseHandle(id)
//	infero.DeleteHandle(id)
//	infero.Finalise(ctx)
//
// Handles are referred to by HandleID. Ids of deleted handles are detected and
// rejected with errdefs.ErrInvalidState.
package infero

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"

	"k8s.io/klog/v2"

	"k8s.io/examples/AI/infero/pkg/collective"
	"k8s.io/examples/AI/infero/pkg/config"
	"k8s.io/examples/AI/infero/pkg/engine"
	"k8s.io/examples/AI/infero/pkg/errdefs"
	"k8s.io/examples/AI/infero/pkg/tensor"
)

type runtimeState int

const (
	runtimeNew runtimeState = iota
	runtimeInitialised
	runtimeFinalised
)

// Runtime owns the process group connection and the handle table.
type Runtime struct {
	mu      sync.Mutex
	state   runtimeState
	options *options
	handles handleTable
}

func NewRuntime() *Runtime {
	return &Runtime{}
}

// Initialise joins the process group and readies the runtime. Without
// WithCommunicator the group comes from collective.FromEnv. It may be called once.
func (r *Runtime) Initialise(ctx context.Context, opts ...Option) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.state != runtimeNew {
		return errdefs.InvalidStatef("infero is already initialised")
	}
	o := defaultOptions()
	for _, opt := range opts {
		opt(o)
	}
	if o.comm == nil {
		comm, err := collective.FromEnv(ctx)
		if err != nil {
			return fmt.Errorf("joining process group: %w", err)
		}
		o.comm = comm
	}
	r.options = o
	r.state = runtimeInitialised

	klog.FromContext(ctx).Info("initialised infero", "rank", o.comm.Rank(), "size", o.comm.Size(), "engines", engine.Registered())
	return nil
}

// Finalise closes and deletes any handles left behind, waits for the rest of the group
// and leaves it.
func (r *Runtime) Finalise(ctx context.Context) error {
	r.mu.Lock()
	if r.state != runtimeInitialised {
		r.mu.Unlock()
		return errdefs.InvalidStatef("infero is not initialised")
	}
	r.state = runtimeFinalised
	var leftover []*Handle
	for _, id := range r.handles.live() {
		h, _ := r.handles.get(id)
		leftover = append(leftover, h)
		r.handles.remove(id, h)
	}
	comm := r.options.comm
	r.mu.Unlock()

	log := klog.FromContext(ctx)
	var errs []error
	for _, h := range leftover {
		if h.State() == Open {
			if err := h.Close(); err != nil {
				errs = append(errs, err)
			}
		}
		// Deleting races only with a concurrent Delete, which has the same outcome.
		_ = h.Delete()
	}
	if len(leftover) > 0 {
		log.Info("finalise cleaned up handles", "count", len(leftover))
	}

	if err := comm.Barrier(ctx); err != nil {
		errs = append(errs, fmt.Errorf("waiting for group: %w", err))
	}
	if err := comm.Close(); err != nil {
		errs = append(errs, fmt.Errorf("leaving group: %w", err))
	}
	return errors.Join(errs...)
}

// Communicator returns the group joined by Initialise.
func (r *Runtime) Communicator() (collective.Communicator, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.state != runtimeInitialised {
		return nil, errdefs.InvalidStatef("infero is not initialised")
	}
	return r.options.comm, nil
}

// CreateHandle registers a new handle for cfg. opts override the runtime's options for
// this handle only.
func (r *Runtime) CreateHandle(cfg config.Configuration, opts ...Option) (HandleID, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.state != runtimeInitialised {
		return 0, errdefs.InvalidStatef("infero is not initialised")
	}
	o := *r.options
	for _, opt := range opts {
		opt(&o)
	}
	h, err := newHandle(cfg, &o)
	if err != nil {
		return 0, err
	}
	return r.handles.add(h), nil
}

// CreateHandleFromYAML is CreateHandle with the configuration given as YAML, e.g.
// "path: model.onnx\ntype: onnx".
func (r *Runtime) CreateHandleFromYAML(s string, opts ...Option) (HandleID, error) {
	cfg, err := config.FromYAML(s)
	if err != nil {
		return 0, err
	}
	return r.CreateHandle(cfg, opts...)
}

// Handle returns the handle behind id.
func (r *Runtime) Handle(id HandleID) (*Handle, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.state != runtimeInitialised {
		return nil, errdefs.InvalidStatef("infero is not initialised")
	}
	return r.handles.get(id)
}

func (r *Runtime) OpenHandle(ctx context.Context, id HandleID) error {
	h, err := r.Handle(id)
	if err != nil {
		return err
	}
	ctx = klog.NewContext(ctx, klog.FromContext(ctx).WithValues("handle", id))
	return h.Open(ctx)
}

func (r *Runtime) Infer(ctx context.Context, id HandleID, in, out *tensor.Tensor) error {
	h, err := r.Handle(id)
	if err != nil {
		return err
	}
	return h.Infer(ctx, in, out)
}

func (r *Runtime) InferMIMO(ctx context.Context, id HandleID, inputs, outputs []engine.Named) error {
	h, err := r.Handle(id)
	if err != nil {
		return err
	}
	return h.InferMIMO(ctx, inputs, outputs)
}

func (r *Runtime) InferFloat(ctx context.Context, id HandleID, inputs, outputs []RawTensor) error {
	h, err := r.Handle(id)
	if err != nil {
		return err
	}
	return h.InferFloat(ctx, inputs, outputs)
}

func (r *Runtime) Describe(id HandleID) (engine.Signature, error) {
	h, err := r.Handle(id)
	if err != nil {
		return engine.Signature{}, err
	}
	return h.Describe()
}

func (r *Runtime) Print(id HandleID, w io.Writer) error {
	h, err := r.Handle(id)
	if err != nil {
		return err
	}
	return h.Print(w)
}

func (r *Runtime) CloseHandle(id HandleID) error {
	h, err := r.Handle(id)
	if err != nil {
		return err
	}
	return h.Close()
}

// DeleteHandle retires id. Later use of id, including a second delete, fails with
// errdefs.ErrInvalidState.
func (r *Runtime) DeleteHandle(id HandleID) error {
	h, err := r.Handle(id)
	if err != nil {
		return err
	}
	if err := h.Delete(); err != nil {
		return err
	}
	r.mu.Lock()
	r.handles.remove(id, h)
	r.mu.Unlock()
	return nil
}

// The process-wide runtime used by the package-level functions.
var std = NewRuntime()

func Initialise(ctx context.Context, opts ...Option) error { return std.Initialise(ctx, opts...) }
func Finalise(ctx context.Context) error                   { return std.Finalise(ctx) }

func CreateHandle(cfg config.Configuration, opts ...Option) (HandleID, error) {
	return std.CreateHandle(cfg, opts...)
}

func CreateHandleFromYAML(s string, opts ...Option) (HandleID, error) {
	return std.CreateHandleFromYAML(s, opts...)
}

func OpenHandle(ctx context.Context, id HandleID) error { return std.OpenHandle(ctx, id) }

func Infer(ctx context.Context, id HandleID, in, out *tensor.Tensor) error {
	return std.Infer(ctx, id, in, out)
}

func InferMIMO(ctx context.Context, id HandleID, inputs, outputs []engine.Named) error {
	return std.InferMIMO(ctx, id, inputs, outputs)
}

func InferFloat(ctx context.Context, id HandleID, inputs, outputs []RawTensor) error {
	return std.InferFloat(ctx, id, inputs, outputs)
}

func PrintHandle(id HandleID, w io.Writer) error { return std.Print(id, w) }
func CloseHandle(id HandleID) error              { return std.CloseHandle(id) }
func DeleteHandle(id HandleID) error             { return std.DeleteHandle(id) }
