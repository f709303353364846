package infero

import (
	"context"
	"fmt"
	"io"
	"slices"
	"sync"

	"github.com/dustin/go-humanize"
	"k8s.io/klog/v2"

	"k8s.io/examples/AI/infero/pkg/collective"
	"k8s.io/examples/AI/infero/pkg/config"
	"k8s.io/examples/AI/infero/pkg/distribute"
	"k8s.io/examples/AI/infero/pkg/engine"
	"k8s.io/examples/AI/infero/pkg/errdefs"
	"k8s.io/examples/AI/infero/pkg/modelbuffer"
	"k8s.io/examples/AI/infero/pkg/tensor"
)

// State is the lifecycle position of a Handle.
type State int

const (
	Uninitialized State = iota
	Created
	Open
	Closed
	Deleted
)

var stateNames = [...]string{"uninitialized", "created", "open", "closed", "deleted"}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return fmt.Sprintf("State(%d)", int(s))
	}
	return stateNames[s]
}

// Handle wraps one Engine and enforces the order of calls made on it:
//
//	Created --Open--> Open --Close--> Closed --Delete--> Deleted
//	Created --Delete--> Deleted
//
// Infer is valid only while Open. Every other call fails with errdefs.ErrInvalidState.
// Calls on a Handle are serialised, so an Engine never runs two inferences at once.
type Handle struct {
	mu    sync.Mutex
	state State

	cfg        config.Configuration
	engineType string
	options    *options

	engine engine.Engine
	model  *modelbuffer.ModelBuffer
}

// NewHandle creates a handle for cfg, which must name the engine under "type". Model
// location ("path") is only needed on the member that loads the model. No backend
// resources are built until Open.
func NewHandle(cfg config.Configuration, opts ...Option) (*Handle, error) {
	o := defaultOptions()
	for _, opt := range opts {
		opt(o)
	}
	return newHandle(cfg, o)
}

func newHandle(cfg config.Configuration, o *options) (*Handle, error) {
	engineType, err := cfg.MustString(config.KeyType)
	if err != nil {
		return nil, err
	}
	return &Handle{
		state:      Created,
		cfg:        cfg,
		engineType: engineType,
		options:    o,
	}, nil
}

func (h *Handle) State() State {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.state
}

func (h *Handle) expect(op string, states ...State) error {
	if !slices.Contains(states, h.state) {
		return errdefs.InvalidStatef("cannot %s a handle that is %v", op, h.state)
	}
	return nil
}

// Open distributes the model across the group and builds the engine. Every member of
// the group must call Open on its corresponding handle. On failure the handle stays
// Created and Open may be retried.
func (h *Handle) Open(ctx context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if err := h.expect("open", Created); err != nil {
		return err
	}
	log := klog.FromContext(ctx).WithValues("engine", h.engineType)

	// Every member checks this before entering the collective, so a bad type fails
	// everywhere without a broadcast.
	if !slices.Contains(engine.Registered(), h.engineType) {
		return errdefs.Configurationf("unknown engine type %q (registered: %v)", h.engineType, engine.Registered())
	}

	comm := h.options.communicator()
	model, err := distribute.Load(ctx, comm, h.source(), h.options.distribute)
	if err != nil {
		return fmt.Errorf("distributing model: %w", err)
	}

	e, err := engine.Create(h.engineType, h.cfg, model)
	if err != nil {
		return err
	}
	h.engine = e
	h.model = model
	h.state = Open
	log.Info("opened handle", "rank", comm.Rank(), "size", humanize.IBytes(uint64(model.Size())))
	return nil
}

// source reads "path" lazily so that only the loading member needs it.
func (h *Handle) source() distribute.Source {
	if h.options.model != nil {
		return distribute.FromBuffer(h.options.model)
	}
	return func(ctx context.Context) (*modelbuffer.ModelBuffer, error) {
		path, err := h.cfg.MustString(config.KeyPath)
		if err != nil {
			return nil, err
		}
		return distribute.FromLocation(path, h.options.source)(ctx)
	}
}

func (h *Handle) Infer(ctx context.Context, in, out *tensor.Tensor) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if err := h.expect("run inference on", Open); err != nil {
		return err
	}
	return h.engine.Infer(ctx, in, out)
}

func (h *Handle) InferMIMO(ctx context.Context, inputs, outputs []engine.Named) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if err := h.expect("run inference on", Open); err != nil {
		return err
	}
	return h.engine.InferMIMO(ctx, inputs, outputs)
}

// InferFloat runs inference over caller buffers. Unnamed tensors bind to the model's
// inputs and outputs by position. Outputs are written in place, in each tensor's layout,
// and only once the whole inference has succeeded.
func (h *Handle) InferFloat(ctx context.Context, inputs, outputs []RawTensor) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if err := h.expect("run inference on", Open); err != nil {
		return err
	}
	sig := h.engine.Describe()

	ins := make([]engine.Named, len(inputs))
	for i := range inputs {
		name, err := bindName("input", inputs[i].Name, i, sig.Inputs)
		if err != nil {
			return err
		}
		t, err := inputs[i].input()
		if err != nil {
			return fmt.Errorf("input %q: %w", name, err)
		}
		ins[i] = engine.Named{Name: name, Tensor: t}
	}

	outs := make([]engine.Named, len(outputs))
	var pending []func() error
	for i := range outputs {
		name, err := bindName("output", outputs[i].Name, i, sig.Outputs)
		if err != nil {
			return err
		}
		t, finish, err := outputs[i].output()
		if err != nil {
			return fmt.Errorf("output %q: %w", name, err)
		}
		outs[i] = engine.Named{Name: name, Tensor: t}
		if finish != nil {
			pending = append(pending, finish)
		}
	}

	if err := h.engine.InferMIMO(ctx, ins, outs); err != nil {
		return err
	}
	for _, finish := range pending {
		if err := finish(); err != nil {
			return err
		}
	}
	return nil
}

func bindName(kind, name string, position int, declared []engine.IO) (string, error) {
	if name != "" {
		return name, nil
	}
	if position >= len(declared) {
		return "", errdefs.Configurationf("%s %d has no name and the model declares only %d", kind, position, len(declared))
	}
	return declared[position].Name, nil
}

// Describe returns the signature of the open engine.
func (h *Handle) Describe() (engine.Signature, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if err := h.expect("describe", Open); err != nil {
		return engine.Signature{}, err
	}
	return h.engine.Describe(), nil
}

func (h *Handle) Print(w io.Writer) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if err := h.expect("print", Open); err != nil {
		return err
	}
	h.engine.Print(w)
	return nil
}

// Close releases the engine. The model buffer is dropped with it.
func (h *Handle) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if err := h.expect("close", Open); err != nil {
		return err
	}
	err := h.engine.Close()
	h.engine = nil
	h.model = nil
	h.state = Closed
	if err != nil {
		return errdefs.Mark(fmt.Errorf("closing %s engine: %w", h.engineType, err), errdefs.ErrEngineRuntime)
	}
	return nil
}

// Delete retires the handle. An open handle must be closed first.
func (h *Handle) Delete() error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if err := h.expect("delete", Created, Closed); err != nil {
		return err
	}
	h.state = Deleted
	return nil
}

// RawTensor describes a caller buffer of float32 values.
type RawTensor struct {
	// Name binds the tensor to a model input or output. Empty binds by position.
	Name   string
	Data   []float32
	Shape  []int
	Layout tensor.Layout
}

func (r *RawTensor) check() error {
	if err := tensor.ValidateShape(r.Shape); err != nil {
		return err
	}
	if n := tensor.NumElements(r.Shape); n != len(r.Data) {
		return errdefs.Shapef("shape %v holds %d elements, buffer has %d", r.Shape, n, len(r.Data))
	}
	switch r.Layout {
	case tensor.RowMajor, tensor.ColumnMajor:
		return nil
	default:
		return errdefs.Configurationf("unknown layout %d", r.Layout)
	}
}

// input returns a tensor the engine may read. Row-major buffers are borrowed.
func (r *RawTensor) input() (*tensor.Tensor, error) {
	if err := r.check(); err != nil {
		return nil, err
	}
	if r.Layout == tensor.RowMajor {
		return tensor.Wrap(r.Data, r.Shape, false)
	}
	t := tensor.New(r.Shape...)
	if err := tensor.ColumnMajorToRowMajor(r.Shape, r.Data, t.Data); err != nil {
		return nil, err
	}
	return t, nil
}

// output returns the tensor the engine writes, and for column-major buffers a finish
// step that copies the result back in Fortran order.
func (r *RawTensor) output() (*tensor.Tensor, func() error, error) {
	if err := r.check(); err != nil {
		return nil, nil, err
	}
	if r.Layout == tensor.RowMajor {
		t, err := tensor.Wrap(r.Data, r.Shape, false)
		return t, nil, err
	}
	t := tensor.New(r.Shape...)
	return t, func() error {
		return tensor.RowMajorToColumnMajor(r.Shape, t.Data, r.Data)
	}, nil
}

// options are shared by every handle of a Runtime.
type options struct {
	comm       collective.Communicator
	source     modelbuffer.SourceOptions
	distribute distribute.Options
	model      *modelbuffer.ModelBuffer
}

func defaultOptions() *options {
	return &options{}
}

func (o *options) communicator() collective.Communicator {
	if o.comm == nil {
		return collective.Self()
	}
	return o.comm
}

type Option func(*options)

// WithCommunicator sets the group models are distributed over. Without it Initialise
// joins the group described by the environment, and a standalone Handle uses a group
// of one.
func WithCommunicator(comm collective.Communicator) Option {
	return func(o *options) { o.comm = comm }
}

// WithSourceOptions configures how the loading member fetches remote models.
func WithSourceOptions(source modelbuffer.SourceOptions) Option {
	return func(o *options) { o.source = source }
}

// WithDistribution sets the root, timeout and size limit of model distribution.
func WithDistribution(d distribute.Options) Option {
	return func(o *options) { o.distribute = d }
}

// WithModel makes the loading member distribute buf instead of reading "path".
func WithModel(buf *modelbuffer.ModelBuffer) Option {
	return func(o *options) { o.model = buf }
}
