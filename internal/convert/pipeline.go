package convert

import (
	"fmt"
	"sort"
	"strings"

	"go.uber.org/zap"

	"github.com/born-ml/ckptconv/internal/checkpoint"
	cerrors "github.com/born-ml/ckptconv/internal/errors"
	"github.com/born-ml/ckptconv/internal/tensor"
)

// Well-known checkpoint keys.
const (
	KeyStateDict       = "state_dict"
	KeyOptimizerStates = "optimizer_states"
	KeyMeta            = "meta"
)

// Stats counts what each stage did.
type Stats struct {
	Unwrapped        bool // tree was a state_dict container
	OptimizerRemoved bool
	PicklesRemoved   int
	WeightsRemoved   int
	MetadataRemoved  bool
	ConvertedFP16    int
}

// Result is the output of a successful transformation.
type Result struct {
	// Tensors maps tensor names to tensors.
	Tensors map[string]*tensor.RawTensor
	// Order lists tensor names sorted lexicographically (serialization order).
	Order []string
	// Dropped lists non-tensor keys removed under NonTensorDrop.
	Dropped []string
	Stats   Stats
}

// Pipeline runs the fixed sequence of stages with one set of options.
type Pipeline struct {
	opts   Options
	logger *zap.Logger
}

// Option configures a Pipeline.
type Option func(*Pipeline)

// WithLogger sets the logger used for per-stage diagnostics.
func WithLogger(l *zap.Logger) Option {
	return func(p *Pipeline) {
		if l != nil {
			p.logger = l
		}
	}
}

// New creates a pipeline for opts.
func New(opts Options, fns ...Option) *Pipeline {
	p := &Pipeline{opts: opts, logger: zap.NewNop()}
	for _, fn := range fns {
		fn(p)
	}
	return p
}

// Transform runs the pipeline with default settings.
func Transform(tree checkpoint.Value, opts Options) (*Result, error) {
	return New(opts).Transform(tree)
}

// stage is one step of the pipeline. A stage owns its input mapping and
// returns the mapping handed to the next stage.
type stage struct {
	name    string
	enabled func(Options) bool
	run     func(p *Pipeline, m *checkpoint.Mapping, st *Stats) (*checkpoint.Mapping, error)
}

// stages is the fixed stage order after unwrapping.
var stages = []stage{
	{"strip_optimizer", func(o Options) bool { return o.StripOptimizer }, (*Pipeline).stripOptimizer},
	{"remove_pickles", func(o Options) bool { return o.RemovePickles }, (*Pipeline).removePickles},
	{"remove_weights", func(o Options) bool { return o.RemoveWeights }, (*Pipeline).removeWeights},
	{"strip_metadata", func(o Options) bool { return o.StripMetadata }, (*Pipeline).stripMetadata},
	{"fp16", func(o Options) bool { return o.UseFP16 }, (*Pipeline).toFP16},
}

// Transform consumes tree and returns the flat tensor mapping.
// The tree is emptied in the process and must not be reused.
func (p *Pipeline) Transform(tree checkpoint.Value) (*Result, error) {
	var st Stats

	m, err := unwrap(tree, &st)
	if err != nil {
		return nil, err
	}
	p.logger.Debug("unwrapped checkpoint", zap.Bool("state_dict", st.Unwrapped), zap.Int("entries", m.Len()))

	for _, s := range stages {
		if !s.enabled(p.opts) {
			continue
		}
		if m, err = s.run(p, m, &st); err != nil {
			return nil, err
		}
		p.logger.Debug("stage complete", zap.String("stage", s.name), zap.Int("entries", m.Len()))
	}

	res, err := p.finalize(m)
	if err != nil {
		return nil, err
	}
	res.Stats = st
	return res, nil
}

// unwrap takes ownership of the working mapping, descending into state_dict when present.
func unwrap(tree checkpoint.Value, st *Stats) (*checkpoint.Mapping, error) {
	root, ok := tree.(*checkpoint.Mapping)
	if !ok {
		return nil, cerrors.NewFormat("unwrap", fmt.Sprintf("expected a mapping at top level, got %s", describe(tree)))
	}

	inner, ok := root.Get(KeyStateDict)
	if !ok {
		return root.Take(), nil
	}
	sd, ok := inner.(*checkpoint.Mapping)
	if !ok {
		err := cerrors.NewFormat("unwrap", fmt.Sprintf("expected a mapping, got %s", describe(inner)))
		err.Key = KeyStateDict
		return nil, err
	}
	st.Unwrapped = true
	return sd.Take(), nil
}

func describe(v checkpoint.Value) string {
	if v == nil {
		return "nothing"
	}
	return v.Describe()
}

// filter moves the entries accepted by keep into a new mapping and returns
// the names of the rejected ones. Rejected tensors give up their buffers.
func filter(m *checkpoint.Mapping, keep func(key string, v checkpoint.Value) bool) (*checkpoint.Mapping, []string) {
	out := checkpoint.NewMapping()
	var removed []string
	src := m.Take()
	src.Range(func(k string, v checkpoint.Value) bool {
		if keep(k, v) {
			out.Set(k, v)
			return true
		}
		if t, ok := v.(*checkpoint.Tensor); ok {
			t.Raw.Release()
		}
		removed = append(removed, k)
		return true
	})
	return out, removed
}

func (p *Pipeline) stripOptimizer(m *checkpoint.Mapping, st *Stats) (*checkpoint.Mapping, error) {
	out, removed := filter(m, func(k string, _ checkpoint.Value) bool { return k != KeyOptimizerStates })
	st.OptimizerRemoved = len(removed) > 0
	return out, nil
}

// removePickles drops byte blobs and opaque objects or sequences.
// Tensors, scalars and nested mappings are left for later stages.
func (p *Pipeline) removePickles(m *checkpoint.Mapping, st *Stats) (*checkpoint.Mapping, error) {
	out, removed := filter(m, func(_ string, v checkpoint.Value) bool {
		switch x := v.(type) {
		case checkpoint.Bytes:
			return false
		case *checkpoint.Other:
			return x.Kind != checkpoint.OtherObject && x.Kind != checkpoint.OtherList
		default:
			return true
		}
	})
	for _, k := range removed {
		p.logger.Debug("removed pickled entry", zap.String("key", k))
	}
	st.PicklesRemoved += len(removed)
	return out, nil
}

// removeWeights drops every entry whose name mentions weight or bias (case-sensitive).
func (p *Pipeline) removeWeights(m *checkpoint.Mapping, st *Stats) (*checkpoint.Mapping, error) {
	out, removed := filter(m, func(k string, _ checkpoint.Value) bool {
		return !strings.Contains(k, "weight") && !strings.Contains(k, "bias")
	})
	st.WeightsRemoved += len(removed)
	return out, nil
}

func (p *Pipeline) stripMetadata(m *checkpoint.Mapping, st *Stats) (*checkpoint.Mapping, error) {
	out, removed := filter(m, func(k string, _ checkpoint.Value) bool { return k != KeyMeta })
	st.MetadataRemoved = len(removed) > 0
	return out, nil
}

// toFP16 converts every tensor to float16. Non-tensors pass through.
func (p *Pipeline) toFP16(m *checkpoint.Mapping, st *Stats) (*checkpoint.Mapping, error) {
	out := checkpoint.NewMapping()
	src := m.Take()
	var err error
	src.Range(func(k string, v checkpoint.Value) bool {
		t, ok := v.(*checkpoint.Tensor)
		if !ok {
			out.Set(k, v)
			return true
		}
		if t.Raw.DType() == tensor.Float16 {
			out.Set(k, t)
			return true
		}
		half, convErr := tensor.ToFloat16(t.Raw)
		if convErr != nil {
			cErr := cerrors.NewUnsupportedValue("fp16", k, "cannot convert to float16")
			cErr.Err = convErr
			err = cErr
			return false
		}
		out.Set(k, checkpoint.NewTensor(half))
		st.ConvertedFP16++
		return true
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// finalize applies the non-tensor policy and builds the result.
func (p *Pipeline) finalize(m *checkpoint.Mapping) (*Result, error) {
	var offending []string
	m.Range(func(k string, v checkpoint.Value) bool {
		if _, ok := v.(*checkpoint.Tensor); !ok {
			offending = append(offending, k)
		}
		return true
	})

	if len(offending) > 0 && p.opts.nonTensorPolicy() == NonTensorError {
		err := cerrors.NewUnsupportedValue("finalize", offending[0],
			fmt.Sprintf("%d non-tensor value(s) cannot be stored: %s", len(offending), strings.Join(offending, ", ")))
		return nil, err
	}

	res := &Result{Tensors: make(map[string]*tensor.RawTensor, m.Len()-len(offending))}
	m.Range(func(k string, v checkpoint.Value) bool {
		if t, ok := v.(*checkpoint.Tensor); ok {
			res.Tensors[k] = t.Raw
			res.Order = append(res.Order, k)
			return true
		}
		p.logger.Warn("dropping non-tensor value", zap.String("key", k), zap.String("value", v.Describe()))
		res.Dropped = append(res.Dropped, k)
		return true
	})
	sort.Strings(res.Order)
	return res, nil
}
