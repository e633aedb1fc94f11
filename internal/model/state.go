package model

import (
	"fmt"
	"sort"

	"github.com/born-ml/born/nn"
	"github.com/born-ml/born/tensor"
)

// NamedParameter pairs a parameter with its stable state-dict key.
type NamedParameter[B tensor.Backend] struct {
	Name  string
	Param *nn.Parameter[B]
}

// NamedParameters lists every trainable parameter with a hierarchical name,
// e.g. "decoder.layers.1.cross_attention.2.weight". Order is stable.
func (m *Transformer[B]) NamedParameters() []NamedParameter[B] {
	var out []NamedParameter[B]
	add := func(prefix string, params []*nn.Parameter[B]) {
		for i, p := range params {
			name := fmt.Sprintf("%s.%d", prefix, i)
			if p.Name() != "" {
				name += "." + p.Name()
			}
			out = append(out, NamedParameter[B]{Name: name, Param: p})
		}
	}

	add("encoder.embedding", m.Encoder.Embedding.Parameters())
	for i, layer := range m.Encoder.Layers {
		add(fmt.Sprintf("encoder.layers.%d", i), layer.Parameters())
	}

	add("decoder.embedding", m.Decoder.Embedding.Parameters())
	for i, layer := range m.Decoder.Layers {
		prefix := fmt.Sprintf("decoder.layers.%d", i)
		add(prefix+".self_attention", layer.SelfAttention.Parameters())
		add(prefix+".cross_attention", layer.CrossAttention.Parameters())
		add(prefix+".ffn", layer.FFN.Parameters())
		add(prefix+".norm1", layer.Norm1.Parameters())
		add(prefix+".norm2", layer.Norm2.Parameters())
		add(prefix+".norm3", layer.Norm3.Parameters())
	}

	add("output", m.Output.Parameters())
	return out
}

// Parameters returns all trainable parameters, for the optimizer.
func (m *Transformer[B]) Parameters() []*nn.Parameter[B] {
	named := m.NamedParameters()
	params := make([]*nn.Parameter[B], len(named))
	for i, np := range named {
		params[i] = np.Param
	}
	return params
}

// NumParameters counts trainable scalars.
func (m *Transformer[B]) NumParameters() int {
	total := 0
	for _, p := range m.Parameters() {
		total += p.Tensor().Shape().NumElements()
	}
	return total
}

// StateDict maps parameter names to their raw tensors. The tensors are
// shared with the model, not copied.
func (m *Transformer[B]) StateDict() map[string]*tensor.RawTensor {
	named := m.NamedParameters()
	state := make(map[string]*tensor.RawTensor, len(named))
	for _, np := range named {
		state[np.Name] = np.Param.Tensor().Raw()
	}
	return state
}

// LoadStateDict copies values from state into the model's parameters.
//
// Every parameter must be present with a matching shape. Values are copied,
// so loading the same state twice leaves the model in the same state.
func (m *Transformer[B]) LoadStateDict(state map[string]*tensor.RawTensor) error {
	named := m.NamedParameters()

	// Validate everything before touching any parameter.
	for _, np := range named {
		raw, ok := state[np.Name]
		if !ok {
			return fmt.Errorf("missing %s in state dict", np.Name)
		}
		want := np.Param.Tensor().Shape()
		if !raw.Shape().Equal(want) {
			return fmt.Errorf("%s shape mismatch: expected %v, got %v", np.Name, want, raw.Shape())
		}
		if raw.DType() != tensor.Float32 {
			return fmt.Errorf("%s dtype mismatch: expected float32, got %v", np.Name, raw.DType())
		}
	}

	if extra := unknownKeys(state, named); len(extra) > 0 {
		return fmt.Errorf("unexpected keys in state dict: %v", extra)
	}

	for _, np := range named {
		copy(np.Param.Tensor().Data(), state[np.Name].AsFloat32())
	}
	return nil
}

func unknownKeys[B tensor.Backend](state map[string]*tensor.RawTensor, named []NamedParameter[B]) []string {
	known := make(map[string]bool, len(named))
	for _, np := range named {
		known[np.Name] = true
	}
	var extra []string
	for name := range state {
		if !known[name] {
			extra = append(extra, name)
		}
	}
	sort.Strings(extra)
	return extra
}

// Module adapts the model to nn.Module so it can be written with nn.Save and
// read with nn.Load. Forward on the adapter returns its input unchanged; use
// Transformer.Forward for inference.
func (m *Transformer[B]) Module() nn.Module[B] {
	return stateModule[B]{m}
}

type stateModule[B tensor.Backend] struct {
	m *Transformer[B]
}

func (s stateModule[B]) Forward(input *tensor.Tensor[float32, B]) *tensor.Tensor[float32, B] {
	return input
}

func (s stateModule[B]) Parameters() []*nn.Parameter[B] { return s.m.Parameters() }

func (s stateModule[B]) StateDict() map[string]*tensor.RawTensor { return s.m.StateDict() }

func (s stateModule[B]) LoadStateDict(state map[string]*tensor.RawTensor) error {
	return s.m.LoadStateDict(state)
}
