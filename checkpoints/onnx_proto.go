package checkpoints

import (
	"encoding/binary"
	"math"

	"github.com/pkg/errors"
	"google.golang.org/protobuf/encoding/protowire"
)

// The subset of the ONNX protobuf schema (onnx.proto, IR version 7) written
// by the exporter. Messages are encoded field by field with protowire.

// ONNX TensorProto.DataType values
const (
	TensorProto_DataType_FLOAT int32 = 1
)

// ONNX AttributeProto.AttributeType values
const (
	AttributeFloat  int32 = 1
	AttributeInt    int32 = 2
	AttributeString int32 = 3
	AttributeFloats int32 = 6
	AttributeInts   int32 = 7
)

type ModelProto struct {
	IrVersion       int64
	ProducerName    string
	ProducerVersion string
	Domain          string
	ModelVersion    int64
	DocString       string
	Graph           *GraphProto
	OpsetImport     []*OperatorSetIdProto
}

type OperatorSetIdProto struct {
	Domain  string
	Version int64
}

type GraphProto struct {
	Node        []*NodeProto
	Name        string
	Initializer []*TensorProto
	DocString   string
	Input       []*ValueInfoProto
	Output      []*ValueInfoProto
}

type NodeProto struct {
	Input     []string
	Output    []string
	Name      string
	OpType    string
	Attribute []*AttributeProto
}

type AttributeProto struct {
	Name   string
	Type   int32
	F      float32
	I      int64
	S      []byte
	Floats []float32
	Ints   []int64
}

type TensorProto struct {
	Dims     []int64
	DataType int32
	Name     string
	RawData  []byte
}

// FloatData decodes RawData as little-endian float32 values.
func (t *TensorProto) FloatData() []float32 {
	out := make([]float32, len(t.RawData)/4)
	for i := range out {
		out[i] = math.Float32frombits(binary.LittleEndian.Uint32(t.RawData[i*4:]))
	}
	return out
}

// ValueInfoProto flattens TypeProto.Tensor into ElemType and Shape.
type ValueInfoProto struct {
	Name     string
	ElemType int32
	Shape    []Dimension
}

// Dimension holds either a fixed size or a symbolic name.
type Dimension struct {
	Value int64
	Param string
}

func appendString(b []byte, num protowire.Number, s string) []byte {
	if s == "" {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendString(b, s)
}

func appendVarint(b []byte, num protowire.Number, v int64) []byte {
	if v == 0 {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, uint64(v))
}

func appendMessage(b []byte, num protowire.Number, msg []byte) []byte {
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendBytes(b, msg)
}

// Marshal encodes the model in protobuf wire format.
func (m *ModelProto) Marshal() []byte {
	var b []byte
	b = appendVarint(b, 1, m.IrVersion)
	b = appendString(b, 2, m.ProducerName)
	b = appendString(b, 3, m.ProducerVersion)
	b = appendString(b, 4, m.Domain)
	b = appendVarint(b, 5, m.ModelVersion)
	b = appendString(b, 6, m.DocString)
	if m.Graph != nil {
		b = appendMessage(b, 7, m.Graph.marshal())
	}
	for _, op := range m.OpsetImport {
		var ob []byte
		ob = appendString(ob, 1, op.Domain)
		ob = appendVarint(ob, 2, op.Version)
		b = appendMessage(b, 8, ob)
	}
	return b
}

func (g *GraphProto) marshal() []byte {
	var b []byte
	for _, n := range g.Node {
		b = appendMessage(b, 1, n.marshal())
	}
	b = appendString(b, 2, g.Name)
	for _, t := range g.Initializer {
		b = appendMessage(b, 5, t.marshal())
	}
	b = appendString(b, 10, g.DocString)
	for _, v := range g.Input {
		b = appendMessage(b, 11, v.marshal())
	}
	for _, v := range g.Output {
		b = appendMessage(b, 12, v.marshal())
	}
	return b
}

func (n *NodeProto) marshal() []byte {
	var b []byte
	for _, in := range n.Input {
		b = protowire.AppendTag(b, 1, protowire.BytesType)
		b = protowire.AppendString(b, in)
	}
	for _, out := range n.Output {
		b = protowire.AppendTag(b, 2, protowire.BytesType)
		b = protowire.AppendString(b, out)
	}
	b = appendString(b, 3, n.Name)
	b = appendString(b, 4, n.OpType)
	for _, a := range n.Attribute {
		b = appendMessage(b, 5, a.marshal())
	}
	return b
}

func (a *AttributeProto) marshal() []byte {
	var b []byte
	b = appendString(b, 1, a.Name)
	switch a.Type {
	case AttributeFloat:
		b = protowire.AppendTag(b, 2, protowire.Fixed32Type)
		b = protowire.AppendFixed32(b, math.Float32bits(a.F))
	case AttributeInt:
		b = protowire.AppendTag(b, 3, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(a.I))
	case AttributeString:
		b = protowire.AppendTag(b, 4, protowire.BytesType)
		b = protowire.AppendBytes(b, a.S)
	case AttributeFloats:
		for _, f := range a.Floats {
			b = protowire.AppendTag(b, 7, protowire.Fixed32Type)
			b = protowire.AppendFixed32(b, math.Float32bits(f))
		}
	case AttributeInts:
		for _, i := range a.Ints {
			b = protowire.AppendTag(b, 8, protowire.VarintType)
			b = protowire.AppendVarint(b, uint64(i))
		}
	}
	b = protowire.AppendTag(b, 20, protowire.VarintType)
	return protowire.AppendVarint(b, uint64(a.Type))
}

func (t *TensorProto) marshal() []byte {
	var b []byte
	for _, d := range t.Dims {
		b = protowire.AppendTag(b, 1, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(d))
	}
	b = appendVarint(b, 2, int64(t.DataType))
	b = appendString(b, 8, t.Name)
	b = protowire.AppendTag(b, 9, protowire.BytesType)
	return protowire.AppendBytes(b, t.RawData)
}

// ValueInfoProto{name=1, type=2} → TypeProto{tensor_type=1} →
// Tensor{elem_type=1, shape=2} → TensorShapeProto{dim=1} → Dimension{dim_value=1, dim_param=2}
func (v *ValueInfoProto) marshal() []byte {
	var shape []byte
	for _, d := range v.Shape {
		var db []byte
		if d.Param != "" {
			db = appendString(db, 2, d.Param)
		} else {
			db = protowire.AppendTag(db, 1, protowire.VarintType)
			db = protowire.AppendVarint(db, uint64(d.Value))
		}
		shape = appendMessage(shape, 1, db)
	}

	var tensorType []byte
	tensorType = appendVarint(tensorType, 1, int64(v.ElemType))
	tensorType = appendMessage(tensorType, 2, shape)

	var typ []byte
	typ = appendMessage(typ, 1, tensorType)

	var b []byte
	b = appendString(b, 1, v.Name)
	return appendMessage(b, 2, typ)
}

// walk calls fn for every top-level field in a message.
func walk(b []byte, fn func(num protowire.Number, typ protowire.Type, value []byte, v uint64) error) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return errors.Wrap(protowire.ParseError(n), "reading tag")
		}
		b = b[n:]

		var value []byte
		var v uint64
		switch typ {
		case protowire.VarintType:
			v, n = protowire.ConsumeVarint(b)
		case protowire.Fixed32Type:
			var f uint32
			f, n = protowire.ConsumeFixed32(b)
			v = uint64(f)
		case protowire.BytesType:
			value, n = protowire.ConsumeBytes(b)
		default:
			n = protowire.ConsumeFieldValue(num, typ, b)
		}
		if n < 0 {
			return errors.Wrapf(protowire.ParseError(n), "reading field %d", num)
		}
		b = b[n:]

		if err := fn(num, typ, value, v); err != nil {
			return err
		}
	}
	return nil
}

// UnmarshalModel decodes the subset of ModelProto written by Marshal.
func UnmarshalModel(b []byte) (*ModelProto, error) {
	m := &ModelProto{}
	err := walk(b, func(num protowire.Number, typ protowire.Type, value []byte, v uint64) error {
		switch num {
		case 1:
			m.IrVersion = int64(v)
		case 2:
			m.ProducerName = string(value)
		case 3:
			m.ProducerVersion = string(value)
		case 4:
			m.Domain = string(value)
		case 5:
			m.ModelVersion = int64(v)
		case 6:
			m.DocString = string(value)
		case 7:
			g, err := unmarshalGraph(value)
			if err != nil {
				return errors.Wrap(err, "graph")
			}
			m.Graph = g
		case 8:
			op := &OperatorSetIdProto{}
			err := walk(value, func(num protowire.Number, _ protowire.Type, value []byte, v uint64) error {
				if num == 1 {
					op.Domain = string(value)
				} else if num == 2 {
					op.Version = int64(v)
				}
				return nil
			})
			if err != nil {
				return err
			}
			m.OpsetImport = append(m.OpsetImport, op)
		}
		return nil
	})
	return m, err
}

func unmarshalGraph(b []byte) (*GraphProto, error) {
	g := &GraphProto{}
	err := walk(b, func(num protowire.Number, _ protowire.Type, value []byte, _ uint64) error {
		switch num {
		case 1:
			n, err := unmarshalNode(value)
			if err != nil {
				return err
			}
			g.Node = append(g.Node, n)
		case 2:
			g.Name = string(value)
		case 5:
			t, err := unmarshalTensor(value)
			if err != nil {
				return err
			}
			g.Initializer = append(g.Initializer, t)
		case 10:
			g.DocString = string(value)
		case 11, 12:
			vi, err := unmarshalValueInfo(value)
			if err != nil {
				return err
			}
			if num == 11 {
				g.Input = append(g.Input, vi)
			} else {
				g.Output = append(g.Output, vi)
			}
		}
		return nil
	})
	return g, err
}

func unmarshalNode(b []byte) (*NodeProto, error) {
	n := &NodeProto{}
	err := walk(b, func(num protowire.Number, _ protowire.Type, value []byte, _ uint64) error {
		switch num {
		case 1:
			n.Input = append(n.Input, string(value))
		case 2:
			n.Output = append(n.Output, string(value))
		case 3:
			n.Name = string(value)
		case 4:
			n.OpType = string(value)
		case 5:
			a, err := unmarshalAttribute(value)
			if err != nil {
				return err
			}
			n.Attribute = append(n.Attribute, a)
		}
		return nil
	})
	return n, err
}

func unmarshalAttribute(b []byte) (*AttributeProto, error) {
	a := &AttributeProto{}
	err := walk(b, func(num protowire.Number, typ protowire.Type, value []byte, v uint64) error {
		switch num {
		case 1:
			a.Name = string(value)
		case 2:
			a.F = math.Float32frombits(uint32(v))
		case 3:
			a.I = int64(v)
		case 4:
			a.S = append([]byte(nil), value...)
		case 7:
			if typ == protowire.BytesType {
				for len(value) >= 4 {
					a.Floats = append(a.Floats, math.Float32frombits(binary.LittleEndian.Uint32(value)))
					value = value[4:]
				}
			} else {
				a.Floats = append(a.Floats, math.Float32frombits(uint32(v)))
			}
		case 8:
			if typ == protowire.BytesType {
				for len(value) > 0 {
					x, n := protowire.ConsumeVarint(value)
					if n < 0 {
						return protowire.ParseError(n)
					}
					a.Ints = append(a.Ints, int64(x))
					value = value[n:]
				}
			} else {
				a.Ints = append(a.Ints, int64(v))
			}
		case 20:
			a.Type = int32(v)
		}
		return nil
	})
	return a, err
}

func unmarshalTensor(b []byte) (*TensorProto, error) {
	t := &TensorProto{}
	err := walk(b, func(num protowire.Number, _ protowire.Type, value []byte, v uint64) error {
		switch num {
		case 1:
			t.Dims = append(t.Dims, int64(v))
		case 2:
			t.DataType = int32(v)
		case 8:
			t.Name = string(value)
		case 9:
			t.RawData = append([]byte(nil), value...)
		}
		return nil
	})
	return t, err
}

func unmarshalValueInfo(b []byte) (*ValueInfoProto, error) {
	vi := &ValueInfoProto{}
	err := walk(b, func(num protowire.Number, _ protowire.Type, value []byte, _ uint64) error {
		switch num {
		case 1:
			vi.Name = string(value)
		case 2:
			return walk(value, func(num protowire.Number, _ protowire.Type, tensorType []byte, _ uint64) error {
				if num != 1 {
					return nil
				}
				return walk(tensorType, func(num protowire.Number, _ protowire.Type, value []byte, v uint64) error {
					switch num {
					case 1:
						vi.ElemType = int32(v)
					case 2:
						return walk(value, func(_ protowire.Number, _ protowire.Type, dim []byte, _ uint64) error {
							var d Dimension
							err := walk(dim, func(num protowire.Number, _ protowire.Type, value []byte, v uint64) error {
								if num == 1 {
									d.Value = int64(v)
								} else if num == 2 {
									d.Param = string(value)
								}
								return nil
							})
							vi.Shape = append(vi.Shape, d)
							return err
						})
					}
					return nil
				})
			})
		}
		return nil
	})
	return vi, err
}
