package checkpoints

import (
	"fmt"
	"math"
	"time"

	"google.golang.org/protobuf/encoding/protowire"
)

// Field numbers of the checkpoint messages.
//
//	message Checkpoint     { uint64 epoch = 1; repeated NamedTensor model = 2;
//	                         OptimizerState optimizer = 3; SchedulerState lr_scheduler = 4;
//	                         Metadata metadata = 5; }
//	message NamedTensor    { string name = 1; repeated uint64 shape = 2 [packed];
//	                         repeated fixed32 data = 3 [packed]; }
//	message OptimizerState { string type = 1; uint64 step = 2; double lr = 3; double beta1 = 4;
//	                         double beta2 = 5; double eps = 6; double weight_decay = 7;
//	                         repeated NamedTensor state = 8; }
//	message SchedulerState { string name = 1; double best = 2; uint64 bad_epochs = 3;
//	                         double current_lr = 4; bool initialized = 5; double factor = 6;
//	                         uint64 patience = 7; double threshold = 8; double base_lr = 9;
//	                         uint64 warmup_steps = 10; uint64 step = 11; string mode = 12; }
//	message Metadata       { string version = 1; string framework = 2;
//	                         int64 created_unix_nano = 3; string run_id = 4; }
const (
	ckptEpoch     protowire.Number = 1
	ckptModel     protowire.Number = 2
	ckptOptimizer protowire.Number = 3
	ckptScheduler protowire.Number = 4
	ckptMetadata  protowire.Number = 5

	tensorName  protowire.Number = 1
	tensorShape protowire.Number = 2
	tensorData  protowire.Number = 3
)

// MarshalProto encodes a checkpoint in protobuf wire format.
func MarshalProto(c *Checkpoint) []byte {
	var b []byte
	b = appendVarint(b, ckptEpoch, uint64(c.Epoch))
	for i := range c.Model {
		b = appendMessage(b, ckptModel, marshalTensor(&c.Model[i]))
	}
	if c.Optimizer != nil {
		b = appendMessage(b, ckptOptimizer, marshalOptimizer(c.Optimizer))
	}
	if c.Scheduler != nil {
		b = appendMessage(b, ckptScheduler, marshalScheduler(c.Scheduler))
	}
	b = appendMessage(b, ckptMetadata, marshalMetadata(&c.Metadata))
	return b
}

// UnmarshalProto decodes a checkpoint. Unknown fields are skipped.
func UnmarshalProto(b []byte) (*Checkpoint, error) {
	c := &Checkpoint{}
	err := walk(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case ckptEpoch:
			v, n, err := consumeVarint(typ, b)
			c.Epoch = int(v)
			return n, err
		case ckptModel:
			msg, n, err := consumeMessage(typ, b)
			if err != nil {
				return n, err
			}
			t, err := unmarshalTensor(msg)
			if err != nil {
				return n, fmt.Errorf("model tensor %d: %w", len(c.Model), err)
			}
			c.Model = append(c.Model, t)
			return n, nil
		case ckptOptimizer:
			msg, n, err := consumeMessage(typ, b)
			if err != nil {
				return n, err
			}
			c.Optimizer, err = unmarshalOptimizer(msg)
			return n, err
		case ckptScheduler:
			msg, n, err := consumeMessage(typ, b)
			if err != nil {
				return n, err
			}
			c.Scheduler, err = unmarshalScheduler(msg)
			return n, err
		case ckptMetadata:
			msg, n, err := consumeMessage(typ, b)
			if err != nil {
				return n, err
			}
			c.Metadata, err = unmarshalMetadata(msg)
			return n, err
		}
		return protowire.ConsumeFieldValue(num, typ, b), nil
	})
	if err != nil {
		return nil, err
	}
	return c, nil
}

func marshalTensor(t *NamedTensor) []byte {
	var b []byte
	b = appendString(b, tensorName, t.Name)

	var shape []byte
	for _, d := range t.Shape {
		shape = protowire.AppendVarint(shape, uint64(d))
	}
	b = appendMessage(b, tensorShape, shape)

	data := make([]byte, 0, 4*len(t.Data))
	for _, v := range t.Data {
		data = protowire.AppendFixed32(data, math.Float32bits(v))
	}
	return appendMessage(b, tensorData, data)
}

func unmarshalTensor(b []byte) (NamedTensor, error) {
	var t NamedTensor
	err := walk(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case tensorName:
			s, n, err := consumeString(typ, b)
			t.Name = s
			return n, err
		case tensorShape:
			if typ == protowire.VarintType {
				v, n := protowire.ConsumeVarint(b)
				t.Shape = append(t.Shape, int(v))
				return n, nil
			}
			packed, n, err := consumeMessage(typ, b)
			if err != nil {
				return n, err
			}
			for len(packed) > 0 {
				v, m := protowire.ConsumeVarint(packed)
				if m < 0 {
					return m, nil
				}
				t.Shape = append(t.Shape, int(v))
				packed = packed[m:]
			}
			return n, nil
		case tensorData:
			if typ == protowire.Fixed32Type {
				v, n := protowire.ConsumeFixed32(b)
				t.Data = append(t.Data, math.Float32frombits(v))
				return n, nil
			}
			packed, n, err := consumeMessage(typ, b)
			if err != nil {
				return n, err
			}
			if len(packed)%4 != 0 {
				return n, fmt.Errorf("packed float data of %d bytes", len(packed))
			}
			t.Data = make([]float32, 0, len(packed)/4)
			for len(packed) > 0 {
				v, m := protowire.ConsumeFixed32(packed)
				t.Data = append(t.Data, math.Float32frombits(v))
				packed = packed[m:]
			}
			return n, nil
		}
		return protowire.ConsumeFieldValue(num, typ, b), nil
	})
	if err != nil {
		return NamedTensor{}, err
	}

	size := 1
	for _, d := range t.Shape {
		size *= d
	}
	if len(t.Shape) == 0 || size != len(t.Data) {
		return NamedTensor{}, fmt.Errorf("tensor %q has shape %v but %d values", t.Name, t.Shape, len(t.Data))
	}
	return t, nil
}

func marshalOptimizer(o *OptimizerState) []byte {
	var b []byte
	b = appendString(b, 1, o.Type)
	b = appendVarint(b, 2, o.Step)
	b = appendDouble(b, 3, o.LearningRate)
	b = appendDouble(b, 4, o.Beta1)
	b = appendDouble(b, 5, o.Beta2)
	b = appendDouble(b, 6, o.Epsilon)
	b = appendDouble(b, 7, o.WeightDecay)
	for i := range o.StateData {
		b = appendMessage(b, 8, marshalTensor(&o.StateData[i]))
	}
	return b
}

func unmarshalOptimizer(b []byte) (*OptimizerState, error) {
	o := &OptimizerState{}
	err := walk(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case 1:
			s, n, err := consumeString(typ, b)
			o.Type = s
			return n, err
		case 2:
			v, n, err := consumeVarint(typ, b)
			o.Step = v
			return n, err
		case 3:
			return consumeDouble(typ, b, &o.LearningRate)
		case 4:
			return consumeDouble(typ, b, &o.Beta1)
		case 5:
			return consumeDouble(typ, b, &o.Beta2)
		case 6:
			return consumeDouble(typ, b, &o.Epsilon)
		case 7:
			return consumeDouble(typ, b, &o.WeightDecay)
		case 8:
			msg, n, err := consumeMessage(typ, b)
			if err != nil {
				return n, err
			}
			t, err := unmarshalTensor(msg)
			if err != nil {
				return n, fmt.Errorf("optimizer state: %w", err)
			}
			o.StateData = append(o.StateData, t)
			return n, nil
		}
		return protowire.ConsumeFieldValue(num, typ, b), nil
	})
	return o, err
}

func marshalScheduler(s *SchedulerState) []byte {
	var b []byte
	b = appendString(b, 1, s.Name)
	b = appendDouble(b, 2, s.Best)
	b = appendVarint(b, 3, uint64(s.BadEpochs))
	b = appendDouble(b, 4, s.CurrentLR)
	b = appendVarint(b, 5, protowire.EncodeBool(s.Initialized))
	b = appendDouble(b, 6, s.Factor)
	b = appendVarint(b, 7, uint64(s.Patience))
	b = appendDouble(b, 8, s.Threshold)
	b = appendDouble(b, 9, s.BaseLR)
	b = appendVarint(b, 10, uint64(s.WarmupSteps))
	b = appendVarint(b, 11, uint64(s.Step))
	b = appendString(b, 12, s.Mode)
	return b
}

func unmarshalScheduler(b []byte) (*SchedulerState, error) {
	s := &SchedulerState{}
	err := walk(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case 1:
			v, n, err := consumeString(typ, b)
			s.Name = v
			return n, err
		case 2:
			return consumeDouble(typ, b, &s.Best)
		case 3:
			v, n, err := consumeVarint(typ, b)
			s.BadEpochs = int(v)
			return n, err
		case 4:
			return consumeDouble(typ, b, &s.CurrentLR)
		case 5:
			v, n, err := consumeVarint(typ, b)
			s.Initialized = protowire.DecodeBool(v)
			return n, err
		case 6:
			return consumeDouble(typ, b, &s.Factor)
		case 7:
			v, n, err := consumeVarint(typ, b)
			s.Patience = int(v)
			return n, err
		case 8:
			return consumeDouble(typ, b, &s.Threshold)
		case 9:
			return consumeDouble(typ, b, &s.BaseLR)
		case 10:
			v, n, err := consumeVarint(typ, b)
			s.WarmupSteps = int(v)
			return n, err
		case 11:
			v, n, err := consumeVarint(typ, b)
			s.Step = int(v)
			return n, err
		case 12:
			v, n, err := consumeString(typ, b)
			s.Mode = v
			return n, err
		}
		return protowire.ConsumeFieldValue(num, typ, b), nil
	})
	return s, err
}

func marshalMetadata(m *Metadata) []byte {
	var b []byte
	b = appendString(b, 1, m.Version)
	b = appendString(b, 2, m.Framework)
	if !m.CreatedAt.IsZero() {
		b = appendVarint(b, 3, uint64(m.CreatedAt.UnixNano()))
	}
	if m.RunID != "" {
		b = appendString(b, 4, m.RunID)
	}
	return b
}

func unmarshalMetadata(b []byte) (Metadata, error) {
	var m Metadata
	err := walk(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case 1:
			s, n, err := consumeString(typ, b)
			m.Version = s
			return n, err
		case 2:
			s, n, err := consumeString(typ, b)
			m.Framework = s
			return n, err
		case 3:
			v, n, err := consumeVarint(typ, b)
			m.CreatedAt = time.Unix(0, int64(v)).UTC()
			return n, err
		case 4:
			s, n, err := consumeString(typ, b)
			m.RunID = s
			return n, err
		}
		return protowire.ConsumeFieldValue(num, typ, b), nil
	})
	return m, err
}

// walk calls fn for every field in b. fn receives the bytes following the
// tag and returns how many it consumed; a negative count is a protowire
// parse error.
func walk(b []byte, fn func(num protowire.Number, typ protowire.Type, b []byte) (int, error)) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return protowire.ParseError(n)
		}
		b = b[n:]

		m, err := fn(num, typ, b)
		if err != nil {
			return fmt.Errorf("field %d: %w", num, err)
		}
		if m < 0 {
			return fmt.Errorf("field %d: %w", num, protowire.ParseError(m))
		}
		b = b[m:]
	}
	return nil
}

func wrongType(got, want protowire.Type) error {
	return fmt.Errorf("wire type %d, expected %d", got, want)
}

func appendVarint(b []byte, num protowire.Number, v uint64) []byte {
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, v)
}

func appendDouble(b []byte, num protowire.Number, v float64) []byte {
	b = protowire.AppendTag(b, num, protowire.Fixed64Type)
	return protowire.AppendFixed64(b, math.Float64bits(v))
}

func appendString(b []byte, num protowire.Number, s string) []byte {
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendString(b, s)
}

func appendMessage(b []byte, num protowire.Number, msg []byte) []byte {
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendBytes(b, msg)
}

func consumeVarint(typ protowire.Type, b []byte) (uint64, int, error) {
	if typ != protowire.VarintType {
		return 0, 0, wrongType(typ, protowire.VarintType)
	}
	v, n := protowire.ConsumeVarint(b)
	return v, n, nil
}

func consumeDouble(typ protowire.Type, b []byte, dst *float64) (int, error) {
	if typ != protowire.Fixed64Type {
		return 0, wrongType(typ, protowire.Fixed64Type)
	}
	v, n := protowire.ConsumeFixed64(b)
	*dst = math.Float64frombits(v)
	return n, nil
}

func consumeString(typ protowire.Type, b []byte) (string, int, error) {
	if typ != protowire.BytesType {
		return "", 0, wrongType(typ, protowire.BytesType)
	}
	s, n := protowire.ConsumeString(b)
	return s, n, nil
}

func consumeMessage(typ protowire.Type, b []byte) ([]byte, int, error) {
	if typ != protowire.BytesType {
		return nil, 0, wrongType(typ, protowire.BytesType)
	}
	v, n := protowire.ConsumeBytes(b)
	if n < 0 {
		return nil, n, protowire.ParseError(n)
	}
	return v, n, nil
}
