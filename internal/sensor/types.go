// Package sensor defines the abstract sensor-read capability and the
// per-job aggregation of raw readings.
//
// Wire protocols live behind the Reader interface; a failed read is a
// per-cycle fault signal, never an error that aborts the firing.
package sensor

import (
	"context"
	"errors"
)

// Type names an abstract protocol class.
type Type string

const (
	TypeOPC    Type = "opc"
	TypePLC    Type = "plc"
	TypeModbus Type = "modbus"
)

func (t Type) Valid() bool {
	switch t {
	case TypeOPC, TypePLC, TypeModbus:
		return true
	}
	return false
}

// Ref identifies one configured sensor.
type Ref struct {
	ID   string `json:"id"`
	Type Type   `json:"type"`
}

// TitledValue is a single labeled reading.
type TitledValue struct {
	Title      string  `json:"title"`
	Value      float64 `json:"value"`
	MetricUnit string  `json:"metric_unit"`
}

// ErrDisabled marks a sensor that is configured but switched off.
// A disabled sensor contributes no value and no fault.
var ErrDisabled = errors.New("sensor disabled")

// ErrUnknownSensor marks a reference that no reader recognizes.
var ErrUnknownSensor = errors.New("unknown sensor")

// Reader is the abstract read capability. One blocking call per sensor;
// implementations must convert protocol failures into an error return,
// never a panic.
type Reader interface {
	Read(ctx context.Context, ref Ref) (TitledValue, error)
}

// ReadFunc adapts a function into a Reader.
type ReadFunc func(ctx context.Context, ref Ref) (TitledValue, error)

func (f ReadFunc) Read(ctx context.Context, ref Ref) (TitledValue, error) {
	return f(ctx, ref)
}

// Coefficient normalizes a configured scaling factor: values <= 0 mean
// "no scaling" and collapse to 1.
func Coefficient(c float64) float64 {
	if c <= 0 {
		return 1
	}
	return c
}
