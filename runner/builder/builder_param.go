package builder

import (
	"fmt"
	"reflect"
)

// Direction indicates parameter data flow
type Direction int

const (
	DirectionInput Direction = iota
	DirectionOutput
	DirectionInOut
)

func (d Direction) String() string {
	switch d {
	case DirectionInput:
		return "input"
	case DirectionOutput:
		return "output"
	case DirectionInOut:
		return "inout"
	default:
		return fmt.Sprintf("Direction(%d)", int(d))
	}
}

// ParamBuilder provides a fluent interface for building kernel buffer parameters
type ParamBuilder struct {
	Spec ParamSpec
}

// ParamSpec holds the complete specification for a kernel buffer parameter
type ParamSpec struct {
	Name        string
	Direction   Direction
	HostBinding interface{}

	// Type and size (inferred or explicit)
	DataType DataType
	Size     int64 // elements
}

// Input creates a parameter specification for a read-only input
func Input(deviceName string) *ParamBuilder {
	return &ParamBuilder{Spec: ParamSpec{Name: deviceName, Direction: DirectionInput}}
}

// Output creates a parameter specification for a write-only output
func Output(deviceName string) *ParamBuilder {
	return &ParamBuilder{Spec: ParamSpec{Name: deviceName, Direction: DirectionOutput}}
}

// InOut creates a parameter specification for a read-write buffer
func InOut(deviceName string) *ParamBuilder {
	return &ParamBuilder{Spec: ParamSpec{Name: deviceName, Direction: DirectionInOut}}
}

// Bind associates a host slice with this parameter, inferring type and size
func (p *ParamBuilder) Bind(hostVar interface{}) *ParamBuilder {
	p.Spec.HostBinding = hostVar
	p.inferFromBinding()
	return p
}

// Type sets the element type explicitly
func (p *ParamBuilder) Type(dataType DataType) *ParamBuilder {
	p.Spec.DataType = dataType
	return p
}

// Size sets the element count explicitly
func (p *ParamBuilder) Size(elements int) *ParamBuilder {
	p.Spec.Size = int64(elements)
	return p
}

// Build validates and returns the specification
func (p *ParamBuilder) Build() (ParamSpec, error) {
	if err := p.Spec.Validate(); err != nil {
		return ParamSpec{}, err
	}
	return p.Spec, nil
}

func (p *ParamBuilder) inferFromBinding() {
	v := reflect.ValueOf(p.Spec.HostBinding)
	if !v.IsValid() || v.Kind() != reflect.Slice {
		return
	}
	p.Spec.Size = int64(v.Len())
	switch v.Type().Elem().Kind() {
	case reflect.Float32:
		p.Spec.DataType = Float32
	case reflect.Float64:
		p.Spec.DataType = Float64
	case reflect.Int32:
		p.Spec.DataType = INT32
	case reflect.Int64:
		p.Spec.DataType = INT64
	}
}

// Validate checks if the parameter specification is complete and valid
func (p *ParamSpec) Validate() error {
	if p.Name == "" {
		return fmt.Errorf("parameter name cannot be empty")
	}
	if p.Size <= 0 {
		return fmt.Errorf("array %s needs a positive size, got %d", p.Name, p.Size)
	}
	if p.DataType == 0 {
		return fmt.Errorf("array %s needs type", p.Name)
	}
	if p.HostBinding != nil {
		v := reflect.ValueOf(p.HostBinding)
		if v.Kind() != reflect.Slice {
			return fmt.Errorf("array %s binding must be a slice, got %T", p.Name, p.HostBinding)
		}
		if int64(v.Len()) != p.Size {
			return fmt.Errorf("array %s binding has %d elements, spec says %d", p.Name, v.Len(), p.Size)
		}
	}
	return nil
}

// IsConst returns whether this parameter should be const in the kernel signature
func (p *ParamSpec) IsConst() bool {
	return p.Direction == DirectionInput
}

// NeedsCopyTo returns whether this parameter is uploaded before the kernel runs
func (p *ParamSpec) NeedsCopyTo() bool {
	return p.Direction != DirectionOutput && p.HostBinding != nil
}

// NeedsCopyBack returns whether this parameter is read back after the kernel runs
func (p *ParamSpec) NeedsCopyBack() bool {
	return p.Direction != DirectionInput && p.HostBinding != nil
}

// Bytes is the exact device allocation size of the parameter
func (p *ParamSpec) Bytes() int64 {
	return p.Size * p.DataType.Size()
}
