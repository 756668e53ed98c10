package rv64

import (
	"errors"
	"fmt"
)

// TrapRequest is what the guest passes to the host on ecall: the call number
// from a7 and six arguments from a0..a5.
type TrapRequest struct {
	Number uint64
	Args   [6]uint64
	PC     uint64
}

// TrapHandler serves environment calls. The returned value is written to a0.
// Returning an error that wraps ErrHalt stops the machine cleanly; any other
// error puts it into the errored state.
type TrapHandler func(req TrapRequest) (uint64, error)

// TrapError wraps an error returned by a trap handler.
type TrapError struct {
	Number uint64
	PC     uint64
	Err    error
}

func (e *TrapError) Error() string {
	return fmt.Sprintf("trap %d at pc=0x%x: %v", e.Number, e.PC, e.Err)
}

func (e *TrapError) Unwrap() error { return e.Err }

func (e *TrapError) Is(target error) bool { return target == ErrTrapHandler }

// NewTrapRequest collects the call number and arguments from cpu.
func NewTrapRequest(cpu *CPU) TrapRequest {
	req := TrapRequest{Number: cpu.X[RegA7], PC: cpu.PC}
	copy(req.Args[:], cpu.X[RegA0:RegA0+6])
	return req
}

// OnTrap runs one environment call against handler. On success the
// result lands in a0 and PC moves past the ecall. On halt PC also moves past
// the ecall so that a resumed machine does not repeat the call. Handler
// failures leave the CPU untouched.
func OnTrap(cpu *CPU, handler TrapHandler) error {
	req := NewTrapRequest(cpu)
	if handler == nil {
		return &TrapError{Number: req.Number, PC: req.PC, Err: errors.New("no trap handler installed")}
	}
	ret, err := handler(req)
	if err != nil {
		if errors.Is(err, ErrHalt) {
			cpu.PC += 4
			cpu.Instret++
			return err
		}
		return &TrapError{Number: req.Number, PC: req.PC, Err: err}
	}
	cpu.X[RegA0] = ret
	cpu.PC += 4
	cpu.Instret++
	return nil
}
