// Package schema enforces the fixed payload schema of each operation kind.
//
// Shapes and ranges are declared in CUE (payloads.cue) and checked with the
// CUE Go API. Cross-field rules that CUE cannot express cheaply, such as a
// sale total matching its lines, are checked in Go after the CUE pass.
package schema

import (
	_ "embed"
	"fmt"
	"sync"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	cueerrors "cuelang.org/go/cue/errors"

	"github.com/roach88/tillsync/internal/ir"
)

//go:embed payloads.cue
var payloadsCUE string

// Validator checks payloads against the compiled CUE definitions.
//
// Thread-safety: a cue.Context is not safe for concurrent use, so Validate
// serializes access with a mutex. Appends are human-paced.
type Validator struct {
	mu   sync.Mutex
	ctx  *cue.Context
	defs map[ir.Kind]cue.Value
}

var (
	defaultOnce      sync.Once
	defaultValidator *Validator
	defaultErr       error
)

// Default returns the process-wide validator, compiling the schemas once.
func Default() (*Validator, error) {
	defaultOnce.Do(func() {
		defaultValidator, defaultErr = New()
	})
	return defaultValidator, defaultErr
}

// New compiles the embedded payload schemas.
func New() (*Validator, error) {
	ctx := cuecontext.New()
	root := ctx.CompileString(payloadsCUE, cue.Filename("payloads.cue"))
	if err := root.Err(); err != nil {
		return nil, fmt.Errorf("compile payload schemas: %w", err)
	}

	defs := make(map[ir.Kind]cue.Value, len(ir.Kinds))
	for _, kind := range ir.Kinds {
		def := root.LookupPath(cue.ParsePath("#" + string(kind)))
		if !def.Exists() {
			return nil, fmt.Errorf("payload schema for %s is missing", kind)
		}
		defs[kind] = def
	}

	return &Validator{ctx: ctx, defs: defs}, nil
}

// Validate checks raw payload JSON against the schema for kind.
// Returns an error wrapping ir.ErrInvalidPayload on any violation.
func (v *Validator) Validate(kind ir.Kind, raw []byte) error {
	def, ok := v.defs[kind]
	if !ok {
		return fmt.Errorf("%w: unknown kind %q", ir.ErrInvalidPayload, kind)
	}

	v.mu.Lock()
	data := v.ctx.CompileBytes(raw, cue.Filename(string(kind)+".json"))
	var err error
	if data.Err() != nil {
		err = data.Err()
	} else {
		err = def.Unify(data).Validate(cue.Concrete(true))
	}
	v.mu.Unlock()

	if err != nil {
		return fmt.Errorf("%w: %s: %s", ir.ErrInvalidPayload, kind, formatCUEError(err))
	}
	return nil
}

// ValidatePayload encodes p, runs the CUE check and then the Go-side rules.
// Returns the encoded payload for storage.
func (v *Validator) ValidatePayload(p ir.Payload) ([]byte, error) {
	raw, err := ir.EncodePayload(p)
	if err != nil {
		return nil, err
	}
	if err := v.Validate(p.Kind(), raw); err != nil {
		return nil, err
	}
	if err := CheckRules(p); err != nil {
		return nil, err
	}
	return raw, nil
}

// CheckRules enforces cross-field invariants on a decoded payload.
func CheckRules(p ir.Payload) error {
	switch pl := p.(type) {
	case ir.SaleCreate:
		got, err := pl.LineTotal()
		if err != nil {
			return err
		}
		if got != pl.Total {
			return fmt.Errorf("%w: SaleCreate: total %d does not match lines %d", ir.ErrInvalidPayload, pl.Total, got)
		}
		seen := make(map[int64]bool, len(pl.Lines))
		for _, l := range pl.Lines {
			if seen[l.LineNo] {
				return fmt.Errorf("%w: SaleCreate: duplicate line_no %d", ir.ErrInvalidPayload, l.LineNo)
			}
			seen[l.LineNo] = true
		}
	case ir.StockAdjust:
		if (pl.SaleID == "") != (pl.LineNo == 0) {
			return fmt.Errorf("%w: StockAdjust: sale_id and line_no must be set together", ir.ErrInvalidPayload)
		}
	case ir.CustomerCreate:
		if pl.NaturalKey() == "" {
			return fmt.Errorf("%w: CustomerCreate: email or phone is required", ir.ErrInvalidPayload)
		}
	}
	return nil
}

// formatCUEError flattens a CUE error list into one line.
func formatCUEError(err error) string {
	errs := cueerrors.Errors(err)
	if len(errs) == 0 {
		return err.Error()
	}
	msg := errs[0].Error()
	if len(errs) > 1 {
		msg += fmt.Sprintf(" (and %d more)", len(errs)-1)
	}
	return msg
}
