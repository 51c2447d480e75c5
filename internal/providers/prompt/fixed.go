package prompt

import (
	"context"
	"errors"
	"strings"
)

// FixedDeriver returns the same instruction for every iteration.
type FixedDeriver struct {
	instruction string
}

// NewFixedDeriver validates and wraps the constant instruction.
func NewFixedDeriver(instruction string) (*FixedDeriver, error) {
	instruction = strings.TrimSpace(instruction)
	if instruction == "" {
		return nil, errors.New("prompt: fixed instruction is required")
	}
	return &FixedDeriver{instruction: instruction}, nil
}

// Derive fulfils the Deriver interface without any network call.
func (d *FixedDeriver) Derive(ctx context.Context, req DeriveRequest) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	return d.instruction, nil
}

// Name identifies the deriver on logs and frames.
func (d *FixedDeriver) Name() string {
	return "fixed"
}

var _ Deriver = (*FixedDeriver)(nil)
