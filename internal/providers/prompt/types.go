package prompt

import "context"

// DeriveRequest carries everything a deriver may consider when producing the
// next iteration's instruction.
type DeriveRequest struct {
	// Image is the current image in the chain (the original photo on
	// iteration 1, the previous frame afterwards).
	Image     []byte
	ImageMIME string
	// Iteration is 1-based.
	Iteration int
	// Previous holds the instruction used for the previous iteration; empty
	// on iteration 1.
	Previous string
}

// Deriver produces the generation instruction for one iteration. The guided
// implementation analyzes the current image; the fixed implementation returns
// a constant string, making the image-to-image drift itself the artifact.
type Deriver interface {
	Derive(ctx context.Context, req DeriveRequest) (string, error)
	Name() string
}
