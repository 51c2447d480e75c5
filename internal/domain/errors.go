package domain

import "errors"

var (
	ErrNotFound         = errors.New("not found")
	ErrPhotoNotApproved = errors.New("photo not approved")
	// ErrRunNotClaimable is returned when the conditional queued->processing
	// transition finds the run already claimed or terminal.
	ErrRunNotClaimable = errors.New("run not claimable")
	ErrFrameExists     = errors.New("frame already exists for iteration")
)
