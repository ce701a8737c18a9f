package safety

import (
	"errors"
	"fmt"
)

// ErrBlocked is matched by every BlockedError.
var ErrBlocked = errors.New("request blocked by safety policy")

// Stage names the validator stage that rejected a request.
type Stage string

const (
	StageStructure Stage = "structure"
	StageURL       Stage = "url"
	StageAllowlist Stage = "allowlist"
	StageDNS       Stage = "dns"
	StageRedirect  Stage = "redirect"
)

// BlockedError reports which stage rejected a request and why. Reason is safe
// to log but is not meant for quiz takers.
type BlockedError struct {
	Stage  Stage
	Reason string
}

func (e *BlockedError) Error() string {
	return fmt.Sprintf("blocked at %s stage: %s", e.Stage, e.Reason)
}

func (e *BlockedError) Is(target error) bool { return target == ErrBlocked }

func blocked(stage Stage, format string, args ...any) error {
	return &BlockedError{Stage: stage, Reason: fmt.Sprintf(format, args...)}
}
