package gateway

import "errors"

// Error kinds of spec.md §7. Each is wrapped with context via %w,
// matching the teacher's fmt.Errorf("service %q: ...: %w", name, err)
// convention throughout internal/server/service/*.go.
var (
	ErrSpawnFailed             = errors.New("gateway: spawn failed")
	ErrWorkerExitedBeforeReady = errors.New("gateway: worker exited before ready")
	ErrUnknownTrigger          = errors.New("gateway: unknown trigger")
	ErrUnsupportedTrigger      = errors.New("gateway: unsupported trigger")
	ErrBadPayload              = errors.New("gateway: bad payload")
	ErrIPCTransport            = errors.New("gateway: ipc transport error")
	ErrSiblingRegistrationFail = errors.New("gateway: sibling registration failed")
	ErrLogParse                = errors.New("gateway: log parse error")
)
