package placement

import (
	"errors"
	"fmt"
	"sync"

	"github.com/ent0n29/parley/internal/cluster"
)

var (
	// ErrEntityUnavailable means the instance behind a reference is gone:
	// closed, its node died, or it was never spawned there. Callers re-resolve.
	ErrEntityUnavailable = errors.New("entity unavailable")
	ErrEmptyKey          = errors.New("placement: empty entity key")
)

// Sentinel errors that must survive a hop between nodes are registered with a
// stable code. The remote side sends the code, the calling side rebuilds an
// error that matches the same sentinel with errors.Is.
var errorCodes = struct {
	sync.RWMutex
	byCode map[string]error
	codes  []string
}{byCode: make(map[string]error)}

func init() {
	RegisterError("entity_unavailable", ErrEntityUnavailable)
}

// RegisterError associates a wire code with a sentinel error.
func RegisterError(code string, sentinel error) {
	errorCodes.Lock()
	defer errorCodes.Unlock()
	if _, ok := errorCodes.byCode[code]; !ok {
		errorCodes.codes = append(errorCodes.codes, code)
	}
	errorCodes.byCode[code] = sentinel
}

// ErrorCode returns the registered code err matches, or "internal".
func ErrorCode(err error) string {
	errorCodes.RLock()
	defer errorCodes.RUnlock()
	for _, code := range errorCodes.codes {
		if errors.Is(err, errorCodes.byCode[code]) {
			return code
		}
	}
	var re *cluster.RemoteError
	if errors.As(err, &re) {
		return re.Code
	}
	return "internal"
}

func toRemote(err error) *cluster.RemoteError {
	return &cluster.RemoteError{Code: ErrorCode(err), Message: err.Error()}
}

// fromRemote turns a peer failure back into a local error.
func fromRemote(err error) error {
	var re *cluster.RemoteError
	if !errors.As(err, &re) {
		return err
	}
	errorCodes.RLock()
	sentinel, ok := errorCodes.byCode[re.Code]
	errorCodes.RUnlock()
	if !ok {
		return err
	}
	return &codedError{sentinel: sentinel, message: re.Message}
}

type codedError struct {
	sentinel error
	message  string
}

func (e *codedError) Error() string {
	if e.message == "" {
		return e.sentinel.Error()
	}
	return e.message
}

func (e *codedError) Unwrap() error { return e.sentinel }

func unavailable(key Key, reason string) error {
	return fmt.Errorf("%s: %s: %w", key, reason, ErrEntityUnavailable)
}
