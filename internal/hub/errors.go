package hub

import (
	"errors"

	"github.com/chaz8081/hublink/internal/ble"
	"github.com/chaz8081/hublink/internal/ble/protocol"
)

// Session errors. Transport and codec errors are re-exported so callers can
// match everything against this package with errors.Is.
var (
	ErrUnavailable         = ble.ErrUnavailable
	ErrNoDeviceSelected    = ble.ErrNoDeviceSelected
	ErrServiceNotFound     = ble.ErrServiceNotFound
	ErrWriteFailed         = ble.ErrWriteFailed
	ErrDecode              = protocol.ErrDecode
	ErrConnectTimeout      = errors.New("hub: connect timed out")
	ErrServiceSetupTimeout = errors.New("hub: service setup timed out")
	ErrNotConnected        = errors.New("hub: not connected")
	ErrAborted             = errors.New("hub: connect aborted")
	ErrLinkLost            = errors.New("hub: link lost during setup")
	ErrBusy                = errors.New("hub: busy")
	ErrProgramTooLarge     = errors.New("hub: program too large")
	ErrEmptyProgram        = errors.New("hub: empty program")
	ErrNoCompiler          = errors.New("hub: no compiler configured")
)

// remediation returns a user-facing hint for a failed connect.
func remediation(err error) string {
	switch {
	case errors.Is(err, ErrUnavailable):
		return "Bluetooth is not available. Turn Bluetooth on and check that this program is allowed to use it."
	case errors.Is(err, ErrNoDeviceSelected):
		return "No hub found. Turn the hub on and make sure its light is blinking (advertising)."
	case errors.Is(err, ErrConnectTimeout), errors.Is(err, ErrServiceSetupTimeout):
		return "The hub did not answer in time. Move closer to the hub, power-cycle it and try again."
	default:
		return "Could not set up the hub connection. Power-cycle the hub and close other apps that may be connected to it."
	}
}
