package lcn

import "errors"

// Domain errors for the LCN bridge package.
var (
	// ErrNotConnected is returned when an operation needs the gateway link
	// but no transport is open.
	ErrNotConnected = errors.New("lcn: not connected to gateway")

	// ErrConnectionFailed is returned when the gateway cannot be reached or
	// the link drops.
	ErrConnectionFailed = errors.New("lcn: connection to gateway failed")

	// ErrInsufficientLicenses is returned by Connection.Run when the gateway
	// refuses the connection for lack of licences. It is not retried.
	ErrInsufficientLicenses = errors.New("lcn: gateway has insufficient licenses")

	// ErrAuthFailed is returned when the gateway rejects the credentials.
	ErrAuthFailed = errors.New("lcn: gateway authentication failed")

	// ErrHandshakeTimeout is returned when the gateway stops answering during
	// the login sequence.
	ErrHandshakeTimeout = errors.New("lcn: gateway handshake timed out")

	// ErrShutdown is returned by operations on a closed connection.
	ErrShutdown = errors.New("lcn: connection closed")

	// ErrUnknownModule is returned when a module address is not registered
	// on the connection.
	ErrUnknownModule = errors.New("lcn: unknown module")

	// ErrDuplicateModule is returned when a module address is added twice.
	ErrDuplicateModule = errors.New("lcn: module already registered")

	// ErrDuplicateGateway is returned when a gateway ID is registered twice.
	ErrDuplicateGateway = errors.New("lcn: gateway already registered")

	// ErrUnknownVariable is returned when a variable is not available on a
	// module, usually because its firmware is not known yet.
	ErrUnknownVariable = errors.New("lcn: variable not available on module")

	// ErrValueUnknown is returned when a relative command needs a value that
	// has not been received yet.
	ErrValueUnknown = errors.New("lcn: current value unknown")

	// ErrInvalidSettings is returned by Settings.Validate.
	ErrInvalidSettings = errors.New("lcn: invalid settings")
)
