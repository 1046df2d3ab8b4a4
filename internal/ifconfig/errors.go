package ifconfig

import "errors"

var (
	ErrNoInternalInterface  = errors.New("no internal interface configured")
	ErrMultipleInternal     = errors.New("more than one internal interface configured")
	ErrDuplicateIfaceName   = errors.New("duplicate interface name")
	ErrRouteUnknownIface    = errors.New("route references an unknown interface")
	ErrInvalidInterfaceJSON = errors.New("invalid interface entry in config")
)
