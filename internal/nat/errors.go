package nat

import "errors"

var (
	ErrAuxPoolFull    = errors.New("nat: external aux pool exhausted")
	ErrMappingExists   = errors.New("nat: mapping already exists")
	ErrMappingNotFound = errors.New("nat: mapping not found")
	ErrConnNotFound    = errors.New("nat: connection not found")
)
