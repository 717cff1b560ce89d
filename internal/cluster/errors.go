package cluster

// noInstanceError signals that no available instance serves the requested
// model, for 503 mapping.
type noInstanceError struct{ model string }

func (e noInstanceError) Error() string { return "no available instance serves model: " + e.model }

// ErrNoInstance constructs a noInstanceError.
func ErrNoInstance(model string) error { return noInstanceError{model: model} }

// IsNoInstance reports whether err indicates no usable instance.
func IsNoInstance(err error) bool {
	_, ok := err.(noInstanceError)
	return ok
}

// instanceNotFoundError signals a reference to an unknown instance id.
type instanceNotFoundError struct{ id string }

func (e instanceNotFoundError) Error() string { return "instance not found: " + e.id }

// ErrInstanceNotFound constructs an instanceNotFoundError.
func ErrInstanceNotFound(id string) error { return instanceNotFoundError{id: id} }

// IsInstanceNotFound reports whether err is an unknown-instance error.
func IsInstanceNotFound(err error) bool {
	_, ok := err.(instanceNotFoundError)
	return ok
}
