package core

// Error is a coded error used for input and state validation
type Error struct {
	Code    string
	Message string
}

func (e *Error) Error() string {
	return e.Message
}
