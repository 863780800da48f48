package convoke

// Result is the uniform outcome envelope returned by every handler. It is
// serialized exactly once at the transport boundary as
// {"success": bool, "data": ..., "msg": ""}. Both Data and Msg are always
// present in the serialized form for stability. A Result is immutable after
// construction.
type Result struct {
	Success bool   `json:"success"`
	Data    any    `json:"data"`
	Msg     string `json:"msg"`
}

// OK creates a success envelope carrying data.
func OK(data any) *Result {
	return &Result{Success: true, Data: data}
}

// Fail creates a failure envelope with a human-readable message.
func Fail(msg string) *Result {
	return &Result{Success: false, Msg: msg}
}
