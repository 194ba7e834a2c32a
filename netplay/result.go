package netplay

// Result is the small status enumeration every Session call returns at
// the emulator boundary. It implements error so callers that want Go
// error-handling idioms (errors.Is(result, netplay.ResultSystemFail))
// can use one directly, while callers that only check a return code
// can compare against the sentinel values.
type Result int

const (
	ResultSuccess Result = iota
	ResultNotInitialized
	ResultInvalidState
	ResultInvalidInput
	ResultSystemFail
)

func (r Result) Error() string {
	switch r {
	case ResultSuccess:
		return "netplay: success"
	case ResultNotInitialized:
		return "netplay: not initialized"
	case ResultInvalidState:
		return "netplay: invalid state"
	case ResultInvalidInput:
		return "netplay: invalid input"
	case ResultSystemFail:
		return "netplay: system failure"
	default:
		return "netplay: unknown result"
	}
}

// Ok reports whether r is ResultSuccess.
func (r Result) Ok() bool { return r == ResultSuccess }
