package pdf

// エラーコード
const (
	CodeInvalidInput   = "INVALID_INPUT"
	CodeLimitExceeded  = "LIMIT_EXCEEDED"
	CodeUnsupportedPDF = "UNSUPPORTED_PDF"
	CodeInternal       = "INTERNAL_ERROR"
)

// Error は利用者に返すエラーコードとメッセージを持つエラーです。
type Error struct {
	Code    string
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return e.Message + ": " + e.Err.Error()
	}
	return e.Message
}

func (e *Error) Unwrap() error { return e.Err }

func newError(code, message string, err error) *Error {
	return &Error{Code: code, Message: message, Err: err}
}
