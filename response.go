package icerpc

// ResultType tags whether a response carries a success payload or a
// DispatchFailure, per spec §3.
type ResultType int

const (
	ResultSuccess ResultType = iota
	ResultFailure
)

// IncomingResponse is produced by a ProtocolConnection's Invoke and owned by
// the caller, which must complete Payload (and PayloadStream, if set) —
// the connection tears the stream down if the caller drops it without
// completing, per spec §3.
type IncomingResponse struct {
	ResultType    ResultType
	Encoding      EncodingID
	Fields        map[int64][]byte
	Payload       PayloadSource
	PayloadStream PayloadSource
	Connection    ProtocolConnection
}

// OutgoingResponse is the server-side dual, built by a Dispatcher and
// consumed by the ProtocolConnection that encodes it onto the wire.
type OutgoingResponse struct {
	ResultType    ResultType
	Encoding      EncodingID
	Fields        map[int64]FieldEncoder
	Payload       PayloadSource
	PayloadStream PayloadSource
}

// NewSuccessResponse builds a ResultSuccess OutgoingResponse carrying payload.
func NewSuccessResponse(encoding EncodingID, payload PayloadSource) *OutgoingResponse {
	return &OutgoingResponse{ResultType: ResultSuccess, Encoding: encoding, Payload: payload, Fields: map[int64]FieldEncoder{}}
}

// NewFailureResponse builds a ResultFailure OutgoingResponse for the given
// DispatchErrorCode and message; its payload is the failure body produced
// by encodeDispatchFailureBody.
func NewFailureResponse(code DispatchErrorCode, message string) *OutgoingResponse {
	body := encodeDispatchFailureBody(code, message)
	return &OutgoingResponse{
		ResultType: ResultFailure,
		Fields:     map[int64]FieldEncoder{},
		Payload:    NewBytesPayloadSource(body),
	}
}

// encodeDispatchFailureBody produces a minimal self-describing failure body:
// a one-byte error code followed by the UTF-8 message. The core treats this
// as opaque bytes on the success path; DecodeDispatchFailureBody is offered
// for tests and for invokers that want to surface the message.
func encodeDispatchFailureBody(code DispatchErrorCode, message string) []byte {
	b := make([]byte, 1+len(message))
	b[0] = byte(code)
	copy(b[1:], message)
	return b
}

// DecodeDispatchFailureBody is the inverse of encodeDispatchFailureBody.
func DecodeDispatchFailureBody(b []byte) (DispatchErrorCode, string) {
	if len(b) == 0 {
		return ErrCodeUnhandledException, ""
	}
	return DispatchErrorCode(b[0]), string(b[1:])
}

// MapDispatchError turns a Dispatcher error into a Failure OutgoingResponse,
// per spec §7: dispatch failures never tear the connection down, they are
// encoded into the response and surfaced to the caller as a DispatchFailure.
func MapDispatchError(err error) *OutgoingResponse {
	code := ErrCodeUnhandledException
	switch {
	case IsKind(err, KindInvalidData):
		code = ErrCodeInvalidData
	case IsKind(err, KindCancelled):
		code = ErrCodeCanceled
	}
	return NewFailureResponse(code, err.Error())
}
