package errorsx

// ReasonCode is a short machine-readable error reason.
type ReasonCode string

const (
	ReasonUnknown ReasonCode = "unknown"

	ReasonQueueUnavailable ReasonCode = "queue_unavailable"
	ReasonQueueSubmit      ReasonCode = "queue_submit"
	ReasonQueueAccept      ReasonCode = "queue_accept"
	ReasonQueueRetire      ReasonCode = "queue_retire"
	ReasonNotFound         ReasonCode = "not_found"

	ReasonBackendConnect     ReasonCode = "backend_connect"
	ReasonBackendSend        ReasonCode = "backend_send"
	ReasonBackendRateLimit   ReasonCode = "backend_rate_limit"
	ReasonBackendCircuitOpen ReasonCode = "backend_circuit_open"

	ReasonTelephonyCall ReasonCode = "telephony_call"

	ReasonCallStateMissing   ReasonCode = "call_state_missing"
	ReasonInvalidTransition  ReasonCode = "invalid_transition"
	ReasonProtocolUnexpected ReasonCode = "protocol_unexpected"

	ReasonTranscriberConnect ReasonCode = "transcriber_connect"

	ReasonTransportInvalidSignature ReasonCode = "webhook_invalid_signature"
	ReasonTransportSend             ReasonCode = "transport_send"
)

// Class groups reason codes by how callers are expected to react.
type Class string

const (
	ClassUnknown   Class = "unknown"
	ClassTransient Class = "transient"
	ClassNotFound  Class = "not_found"
	ClassState     Class = "state"
	ClassProtocol  Class = "protocol"
)

var reasonClasses = map[ReasonCode]Class{
	ReasonQueueUnavailable:   ClassTransient,
	ReasonQueueSubmit:        ClassTransient,
	ReasonQueueRetire:        ClassTransient,
	ReasonBackendConnect:     ClassTransient,
	ReasonBackendSend:        ClassTransient,
	ReasonBackendRateLimit:   ClassTransient,
	ReasonBackendCircuitOpen: ClassTransient,
	ReasonTelephonyCall:      ClassTransient,
	ReasonTranscriberConnect: ClassTransient,
	ReasonTransportSend:      ClassTransient,
	ReasonNotFound:           ClassNotFound,
	ReasonCallStateMissing:   ClassState,
	ReasonInvalidTransition:  ClassState,
	ReasonProtocolUnexpected: ClassProtocol,
}
