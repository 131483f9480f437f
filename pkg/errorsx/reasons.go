package errorsx

// ReasonCode is a short machine-readable error reason.
type ReasonCode string

const (
	ReasonUnknown ReasonCode = "unknown"

	ReasonEngineConnect     ReasonCode = "engine_connect"
	ReasonEngineSend        ReasonCode = "engine_send"
	ReasonEngineStream      ReasonCode = "engine_stream"
	ReasonEngineRateLimit   ReasonCode = "engine_rate_limit"
	ReasonEngineCircuitOpen ReasonCode = "engine_circuit_open"

	ReasonSessionCreate ReasonCode = "session_create"
	ReasonSessionDrain  ReasonCode = "session_drain"

	ReasonRecognizeConnect     ReasonCode = "recognize_connect"
	ReasonRecognizeSend        ReasonCode = "recognize_send"
	ReasonRecognizeRetry       ReasonCode = "recognize_retry"
	ReasonRecognizeCircuitOpen ReasonCode = "recognize_circuit_open"

	ReasonTranslateRequest     ReasonCode = "translate_request"
	ReasonTranslateRetry       ReasonCode = "translate_retry"
	ReasonTranslateCircuitOpen ReasonCode = "translate_circuit_open"

	ReasonSynthesizeConnect     ReasonCode = "synthesize_connect"
	ReasonSynthesizeSend        ReasonCode = "synthesize_send"
	ReasonSynthesizeRetry       ReasonCode = "synthesize_retry"
	ReasonSynthesizeCircuitOpen ReasonCode = "synthesize_circuit_open"

	ReasonControlDecode    ReasonCode = "control_decode"
	ReasonControlSend      ReasonCode = "control_send"
	ReasonControlForbidden ReasonCode = "control_forbidden"
	ReasonControlInvalid   ReasonCode = "control_invalid"

	ReasonTransportConnect   ReasonCode = "transport_connect"
	ReasonTransportStream    ReasonCode = "transport_stream"
	ReasonTransportSend      ReasonCode = "transport_send"
	ReasonTransportPublish   ReasonCode = "transport_publish"
	ReasonTransportSubscribe ReasonCode = "transport_subscribe"

	ReasonConfigLoad ReasonCode = "config_load"
)
