package extraction

import "errors"

// User-facing messages
const (
	MessageExtracted        = "¡Documento procesado exitosamente!"
	MessageRejectedFallback = "No se pudo extraer información del documento"
	MessageTransportError   = "Error al procesar el archivo. Por favor intente nuevamente."
	MessageNoSession        = "No hay sesión activa"
)

// OutcomeKind classifies how a submission ended
type OutcomeKind int

const (
	OutcomeExtracted OutcomeKind = iota
	OutcomeRejected
	OutcomeTransportError
	OutcomeNoSession
)

func (k OutcomeKind) String() string {
	switch k {
	case OutcomeExtracted:
		return "extracted"
	case OutcomeRejected:
		return "rejected-by-service"
	case OutcomeNoSession:
		return "no-session"
	default:
		return "transport-error"
	}
}

// Outcome is the interpreted result of one submission
type Outcome struct {
	Kind    OutcomeKind
	Result  *Result // set only for OutcomeExtracted
	Message string
	Err     error
}

// Succeeded reports whether the outcome carries extracted data
func (o Outcome) Succeeded() bool {
	return o.Kind == OutcomeExtracted
}

// Interpret classifies a transport outcome into exactly one kind and derives
// the message shown to the user
func Interpret(result *Result, err error) Outcome {
	if err == nil {
		if result == nil {
			return Outcome{Kind: OutcomeTransportError, Message: MessageTransportError, Err: errors.New("empty extraction result")}
		}
		return Outcome{Kind: OutcomeExtracted, Result: result, Message: MessageExtracted}
	}

	if errors.Is(err, ErrNoSession) {
		return Outcome{Kind: OutcomeNoSession, Message: MessageNoSession, Err: err}
	}

	var rejection *ServiceRejection
	if errors.As(err, &rejection) {
		msg := rejection.Message
		if msg == "" {
			msg = MessageRejectedFallback
		}
		return Outcome{Kind: OutcomeRejected, Message: msg, Err: err}
	}

	msg := MessageTransportError
	var transportErr *TransportError
	if errors.As(err, &transportErr) && transportErr.Detail != "" {
		msg = transportErr.Detail
	}
	return Outcome{Kind: OutcomeTransportError, Message: msg, Err: err}
}
