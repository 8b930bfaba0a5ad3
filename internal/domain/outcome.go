package domain

// OutcomeKind is the tag of an Outcome.
type OutcomeKind int

const (
	OutcomeUnknown OutcomeKind = iota
	OutcomeSuccess
	OutcomeRateLimited
	OutcomeServerError
	OutcomeExpired
	OutcomeAuthWall
	OutcomeValidationFailed
	OutcomeError
	OutcomeSkipped
)

func (k OutcomeKind) String() string {
	switch k {
	case OutcomeSuccess:
		return "success"
	case OutcomeRateLimited:
		return "rate_limited"
	case OutcomeServerError:
		return "server_error"
	case OutcomeExpired:
		return "expired"
	case OutcomeAuthWall:
		return "authwall"
	case OutcomeValidationFailed:
		return "validation_failed"
	case OutcomeError:
		return "error"
	case OutcomeSkipped:
		return "skipped"
	default:
		return "unknown"
	}
}

// Outcome is the classification of one dispatch attempt. Build it with the
// constructors below so that exactly one variant is set.
type Outcome struct {
	Kind    OutcomeKind
	Reason  string
	Payload *Payload
}

func Success(p Payload) Outcome { return Outcome{Kind: OutcomeSuccess, Payload: &p} }

func RateLimited() Outcome { return Outcome{Kind: OutcomeRateLimited, Reason: "http 429"} }

func ServerError(reason string) Outcome { return Outcome{Kind: OutcomeServerError, Reason: reason} }

func Expired(reason string) Outcome { return Outcome{Kind: OutcomeExpired, Reason: reason} }

func AuthWall(reason string) Outcome { return Outcome{Kind: OutcomeAuthWall, Reason: reason} }

func ValidationFailed(reason string) Outcome {
	return Outcome{Kind: OutcomeValidationFailed, Reason: reason}
}

func Error(reason string) Outcome { return Outcome{Kind: OutcomeError, Reason: reason} }

func Skipped(reason string) Outcome { return Outcome{Kind: OutcomeSkipped, Reason: reason} }

func (o Outcome) Is(k OutcomeKind) bool { return o.Kind == k }

func (o Outcome) String() string {
	if o.Reason == "" {
		return o.Kind.String()
	}
	return o.Kind.String() + ": " + o.Reason
}
