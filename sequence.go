package airplay2

import "fmt"

// StepResult is a request builder's or response handler's verdict, per
// spec.md §4.5.2: "a request builder returns 1 to skip a step ... 0 to
// send, -1 to abort".
type StepResult int

const (
	StepSend  StepResult = 0
	StepSkip  StepResult = 1
	StepAbort StepResult = -1
	// stepRetry is an internal-only verdict a response handler returns to
	// re-send the same step once more (used for the single digest-auth
	// retry, spec.md §8 Testable Property 9); it is never returned by a
	// request builder.
	stepRetry StepResult = -2
)

// Step is one request/response pair in a sequence, per spec.md §4.5.2's
// "(name, rtsp_method, payload_builder, response_handler, content_type,
// uri, proceed_on_non_ok)".
type Step struct {
	Name           string
	Method         string
	URI            func(ds *DeviceSession) string
	ContentType    string
	Build          func(ds *DeviceSession) (StepResult, []byte, error)
	HandleResponse func(ds *DeviceSession, resp *RTSPResponse) (StepResult, error)
	// ProceedOnNonOK lets a non-2xx response (typically 401 carrying a
	// WWW-Authenticate challenge) reach HandleResponse instead of
	// immediately aborting the sequence, per spec.md §4.5.2.
	ProceedOnNonOK bool
}

// Sequence is a statically-known ordered list of steps, per spec.md §9's
// Design Notes ("model each public sequence as a statically-known ordered
// list of step descriptors; the inter-step state is only the accumulated
// crypto context").
type Sequence struct {
	Name  string
	Steps []Step
	// OnError runs exactly once if any step aborts the sequence or a
	// transport error occurs, per spec.md §8 Testable Property 8.
	OnError func(ds *DeviceSession, err error)
}

// Run executes seq against ds's transport, advancing ds's state via each
// step's response handler. It stops at the first abort, non-2xx response
// without ProceedOnNonOK, or transport error — running OnError exactly
// once and marking ds failed, per spec.md §4.5.1/§8 Testable Property 8.
func (seq Sequence) Run(ds *DeviceSession) error {
	for i := 0; i < len(seq.Steps); i++ {
		step := seq.Steps[i]

		result, body, err := StepSend, []byte(nil), error(nil)
		if step.Build != nil {
			result, body, err = step.Build(ds)
		}
		if err != nil {
			return seq.fail(ds, fmt.Errorf("airplay2: sequence %q step %q build: %w", seq.Name, step.Name, err))
		}
		if result == StepAbort {
			return seq.fail(ds, fmt.Errorf("%w: sequence %q step %q aborted by builder", ErrProtocol, seq.Name, step.Name))
		}
		if result == StepSkip {
			continue
		}

		retried := false
	send:
		uri := ""
		if step.URI != nil {
			uri = step.URI(ds)
		}
		resp, err := ds.transport.Do(RTSPRequest{
			Method:        step.Method,
			URI:           uri,
			Authorization: ds.pendingAuth,
			ContentType:   step.ContentType,
			Body:          body,
		})
		ds.pendingAuth = ""
		if err != nil {
			return seq.fail(ds, fmt.Errorf("%w: sequence %q step %q: %v", ErrTransport, seq.Name, step.Name, err))
		}

		if !isSuccess(resp.StatusCode) && !step.ProceedOnNonOK {
			return seq.fail(ds, fmt.Errorf("%w: sequence %q step %q: status %d", ErrProtocol, seq.Name, step.Name, resp.StatusCode))
		}

		if step.HandleResponse == nil {
			continue
		}
		verdict, err := step.HandleResponse(ds, resp)
		if err != nil {
			return seq.fail(ds, fmt.Errorf("airplay2: sequence %q step %q handle: %w", seq.Name, step.Name, err))
		}
		switch verdict {
		case StepAbort:
			return seq.fail(ds, fmt.Errorf("%w: sequence %q step %q aborted by handler", ErrProtocol, seq.Name, step.Name))
		case stepRetry:
			if retried {
				return seq.fail(ds, fmt.Errorf("%w: sequence %q step %q: retry already attempted", ErrAuthentication, seq.Name, step.Name))
			}
			retried = true
			goto send
		}
	}
	return nil
}

func (seq Sequence) fail(ds *DeviceSession, err error) error {
	ds.setState(StateFailed)
	if seq.OnError != nil {
		seq.OnError(ds, err)
	}
	return err
}

func isSuccess(code int) bool { return code >= 200 && code < 300 }
