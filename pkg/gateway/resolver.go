package gateway

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os/exec"
)

// resolveExit classifies a worker that exited on its own.
func resolveExit(res JobResult, e *execution, spec JobSpec, stdout []byte) JobResult {
	res.Signal = exitSignal(e.proc)

	code, exited, err := exitStatus(e.waitErr)
	if err != nil {
		res.Outcome = OutcomeProcessError
		res.Err = err
		return res
	}
	if !exited {
		// Killed by a signal the gateway did not send.
		res.Outcome = OutcomeProcessError
		return res
	}
	res.ExitCode = intPtr(code)

	if code != 0 {
		res.Outcome = OutcomeProcessError
		return res
	}

	if !spec.ExpectStructuredOutput {
		res.Outcome = OutcomeSuccess
		return res
	}

	decoded, derr := decodeStructured(stdout)
	if derr != nil {
		res.Outcome = OutcomeOutputDecodeFailed
		res.RawOutputOnDecodeFailure = string(stdout)
		res.Err = fmt.Errorf("failed to decode worker output: %w", derr)
		return res
	}
	res.Outcome = OutcomeSuccess
	res.Decoded = decoded
	return res
}

// exitStatus extracts the exit code from a Wait error. exited is false when
// the process was terminated by a signal.
func exitStatus(waitErr error) (code int, exited bool, err error) {
	if waitErr == nil {
		return 0, true, nil
	}
	var exitErr *exec.ExitError
	if errors.As(waitErr, &exitErr) {
		if exitErr.Exited() {
			return exitErr.ExitCode(), true, nil
		}
		return -1, false, nil
	}
	return -1, false, waitErr
}

// decodeStructured parses stdout as exactly one JSON value. Surrounding
// whitespace is allowed, trailing data is not. Numbers stay json.Number so
// large integers survive re-encoding.
func decodeStructured(stdout []byte) (any, error) {
	dec := json.NewDecoder(bytes.NewReader(stdout))
	dec.UseNumber()

	var v any
	if err := dec.Decode(&v); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, errors.New("empty worker output")
		}
		return nil, err
	}
	if _, err := dec.Token(); !errors.Is(err, io.EOF) {
		return nil, errors.New("unexpected data after JSON value")
	}
	return v, nil
}
