package workers

import (
	"bytes"
	"fmt"
	"strconv"
	"time"

	"tenderhub/pkg/gateway"
)

// Transcript renders a resolved run as plain text: a header describing the
// outcome followed by both captured streams.
func Transcript(res gateway.JobResult) []byte {
	var b bytes.Buffer

	exit := "none"
	if res.ExitCode != nil {
		exit = strconv.Itoa(*res.ExitCode)
	}
	fmt.Fprintf(&b, "RUN: %s\n", res.ID)
	fmt.Fprintf(&b, "JOB: %s\n", res.Name)
	fmt.Fprintf(&b, "OUTCOME: %s\n", res.Outcome)
	fmt.Fprintf(&b, "EXIT CODE: %s\n", exit)
	if res.Signal != "" {
		fmt.Fprintf(&b, "SIGNAL: %s\n", res.Signal)
	}
	fmt.Fprintf(&b, "STARTED: %s\n", res.StartedAt.UTC().Format(time.RFC3339Nano))
	fmt.Fprintf(&b, "DURATION: %s\n", res.Duration)
	if res.Error != "" {
		fmt.Fprintf(&b, "ERROR: %s\n", res.Error)
	}

	b.WriteString("\nSTDOUT:\n")
	if res.RawOutputOnDecodeFailure != "" {
		b.WriteString(res.RawOutputOnDecodeFailure)
	} else {
		b.WriteString(res.Stdout)
	}
	b.WriteString("\nSTDERR:\n")
	b.WriteString(res.Stderr)
	b.WriteString("\n")
	return b.Bytes()
}
