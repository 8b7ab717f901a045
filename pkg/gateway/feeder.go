package gateway

import (
	"fmt"
	"os"
)

// feed writes input to the worker's stdin and closes it. A nil input closes
// stdin straight away so the worker sees EOF.
func feed(stdin *os.File, input []byte) error {
	if input == nil {
		_ = stdin.Close()
		return nil
	}

	_, werr := stdin.Write(input)
	cerr := stdin.Close()
	if werr != nil {
		return fmt.Errorf("failed to write worker input: %w", werr)
	}
	if cerr != nil {
		return fmt.Errorf("failed to close worker input: %w", cerr)
	}
	return nil
}
