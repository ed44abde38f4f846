package payload

import "fmt"

type Stage string

const (
	StageDecompress Stage = "decompress"
	StageText       Stage = "text"
	StageParse      Stage = "parse"
)

// DecodeError reports which normalization stage rejected a payload so that
// compression problems can be told apart from format problems.
type DecodeError struct {
	Stage Stage
	Cause error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("decode payload (%s): %v", e.Stage, e.Cause)
}

func (e *DecodeError) Unwrap() error {
	return e.Cause
}
