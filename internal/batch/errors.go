package batch

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrRenderFailed = errors.New("render failed")
	ErrSinkFailed   = errors.New("sink failed")
	ErrSplitFailed  = errors.New("split failed")
	ErrReadFailed   = errors.New("read failed")
)

// StageError attributes a failure to the document, voice, chunk and artifact
// being processed. errors.Is matches both the stage sentinel and the cause.
type StageError struct {
	Kind     error
	Document string
	Voice    string
	Chunk    int
	Artifact string
	Err      error
}

func (e *StageError) Error() string {
	var b strings.Builder
	b.WriteString(e.Kind.Error())
	fmt.Fprintf(&b, ": document %s", e.Document)
	if e.Voice != "" {
		fmt.Fprintf(&b, " voice %q", e.Voice)
	}
	if e.Chunk > 0 {
		fmt.Fprintf(&b, " chunk %d", e.Chunk)
	}
	if e.Artifact != "" {
		fmt.Fprintf(&b, " artifact %s", e.Artifact)
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *StageError) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}
