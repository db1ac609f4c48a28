package testrun

import (
	"context"
	"fmt"
	"runtime/debug"
	"strings"
	"unicode"

	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"

	"github.com/fireflyhq/firefly/internal/common/fireflyerrors"
	"github.com/fireflyhq/firefly/internal/model"
)

type OutcomeKind int

const (
	Succeeded OutcomeKind = iota
	Failed
	// CancelledClean is a stage that ended through cooperative cancellation. It is not a failure.
	CancelledClean
	// Skipped is a stage that never ran its hooks because an earlier stage failed.
	Skipped
)

func (k OutcomeKind) String() string {
	switch k {
	case Succeeded:
		return "succeeded"
	case Failed:
		return "failed"
	case CancelledClean:
		return "cancelled"
	case Skipped:
		return "skipped"
	}
	return fmt.Sprintf("OutcomeKind(%d)", int(k))
}

// Outcome is how a stage ended.
type Outcome struct {
	Kind   OutcomeKind
	Err    error
	Reason string
}

const skippedErrorName = "Canceled"

// SkipError short-circuits a stage. Hooks may return it to give up on the current unit without it being
// reported as an ordinary error.
type SkipError struct {
	Reason string
}

func (err *SkipError) Error() string {
	return err.Reason
}

func Skip(reason string) Outcome {
	return Outcome{Kind: Skipped, Reason: reason}
}

// Classify maps the error returned by a stage body to its outcome.
func Classify(err error) Outcome {
	if err == nil {
		return Outcome{Kind: Succeeded}
	}
	var skip *SkipError
	if errors.As(err, &skip) {
		return Skip(skip.Reason)
	}
	if errors.Is(err, context.Canceled) {
		return Outcome{Kind: CancelledClean, Reason: err.Error()}
	}
	return Outcome{Kind: Failed, Err: err}
}

func (o Outcome) Status() model.Status {
	switch o.Kind {
	case Succeeded, CancelledClean:
		return model.StatusSuccess
	}
	return model.StatusFail
}

// Errors returns the structured errors recorded for the outcome. A multierror yields one entry per member.
func (o Outcome) Errors() []model.StructuredError {
	switch o.Kind {
	case Skipped:
		return []model.StructuredError{{Name: skippedErrorName, Message: o.Reason}}
	case Failed:
		var merr *multierror.Error
		if errors.As(o.Err, &merr) && len(merr.Errors) > 0 {
			result := make([]model.StructuredError, 0, len(merr.Errors))
			for _, err := range merr.Errors {
				result = append(result, DescribeError(err))
			}
			return result
		}
		return []model.StructuredError{DescribeError(o.Err)}
	}
	return []model.StructuredError{}
}

// StageResult builds the stored result of a stage from its outcome and the steps it recorded.
func (o Outcome) StageResult(steps []model.Step) model.StageResult {
	if steps == nil {
		steps = []model.Step{}
	}
	return model.StageResult{Status: o.Status(), Steps: steps, Errors: o.Errors()}
}

type panicError struct {
	value interface{}
	stack []byte
}

func (err *panicError) Error() string {
	return fmt.Sprintf("panic: %v", err.value)
}

// Recovered turns a value recovered from a panic into an error carrying the stack of the panicking goroutine.
func Recovered(value interface{}) error {
	return &panicError{value: value, stack: debug.Stack()}
}

// DescribeError converts err into the error stored against a stage, a run or a script execution.
func DescribeError(err error) model.StructuredError {
	trace := fmt.Sprintf("%+v", err)
	var perr *panicError
	if errors.As(err, &perr) {
		trace = string(perr.stack)
	}
	return model.StructuredError{Name: ErrorName(err), Message: err.Error(), Trace: trace}
}

// ErrorName names the kind of an error, e.g. "Timeout" or "ErrNotFound". Unexported error types are
// reported as "Error".
func ErrorName(err error) string {
	var perr *panicError
	var timeout *fireflyerrors.ErrTimeout
	switch {
	case errors.As(err, &perr):
		return "Panic"
	case errors.As(err, &timeout), errors.Is(err, context.DeadlineExceeded):
		return "Timeout"
	case errors.Is(err, context.Canceled):
		return "Canceled"
	}
	name := fmt.Sprintf("%T", errors.Cause(err))
	name = strings.TrimLeft(name[strings.LastIndex(name, ".")+1:], "*")
	if name == "" || !unicode.IsUpper(rune(name[0])) {
		return "Error"
	}
	return name
}
