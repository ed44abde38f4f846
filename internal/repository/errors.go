package repository

import (
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/lib/pq"
	"github.com/stanstork/harvest-api/internal/models"
)

var (
	ErrNotFound           = errors.New("not found")
	ErrTransitionConflict = errors.New("job state transition conflict")
	ErrAuditTransition    = errors.New("delivery audit status cannot advance")
)

// TransitionConflictError is returned when a guarded job update found the
// job in a state that does not allow the requested transition.
type TransitionConflictError struct {
	JobID   string
	Current models.JobState
	Target  models.JobState
}

func (e *TransitionConflictError) Error() string {
	return fmt.Sprintf("job %s is %s, cannot move to %s", e.JobID, e.Current, e.Target)
}

func (e *TransitionConflictError) Is(target error) bool {
	return target == ErrTransitionConflict
}

const uniqueViolation = "23505"

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == uniqueViolation
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

// isRowID reports whether id can name a UUID keyed row. Anything else cannot
// exist, so lookups short-circuit to ErrNotFound instead of a cast error.
func isRowID(id string) bool {
	_, err := uuid.Parse(id)
	return err == nil
}
