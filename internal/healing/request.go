// Package healing drives a run's checkpoint through the run state machine and
// hands recoverable failures over to a fresh worker process. A failure the
// current process cannot get past is written back as a healing payload and
// reported as a *Request; the supervisor then starts a new worker on the same
// checkpoint, which resumes from the last durable position.
package healing

import (
	"errors"
	"fmt"

	"github.com/JakeFAU/outreach-crawler/internal/checkpoint"
)

// ErrRecursionLimit is returned when a checkpoint has been healed too often.
var ErrRecursionLimit = errors.New("healing recursion limit reached")

// Request asks for the checkpoint at StatePath to be resumed by a new worker.
type Request struct {
	RequestID string
	StatePath string
	Phase     checkpoint.Phase
	Reason    string
	Recursion int
	Err       error
}

func (r *Request) Error() string {
	return fmt.Sprintf("healing requested for %s in %s (recursion %d): %v", r.RequestID, r.Phase, r.Recursion, r.Err)
}

func (r *Request) Unwrap() error { return r.Err }

// AsRequest extracts the healing request from err.
func AsRequest(err error) (*Request, bool) {
	var r *Request
	if errors.As(err, &r) {
		return r, true
	}
	return nil, false
}
