package generation

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/genbot/backend/internal/models"
)

var (
	// ErrSubmit means the backend did not accept the job. Nothing is running remotely.
	ErrSubmit = errors.New("generation submit failed")
	// ErrRemoteFailure means the backend accepted the job but it did not produce an artifact.
	ErrRemoteFailure = errors.New("generation failed remotely")
	// ErrTimeout means the polling ceiling elapsed before the job finished.
	ErrTimeout = errors.New("generation timed out")
	// ErrInvalidParams is returned when parameters fail validation for their kind.
	ErrInvalidParams = errors.New("invalid generation parameters")
)

// Params are the user-facing generation inputs. Zero values fall back to the
// workflow template's defaults.
type Params struct {
	Prompt         string `json:"prompt"`
	NegativePrompt string `json:"negative_prompt,omitempty"`
	Width          int    `json:"width,omitempty"`
	Height         int    `json:"height,omitempty"`
	Seed           int64  `json:"seed,omitempty"`
	InputImageURL  string `json:"input_image_url,omitempty"`
}

// Handle identifies a submitted remote job as "<kind>:<prompt id>".
type Handle string

func NewHandle(kind, promptID string) Handle {
	return Handle(kind + ":" + promptID)
}

// Parse splits a handle into its kind and remote prompt id.
func (h Handle) Parse() (kind, promptID string, err error) {
	kind, promptID, ok := strings.Cut(string(h), ":")
	if !ok || promptID == "" {
		return "", "", fmt.Errorf("malformed handle %q", string(h))
	}
	if kind != models.JobKindImage && kind != models.JobKindVideo {
		return "", "", fmt.Errorf("handle %q: unknown kind %q", string(h), kind)
	}
	return kind, promptID, nil
}

// Artifact is the finished output of a generation job.
type Artifact struct {
	URL       string `json:"url"`
	Filename  string `json:"filename"`
	MediaType string `json:"media_type"`
}

// Client submits generation jobs and waits for their results.
type Client interface {
	Submit(ctx context.Context, kind string, p Params) (Handle, error)
	// Await blocks until the job finishes, the timeout elapses (ErrTimeout)
	// or ctx is cancelled (ctx.Err()).
	Await(ctx context.Context, h Handle, timeout time.Duration) (*Artifact, error)
}
