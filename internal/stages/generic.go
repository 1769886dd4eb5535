package stages

import (
	"context"
	"fmt"

	"github.com/flowforge/backend/internal/pipeline"
)

// GenericHandler serves build, test, release, and unrecognized stage types.
// These stages carry no external tool in this version; they complete
// immediately with an informational log line.
type GenericHandler struct{}

func (GenericHandler) Execute(ctx context.Context, req *Request) *Result {
	return &Result{
		Status:  pipeline.StatusSuccess,
		Message: "stage completed",
		LogLines: []string{
			fmt.Sprintf("Stage %s (%s) completed", req.Stage.Name, req.Stage.Type),
		},
	}
}
