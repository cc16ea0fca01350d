package bridge

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/joss/agentgate/internal/exec"
)

const probeTimeout = 10 * time.Second

// Version runs "<binary> --version" and returns its first output line.
func Version(ctx context.Context, r exec.Runner, binary string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()
	out, err := r.Run(ctx, binary, "--version")
	if err != nil {
		return "", fmt.Errorf("%s --version: %w", binary, err)
	}
	line, _, _ := strings.Cut(strings.TrimSpace(string(out)), "\n")
	return strings.TrimSpace(line), nil
}
