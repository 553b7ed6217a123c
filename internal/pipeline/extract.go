package pipeline

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/MrWong99/cantara/internal/fault"
)

// extractTimeout bounds one source download plus audio conversion.
const extractTimeout = 4 * time.Minute

// CommandExtractor runs a configured external command (typically yt-dlp with
// an audio postprocessor) to turn a source URL into a local FLAC file. The
// command template substitutes {url} and {dest} per invocation.
type CommandExtractor struct {
	// Template is the argv template, e.g.
	//   ["yt-dlp", "-x", "--audio-format", "flac", "-o", "{dest}", "{url}"].
	Template []string
}

// NewCommandExtractor validates the template and returns the extractor.
func NewCommandExtractor(template []string) (*CommandExtractor, error) {
	if len(template) == 0 {
		return nil, fmt.Errorf("pipeline: extractor command must not be empty")
	}
	var hasURL, hasDest bool
	for _, arg := range template {
		if strings.Contains(arg, "{url}") {
			hasURL = true
		}
		if strings.Contains(arg, "{dest}") {
			hasDest = true
		}
	}
	if !hasURL || !hasDest {
		return nil, fmt.Errorf("pipeline: extractor command must reference {url} and {dest}")
	}
	return &CommandExtractor{Template: template}, nil
}

// Fetch runs the command. A command that exits zero but writes no file is an
// upstream failure; the worker may retry it.
func (e *CommandExtractor) Fetch(ctx context.Context, sourceURL, dest string) error {
	ctx, cancel := context.WithTimeout(ctx, extractTimeout)
	defer cancel()

	argv := make([]string, len(e.Template))
	for i, arg := range e.Template {
		arg = strings.ReplaceAll(arg, "{url}", sourceURL)
		arg = strings.ReplaceAll(arg, "{dest}", dest)
		argv[i] = arg
	}

	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	out, err := cmd.CombinedOutput()
	if err != nil {
		detail := strings.TrimSpace(string(out))
		if len(detail) > 512 {
			detail = detail[:512]
		}
		return fmt.Errorf("pipeline: extractor: %v (%s): %w", err, detail, fault.ErrUpstreamUnavailable)
	}
	if fi, err := os.Stat(dest); err != nil || fi.Size() == 0 {
		return fmt.Errorf("pipeline: extractor produced no output at %s: %w", dest, fault.ErrUpstreamUnavailable)
	}
	return nil
}

// Ensure CommandExtractor implements Extractor at compile time.
var _ Extractor = (*CommandExtractor)(nil)
