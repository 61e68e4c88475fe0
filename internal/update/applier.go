package update

import (
	"bytes"
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	log "github.com/sirupsen/logrus"

	"github.com/mycoool/goota/internal/hook"
)

// Directive is the structured outcome of the external apply command.
type Directive string

const (
	// DirectiveNone means the command succeeded with no further action.
	DirectiveNone Directive = "none"
	// DirectiveExit asks for a graceful process shutdown.
	DirectiveExit Directive = "exit"
	// DirectiveRestart asks for a full process restart.
	DirectiveRestart Directive = "restart"
	// DirectiveError means the command failed; no further action.
	DirectiveError Directive = "error"
)

// Applier runs the operator-supplied apply hook against a verified
// image. A nil Hook puts the applier in signal-only mode: observers are
// notified but no command runs and image cleanup shifts to the
// platform.
type Applier struct {
	Hook *hook.Hook
}

// Apply invokes the hook command with the image path as its single
// argument and maps the result to a Directive. The image file is
// removed after the command returns, on every path except signal-only
// mode.
func (a *Applier) Apply(ctx context.Context, imagePath string) (Directive, string) {
	if a.Hook == nil {
		log.Infof("no apply hook configured, signal-only apply for %s", imagePath)
		return DirectiveNone, ""
	}

	defer func() {
		if err := os.Remove(imagePath); err != nil && !os.IsNotExist(err) {
			log.Warnf("failed to remove image %s: %v", imagePath, err)
		}
	}()

	var lookpath string
	if filepath.IsAbs(a.Hook.ExecuteCommand) || a.Hook.CommandWorkingDirectory == "" {
		lookpath = a.Hook.ExecuteCommand
	} else {
		lookpath = filepath.Join(a.Hook.CommandWorkingDirectory, a.Hook.ExecuteCommand)
	}

	cmdPath, err := exec.LookPath(lookpath)
	if err != nil {
		log.Errorf("apply hook command not found: %v", err)
		return DirectiveError, err.Error()
	}

	ctx, cancel := context.WithTimeout(ctx, a.Hook.CommandTimeout())
	defer cancel()

	cmd := exec.CommandContext(ctx, cmdPath, imagePath)
	cmd.Dir = a.Hook.CommandWorkingDirectory

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	log.Infof("executing apply hook %s %q", cmdPath, imagePath)
	runErr := cmd.Run()

	output := strings.TrimSpace(stdout.String() + stderr.String())
	if runErr != nil {
		log.Errorf("apply hook failed: %v, output: %s", runErr, output)
		return DirectiveError, output
	}

	return parseDirective(stdout.String()), output
}

// parseDirective maps the command's standard output to a directive.
// The contract is a single line, exactly "exit\n" or "restart\n";
// anything else means no directive.
func parseDirective(stdout string) Directive {
	switch stdout {
	case "exit\n":
		return DirectiveExit
	case "restart\n":
		return DirectiveRestart
	default:
		return DirectiveNone
	}
}
