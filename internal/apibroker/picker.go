package apibroker

import (
	"context"
	"os/exec"
	"runtime"
	"strings"

	"github.com/pptb-app/pptb/internal/fault"
)

// Picker shows native file dialogs. The shell process hosts the real
// implementation; the supervisor only defines the contract and a headless
// fallback so routes stay callable in environments without a display.
type Picker interface {
	// PickSave asks for a destination path, suggesting a file name.
	PickSave(ctx context.Context, suggestedName string) (string, error)
	// PickPath asks for an existing file or, when directory is true, a
	// directory. An empty return with nil error means the user cancelled.
	PickPath(ctx context.Context, directory bool) (string, error)
}

// NoPicker refuses every dialog. Used when no shell-side picker is wired.
type NoPicker struct{}

func (NoPicker) PickSave(ctx context.Context, suggestedName string) (string, error) {
	return "", fault.New(fault.KindInvalidArgument, "no file picker is available in this environment")
}

func (NoPicker) PickPath(ctx context.Context, directory bool) (string, error) {
	return "", fault.New(fault.KindInvalidArgument, "no file picker is available in this environment")
}

// Clipboard copies text for the user.
type Clipboard interface {
	Copy(text string) error
}

// systemClipboard shells out to the platform clipboard tool.
type systemClipboard struct{}

func (systemClipboard) Copy(text string) error {
	var cmd *exec.Cmd
	switch runtime.GOOS {
	case "darwin":
		cmd = exec.Command("pbcopy")
	case "windows":
		cmd = exec.Command("clip")
	default:
		if _, err := exec.LookPath("xclip"); err == nil {
			cmd = exec.Command("xclip", "-selection", "clipboard")
		} else if _, err := exec.LookPath("xsel"); err == nil {
			cmd = exec.Command("xsel", "--clipboard", "--input")
		} else {
			return fault.New(fault.KindUnknown, "no clipboard tool found")
		}
	}
	cmd.Stdin = strings.NewReader(text)
	if err := cmd.Run(); err != nil {
		return fault.New(fault.KindUnknown, "copying to clipboard failed")
	}
	return nil
}
