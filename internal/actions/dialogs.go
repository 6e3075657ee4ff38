package actions

import "context"

// CloseChoice is the user's answer to the unsaved-changes prompt.
type CloseChoice int

const (
	CloseSave CloseChoice = iota
	CloseDiscard
	CloseCancel
)

// RecoveryChoice is the user's answer after an external delete.
type RecoveryChoice int

const (
	RecoverSaveAs RecoveryChoice = iota
	RecoverKeepEditing
	RecoverClose
)

// Dialogs abstracts the user-facing prompts. Implementations are
// injected by the platform layer; every call may block on user input
// and reports cancellation through its ok/choice value, never through
// an error.
type Dialogs interface {
	// SaveFile prompts for a destination path. ok is false when the
	// user dismissed the dialog.
	SaveFile(ctx context.Context, defaultName string) (path string, ok bool, err error)
	// ConfirmClose runs the Save / Don't Save / Cancel prompt for a
	// document with unsaved changes.
	ConfirmClose(ctx context.Context, name string) (CloseChoice, error)
	// DeleteRecovery runs the three-way prompt after a document's file
	// vanished from disk.
	DeleteRecovery(ctx context.Context, name string) (RecoveryChoice, error)
}

// UnattendedDialogs is the provider used when no platform layer is
// attached: every prompt resolves to its non-destructive choice, so
// nothing is written, closed, or discarded without a user.
type UnattendedDialogs struct{}

func (UnattendedDialogs) SaveFile(context.Context, string) (string, bool, error) {
	return "", false, nil
}

func (UnattendedDialogs) ConfirmClose(context.Context, string) (CloseChoice, error) {
	return CloseCancel, nil
}

func (UnattendedDialogs) DeleteRecovery(context.Context, string) (RecoveryChoice, error) {
	return RecoverKeepEditing, nil
}
