package ceremony

// Prompter is the operator's side of the ceremony.
type Prompter interface {
	// Choose returns the index of the picked option.
	Choose(prompt string, options []string) (int, error)
	Confirm(prompt string) (bool, error)
	// Input re-asks while check fails. An empty answer returns "" when
	// allowEmpty is set and ErrCancelled otherwise.
	Input(prompt string, check func(string) error, allowEmpty bool) (string, error)
	// Date returns a timestamp, or 0 for an empty optional answer.
	Date(prompt string, required bool) (uint32, error)

	Print(format string, args ...any)
	Warn(format string, args ...any)
	Error(format string, args ...any)
	Table(title string, header []string, rows [][]string)
}
