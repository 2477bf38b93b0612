package login

import "context"

// Page is the browser surface the machine drives. Implementations check
// presence immediately; waiting is the machine's job.
type Page interface {
	URL() string
	Navigate(ctx context.Context, url string) error
	Has(ctx context.Context, selector string) (bool, error)
	Fill(ctx context.Context, selector, value string) error
	Click(ctx context.Context, selector string) error
	// ClickText clicks the first element matching selector whose text
	// contains text. It reports false when none does.
	ClickText(ctx context.Context, selector, text string) (bool, error)
	Frame(ctx context.Context, selector string) (Frame, error)
	// Screenshot captures the element matching selector as PNG.
	Screenshot(ctx context.Context, selector string) ([]byte, error)
}

// Frame is an iframe scope. Inputs are found by accessible label and
// buttons by role and name, never by class.
type Frame interface {
	Text(ctx context.Context, selector string) (string, error)
	FillLabeled(ctx context.Context, label, value string) error
	ClickRole(ctx context.Context, role, name string) error
}
