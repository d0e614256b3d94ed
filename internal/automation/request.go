// internal/automation/request.go
package automation

import (
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/xkilldash9x/provisioner/internal/config"
)

// IDE selects which editor the callback link is minted for.
type IDE string

const (
	IDECursor IDE = "cursor"
	IDEVSCode IDE = "vscode"
)

// ErrUnknownIDE is returned for an IDE value outside the supported set.
var ErrUnknownIDE = errors.New("unknown IDE")

// ParseIDE accepts the IDE names and their storefront variants ("A" for Cursor, "B" for VS Code).
func ParseIDE(s string) (IDE, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "cursor", "a":
		return IDECursor, nil
	case "vscode", "b":
		return IDEVSCode, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownIDE, s)
	}
}

// CallbackScheme returns the custom URI prefix the site redirects this IDE to.
func (i IDE) CallbackScheme(k config.KombaiConfig) string {
	if i == IDEVSCode {
		return k.VSCodeCallback
	}
	return k.CursorCallback
}

// Request is one signup job.
type Request struct {
	Email    string `json:"email"`
	Password string `json:"password"`
	IDE      IDE    `json:"ide"`
	// SignupURL, when set, replaces the URL built from configuration.
	SignupURL string `json:"signupUrl,omitempty"`
}

// Validate rejects a request before any browser work starts. It normalizes IDE aliases in place.
func (r *Request) Validate() error {
	var errs []error
	r.Email = strings.TrimSpace(r.Email)
	if r.Email == "" {
		errs = append(errs, errors.New("email is required"))
	} else if !strings.Contains(r.Email, "@") {
		errs = append(errs, fmt.Errorf("email %q is not an address", r.Email))
	}
	if r.Password == "" {
		errs = append(errs, errors.New("password is required"))
	}
	if r.IDE == "" {
		errs = append(errs, errors.New("ide is required"))
	} else if ide, err := ParseIDE(string(r.IDE)); err != nil {
		errs = append(errs, err)
	} else {
		r.IDE = ide
	}
	r.SignupURL = strings.TrimSpace(r.SignupURL)
	return errors.Join(errs...)
}

// SignupURL builds the registration URL for ide from the site configuration.
func SignupURL(k config.KombaiConfig, ide IDE) string {
	// Built by hand because url.Values.Encode sorts keys and the site expects this order.
	return fmt.Sprintf("%s?redirectUri=%s&code=%s&from=vscode&type=new",
		k.SignupBaseURL, url.QueryEscape(ide.CallbackScheme(k)), url.QueryEscape(k.InviteCode))
}

// targetURL is the URL a run navigates to first.
func (r Request) targetURL(k config.KombaiConfig) (string, bool) {
	if r.SignupURL != "" {
		return r.SignupURL, true
	}
	return SignupURL(k, r.IDE), false
}
