package errors

import (
	stderrors "errors"
	"fmt"
	"strings"
	"testing"
)

func TestNew(t *testing.T) {
	tests := []struct {
		name    string
		code    string
		wantMsg string
		wantCat Category
	}{
		{
			name:    "manifest fetch error",
			code:    CodeManifestFetch,
			wantMsg: "Manifest fetch failed",
			wantCat: CategoryManifest,
		},
		{
			name:    "already updating error",
			code:    CodeAlreadyUpdating,
			wantMsg: "An update for this component is already in progress",
			wantCat: CategoryUpdate,
		},
		{
			name:    "process start error",
			code:    CodeProcessStart,
			wantMsg: "Process failed to start",
			wantCat: CategoryProcess,
		},
		{
			name:    "unknown error code",
			code:    "E999",
			wantMsg: "Unknown error",
			wantCat: "",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := New(tt.code)
			if err.Message != tt.wantMsg {
				t.Errorf("Message = %q, want %q", err.Message, tt.wantMsg)
			}
			if err.Category != tt.wantCat {
				t.Errorf("Category = %q, want %q", err.Category, tt.wantCat)
			}
			if err.Code != tt.code {
				t.Errorf("Code = %q, want %q", err.Code, tt.code)
			}
		})
	}
}

func TestNewf(t *testing.T) {
	err := Newf(CategoryConfig, "config file %q not found", "config.json")
	if err.Code != "" {
		t.Errorf("Code = %q, want empty", err.Code)
	}
	if err.Message != `config file "config.json" not found` {
		t.Errorf("Message = %q", err.Message)
	}
	if err.Category != CategoryConfig {
		t.Errorf("Category = %q, want %q", err.Category, CategoryConfig)
	}
}

func TestErrorString(t *testing.T) {
	err := New(CodeConfirmRequired)
	want := "E204: Confirmation required"
	if err.Error() != want {
		t.Errorf("Error() = %q, want %q", err.Error(), want)
	}

	bare := Newf(CategoryUpdate, "no code here")
	if bare.Error() != "no code here" {
		t.Errorf("Error() = %q, want %q", bare.Error(), "no code here")
	}
}

func TestWrapAndUnwrap(t *testing.T) {
	cause := fmt.Errorf("connection refused")
	err := New(CodeManifestFetch).Wrap(cause)

	if !stderrors.Is(err, cause) {
		t.Error("errors.Is should find the wrapped cause")
	}
	if err.Unwrap() != cause {
		t.Errorf("Unwrap() = %v, want %v", err.Unwrap(), cause)
	}
}

func TestHasCode(t *testing.T) {
	tests := []struct {
		name string
		err  error
		code string
		want bool
	}{
		{"direct match", New(CodeAlreadyUpdating), CodeAlreadyUpdating, true},
		{"wrapped in fmt.Errorf", fmt.Errorf("enqueue: %w", New(CodeAlreadyUpdating)), CodeAlreadyUpdating, true},
		{"different code", New(CodeUpdateTimeout), CodeAlreadyUpdating, false},
		{"plain error", fmt.Errorf("plain"), CodeAlreadyUpdating, false},
		{"nil error", nil, CodeAlreadyUpdating, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := HasCode(tt.err, tt.code); got != tt.want {
				t.Errorf("HasCode = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestCodeOf(t *testing.T) {
	if got := CodeOf(New(CodeProcessCrash)); got != CodeProcessCrash {
		t.Errorf("CodeOf = %q, want %q", got, CodeProcessCrash)
	}
	if got := CodeOf(fmt.Errorf("plain")); got != "" {
		t.Errorf("CodeOf = %q, want empty", got)
	}
}

func TestFromError(t *testing.T) {
	if FromError(nil, CodeConfigLoad) != nil {
		t.Error("FromError(nil) should be nil")
	}

	se := New(CodeUpdateTimeout)
	if got := FromError(se, CodeConfigLoad); got != se {
		t.Error("FromError should return an existing StationError unchanged")
	}

	plain := fmt.Errorf("disk full")
	wrapped := FromError(plain, CodeConfigLoad)
	if wrapped.Code != CodeConfigLoad {
		t.Errorf("Code = %q, want %q", wrapped.Code, CodeConfigLoad)
	}
	if !stderrors.Is(wrapped, plain) {
		t.Error("FromError should wrap the original error")
	}
}

func TestFormat(t *testing.T) {
	DisableColors()
	defer EnableColors()

	err := New(CodeProcessStart).
		WithComponent("inference-client").
		WithDetail("listener on port %d never opened", 20200).
		Wrap(fmt.Errorf("signal: killed"))

	out := err.Format()
	for _, want := range []string{
		"ERROR E201: Process failed to start",
		"component: inference-client",
		"listener on port 20200 never opened",
		"cause: signal: killed",
		"Hint:",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("Format() missing %q in:\n%s", want, out)
		}
	}
}

func TestRegisteredCodesHaveCategory(t *testing.T) {
	for code, template := range registry {
		if template.Category == "" {
			t.Errorf("code %s has no category", code)
		}
		if template.Message == "" {
			t.Errorf("code %s has no message", code)
		}
	}
}
