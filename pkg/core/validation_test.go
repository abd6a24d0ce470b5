package core

import (
	"errors"
	"strings"
	"testing"
)

func TestValidateAddress(t *testing.T) {
	tests := []struct {
		name    string
		address string
		wantErr bool
	}{
		{"valid address", "test.address", false},
		{"empty address", "", true},
		{"long address", strings.Repeat("a", 256), true},
		{"max length address", strings.Repeat("a", 255), false},
		{"normal address", "api.users", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateAddress(tt.address)
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidateAddress() error = %v, wantErr %v", err, tt.wantErr)
			}
			if err != nil && !errors.Is(err, ErrInvalidAddress) {
				t.Errorf("ValidateAddress() error should match ErrInvalidAddress, got %v", err)
			}
		})
	}
}

func TestValidateVerticle(t *testing.T) {
	var typedNil *VerticleFuncs

	if err := ValidateVerticle(nil); !errors.Is(err, ErrInvalidVerticle) {
		t.Errorf("ValidateVerticle(nil) error = %v", err)
	}
	if err := ValidateVerticle(typedNil); !errors.Is(err, ErrInvalidVerticle) {
		t.Errorf("ValidateVerticle(typed nil) error = %v", err)
	}
	if err := ValidateVerticle(&VerticleFuncs{}); err != nil {
		t.Errorf("ValidateVerticle() error = %v", err)
	}
}

func TestValidateDeploymentID(t *testing.T) {
	if err := ValidateDeploymentID(""); !errors.Is(err, ErrInvalidDeploymentID) {
		t.Errorf("ValidateDeploymentID(\"\") error = %v", err)
	}
	if err := ValidateDeploymentID("deployment.1"); err != nil {
		t.Errorf("ValidateDeploymentID() error = %v", err)
	}
}

func TestValidateBody(t *testing.T) {
	tests := []struct {
		name    string
		body    interface{}
		wantErr bool
	}{
		{"valid body", "test", false},
		{"nil body", nil, true},
		{"map body", map[string]string{"key": "value"}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateBody(tt.body)
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidateBody() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestError_IsMatchesByCode(t *testing.T) {
	err := newError(ErrDeploymentNotFound.Code, "deployment not found: %s", "deployment.x")

	if !errors.Is(err, ErrDeploymentNotFound) {
		t.Error("errors.Is should match errors with the same code")
	}
	if errors.Is(err, ErrDeploymentPending) {
		t.Error("errors.Is should not match errors with a different code")
	}
	if err.Error() != "deployment not found: deployment.x" {
		t.Errorf("Error() = %q", err.Error())
	}
}

func TestPhaseError(t *testing.T) {
	cause := errors.New("bind: address already in use")
	err := &PhaseError{Phase: PhaseStart, DeploymentID: "deployment.1", Verticle: "http", Cause: cause}

	if !errors.Is(err, cause) {
		t.Error("PhaseError should unwrap to its cause")
	}
	want := "verticle http (deployment.1) start failed: bind: address already in use"
	if err.Error() != want {
		t.Errorf("Error() = %q, want %q", err.Error(), want)
	}
}
