package flags_test

import (
	"errors"
	"testing"

	"github.com/pithecene-io/jobforge/flags"
)

func TestDefaults_AllOffExceptSafetyFlags(t *testing.T) {
	r := flags.Defaults()

	off := []flags.Flag{
		flags.EventsEnabled,
		flags.TriggersEnabled,
		flags.AutopilotJobsEnabled,
		flags.ActionJobsEnabled,
		flags.ManifestsEnabled,
		flags.ReplayPackEnabled,
		flags.BundleTriggersEnabled,
		flags.AuditLoggingEnabled,
		flags.RateLimitingEnabled,
	}
	for _, f := range off {
		if r.Enabled(f) {
			t.Errorf("%s should default off", f)
		}
	}

	if !r.Enabled(flags.RequirePolicyTokens) {
		t.Error("require_policy_tokens should default on")
	}
	if !r.Enabled(flags.SecurityValidationEnabled) {
		t.Error("security_validation_enabled should default on")
	}
}

func TestNew_RejectsUnknownFlag(t *testing.T) {
	_, err := flags.New(flags.Options{
		Overrides: map[string]bool{"warp_drive_enabled": true},
	})
	if !errors.Is(err, flags.ErrUnknownFlag) {
		t.Fatalf("expected ErrUnknownFlag, got %v", err)
	}
}

func TestNew_ActionJobsWithoutSecretFailsFast(t *testing.T) {
	_, err := flags.New(flags.Options{
		Overrides: map[string]bool{string(flags.ActionJobsEnabled): true},
	})
	if err == nil {
		t.Fatal("expected initialization failure without policy secret")
	}
}

func TestNew_ActionJobsWithSecretSucceeds(t *testing.T) {
	r, err := flags.New(flags.Options{
		Overrides:              map[string]bool{string(flags.ActionJobsEnabled): true},
		PolicySecretConfigured: true,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !r.Enabled(flags.ActionJobsEnabled) {
		t.Error("override not applied")
	}
}

func TestNew_ActionJobsWithoutTokenRequirementNeedsNoSecret(t *testing.T) {
	r, err := flags.New(flags.Options{
		Overrides: map[string]bool{
			string(flags.ActionJobsEnabled):   true,
			string(flags.RequirePolicyTokens): false,
		},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if r.Enabled(flags.RequirePolicyTokens) {
		t.Error("require_policy_tokens override not applied")
	}
}

func TestAll_SortedAndComplete(t *testing.T) {
	states := flags.Defaults().All()
	if len(states) != 11 {
		t.Fatalf("expected 11 flags, got %d", len(states))
	}
	for i := 1; i < len(states); i++ {
		if states[i-1].Flag >= states[i].Flag {
			t.Errorf("flags not sorted at index %d: %s >= %s", i, states[i-1].Flag, states[i].Flag)
		}
	}
}
