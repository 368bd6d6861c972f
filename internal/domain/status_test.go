package domain_test

import (
	"errors"
	"testing"

	"pulseline/internal/domain"
)

func TestDirectiveTransitions(t *testing.T) {
	allowed := map[[2]string]bool{
		{domain.DirectiveRequested, domain.DirectiveRunning}:  true,
		{domain.DirectiveRequested, domain.DirectiveCanceled}: true,
		{domain.DirectiveRunning, domain.DirectiveSucceeded}:  true,
		{domain.DirectiveRunning, domain.DirectiveFailed}:     true,
		{domain.DirectiveRunning, domain.DirectiveCanceled}:   true,
	}
	statuses := []string{
		domain.DirectiveRequested, domain.DirectiveRunning,
		domain.DirectiveSucceeded, domain.DirectiveFailed, domain.DirectiveCanceled,
	}
	for _, from := range statuses {
		for _, to := range statuses {
			err := domain.DirectiveTransition(from, to)
			if allowed[[2]string{from, to}] {
				if err != nil {
					t.Errorf("%s -> %s should be allowed: %v", from, to, err)
				}
				continue
			}
			if err == nil {
				t.Errorf("%s -> %s should be rejected", from, to)
			}
			var te *domain.TransitionError
			if !errors.As(err, &te) {
				t.Errorf("%s -> %s: expected TransitionError, got %T", from, to, err)
			}
		}
	}
}

func TestDirectiveTerminal(t *testing.T) {
	for _, status := range []string{domain.DirectiveSucceeded, domain.DirectiveFailed, domain.DirectiveCanceled} {
		if !domain.DirectiveTerminal(status) {
			t.Errorf("%s should be terminal", status)
		}
	}
	for _, status := range []string{domain.DirectiveRequested, domain.DirectiveRunning} {
		if domain.DirectiveTerminal(status) {
			t.Errorf("%s should not be terminal", status)
		}
	}
}

func TestInstallationTransitions(t *testing.T) {
	allowed := map[[2]string]bool{
		{domain.InstallationRequested, domain.InstallationInstalling}:  true,
		{domain.InstallationInstalling, domain.InstallationInstalled}:  true,
		{domain.InstallationInstalling, domain.InstallationFailed}:     true,
		{domain.InstallationInstalled, domain.InstallationDisabled}:    true,
		{domain.InstallationFailed, domain.InstallationInstalling}:     true,
		{domain.InstallationDisabled, domain.InstallationInstalling}:   true,
	}
	statuses := []string{
		domain.InstallationRequested, domain.InstallationInstalling,
		domain.InstallationInstalled, domain.InstallationFailed, domain.InstallationDisabled,
	}
	for _, from := range statuses {
		for _, to := range statuses {
			err := domain.InstallationTransition(from, to)
			if allowed[[2]string{from, to}] != (err == nil) {
				t.Errorf("%s -> %s: allowed=%v err=%v", from, to, allowed[[2]string{from, to}], err)
			}
		}
	}
}

func TestValidateName(t *testing.T) {
	valid := []string{"order.created", "package.installation.installed", "a.b", "x_1.y_2.z"}
	for _, name := range valid {
		if err := domain.ValidateName("name", name); err != nil {
			t.Errorf("%q should be valid: %v", name, err)
		}
	}
	invalid := []string{"", "order", "Order.Created", "order.", ".created", "order created", "order-created.x"}
	for _, name := range invalid {
		err := domain.ValidateName("name", name)
		if err == nil {
			t.Errorf("%q should be invalid", name)
			continue
		}
		var ve *domain.ValidationError
		if !errors.As(err, &ve) {
			t.Errorf("%q: expected ValidationError, got %T", name, err)
		}
	}
}

func TestValidateSlug(t *testing.T) {
	for _, slug := range []string{"starter-pack", "observability", "pkg_1"} {
		if err := domain.ValidateSlug("slug", slug); err != nil {
			t.Errorf("%q should be valid: %v", slug, err)
		}
	}
	for _, slug := range []string{"", "Pack", "a.b", "-lead", "has space"} {
		if err := domain.ValidateSlug("slug", slug); err == nil {
			t.Errorf("%q should be invalid", slug)
		}
	}
}
