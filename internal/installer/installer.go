// Package installer materializes package content into a tenant. It is
// the first concrete consumer of the directive and job machinery:
// installs are requested as directives, executed as jobs, and every
// step is re-runnable.
package installer

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	"pulseline/internal/besteffort"
	"pulseline/internal/directive"
	"pulseline/internal/domain"
	"pulseline/internal/jobs"
	"pulseline/internal/repo"
	"pulseline/internal/signal"
)

type Installer struct {
	Repo  repo.Repo
	Bus   signal.Bus
	Queue *jobs.Queue
	Now   func() time.Time
}

func (i Installer) now() time.Time {
	if i.Now != nil {
		return i.Now().UTC()
	}
	return time.Now().UTC()
}

// RunInstall is the job handler for package.install jobs. Every step
// is safe to repeat: agents are matched by signature before insert and
// an already-installed installation is a no-op.
func (i Installer) RunInstall(ctx context.Context, job domain.Job) error {
	tenant, _ := job.Args["tenant"].(string)
	installationID, _ := job.Args["installation_id"].(string)
	if installationID == "" {
		installationID = job.EntityID
	}
	directiveID, _ := job.Args["directive_id"].(string)
	if tenant == "" || installationID == "" {
		return jobs.Permanent(fmt.Errorf("install job %s missing tenant or installation_id", job.ID))
	}

	ins, err := i.Repo.GetInstallation(ctx, tenant, installationID)
	if err == repo.ErrNotFound {
		return jobs.Permanent(fmt.Errorf("installation %s not found", installationID))
	}
	if err != nil {
		return err
	}
	if ins.Status == domain.InstallationInstalled {
		log.Printf("installation %s already installed; skipping", ins.ID)
		return nil
	}

	// A retried job finds the row already in installing; only a fresh
	// entry needs the transition applied.
	if ins.Status != domain.InstallationInstalling {
		if err := domain.InstallationTransition(ins.Status, domain.InstallationInstalling); err != nil {
			return jobs.Permanent(err)
		}
		if err := i.Repo.SetInstallationStatus(ctx, tenant, ins.ID, domain.InstallationInstalling); err != nil {
			return err
		}
	}
	i.emit(ctx, ins, "package.installation.installing", map[string]any{
		"installation_id": ins.ID,
		"package_slug":    ins.PackageSlug,
		"attempt":         job.Attempts,
	})

	pkg, err := i.Repo.GetPackageBySlug(ctx, ins.PackageSlug)
	if err == repo.ErrNotFound {
		return i.fail(ctx, ins, directiveID, jobs.Permanent(fmt.Errorf("package %s not found", ins.PackageSlug)))
	}
	if err != nil {
		return i.recordTransient(ctx, ins, err)
	}
	if ins.PackageVersion != "" && ins.PackageVersion != pkg.Version {
		return i.fail(ctx, ins, directiveID, jobs.Permanent(
			fmt.Errorf("package %s version %s requested but %s is registered", pkg.Slug, ins.PackageVersion, pkg.Version)))
	}

	if err := i.installAgents(ctx, tenant, pkg); err != nil {
		if jobs.IsPermanent(err) || job.Attempts >= job.MaxAttempts {
			return i.fail(ctx, ins, directiveID, err)
		}
		return i.recordTransient(ctx, ins, err)
	}
	for _, wf := range pkg.Includes.Workflows {
		log.Printf("install %s: workflow %q not installable yet; skipping", pkg.Slug, wf.Name)
	}
	for _, sk := range pkg.Includes.Skills {
		log.Printf("install %s: skill %q not installable yet; skipping", pkg.Slug, sk.Name)
	}

	installedAt := i.now().Format(time.RFC3339)
	if err := i.Repo.MarkInstallationInstalled(ctx, tenant, ins.ID, installedAt); err != nil {
		return err
	}
	i.emit(ctx, ins, "package.installation.installed", map[string]any{
		"installation_id": ins.ID,
		"package_slug":    ins.PackageSlug,
		"package_version": pkg.Version,
	})
	besteffort.Do("bump install count", func() error {
		return i.Repo.BumpPackageInstallCount(ctx, pkg.Slug)
	})
	if directiveID != "" {
		besteffort.Do("directive cross-link", func() error {
			return i.Repo.UpdateDirectiveResult(ctx, tenant, directiveID, map[string]any{
				"installation_id": ins.ID,
				"status":          domain.InstallationInstalled,
				"installed_at":    installedAt,
			})
		})
	}
	return nil
}

// installAgents creates each agent unless one with the same
// (name, system_prompt) signature already exists, which makes retried
// installs converge instead of duplicating content.
func (i Installer) installAgents(ctx context.Context, tenant string, pkg domain.Package) error {
	for _, spec := range pkg.Includes.Agents {
		_, err := i.Repo.FindAgentBySignature(ctx, tenant, spec.Name, spec.SystemPrompt)
		if err == nil {
			continue
		}
		if err != repo.ErrNotFound {
			return err
		}
		slug := pkg.Slug
		agent := domain.Agent{
			ID:           uuid.New().String(),
			TenantID:     tenant,
			Name:         spec.Name,
			SystemPrompt: spec.SystemPrompt,
			Config:       spec.Config,
			SourceSlug:   &slug,
			CreatedAt:    i.now().Format(time.RFC3339),
		}
		if err := i.Repo.InsertAgent(ctx, agent); err != nil {
			return err
		}
	}
	return nil
}

// fail records a permanent install failure on the installation and,
// when the install was driven by a directive, on the directive too.
func (i Installer) fail(ctx context.Context, ins domain.Installation, directiveID string, cause error) error {
	at := i.now().Format(time.RFC3339)
	if err := i.Repo.MarkInstallationFailed(ctx, ins.TenantID, ins.ID, cause.Error(), at); err != nil {
		log.Printf("installation %s: mark failed: %v", ins.ID, err)
	}
	i.emit(ctx, ins, "package.installation.failed", map[string]any{
		"installation_id": ins.ID,
		"package_slug":    ins.PackageSlug,
		"error":           cause.Error(),
	})
	if directiveID != "" {
		besteffort.Do("directive cross-link", func() error {
			return i.Repo.MarkDirectiveFailed(ctx, ins.TenantID, directiveID, cause.Error(), at)
		})
	}
	return cause
}

// recordTransient keeps the installation in installing and lets the
// queue retry.
func (i Installer) recordTransient(ctx context.Context, ins domain.Installation, cause error) error {
	log.Printf("installation %s: transient failure: %v", ins.ID, cause)
	return cause
}

func (i Installer) emit(ctx context.Context, ins domain.Installation, name string, payload map[string]any) {
	besteffort.Do(name, func() error {
		_, _, err := i.Bus.Emit(ctx, ins.TenantID, name, payload, signal.EmitOptions{
			SubjectType: "installation",
			SubjectID:   ins.ID,
			Source:      "installer",
		})
		return err
	})
}

// DirectiveHandlers returns the directive handlers the installer
// contributes: package.install and package.uninstall.
func (i Installer) DirectiveHandlers() map[string]directive.Handler {
	return map[string]directive.Handler{
		"package.install":   i.handleInstallDirective,
		"package.uninstall": i.handleUninstallDirective,
	}
}

// handleInstallDirective ensures an installation row exists and
// enqueues the install job. The directive succeeds once the work is
// durably queued; the installer cross-links the final outcome back
// onto the directive row.
func (i Installer) handleInstallDirective(ctx context.Context, dc directive.Context) (map[string]any, error) {
	slug, _ := dc.Directive.Payload["package_slug"].(string)
	if slug == "" {
		return nil, jobs.Permanent(fmt.Errorf("directive payload missing package_slug"))
	}
	version, _ := dc.Directive.Payload["package_version"].(string)
	insConfig, _ := dc.Directive.Payload["config"].(map[string]any)

	ins, err := i.Repo.GetInstallationBySlug(ctx, dc.Tenant, slug)
	if err == repo.ErrNotFound {
		now := i.now().Format(time.RFC3339)
		ins = domain.Installation{
			ID:             uuid.New().String(),
			TenantID:       dc.Tenant,
			PackageSlug:    slug,
			PackageVersion: version,
			Status:         domain.InstallationRequested,
			Config:         insConfig,
			CreatedAt:      now,
			UpdatedAt:      now,
		}
		if err := i.Repo.InsertInstallation(ctx, ins); err != nil {
			return nil, err
		}
		i.emit(ctx, ins, "package.installation.requested", map[string]any{
			"installation_id": ins.ID,
			"package_slug":    slug,
		})
	} else if err != nil {
		return nil, err
	}

	if _, err := i.Queue.Enqueue(ctx, jobs.EnqueueOptions{
		Tenant:   dc.Tenant,
		Kind:     jobs.KindPackageInstall,
		EntityID: ins.ID,
		Args: map[string]any{
			"tenant":          dc.Tenant,
			"installation_id": ins.ID,
			"directive_id":    dc.Directive.ID,
		},
	}); err != nil {
		return nil, err
	}
	return map[string]any{"installation_id": ins.ID, "enqueued": true}, nil
}

// handleUninstallDirective disables the installation. Content already
// installed stays; uninstall only turns the package off for the tenant.
func (i Installer) handleUninstallDirective(ctx context.Context, dc directive.Context) (map[string]any, error) {
	slug, _ := dc.Directive.Payload["package_slug"].(string)
	if slug == "" {
		return nil, jobs.Permanent(fmt.Errorf("directive payload missing package_slug"))
	}
	ins, err := i.Repo.GetInstallationBySlug(ctx, dc.Tenant, slug)
	if err == repo.ErrNotFound {
		return nil, jobs.Permanent(fmt.Errorf("package %s is not installed", slug))
	}
	if err != nil {
		return nil, err
	}
	if ins.Status == domain.InstallationDisabled {
		return map[string]any{"installation_id": ins.ID, "status": ins.Status}, nil
	}
	if err := i.Repo.MarkInstallationDisabled(ctx, dc.Tenant, ins.ID); err != nil {
		return nil, err
	}
	i.emit(ctx, ins, "package.installation.disabled", map[string]any{
		"installation_id": ins.ID,
		"package_slug":    slug,
	})
	return map[string]any{"installation_id": ins.ID, "status": domain.InstallationDisabled}, nil
}
