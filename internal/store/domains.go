package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/slipway-dev/slipway/internal/apierror"
	"github.com/slipway-dev/slipway/internal/project"
)

// CustomDomain maps an external FQDN to a project, together with the PEM
// certificate material serving it. NotAfter is zero until a certificate
// has been issued.
type CustomDomain struct {
	FQDN      string
	Project   project.Name
	CertChain string
	CertKey   string
	NotAfter  time.Time
}

// UpsertCustomDomain attaches a domain to a project, stealing it from any
// previous project. Certificate material is preserved across re-attachment
// since it belongs to the FQDN, not the project.
func (s *Store) UpsertCustomDomain(ctx context.Context, fqdn string, name project.Name) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO custom_domains (fqdn, project_name) VALUES (?, ?)
		 ON CONFLICT(fqdn) DO UPDATE SET project_name = excluded.project_name`,
		fqdn, name.String())
	if err != nil {
		return fmt.Errorf("upsert domain: %w", err)
	}
	return nil
}

// GetCustomDomain resolves an FQDN. Returns KindDomainNotFound when the
// domain is not registered.
func (s *Store) GetCustomDomain(ctx context.Context, fqdn string) (CustomDomain, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT fqdn, project_name, cert_chain, cert_key, not_after
		 FROM custom_domains WHERE fqdn = ?`, fqdn)
	var d CustomDomain
	var name string
	var notAfter int64
	err := row.Scan(&d.FQDN, &name, &d.CertChain, &d.CertKey, &notAfter)
	if errors.Is(err, sql.ErrNoRows) {
		return CustomDomain{}, apierror.Newf(apierror.KindDomainNotFound, "domain %q not found", fqdn)
	}
	if err != nil {
		return CustomDomain{}, fmt.Errorf("scan domain: %w", err)
	}
	d.Project = project.Name(name)
	if notAfter != 0 {
		d.NotAfter = time.Unix(notAfter, 0).UTC()
	}
	return d, nil
}

// ListCustomDomains returns every registered domain, for warming the
// certificate cache at startup.
func (s *Store) ListCustomDomains(ctx context.Context) ([]CustomDomain, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT fqdn, project_name, cert_chain, cert_key, not_after
		 FROM custom_domains ORDER BY fqdn`)
	if err != nil {
		return nil, fmt.Errorf("list domains: %w", err)
	}
	defer rows.Close()

	var out []CustomDomain
	for rows.Next() {
		var d CustomDomain
		var name string
		var notAfter int64
		if err := rows.Scan(&d.FQDN, &name, &d.CertChain, &d.CertKey, &notAfter); err != nil {
			return nil, fmt.Errorf("scan domain: %w", err)
		}
		d.Project = project.Name(name)
		if notAfter != 0 {
			d.NotAfter = time.Unix(notAfter, 0).UTC()
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

// UpdateCustomDomainCert stores freshly issued certificate material.
func (s *Store) UpdateCustomDomainCert(ctx context.Context, fqdn, certChain, certKey string, notAfter time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE custom_domains SET cert_chain = ?, cert_key = ?, not_after = ? WHERE fqdn = ?`,
		certChain, certKey, notAfter.Unix(), fqdn)
	if err != nil {
		return fmt.Errorf("update domain cert: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return apierror.Newf(apierror.KindDomainNotFound, "domain %q not found", fqdn)
	}
	return nil
}

// ListExpiringDomains returns domains whose certificate expires before the
// deadline, including domains that never had one issued.
func (s *Store) ListExpiringDomains(ctx context.Context, deadline time.Time) ([]CustomDomain, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT fqdn, project_name, cert_chain, cert_key, not_after
		 FROM custom_domains WHERE not_after < ? ORDER BY not_after`, deadline.Unix())
	if err != nil {
		return nil, fmt.Errorf("list expiring domains: %w", err)
	}
	defer rows.Close()

	var out []CustomDomain
	for rows.Next() {
		var d CustomDomain
		var name string
		var notAfter int64
		if err := rows.Scan(&d.FQDN, &name, &d.CertChain, &d.CertKey, &notAfter); err != nil {
			return nil, fmt.Errorf("scan domain: %w", err)
		}
		d.Project = project.Name(name)
		if notAfter != 0 {
			d.NotAfter = time.Unix(notAfter, 0).UTC()
		}
		out = append(out, d)
	}
	return out, rows.Err()
}
